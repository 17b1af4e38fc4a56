package settle

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"AgentFi-Chain/deploy/migrations"
)

// SQLStore 使用 MySQL 存储结算回执与能力收入。
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore 创建连接池并初始化数据表。
func NewSQLStore(dsn string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}

	store := &SQLStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

// initSchema 按文件名顺序执行内嵌的 SQL 迁移。
func (s *SQLStore) initSchema() error {
	entries, err := migrations.Files.ReadDir(".")
	if err != nil {
		return fmt.Errorf("读取迁移文件失败: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		content, err := migrations.Files.ReadFile(name)
		if err != nil {
			return fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		for _, stmt := range strings.Split(string(content), ";") {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("执行迁移 %s 失败: %w", name, err)
			}
		}
	}
	return nil
}

// SaveReceipt 将结算回执写入 MySQL。
func (s *SQLStore) SaveReceipt(ctx context.Context, receipt Receipt) error {
	if receipt.CreatedAt == 0 {
		receipt.CreatedAt = time.Now().Unix()
	}
	const stmt = `INSERT INTO compliance_receipts
        (payment_id, capability_id, wallet, attestation_ref, result_hash, tx_id, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt,
		receipt.PaymentID,
		receipt.CapabilityID,
		receipt.Wallet,
		receipt.AttestationRef,
		receipt.ResultHash,
		receipt.TxID,
		receipt.CreatedAt,
	); err != nil {
		return fmt.Errorf("写入结算回执失败: %w", err)
	}
	return nil
}

// AddEarnings 累加能力的信用收入。
func (s *SQLStore) AddEarnings(ctx context.Context, capabilityID string, amount float64) error {
	const stmt = `INSERT INTO capability_earnings (capability_id, earned_credits, updated_at)
        VALUES (?, ?, ?)
        ON DUPLICATE KEY UPDATE earned_credits = earned_credits + VALUES(earned_credits),
        updated_at = VALUES(updated_at)`
	if _, err := s.db.ExecContext(ctx, stmt, capabilityID, amount, time.Now().Unix()); err != nil {
		return fmt.Errorf("更新能力收入失败: %w", err)
	}
	return nil
}

// Earnings 查询能力的累计信用收入。
func (s *SQLStore) Earnings(ctx context.Context, capabilityID string) (float64, error) {
	var earned float64
	err := s.db.QueryRowContext(ctx,
		`SELECT earned_credits FROM capability_earnings WHERE capability_id = ?`,
		capabilityID).Scan(&earned)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("查询能力收入失败: %w", err)
	}
	return earned, nil
}

// ListReceipts 查询最近的结算回执。
func (s *SQLStore) ListReceipts(ctx context.Context, limit int) ([]Receipt, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT payment_id, capability_id, wallet, attestation_ref, result_hash, tx_id, created_at
        FROM compliance_receipts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询结算回执失败: %w", err)
	}
	defer rows.Close()

	var receipts []Receipt
	for rows.Next() {
		var r Receipt
		if err := rows.Scan(&r.PaymentID, &r.CapabilityID, &r.Wallet, &r.AttestationRef, &r.ResultHash, &r.TxID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("解析结算回执失败: %w", err)
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历结算回执失败: %w", err)
	}
	return receipts, nil
}

// Close 关闭数据库连接池。
func (s *SQLStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLStore)(nil)
