package settle

import (
	"context"
	"sync"
	"time"
)

// Receipt 表示一次合规执行的结算回执落库结构。
type Receipt struct {
	PaymentID      uint64
	CapabilityID   string
	Wallet         string
	AttestationRef string
	ResultHash     string
	TxID           string
	CreatedAt      int64
}

// Store 抽象结算数据的持久化接口：合规回执与能力累计收入。
type Store interface {
	SaveReceipt(ctx context.Context, receipt Receipt) error
	AddEarnings(ctx context.Context, capabilityID string, amount float64) error
	Earnings(ctx context.Context, capabilityID string) (float64, error)
	ListReceipts(ctx context.Context, limit int) ([]Receipt, error)
}

// MemoryStore 是 Store 的内存实现，用于测试与无数据库的本地运行。
type MemoryStore struct {
	mu       sync.RWMutex
	receipts []Receipt
	earnings map[string]float64
}

// NewMemoryStore 创建内存结算存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{earnings: make(map[string]float64)}
}

// SaveReceipt 记录一条结算回执。
func (m *MemoryStore) SaveReceipt(_ context.Context, receipt Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if receipt.CreatedAt == 0 {
		receipt.CreatedAt = time.Now().Unix()
	}
	m.receipts = append([]Receipt{receipt}, m.receipts...)
	return nil
}

// AddEarnings 累加能力的信用收入。
func (m *MemoryStore) AddEarnings(_ context.Context, capabilityID string, amount float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.earnings[capabilityID] += amount
	return nil
}

// Earnings 返回能力的累计信用收入。
func (m *MemoryStore) Earnings(_ context.Context, capabilityID string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.earnings[capabilityID], nil
}

// ListReceipts 返回最近的结算回执，按时间倒序排列。
func (m *MemoryStore) ListReceipts(_ context.Context, limit int) ([]Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.receipts) {
		limit = len(m.receipts)
	}
	results := make([]Receipt, limit)
	copy(results, m.receipts[:limit])
	return results, nil
}

var _ Store = (*MemoryStore)(nil)
