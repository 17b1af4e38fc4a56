package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	xerrors "AgentFi-Chain/internal/errors"
)

// MemoryLedger 以内存方式模拟支付账本、合规账本与存证通道，
// 主要用于本地开发与测试。
type MemoryLedger struct {
	mu        sync.RWMutex
	balances  map[string]float64
	kyc       map[string]bool
	payments  map[uint64]*PaymentRecord
	receipts  map[uint64]string
	attested  []string
	payFail   error
	recordErr error
}

// NewMemoryLedger 创建空的内存账本。
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[string]float64),
		kyc:      make(map[string]bool),
		payments: make(map[uint64]*PaymentRecord),
		receipts: make(map[uint64]string),
	}
}

// Credit 为账户充值，仅测试使用。
func (m *MemoryLedger) Credit(account string, amount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[account] += amount
}

// VerifyKyc 将钱包加入 KYC 白名单。
func (m *MemoryLedger) VerifyKyc(wallet string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kyc[strings.ToLower(wallet)] = true
}

// PutPayment 预置一条支付记录。
func (m *MemoryLedger) PutPayment(record PaymentRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := record
	m.payments[record.ID] = &clone
}

// FailPayments 让后续 Pay 调用返回指定错误，用于模拟支付故障。
func (m *MemoryLedger) FailPayments(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payFail = err
}

// FailReceipts 让后续 RecordReceipt 调用返回指定错误。
func (m *MemoryLedger) FailReceipts(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordErr = err
}

// Balance 实现 PaymentLedger。
func (m *MemoryLedger) Balance(_ context.Context, account string) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[account], nil
}

// Pay 实现 PaymentLedger。转账为原子操作：余额不足或故障时不产生任何扣款。
func (m *MemoryLedger) Pay(_ context.Context, req PaymentRequest) (*PaymentReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.payFail != nil {
		return nil, m.payFail
	}
	if req.Amount <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "转账金额必须大于零")
	}
	if m.balances[req.From] < req.Amount {
		return nil, xerrors.New(xerrors.CodePaymentFailed, fmt.Sprintf("账户 %s 余额不足", req.From))
	}

	splits := make(map[string]float64, len(req.Splits))
	for account, fraction := range req.Splits {
		splits[account] = req.Amount * fraction
	}

	m.balances[req.From] -= req.Amount
	for account, share := range splits {
		m.balances[account] += share
	}

	return &PaymentReceipt{
		ID:     uuid.NewString(),
		From:   req.From,
		Amount: req.Amount,
		Splits: splits,
		TxID:   "0x" + strings.ReplaceAll(uuid.NewString(), "-", ""),
	}, nil
}

// IsKycVerified 实现 ComplianceLedger。
func (m *MemoryLedger) IsKycVerified(_ context.Context, wallet string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.kyc[strings.ToLower(wallet)], nil
}

// GetPayment 实现 ComplianceLedger。记录不存在时返回 nil。
func (m *MemoryLedger) GetPayment(_ context.Context, paymentID uint64) (*PaymentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.payments[paymentID]
	if !ok {
		return nil, nil
	}
	clone := *record
	return &clone, nil
}

// RecordReceipt 实现 ComplianceLedger。
func (m *MemoryLedger) RecordReceipt(_ context.Context, paymentID uint64, attestationRef, resultHash string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return "", m.recordErr
	}
	if resultHash == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "结果哈希不能为空")
	}
	txID := "0x" + strings.ReplaceAll(uuid.NewString(), "-", "")
	m.receipts[paymentID] = txID
	_ = attestationRef
	return txID, nil
}

// ReceiptTx 返回已记录的回执交易号，仅测试使用。
func (m *MemoryLedger) ReceiptTx(paymentID uint64) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.receipts[paymentID]
	return tx, ok
}

// Submit 实现 AttestationSink。
func (m *MemoryLedger) Submit(_ context.Context, capabilityID, resultHash string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref := fmt.Sprintf("mem-%s", uuid.NewString())
	m.attested = append(m.attested, fmt.Sprintf("%s|%s|%s", ref, capabilityID, resultHash))
	return ref, nil
}

// Attestations 返回已提交的存证，仅测试使用。
func (m *MemoryLedger) Attestations() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.attested...)
}

var (
	_ PaymentLedger    = (*MemoryLedger)(nil)
	_ ComplianceLedger = (*MemoryLedger)(nil)
	_ AttestationSink  = (*MemoryLedger)(nil)
)
