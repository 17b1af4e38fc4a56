package compliance

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"AgentFi-Chain/internal/attest"
	"AgentFi-Chain/internal/capability"
	"AgentFi-Chain/internal/collab"
	xerrors "AgentFi-Chain/internal/errors"
	"AgentFi-Chain/internal/ledger"
	"AgentFi-Chain/internal/observability/alerting"
	"AgentFi-Chain/internal/settle"
	"AgentFi-Chain/internal/sideeffect"
	"AgentFi-Chain/pkg/logger"
)

// State 是合规执行状态机的状态。
type State string

const (
	StateUnverified      State = "UNVERIFIED"
	StateKycOK           State = "KYC_OK"
	StatePaymentOK       State = "PAYMENT_OK"
	StateExecuted        State = "EXECUTED"
	StateReceiptRecorded State = "RECEIPT_RECORDED"
	StateRejected        State = "REJECTED"
)

// 拒绝原因。支付状态类拒绝直接使用账本返回的状态字符串。
const (
	ReasonKycRequired     = "kyc_required"
	ReasonPaymentNotFound = "payment_not_found"
	ReasonPaymentConsumed = "payment_already_consumed"
)

// Request 是一次合规执行请求。
type Request struct {
	CapabilityID string
	Query        string
	PaymentID    uint64
	Wallet       string
	CrossAgent   bool
}

// Metadata 是响应附带的合规元数据块。
type Metadata struct {
	KycVerified  bool    `json:"kyc_verified"`
	Jurisdiction string  `json:"jurisdiction"`
	KycTier      uint64  `json:"kyc_tier"`
	Amount       float64 `json:"payment_amount"`
	ReceiptTxID  string  `json:"receipt_tx_id"`
}

// Response 与免合规路径的响应同形，外加合规元数据。
// Rejected 为真时只有 State 与 Reason 有意义。
type Response struct {
	State      State                    `json:"state"`
	Rejected   bool                     `json:"-"`
	Reason     string                   `json:"reason,omitempty"`
	Result     string                   `json:"result,omitempty"`
	Report     []collab.ReportEntry     `json:"cross_agent_report,omitempty"`
	Payments   []*ledger.PaymentReceipt `json:"payments,omitempty"`
	Compliance Metadata                 `json:"compliance"`
}

// Collaborator 抽象合规执行后的可选跨能力协作。
type Collaborator interface {
	Collaborate(ctx context.Context, callerID, query, mainResult string, enabled bool) *collab.Outcome
}

// Gate 按支付 ID 驱动线性状态机：KYC 校验、支付记录校验、能力执行、
// 回执落账。拒绝即终止，不做任何账本写入；回执写入尽力而为。
// 已消费的支付 ID 在本地记录，同一 ID 的第二次执行会被拒绝。
type Gate struct {
	registry     *capability.Registry
	compliance   ledger.ComplianceLedger
	attestations ledger.AttestationSink
	collaborator Collaborator
	journal      settle.Journal
	store        settle.Store
	alerts       alerting.Dispatcher
	timeout      time.Duration
	log          *slog.Logger

	mu       sync.Mutex
	consumed map[uint64]bool
}

// Option 配置 Gate 的可选依赖。
type Option func(*Gate)

// WithAttestations 注入存证通道。
func WithAttestations(sink ledger.AttestationSink) Option {
	return func(g *Gate) { g.attestations = sink }
}

// WithCollaborator 注入跨能力协作协调器。
func WithCollaborator(c Collaborator) Option {
	return func(g *Gate) { g.collaborator = c }
}

// WithJournal 注入结算流水。
func WithJournal(journal settle.Journal) Option {
	return func(g *Gate) { g.journal = journal }
}

// WithStore 注入结算存储，回执会额外落库。
func WithStore(store settle.Store) Option {
	return func(g *Gate) { g.store = store }
}

// WithAlerts 注入告警分发器，合规拒绝会触发告警。
func WithAlerts(dispatcher alerting.Dispatcher) Option {
	return func(g *Gate) { g.alerts = dispatcher }
}

// WithSideEffectTimeout 设置存证与回执写入的超时上限。
func WithSideEffectTimeout(timeout time.Duration) Option {
	return func(g *Gate) { g.timeout = timeout }
}

// NewGate 创建合规门。registry 与 compliance 不能为空。
func NewGate(registry *capability.Registry, compliance ledger.ComplianceLedger, opts ...Option) *Gate {
	g := &Gate{
		registry:   registry,
		compliance: compliance,
		journal:    settle.NopJournal{},
		log:        logger.Named("compliance"),
		consumed:   make(map[uint64]bool),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Execute 驱动状态机完成一次合规执行。
// 拒绝通过 Response.Rejected 表达而不是 error；error 只用于请求
// 非法与能力执行本身的致命失败。
func (g *Gate) Execute(ctx context.Context, req Request) (*Response, error) {
	if strings.TrimSpace(req.CapabilityID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "能力 ID 不能为空")
	}
	if strings.TrimSpace(req.Wallet) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "钱包地址不能为空")
	}

	// UNVERIFIED → KYC_OK。校验失败与未通过同样拒绝，不再有任何账本调用。
	verified, err := g.compliance.IsKycVerified(ctx, req.Wallet)
	if err != nil {
		g.log.Warn("KYC 校验失败", slog.String("wallet", req.Wallet), slog.String("error", err.Error()))
		verified = false
	}
	if !verified {
		return g.reject(ctx, req, ReasonKycRequired), nil
	}

	// KYC_OK → PAYMENT_OK。本地已消费检查在前，支付记录校验在后。
	if !g.reservePayment(req.PaymentID) {
		return g.reject(ctx, req, ReasonPaymentConsumed), nil
	}
	record, err := g.compliance.GetPayment(ctx, req.PaymentID)
	if err != nil {
		g.log.Warn("查询支付记录失败",
			slog.Uint64("payment_id", req.PaymentID), slog.String("error", err.Error()))
		record = nil
	}
	if record == nil {
		g.releasePayment(req.PaymentID)
		return g.reject(ctx, req, ReasonPaymentNotFound), nil
	}
	if record.Status != ledger.PaymentStatusPending {
		g.releasePayment(req.PaymentID)
		return g.reject(ctx, req, string(record.Status)), nil
	}

	// PAYMENT_OK → EXECUTED。能力执行失败对合规路径是致命的。
	cap, ok := g.registry.Resolve(req.CapabilityID)
	if !ok {
		g.releasePayment(req.PaymentID)
		return nil, xerrors.New(xerrors.CodeUnknownCapability, "未知能力 "+req.CapabilityID)
	}
	result, err := cap.Invoke(ctx, req.Query, req.Wallet)
	if err != nil {
		g.releasePayment(req.PaymentID)
		return nil, xerrors.Wrap(xerrors.CodeInvocationFailed, err, "合规执行失败")
	}

	resp := &Response{
		State:    StateExecuted,
		Result:   result,
		Report:   []collab.ReportEntry{},
		Payments: []*ledger.PaymentReceipt{},
		Compliance: Metadata{
			KycVerified:  true,
			Jurisdiction: record.Jurisdiction,
			KycTier:      record.KycTier,
			Amount:       record.Amount,
		},
	}

	// EXECUTED → RECEIPT_RECORDED。先存证后回执，两步都尽力而为。
	resultHash := attest.HashResult(result)
	attestRef := g.submitAttestation(ctx, req.CapabilityID, resultHash)
	resp.Compliance.ReceiptTxID = g.recordReceipt(ctx, req, attestRef, resultHash)
	if resp.Compliance.ReceiptTxID != "" {
		resp.State = StateReceiptRecorded
	}
	g.persistReceipt(ctx, req, attestRef, resultHash, resp.Compliance.ReceiptTxID)

	// 可选协作在执行完成后运行，与免合规路径使用同一套协调器。
	if g.collaborator != nil && req.CrossAgent {
		outcome := g.collaborator.Collaborate(ctx, req.CapabilityID, req.Query, result, true)
		resp.Result = outcome.EnhancedResult
		resp.Report = outcome.Report
		resp.Payments = outcome.Payments
	}
	return resp, nil
}

// ConsumedPayments 返回已消费支付 ID 的数量，用于运维观测。
func (g *Gate) ConsumedPayments() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.consumed)
}

// reservePayment 占用一个支付 ID。返回假表示该 ID 已被消费。
func (g *Gate) reservePayment(paymentID uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.consumed[paymentID] {
		return false
	}
	g.consumed[paymentID] = true
	return true
}

// releasePayment 在执行未达成时释放占用，允许同一支付 ID 重试。
func (g *Gate) releasePayment(paymentID uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.consumed, paymentID)
}

func (g *Gate) reject(ctx context.Context, req Request, reason string) *Response {
	g.log.Info("合规执行被拒绝",
		slog.String("capability", req.CapabilityID),
		slog.Uint64("payment_id", req.PaymentID),
		slog.String("reason", reason))
	g.journalEvent(ctx, settle.Event{
		Kind:         settle.EventRejection,
		CapabilityID: req.CapabilityID,
		Payer:        req.Wallet,
		PaymentID:    req.PaymentID,
		Detail:       reason,
	})
	if g.alerts != nil {
		if err := g.alerts.Notify(ctx, alerting.Event{
			Code:         xerrors.CodeComplianceRejected,
			Message:      reason,
			Severity:     xerrors.SeverityWarning,
			PaymentID:    req.PaymentID,
			CapabilityID: req.CapabilityID,
			Wallet:       req.Wallet,
			OccurredAt:   time.Now(),
		}); err != nil {
			g.log.Warn("合规拒绝告警发送失败", slog.String("error", err.Error()))
		}
	}
	return &Response{State: StateRejected, Rejected: true, Reason: reason}
}

// submitAttestation 尽力提交执行存证，失败返回空引用。
func (g *Gate) submitAttestation(ctx context.Context, capabilityID, resultHash string) string {
	if g.attestations == nil {
		return ""
	}
	outcome := sideeffect.Run(ctx, sideeffect.KindAttestation, g.timeout, func(callCtx context.Context) (string, error) {
		return g.attestations.Submit(callCtx, capabilityID, resultHash)
	})
	if outcome.Err != nil {
		g.log.Warn("合规存证失败",
			slog.String("capability", capabilityID),
			slog.String("error", outcome.Err.Error()))
		return ""
	}
	return outcome.Ref
}

// recordReceipt 尽力把回执写回合规账本，失败返回空交易 ID。
func (g *Gate) recordReceipt(ctx context.Context, req Request, attestRef, resultHash string) string {
	outcome := sideeffect.Run(ctx, sideeffect.KindReceipt, g.timeout, func(callCtx context.Context) (string, error) {
		return g.compliance.RecordReceipt(callCtx, req.PaymentID, attestRef, resultHash)
	})
	if outcome.Err != nil {
		g.log.Warn("回执写入失败",
			slog.Uint64("payment_id", req.PaymentID),
			slog.String("error", outcome.Err.Error()))
		return ""
	}
	logger.Settlement().Info("compliance receipt recorded",
		slog.Uint64("payment_id", req.PaymentID),
		slog.String("capability", req.CapabilityID),
		slog.String("tx_id", outcome.Ref))
	return outcome.Ref
}

// persistReceipt 把回执写入结算存储与流水，失败只记录日志。
func (g *Gate) persistReceipt(ctx context.Context, req Request, attestRef, resultHash, txID string) {
	if g.store != nil {
		err := g.store.SaveReceipt(ctx, settle.Receipt{
			PaymentID:      req.PaymentID,
			CapabilityID:   req.CapabilityID,
			Wallet:         req.Wallet,
			AttestationRef: attestRef,
			ResultHash:     resultHash,
			TxID:           txID,
		})
		if err != nil {
			g.log.Warn("回执落库失败",
				slog.Uint64("payment_id", req.PaymentID),
				slog.String("error", err.Error()))
		}
	}
	g.journalEvent(ctx, settle.Event{
		Kind:         settle.EventReceipt,
		CapabilityID: req.CapabilityID,
		Payer:        req.Wallet,
		PaymentID:    req.PaymentID,
		TxID:         txID,
	})
}

func (g *Gate) journalEvent(ctx context.Context, event settle.Event) {
	if err := g.journal.Record(ctx, event); err != nil {
		g.log.Warn("写入结算流水失败", slog.String("error", err.Error()))
	}
}
