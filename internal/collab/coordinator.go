package collab

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"AgentFi-Chain/internal/capability"
	xerrors "AgentFi-Chain/internal/errors"
	"AgentFi-Chain/internal/ledger"
	"AgentFi-Chain/internal/observability/alerting"
	"AgentFi-Chain/internal/settle"
	"AgentFi-Chain/pkg/logger"
)

// Status 是协作报告条目的状态。
type Status string

const (
	StatusSuccess           Status = "success"
	StatusSkipped           Status = "skipped"
	StatusInsufficientFunds Status = "insufficient_funds"
	StatusFallback          Status = "fallback"
)

// ReportEntry 记录对单个协作目标的处理结果。
type ReportEntry struct {
	Target string  `json:"agent"`
	Status Status  `json:"status"`
	Cost   float64 `json:"cost,omitempty"`
	Reason string  `json:"reason,omitempty"`
}

// Outcome 是一次协作调用的完整结果。
type Outcome struct {
	EnhancedResult string                   `json:"enhanced_result"`
	Report         []ReportEntry            `json:"cross_agent_report"`
	Payments       []*ledger.PaymentReceipt `json:"payments"`
}

// insightsDelimiter 分隔主结果与协作补充内容。
const insightsDelimiter = "\n\n---\n\n### Cross-Agent Insights\n\n"

// Coordinator 让一个能力在预算上限内"雇佣"其他能力补充分析。
// 预算在单次调用内单调递减且只在付款与调用都成功时扣减；
// 任何失败都退化为确定性的自算文本，绝不让主结果失败。
type Coordinator struct {
	registry *capability.Registry
	payments ledger.PaymentLedger
	policy   capability.SplitPolicy
	journal  settle.Journal
	store    settle.Store
	alerts   alerting.Dispatcher
	log      *slog.Logger
}

// Option 配置 Coordinator 的可选依赖。
type Option func(*Coordinator)

// WithJournal 注入结算流水。
func WithJournal(journal settle.Journal) Option {
	return func(c *Coordinator) { c.journal = journal }
}

// WithStore 注入结算存储，成功协作的收入会落库。
func WithStore(store settle.Store) Option {
	return func(c *Coordinator) { c.store = store }
}

// WithSplitPolicy 设置协作付款的分账策略。
func WithSplitPolicy(policy capability.SplitPolicy) Option {
	return func(c *Coordinator) { c.policy = policy }
}

// WithAlerts 注入告警分发器，协作付款失败时通知运维。
func WithAlerts(dispatcher alerting.Dispatcher) Option {
	return func(c *Coordinator) { c.alerts = dispatcher }
}

// NewCoordinator 创建协作协调器。payments 为空时所有协作都会走降级路径。
func NewCoordinator(registry *capability.Registry, payments ledger.PaymentLedger, opts ...Option) *Coordinator {
	c := &Coordinator{
		registry: registry,
		payments: payments,
		journal:  settle.NopJournal{},
		log:      logger.Named("collab"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// noop 返回未增强的主结果与空报告。
func noop(mainResult string) *Outcome {
	return &Outcome{
		EnhancedResult: mainResult,
		Report:         []ReportEntry{},
		Payments:       []*ledger.PaymentReceipt{},
	}
}

// Collaborate 按固定优先级遍历调用方的推荐目标并尝试付费协作。
// enabled 为假、调用方未开启协作权限或推荐列表为空时立即返回主结果。
func (c *Coordinator) Collaborate(ctx context.Context, callerID, query, mainResult string, enabled bool) *Outcome {
	if !enabled {
		return noop(mainResult)
	}
	caller, ok := c.registry.Resolve(callerID)
	if !ok {
		return noop(mainResult)
	}
	callerInfo := caller.Info()
	if !callerInfo.Settlement.AllowCrossAgent {
		return noop(mainResult)
	}
	recommended := c.registry.Recommendations(callerID)
	if len(recommended) == 0 {
		return noop(mainResult)
	}

	callerAccount := callerInfo.Settlement.Account
	if callerAccount == "" {
		callerAccount = callerInfo.ID
	}
	remaining := c.remainingBudget(ctx, callerAccount, callerInfo.Settlement.MaxBudgetCredits)

	c.log.Info("开始跨能力协作",
		slog.String("caller", callerID),
		slog.Float64("budget", remaining),
		slog.Int("candidates", len(recommended)))

	outcome := noop(mainResult)
	var additional []string

	for _, targetID := range recommended {
		target, ok := c.registry.Resolve(targetID)
		if !ok {
			continue
		}
		targetInfo := target.Info()
		price := targetInfo.Settlement.PriceCredits

		if !targetInfo.Settlement.Enabled {
			outcome.Report = append(outcome.Report, ReportEntry{
				Target: targetID,
				Status: StatusSkipped,
				Reason: "目标能力未开启结算",
			})
			continue
		}

		if remaining < price {
			c.log.Info("预算不足，使用自算降级",
				slog.String("caller", callerID),
				slog.String("target", targetID),
				slog.Float64("price", price),
				slog.Float64("remaining", remaining))
			additional = append(additional, SelfComputeFallback(targetID))
			outcome.Report = append(outcome.Report, ReportEntry{
				Target: targetID,
				Status: StatusInsufficientFunds,
				Reason: fmt.Sprintf("需要 %.2f 信用，剩余 %.2f", price, remaining),
			})
			continue
		}

		receipt, subResult, err := c.hire(ctx, callerAccount, targetInfo, target, query)
		if err != nil {
			c.log.Warn("协作调用失败，使用自算降级",
				slog.String("caller", callerID),
				slog.String("target", targetID),
				slog.String("error", err.Error()))
			c.journalEvent(ctx, settle.Event{
				Kind:         settle.EventCollabSkip,
				CapabilityID: targetID,
				Payer:        callerAccount,
				Detail:       err.Error(),
			})
			c.notifyPaymentFailure(ctx, callerAccount, targetID, err)
			additional = append(additional, SelfComputeFallback(targetID))
			outcome.Report = append(outcome.Report, ReportEntry{
				Target: targetID,
				Status: StatusFallback,
				Reason: err.Error(),
			})
			continue
		}

		remaining -= price
		additional = append(additional, subResult)
		outcome.Payments = append(outcome.Payments, receipt)
		outcome.Report = append(outcome.Report, ReportEntry{
			Target: targetID,
			Status: StatusSuccess,
			Cost:   price,
		})
		c.creditTarget(ctx, targetID, price)
		c.journalEvent(ctx, settle.Event{
			Kind:         settle.EventCollabPay,
			CapabilityID: targetID,
			Payer:        callerAccount,
			Amount:       price,
			TxID:         receipt.TxID,
		})
		logger.Settlement().Info("cross-agent payment",
			slog.String("caller", callerID),
			slog.String("target", targetID),
			slog.Float64("amount", price),
			slog.String("tx_id", receipt.TxID))
	}

	if len(additional) > 0 {
		outcome.EnhancedResult = mainResult + insightsDelimiter + strings.Join(additional, "\n\n")
	}
	return outcome
}

// remainingBudget 取调用方余额与单次预算上限中的较小者。
// 余额读取失败按 0 处理，随后的目标都会走降级路径。
func (c *Coordinator) remainingBudget(ctx context.Context, account string, maxBudget float64) float64 {
	if c.payments == nil {
		return 0
	}
	balance, err := c.payments.Balance(ctx, account)
	if err != nil {
		c.log.Warn("读取协作余额失败",
			slog.String("account", account),
			slog.String("error", err.Error()))
		return 0
	}
	if balance < maxBudget {
		return balance
	}
	return maxBudget
}

// hire 对目标能力付款并调用。付款视为原子操作：任何一步失败都
// 不扣减预算，由调用方退化处理。
func (c *Coordinator) hire(ctx context.Context, callerAccount string, targetInfo capability.Info, target capability.Capability, query string) (*ledger.PaymentReceipt, string, error) {
	if c.payments == nil {
		return nil, "", fmt.Errorf("付款账本未配置")
	}
	receipt, err := c.payments.Pay(ctx, ledger.PaymentRequest{
		From:   callerAccount,
		Amount: targetInfo.Settlement.PriceCredits,
		Splits: c.policy.SplitsFor(targetInfo),
		Memo:   "cross-agent " + targetInfo.ID,
	})
	if err != nil {
		return nil, "", fmt.Errorf("协作付款失败: %w", err)
	}
	subResult, err := target.Invoke(ctx, query, "")
	if err != nil {
		return nil, "", fmt.Errorf("协作调用失败: %w", err)
	}
	return receipt, subResult, nil
}

// creditTarget 累加目标能力的信用收入计数器并尽力落库。
func (c *Coordinator) creditTarget(ctx context.Context, targetID string, amount float64) {
	c.registry.AddEarned(targetID, amount)
	if c.store == nil {
		return
	}
	if err := c.store.AddEarnings(ctx, targetID, amount); err != nil {
		c.log.Warn("能力收入落库失败",
			slog.String("target", targetID),
			slog.String("error", err.Error()))
	}
}

// notifyPaymentFailure 将协作失败广播到告警渠道，失败只记日志。
func (c *Coordinator) notifyPaymentFailure(ctx context.Context, callerAccount, targetID string, cause error) {
	if c.alerts == nil {
		return
	}
	if err := c.alerts.Notify(ctx, alerting.Event{
		Code:         xerrors.CodePaymentFailed,
		Message:      cause.Error(),
		Severity:     xerrors.SeverityWarning,
		CapabilityID: targetID,
		Wallet:       callerAccount,
		OccurredAt:   time.Now(),
	}); err != nil {
		c.log.Warn("协作失败告警发送失败", slog.String("error", err.Error()))
	}
}

func (c *Coordinator) journalEvent(ctx context.Context, event settle.Event) {
	if err := c.journal.Record(ctx, event); err != nil {
		c.log.Warn("写入结算流水失败", slog.String("error", err.Error()))
	}
}
