package collab

import (
	"context"
	"errors"
	"strings"
	"testing"

	"AgentFi-Chain/internal/capability"
	"AgentFi-Chain/internal/ledger"
	"AgentFi-Chain/internal/observability/alerting"
)

type fakeCapability struct {
	info    capability.Info
	output  string
	err     error
	invoked int
}

func (f *fakeCapability) Info() capability.Info { return f.info }

func (f *fakeCapability) Invoke(context.Context, string, string) (string, error) {
	f.invoked++
	if f.err != nil {
		return "", f.err
	}
	return f.output, nil
}

type fakeDispatcher struct {
	events []alerting.Event
}

func (f *fakeDispatcher) Notify(_ context.Context, event alerting.Event) error {
	f.events = append(f.events, event)
	return nil
}

func callerInfo(id string, maxBudget float64, allow bool) capability.Info {
	return capability.Info{
		ID: id,
		Settlement: capability.Settlement{
			Enabled:          true,
			MaxBudgetCredits: maxBudget,
			AllowCrossAgent:  allow,
		},
	}
}

func targetInfo(id string, price float64, enabled bool) capability.Info {
	return capability.Info{
		ID: id,
		Settlement: capability.Settlement{
			Enabled:      enabled,
			PriceCredits: price,
		},
	}
}

func buildRegistry(t *testing.T, recs map[string][]string, caps ...*fakeCapability) *capability.Registry {
	t.Helper()
	registry := capability.NewRegistry(recs)
	for _, c := range caps {
		if err := registry.Register(c); err != nil {
			t.Fatalf("注册能力失败: %v", err)
		}
	}
	return registry
}

func TestCollaborateDisabledIsNoop(t *testing.T) {
	caller := &fakeCapability{info: callerInfo("caller", 5, true)}
	target := &fakeCapability{info: targetInfo("target", 1, true), output: "sub"}
	registry := buildRegistry(t, map[string][]string{"caller": {"target"}}, caller, target)

	memory := ledger.NewMemoryLedger()
	memory.Credit("caller", 10)

	outcome := NewCoordinator(registry, memory).Collaborate(context.Background(), "caller", "q", "main", false)
	if outcome.EnhancedResult != "main" {
		t.Fatalf("禁用协作时主结果应原样返回，实际 %q", outcome.EnhancedResult)
	}
	if len(outcome.Report) != 0 || len(outcome.Payments) != 0 {
		t.Fatalf("禁用协作时报告与付款都应为空: %+v", outcome)
	}
	if target.invoked != 0 {
		t.Fatalf("禁用协作时不应调用目标能力，实际调用 %d 次", target.invoked)
	}
}

func TestCollaborateRequiresCallerPermission(t *testing.T) {
	caller := &fakeCapability{info: callerInfo("caller", 5, false)}
	target := &fakeCapability{info: targetInfo("target", 1, true), output: "sub"}
	registry := buildRegistry(t, map[string][]string{"caller": {"target"}}, caller, target)

	memory := ledger.NewMemoryLedger()
	memory.Credit("caller", 10)

	outcome := NewCoordinator(registry, memory).Collaborate(context.Background(), "caller", "q", "main", true)
	if outcome.EnhancedResult != "main" || len(outcome.Report) != 0 {
		t.Fatalf("无协作权限时应为空操作: %+v", outcome)
	}
}

func TestCollaborateSuccessDebitsBudgetAndCreditsTarget(t *testing.T) {
	caller := &fakeCapability{info: callerInfo("caller", 5, true)}
	target := &fakeCapability{info: targetInfo("target", 1.5, true), output: "deep analysis"}
	registry := buildRegistry(t, map[string][]string{"caller": {"target"}}, caller, target)

	memory := ledger.NewMemoryLedger()
	memory.Credit("caller", 10)

	outcome := NewCoordinator(registry, memory).Collaborate(context.Background(), "caller", "q", "main", true)
	if len(outcome.Report) != 1 || outcome.Report[0].Status != StatusSuccess {
		t.Fatalf("期望 success 报告: %+v", outcome.Report)
	}
	if outcome.Report[0].Cost != 1.5 {
		t.Fatalf("成功条目应记录成本 1.5，实际 %v", outcome.Report[0].Cost)
	}
	if len(outcome.Payments) != 1 {
		t.Fatalf("成功协作应产生一笔付款: %+v", outcome.Payments)
	}
	if !strings.Contains(outcome.EnhancedResult, "### Cross-Agent Insights") {
		t.Fatalf("增强结果缺少协作分隔段: %q", outcome.EnhancedResult)
	}
	if !strings.Contains(outcome.EnhancedResult, "deep analysis") {
		t.Fatalf("增强结果应包含子结果: %q", outcome.EnhancedResult)
	}
	if !strings.HasPrefix(outcome.EnhancedResult, "main") {
		t.Fatalf("增强结果应以主结果开头: %q", outcome.EnhancedResult)
	}

	balance, err := memory.Balance(context.Background(), "caller")
	if err != nil {
		t.Fatalf("读取余额失败: %v", err)
	}
	if balance != 8.5 {
		t.Fatalf("成功协作应扣减账本余额，期望 8.5 实际 %v", balance)
	}
	if earned := registry.Earned("target"); earned != 1.5 {
		t.Fatalf("目标能力收入计数应为 1.5，实际 %v", earned)
	}
}

func TestCollaborateInsufficientFundsLeavesBudgetUntouched(t *testing.T) {
	caller := &fakeCapability{info: callerInfo("caller", 1.0, true)}
	target := &fakeCapability{info: targetInfo("target", 1.5, true), output: "sub"}
	registry := buildRegistry(t, map[string][]string{"caller": {"target"}}, caller, target)

	memory := ledger.NewMemoryLedger()
	memory.Credit("caller", 10)

	outcome := NewCoordinator(registry, memory).Collaborate(context.Background(), "caller", "q", "main", true)
	if len(outcome.Report) != 1 || outcome.Report[0].Status != StatusInsufficientFunds {
		t.Fatalf("期望 insufficient_funds 报告: %+v", outcome.Report)
	}
	if target.invoked != 0 {
		t.Fatalf("预算不足时不应调用目标能力，实际 %d 次", target.invoked)
	}
	if !strings.Contains(outcome.EnhancedResult, "### Cross-Agent Insights") {
		t.Fatalf("降级文本也应进入增强结果: %q", outcome.EnhancedResult)
	}

	balance, _ := memory.Balance(context.Background(), "caller")
	if balance != 10 {
		t.Fatalf("预算不足不应产生扣款，余额应保持 10，实际 %v", balance)
	}
	if len(outcome.Payments) != 0 {
		t.Fatalf("预算不足不应产生付款: %+v", outcome.Payments)
	}
}

func TestCollaboratePaymentFailureFallsBack(t *testing.T) {
	caller := &fakeCapability{info: callerInfo("caller", 5, true)}
	target := &fakeCapability{info: targetInfo("risk_scorer", 1, true), output: "sub"}
	registry := buildRegistry(t, map[string][]string{"caller": {"risk_scorer"}}, caller, target)

	memory := ledger.NewMemoryLedger()
	memory.Credit("caller", 10)
	memory.FailPayments(errors.New("链上拥堵"))

	alerts := &fakeDispatcher{}
	outcome := NewCoordinator(registry, memory, WithAlerts(alerts)).Collaborate(context.Background(), "caller", "q", "main", true)
	if len(outcome.Report) != 1 || outcome.Report[0].Status != StatusFallback {
		t.Fatalf("期望 fallback 报告: %+v", outcome.Report)
	}
	if len(alerts.events) != 1 || alerts.events[0].CapabilityID != "risk_scorer" {
		t.Fatalf("协作失败应触发一次告警: %+v", alerts.events)
	}
	if outcome.Report[0].Reason == "" {
		t.Fatal("fallback 条目应携带失败原因")
	}
	if !strings.Contains(outcome.EnhancedResult, "Risk Assessment (self-computed") {
		t.Fatalf("应使用 risk_scorer 的确定性降级文本: %q", outcome.EnhancedResult)
	}
	if registry.Earned("risk_scorer") != 0 {
		t.Fatal("协作失败不应累计目标收入")
	}
}

func TestCollaborateBudgetMonotonicAcrossCandidates(t *testing.T) {
	caller := &fakeCapability{info: callerInfo("caller", 2.0, true)}
	first := &fakeCapability{info: targetInfo("first", 1.2, true), output: "a"}
	second := &fakeCapability{info: targetInfo("second", 1.2, true), output: "b"}
	disabled := &fakeCapability{info: targetInfo("third", 0.1, false), output: "c"}
	registry := buildRegistry(t,
		map[string][]string{"caller": {"first", "third", "second"}},
		caller, first, second, disabled)

	memory := ledger.NewMemoryLedger()
	memory.Credit("caller", 100)

	outcome := NewCoordinator(registry, memory).Collaborate(context.Background(), "caller", "q", "main", true)

	var spent float64
	for _, entry := range outcome.Report {
		if entry.Status == StatusSuccess {
			spent += entry.Cost
		}
	}
	if spent > 2.0 {
		t.Fatalf("成功条目的总成本超出初始预算: %v", spent)
	}

	// first 成功扣减后 second 必须观察到剩余预算 0.8 < 1.2。
	statuses := map[string]Status{}
	for _, entry := range outcome.Report {
		statuses[entry.Target] = entry.Status
	}
	if statuses["first"] != StatusSuccess {
		t.Fatalf("first 应成功: %+v", outcome.Report)
	}
	if statuses["third"] != StatusSkipped {
		t.Fatalf("third 未开启结算应被跳过: %+v", outcome.Report)
	}
	if statuses["second"] != StatusInsufficientFunds {
		t.Fatalf("second 应因预算不足降级: %+v", outcome.Report)
	}
	if second.invoked != 0 {
		t.Fatal("second 不应被真实调用")
	}
}

func TestCollaborateEmptyRecommendationsIsNoop(t *testing.T) {
	caller := &fakeCapability{info: callerInfo("caller", 5, true)}
	registry := buildRegistry(t, nil, caller)

	memory := ledger.NewMemoryLedger()
	memory.Credit("caller", 10)

	outcome := NewCoordinator(registry, memory).Collaborate(context.Background(), "caller", "q", "main", true)
	if outcome.EnhancedResult != "main" || len(outcome.Report) != 0 {
		t.Fatalf("无推荐目标时应为空操作: %+v", outcome)
	}
}
