package plan

import (
	"context"
	"errors"
	"strings"
	"testing"

	"AgentFi-Chain/internal/capability"
	xerrors "AgentFi-Chain/internal/errors"
	"AgentFi-Chain/internal/ledger"
	"AgentFi-Chain/internal/settle"
)

type fakeCapability struct {
	info   capability.Info
	output string
	err    error
	echo   bool
	inputs []string
}

func (f *fakeCapability) Info() capability.Info { return f.info }

func (f *fakeCapability) Invoke(_ context.Context, query, _ string) (string, error) {
	f.inputs = append(f.inputs, query)
	if f.err != nil {
		return "", f.err
	}
	if f.echo {
		return query, nil
	}
	return f.output, nil
}

func newTestRegistry(t *testing.T, caps ...*fakeCapability) *capability.Registry {
	t.Helper()
	registry := capability.NewRegistry(nil)
	for _, c := range caps {
		if err := registry.Register(c); err != nil {
			t.Fatalf("注册能力失败: %v", err)
		}
	}
	return registry
}

func TestExecuteEmptyPlanReturnsSentinel(t *testing.T) {
	executor := NewExecutor(newTestRegistry(t))

	result, err := executor.Execute(context.Background(), Plan{}, "")
	if err != nil {
		t.Fatalf("执行空计划失败: %v", err)
	}
	if result.FinalOutput != NoResultSentinel {
		t.Fatalf("期望哨兵输出 %q，实际 %q", NoResultSentinel, result.FinalOutput)
	}
	if len(result.Steps) != 0 {
		t.Fatalf("空计划不应产生步骤结果，实际 %d", len(result.Steps))
	}
}

func TestExecuteRejectsMalformedPlan(t *testing.T) {
	cap := &fakeCapability{info: capability.Info{ID: "a"}, output: "x"}
	executor := NewExecutor(newTestRegistry(t, cap))

	plan := Plan{Steps: []Step{{CapabilityID: "a", Input: "x"}, {CapabilityID: "  ", Input: "y"}}}
	_, err := executor.Execute(context.Background(), plan, "")
	if err == nil {
		t.Fatal("畸形计划应当返回错误")
	}
	if xerrors.CodeOf(err) != xerrors.CodePlanMalformed {
		t.Fatalf("期望错误码 %s，实际 %s", xerrors.CodePlanMalformed, xerrors.CodeOf(err))
	}
	if len(cap.inputs) != 0 {
		t.Fatalf("畸形计划不应执行任何步骤，实际执行 %d 次", len(cap.inputs))
	}
}

func TestExecuteSubstitutesEarlierStepOutputs(t *testing.T) {
	first := &fakeCapability{info: capability.Info{ID: "portfolio_analyzer"}, output: "42"}
	second := &fakeCapability{info: capability.Info{ID: "risk_scorer"}, echo: true}
	executor := NewExecutor(newTestRegistry(t, first, second))

	plan := Plan{Steps: []Step{
		{CapabilityID: "portfolio_analyzer", Input: "x"},
		{CapabilityID: "risk_scorer", Input: "use {step_0}"},
	}}
	result, err := executor.Execute(context.Background(), plan, "")
	if err != nil {
		t.Fatalf("执行计划失败: %v", err)
	}
	if len(second.inputs) != 1 || second.inputs[0] != "use 42" {
		t.Fatalf("占位符未正确替换，实际输入 %v", second.inputs)
	}
	if result.FinalOutput != "use 42" {
		t.Fatalf("最终输出应为最后一步的输出，实际 %q", result.FinalOutput)
	}
}

func TestExecuteLeavesForwardReferencesLiteral(t *testing.T) {
	cap := &fakeCapability{info: capability.Info{ID: "a"}, echo: true}
	executor := NewExecutor(newTestRegistry(t, cap))

	plan := Plan{Steps: []Step{{CapabilityID: "a", Input: "see {step_0} and {step_5}"}}}
	result, err := executor.Execute(context.Background(), plan, "")
	if err != nil {
		t.Fatalf("执行计划失败: %v", err)
	}
	if result.FinalOutput != "see {step_0} and {step_5}" {
		t.Fatalf("前向/自引用应原样保留，实际 %q", result.FinalOutput)
	}
}

func TestExecuteContinuesPastUnknownCapability(t *testing.T) {
	tail := &fakeCapability{info: capability.Info{ID: "b"}, output: "done"}
	executor := NewExecutor(newTestRegistry(t, tail))

	plan := Plan{Steps: []Step{
		{CapabilityID: "ghost", Input: "x"},
		{CapabilityID: "b", Input: "y"},
	}}
	result, err := executor.Execute(context.Background(), plan, "")
	if err != nil {
		t.Fatalf("执行计划失败: %v", err)
	}
	if len(result.Steps) != 2 {
		t.Fatalf("计划应产生 2 个步骤结果，实际 %d", len(result.Steps))
	}
	if !strings.Contains(result.Steps[0].Output, "ghost") {
		t.Fatalf("未知能力哨兵应包含能力 ID，实际 %q", result.Steps[0].Output)
	}
	if len(tail.inputs) != 1 {
		t.Fatalf("后续步骤应继续执行，实际执行 %d 次", len(tail.inputs))
	}
	if result.FinalOutput != "done" {
		t.Fatalf("最终输出不符，实际 %q", result.FinalOutput)
	}
}

func TestExecuteInvocationFailureIsStepScoped(t *testing.T) {
	failing := &fakeCapability{info: capability.Info{ID: "a"}, err: errors.New("上游超时")}
	tail := &fakeCapability{info: capability.Info{ID: "b"}, output: "ok"}
	executor := NewExecutor(newTestRegistry(t, failing, tail))

	plan := Plan{Steps: []Step{
		{CapabilityID: "a", Input: "x"},
		{CapabilityID: "b", Input: "y"},
	}}
	result, err := executor.Execute(context.Background(), plan, "")
	if err != nil {
		t.Fatalf("步骤级失败不应让整个计划失败: %v", err)
	}
	if !strings.Contains(result.Steps[0].Output, "a failed") {
		t.Fatalf("失败步骤输出应包含失败说明，实际 %q", result.Steps[0].Output)
	}
	if result.FinalOutput != "ok" {
		t.Fatalf("计划应继续执行到最后一步，实际 %q", result.FinalOutput)
	}
}

func TestExecuteSideEffectFailureDoesNotChangeOutput(t *testing.T) {
	info := capability.Info{ID: "a", PricePerCall: 0.5}
	cap := &fakeCapability{info: info, output: "answer"}

	memory := ledger.NewMemoryLedger()
	memory.FailPayments(errors.New("账本不可用"))

	executor := NewExecutor(newTestRegistry(t, cap),
		WithPayments(memory),
		WithAttestations(memory),
	)

	plan := Plan{Steps: []Step{{CapabilityID: "a", Input: "x"}}}
	result, err := executor.Execute(context.Background(), plan, "0xwallet")
	if err != nil {
		t.Fatalf("付款失败不应让计划失败: %v", err)
	}
	step := result.Steps[0]
	if step.Output != "answer" {
		t.Fatalf("副作用失败不应改变步骤输出，实际 %q", step.Output)
	}
	if !step.SideEffects.PaymentAttempted || step.SideEffects.PaymentOK {
		t.Fatalf("付款结果应为已尝试且失败: %+v", step.SideEffects)
	}
	if !step.SideEffects.AttestationOK || step.SideEffects.AttestationRef == "" {
		t.Fatalf("存证应成功并返回引用: %+v", step.SideEffects)
	}
	if len(result.Summary.AttestationRefs) != 1 {
		t.Fatalf("摘要应收集成功的存证引用，实际 %v", result.Summary.AttestationRefs)
	}
}

type fakeJournal struct {
	events []settle.Event
}

func (f *fakeJournal) Record(_ context.Context, event settle.Event) error {
	f.events = append(f.events, event)
	return nil
}

func TestExecuteJournalsSuccessfulSideEffects(t *testing.T) {
	info := capability.Info{ID: "a", PricePerCall: 0.5}
	cap := &fakeCapability{info: info, output: "answer"}

	memory := ledger.NewMemoryLedger()
	memory.Credit("0xwallet", 10)

	journal := &fakeJournal{}
	executor := NewExecutor(newTestRegistry(t, cap),
		WithPayments(memory),
		WithAttestations(memory),
		WithJournal(journal),
	)

	plan := Plan{Steps: []Step{{CapabilityID: "a", Input: "x"}}}
	if _, err := executor.Execute(context.Background(), plan, "0xwallet"); err != nil {
		t.Fatalf("执行计划失败: %v", err)
	}

	if len(journal.events) != 2 {
		t.Fatalf("步骤付款与存证各应记一条流水，实际 %d 条: %+v", len(journal.events), journal.events)
	}
	payment := journal.events[0]
	if payment.Kind != settle.EventPayment || payment.Payer != "0xwallet" || payment.Amount != 0.5 {
		t.Fatalf("付款流水内容不符: %+v", payment)
	}
	attestation := journal.events[1]
	if attestation.Kind != settle.EventAttestation || attestation.CapabilityID != "a" || attestation.TxID == "" {
		t.Fatalf("存证流水内容不符: %+v", attestation)
	}
}

func TestExecuteFailedSideEffectsAreNotJournaled(t *testing.T) {
	info := capability.Info{ID: "a", PricePerCall: 0.5}
	cap := &fakeCapability{info: info, output: "answer"}

	memory := ledger.NewMemoryLedger()
	memory.FailPayments(errors.New("账本不可用"))

	journal := &fakeJournal{}
	executor := NewExecutor(newTestRegistry(t, cap),
		WithPayments(memory),
		WithJournal(journal),
	)

	plan := Plan{Steps: []Step{{CapabilityID: "a", Input: "x"}}}
	if _, err := executor.Execute(context.Background(), plan, "0xwallet"); err != nil {
		t.Fatalf("执行计划失败: %v", err)
	}
	if len(journal.events) != 0 {
		t.Fatalf("失败的副作用不应入流水: %+v", journal.events)
	}
}

func TestExecuteSummaryListsCapabilitiesInOrder(t *testing.T) {
	a := &fakeCapability{info: capability.Info{ID: "a"}, output: "1"}
	b := &fakeCapability{info: capability.Info{ID: "b"}, output: "2"}
	executor := NewExecutor(newTestRegistry(t, a, b))

	plan := Plan{Steps: []Step{
		{CapabilityID: "a", Input: "x"},
		{CapabilityID: "ghost", Input: "y"},
		{CapabilityID: "b", Input: "z"},
	}}
	result, err := executor.Execute(context.Background(), plan, "")
	if err != nil {
		t.Fatalf("执行计划失败: %v", err)
	}
	want := []string{"a", "ghost", "b"}
	if len(result.Summary.CapabilityIDs) != len(want) {
		t.Fatalf("能力列表长度不符: %v", result.Summary.CapabilityIDs)
	}
	for i, id := range want {
		if result.Summary.CapabilityIDs[i] != id {
			t.Fatalf("能力列表顺序不符: %v", result.Summary.CapabilityIDs)
		}
	}
}
