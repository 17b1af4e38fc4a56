package plan

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"AgentFi-Chain/internal/attest"
	"AgentFi-Chain/internal/capability"
	xerrors "AgentFi-Chain/internal/errors"
	"AgentFi-Chain/internal/ledger"
	"AgentFi-Chain/internal/settle"
	"AgentFi-Chain/internal/sideeffect"
	"AgentFi-Chain/pkg/logger"
)

// Executor 按序执行计划：逐步解析能力、注入前序输出、在每步之后
// 尽力而为地发起付款与存证两类副作用。副作用失败只记录，不影响
// 步骤输出，也不中断后续步骤。
type Executor struct {
	registry     *capability.Registry
	payments     ledger.PaymentLedger
	attestations ledger.AttestationSink
	policy       capability.SplitPolicy
	journal      settle.Journal
	timeout      time.Duration
	log          *slog.Logger
}

// Option 配置 Executor 的可选依赖。
type Option func(*Executor)

// WithPayments 注入付款账本。未注入时付款副作用整体跳过。
func WithPayments(payments ledger.PaymentLedger) Option {
	return func(e *Executor) { e.payments = payments }
}

// WithAttestations 注入存证通道。未注入时存证副作用整体跳过。
func WithAttestations(sink ledger.AttestationSink) Option {
	return func(e *Executor) { e.attestations = sink }
}

// WithSplitPolicy 设置付款分账策略。
func WithSplitPolicy(policy capability.SplitPolicy) Option {
	return func(e *Executor) { e.policy = policy }
}

// WithSideEffectTimeout 设置单次副作用调用的超时上限。
func WithSideEffectTimeout(timeout time.Duration) Option {
	return func(e *Executor) { e.timeout = timeout }
}

// WithJournal 注入结算流水，成功的步骤付款与存证都会记账。
func WithJournal(journal settle.Journal) Option {
	return func(e *Executor) { e.journal = journal }
}

// NewExecutor 创建计划执行器。registry 不能为空。
func NewExecutor(registry *capability.Registry, opts ...Option) *Executor {
	e := &Executor{
		registry: registry,
		journal:  settle.NopJournal{},
		log:      logger.Named("plan"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute 顺序执行计划中的全部步骤并返回汇总结果。
// 畸形计划在执行任何步骤前以致命错误返回；未知能力与能力调用失败
// 都只影响所在步骤的输出，计划继续执行。wallet 为付款方账户，
// 为空时跳过付款副作用。
func (e *Executor) Execute(ctx context.Context, p Plan, wallet string) (*Result, error) {
	if e.registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "能力注册表未初始化")
	}
	if err := Validate(p); err != nil {
		return nil, err
	}

	outputs := make([]string, 0, len(p.Steps))
	results := make([]StepResult, 0, len(p.Steps))
	summary := Summary{
		AttestationRefs: []string{},
		CapabilityIDs:   make([]string, 0, len(p.Steps)),
	}

	for i, step := range p.Steps {
		summary.CapabilityIDs = append(summary.CapabilityIDs, step.CapabilityID)
		input := resolveInput(step.Input, outputs)

		cap, ok := e.registry.Resolve(step.CapabilityID)
		if !ok {
			output := UnknownCapabilityOutput(step.CapabilityID)
			outputs = append(outputs, output)
			results = append(results, StepResult{
				Index:        i,
				CapabilityID: step.CapabilityID,
				Output:       output,
			})
			e.log.Warn("步骤引用了未注册的能力",
				slog.Int("step", i), slog.String("capability", step.CapabilityID))
			continue
		}

		e.log.Info("执行计划步骤",
			slog.Int("step", i), slog.String("capability", step.CapabilityID))

		output, err := cap.Invoke(ctx, input, wallet)
		if err != nil {
			// 步骤级失败：编码进输出，计划继续。
			output = fmt.Sprintf("[%s failed: %v]", step.CapabilityID, err)
			outputs = append(outputs, output)
			results = append(results, StepResult{
				Index:        i,
				CapabilityID: step.CapabilityID,
				Output:       output,
			})
			e.log.Warn("能力调用失败",
				slog.Int("step", i),
				slog.String("capability", step.CapabilityID),
				slog.String("error", err.Error()))
			continue
		}

		effects := e.runSideEffects(ctx, i, cap.Info(), wallet, output)
		if effects.AttestationOK {
			summary.AttestationRefs = append(summary.AttestationRefs, effects.AttestationRef)
		}

		outputs = append(outputs, output)
		results = append(results, StepResult{
			Index:        i,
			CapabilityID: step.CapabilityID,
			Output:       output,
			SideEffects:  effects,
		})
	}

	final := NoResultSentinel
	if len(outputs) > 0 {
		final = outputs[len(outputs)-1]
	}
	return &Result{FinalOutput: final, Steps: results, Summary: summary}, nil
}

// resolveInput 将 {step_j} 占位符替换为前序步骤的原始输出。
// 只替换已完成的步骤；越界或前向引用原样保留。
func resolveInput(template string, outputs []string) string {
	input := template
	for j, prev := range outputs {
		input = strings.ReplaceAll(input, fmt.Sprintf("{step_%d}", j), prev)
	}
	return input
}

// runSideEffects 发起付款与存证两类副作用。每类独立失败，
// 结果只记录日志与结算审计流。
func (e *Executor) runSideEffects(ctx context.Context, step int, info capability.Info, wallet, output string) SideEffects {
	var effects SideEffects

	payment := sideeffect.Skipped(sideeffect.KindPayment)
	if e.payments != nil && wallet != "" && info.PricePerCall > 0 {
		payment = sideeffect.Run(ctx, sideeffect.KindPayment, e.timeout, func(callCtx context.Context) (string, error) {
			receipt, err := e.payments.Pay(callCtx, ledger.PaymentRequest{
				From:   wallet,
				Amount: info.PricePerCall,
				Splits: e.policy.SplitsFor(info),
				Memo:   fmt.Sprintf("plan step %d %s", step, info.ID),
			})
			if err != nil {
				return "", xerrors.Wrap(xerrors.CodePaymentFailed, err, "步骤付款失败")
			}
			return receipt.TxID, nil
		})
	}
	effects.PaymentAttempted = payment.Attempted
	effects.PaymentOK = payment.OK
	if payment.Err != nil {
		e.log.Warn("步骤付款失败",
			slog.Int("step", step),
			slog.String("capability", info.ID),
			slog.String("error", payment.Err.Error()))
	} else if payment.OK {
		logger.Settlement().Info("plan step payment",
			slog.Int("step", step),
			slog.String("capability", info.ID),
			slog.String("payer", wallet),
			slog.Float64("amount", info.PricePerCall),
			slog.String("tx_id", payment.Ref))
		e.journalEvent(ctx, settle.Event{
			Kind:         settle.EventPayment,
			CapabilityID: info.ID,
			Payer:        wallet,
			Amount:       info.PricePerCall,
			TxID:         payment.Ref,
		})
	}

	attestation := sideeffect.Skipped(sideeffect.KindAttestation)
	if e.attestations != nil {
		hash := attest.HashResult(output)
		attestation = sideeffect.Run(ctx, sideeffect.KindAttestation, e.timeout, func(callCtx context.Context) (string, error) {
			ref, err := e.attestations.Submit(callCtx, info.ID, hash)
			if err != nil {
				return "", xerrors.Wrap(xerrors.CodeAttestationFailed, err, "步骤存证失败")
			}
			return ref, nil
		})
	}
	effects.AttestationAttempted = attestation.Attempted
	effects.AttestationOK = attestation.OK
	effects.AttestationRef = attestation.Ref
	if attestation.Err != nil {
		e.log.Warn("步骤存证失败",
			slog.Int("step", step),
			slog.String("capability", info.ID),
			slog.String("error", attestation.Err.Error()))
	} else if attestation.OK {
		e.journalEvent(ctx, settle.Event{
			Kind:         settle.EventAttestation,
			CapabilityID: info.ID,
			TxID:         attestation.Ref,
		})
	}

	return effects
}

func (e *Executor) journalEvent(ctx context.Context, event settle.Event) {
	if err := e.journal.Record(ctx, event); err != nil {
		e.log.Warn("写入结算流水失败", slog.String("error", err.Error()))
	}
}
