package sideeffect

import (
	"context"
	stdErrors "errors"
	"time"

	xerrors "AgentFi-Chain/internal/errors"
)

// Kind 标识副作用的类型。
type Kind string

const (
	KindPayment     Kind = "payment"
	KindAttestation Kind = "attestation"
	KindReceipt     Kind = "receipt"
)

// Outcome 是一次副作用调用的可观测结果。副作用永远不会让主流程失败，
// 但成功与否必须是一个可检查的值而不是被吞掉的异常。
type Outcome struct {
	Kind      Kind
	Attempted bool
	OK        bool
	Ref       string
	Err       error
}

// defaultTimeout 是单次副作用调用的兜底超时。
const defaultTimeout = 10 * time.Second

// Fn 是被执行的副作用调用，返回外部系统生成的引用标识。
type Fn func(ctx context.Context) (string, error)

// Run 在有界超时内执行一次副作用调用并返回其结果。
// 超时以 TIMEOUT 错误码记录在 Outcome.Err 中。
func Run(ctx context.Context, kind Kind, timeout time.Duration, fn Fn) Outcome {
	outcome := Outcome{Kind: kind, Attempted: true}
	if fn == nil {
		outcome.Attempted = false
		return outcome
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ref, err := fn(callCtx)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			err = xerrors.Wrap(xerrors.CodeTimeout, err, "副作用调用超时")
		}
		outcome.Err = err
		return outcome
	}
	outcome.OK = true
	outcome.Ref = ref
	return outcome
}

// Skipped 返回一个未执行的结果，用于未配置对应外部系统的场景。
func Skipped(kind Kind) Outcome {
	return Outcome{Kind: kind, Attempted: false}
}
