package sideeffect

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "AgentFi-Chain/internal/errors"
)

func TestRunSuccess(t *testing.T) {
	outcome := Run(context.Background(), KindPayment, time.Second, func(context.Context) (string, error) {
		return "tx-1", nil
	})
	if !outcome.Attempted || !outcome.OK || outcome.Ref != "tx-1" || outcome.Err != nil {
		t.Fatalf("成功结果不符: %+v", outcome)
	}
}

func TestRunFailureIsObservable(t *testing.T) {
	cause := errors.New("账本不可用")
	outcome := Run(context.Background(), KindPayment, time.Second, func(context.Context) (string, error) {
		return "", cause
	})
	if !outcome.Attempted || outcome.OK {
		t.Fatalf("失败结果不符: %+v", outcome)
	}
	if !errors.Is(outcome.Err, cause) {
		t.Fatalf("应保留原始错误: %v", outcome.Err)
	}
}

func TestRunTimeoutWrapsDeadline(t *testing.T) {
	outcome := Run(context.Background(), KindAttestation, 10*time.Millisecond, func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	if outcome.OK {
		t.Fatal("超时调用不应成功")
	}
	if xerrors.CodeOf(outcome.Err) != xerrors.CodeTimeout {
		t.Fatalf("超时应标记 TIMEOUT 错误码: %v", outcome.Err)
	}
}

func TestSkipped(t *testing.T) {
	outcome := Skipped(KindPayment)
	if outcome.Attempted || outcome.OK || outcome.Err != nil {
		t.Fatalf("跳过结果不符: %+v", outcome)
	}
}

func TestRunNilFnIsSkipped(t *testing.T) {
	outcome := Run(context.Background(), KindReceipt, time.Second, nil)
	if outcome.Attempted {
		t.Fatalf("空调用应视为未执行: %+v", outcome)
	}
}
