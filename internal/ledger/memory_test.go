package ledger

import (
	"context"
	"errors"
	"testing"
)

func TestPayDebitsAndSplits(t *testing.T) {
	memory := NewMemoryLedger()
	memory.Credit("payer", 10)

	receipt, err := memory.Pay(context.Background(), PaymentRequest{
		From:   "payer",
		Amount: 2,
		Splits: map[string]float64{"owner": 0.7, "agent": 0.2, "platform": 0.1},
	})
	if err != nil {
		t.Fatalf("付款失败: %v", err)
	}
	if receipt.TxID == "" {
		t.Fatal("付款回执应携带交易 ID")
	}

	checks := map[string]float64{"payer": 8, "owner": 1.4, "agent": 0.4, "platform": 0.2}
	for account, want := range checks {
		got, err := memory.Balance(context.Background(), account)
		if err != nil {
			t.Fatalf("查询余额失败: %v", err)
		}
		if got != want {
			t.Fatalf("账户 %s 余额不符: 期望 %v 实际 %v", account, want, got)
		}
	}
}

func TestPayInsufficientBalanceIsAtomic(t *testing.T) {
	memory := NewMemoryLedger()
	memory.Credit("payer", 1)

	_, err := memory.Pay(context.Background(), PaymentRequest{
		From:   "payer",
		Amount: 2,
		Splits: map[string]float64{"agent": 1},
	})
	if err == nil {
		t.Fatal("余额不足应返回错误")
	}

	balance, _ := memory.Balance(context.Background(), "payer")
	if balance != 1 {
		t.Fatalf("失败的付款不应扣减余额，实际 %v", balance)
	}
	agent, _ := memory.Balance(context.Background(), "agent")
	if agent != 0 {
		t.Fatalf("失败的付款不应产生入账，实际 %v", agent)
	}
}

func TestKycIsCaseInsensitive(t *testing.T) {
	memory := NewMemoryLedger()
	memory.VerifyKyc("0xABCDEF")

	verified, err := memory.IsKycVerified(context.Background(), "0xabcdef")
	if err != nil {
		t.Fatalf("KYC 查询失败: %v", err)
	}
	if !verified {
		t.Fatal("KYC 校验应忽略地址大小写")
	}
}

func TestGetPaymentAbsentReturnsNil(t *testing.T) {
	memory := NewMemoryLedger()
	record, err := memory.GetPayment(context.Background(), 42)
	if err != nil {
		t.Fatalf("缺失的支付不应报错: %v", err)
	}
	if record != nil {
		t.Fatalf("缺失的支付应返回 nil，实际 %+v", record)
	}
}

func TestGetPaymentReturnsClone(t *testing.T) {
	memory := NewMemoryLedger()
	memory.PutPayment(PaymentRecord{ID: 1, Status: PaymentStatusPending, Amount: 5})

	record, err := memory.GetPayment(context.Background(), 1)
	if err != nil {
		t.Fatalf("查询支付失败: %v", err)
	}
	record.Status = PaymentStatusRefunded

	again, _ := memory.GetPayment(context.Background(), 1)
	if again.Status != PaymentStatusPending {
		t.Fatal("返回值应是副本，修改不应影响账本")
	}
}

func TestFailPaymentsInjectsError(t *testing.T) {
	memory := NewMemoryLedger()
	memory.Credit("payer", 10)
	cause := errors.New("链上拥堵")
	memory.FailPayments(cause)

	_, err := memory.Pay(context.Background(), PaymentRequest{From: "payer", Amount: 1})
	if !errors.Is(err, cause) {
		t.Fatalf("应返回注入的错误: %v", err)
	}
}

func TestStatusFromIndex(t *testing.T) {
	cases := map[uint8]PaymentStatus{
		0: PaymentStatusPending,
		1: PaymentStatusCompleted,
		2: PaymentStatusRefunded,
	}
	for idx, want := range cases {
		if got := StatusFromIndex(idx); got != want {
			t.Fatalf("索引 %d 应映射到 %s，实际 %s", idx, want, got)
		}
	}
	if got := StatusFromIndex(9); got != PaymentStatus("UNKNOWN") {
		t.Fatalf("越界索引应映射为 UNKNOWN，实际 %s", got)
	}
}
