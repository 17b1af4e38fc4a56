package settle

import (
	"context"
	"time"
)

// EventKind 标识结算事件的类型。
type EventKind string

const (
	EventPayment     EventKind = "payment"
	EventReceipt     EventKind = "receipt"
	EventCollabPay   EventKind = "collab_payment"
	EventCollabSkip  EventKind = "collab_fallback"
	EventRejection   EventKind = "compliance_rejection"
	EventAttestation EventKind = "attestation"
)

// Event 是写入结算流水的单条事件。
type Event struct {
	Kind         EventKind `json:"kind"`
	CapabilityID string    `json:"capability_id,omitempty"`
	Payer        string    `json:"payer,omitempty"`
	Amount       float64   `json:"amount,omitempty"`
	PaymentID    uint64    `json:"payment_id,omitempty"`
	TxID         string    `json:"tx_id,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	At           int64     `json:"at"`
}

// Journal 是尽力而为的结算流水。写入失败由调用方记录日志，
// 不影响业务流程。
type Journal interface {
	Record(ctx context.Context, event Event) error
}

// NopJournal 丢弃全部事件，用于未配置流水后端的场景。
type NopJournal struct{}

// Record 实现 Journal。
func (NopJournal) Record(context.Context, Event) error { return nil }

func stampEvent(event *Event) {
	if event.At == 0 {
		event.At = time.Now().Unix()
	}
}

var _ Journal = NopJournal{}
