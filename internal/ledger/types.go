package ledger

import "context"

// PaymentStatus mirrors the status enum of the settlement contract.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusCompleted PaymentStatus = "COMPLETED"
	PaymentStatusRefunded  PaymentStatus = "REFUNDED"
)

// statusNames maps the contract's uint8 status slot to its wire name.
var statusNames = []PaymentStatus{PaymentStatusPending, PaymentStatusCompleted, PaymentStatusRefunded}

// StatusFromIndex converts a contract status slot into a PaymentStatus.
func StatusFromIndex(idx uint8) PaymentStatus {
	if int(idx) < len(statusNames) {
		return statusNames[idx]
	}
	return PaymentStatus("UNKNOWN")
}

// PaymentRecord is the ledger-owned view of a compliant payment. The core
// only ever reads these; mutation happens on the compliance chain itself.
type PaymentRecord struct {
	ID           uint64
	Payer        string
	Jurisdiction string
	KycTier      uint64
	Amount       float64
	Status       PaymentStatus
}

// PaymentRequest describes a credit transfer split across several accounts.
// Splits are fractions of Amount and are expected to sum to 1.
type PaymentRequest struct {
	From   string
	Amount float64
	Splits map[string]float64
	Memo   string
}

// PaymentReceipt captures the outcome of a completed split payment.
type PaymentReceipt struct {
	ID     string
	From   string
	Amount float64
	Splits map[string]float64
	TxID   string
}

// PaymentLedger abstracts the credit ledger agents pay each other on.
type PaymentLedger interface {
	// Balance returns the spendable credit balance of an account.
	Balance(ctx context.Context, account string) (float64, error)
	// Pay executes a split transfer atomically. Either every split lands
	// or the ledger reports an error and nothing was debited.
	Pay(ctx context.Context, req PaymentRequest) (*PaymentReceipt, error)
}

// ComplianceLedger abstracts the identity/payment chain gating compliant
// execution. Reads never mutate chain state; RecordReceipt is the single
// write the core performs and it is best-effort.
type ComplianceLedger interface {
	IsKycVerified(ctx context.Context, wallet string) (bool, error)
	GetPayment(ctx context.Context, paymentID uint64) (*PaymentRecord, error)
	RecordReceipt(ctx context.Context, paymentID uint64, attestationRef, resultHash string) (string, error)
}

// AttestationSink accepts execution proofs. Submissions are fire-and-forget
// from the caller's point of view; the returned id is informational.
type AttestationSink interface {
	Submit(ctx context.Context, capabilityID, resultHash string) (string, error)
}
