package model

import "time"

// CreditAccount is a user's prepaid ticket balance. Balance moves to
// Reserved at admission time and leaves Reserved exactly once at settlement,
// either into TotalUsed (spend) or back into Balance (refund).
type CreditAccount struct {
	UserID    string    `json:"user_id"`
	Balance   int64     `json:"balance"`
	Reserved  int64     `json:"reserved"`
	TotalUsed int64     `json:"total_used"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LedgerEventKind classifies a balance mutation in the audit trail.
type LedgerEventKind string

const (
	// LedgerGrant credits the balance from the billing collaborator.
	LedgerGrant LedgerEventKind = "grant"
	// LedgerReserve moves credits from balance into escrow.
	LedgerReserve LedgerEventKind = "reserve"
	// LedgerSpend consumes escrowed credits on success.
	LedgerSpend LedgerEventKind = "spend"
	// LedgerRefund returns escrowed credits to balance on failure.
	LedgerRefund LedgerEventKind = "refund"
	// LedgerRelease clears escrow without billing (operator no-charge jobs).
	LedgerRelease LedgerEventKind = "release"
)

// LedgerEvent is one immutable audit row per balance mutation.
type LedgerEvent struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Kind      LedgerEventKind `json:"kind"`
	Amount    int64           `json:"amount"`
	JobID     string          `json:"job_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
