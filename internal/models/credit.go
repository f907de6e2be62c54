package models

import (
	"time"

	"github.com/google/uuid"
)

// EntryKind is the ledger_entries.kind enum.
type EntryKind string

const (
	EntryEarned    EntryKind = "earned"
	EntrySpent     EntryKind = "spent"
	EntryPurchased EntryKind = "purchased"
	EntryRefunded  EntryKind = "refunded"
	EntryBonus     EntryKind = "bonus"
)

// Valid reports whether k is one of the known kinds.
func (k EntryKind) Valid() bool {
	switch k {
	case EntryEarned, EntrySpent, EntryPurchased, EntryRefunded, EntryBonus:
		return true
	}
	return false
}

// Reference types written to ledger_entries.reference_type.
const (
	RefTask        = "task"
	RefTaskRefund  = "task_refund"
	RefPayment     = "payment_order"
	RefSignupBonus = "signup_bonus"
	RefGrant       = "grant"
)

// LedgerEntry is one append-only row of the credit log. Positive amounts add
// credits, negative amounts spend them. Only IsExpired and ExpiredAt change
// after insert.
type LedgerEntry struct {
	ID            uuid.UUID  `json:"id"`
	AccountID     uuid.UUID  `json:"account_id"`
	Kind          EntryKind  `json:"kind"`
	Amount        int64      `json:"amount"`
	BalanceAfter  int64      `json:"balance_after"`
	ReferenceType string     `json:"reference_type,omitempty"`
	ReferenceID   string     `json:"reference_id,omitempty"`
	TaskID        *uuid.UUID `json:"task_id,omitempty"`
	Description   string     `json:"description,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	IsExpired     bool       `json:"is_expired"`
	ExpiredAt     *time.Time `json:"expired_at,omitempty"`
}

// Available reports whether the entry still counts toward spendable credits at now.
func (e *LedgerEntry) Available(now time.Time) bool {
	if e.Amount <= 0 || e.Kind == EntrySpent || e.IsExpired {
		return false
	}
	return e.ExpiresAt == nil || e.ExpiresAt.After(now)
}

// ExpiringTotal is the sum of credits due to expire for one account.
type ExpiringTotal struct {
	AccountID  uuid.UUID `json:"account_id"`
	Amount     int64     `json:"amount"`
	EarliestAt time.Time `json:"earliest_at"`
}

// EntryTotals is an aggregate of an account's ledger used for auditing counters.
// ActivePositive counts credit lots the sweep has not expired yet.
type EntryTotals struct {
	ActivePositive int64 `json:"active_positive"`
	Negative       int64 `json:"negative"`
	Earned         int64 `json:"earned"`
	Spent          int64 `json:"spent"`
}
