package ledger

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrInsufficientCredits is returned when the balance, or the unexpired credits
	// for a FIFO debit, cannot cover the requested amount. Nothing is written.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrLedgerBusy means the account row stayed locked past the lock timeout, or the
	// transaction deadlocked, even after retrying.
	ErrLedgerBusy      = errors.New("ledger busy")
	ErrInvalidAmount   = errors.New("amount must be positive")
	ErrInvalidKind     = errors.New("invalid credit kind")
	ErrAccountNotFound = errors.New("account not found")
	// ErrDuplicateEntry is returned when a task already has an entry of the same kind.
	ErrDuplicateEntry = errors.New("duplicate ledger entry")
)

const (
	sqlStateUniqueViolation      = "23505"
	sqlStateLockNotAvailable     = "55P03"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateSerializationFailure = "40001"
)

// IsBusy reports whether err is a lock timeout, deadlock or serialization failure.
func IsBusy(err error) bool {
	if errors.Is(err, ErrLedgerBusy) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case sqlStateLockNotAvailable, sqlStateDeadlockDetected, sqlStateSerializationFailure:
		return true
	}
	return false
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == sqlStateUniqueViolation
}
