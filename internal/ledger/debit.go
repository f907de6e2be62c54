package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/reelcredit/backend/internal/metrics"
	"github.com/reelcredit/backend/internal/models"
)

// DebitTx spends amount from the balance. Call within a transaction; the account
// row is locked first. Returns ErrInsufficientCredits without writing when the
// balance is too low.
func (s *Service) DebitTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int64, ref Ref) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	acc, err := s.LockAccountTx(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	if acc.Balance < amount {
		metrics.LedgerRejections.WithLabelValues("balance").Inc()
		return nil, fmt.Errorf("%w: balance %d, required %d", ErrInsufficientCredits, acc.Balance, amount)
	}
	return s.spend(ctx, tx, acc, amount, ref)
}

// DebitFIFOTx spends amount only if the account's unexpired credit lots, taken
// oldest first, cover it. Lots past expires_at are ignored even before the sweep
// has marked them. The balance must also cover the amount.
func (s *Service) DebitFIFOTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int64, ref Ref) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	acc, err := s.LockAccountTx(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	lots, err := s.Entries.ListAvailableTx(ctx, tx, accountID, s.Now())
	if err != nil {
		return nil, fmt.Errorf("list available credits: %w", err)
	}
	var available int64
	for _, lot := range lots {
		available += lot.Amount
		if available >= amount {
			break
		}
	}
	if available < amount || acc.Balance < amount {
		metrics.LedgerRejections.WithLabelValues("fifo").Inc()
		return nil, fmt.Errorf("%w: available %d, balance %d, required %d",
			ErrInsufficientCredits, available, acc.Balance, amount)
	}
	return s.spend(ctx, tx, acc, amount, ref)
}

func (s *Service) spend(ctx context.Context, tx pgx.Tx, acc *models.Account, amount int64, ref Ref) (*models.LedgerEntry, error) {
	newBalance, err := s.Accounts.DeductCredits(ctx, tx, acc.ID, amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: balance %d, required %d", ErrInsufficientCredits, acc.Balance, amount)
	}
	if err != nil {
		return nil, fmt.Errorf("deduct credits: %w", err)
	}
	entry := &models.LedgerEntry{
		ID:            uuid.New(),
		AccountID:     acc.ID,
		Kind:          models.EntrySpent,
		Amount:        -amount,
		BalanceAfter:  newBalance,
		ReferenceType: ref.Type,
		ReferenceID:   ref.ID,
		TaskID:        ref.TaskID,
		Description:   ref.Description,
		CreatedAt:     s.Now(),
	}
	if err := s.appendEntry(ctx, tx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Debit is DebitTx in its own transaction.
func (s *Service) Debit(ctx context.Context, accountID uuid.UUID, amount int64, ref Ref) (*models.LedgerEntry, error) {
	var entry *models.LedgerEntry
	err := s.RunInTx(ctx, func(tx pgx.Tx) error {
		var err error
		entry, err = s.DebitTx(ctx, tx, accountID, amount, ref)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// DebitFIFO is DebitFIFOTx in its own transaction.
func (s *Service) DebitFIFO(ctx context.Context, accountID uuid.UUID, amount int64, ref Ref) (*models.LedgerEntry, error) {
	var entry *models.LedgerEntry
	err := s.RunInTx(ctx, func(tx pgx.Tx) error {
		var err error
		entry, err = s.DebitFIFOTx(ctx, tx, accountID, amount, ref)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}
