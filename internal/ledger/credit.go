package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/reelcredit/backend/internal/models"
)

// CreditTx adds amount to the balance as a new credit lot. A nil expiresAt
// means now + CreditExpiry. Refunded credits do not count toward total_earned.
func (s *Service) CreditTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int64, kind models.EntryKind, ref Ref, expiresAt *time.Time) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !kind.Valid() || kind == models.EntrySpent {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if _, err := s.LockAccountTx(ctx, tx, accountID); err != nil {
		return nil, err
	}
	now := s.Now()
	if expiresAt == nil {
		exp := now.Add(s.Opts.CreditExpiry)
		expiresAt = &exp
	}
	newBalance, err := s.Accounts.AddCredits(ctx, tx, accountID, amount, kind != models.EntryRefunded)
	if err != nil {
		return nil, fmt.Errorf("add credits: %w", err)
	}
	entry := &models.LedgerEntry{
		ID:            uuid.New(),
		AccountID:     accountID,
		Kind:          kind,
		Amount:        amount,
		BalanceAfter:  newBalance,
		ReferenceType: ref.Type,
		ReferenceID:   ref.ID,
		TaskID:        ref.TaskID,
		Description:   ref.Description,
		CreatedAt:     now,
		ExpiresAt:     expiresAt,
	}
	if err := s.appendEntry(ctx, tx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Credit is CreditTx in its own transaction.
func (s *Service) Credit(ctx context.Context, accountID uuid.UUID, amount int64, kind models.EntryKind, ref Ref, expiresAt *time.Time) (*models.LedgerEntry, error) {
	var entry *models.LedgerEntry
	err := s.RunInTx(ctx, func(tx pgx.Tx) error {
		var err error
		entry, err = s.CreditTx(ctx, tx, accountID, amount, kind, ref, expiresAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// RefundTx returns amount to the account for a task. A task is refunded at most
// once: a second call logs a warning and returns the existing refund entry.
func (s *Service) RefundTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int64, taskID uuid.UUID, reason string) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if _, err := s.LockAccountTx(ctx, tx, accountID); err != nil {
		return nil, err
	}
	prior, err := s.Entries.FindByTaskTx(ctx, tx, taskID, models.EntryRefunded)
	if err != nil {
		return nil, fmt.Errorf("find refund: %w", err)
	}
	if prior != nil {
		s.Logger.Warn("duplicate refund ignored", "task_id", taskID, "account_id", accountID, "refund_entry_id", prior.ID)
		return prior, nil
	}
	ref := Ref{Type: models.RefTaskRefund, ID: taskID.String(), TaskID: &taskID, Description: reason}
	return s.CreditTx(ctx, tx, accountID, amount, models.EntryRefunded, ref, nil)
}

// Refund is RefundTx in its own transaction.
func (s *Service) Refund(ctx context.Context, accountID uuid.UUID, amount int64, taskID uuid.UUID, reason string) (*models.LedgerEntry, error) {
	var entry *models.LedgerEntry
	err := s.RunInTx(ctx, func(tx pgx.Tx) error {
		var err error
		entry, err = s.RefundTx(ctx, tx, accountID, amount, taskID, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Grant credits a reward such as an invite or sign-in bonus. A grant with a
// reference id is applied once per account: a replay returns the original
// entry and created=false.
func (s *Service) Grant(ctx context.Context, accountID uuid.UUID, amount int64, kind models.EntryKind, ref Ref) (entry *models.LedgerEntry, created bool, err error) {
	if kind != models.EntryEarned && kind != models.EntryBonus {
		return nil, false, fmt.Errorf("%w: grants must be earned or bonus, got %q", ErrInvalidKind, kind)
	}
	ref.Type = models.RefGrant
	err = s.RunInTx(ctx, func(tx pgx.Tx) error {
		entry, created = nil, false
		if _, err := s.LockAccountTx(ctx, tx, accountID); err != nil {
			return err
		}
		if ref.ID != "" {
			prior, err := s.Entries.FindByAccountReferenceTx(ctx, tx, accountID, models.RefGrant, ref.ID)
			if err != nil {
				return fmt.Errorf("find grant: %w", err)
			}
			if prior != nil {
				entry = prior
				return nil
			}
		}
		var err error
		entry, err = s.CreditTx(ctx, tx, accountID, amount, kind, ref, nil)
		if err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return entry, created, nil
}

// PurchaseCredits records a successful payment. It is idempotent on
// paymentOrderID: a replay returns the original entry and created=false.
// The account is created on first purchase.
func (s *Service) PurchaseCredits(ctx context.Context, accountID uuid.UUID, paymentOrderID string, credits int64) (entry *models.LedgerEntry, created bool, err error) {
	if paymentOrderID == "" {
		return nil, false, errors.New("payment order id is required")
	}
	err = s.RunInTx(ctx, func(tx pgx.Tx) error {
		entry, created = nil, false
		if _, err := s.EnsureAccountTx(ctx, tx, accountID); err != nil {
			return err
		}
		if _, err := s.LockAccountTx(ctx, tx, accountID); err != nil {
			return err
		}
		prior, err := s.Entries.FindByReferenceTx(ctx, tx, models.RefPayment, paymentOrderID)
		if err != nil {
			return fmt.Errorf("find payment: %w", err)
		}
		if prior != nil {
			if prior.AccountID != accountID {
				return fmt.Errorf("payment order %s already credited to another account", paymentOrderID)
			}
			entry = prior
			return nil
		}
		ref := Ref{Type: models.RefPayment, ID: paymentOrderID, Description: "credit purchase"}
		entry, err = s.CreditTx(ctx, tx, accountID, credits, models.EntryPurchased, ref, nil)
		if err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		s.Logger.Info("credits purchased", "account_id", accountID, "payment_order_id", paymentOrderID, "credits", credits)
	}
	return entry, created, nil
}
