package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/reelcredit/backend/internal/models"
)

// BalanceView is an unlocked snapshot of an account.
type BalanceView struct {
	Balance       int64                 `json:"balance"`
	TotalEarned   int64                 `json:"total_earned"`
	TotalSpent    int64                 `json:"total_spent"`
	RecentEntries []*models.LedgerEntry `json:"recent_entries"`
}

// Balance reads the account without locking; the value may be stale but is never negative.
func (s *Service) Balance(ctx context.Context, accountID uuid.UUID) (BalanceView, error) {
	acc, err := s.getAccount(ctx, accountID)
	if err != nil {
		return BalanceView{}, err
	}
	recent, err := s.Entries.ListByAccountID(ctx, accountID, "", s.Opts.RecentEntries, 0)
	if err != nil {
		return BalanceView{}, fmt.Errorf("list recent entries: %w", err)
	}
	if recent == nil {
		recent = []*models.LedgerEntry{}
	}
	return BalanceView{
		Balance:       acc.Balance,
		TotalEarned:   acc.TotalEarned,
		TotalSpent:    acc.TotalSpent,
		RecentEntries: recent,
	}, nil
}

func (s *Service) getAccount(ctx context.Context, accountID uuid.UUID) (*models.Account, error) {
	acc, err := s.Accounts.GetByID(ctx, accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return acc, nil
}

// History pages through the account's entries, newest first. An empty kind lists all.
func (s *Service) History(ctx context.Context, accountID uuid.UUID, kind models.EntryKind, limit, offset int) ([]*models.LedgerEntry, error) {
	if kind != "" && !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	entries, err := s.Entries.ListByAccountID(ctx, accountID, kind, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	return entries, nil
}

// Sufficiency answers whether a FIFO debit of Required would succeed now.
type Sufficiency struct {
	Sufficient     bool  `json:"sufficient"`
	Balance        int64 `json:"balance"`
	TotalAvailable int64 `json:"total_available"`
	Required       int64 `json:"required"`
	Shortfall      int64 `json:"shortfall"`
	ExpiringSoon   int64 `json:"expiring_soon"`
}

// CheckSufficient reports availability without locking or writing.
func (s *Service) CheckSufficient(ctx context.Context, accountID uuid.UUID, required int64) (Sufficiency, error) {
	if required < 0 {
		return Sufficiency{}, ErrInvalidAmount
	}
	var out Sufficiency
	err := s.RunInTx(ctx, func(tx pgx.Tx) error {
		acc, err := s.getAccount(ctx, accountID)
		if err != nil {
			return err
		}
		now := s.Now()
		lots, err := s.Entries.ListAvailableTx(ctx, tx, accountID, now)
		if err != nil {
			return fmt.Errorf("list available credits: %w", err)
		}
		soon := now.Add(s.Opts.ExpiringSoonWindow)
		out = Sufficiency{Balance: acc.Balance, Required: required}
		for _, lot := range lots {
			out.TotalAvailable += lot.Amount
			if lot.ExpiresAt != nil && !lot.ExpiresAt.After(soon) {
				out.ExpiringSoon += lot.Amount
			}
		}
		spendable := min(out.TotalAvailable, acc.Balance)
		out.Sufficient = spendable >= required
		if !out.Sufficient {
			out.Shortfall = required - spendable
		}
		return nil
	})
	return out, err
}

// AuditReport compares the account counters with the ledger they summarise.
// BalanceDrift is non-zero after the expiry sweep floored a balance at zero.
type AuditReport struct {
	Account      *models.Account    `json:"account"`
	Totals       models.EntryTotals `json:"totals"`
	BalanceDrift int64              `json:"balance_drift"`
	EarnedDrift  int64              `json:"earned_drift"`
	SpentDrift   int64              `json:"spent_drift"`
}

// Consistent reports whether every counter matches the ledger.
func (r AuditReport) Consistent() bool {
	return r.BalanceDrift == 0 && r.EarnedDrift == 0 && r.SpentDrift == 0
}

// Audit recomputes the account's counters from its entries.
func (s *Service) Audit(ctx context.Context, accountID uuid.UUID) (AuditReport, error) {
	acc, err := s.getAccount(ctx, accountID)
	if err != nil {
		return AuditReport{}, err
	}
	totals, err := s.Entries.Totals(ctx, accountID)
	if err != nil {
		return AuditReport{}, fmt.Errorf("ledger totals: %w", err)
	}
	return AuditReport{
		Account:      acc,
		Totals:       totals,
		BalanceDrift: acc.Balance - (totals.ActivePositive - totals.Negative),
		EarnedDrift:  acc.TotalEarned - totals.Earned,
		SpentDrift:   acc.TotalSpent - totals.Spent,
	}, nil
}
