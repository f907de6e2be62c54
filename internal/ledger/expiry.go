package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/reelcredit/backend/internal/metrics"
	"github.com/reelcredit/backend/internal/models"
)

// SweepResult summarises one expiry sweep.
type SweepResult struct {
	Accounts int   `json:"accounts"`
	Entries  int64 `json:"entries"`
	Amount   int64 `json:"amount"`
	Failed   int   `json:"failed"`
}

// ExpireSweep expires every credit lot whose expires_at is at or before now.
// Each account is handled in its own transaction, so an interrupted sweep
// resumes on the next run and one failing account does not block the rest.
func (s *Service) ExpireSweep(ctx context.Context, now time.Time) (SweepResult, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.WithLabelValues("expire_credits").Observe(time.Since(start).Seconds()) }()

	var res SweepResult
	after := uuid.Nil
	for {
		ids, err := s.Entries.ListAccountsWithDue(ctx, now, after, s.Opts.SweepBatch)
		if err != nil {
			return res, fmt.Errorf("list accounts with expiring credits: %w", err)
		}
		for _, id := range ids {
			after = id
			if err := ctx.Err(); err != nil {
				return res, err
			}
			entries, removed, err := s.expireAccount(ctx, id, now)
			if err != nil {
				res.Failed++
				s.Logger.Error("expire credits failed", "account_id", id, "error", err)
				continue
			}
			if entries > 0 {
				res.Accounts++
				res.Entries += entries
				res.Amount += removed
			}
		}
		if len(ids) < s.Opts.SweepBatch {
			break
		}
	}
	metrics.ExpiredEntries.Add(float64(res.Entries))
	metrics.ExpiredCredits.Add(float64(res.Amount))
	s.Logger.Info("expiry sweep finished",
		"accounts", res.Accounts, "entries", res.Entries, "amount", res.Amount, "failed", res.Failed)
	return res, nil
}

// expireAccount marks the account's due lots expired and removes their sum from
// the balance, floored at zero. Returns the entries marked and credits removed.
func (s *Service) expireAccount(ctx context.Context, accountID uuid.UUID, now time.Time) (int64, int64, error) {
	var marked, removed int64
	err := s.RunInTx(ctx, func(tx pgx.Tx) error {
		marked, removed = 0, 0
		acc, err := s.LockAccountTx(ctx, tx, accountID)
		if err != nil {
			return err
		}
		due, err := s.Entries.ListDueTx(ctx, tx, accountID, now)
		if err != nil {
			return fmt.Errorf("list due credits: %w", err)
		}
		if len(due) == 0 {
			return nil
		}
		ids := make([]uuid.UUID, 0, len(due))
		var sum int64
		for _, e := range due {
			ids = append(ids, e.ID)
			sum += e.Amount
		}
		marked, err = s.Entries.MarkExpiredTx(ctx, tx, ids, now)
		if err != nil {
			return fmt.Errorf("mark expired: %w", err)
		}
		newBalance, err := s.Accounts.RemoveExpired(ctx, tx, accountID, sum)
		if err != nil {
			return fmt.Errorf("remove expired credits: %w", err)
		}
		removed = acc.Balance - newBalance
		if removed < sum {
			s.Logger.Warn("expired credits exceeded balance, floored at zero",
				"account_id", accountID, "expired", sum, "balance_before", acc.Balance)
		}
		return nil
	})
	return marked, removed, err
}

// ExpiringSoon lists per-account totals of credits expiring in (now, now+window].
// A zero window uses the configured expiring-soon window.
func (s *Service) ExpiringSoon(ctx context.Context, now time.Time, window time.Duration) ([]models.ExpiringTotal, error) {
	if window <= 0 {
		window = s.Opts.ExpiringSoonWindow
	}
	totals, err := s.Entries.SumExpiring(ctx, now, now.Add(window))
	if err != nil {
		return nil, fmt.Errorf("sum expiring credits: %w", err)
	}
	return totals, nil
}
