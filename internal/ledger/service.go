package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/reelcredit/backend/internal/config"
	"github.com/reelcredit/backend/internal/metrics"
	"github.com/reelcredit/backend/internal/models"
)

// AccountStore is the account repository used by the ledger. Mutations take the
// caller's transaction and assume the row is already locked.
type AccountStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error)
	DeductCredits(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64) (int64, error)
	AddCredits(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64, earned bool) (int64, error)
	RemoveExpired(ctx context.Context, tx pgx.Tx, id uuid.UUID, amount int64) (int64, error)
}

// EntryStore is the ledger_entries repository.
type EntryStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
	ListAvailableTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, now time.Time) ([]*models.LedgerEntry, error)
	ListDueTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, now time.Time) ([]*models.LedgerEntry, error)
	MarkExpiredTx(ctx context.Context, tx pgx.Tx, ids []uuid.UUID, at time.Time) (int64, error)
	FindByTaskTx(ctx context.Context, tx pgx.Tx, taskID uuid.UUID, kind models.EntryKind) (*models.LedgerEntry, error)
	FindByReferenceTx(ctx context.Context, tx pgx.Tx, refType, refID string) (*models.LedgerEntry, error)
	FindByAccountReferenceTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, refType, refID string) (*models.LedgerEntry, error)
	ListByAccountID(ctx context.Context, accountID uuid.UUID, kind models.EntryKind, limit, offset int) ([]*models.LedgerEntry, error)
	ListAccountsWithDue(ctx context.Context, now time.Time, afterID uuid.UUID, limit int) ([]uuid.UUID, error)
	SumExpiring(ctx context.Context, from, to time.Time) ([]models.ExpiringTotal, error)
	Totals(ctx context.Context, accountID uuid.UUID) (models.EntryTotals, error)
}

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Options are the ledger's tunables, normally taken from config.
type Options struct {
	CreditExpiry        time.Duration
	SignupBonus         int64
	ExpiringSoonWindow  time.Duration
	LockTimeout         time.Duration
	BusyRetryMaxElapsed time.Duration
	RecentEntries       int
	SweepBatch          int
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		CreditExpiry:        cfg.Ledger.CreditExpiry,
		SignupBonus:         cfg.Ledger.SignupBonus,
		ExpiringSoonWindow:  cfg.Ledger.ExpiringSoonWindow,
		LockTimeout:         cfg.Ledger.LockTimeout,
		BusyRetryMaxElapsed: cfg.Ledger.BusyRetryMaxElapsed,
		RecentEntries:       cfg.Ledger.RecentEntries,
		SweepBatch:          cfg.Sweeps.BatchSize,
	}
}

// Ref describes what a ledger entry is for.
type Ref struct {
	Type        string
	ID          string
	TaskID      *uuid.UUID
	Description string
}

// TaskRef references a generation task.
func TaskRef(taskID uuid.UUID, description string) Ref {
	return Ref{Type: models.RefTask, ID: taskID.String(), TaskID: &taskID, Description: description}
}

// Service is the credit ledger. Every balance change locks the account row
// (SELECT ... FOR UPDATE) and appends exactly one entry in the same transaction.
type Service struct {
	Accounts AccountStore
	Entries  EntryStore
	DB       TxBeginner
	Opts     Options
	Logger   *slog.Logger
	// Now is the ledger clock; tests replace it.
	Now func() time.Time

	mu sync.Mutex
	// uncommitted holds entry kinds written by RunInTx transactions still open.
	uncommitted map[pgx.Tx][]models.EntryKind
}

func NewService(accounts AccountStore, entries EntryStore, db TxBeginner, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RecentEntries <= 0 {
		opts.RecentEntries = 10
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = 500
	}
	return &Service{
		Accounts: accounts,
		Entries:  entries,
		DB:       db,
		Opts:     opts,
		Logger:   logger,
		Now:      time.Now,
	}
}

// RunInTx runs fn in a fresh transaction with the configured lock_timeout and
// commits it. Busy failures are retried with exponential backoff; once retries
// are exhausted the error wraps ErrLedgerBusy. fn may run more than once.
func (s *Service) RunInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	var b backoff.BackOff = &backoff.StopBackOff{}
	if s.Opts.BusyRetryMaxElapsed > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = 25 * time.Millisecond
		eb.MaxInterval = 500 * time.Millisecond
		eb.MaxElapsedTime = s.Opts.BusyRetryMaxElapsed
		b = eb
	}
	op := func() error {
		err := s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if IsBusy(err) {
			metrics.LedgerBusyRetries.Inc()
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		s.Logger.Warn("ledger busy, retrying", "error", err, "wait", wait)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if err != nil && IsBusy(err) && !errors.Is(err, ErrLedgerBusy) {
		return fmt.Errorf("%w: %v", ErrLedgerBusy, err)
	}
	return err
}

func (s *Service) runOnce(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	s.track(tx)
	defer s.untrack(tx)

	if s.Opts.LockTimeout > 0 {
		timeout := fmt.Sprintf("%dms", s.Opts.LockTimeout.Milliseconds())
		if _, err := tx.Exec(ctx, "SELECT set_config('lock_timeout', $1, true)", timeout); err != nil {
			return err
		}
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	for _, kind := range s.untrack(tx) {
		metrics.LedgerEntries.WithLabelValues(string(kind)).Inc()
	}
	return nil
}

func (s *Service) track(tx pgx.Tx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uncommitted == nil {
		s.uncommitted = make(map[pgx.Tx][]models.EntryKind)
	}
	s.uncommitted[tx] = nil
}

// untrack forgets tx and returns the entry kinds it wrote.
func (s *Service) untrack(tx pgx.Tx) []models.EntryKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := s.uncommitted[tx]
	delete(s.uncommitted, tx)
	return kinds
}

// countEntry defers the entry metric until tx commits. Transactions not
// started by RunInTx are counted immediately.
func (s *Service) countEntry(tx pgx.Tx, kind models.EntryKind) {
	s.mu.Lock()
	kinds, ok := s.uncommitted[tx]
	if ok {
		s.uncommitted[tx] = append(kinds, kind)
	}
	s.mu.Unlock()
	if !ok {
		metrics.LedgerEntries.WithLabelValues(string(kind)).Inc()
	}
}

// LockAccountTx locks the account row for the rest of tx.
func (s *Service) LockAccountTx(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (*models.Account, error) {
	acc, err := s.Accounts.GetByIDForUpdate(ctx, tx, accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock account: %w", err)
	}
	return acc, nil
}

// EnsureAccountTx creates the account on first use and grants the signup bonus.
func (s *Service) EnsureAccountTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (bool, error) {
	created, err := s.Accounts.CreateTx(ctx, tx, userID)
	if err != nil {
		return false, fmt.Errorf("create account: %w", err)
	}
	if !created || s.Opts.SignupBonus <= 0 {
		return created, nil
	}
	ref := Ref{Type: models.RefSignupBonus, ID: userID.String(), Description: "signup bonus"}
	if _, err := s.CreditTx(ctx, tx, userID, s.Opts.SignupBonus, models.EntryBonus, ref, nil); err != nil {
		return false, err
	}
	s.Logger.Info("account created", "account_id", userID, "signup_bonus", s.Opts.SignupBonus)
	return true, nil
}

// EnsureAccount is EnsureAccountTx in its own transaction.
func (s *Service) EnsureAccount(ctx context.Context, userID uuid.UUID) (bool, error) {
	var created bool
	err := s.RunInTx(ctx, func(tx pgx.Tx) error {
		var err error
		created, err = s.EnsureAccountTx(ctx, tx, userID)
		return err
	})
	return created, err
}

func (s *Service) appendEntry(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	if err := s.Entries.CreateTx(ctx, tx, e); err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s for task %v", ErrDuplicateEntry, e.Kind, e.TaskID)
		}
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	s.countEntry(tx, e.Kind)
	return nil
}
