// Package memstore is an in-memory stand-in for the Postgres repositories,
// used by tests and local development. It emulates row locks with a lock
// timeout, the partial unique indexes on ledger_entries, and rollback.
package memstore

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/reelcredit/backend/internal/models"
)

// =============================================================================
// STORE
// =============================================================================

type Store struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*models.Account
	entries  []*models.LedgerEntry
	tasks    map[uuid.UUID]*models.Task
	events   []*models.ProviderEvent
	rowLocks map[string]chan struct{}
	failures map[string]error

	// LockWait is how long a row lock waits before failing like lock_timeout.
	LockWait time.Duration
}

func New() *Store {
	return &Store{
		accounts: make(map[uuid.UUID]*models.Account),
		tasks:    make(map[uuid.UUID]*models.Task),
		rowLocks: make(map[string]chan struct{}),
		failures: make(map[string]error),
		LockWait: time.Second,
	}
}

// Operation names accepted by FailOn.
const (
	OpBegin        = "begin"
	OpCreateTask   = "tasks.create"
	OpUpdateTask   = "tasks.update"
	OpCreateEntry  = "credits.create"
	OpLockAccount  = "accounts.lock"
	OpInsertEvent  = "events.insert"
	OpListAccounts = "credits.list_accounts"
)

// FailOn makes every later call of op return err until cleared with a nil err.
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

func (s *Store) injected(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[op]
}

// Begin starts a transaction. Store satisfies the TxBeginner interfaces.
func (s *Store) Begin(ctx context.Context) (pgx.Tx, error) {
	if err := s.injected(OpBegin); err != nil {
		return nil, err
	}
	return &Tx{s: s, held: make(map[string]bool)}, nil
}

func (s *Store) lockChan(key string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.rowLocks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.rowLocks[key] = ch
	}
	return ch
}

// lock acquires a row lock for the lifetime of tx. Non-memstore transactions skip locking.
func (s *Store) lock(ctx context.Context, tx pgx.Tx, key string) error {
	mt, ok := tx.(*Tx)
	if !ok {
		return nil
	}
	if mt.held[key] {
		return nil
	}
	ch := s.lockChan(key)
	timer := time.NewTimer(s.LockWait)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		mt.held[key] = true
		return nil
	case <-timer.C:
		return &pgconn.PgError{Code: "55P03", Message: "canceling statement due to lock timeout"}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// record registers an undo step; must be called with s.mu held.
func record(tx pgx.Tx, undo func()) {
	if mt, ok := tx.(*Tx); ok {
		mt.undo = append(mt.undo, undo)
	}
}

func uniqueViolation(constraint string) error {
	return &pgconn.PgError{Code: "23505", ConstraintName: constraint, Message: "duplicate key value violates unique constraint"}
}

// =============================================================================
// INSPECTION HELPERS
// =============================================================================

// Account returns a copy of the account, or nil.
func (s *Store) Account(id uuid.UUID) *models.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil
	}
	c := *a
	return &c
}

// Entries returns copies of the account's ledger entries in insertion order.
func (s *Store) Entries(accountID uuid.UUID) []*models.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.LedgerEntry
	for _, e := range s.entries {
		if e.AccountID == accountID {
			c := *e
			out = append(out, &c)
		}
	}
	return out
}

// Task returns a copy of the task, or nil.
func (s *Store) Task(id uuid.UUID) *models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil
	}
	c := *t
	return &c
}

// Events returns copies of the recorded provider events.
func (s *Store) Events() []*models.ProviderEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.ProviderEvent, 0, len(s.events))
	for _, e := range s.events {
		c := *e
		out = append(out, &c)
	}
	return out
}

// =============================================================================
// ACCOUNTS
// =============================================================================

type Accounts struct{ s *Store }

func (s *Store) Accounts() *Accounts { return &Accounts{s: s} }

func (r *Accounts) CreateTx(_ context.Context, tx pgx.Tx, id uuid.UUID) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[id]; ok {
		return false, nil
	}
	now := time.Now()
	s.accounts[id] = &models.Account{ID: id, CreatedAt: now, UpdatedAt: now}
	record(tx, func() { delete(s.accounts, id) })
	return true, nil
}

func (r *Accounts) GetByID(_ context.Context, id uuid.UUID) (*models.Account, error) {
	if a := r.s.Account(id); a != nil {
		return a, nil
	}
	return nil, pgx.ErrNoRows
}

func (r *Accounts) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Account, error) {
	if err := r.s.injected(OpLockAccount); err != nil {
		return nil, err
	}
	if r.s.Account(id) == nil {
		return nil, pgx.ErrNoRows
	}
	if err := r.s.lock(ctx, tx, "account:"+id.String()); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *Accounts) update(tx pgx.Tx, id uuid.UUID, apply func(a *models.Account) bool) (int64, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return 0, pgx.ErrNoRows
	}
	prev := *a
	if !apply(a) {
		return 0, pgx.ErrNoRows
	}
	a.UpdatedAt = time.Now()
	record(tx, func() { *a = prev })
	return a.Balance, nil
}

func (r *Accounts) DeductCredits(_ context.Context, tx pgx.Tx, id uuid.UUID, amount int64) (int64, error) {
	return r.update(tx, id, func(a *models.Account) bool {
		if a.Balance < amount {
			return false
		}
		a.Balance -= amount
		a.TotalSpent += amount
		return true
	})
}

func (r *Accounts) AddCredits(_ context.Context, tx pgx.Tx, id uuid.UUID, amount int64, earned bool) (int64, error) {
	return r.update(tx, id, func(a *models.Account) bool {
		a.Balance += amount
		if earned {
			a.TotalEarned += amount
		}
		return true
	})
}

func (r *Accounts) RemoveExpired(_ context.Context, tx pgx.Tx, id uuid.UUID, amount int64) (int64, error) {
	return r.update(tx, id, func(a *models.Account) bool {
		a.Balance -= amount
		if a.Balance < 0 {
			a.Balance = 0
		}
		return true
	})
}

// =============================================================================
// LEDGER ENTRIES
// =============================================================================

type Credits struct{ s *Store }

func (s *Store) Credits() *Credits { return &Credits{s: s} }

func (r *Credits) CreateTx(_ context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	if err := r.s.injected(OpCreateEntry); err != nil {
		return err
	}
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, x := range s.entries {
		if e.TaskID != nil && x.TaskID != nil && *x.TaskID == *e.TaskID && x.Kind == e.Kind &&
			(e.Kind == models.EntrySpent || e.Kind == models.EntryRefunded) {
			return uniqueViolation("ledger_entries_task_" + string(e.Kind) + "_key")
		}
		if e.ReferenceType == models.RefPayment && x.ReferenceType == models.RefPayment && x.ReferenceID == e.ReferenceID {
			return uniqueViolation("ledger_entries_payment_key")
		}
		if e.ReferenceType == models.RefGrant && e.ReferenceID != "" && x.ReferenceType == models.RefGrant &&
			x.AccountID == e.AccountID && x.ReferenceID == e.ReferenceID {
			return uniqueViolation("ledger_entries_grant_key")
		}
	}
	c := *e
	s.entries = append(s.entries, &c)
	record(tx, func() { s.entries = remove(s.entries, &c) })
	return nil
}

func (r *Credits) filter(keep func(e *models.LedgerEntry) bool) []*models.LedgerEntry {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.LedgerEntry
	for _, e := range s.entries {
		if keep(e) {
			c := *e
			out = append(out, &c)
		}
	}
	return out
}

func (r *Credits) ListAvailableTx(_ context.Context, _ pgx.Tx, accountID uuid.UUID, now time.Time) ([]*models.LedgerEntry, error) {
	out := r.filter(func(e *models.LedgerEntry) bool {
		return e.AccountID == accountID && e.Available(now)
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func due(e *models.LedgerEntry, now time.Time) bool {
	return e.Amount > 0 && !e.IsExpired && e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

func (r *Credits) ListDueTx(_ context.Context, _ pgx.Tx, accountID uuid.UUID, now time.Time) ([]*models.LedgerEntry, error) {
	out := r.filter(func(e *models.LedgerEntry) bool { return e.AccountID == accountID && due(e, now) })
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	return out, nil
}

func (r *Credits) MarkExpiredTx(_ context.Context, tx pgx.Tx, ids []uuid.UUID, at time.Time) (int64, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var n int64
	for _, e := range s.entries {
		if want[e.ID] && !e.IsExpired {
			e := e
			e.IsExpired = true
			ts := at
			e.ExpiredAt = &ts
			record(tx, func() { e.IsExpired = false; e.ExpiredAt = nil })
			n++
		}
	}
	return n, nil
}

func (r *Credits) FindByTaskTx(_ context.Context, _ pgx.Tx, taskID uuid.UUID, kind models.EntryKind) (*models.LedgerEntry, error) {
	out := r.filter(func(e *models.LedgerEntry) bool {
		return e.TaskID != nil && *e.TaskID == taskID && e.Kind == kind
	})
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

func (r *Credits) FindByReferenceTx(_ context.Context, _ pgx.Tx, refType, refID string) (*models.LedgerEntry, error) {
	out := r.filter(func(e *models.LedgerEntry) bool {
		return e.ReferenceType == refType && e.ReferenceID == refID
	})
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

func (r *Credits) FindByAccountReferenceTx(_ context.Context, _ pgx.Tx, accountID uuid.UUID, refType, refID string) (*models.LedgerEntry, error) {
	out := r.filter(func(e *models.LedgerEntry) bool {
		return e.AccountID == accountID && e.ReferenceType == refType && e.ReferenceID == refID
	})
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

func (r *Credits) ListByAccountID(_ context.Context, accountID uuid.UUID, kind models.EntryKind, limit, offset int) ([]*models.LedgerEntry, error) {
	out := r.filter(func(e *models.LedgerEntry) bool {
		return e.AccountID == accountID && (kind == "" || e.Kind == kind)
	})
	// Newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return page(out, limit, offset), nil
}

func (r *Credits) ListAccountsWithDue(_ context.Context, now time.Time, afterID uuid.UUID, limit int) ([]uuid.UUID, error) {
	if err := r.s.injected(OpListAccounts); err != nil {
		return nil, err
	}
	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	for _, e := range r.filter(func(e *models.LedgerEntry) bool { return due(e, now) }) {
		if !seen[e.AccountID] && bytes.Compare(e.AccountID[:], afterID[:]) > 0 {
			seen[e.AccountID] = true
			ids = append(ids, e.AccountID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	return page(ids, limit, 0), nil
}

func (r *Credits) SumExpiring(_ context.Context, from, to time.Time) ([]models.ExpiringTotal, error) {
	totals := make(map[uuid.UUID]*models.ExpiringTotal)
	for _, e := range r.filter(func(e *models.LedgerEntry) bool {
		return e.Amount > 0 && !e.IsExpired && e.ExpiresAt != nil && e.ExpiresAt.After(from) && !e.ExpiresAt.After(to)
	}) {
		t, ok := totals[e.AccountID]
		if !ok {
			t = &models.ExpiringTotal{AccountID: e.AccountID, EarliestAt: *e.ExpiresAt}
			totals[e.AccountID] = t
		}
		t.Amount += e.Amount
		if e.ExpiresAt.Before(t.EarliestAt) {
			t.EarliestAt = *e.ExpiresAt
		}
	}
	out := make([]models.ExpiringTotal, 0, len(totals))
	for _, t := range totals {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].AccountID[:], out[j].AccountID[:]) < 0 })
	return out, nil
}

func (r *Credits) Totals(_ context.Context, accountID uuid.UUID) (models.EntryTotals, error) {
	var t models.EntryTotals
	for _, e := range r.filter(func(e *models.LedgerEntry) bool { return e.AccountID == accountID }) {
		if e.Amount > 0 && !e.IsExpired {
			t.ActivePositive += e.Amount
		}
		if e.Amount < 0 {
			t.Negative -= e.Amount
		}
		switch e.Kind {
		case models.EntryEarned, models.EntryPurchased, models.EntryBonus:
			t.Earned += e.Amount
		case models.EntrySpent:
			t.Spent -= e.Amount
		}
	}
	return t, nil
}

// =============================================================================
// TASKS
// =============================================================================

type Tasks struct{ s *Store }

func (s *Store) Tasks() *Tasks { return &Tasks{s: s} }

func (r *Tasks) CreateTx(_ context.Context, tx pgx.Tx, t *models.Task) error {
	if err := r.s.injected(OpCreateTask); err != nil {
		return err
	}
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return uniqueViolation("tasks_pkey")
	}
	t.UpdatedAt = t.CreatedAt
	c := *t
	s.tasks[t.ID] = &c
	record(tx, func() { delete(s.tasks, t.ID) })
	return nil
}

func (r *Tasks) GetByID(_ context.Context, id uuid.UUID) (*models.Task, error) {
	if t := r.s.Task(id); t != nil {
		return t, nil
	}
	return nil, pgx.ErrNoRows
}

func (r *Tasks) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error) {
	if r.s.Task(id) == nil {
		return nil, pgx.ErrNoRows
	}
	if err := r.s.lock(ctx, tx, "task:"+id.String()); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *Tasks) GetByExternalJobID(_ context.Context, provider, externalJobID string) (*models.Task, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.Provider == provider && t.ExternalJobID != nil && *t.ExternalJobID == externalJobID {
			c := *t
			return &c, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (r *Tasks) UpdateTx(_ context.Context, tx pgx.Tx, t *models.Task) error {
	if err := r.s.injected(OpUpdateTask); err != nil {
		return err
	}
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[t.ID]
	if !ok {
		return pgx.ErrNoRows
	}
	if t.ExternalJobID != nil {
		for id, o := range s.tasks {
			if id != t.ID && o.Provider == t.Provider && o.ExternalJobID != nil && *o.ExternalJobID == *t.ExternalJobID {
				return uniqueViolation("tasks_provider_external_job_id_key")
			}
		}
	}
	prev := *cur
	t.UpdatedAt = time.Now()
	*cur = *t
	record(tx, func() { *cur = prev })
	return nil
}

func (r *Tasks) ListByUser(_ context.Context, userID uuid.UUID, status models.TaskStatus, limit, offset int) ([]*models.Task, error) {
	s := r.s
	s.mu.Lock()
	var out []*models.Task
	for _, t := range s.tasks {
		if t.UserID == userID && (status == "" || t.Status == status) {
			c := *t
			out = append(out, &c)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, limit, offset), nil
}

func (r *Tasks) ListOverdue(_ context.Context, now time.Time, limit int) ([]*models.Task, error) {
	s := r.s
	s.mu.Lock()
	var out []*models.Task
	for _, t := range s.tasks {
		if !t.Status.Terminal() && !t.DeadlineAt.After(now) {
			c := *t
			out = append(out, &c)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeadlineAt.Before(out[j].DeadlineAt) })
	return page(out, limit, 0), nil
}

// =============================================================================
// PROVIDER EVENTS
// =============================================================================

type Events struct{ s *Store }

func (s *Store) EventLog() *Events { return &Events{s: s} }

func (r *Events) InsertTx(_ context.Context, tx pgx.Tx, e *models.ProviderEvent) (bool, error) {
	if err := r.s.injected(OpInsertEvent); err != nil {
		return false, err
	}
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, x := range s.events {
		if x.Provider == e.Provider && x.ExternalJobID == e.ExternalJobID && x.State == e.State && x.PayloadHash == e.PayloadHash {
			return false, nil
		}
	}
	c := *e
	s.events = append(s.events, &c)
	record(tx, func() { s.events = remove(s.events, &c) })
	return true, nil
}

func remove[T any](list []*T, p *T) []*T {
	for i, x := range list {
		if x == p {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func page[T any](list []T, limit, offset int) []T {
	if offset >= len(list) {
		return nil
	}
	list = list[offset:]
	if limit > 0 && limit < len(list) {
		list = list[:limit]
	}
	return list
}
