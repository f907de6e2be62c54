package memstore

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrTxClosed = errors.New("memstore: tx is closed")

// Tx satisfies pgx.Tx. Writes are applied immediately and undone on Rollback;
// row locks are held until Commit or Rollback.
type Tx struct {
	s    *Store
	mu   sync.Mutex
	held map[string]bool
	undo []func()
	done bool

	// Statements passed to Exec, e.g. SET LOCAL lock_timeout.
	Statements []string
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) { return nil, errors.New("memstore: nested tx unsupported") }

func (t *Tx) Commit(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxClosed
	}
	t.done = true
	t.undo = nil
	t.release()
	return nil
}

// Rollback after Commit is a no-op, matching the deferred-rollback idiom.
func (t *Tx) Rollback(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	t.s.mu.Lock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.s.mu.Unlock()
	t.undo = nil
	t.release()
	return nil
}

func (t *Tx) release() {
	for key := range t.held {
		<-t.s.lockChan(key)
	}
	t.held = nil
}

func (t *Tx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	t.mu.Lock()
	t.Statements = append(t.Statements, sql)
	t.mu.Unlock()
	return pgconn.NewCommandTag(""), nil
}

func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *Tx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *Tx) Conn() *pgx.Conn { return nil }
