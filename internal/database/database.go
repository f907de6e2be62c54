package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
)

var ErrConnectionFailed = errors.New("db connection failed")

// schema is applied in order on every start; each statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id UUID PRIMARY KEY,
		balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		total_earned BIGINT NOT NULL DEFAULT 0,
		total_spent BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL REFERENCES accounts(id),
		task_type TEXT NOT NULL,
		provider TEXT NOT NULL,
		status TEXT NOT NULL,
		external_job_id TEXT,
		credits_committed BIGINT NOT NULL DEFAULT 0 CHECK (credits_committed >= 0),
		credits_deducted BOOLEAN NOT NULL DEFAULT false,
		parameters JSONB NOT NULL DEFAULT '{}'::jsonb,
		result_url TEXT,
		error_code TEXT,
		error_message TEXT,
		progress DOUBLE PRECISION NOT NULL DEFAULT 0,
		retry_count INT NOT NULL DEFAULT 0,
		output_duration_seconds DOUBLE PRECISION,
		deadline_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS tasks_provider_external_job_id_key
		ON tasks (provider, external_job_id) WHERE external_job_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS tasks_user_id_created_at_idx ON tasks (user_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS tasks_open_deadline_idx
		ON tasks (deadline_at) WHERE status IN ('PENDING', 'RUNNING')`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id UUID PRIMARY KEY,
		account_id UUID NOT NULL REFERENCES accounts(id),
		kind TEXT NOT NULL CHECK (kind IN ('earned', 'spent', 'purchased', 'refunded', 'bonus')),
		amount BIGINT NOT NULL CHECK (amount <> 0),
		balance_after BIGINT NOT NULL CHECK (balance_after >= 0),
		reference_type TEXT NOT NULL DEFAULT '',
		reference_id TEXT NOT NULL DEFAULT '',
		task_id UUID REFERENCES tasks(id),
		description TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		expires_at TIMESTAMPTZ,
		is_expired BOOLEAN NOT NULL DEFAULT false,
		expired_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS ledger_entries_account_created_idx ON ledger_entries (account_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS ledger_entries_expirable_idx
		ON ledger_entries (expires_at) WHERE amount > 0 AND is_expired = false AND expires_at IS NOT NULL`,
	// At most one debit and one refund per task.
	`CREATE UNIQUE INDEX IF NOT EXISTS ledger_entries_task_spent_key ON ledger_entries (task_id) WHERE kind = 'spent'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ledger_entries_task_refunded_key ON ledger_entries (task_id) WHERE kind = 'refunded'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ledger_entries_payment_key
		ON ledger_entries (reference_id) WHERE reference_type = 'payment_order'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ledger_entries_grant_key
		ON ledger_entries (account_id, reference_id) WHERE reference_type = 'grant' AND reference_id <> ''`,
	`CREATE TABLE IF NOT EXISTS provider_events (
		id UUID PRIMARY KEY,
		provider TEXT NOT NULL,
		external_job_id TEXT NOT NULL,
		state TEXT NOT NULL,
		payload JSONB NOT NULL,
		payload_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		received_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (provider, external_job_id, state, payload_hash)
	)`,
}

// Connect opens a pool and verifies the server is reachable.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return pool, nil
}

// Migrate applies River's own migrations followed by the service schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("river migrate up: %w", err)
	}
	logger.Info("River migrations applied", "versions", len(res.Versions))

	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	logger.Info("Schema applied", "statements", len(schema))
	return nil
}
