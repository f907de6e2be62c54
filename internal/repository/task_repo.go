package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reelcredit/backend/internal/models"
)

type TaskRepo struct {
	pool *pgxpool.Pool
}

func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

const taskColumns = `id, user_id, task_type, provider, status, external_job_id, credits_committed, credits_deducted,
	parameters, result_url, error_code, error_message, progress, retry_count, output_duration_seconds,
	deadline_at, created_at, updated_at, started_at, completed_at`

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	err := row.Scan(&t.ID, &t.UserID, &t.Type, &t.Provider, &t.Status, &t.ExternalJobID, &t.CreditsCommitted,
		&t.CreditsDeducted, &t.Parameters, &t.ResultURL, &t.ErrorCode, &t.ErrorMessage, &t.Progress, &t.RetryCount,
		&t.OutputDurationSeconds, &t.DeadlineAt, &t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func collectTasks(rows pgx.Rows, err error) ([]*models.Task, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

// CreateTx inserts a task inside the given transaction.
func (r *TaskRepo) CreateTx(ctx context.Context, tx pgx.Tx, t *models.Task) error {
	return tx.QueryRow(ctx, `
		INSERT INTO tasks (id, user_id, task_type, provider, status, credits_committed, credits_deducted,
			parameters, deadline_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		RETURNING updated_at
	`, t.ID, t.UserID, t.Type, t.Provider, t.Status, t.CreditsCommitted, t.CreditsDeducted,
		t.Parameters, t.DeadlineAt, t.CreatedAt).Scan(&t.UpdatedAt)
}

func (r *TaskRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	return scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
}

// GetByIDForUpdate locks the task row. Lock the owning account first.
func (r *TaskRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error) {
	return scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
}

// GetByExternalJobID resolves a provider job id without locking.
func (r *TaskRepo) GetByExternalJobID(ctx context.Context, provider, externalJobID string) (*models.Task, error) {
	return scanTask(r.pool.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE provider = $1 AND external_job_id = $2
	`, provider, externalJobID))
}

// UpdateTx writes every mutable column of t.
func (r *TaskRepo) UpdateTx(ctx context.Context, tx pgx.Tx, t *models.Task) error {
	return tx.QueryRow(ctx, `
		UPDATE tasks SET status = $2, external_job_id = $3, credits_committed = $4, credits_deducted = $5,
			result_url = $6, error_code = $7, error_message = $8, progress = $9, retry_count = $10,
			output_duration_seconds = $11, started_at = $12, completed_at = $13, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, t.ID, t.Status, t.ExternalJobID, t.CreditsCommitted, t.CreditsDeducted, t.ResultURL, t.ErrorCode,
		t.ErrorMessage, t.Progress, t.RetryCount, t.OutputDurationSeconds, t.StartedAt, t.CompletedAt).Scan(&t.UpdatedAt)
}

// ListByUser pages through a user's tasks, newest first. Empty status lists all.
func (r *TaskRepo) ListByUser(ctx context.Context, userID uuid.UUID, status models.TaskStatus, limit, offset int) ([]*models.Task, error) {
	return collectTasks(r.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE user_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`, userID, string(status), limit, offset))
}

// ListOverdue returns open tasks whose deadline is at or before now.
func (r *TaskRepo) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*models.Task, error) {
	return collectTasks(r.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status IN ('PENDING', 'RUNNING') AND deadline_at <= $1
		ORDER BY deadline_at
		LIMIT $2
	`, now, limit))
}
