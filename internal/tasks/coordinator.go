package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/reelcredit/backend/internal/config"
	"github.com/reelcredit/backend/internal/execution"
	"github.com/reelcredit/backend/internal/ledger"
	"github.com/reelcredit/backend/internal/metrics"
	"github.com/reelcredit/backend/internal/models"
	"github.com/reelcredit/backend/internal/pricing"
)

// TaskStore is the tasks repository used by the coordinator.
type TaskStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, t *models.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Task, error)
	GetByExternalJobID(ctx context.Context, provider, externalJobID string) (*models.Task, error)
	UpdateTx(ctx context.Context, tx pgx.Tx, t *models.Task) error
	ListByUser(ctx context.Context, userID uuid.UUID, status models.TaskStatus, limit, offset int) ([]*models.Task, error)
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*models.Task, error)
}

// InsertJobTxFunc enqueues a River job within the given transaction. Provided by
// main as a closure over river.Client.InsertTx.
type InsertJobTxFunc func(ctx context.Context, tx pgx.Tx, args river.JobArgs, opts *river.InsertOpts) error

type Options struct {
	Deadline          time.Duration
	PollInterval      time.Duration
	SubmitMaxAttempts int
	SettleMaxAttempts int
	SweepBatch        int
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Deadline:          cfg.Tasks.Deadline,
		PollInterval:      cfg.Tasks.PollInterval,
		SubmitMaxAttempts: cfg.Tasks.SubmitMaxAttempts,
		SettleMaxAttempts: cfg.Tasks.SettleMaxAttempts,
		SweepBatch:        cfg.Sweeps.BatchSize,
	}
}

// Coordinator drives generation tasks from creation to a terminal state and
// keeps the ledger in step. Whenever both rows are needed the account is
// locked before the task.
type Coordinator struct {
	Tasks     TaskStore
	Ledger    *ledger.Service
	Pricing   *pricing.Table
	Validator *Validator
	InsertJob InsertJobTxFunc
	Opts      Options
	Logger    *slog.Logger
	Now       func() time.Time
}

func NewCoordinator(taskStore TaskStore, l *ledger.Service, prices *pricing.Table, v *Validator, insertJob InsertJobTxFunc, opts Options, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Deadline <= 0 {
		opts.Deadline = 15 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.SubmitMaxAttempts <= 0 {
		opts.SubmitMaxAttempts = 5
	}
	if opts.SettleMaxAttempts <= 0 {
		opts.SettleMaxAttempts = 10
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = 500
	}
	return &Coordinator{
		Tasks:     taskStore,
		Ledger:    l,
		Pricing:   prices,
		Validator: v,
		InsertJob: insertJob,
		Opts:      opts,
		Logger:    logger,
		Now:       time.Now,
	}
}

// CreateInput is a user's request for a new generation task.
type CreateInput struct {
	UserID     uuid.UUID
	Type       models.TaskType
	Parameters json.RawMessage
}

// Create validates and prices the task, then in one transaction debits the
// user, inserts the PENDING task and enqueues its submission. On
// ErrInsufficientCredits nothing is persisted.
//
// Per-second task types are charged at completion, so creation only checks
// that the estimated charge is currently available.
func (c *Coordinator) Create(ctx context.Context, in CreateInput) (*models.Task, error) {
	if in.UserID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing user", ErrInvalidTask)
	}
	if err := c.Validator.Validate(in.Type, in.Parameters); err != nil {
		return nil, err
	}
	quote, err := c.Pricing.Quote(in.Type, in.Parameters)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	if len(in.Parameters) == 0 {
		in.Parameters = json.RawMessage(`{}`)
	}

	var task *models.Task
	err = c.Ledger.RunInTx(ctx, func(tx pgx.Tx) error {
		if _, err := c.Ledger.EnsureAccountTx(ctx, tx, in.UserID); err != nil {
			return err
		}
		if _, err := c.Ledger.LockAccountTx(ctx, tx, in.UserID); err != nil {
			return err
		}
		if quote.PerSecond {
			if err := c.gateEstimateTx(ctx, tx, in.UserID, quote.Estimate); err != nil {
				return err
			}
		}

		now := c.Now()
		task = &models.Task{
			ID:               uuid.New(),
			UserID:           in.UserID,
			Type:             in.Type,
			Provider:         in.Type.Provider(),
			Status:           models.TaskPending,
			CreditsCommitted: quote.Amount,
			Parameters:       in.Parameters,
			DeadlineAt:       now.Add(c.Opts.Deadline),
			CreatedAt:        now,
		}
		if err := c.Tasks.CreateTx(ctx, tx, task); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if quote.Amount > 0 {
			desc := fmt.Sprintf("%s generation", in.Type)
			if _, err := c.Ledger.DebitTx(ctx, tx, in.UserID, quote.Amount, ledger.TaskRef(task.ID, desc)); err != nil {
				return err
			}
		}
		return c.InsertJob(ctx, tx, execution.SubmitGenerationArgs{TaskID: task.ID}, &river.InsertOpts{
			MaxAttempts: c.Opts.SubmitMaxAttempts,
		})
	})
	if err != nil {
		return nil, err
	}
	metrics.TaskTransitions.WithLabelValues(string(models.TaskPending)).Inc()
	c.Logger.Info("task created",
		"task_id", task.ID, "user_id", task.UserID, "task_type", task.Type, "credits_committed", task.CreditsCommitted)
	return task, nil
}

// gateEstimateTx applies the FIFO availability rule to an estimate without spending.
func (c *Coordinator) gateEstimateTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, estimate int64) error {
	if estimate <= 0 {
		return nil
	}
	acc, err := c.Ledger.LockAccountTx(ctx, tx, userID)
	if err != nil {
		return err
	}
	lots, err := c.Ledger.Entries.ListAvailableTx(ctx, tx, userID, c.Now())
	if err != nil {
		return fmt.Errorf("list available credits: %w", err)
	}
	var available int64
	for _, lot := range lots {
		available += lot.Amount
	}
	if available < estimate || acc.Balance < estimate {
		metrics.LedgerRejections.WithLabelValues("estimate").Inc()
		return fmt.Errorf("%w: available %d, balance %d, estimated %d",
			ledger.ErrInsufficientCredits, available, acc.Balance, estimate)
	}
	return nil
}

// MarkRunning records the provider's job id and schedules polling in the same
// transaction. Only PENDING tasks can start.
func (c *Coordinator) MarkRunning(ctx context.Context, taskID uuid.UUID, externalJobID string, retries int) (*models.Task, error) {
	if externalJobID == "" {
		return nil, fmt.Errorf("%w: empty external job id", ErrInvalidTransition)
	}
	var task *models.Task
	err := c.Ledger.RunInTx(ctx, func(tx pgx.Tx) error {
		t, err := c.lockTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.Status != models.TaskPending {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, models.TaskRunning)
		}
		now := c.Now()
		ext := externalJobID
		t.ExternalJobID = &ext
		t.Status = models.TaskRunning
		t.StartedAt = &now
		t.RetryCount = retries
		if err := c.Tasks.UpdateTx(ctx, tx, t); err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		task = t
		return c.InsertJob(ctx, tx, execution.PollGenerationArgs{TaskID: taskID}, &river.InsertOpts{
			ScheduledAt: now.Add(c.Opts.PollInterval),
		})
	})
	if err != nil {
		return nil, err
	}
	metrics.TaskTransitions.WithLabelValues(string(models.TaskRunning)).Inc()
	c.Logger.Info("task running", "task_id", taskID, "external_job_id", externalJobID)
	return task, nil
}

func (c *Coordinator) lockTaskTx(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) (*models.Task, error) {
	t, err := c.Tasks.GetByIDForUpdate(ctx, tx, taskID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock task: %w", err)
	}
	return t, nil
}

// lockAccountAndTaskTx locks the owner's account, then the task.
func (c *Coordinator) lockAccountAndTaskTx(ctx context.Context, tx pgx.Tx, taskID uuid.UUID) (*models.Task, error) {
	snapshot, err := c.Tasks.GetByID(ctx, taskID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if _, err := c.Ledger.LockAccountTx(ctx, tx, snapshot.UserID); err != nil {
		return nil, err
	}
	return c.lockTaskTx(ctx, tx, taskID)
}

// UpdateProgressTx stores provider progress on a non-terminal task.
func (c *Coordinator) UpdateProgressTx(ctx context.Context, tx pgx.Tx, taskID uuid.UUID, progress float64) (*models.Task, error) {
	t, err := c.lockTaskTx(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() || progress <= t.Progress {
		return t, nil
	}
	t.Progress = min(progress, 100)
	if err := c.Tasks.UpdateTx(ctx, tx, t); err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	return t, nil
}

func isProTask(t *models.Task) bool {
	var p struct {
		IsPro bool   `json:"is_pro"`
		Mode  string `json:"mode"`
	}
	_ = json.Unmarshal(t.Parameters, &p)
	return p.IsPro || pricing.IsProMode(p.Mode)
}

// Get returns the task if it belongs to userID.
func (c *Coordinator) Get(ctx context.Context, userID, taskID uuid.UUID) (*models.Task, error) {
	t, err := c.Tasks.GetByID(ctx, taskID)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && t.UserID != userID) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// FindByExternalJobID looks a task up by the provider's job id without locking.
func (c *Coordinator) FindByExternalJobID(ctx context.Context, provider, externalJobID string) (*models.Task, error) {
	t, err := c.Tasks.GetByExternalJobID(ctx, provider, externalJobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s job %s", ErrTaskNotFound, provider, externalJobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get task by external job id: %w", err)
	}
	return t, nil
}

// GetByID returns any task, for workers.
func (c *Coordinator) GetByID(ctx context.Context, taskID uuid.UUID) (*models.Task, error) {
	t, err := c.Tasks.GetByID(ctx, taskID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListByUser pages through a user's tasks, newest first. Empty status lists all.
func (c *Coordinator) ListByUser(ctx context.Context, userID uuid.UUID, status models.TaskStatus, page, pageSize int) ([]*models.Task, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	list, err := c.Tasks.ListByUser(ctx, userID, status, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	if list == nil {
		list = []*models.Task{}
	}
	return list, nil
}
