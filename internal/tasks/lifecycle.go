package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/reelcredit/backend/internal/execution"
	"github.com/reelcredit/backend/internal/ledger"
	"github.com/reelcredit/backend/internal/metrics"
	"github.com/reelcredit/backend/internal/models"
)

// Transition moves a task into a terminal status.
type Transition struct {
	Status       models.TaskStatus
	ResultURL    string
	ErrorCode    string
	ErrorMessage string
	// DurationSeconds is the output length reported by the provider. Per-second
	// tasks are charged from it on success.
	DurationSeconds *float64
}

// Result reports what a transition did.
type Result struct {
	Task *models.Task
	// Applied is false when the task was already terminal and nothing changed.
	Applied  bool
	Refund   *models.LedgerEntry
	Charge   *models.LedgerEntry
	Previous models.TaskStatus
}

// FinishTx applies tr inside tx: it locks the account then the task, and if
// the task is still open writes the terminal state together with any ledger
// effect. A task that is already terminal is returned unchanged.
func (c *Coordinator) FinishTx(ctx context.Context, tx pgx.Tx, taskID uuid.UUID, tr Transition) (Result, error) {
	if !tr.Status.Terminal() {
		return Result{}, fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, tr.Status)
	}
	t, err := c.lockAccountAndTaskTx(ctx, tx, taskID)
	if err != nil {
		return Result{}, err
	}
	res := Result{Task: t, Previous: t.Status}
	if t.Status.Terminal() {
		c.Logger.Info("task already terminal, transition ignored",
			"task_id", t.ID, "status", t.Status, "requested", tr.Status)
		return res, nil
	}

	now := c.Now()
	t.Status = tr.Status
	t.CompletedAt = &now
	switch tr.Status {
	case models.TaskSucceeded:
		if tr.ResultURL != "" {
			url := tr.ResultURL
			t.ResultURL = &url
		}
		t.Progress = 100
		t.OutputDurationSeconds = tr.DurationSeconds
		if err := c.settleSuccessTx(ctx, tx, t, &res); err != nil {
			return Result{}, err
		}
	default:
		if tr.ErrorCode != "" {
			code := tr.ErrorCode
			t.ErrorCode = &code
		}
		if tr.ErrorMessage != "" {
			msg := tr.ErrorMessage
			t.ErrorMessage = &msg
		}
		refund, err := c.refundTx(ctx, tx, t, tr)
		if err != nil {
			return Result{}, err
		}
		res.Refund = refund
	}

	if err := c.Tasks.UpdateTx(ctx, tx, t); err != nil {
		return Result{}, fmt.Errorf("update task: %w", err)
	}
	res.Applied = true
	return res, nil
}

// settleSuccessTx makes the task's charge permanent. Fixed-price tasks were
// charged at creation. Per-second tasks are charged now when the provider
// reported a usable duration; otherwise a settle job is queued in tx.
func (c *Coordinator) settleSuccessTx(ctx context.Context, tx pgx.Tx, t *models.Task, res *Result) error {
	if !t.Type.PerSecond() {
		t.CreditsDeducted = true
		return nil
	}
	if t.OutputDurationSeconds == nil {
		return c.enqueueSettleTx(ctx, tx, t)
	}
	amount, err := c.Pricing.ForDuration(*t.OutputDurationSeconds, isProTask(t))
	if err != nil {
		c.Logger.Warn("provider duration cannot be priced, settling later",
			"task_id", t.ID, "duration_seconds", *t.OutputDurationSeconds, "error", err)
		t.OutputDurationSeconds = nil
		return c.enqueueSettleTx(ctx, tx, t)
	}
	prior, err := c.Ledger.Entries.FindByTaskTx(ctx, tx, t.ID, models.EntrySpent)
	if err != nil {
		return fmt.Errorf("find charge: %w", err)
	}
	if prior != nil {
		t.CreditsDeducted = true
		return nil
	}
	entry, err := c.Ledger.DebitFIFOTx(ctx, tx, t.UserID, amount, ledger.TaskRef(t.ID, "charge by output duration"))
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		c.Logger.Warn("cannot charge succeeded task, settling later",
			"task_id", t.ID, "user_id", t.UserID, "amount", amount, "error", err)
		return c.enqueueSettleTx(ctx, tx, t)
	case errors.Is(err, ledger.ErrDuplicateEntry):
		// The unique violation aborted tx; nothing more can be written in it.
		return fmt.Errorf("%w: charge for task %s already recorded", ErrAlreadyFinalized, t.ID)
	case err != nil:
		return err
	}
	t.CreditsCommitted = amount
	t.CreditsDeducted = true
	res.Charge = entry
	return nil
}

func (c *Coordinator) enqueueSettleTx(ctx context.Context, tx pgx.Tx, t *models.Task) error {
	err := c.InsertJob(ctx, tx, execution.SettleGenerationArgs{TaskID: t.ID}, &river.InsertOpts{
		MaxAttempts: c.Opts.SettleMaxAttempts,
		ScheduledAt: c.Now().Add(c.Opts.PollInterval),
	})
	if err != nil {
		return fmt.Errorf("enqueue settle: %w", err)
	}
	return nil
}

// refundTx returns the committed credits once. It requires that the charge was
// not made permanent and that no refund entry exists for the task;
// credits_deducted stays false afterwards.
func (c *Coordinator) refundTx(ctx context.Context, tx pgx.Tx, t *models.Task, tr Transition) (*models.LedgerEntry, error) {
	if t.CreditsCommitted <= 0 || t.CreditsDeducted {
		metrics.Refunds.WithLabelValues("skipped").Inc()
		return nil, nil
	}
	prior, err := c.Ledger.Entries.FindByTaskTx(ctx, tx, t.ID, models.EntryRefunded)
	if err != nil {
		return nil, fmt.Errorf("find refund: %w", err)
	}
	if prior != nil {
		c.Logger.Warn("task already refunded", "task_id", t.ID, "refund_entry_id", prior.ID)
		metrics.Refunds.WithLabelValues("skipped").Inc()
		return nil, nil
	}
	reason := fmt.Sprintf("refund: task %s", tr.Status)
	if tr.ErrorMessage != "" {
		reason += ": " + tr.ErrorMessage
	}
	entry, err := c.Ledger.RefundTx(ctx, tx, t.UserID, t.CreditsCommitted, t.ID, reason)
	if err != nil {
		return nil, err
	}
	metrics.Refunds.WithLabelValues("issued").Inc()
	return entry, nil
}

// Finish is FinishTx in its own transaction.
func (c *Coordinator) Finish(ctx context.Context, taskID uuid.UUID, tr Transition) (Result, error) {
	var res Result
	err := c.Ledger.RunInTx(ctx, func(tx pgx.Tx) error {
		var err error
		res, err = c.FinishTx(ctx, tx, taskID, tr)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	c.observe(res)
	return res, nil
}

// Observe logs and counts a finished transition once its transaction committed.
func (c *Coordinator) Observe(res Result) { c.observe(res) }

func (c *Coordinator) observe(res Result) {
	if !res.Applied {
		return
	}
	t := res.Task
	metrics.TaskTransitions.WithLabelValues(string(t.Status)).Inc()
	attrs := []any{"task_id", t.ID, "from", res.Previous, "to", t.Status, "credits_deducted", t.CreditsDeducted}
	if res.Refund != nil {
		attrs = append(attrs, "refunded", res.Refund.Amount)
	}
	if res.Charge != nil {
		attrs = append(attrs, "charged", -res.Charge.Amount)
	}
	c.Logger.Info("task finished", attrs...)
}

// Fail marks an open task FAILED and refunds it.
func (c *Coordinator) Fail(ctx context.Context, taskID uuid.UUID, code, message string) (Result, error) {
	return c.Finish(ctx, taskID, Transition{Status: models.TaskFailed, ErrorCode: code, ErrorMessage: message})
}

// MarkFailed is Fail for callers that only need the error.
func (c *Coordinator) MarkFailed(ctx context.Context, taskID uuid.UUID, code, message string) error {
	_, err := c.Fail(ctx, taskID, code, message)
	return err
}

// Cancel stops a user's open task and refunds it if it was charged.
func (c *Coordinator) Cancel(ctx context.Context, userID, taskID uuid.UUID) (Result, error) {
	t, err := c.Get(ctx, userID, taskID)
	if err != nil {
		return Result{}, err
	}
	if t.Status.Terminal() {
		return Result{Task: t, Previous: t.Status}, fmt.Errorf("%w: task is %s", ErrInvalidTransition, t.Status)
	}
	res, err := c.Finish(ctx, taskID, Transition{
		Status:       models.TaskCancelled,
		ErrorCode:    "cancelled",
		ErrorMessage: "cancelled by user",
	})
	if err != nil {
		return Result{}, err
	}
	if !res.Applied {
		return res, fmt.Errorf("%w: task is %s", ErrInvalidTransition, res.Task.Status)
	}
	return res, nil
}

// CompletionInput is a worker's measurement of a per-second task's output.
type CompletionInput struct {
	TaskID                uuid.UUID
	OutputDurationSeconds float64
	// OutputURL is recorded only when the task has no result yet.
	OutputURL string
}

// Complete charges a per-second task by its measured duration with a FIFO
// debit and marks it SUCCEEDED. Only RUNNING tasks and SUCCEEDED tasks that
// are still uncharged can be completed; the rate follows the task's own
// parameters. It returns ErrAlreadyFinalized when the task's credits were
// already settled, including tasks charged at creation.
func (c *Coordinator) Complete(ctx context.Context, in CompletionInput) (Result, error) {
	var res Result
	var amount int64
	err := c.Ledger.RunInTx(ctx, func(tx pgx.Tx) error {
		t, err := c.lockAccountAndTaskTx(ctx, tx, in.TaskID)
		if err != nil {
			return err
		}
		if t.CreditsDeducted || !t.Type.PerSecond() {
			return ErrAlreadyFinalized
		}
		if t.Status != models.TaskRunning && t.Status != models.TaskSucceeded {
			return fmt.Errorf("%w: cannot complete a %s task", ErrInvalidTransition, t.Status)
		}
		amount, err = c.Pricing.ForDuration(in.OutputDurationSeconds, isProTask(t))
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidTask, err)
		}
		prior, err := c.Ledger.Entries.FindByTaskTx(ctx, tx, t.ID, models.EntrySpent)
		if err != nil {
			return fmt.Errorf("find charge: %w", err)
		}
		if prior != nil {
			return ErrAlreadyFinalized
		}

		entry, err := c.Ledger.DebitFIFOTx(ctx, tx, t.UserID, amount, ledger.TaskRef(t.ID, "charge by output duration"))
		if err != nil {
			if errors.Is(err, ledger.ErrDuplicateEntry) {
				return ErrAlreadyFinalized
			}
			return err
		}
		now := c.Now()
		res = Result{Task: t, Previous: t.Status, Applied: true, Charge: entry}
		duration := in.OutputDurationSeconds
		t.Status = models.TaskSucceeded
		t.CreditsCommitted = amount
		t.CreditsDeducted = true
		t.OutputDurationSeconds = &duration
		t.Progress = 100
		if in.OutputURL != "" && t.ResultURL == nil {
			url := in.OutputURL
			t.ResultURL = &url
		}
		if t.CompletedAt == nil {
			t.CompletedAt = &now
		}
		if err := c.Tasks.UpdateTx(ctx, tx, t); err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if res.Previous == models.TaskSucceeded {
		c.Logger.Info("succeeded task charged", "task_id", in.TaskID, "amount", amount)
	} else {
		c.observe(res)
	}
	return res, nil
}

// SettleDuration charges a succeeded per-second task once its duration is
// known. Already settled tasks are left alone; tasks that can never be charged
// with this duration return execution.ErrUnbillable.
func (c *Coordinator) SettleDuration(ctx context.Context, taskID uuid.UUID, seconds float64) error {
	_, err := c.Complete(ctx, CompletionInput{TaskID: taskID, OutputDurationSeconds: seconds})
	switch {
	case errors.Is(err, ErrAlreadyFinalized):
		return nil
	case errors.Is(err, ErrInvalidTask), errors.Is(err, ErrInvalidTransition):
		return fmt.Errorf("%w: %w", execution.ErrUnbillable, err)
	}
	return err
}

// SweepDeadlines times out open tasks whose deadline has passed and refunds
// them. It does not depend on any provider notification arriving.
func (c *Coordinator) SweepDeadlines(ctx context.Context, now time.Time) (int, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.WithLabelValues("task_deadlines").Observe(time.Since(start).Seconds()) }()

	overdue, err := c.Tasks.ListOverdue(ctx, now, c.Opts.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list overdue tasks: %w", err)
	}
	metrics.OverdueTasks.Set(float64(len(overdue)))
	timedOut, failed := 0, 0
	for _, t := range overdue {
		if err := ctx.Err(); err != nil {
			return timedOut, err
		}
		res, err := c.Finish(ctx, t.ID, Transition{
			Status:       models.TaskTimeout,
			ErrorCode:    "timeout",
			ErrorMessage: ErrProviderTimeout.Error(),
		})
		if err != nil {
			failed++
			c.Logger.Error("time out task failed", "task_id", t.ID, "error", err)
			continue
		}
		if res.Applied {
			timedOut++
		}
	}
	if len(overdue) > 0 {
		c.Logger.Info("deadline sweep finished", "overdue", len(overdue), "timed_out", timedOut, "failed", failed)
	}
	return timedOut, nil
}
