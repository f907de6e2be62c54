package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/reelcredit/backend/internal/ledger"
	"github.com/reelcredit/backend/internal/models"
	"github.com/reelcredit/backend/internal/provider"
)

// TaskService defines the contract the generation workers need to move a
// task through its lifecycle.
type TaskService interface {
	GetByID(ctx context.Context, taskID uuid.UUID) (*models.Task, error)
	MarkRunning(ctx context.Context, taskID uuid.UUID, externalJobID string, retries int) (*models.Task, error)
	MarkFailed(ctx context.Context, taskID uuid.UUID, code, reason string) error
}

// ErrUnbillable marks a settle attempt that can never succeed for the task.
var ErrUnbillable = errors.New("task cannot be charged")

var errDurationUnknown = errors.New("provider has not reported an output duration")

// DurationSettler charges a succeeded per-second task by its output duration.
type DurationSettler interface {
	SettleDuration(ctx context.Context, taskID uuid.UUID, seconds float64) error
}

// Reconciler applies a provider notification to its task.
type Reconciler interface {
	Apply(ctx context.Context, n provider.Notification) (string, error)
}

// CallbackURLFunc builds the webhook URL a provider reports back to.
type CallbackURLFunc func(providerName string, taskID uuid.UUID) (string, error)

// Clients maps provider names to their clients.
type Clients map[string]provider.Client

func (c Clients) forTask(t *models.Task) (provider.Client, error) {
	client, ok := c[t.Provider]
	if !ok {
		return nil, fmt.Errorf("no client for provider %q", t.Provider)
	}
	return client, nil
}

// =============================================================================
// SUBMIT
// =============================================================================

type SubmitGenerationWorker struct {
	river.WorkerDefaults[SubmitGenerationArgs]
	tasks       TaskService
	clients     Clients
	callbackURL CallbackURLFunc
	logger      *slog.Logger
}

func NewSubmitGenerationWorker(ts TaskService, clients Clients, callbackURL CallbackURLFunc, logger *slog.Logger) *SubmitGenerationWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubmitGenerationWorker{tasks: ts, clients: clients, callbackURL: callbackURL, logger: logger}
}

func (w *SubmitGenerationWorker) Work(ctx context.Context, job *river.Job[SubmitGenerationArgs]) error {
	t, err := w.tasks.GetByID(ctx, job.Args.TaskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if t.Status != models.TaskPending {
		w.logger.Info("task no longer pending, submit skipped", "task_id", t.ID, "status", t.Status)
		return nil
	}
	client, err := w.clients.forTask(t)
	if err != nil {
		return w.failTask(ctx, t.ID, "provider_unavailable", err.Error())
	}

	req := provider.SubmitRequest{TaskID: t.ID, Type: t.Type, Parameters: t.Parameters}
	if w.callbackURL != nil {
		req.CallbackURL, err = w.callbackURL(t.Provider, t.ID)
		if err != nil {
			return fmt.Errorf("build callback url: %w", err)
		}
	}

	externalID, err := client.Submit(ctx, req)
	switch {
	case errors.Is(err, provider.ErrRejected), errors.Is(err, provider.ErrUnsupported):
		return w.failTask(ctx, t.ID, "submit_rejected", err.Error())
	case err != nil && job.Attempt >= job.MaxAttempts:
		return w.failTask(ctx, t.ID, "submit_failed", fmt.Sprintf("gave up after %d attempts: %v", job.Attempt, err))
	case err != nil:
		w.logger.Warn("submit failed, will retry", "task_id", t.ID, "attempt", job.Attempt, "error", err)
		return fmt.Errorf("submit to %s: %w", client.Name(), err)
	}

	if _, err := w.tasks.MarkRunning(ctx, t.ID, externalID, job.Attempt-1); err != nil {
		current, getErr := w.tasks.GetByID(ctx, t.ID)
		if getErr == nil && current.Status != models.TaskPending {
			w.logger.Warn("task left pending while submitting, provider job orphaned",
				"task_id", t.ID, "status", current.Status, "external_job_id", externalID)
			return nil
		}
		return fmt.Errorf("failed to mark task running: %w", err)
	}
	return nil
}

func (w *SubmitGenerationWorker) failTask(ctx context.Context, taskID uuid.UUID, code, reason string) error {
	w.logger.Warn("submit failed permanently", "task_id", taskID, "code", code, "reason", reason)
	if markErr := w.tasks.MarkFailed(ctx, taskID, code, reason); markErr != nil {
		return fmt.Errorf("submit failed (%s) AND failed to mark task as failed: %w", reason, markErr)
	}
	return nil
}

// =============================================================================
// POLL
// =============================================================================

// PollGenerationWorker queries the provider for a running task. It snoozes
// while the job is pending; the deadline sweep bounds how long that lasts.
type PollGenerationWorker struct {
	river.WorkerDefaults[PollGenerationArgs]
	tasks      TaskService
	clients    Clients
	reconciler Reconciler
	interval   time.Duration
	logger     *slog.Logger
}

func NewPollGenerationWorker(ts TaskService, clients Clients, r Reconciler, interval time.Duration, logger *slog.Logger) *PollGenerationWorker {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &PollGenerationWorker{tasks: ts, clients: clients, reconciler: r, interval: interval, logger: logger}
}

func (w *PollGenerationWorker) Work(ctx context.Context, job *river.Job[PollGenerationArgs]) error {
	t, err := w.tasks.GetByID(ctx, job.Args.TaskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if t.Status.Terminal() {
		return nil
	}
	if t.ExternalJobID == nil {
		w.logger.Warn("poll for task without provider job", "task_id", t.ID, "status", t.Status)
		return nil
	}
	client, err := w.clients.forTask(t)
	if err != nil {
		return river.JobCancel(err)
	}

	res, err := client.Query(ctx, *t.ExternalJobID)
	if err != nil {
		if errors.Is(err, provider.ErrRejected) {
			w.logger.Warn("provider rejected status query", "task_id", t.ID, "error", err)
			return river.JobSnooze(w.interval)
		}
		return fmt.Errorf("query %s: %w", client.Name(), err)
	}

	n := provider.Notification{
		Provider:      t.Provider,
		ExternalJobID: *t.ExternalJobID,
		Result:        res,
		Raw:           pollPayload(*t.ExternalJobID, res),
		TaskID:        t.ID,
		Source:        provider.SourcePoll,
	}
	if _, err := w.reconciler.Apply(ctx, n); err != nil {
		return fmt.Errorf("reconcile poll result: %w", err)
	}
	if _, pending := res.(provider.Pending); pending {
		return river.JobSnooze(w.interval)
	}
	return nil
}

// pollPayload is the stored form of a polled result.
func pollPayload(externalJobID string, res provider.Result) json.RawMessage {
	body := map[string]any{"external_job_id": externalJobID, "state": res.State()}
	switch r := res.(type) {
	case provider.Success:
		body["urls"] = r.URLs
		if r.DurationSeconds != nil {
			body["duration_seconds"] = *r.DurationSeconds
		}
	case provider.Failure:
		body["code"] = r.Code
		body["message"] = r.Message
	case provider.Pending:
		body["progress"] = r.Progress
	}
	raw, _ := json.Marshal(body)
	return raw
}

// =============================================================================
// SETTLE
// =============================================================================

// SettleGenerationWorker charges a per-second task that succeeded without a
// usable duration. It takes the duration stored on the task, or asks the
// provider again, and retries with River's backoff until one is available.
type SettleGenerationWorker struct {
	river.WorkerDefaults[SettleGenerationArgs]
	tasks   TaskService
	settler DurationSettler
	clients Clients
	logger  *slog.Logger
}

func NewSettleGenerationWorker(ts TaskService, settler DurationSettler, clients Clients, logger *slog.Logger) *SettleGenerationWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettleGenerationWorker{tasks: ts, settler: settler, clients: clients, logger: logger}
}

func (w *SettleGenerationWorker) Work(ctx context.Context, job *river.Job[SettleGenerationArgs]) error {
	t, err := w.tasks.GetByID(ctx, job.Args.TaskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if t.Status != models.TaskSucceeded || t.CreditsDeducted || !t.Type.PerSecond() {
		return nil
	}
	lastAttempt := job.Attempt >= job.MaxAttempts

	seconds, err := w.duration(ctx, t)
	if err == nil {
		err = w.settler.SettleDuration(ctx, t.ID, seconds)
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUnbillable):
		w.logger.Error("per-second task cannot be charged", "task_id", t.ID, "duration_seconds", seconds, "error", err)
		return river.JobCancel(err)
	case lastAttempt:
		w.logger.Error("per-second task left uncharged", "task_id", t.ID, "attempts", job.Attempt, "error", err)
		return nil
	}
	w.logger.Warn("settle failed, will retry", "task_id", t.ID, "attempt", job.Attempt, "error", err)
	return fmt.Errorf("settle task %s: %w", t.ID, err)
}

func (w *SettleGenerationWorker) duration(ctx context.Context, t *models.Task) (float64, error) {
	if t.OutputDurationSeconds != nil && *t.OutputDurationSeconds > 0 {
		return *t.OutputDurationSeconds, nil
	}
	if t.ExternalJobID == nil {
		return 0, fmt.Errorf("%w: task has no provider job", ErrUnbillable)
	}
	client, err := w.clients.forTask(t)
	if err != nil {
		return 0, err
	}
	res, err := client.Query(ctx, *t.ExternalJobID)
	if err != nil {
		return 0, fmt.Errorf("query %s: %w", client.Name(), err)
	}
	if s, ok := res.(provider.Success); ok && s.DurationSeconds != nil {
		return *s.DurationSeconds, nil
	}
	return 0, errDurationUnknown
}

// =============================================================================
// WEBHOOK RECONCILIATION
// =============================================================================

type ReconcileNotificationWorker struct {
	river.WorkerDefaults[ReconcileNotificationArgs]
	reconciler Reconciler
	logger     *slog.Logger
}

func NewReconcileNotificationWorker(r Reconciler, logger *slog.Logger) *ReconcileNotificationWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReconcileNotificationWorker{reconciler: r, logger: logger}
}

func (w *ReconcileNotificationWorker) Work(ctx context.Context, job *river.Job[ReconcileNotificationArgs]) error {
	args := job.Args
	n, err := provider.DecodeCallback(args.Provider, args.Payload)
	if err != nil {
		w.logger.Error("undecodable provider callback dropped", "provider", args.Provider, "error", err)
		return river.JobCancel(err)
	}
	n.TaskID = args.TaskID

	outcome, err := w.reconciler.Apply(ctx, n)
	if outcome == models.OutcomeNotFound {
		// Unknown jobs are recorded by the reconciler and never retried.
		return nil
	}
	if err != nil {
		return fmt.Errorf("reconcile %s callback: %w", args.Provider, err)
	}
	return nil
}

// =============================================================================
// PERIODIC SWEEPS
// =============================================================================

// CreditSweeper is the part of the ledger the sweep workers use.
type CreditSweeper interface {
	ExpireSweep(ctx context.Context, now time.Time) (ledger.SweepResult, error)
	ExpiringSoon(ctx context.Context, now time.Time, window time.Duration) ([]models.ExpiringTotal, error)
}

// DeadlineSweeper times out overdue tasks.
type DeadlineSweeper interface {
	SweepDeadlines(ctx context.Context, now time.Time) (int, error)
}

type ExpireCreditsWorker struct {
	river.WorkerDefaults[ExpireCreditsArgs]
	ledger CreditSweeper
	logger *slog.Logger
}

func NewExpireCreditsWorker(l CreditSweeper, logger *slog.Logger) *ExpireCreditsWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExpireCreditsWorker{ledger: l, logger: logger}
}

func (w *ExpireCreditsWorker) Work(ctx context.Context, job *river.Job[ExpireCreditsArgs]) error {
	res, err := w.ledger.ExpireSweep(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("expire credits: %w", err)
	}
	if res.Failed > 0 {
		w.logger.Warn("expiry sweep skipped accounts", "failed", res.Failed)
	}
	return nil
}

type CheckExpiringCreditsWorker struct {
	river.WorkerDefaults[CheckExpiringCreditsArgs]
	ledger CreditSweeper
	window time.Duration
	logger *slog.Logger
}

func NewCheckExpiringCreditsWorker(l CreditSweeper, window time.Duration, logger *slog.Logger) *CheckExpiringCreditsWorker {
	if logger == nil {
		logger = slog.Default()
	}
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	return &CheckExpiringCreditsWorker{ledger: l, window: window, logger: logger}
}

func (w *CheckExpiringCreditsWorker) Work(ctx context.Context, job *river.Job[CheckExpiringCreditsArgs]) error {
	totals, err := w.ledger.ExpiringSoon(ctx, time.Now().UTC(), w.window)
	if err != nil {
		return fmt.Errorf("check expiring credits: %w", err)
	}
	for _, t := range totals {
		w.logger.Info("credits expiring soon",
			"account_id", t.AccountID, "amount", t.Amount, "earliest_at", t.EarliestAt)
	}
	return nil
}

type SweepTaskDeadlinesWorker struct {
	river.WorkerDefaults[SweepTaskDeadlinesArgs]
	tasks  DeadlineSweeper
	logger *slog.Logger
}

func NewSweepTaskDeadlinesWorker(ts DeadlineSweeper, logger *slog.Logger) *SweepTaskDeadlinesWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepTaskDeadlinesWorker{tasks: ts, logger: logger}
}

func (w *SweepTaskDeadlinesWorker) Work(ctx context.Context, job *river.Job[SweepTaskDeadlinesArgs]) error {
	n, err := w.tasks.SweepDeadlines(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("sweep task deadlines: %w", err)
	}
	if n > 0 {
		w.logger.Info("overdue tasks timed out", "count", n)
	}
	return nil
}
