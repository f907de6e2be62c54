package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/reelcredit/backend/internal/ledger"
	"github.com/reelcredit/backend/internal/models"
	"github.com/reelcredit/backend/internal/provider"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeTasks struct {
	task       *models.Task
	runningExt string
	retries    int
	failedCode string
	runErr     error
	failErr    error
}

func (f *fakeTasks) GetByID(_ context.Context, id uuid.UUID) (*models.Task, error) {
	if f.task == nil || f.task.ID != id {
		return nil, errors.New("not found")
	}
	c := *f.task
	return &c, nil
}

func (f *fakeTasks) MarkRunning(_ context.Context, _ uuid.UUID, ext string, retries int) (*models.Task, error) {
	if f.runErr != nil {
		return nil, f.runErr
	}
	f.runningExt, f.retries = ext, retries
	f.task.Status = models.TaskRunning
	f.task.ExternalJobID = &ext
	return f.task, nil
}

func (f *fakeTasks) MarkFailed(_ context.Context, _ uuid.UUID, code, _ string) error {
	if f.failErr != nil {
		return f.failErr
	}
	f.failedCode = code
	f.task.Status = models.TaskFailed
	return nil
}

type fakeClient struct {
	submitID  string
	submitErr error
	query     provider.Result
	queryErr  error
	lastReq   provider.SubmitRequest
}

func (c *fakeClient) Name() string { return models.ProviderSora }

func (c *fakeClient) Submit(_ context.Context, req provider.SubmitRequest) (string, error) {
	c.lastReq = req
	return c.submitID, c.submitErr
}

func (c *fakeClient) Query(context.Context, string) (provider.Result, error) {
	return c.query, c.queryErr
}

type fakeReconciler struct {
	got     []provider.Notification
	outcome string
	err     error
}

func (r *fakeReconciler) Apply(_ context.Context, n provider.Notification) (string, error) {
	r.got = append(r.got, n)
	return r.outcome, r.err
}

func pendingTask() *models.Task {
	return &models.Task{
		ID:         uuid.New(),
		UserID:     uuid.New(),
		Type:       models.TaskTextToVideo,
		Provider:   models.ProviderSora,
		Status:     models.TaskPending,
		Parameters: json.RawMessage(`{"prompt":"x"}`),
	}
}

func submitJob(taskID uuid.UUID, attempt, maxAttempts int) *river.Job[SubmitGenerationArgs] {
	return &river.Job[SubmitGenerationArgs]{
		JobRow: &rivertype.JobRow{Attempt: attempt, MaxAttempts: maxAttempts},
		Args:   SubmitGenerationArgs{TaskID: taskID},
	}
}

// ---------------------------------------------------------------------------
// Submit
// ---------------------------------------------------------------------------

func TestSubmitGenerationWorker_MarksRunning(t *testing.T) {
	task := pendingTask()
	ts := &fakeTasks{task: task}
	client := &fakeClient{submitID: "ext-1"}
	callback := func(p string, id uuid.UUID) (string, error) {
		return "https://api.example/webhooks/" + p + "?task=" + id.String(), nil
	}
	w := NewSubmitGenerationWorker(ts, Clients{models.ProviderSora: client}, callback, nil)

	if err := w.Work(context.Background(), submitJob(task.ID, 3, 5)); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if ts.runningExt != "ext-1" || ts.retries != 2 {
		t.Errorf("MarkRunning got (%q, %d), want (ext-1, 2)", ts.runningExt, ts.retries)
	}
	if client.lastReq.CallbackURL != "https://api.example/webhooks/sora?task="+task.ID.String() {
		t.Errorf("callback url = %q", client.lastReq.CallbackURL)
	}
}

func TestSubmitGenerationWorker_RetriesTransientErrors(t *testing.T) {
	task := pendingTask()
	ts := &fakeTasks{task: task}
	client := &fakeClient{submitErr: errors.New("connection reset")}
	w := NewSubmitGenerationWorker(ts, Clients{models.ProviderSora: client}, nil, nil)

	if err := w.Work(context.Background(), submitJob(task.ID, 1, 5)); err == nil {
		t.Fatal("expected error so the job is retried")
	}
	if ts.failedCode != "" {
		t.Errorf("task failed early with %q", ts.failedCode)
	}

	if err := w.Work(context.Background(), submitJob(task.ID, 5, 5)); err != nil {
		t.Fatalf("last attempt: %v", err)
	}
	if ts.failedCode != "submit_failed" {
		t.Errorf("failedCode = %q, want submit_failed", ts.failedCode)
	}
}

func TestSubmitGenerationWorker_RejectedFailsImmediately(t *testing.T) {
	task := pendingTask()
	ts := &fakeTasks{task: task}
	client := &fakeClient{submitErr: provider.ErrRejected}
	w := NewSubmitGenerationWorker(ts, Clients{models.ProviderSora: client}, nil, nil)

	if err := w.Work(context.Background(), submitJob(task.ID, 1, 5)); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if ts.failedCode != "submit_rejected" {
		t.Errorf("failedCode = %q, want submit_rejected", ts.failedCode)
	}
}

func TestSubmitGenerationWorker_SkipsTaskNoLongerPending(t *testing.T) {
	task := pendingTask()
	task.Status = models.TaskCancelled
	client := &fakeClient{submitID: "never"}
	w := NewSubmitGenerationWorker(&fakeTasks{task: task}, Clients{models.ProviderSora: client}, nil, nil)

	if err := w.Work(context.Background(), submitJob(task.ID, 1, 5)); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if client.lastReq.TaskID != uuid.Nil {
		t.Error("cancelled task was submitted")
	}
}

func TestSubmitGenerationWorker_MarkFailedError(t *testing.T) {
	task := pendingTask()
	ts := &fakeTasks{task: task, failErr: errors.New("db down")}
	w := NewSubmitGenerationWorker(ts, Clients{models.ProviderSora: &fakeClient{submitErr: provider.ErrRejected}}, nil, nil)

	if err := w.Work(context.Background(), submitJob(task.ID, 1, 5)); err == nil {
		t.Fatal("expected error when the failure cannot be recorded")
	}
}

// ---------------------------------------------------------------------------
// Poll
// ---------------------------------------------------------------------------

func pollJob(taskID uuid.UUID) *river.Job[PollGenerationArgs] {
	return &river.Job[PollGenerationArgs]{
		JobRow: &rivertype.JobRow{Attempt: 1, MaxAttempts: 25},
		Args:   PollGenerationArgs{TaskID: taskID},
	}
}

func runningTask() *models.Task {
	task := pendingTask()
	ext := "ext-9"
	task.Status = models.TaskRunning
	task.ExternalJobID = &ext
	return task
}

func TestPollGenerationWorker_TerminalResultIsReconciled(t *testing.T) {
	task := runningTask()
	rec := &fakeReconciler{outcome: models.OutcomeApplied}
	client := &fakeClient{query: provider.Success{URLs: []string{"https://cdn/v.mp4"}}}
	w := NewPollGenerationWorker(&fakeTasks{task: task}, Clients{models.ProviderSora: client}, rec, time.Second, nil)

	if err := w.Work(context.Background(), pollJob(task.ID)); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if len(rec.got) != 1 {
		t.Fatalf("Apply called %d times, want 1", len(rec.got))
	}
	n := rec.got[0]
	if n.Source != provider.SourcePoll || n.ExternalJobID != "ext-9" || n.TaskID != task.ID {
		t.Errorf("notification = %+v", n)
	}
	var payload map[string]any
	if err := json.Unmarshal(n.Raw, &payload); err != nil || payload["state"] != "success" {
		t.Errorf("payload = %s (%v)", n.Raw, err)
	}
}

func TestPollGenerationWorker_PendingSnoozes(t *testing.T) {
	task := runningTask()
	rec := &fakeReconciler{outcome: models.OutcomePending}
	client := &fakeClient{query: provider.Pending{Progress: 30}}
	w := NewPollGenerationWorker(&fakeTasks{task: task}, Clients{models.ProviderSora: client}, rec, time.Second, nil)

	if err := w.Work(context.Background(), pollJob(task.ID)); err == nil {
		t.Fatal("expected a snooze")
	}
	if len(rec.got) != 1 {
		t.Fatalf("progress not reconciled")
	}
}

func TestPollGenerationWorker_StopsOnTerminalTask(t *testing.T) {
	task := runningTask()
	task.Status = models.TaskTimeout
	rec := &fakeReconciler{}
	w := NewPollGenerationWorker(&fakeTasks{task: task}, Clients{models.ProviderSora: &fakeClient{}}, rec, time.Second, nil)

	if err := w.Work(context.Background(), pollJob(task.ID)); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if len(rec.got) != 0 {
		t.Error("terminal task was polled")
	}
}

func TestPollGenerationWorker_QueryErrorRetries(t *testing.T) {
	task := runningTask()
	client := &fakeClient{queryErr: errors.New("503")}
	w := NewPollGenerationWorker(&fakeTasks{task: task}, Clients{models.ProviderSora: client}, &fakeReconciler{}, time.Second, nil)

	if err := w.Work(context.Background(), pollJob(task.ID)); err == nil {
		t.Fatal("expected error")
	}
}

// ---------------------------------------------------------------------------
// Settle
// ---------------------------------------------------------------------------

type fakeSettler struct {
	taskID  uuid.UUID
	seconds float64
	err     error
}

func (s *fakeSettler) SettleDuration(_ context.Context, taskID uuid.UUID, seconds float64) error {
	s.taskID, s.seconds = taskID, seconds
	return s.err
}

func settleJob(taskID uuid.UUID, attempt, maxAttempts int) *river.Job[SettleGenerationArgs] {
	return &river.Job[SettleGenerationArgs]{
		JobRow: &rivertype.JobRow{Attempt: attempt, MaxAttempts: maxAttempts},
		Args:   SettleGenerationArgs{TaskID: taskID},
	}
}

func unchargedAnimateTask() *models.Task {
	task := runningTask()
	task.Type = models.TaskAnimateMix
	task.Provider = models.ProviderDashScope
	task.Status = models.TaskSucceeded
	return task
}

func TestSettleGenerationWorker_QueriesProviderForDuration(t *testing.T) {
	task := unchargedAnimateTask()
	d := 4.5
	client := &fakeClient{query: provider.Success{URLs: []string{"https://cdn/v.mp4"}, DurationSeconds: &d}}
	settler := &fakeSettler{}
	w := NewSettleGenerationWorker(&fakeTasks{task: task}, settler, Clients{models.ProviderDashScope: client}, nil)

	if err := w.Work(context.Background(), settleJob(task.ID, 1, 10)); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if settler.taskID != task.ID || settler.seconds != 4.5 {
		t.Errorf("settled (%s, %v), want (%s, 4.5)", settler.taskID, settler.seconds, task.ID)
	}
}

func TestSettleGenerationWorker_UsesStoredDuration(t *testing.T) {
	task := unchargedAnimateTask()
	d := 3.0
	task.OutputDurationSeconds = &d
	client := &fakeClient{queryErr: errors.New("must not be queried")}
	settler := &fakeSettler{}
	w := NewSettleGenerationWorker(&fakeTasks{task: task}, settler, Clients{models.ProviderDashScope: client}, nil)

	if err := w.Work(context.Background(), settleJob(task.ID, 1, 10)); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if settler.seconds != 3 {
		t.Errorf("settled %v seconds, want 3", settler.seconds)
	}
}

func TestSettleGenerationWorker_RetriesUntilDurationKnown(t *testing.T) {
	task := unchargedAnimateTask()
	client := &fakeClient{query: provider.Success{URLs: []string{"https://cdn/v.mp4"}}}
	settler := &fakeSettler{}
	w := NewSettleGenerationWorker(&fakeTasks{task: task}, settler, Clients{models.ProviderDashScope: client}, nil)

	if err := w.Work(context.Background(), settleJob(task.ID, 1, 10)); err == nil {
		t.Fatal("expected error so the job is retried")
	}
	if settler.taskID != uuid.Nil {
		t.Error("settled without a duration")
	}
	if err := w.Work(context.Background(), settleJob(task.ID, 10, 10)); err != nil {
		t.Errorf("last attempt should give up quietly, got %v", err)
	}
}

func TestSettleGenerationWorker_UnbillableCancels(t *testing.T) {
	task := unchargedAnimateTask()
	d := 1e18
	task.OutputDurationSeconds = &d
	settler := &fakeSettler{err: fmt.Errorf("%w: too long", ErrUnbillable)}
	w := NewSettleGenerationWorker(&fakeTasks{task: task}, settler, Clients{}, nil)

	err := w.Work(context.Background(), settleJob(task.ID, 1, 10))
	var cancel *rivertype.JobCancelError
	if !errors.As(err, &cancel) || !errors.Is(err, ErrUnbillable) {
		t.Fatalf("expected job cancel wrapping ErrUnbillable, got %v", err)
	}
}

func TestSettleGenerationWorker_SkipsSettledTasks(t *testing.T) {
	settled := unchargedAnimateTask()
	settled.CreditsDeducted = true
	fixed := runningTask()
	fixed.Status = models.TaskSucceeded
	for _, task := range []*models.Task{settled, fixed} {
		settler := &fakeSettler{}
		w := NewSettleGenerationWorker(&fakeTasks{task: task}, settler, Clients{}, nil)
		if err := w.Work(context.Background(), settleJob(task.ID, 1, 10)); err != nil {
			t.Fatalf("Work: %v", err)
		}
		if settler.taskID != uuid.Nil {
			t.Errorf("task %s settled again", task.Type)
		}
	}
}

// ---------------------------------------------------------------------------
// Webhook reconciliation
// ---------------------------------------------------------------------------

func reconcileJob(args ReconcileNotificationArgs) *river.Job[ReconcileNotificationArgs] {
	return &river.Job[ReconcileNotificationArgs]{JobRow: &rivertype.JobRow{Attempt: 1, MaxAttempts: 10}, Args: args}
}

func TestReconcileNotificationWorker(t *testing.T) {
	taskID := uuid.New()
	body := json.RawMessage(`{"code":200,"data":{"taskId":"ext-1","state":"fail","failCode":"9","failMsg":"nope"}}`)

	rec := &fakeReconciler{outcome: models.OutcomeApplied}
	w := NewReconcileNotificationWorker(rec, nil)
	if err := w.Work(context.Background(), reconcileJob(ReconcileNotificationArgs{Provider: models.ProviderSora, TaskID: taskID, Payload: body})); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if len(rec.got) != 1 || rec.got[0].TaskID != taskID || rec.got[0].Result != (provider.Failure{Code: "9", Message: "nope"}) {
		t.Errorf("notification = %+v", rec.got)
	}

	notFound := &fakeReconciler{outcome: models.OutcomeNotFound, err: errors.New("task not found")}
	w = NewReconcileNotificationWorker(notFound, nil)
	if err := w.Work(context.Background(), reconcileJob(ReconcileNotificationArgs{Provider: models.ProviderSora, Payload: body})); err != nil {
		t.Errorf("unknown job should not be retried: %v", err)
	}

	busy := &fakeReconciler{err: ledger.ErrLedgerBusy}
	w = NewReconcileNotificationWorker(busy, nil)
	if err := w.Work(context.Background(), reconcileJob(ReconcileNotificationArgs{Provider: models.ProviderSora, Payload: body})); !errors.Is(err, ledger.ErrLedgerBusy) {
		t.Errorf("busy ledger should be retried, got %v", err)
	}

	w = NewReconcileNotificationWorker(&fakeReconciler{}, nil)
	if err := w.Work(context.Background(), reconcileJob(ReconcileNotificationArgs{Provider: models.ProviderSora, Payload: json.RawMessage(`{}`)})); err == nil {
		t.Error("undecodable payload should cancel the job")
	}
}

// ---------------------------------------------------------------------------
// Sweeps
// ---------------------------------------------------------------------------

type fakeSweeper struct {
	expired  int
	expiring []models.ExpiringTotal
	timedOut int
	err      error
}

func (f *fakeSweeper) ExpireSweep(context.Context, time.Time) (ledger.SweepResult, error) {
	f.expired++
	return ledger.SweepResult{Accounts: 1}, f.err
}

func (f *fakeSweeper) ExpiringSoon(context.Context, time.Time, time.Duration) ([]models.ExpiringTotal, error) {
	return f.expiring, f.err
}

func (f *fakeSweeper) SweepDeadlines(context.Context, time.Time) (int, error) {
	return f.timedOut, f.err
}

func TestSweepWorkers(t *testing.T) {
	ctx := context.Background()
	s := &fakeSweeper{timedOut: 2, expiring: []models.ExpiringTotal{{AccountID: uuid.New(), Amount: 40}}}

	if err := NewExpireCreditsWorker(s, nil).Work(ctx, &river.Job[ExpireCreditsArgs]{JobRow: &rivertype.JobRow{}}); err != nil || s.expired != 1 {
		t.Errorf("expire: err=%v runs=%d", err, s.expired)
	}
	if err := NewCheckExpiringCreditsWorker(s, 0, nil).Work(ctx, &river.Job[CheckExpiringCreditsArgs]{JobRow: &rivertype.JobRow{}}); err != nil {
		t.Errorf("expiring: %v", err)
	}
	if err := NewSweepTaskDeadlinesWorker(s, nil).Work(ctx, &river.Job[SweepTaskDeadlinesArgs]{JobRow: &rivertype.JobRow{}}); err != nil {
		t.Errorf("deadlines: %v", err)
	}

	s.err = errors.New("db down")
	if err := NewSweepTaskDeadlinesWorker(s, nil).Work(ctx, &river.Job[SweepTaskDeadlinesArgs]{JobRow: &rivertype.JobRow{}}); err == nil {
		t.Error("expected sweep error to surface")
	}
}
