// Package reconcile applies provider notifications, from webhooks or polling,
// to tasks and the ledger. Applying the same notification twice, or two
// conflicting ones, changes state at most once: the first terminal state wins.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/reelcredit/backend/internal/metrics"
	"github.com/reelcredit/backend/internal/models"
	"github.com/reelcredit/backend/internal/provider"
	"github.com/reelcredit/backend/internal/tasks"
)

// EventStore records provider notifications.
type EventStore interface {
	InsertTx(ctx context.Context, tx pgx.Tx, e *models.ProviderEvent) (bool, error)
}

// Reconciler maps provider results onto task transitions.
type Reconciler struct {
	Tasks  *tasks.Coordinator
	Events EventStore
	// Seen is optional.
	Seen   SeenCache
	Logger *slog.Logger
	Now    func() time.Time
}

func NewReconciler(coord *tasks.Coordinator, events EventStore, seen SeenCache, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		Tasks:  coord,
		Events: events,
		Seen:   seen,
		Logger: logger,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// Apply reconciles one notification and returns its outcome: applied,
// duplicate, pending or not_found. An unknown job returns an error wrapping
// tasks.ErrTaskNotFound after the event is recorded.
func (r *Reconciler) Apply(ctx context.Context, n provider.Notification) (string, error) {
	if n.Result == nil {
		return "", fmt.Errorf("%w: notification without result", provider.ErrMalformed)
	}
	log := r.Logger.With("provider", n.Provider, "external_job_id", n.ExternalJobID, "state", n.Result.State(), "source", n.Source)

	if r.Seen != nil && n.Result.State() != "waiting" {
		seen, err := r.Seen.Seen(ctx, n.Provider, n.ExternalJobID)
		if err != nil {
			log.Warn("seen cache lookup failed", "error", err)
		} else if seen {
			log.Debug("job already reconciled")
			r.count(n, models.OutcomeDuplicate)
			return models.OutcomeDuplicate, nil
		}
	}

	task, err := r.Tasks.FindByExternalJobID(ctx, n.Provider, n.ExternalJobID)
	if errors.Is(err, tasks.ErrTaskNotFound) {
		log.Warn("notification for unknown job")
		if err := r.recordEvent(ctx, n, models.OutcomeNotFound); err != nil {
			log.Error("record provider event failed", "error", err)
		}
		r.count(n, models.OutcomeNotFound)
		return models.OutcomeNotFound, err
	}
	if err != nil {
		return "", err
	}
	if n.TaskID != uuid.Nil && n.TaskID != task.ID {
		log.Warn("callback token names a different task", "token_task_id", n.TaskID, "task_id", task.ID)
		r.count(n, models.OutcomeNotFound)
		return models.OutcomeNotFound, fmt.Errorf("%w: job %s does not belong to task %s", tasks.ErrTaskNotFound, n.ExternalJobID, n.TaskID)
	}
	log = log.With("task_id", task.ID)

	var (
		outcome string
		res     tasks.Result
	)
	err = r.Tasks.Ledger.RunInTx(ctx, func(tx pgx.Tx) error {
		switch result := n.Result.(type) {
		case provider.Pending:
			outcome = models.OutcomePending
			if result.Progress > 0 {
				if _, err := r.Tasks.UpdateProgressTx(ctx, tx, task.ID, result.Progress); err != nil {
					return err
				}
			}
		default:
			var err error
			res, err = r.Tasks.FinishTx(ctx, tx, task.ID, transitionFor(n.Result))
			if err != nil {
				return err
			}
			outcome = models.OutcomeDuplicate
			if res.Applied {
				outcome = models.OutcomeApplied
			}
		}
		_, err := r.Events.InsertTx(ctx, tx, r.event(n, outcome))
		return err
	})
	if err != nil {
		log.Error("reconcile failed", "error", err)
		return "", err
	}

	r.Tasks.Observe(res)
	r.count(n, outcome)
	if outcome != models.OutcomePending && r.Seen != nil {
		if err := r.Seen.Mark(ctx, n.Provider, n.ExternalJobID); err != nil {
			log.Warn("seen cache update failed", "error", err)
		}
	}
	if outcome == models.OutcomeDuplicate {
		log.Info("notification for finished task ignored", "status", res.Task.Status)
	}
	return outcome, nil
}

// transitionFor maps a terminal provider result onto a task transition. A
// success without any output URL is treated as a failure.
func transitionFor(res provider.Result) tasks.Transition {
	switch r := res.(type) {
	case provider.Success:
		if len(r.URLs) == 0 || r.URLs[0] == "" {
			return tasks.Transition{
				Status:       models.TaskFailed,
				ErrorCode:    "no_output",
				ErrorMessage: "provider reported success without an output url",
			}
		}
		return tasks.Transition{Status: models.TaskSucceeded, ResultURL: r.URLs[0], DurationSeconds: r.DurationSeconds}
	case provider.Failure:
		code := r.Code
		if code == "" {
			code = "provider_failed"
		}
		return tasks.Transition{Status: models.TaskFailed, ErrorCode: code, ErrorMessage: r.Message}
	}
	return tasks.Transition{Status: models.TaskFailed, ErrorCode: "unknown_state"}
}

func (r *Reconciler) event(n provider.Notification, outcome string) *models.ProviderEvent {
	payload := n.Raw
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}
	return &models.ProviderEvent{
		ID:            uuid.New(),
		Provider:      n.Provider,
		ExternalJobID: n.ExternalJobID,
		State:         n.Result.State(),
		Payload:       payload,
		PayloadHash:   n.Hash(),
		Outcome:       outcome,
		ReceivedAt:    r.Now(),
	}
}

func (r *Reconciler) recordEvent(ctx context.Context, n provider.Notification, outcome string) error {
	return r.Tasks.Ledger.RunInTx(ctx, func(tx pgx.Tx) error {
		_, err := r.Events.InsertTx(ctx, tx, r.event(n, outcome))
		return err
	})
}

func (r *Reconciler) count(n provider.Notification, outcome string) {
	metrics.ReconcileOutcomes.WithLabelValues(n.Provider, outcome).Inc()
}
