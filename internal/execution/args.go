package execution

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SubmitGenerationArgs sends a PENDING task to its provider.
type SubmitGenerationArgs struct {
	TaskID uuid.UUID `json:"task_id"`
}

func (SubmitGenerationArgs) Kind() string { return "submit_generation" }

// PollGenerationArgs queries the provider for a RUNNING task until it is terminal.
type PollGenerationArgs struct {
	TaskID uuid.UUID `json:"task_id"`
}

func (PollGenerationArgs) Kind() string { return "poll_generation" }

// SettleGenerationArgs charges a succeeded per-second task whose duration was
// not known when it finished.
type SettleGenerationArgs struct {
	TaskID uuid.UUID `json:"task_id"`
}

func (SettleGenerationArgs) Kind() string { return "settle_generation" }

// ReconcileNotificationArgs carries a raw provider callback body to the reconciler.
type ReconcileNotificationArgs struct {
	Provider   string          `json:"provider"`
	TaskID     uuid.UUID       `json:"task_id"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

func (ReconcileNotificationArgs) Kind() string { return "reconcile_notification" }

// ExpireCreditsArgs runs the credit expiry sweep.
type ExpireCreditsArgs struct{}

func (ExpireCreditsArgs) Kind() string { return "expire_credits" }

// CheckExpiringCreditsArgs reports accounts whose credits expire soon.
type CheckExpiringCreditsArgs struct{}

func (CheckExpiringCreditsArgs) Kind() string { return "check_expiring_credits" }

// SweepTaskDeadlinesArgs times out tasks that never reached a terminal state.
type SweepTaskDeadlinesArgs struct{}

func (SweepTaskDeadlinesArgs) Kind() string { return "sweep_task_deadlines" }
