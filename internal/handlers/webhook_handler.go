package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/reelcredit/backend/internal/execution"
	"github.com/reelcredit/backend/internal/metrics"
	"github.com/reelcredit/backend/internal/models"
	"github.com/reelcredit/backend/internal/provider"
)

const maxWebhookBody = 1 << 20

// CallbackTokens validates the per-task token embedded in callback URLs.
type CallbackTokens interface {
	ValidateCallbackToken(providerName, token string) (uuid.UUID, error)
}

// InsertJobFunc enqueues a River job outside any caller transaction.
type InsertJobFunc func(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) error

// WebhookHandler accepts provider completion callbacks. Bodies are checked
// for shape and handed to the reconcile queue; the ledger work happens in
// the worker so a slow database never makes the provider time out.
type WebhookHandler struct {
	Tokens  CallbackTokens
	Enqueue InsertJobFunc
	Logger  *slog.Logger
	Now     func() time.Time
}

// --- POST /v1/webhooks/{provider}?token= ---

// Receive handles POST /v1/webhooks/{provider}. Once authenticated the
// response is 200 for anything the queue accepted, including callbacks for
// unknown jobs, so providers do not retry them.
func (h *WebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	providerName := r.PathValue("provider")
	log := h.Logger
	if log == nil {
		log = slog.Default()
	}

	taskID, err := h.Tokens.ValidateCallbackToken(providerName, r.URL.Query().Get("token"))
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues(providerLabel(providerName), "unauthorized").Inc()
		http.Error(w, `{"error":"invalid callback token"}`, http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
		return
	}
	n, err := provider.DecodeCallback(providerName, body)
	if err != nil {
		metrics.WebhooksReceived.WithLabelValues(providerLabel(providerName), "malformed").Inc()
		log.Warn("malformed provider callback", "provider", providerName, "task_id", taskID, "error", err)
		http.Error(w, `{"error":"malformed callback"}`, http.StatusBadRequest)
		return
	}

	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	args := execution.ReconcileNotificationArgs{
		Provider:   providerName,
		TaskID:     taskID,
		Payload:    body,
		ReceivedAt: now().UTC(),
	}
	if err := h.Enqueue(r.Context(), args, nil); err != nil {
		metrics.WebhooksReceived.WithLabelValues(providerLabel(providerName), "enqueue_failed").Inc()
		log.Error("enqueue callback", "provider", providerName, "task_id", taskID, "error", err)
		http.Error(w, `{"error":"temporarily unavailable"}`, http.StatusServiceUnavailable)
		return
	}

	metrics.WebhooksReceived.WithLabelValues(providerLabel(providerName), "accepted").Inc()
	log.Info("provider callback queued",
		"provider", providerName,
		"task_id", taskID,
		"external_job_id", n.ExternalJobID,
		"state", n.Result.State(),
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// providerLabel keeps arbitrary path values out of metric labels.
func providerLabel(name string) string {
	switch name {
	case models.ProviderSora, models.ProviderDashScope:
		return name
	}
	return "unknown"
}

// Healthz handles GET /healthz.
func Healthz(ping func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ping != nil {
			if err := ping(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
