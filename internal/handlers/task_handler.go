package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/reelcredit/backend/internal/middleware"
	"github.com/reelcredit/backend/internal/models"
	"github.com/reelcredit/backend/internal/pricing"
	"github.com/reelcredit/backend/internal/tasks"
)

// TaskService is the subset of the task coordinator needed by the handler.
type TaskService interface {
	Create(ctx context.Context, in tasks.CreateInput) (*models.Task, error)
	Get(ctx context.Context, userID, taskID uuid.UUID) (*models.Task, error)
	ListByUser(ctx context.Context, userID uuid.UUID, status models.TaskStatus, page, pageSize int) ([]*models.Task, error)
	Cancel(ctx context.Context, userID, taskID uuid.UUID) (tasks.Result, error)
	Complete(ctx context.Context, in tasks.CompletionInput) (tasks.Result, error)
}

// TaskHandler serves /v1/tasks endpoints.
type TaskHandler struct {
	Tasks  TaskService
	Logger *slog.Logger
}

// --- POST /v1/tasks ---

type createTaskRequest struct {
	TaskType   models.TaskType `json:"task_type"`
	Parameters json.RawMessage `json:"parameters"`
}

type createTaskResponse struct {
	TaskID           string `json:"task_id"`
	Status           string `json:"status"`
	CreditsCommitted int64  `json:"credits_committed"`
	// EstimatedCredits is set for per-second task types, which are charged at completion.
	EstimatedCredits int64 `json:"estimated_credits,omitempty"`
}

// CreateTask handles POST /v1/tasks.
// Auth -> CreditCheck (via middleware) -> Validate -> Debit + Insert + Enqueue -> 202.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.TaskType == "" {
		http.Error(w, `{"error":"task_type is required"}`, http.StatusBadRequest)
		return
	}

	task, err := h.Tasks.Create(r.Context(), tasks.CreateInput{
		UserID:     userID,
		Type:       req.TaskType,
		Parameters: req.Parameters,
	})
	if err != nil {
		writeError(w, h.Logger, "create task", err)
		return
	}

	resp := createTaskResponse{
		TaskID:           task.ID.String(),
		Status:           string(task.Status),
		CreditsCommitted: task.CreditsCommitted,
	}
	if quote, ok := middleware.QuoteFromCtx(r.Context()); ok && quote.PerSecond {
		resp.EstimatedCredits = quote.Estimate
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// --- GET /v1/tasks ---

type listTasksResponse struct {
	Tasks    []*models.Task `json:"tasks"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
}

// ListTasks handles GET /v1/tasks?status=&page=&page_size=.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	page, ok := queryInt(r, "page", 1)
	if !ok {
		http.Error(w, `{"error":"invalid page"}`, http.StatusBadRequest)
		return
	}
	pageSize, ok := queryInt(r, "page_size", 20)
	if !ok {
		http.Error(w, `{"error":"invalid page_size"}`, http.StatusBadRequest)
		return
	}
	status := models.TaskStatus(r.URL.Query().Get("status"))

	list, err := h.Tasks.ListByUser(r.Context(), userID, status, page, pageSize)
	if err != nil {
		writeError(w, h.Logger, "list tasks", err)
		return
	}
	writeJSON(w, http.StatusOK, listTasksResponse{Tasks: list, Page: page, PageSize: pageSize})
}

// --- GET /v1/tasks/{id} ---

// GetTask handles GET /v1/tasks/{id}.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	userID, taskID, ok := h.ids(w, r)
	if !ok {
		return
	}
	task, err := h.Tasks.Get(r.Context(), userID, taskID)
	if err != nil {
		writeError(w, h.Logger, "get task", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// --- DELETE /v1/tasks/{id} ---

// CancelTask handles DELETE /v1/tasks/{id}.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	userID, taskID, ok := h.ids(w, r)
	if !ok {
		return
	}
	res, err := h.Tasks.Cancel(r.Context(), userID, taskID)
	if err != nil {
		writeError(w, h.Logger, "cancel task", err)
		return
	}
	var refunded int64
	if res.Refund != nil {
		refunded = res.Refund.Amount
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":  res.Task.ID.String(),
		"status":   res.Task.Status,
		"refunded": refunded,
	})
}

// --- POST /internal/tasks/{id}/complete ---

// The rate (standard or pro) comes from the task's own parameters.
type completeTaskRequest struct {
	OutputDurationSeconds float64 `json:"output_duration_seconds"`
	OutputURL             string  `json:"output_url"`
}

type completeTaskResponse struct {
	TaskID          string `json:"task_id"`
	Status          string `json:"status"`
	CreditsCharged  int64  `json:"credits_charged"`
	CreditsDeducted bool   `json:"credits_deducted"`
}

// CompleteTask handles POST /internal/tasks/{id}/complete, the worker's
// confirmation that charges a per-second task by its measured duration.
func (h *TaskHandler) CompleteTask(w http.ResponseWriter, r *http.Request) {
	taskID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid task id"}`, http.StatusBadRequest)
		return
	}
	var req completeTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.OutputDurationSeconds <= 0 {
		http.Error(w, `{"error":"output_duration_seconds must be > 0"}`, http.StatusBadRequest)
		return
	}

	res, err := h.Tasks.Complete(r.Context(), tasks.CompletionInput{
		TaskID:                taskID,
		OutputDurationSeconds: req.OutputDurationSeconds,
		OutputURL:             req.OutputURL,
	})
	if err != nil {
		writeError(w, h.Logger, "complete task", err)
		return
	}
	resp := completeTaskResponse{
		TaskID:          res.Task.ID.String(),
		Status:          string(res.Task.Status),
		CreditsDeducted: res.Task.CreditsDeducted,
	}
	if res.Charge != nil {
		resp.CreditsCharged = -res.Charge.Amount
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- GET /v1/pricing ---

// ListPrices handles GET /v1/pricing (public, no auth).
func ListPrices(prices *pricing.Table) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, prices.PriceList())
	}
}

// --- helpers ---

// ids returns the authenticated user and the {id} path value.
func (h *TaskHandler) ids(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return uuid.Nil, uuid.Nil, false
	}
	taskID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid task id"}`, http.StatusBadRequest)
		return uuid.Nil, uuid.Nil, false
	}
	return userID, taskID, true
}
