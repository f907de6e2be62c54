package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/reelcredit/backend/internal/ledger"
	"github.com/reelcredit/backend/internal/middleware"
	"github.com/reelcredit/backend/internal/models"
)

// CreditService is the ledger surface used by the credit endpoints.
type CreditService interface {
	EnsureAccount(ctx context.Context, userID uuid.UUID) (bool, error)
	Balance(ctx context.Context, accountID uuid.UUID) (ledger.BalanceView, error)
	History(ctx context.Context, accountID uuid.UUID, kind models.EntryKind, limit, offset int) ([]*models.LedgerEntry, error)
	CheckSufficient(ctx context.Context, accountID uuid.UUID, required int64) (ledger.Sufficiency, error)
	PurchaseCredits(ctx context.Context, accountID uuid.UUID, paymentOrderID string, credits int64) (*models.LedgerEntry, bool, error)
	Grant(ctx context.Context, accountID uuid.UUID, amount int64, kind models.EntryKind, ref ledger.Ref) (*models.LedgerEntry, bool, error)
	Audit(ctx context.Context, accountID uuid.UUID) (ledger.AuditReport, error)
}

// CreditHandler serves the user's credit endpoints and the internal
// payment and grant hooks.
type CreditHandler struct {
	Credits CreditService
	Logger  *slog.Logger
}

// --- GET /v1/credits ---

// GetBalance handles GET /v1/credits. The account and its signup bonus are
// created on first access.
func (h *CreditHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if _, err := h.Credits.EnsureAccount(r.Context(), userID); err != nil {
		writeError(w, h.Logger, "ensure account", err)
		return
	}
	view, err := h.Credits.Balance(r.Context(), userID)
	if err != nil {
		writeError(w, h.Logger, "balance", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// --- GET /v1/credits/history ---

type historyResponse struct {
	Entries  []*models.LedgerEntry `json:"entries"`
	Page     int                   `json:"page"`
	PageSize int                   `json:"page_size"`
}

// GetHistory handles GET /v1/credits/history?kind=&page=&page_size=.
func (h *CreditHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	page, ok := queryInt(r, "page", 1)
	if !ok || page < 1 {
		http.Error(w, `{"error":"invalid page"}`, http.StatusBadRequest)
		return
	}
	pageSize, ok := queryInt(r, "page_size", 20)
	if !ok || pageSize < 1 || pageSize > 100 {
		http.Error(w, `{"error":"page_size must be between 1 and 100"}`, http.StatusBadRequest)
		return
	}
	kind := models.EntryKind(r.URL.Query().Get("kind"))

	entries, err := h.Credits.History(r.Context(), userID, kind, pageSize, (page-1)*pageSize)
	if err != nil {
		writeError(w, h.Logger, "history", err)
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{Entries: entries, Page: page, PageSize: pageSize})
}

// --- GET /v1/credits/check ---

// CheckCredits handles GET /v1/credits/check?amount=N.
func (h *CreditHandler) CheckCredits(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromCtx(r.Context())
	if userID == uuid.Nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	required, err := strconv.ParseInt(r.URL.Query().Get("amount"), 10, 64)
	if err != nil || required < 0 {
		http.Error(w, `{"error":"amount must be a non-negative integer"}`, http.StatusBadRequest)
		return
	}
	suff, err := h.Credits.CheckSufficient(r.Context(), userID, required)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		// No account yet; report an empty balance rather than 404.
		suff = ledger.Sufficiency{Sufficient: required == 0, Required: required, Shortfall: required}
		err = nil
	}
	if err != nil {
		writeError(w, h.Logger, "check credits", err)
		return
	}
	writeJSON(w, http.StatusOK, suff)
}

// --- POST /internal/payments/succeeded ---

type paymentRequest struct {
	UserID         uuid.UUID `json:"user_id"`
	PaymentOrderID string    `json:"payment_order_id"`
	Credits        int64     `json:"credits"`
}

type paymentResponse struct {
	EntryID      string `json:"entry_id"`
	BalanceAfter int64  `json:"balance_after"`
	Created      bool   `json:"created"`
}

// PaymentSucceeded handles the payment service's success hook. Replays of
// the same payment_order_id return 200 with created=false.
func (h *CreditHandler) PaymentSucceeded(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.UserID == uuid.Nil || req.PaymentOrderID == "" {
		http.Error(w, `{"error":"user_id and payment_order_id are required"}`, http.StatusBadRequest)
		return
	}
	if req.Credits <= 0 {
		http.Error(w, `{"error":"credits must be positive"}`, http.StatusBadRequest)
		return
	}

	entry, created, err := h.Credits.PurchaseCredits(r.Context(), req.UserID, req.PaymentOrderID, req.Credits)
	if err != nil {
		writeError(w, h.Logger, "purchase credits", err)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, paymentResponse{EntryID: entry.ID.String(), BalanceAfter: entry.BalanceAfter, Created: created})
}

// --- POST /internal/grants ---

type grantRequest struct {
	UserID      uuid.UUID        `json:"user_id"`
	Amount      int64            `json:"amount"`
	Kind        models.EntryKind `json:"kind"`
	ReferenceID string           `json:"reference_id"`
	Description string           `json:"description"`
}

// GrantCredits handles POST /internal/grants for invite and sign-in rewards.
// A repeated reference_id for the same user answers 200 with the original entry.
func (h *CreditHandler) GrantCredits(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.UserID == uuid.Nil {
		http.Error(w, `{"error":"user_id is required"}`, http.StatusBadRequest)
		return
	}
	if req.Kind == "" {
		req.Kind = models.EntryEarned
	}
	if _, err := h.Credits.EnsureAccount(r.Context(), req.UserID); err != nil {
		writeError(w, h.Logger, "ensure account", err)
		return
	}
	entry, created, err := h.Credits.Grant(r.Context(), req.UserID, req.Amount, req.Kind, ledger.Ref{
		ID:          req.ReferenceID,
		Description: req.Description,
	})
	if err != nil {
		writeError(w, h.Logger, "grant credits", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, entry)
}

// --- GET /internal/accounts/{id}/audit ---

type auditResponse struct {
	ledger.AuditReport
	Consistent bool `json:"consistent"`
}

// AuditAccount handles GET /internal/accounts/{id}/audit.
func (h *CreditHandler) AuditAccount(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, `{"error":"invalid account id"}`, http.StatusBadRequest)
		return
	}
	report, err := h.Credits.Audit(r.Context(), accountID)
	if err != nil {
		writeError(w, h.Logger, "audit", err)
		return
	}
	writeJSON(w, http.StatusOK, auditResponse{AuditReport: report, Consistent: report.Consistent()})
}
