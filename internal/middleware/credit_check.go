package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/reelcredit/backend/internal/ledger"
	"github.com/reelcredit/backend/internal/models"
	"github.com/reelcredit/backend/internal/pricing"
)

const maxCreateBody = 1 << 20

// KnownTaskTypes are the task types CreditCheck lets through.
var KnownTaskTypes = map[models.TaskType]bool{
	models.TaskTextToVideo:  true,
	models.TaskImageToVideo: true,
	models.TaskAnimateMove:  true,
	models.TaskAnimateMix:   true,
}

// Quoter prices a task from its parameters.
type Quoter interface {
	Quote(taskType models.TaskType, params json.RawMessage) (pricing.Quote, error)
}

// SufficiencyChecker reports whether an account can pay an amount.
type SufficiencyChecker interface {
	CheckSufficient(ctx context.Context, accountID uuid.UUID, required int64) (ledger.Sufficiency, error)
}

type createPeek struct {
	TaskType   models.TaskType `json:"task_type"`
	Parameters json.RawMessage `json:"parameters"`
}

// QuoteFromCtx returns the quote computed by CreditCheck, if any.
func QuoteFromCtx(ctx context.Context) (pricing.Quote, bool) {
	q, ok := ctx.Value(ctxQuoteKey).(pricing.Quote)
	return q, ok
}

// CreditCheck rejects task creation early with 402 when the user's available
// credits cannot cover the quoted price. It reads the body to extract
// task_type and parameters, then replaces r.Body for the handler. The
// transactional check at creation stays authoritative.
func CreditCheck(quoter Quoter, credits SufficiencyChecker, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := UserIDFromCtx(r.Context())
			if userID == uuid.Nil {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}

			bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxCreateBody))
			r.Body.Close()
			if err != nil {
				http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
				return
			}
			// Restore body for the handler.
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			var peek createPeek
			if err := json.Unmarshal(bodyBytes, &peek); err != nil {
				http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
				return
			}
			if !KnownTaskTypes[peek.TaskType] {
				http.Error(w, fmt.Sprintf(`{"error":"unknown task_type %q"}`, peek.TaskType), http.StatusBadRequest)
				return
			}

			quote, err := quoter.Quote(peek.TaskType, peek.Parameters)
			if err != nil {
				// Parameter errors are reported by the handler's validation.
				next.ServeHTTP(w, r)
				return
			}
			required := quote.Amount
			if quote.PerSecond {
				required = quote.Estimate
			}

			suff, err := credits.CheckSufficient(r.Context(), userID, required)
			switch {
			case errors.Is(err, ledger.ErrAccountNotFound):
				// First task: the account and its signup bonus are created with it.
			case err != nil:
				logger.Error("credit pre-check failed", "user_id", userID, "error", err)
				http.Error(w, `{"error":"failed to check credits"}`, http.StatusInternalServerError)
				return
			case !suff.Sufficient:
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusPaymentRequired)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error":     "insufficient credits",
					"required":  suff.Required,
					"available": min(suff.TotalAvailable, suff.Balance),
					"shortfall": suff.Shortfall,
				})
				return
			}

			ctx := context.WithValue(r.Context(), ctxQuoteKey, quote)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
