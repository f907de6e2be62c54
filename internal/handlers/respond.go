package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/reelcredit/backend/internal/ledger"
	"github.com/reelcredit/backend/internal/pricing"
	"github.com/reelcredit/backend/internal/tasks"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps domain errors onto HTTP statuses. Unknown errors are logged
// and reported as 500 without detail.
func writeError(w http.ResponseWriter, log *slog.Logger, op string, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredits):
		status, msg = http.StatusPaymentRequired, "insufficient credits"
	case errors.Is(err, ledger.ErrLedgerBusy):
		w.Header().Set("Retry-After", strconv.Itoa(1))
		status, msg = http.StatusServiceUnavailable, "ledger busy, retry shortly"
	case errors.Is(err, tasks.ErrTaskNotFound):
		status, msg = http.StatusNotFound, "task not found"
	case errors.Is(err, ledger.ErrAccountNotFound):
		status, msg = http.StatusNotFound, "account not found"
	case errors.Is(err, tasks.ErrAlreadyFinalized):
		status, msg = http.StatusConflict, "task credits already finalized"
	case errors.Is(err, tasks.ErrInvalidTransition):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, tasks.ErrInvalidTask),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidKind),
		errors.Is(err, pricing.ErrInvalidDuration),
		errors.Is(err, pricing.ErrDurationTooLong):
		status, msg = http.StatusBadRequest, err.Error()
	default:
		if log == nil {
			log = slog.Default()
		}
		log.Error(op+" failed", "error", err)
	}
	writeJSON(w, status, errorBody{Error: msg})
}

// queryInt reads a positive integer query parameter, returning def when absent.
func queryInt(r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
