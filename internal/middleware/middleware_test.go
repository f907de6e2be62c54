package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/reelcredit/backend/internal/ledger"
	"github.com/reelcredit/backend/internal/models"
	"github.com/reelcredit/backend/internal/pricing"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type stubTokens struct {
	user uuid.UUID
	err  error
}

func (s stubTokens) ValidateUserToken(string) (uuid.UUID, error) { return s.user, s.err }

type stubQuoter struct {
	quote pricing.Quote
	err   error
}

func (s stubQuoter) Quote(models.TaskType, json.RawMessage) (pricing.Quote, error) {
	return s.quote, s.err
}

type stubCredits struct {
	suff     ledger.Sufficiency
	err      error
	required int64
}

func (s *stubCredits) CheckSufficient(_ context.Context, _ uuid.UUID, required int64) (ledger.Sufficiency, error) {
	s.required = required
	return s.suff, s.err
}

// okHandler writes 200 and the request body, proving the body was restored.
var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
})

func withUser(id uuid.UUID, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), id)))
	})
}

// ---------------------------------------------------------------------------
// BearerAuth
// ---------------------------------------------------------------------------

func TestBearerAuth_ValidToken(t *testing.T) {
	user := uuid.New()
	var seen uuid.UUID
	h := BearerAuth(stubTokens{user: user})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserIDFromCtx(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer abc.def.ghi")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if seen != user {
		t.Errorf("user in context = %s, want %s", seen, user)
	}
}

func TestBearerAuth_Rejects(t *testing.T) {
	cases := map[string]struct {
		header string
		tokens stubTokens
	}{
		"missing header": {"", stubTokens{user: uuid.New()}},
		"basic scheme":   {"Basic dXNlcjpwYXNz", stubTokens{user: uuid.New()}},
		"invalid token":  {"Bearer bad", stubTokens{err: errors.New("expired")}},
	}
	for name, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		BearerAuth(tc.tokens)(okHandler).ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", name, rec.Code)
		}
	}
}

// ---------------------------------------------------------------------------
// InternalToken
// ---------------------------------------------------------------------------

func TestInternalToken(t *testing.T) {
	cases := []struct {
		expected, header string
		want             int
	}{
		{"s3cret", "Bearer s3cret", http.StatusOK},
		{"s3cret", "Bearer wrong", http.StatusForbidden},
		{"s3cret", "", http.StatusForbidden},
		{"", "Bearer ", http.StatusForbidden},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		InternalToken(tc.expected)(okHandler).ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Errorf("expected=%q header=%q: got %d, want %d", tc.expected, tc.header, rec.Code, tc.want)
		}
	}
}

// ---------------------------------------------------------------------------
// CreditCheck
// ---------------------------------------------------------------------------

const createBody = `{"task_type":"TEXT_TO_VIDEO","parameters":{"prompt":"x"}}`

func TestCreditCheck_Sufficient(t *testing.T) {
	credits := &stubCredits{suff: ledger.Sufficiency{Sufficient: true, Balance: 100, TotalAvailable: 100, Required: 20}}
	var quote pricing.Quote
	var ok bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		quote, ok = QuoteFromCtx(r.Context())
		okHandler(w, r)
	})
	h := withUser(uuid.New(), CreditCheck(stubQuoter{quote: pricing.Quote{Amount: 20}}, credits, nil)(next))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader(createBody)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != createBody {
		t.Errorf("body not restored for handler: %q", rec.Body.String())
	}
	if !ok || quote.Amount != 20 || credits.required != 20 {
		t.Errorf("quote=%+v ok=%v required=%d", quote, ok, credits.required)
	}
}

func TestCreditCheck_InsufficientIs402(t *testing.T) {
	credits := &stubCredits{suff: ledger.Sufficiency{Balance: 15, TotalAvailable: 10, Required: 50, Shortfall: 40}}
	h := withUser(uuid.New(), CreditCheck(stubQuoter{quote: pricing.Quote{PerSecond: true, Estimate: 50}}, credits, nil)(okHandler))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader(createBody)))

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rec.Code)
	}
	if credits.required != 50 {
		t.Errorf("per-second tasks should be checked against the estimate, got %d", credits.required)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["available"] != float64(10) || body["shortfall"] != float64(40) {
		t.Errorf("body = %v", body)
	}
}

func TestCreditCheck_NewAccountPassesThrough(t *testing.T) {
	credits := &stubCredits{err: ledger.ErrAccountNotFound}
	h := withUser(uuid.New(), CreditCheck(stubQuoter{quote: pricing.Quote{Amount: 20}}, credits, nil)(okHandler))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader(createBody)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCreditCheck_BadRequests(t *testing.T) {
	credits := &stubCredits{suff: ledger.Sufficiency{Sufficient: true}}
	mw := CreditCheck(stubQuoter{quote: pricing.Quote{Amount: 20}}, credits, nil)

	cases := map[string]string{
		"invalid json": `{`,
		"unknown type": `{"task_type":"TEXT_TO_AUDIO","parameters":{}}`,
	}
	for name, body := range cases {
		rec := httptest.NewRecorder()
		withUser(uuid.New(), mw(okHandler)).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", name, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	mw(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(createBody)))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no user: expected 401, got %d", rec.Code)
	}
}

func TestCreditCheck_LedgerErrorIs500(t *testing.T) {
	credits := &stubCredits{err: errors.New("connection refused")}
	h := withUser(uuid.New(), CreditCheck(stubQuoter{quote: pricing.Quote{Amount: 20}}, credits, nil)(okHandler))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader(createBody)))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}
