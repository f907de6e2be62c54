package router

import (
	"net/http"

	"github.com/reelcredit/backend/internal/auth"
	"github.com/reelcredit/backend/internal/handlers"
	"github.com/reelcredit/backend/internal/metrics"
	"github.com/reelcredit/backend/internal/middleware"
)

// Deps are the handlers and guards the router mounts.
type Deps struct {
	Tasks    *handlers.TaskHandler
	Credits  *handlers.CreditHandler
	Webhooks *handlers.WebhookHandler
	Auth     *auth.Handler

	Tokens        middleware.TokenValidator
	CreditCheck   func(http.Handler) http.Handler
	InternalToken string

	Prices http.HandlerFunc
	Health http.HandlerFunc
}

// New returns the service's http.Handler.
//
//	/v1/...        user API, bearer JWT
//	/v1/webhooks/  provider callbacks, per-task callback token
//	/internal/...  service-to-service, shared internal token
func New(d Deps) http.Handler {
	mux := http.NewServeMux()
	user := middleware.BearerAuth(d.Tokens)
	internal := middleware.InternalToken(d.InternalToken)
	creditCheck := d.CreditCheck
	if creditCheck == nil {
		creditCheck = func(next http.Handler) http.Handler { return next }
	}

	// Tasks: Auth -> CreditCheck (create only) -> handler.
	mux.Handle("/v1/tasks", user(methods{
		http.MethodPost: creditCheck(http.HandlerFunc(d.Tasks.CreateTask)),
		http.MethodGet:  http.HandlerFunc(d.Tasks.ListTasks),
	}))
	mux.Handle("/v1/tasks/{id}", user(methods{
		http.MethodGet:    http.HandlerFunc(d.Tasks.GetTask),
		http.MethodDelete: http.HandlerFunc(d.Tasks.CancelTask),
	}))

	mux.Handle("/v1/credits", user(methodGET(d.Credits.GetBalance)))
	mux.Handle("/v1/credits/history", user(methodGET(d.Credits.GetHistory)))
	mux.Handle("/v1/credits/check", user(methodGET(d.Credits.CheckCredits)))

	mux.HandleFunc("/v1/webhooks/{provider}", methodPOST(d.Webhooks.Receive))

	mux.Handle("/internal/tokens", internal(methodPOST(d.Auth.IssueToken)))
	mux.Handle("/internal/payments/succeeded", internal(methodPOST(d.Credits.PaymentSucceeded)))
	mux.Handle("/internal/grants", internal(methodPOST(d.Credits.GrantCredits)))
	mux.Handle("/internal/accounts/{id}/audit", internal(methodGET(d.Credits.AuditAccount)))
	mux.Handle("/internal/tasks/{id}/complete", internal(methodPOST(d.Tasks.CompleteTask)))

	if d.Prices != nil {
		mux.HandleFunc("/v1/pricing", methodGET(d.Prices))
	}
	if d.Health != nil {
		mux.HandleFunc("/healthz", methodGET(d.Health))
	}
	mux.Handle("/metrics", metrics.Handler())

	return mux
}

// methods dispatches on the request method, answering 405 for the rest.
type methods map[string]http.Handler

func (m methods) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h, ok := m[r.Method]
	if !ok {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.ServeHTTP(w, r)
}

func methodGET(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func methodPOST(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}
