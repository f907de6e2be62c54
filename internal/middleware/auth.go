package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type contextKey string

const (
	ctxUserKey  contextKey = "user_id"
	ctxQuoteKey contextKey = "quote"
)

// TokenValidator resolves a user bearer token to the user id.
type TokenValidator interface {
	ValidateUserToken(token string) (uuid.UUID, error)
}

// BearerAuth authenticates requests with a user JWT in the Authorization
// header and puts the user id into the request context.
func BearerAuth(tokens TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}
			userID, err := tokens.ValidateUserToken(raw)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// InternalToken guards service-to-service endpoints with a shared token. An
// empty expected token rejects every request.
func InternalToken(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if expected == "" || raw == "" || subtle.ConstantTimeCompare([]byte(raw), []byte(expected)) != 1 {
				http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// UserIDFromCtx returns the authenticated user id, or uuid.Nil.
func UserIDFromCtx(ctx context.Context) uuid.UUID {
	id, _ := ctx.Value(ctxUserKey).(uuid.UUID)
	return id
}

// WithUserID returns a context carrying the given user id.
func WithUserID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, ctxUserKey, id)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
