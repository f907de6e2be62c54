package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reelcredit/backend/internal/config"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(config.AuthConfig{
		JWTSecret:      "user-secret",
		CallbackSecret: "callback-secret",
		CallbackTTL:    time.Hour,
	}, "https://api.example.com/")
	require.NoError(t, err)
	return svc
}

func TestNewService_RequiresSecret(t *testing.T) {
	_, err := NewService(config.AuthConfig{}, "")
	assert.ErrorIs(t, err, ErrMissingSecret)
}

func TestUserToken(t *testing.T) {
	svc := newTestService(t)
	user := uuid.New()

	token, err := svc.IssueUserToken(user, time.Hour)
	require.NoError(t, err)
	got, err := svc.ValidateUserToken(token)
	require.NoError(t, err)
	assert.Equal(t, user, got)

	_, err = svc.ValidateUserToken(token + "x")
	assert.ErrorIs(t, err, ErrInvalidToken)

	// Callback tokens are not user tokens.
	cb, err := svc.IssueCallbackToken("sora", user)
	require.NoError(t, err)
	_, err = svc.ValidateUserToken(cb)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestUserToken_Expired(t *testing.T) {
	svc := newTestService(t)
	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return issued }
	token, err := svc.IssueUserToken(uuid.New(), time.Minute)
	require.NoError(t, err)

	svc.now = func() time.Time { return issued.Add(2 * time.Minute) }
	_, err = svc.ValidateUserToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestUserToken_RejectsOtherAlgorithms(t *testing.T) {
	svc := newTestService(t)
	c := claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   uuid.NewString(),
		Audience:  jwt.ClaimStrings{audienceUsers},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, c).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = svc.ValidateUserToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestCallbackToken_BoundToProvider(t *testing.T) {
	svc := newTestService(t)
	task := uuid.New()

	token, err := svc.IssueCallbackToken("dashscope", task)
	require.NoError(t, err)
	got, err := svc.ValidateCallbackToken("dashscope", token)
	require.NoError(t, err)
	assert.Equal(t, task, got)

	_, err = svc.ValidateCallbackToken("sora", token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestCallbackURL(t *testing.T) {
	svc := newTestService(t)
	task := uuid.New()

	raw, err := svc.CallbackURL("sora", task)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(raw, "https://api.example.com/v1/webhooks/sora?token="), raw)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	got, err := svc.ValidateCallbackToken("sora", u.Query().Get("token"))
	require.NoError(t, err)
	assert.Equal(t, task, got)

	noBase, err := NewService(config.AuthConfig{JWTSecret: "s"}, "")
	require.NoError(t, err)
	raw, err = noBase.CallbackURL("sora", task)
	require.NoError(t, err)
	assert.Empty(t, raw)
}

func TestIssueTokenHandler(t *testing.T) {
	svc := newTestService(t)
	h := NewHandler(svc, nil)
	user := uuid.New()

	rr := httptest.NewRecorder()
	h.IssueToken(rr, httptest.NewRequest(http.MethodPost, "/internal/tokens",
		strings.NewReader(`{"user_id":"`+user.String()+`","ttl_seconds":600}`)))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp IssueTokenResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	got, err := svc.ValidateUserToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, user, got)

	for name, body := range map[string]string{
		"bad json":  `{`,
		"bad user":  `{"user_id":"nope"}`,
		"ttl limit": `{"user_id":"` + user.String() + `","ttl_seconds":99999999}`,
	} {
		rr := httptest.NewRecorder()
		h.IssueToken(rr, httptest.NewRequest(http.MethodPost, "/internal/tokens", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rr.Code, name)
	}
}
