// Package auth validates the bearer tokens presented by users and issues the
// short-lived tokens embedded in provider callback URLs.
package auth

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/reelcredit/backend/internal/config"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrMissingSecret = errors.New("auth secret not configured")
)

const (
	issuer         = "reelcredit"
	audienceUsers  = "reelcredit-api"
	callbackPrefix = "callback:"
)

// Service issues and validates HS256 tokens.
type Service struct {
	userSecret     []byte
	callbackSecret []byte
	callbackTTL    time.Duration
	callbackBase   string
	now            func() time.Time
}

func NewService(cfg config.AuthConfig, callbackBaseURL string) (*Service, error) {
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("%w: auth.jwt_secret", ErrMissingSecret)
	}
	callbackSecret := cfg.CallbackSecret
	if callbackSecret == "" {
		callbackSecret = cfg.JWTSecret
	}
	ttl := cfg.CallbackTTL
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	return &Service{
		userSecret:     []byte(cfg.JWTSecret),
		callbackSecret: []byte(callbackSecret),
		callbackTTL:    ttl,
		callbackBase:   strings.TrimRight(callbackBaseURL, "/"),
		now:            time.Now,
	}, nil
}

type claims struct {
	jwt.RegisteredClaims
}

// IssueUserToken signs a token for userID valid for ttl.
func (s *Service) IssueUserToken(userID uuid.UUID, ttl time.Duration) (string, error) {
	now := s.now()
	c := claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   userID.String(),
		Audience:  jwt.ClaimStrings{audienceUsers},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.userSecret)
}

// ValidateUserToken returns the user id carried by a user token.
func (s *Service) ValidateUserToken(token string) (uuid.UUID, error) {
	c, err := s.parse(token, s.userSecret, audienceUsers)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: subject is not a user id", ErrInvalidToken)
	}
	return id, nil
}

// IssueCallbackToken signs a token binding a provider callback to one task.
func (s *Service) IssueCallbackToken(providerName string, taskID uuid.UUID) (string, error) {
	now := s.now()
	c := claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   taskID.String(),
		Audience:  jwt.ClaimStrings{callbackPrefix + providerName},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.callbackTTL)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.callbackSecret)
}

// ValidateCallbackToken returns the task id a callback token was issued for.
// A token issued for another provider is rejected.
func (s *Service) ValidateCallbackToken(providerName, token string) (uuid.UUID, error) {
	c, err := s.parse(token, s.callbackSecret, callbackPrefix+providerName)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: subject is not a task id", ErrInvalidToken)
	}
	return id, nil
}

// CallbackURL is the webhook URL handed to a provider when submitting taskID.
func (s *Service) CallbackURL(providerName string, taskID uuid.UUID) (string, error) {
	if s.callbackBase == "" {
		return "", nil
	}
	token, err := s.IssueCallbackToken(providerName, taskID)
	if err != nil {
		return "", err
	}
	return s.callbackBase + "/v1/webhooks/" + url.PathEscape(providerName) + "?token=" + url.QueryEscape(token), nil
}

func (s *Service) parse(token string, secret []byte, audience string) (*claims, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return nil, ErrInvalidToken
	}
	return c, nil
}
