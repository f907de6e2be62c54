// Package provider talks to the external video generation services and
// decodes their responses once, at the boundary, into a Result.
package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/reelcredit/backend/internal/models"
)

var (
	// ErrRejected means the provider refused the request; retrying will not help.
	ErrRejected = errors.New("provider rejected request")
	// ErrMalformed means a provider payload could not be decoded.
	ErrMalformed = errors.New("malformed provider payload")
	// ErrUnsupported means the client cannot serve the task type.
	ErrUnsupported = errors.New("task type not supported by provider")
)

// Result is the decoded state of a provider job: Success, Failure or Pending.
type Result interface {
	// State is the normalized state name: success, fail or waiting.
	State() string
	isResult()
}

type Success struct {
	URLs []string
	// DurationSeconds is the output length when the provider reports it.
	DurationSeconds *float64
}

type Failure struct {
	Code    string
	Message string
}

type Pending struct {
	Progress float64
}

func (Success) State() string { return "success" }
func (Failure) State() string { return "fail" }
func (Pending) State() string { return "waiting" }

func (Success) isResult() {}
func (Failure) isResult() {}
func (Pending) isResult() {}

// Notification is one report about a provider job, from a webhook or a poll.
type Notification struct {
	Provider      string
	ExternalJobID string
	Result        Result
	Raw           json.RawMessage
	// TaskID is set when the callback token named the task.
	TaskID uuid.UUID
	Source string
}

const (
	SourceWebhook = "webhook"
	SourcePoll    = "poll"
)

// Hash identifies a payload for event deduplication.
func (n Notification) Hash() string {
	sum := sha256.Sum256(n.Raw)
	return hex.EncodeToString(sum[:])
}

// SubmitRequest is what a client needs to start a job.
type SubmitRequest struct {
	TaskID      uuid.UUID
	Type        models.TaskType
	Parameters  json.RawMessage
	CallbackURL string
}

// Client is one generation backend.
type Client interface {
	Name() string
	// Submit starts a job and returns the provider's job id. Errors wrapping
	// ErrRejected are permanent.
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	Query(ctx context.Context, externalJobID string) (Result, error)
}

// DecodeCallback decodes a webhook body for the named provider.
func DecodeCallback(providerName string, body []byte) (Notification, error) {
	switch providerName {
	case models.ProviderSora:
		return DecodeSoraCallback(body)
	case models.ProviderDashScope:
		return DecodeDashScopeCallback(body)
	}
	return Notification{}, errors.New("unknown provider " + providerName)
}
