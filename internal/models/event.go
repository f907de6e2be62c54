package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Provider event outcomes recorded after reconciliation.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomePending   = "pending"
	OutcomeNotFound  = "not_found"
)

// ProviderEvent is the audit row for one webhook or poll notification.
type ProviderEvent struct {
	ID            uuid.UUID       `json:"id"`
	Provider      string          `json:"provider"`
	ExternalJobID string          `json:"external_job_id"`
	State         string          `json:"state"`
	Payload       json.RawMessage `json:"payload"`
	PayloadHash   string          `json:"payload_hash"`
	Outcome       string          `json:"outcome"`
	ReceivedAt    time.Time       `json:"received_at"`
}
