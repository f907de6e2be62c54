package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskType selects the provider model and the pricing rule.
type TaskType string

const (
	TaskAnimateMove  TaskType = "ANIMATE_MOVE"
	TaskAnimateMix   TaskType = "ANIMATE_MIX"
	TaskTextToVideo  TaskType = "TEXT_TO_VIDEO"
	TaskImageToVideo TaskType = "IMAGE_TO_VIDEO"
)

// Provider returns the generation backend serving this task type.
func (t TaskType) Provider() string {
	switch t {
	case TaskAnimateMove, TaskAnimateMix:
		return ProviderDashScope
	case TaskTextToVideo, TaskImageToVideo:
		return ProviderSora
	}
	return ""
}

// PerSecond reports whether the task is billed by output duration at completion.
func (t TaskType) PerSecond() bool {
	return t == TaskAnimateMove || t == TaskAnimateMix
}

const (
	ProviderSora      = "sora"
	ProviderDashScope = "dashscope"
)

// TaskStatus is the lifecycle state of a generation task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskSucceeded TaskStatus = "SUCCEEDED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
	TaskTimeout   TaskStatus = "TIMEOUT"
)

// Terminal reports whether no further transitions are allowed.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCancelled, TaskTimeout:
		return true
	}
	return false
}

type Task struct {
	ID                    uuid.UUID       `json:"id"`
	UserID                uuid.UUID       `json:"user_id"`
	Type                  TaskType        `json:"task_type"`
	Provider              string          `json:"provider"`
	Status                TaskStatus      `json:"status"`
	ExternalJobID         *string         `json:"external_job_id,omitempty"`
	CreditsCommitted      int64           `json:"credits_committed"`
	CreditsDeducted       bool            `json:"credits_deducted"`
	Parameters            json.RawMessage `json:"parameters"`
	ResultURL             *string         `json:"result_url,omitempty"`
	ErrorCode             *string         `json:"error_code,omitempty"`
	ErrorMessage          *string         `json:"error_message,omitempty"`
	Progress              float64         `json:"progress"`
	RetryCount            int             `json:"retry_count"`
	OutputDurationSeconds *float64        `json:"output_duration_seconds,omitempty"`
	DeadlineAt            time.Time       `json:"deadline_at"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
	StartedAt             *time.Time      `json:"started_at,omitempty"`
	CompletedAt           *time.Time      `json:"completed_at,omitempty"`
}
