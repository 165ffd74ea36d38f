package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle position of a generation job.
type JobState string

const (
	JobSubmitted JobState = "submitted"
	JobAccepted  JobState = "accepted"
	JobPartial   JobState = "partial"
	JobComplete  JobState = "complete"
	JobFailed    JobState = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s JobState) Terminal() bool {
	return s == JobComplete || s == JobFailed
}

// Job error codes.
const (
	ErrorCodeProviderUnavailable = "ProviderUnavailable"
	ErrorCodeTimeout             = "Timeout"
)

type Job struct {
	ID             uuid.UUID       `json:"id"`
	UserID         uuid.UUID       `json:"user_id"`
	ProviderTaskID *string         `json:"provider_task_id,omitempty"`
	Kind           string          `json:"kind"`
	Cost           int64           `json:"cost"`
	State          JobState        `json:"state"`
	LastEventSeq   int             `json:"last_event_seq"`
	ErrorCode      *string         `json:"error_code,omitempty"`
	Request        json.RawMessage `json:"request,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	RefundedAt     *time.Time      `json:"refunded_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Reference is the ledger reference used for this job's charge and refund.
func (j *Job) Reference() string {
	return j.ID.String()
}
