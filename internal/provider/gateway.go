// Package provider defines the contract the orchestrator uses to reach
// external generation providers.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net"

	"github.com/inaiurai/creditcore/internal/models"
)

var (
	// ErrRejected means the provider refused the submission; nothing was created.
	ErrRejected = errors.New("provider: submission rejected")
	// ErrUnavailable means the provider could not be reached or reported a server error.
	ErrUnavailable = errors.New("provider: unavailable")
	// ErrAmbiguous means the request may have been accepted; the outcome is unknown.
	ErrAmbiguous    = errors.New("provider: outcome unknown")
	ErrTaskNotFound = errors.New("provider: task not found")
	ErrUnknownKind  = errors.New("provider: no gateway for kind")
)

// JobRequest is the provider-neutral submission.
type JobRequest struct {
	Reference   string          `json:"reference"`
	Kind        string          `json:"kind"`
	Input       json.RawMessage `json:"input"`
	CallbackURL string          `json:"callback_url,omitempty"`
}

// Status is a provider status normalized to the job states the core knows.
type Status struct {
	State     models.JobState `json:"state"`
	ErrorCode string          `json:"error_code,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

type Gateway interface {
	Submit(ctx context.Context, req JobRequest) (taskID string, err error)
	Status(ctx context.Context, taskID string) (*Status, error)
}

// Finder is implemented by gateways that can look a task up by the
// reference sent on submit. It lets reconciliation recover task ids lost
// to an ambiguous submit.
type Finder interface {
	FindTask(ctx context.Context, reference string) (taskID string, err error)
}

// IsAmbiguous reports whether a submit error leaves the provider-side
// outcome unknown.
func IsAmbiguous(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAmbiguous) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, ErrRejected) || errors.Is(err, ErrUnavailable) {
		return false
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// NormalizeState maps provider status strings onto job states.
func NormalizeState(s string) (models.JobState, bool) {
	switch s {
	case "accepted", "queued", "pending", "submitted":
		return models.JobAccepted, true
	case "partial", "processing", "running", "in_progress":
		return models.JobPartial, true
	case "complete", "completed", "succeeded", "success":
		return models.JobComplete, true
	case "failed", "failure", "error", "cancelled", "canceled":
		return models.JobFailed, true
	}
	return "", false
}
