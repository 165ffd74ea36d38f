// Package notify publishes job completion events to downstream consumers.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/creditcore/internal/models"
)

// JobEvent is the message body published when a job reaches a terminal state.
type JobEvent struct {
	JobID          uuid.UUID       `json:"job_id"`
	UserID         uuid.UUID       `json:"user_id"`
	Kind           string          `json:"kind"`
	State          models.JobState `json:"state"`
	Cost           int64           `json:"cost"`
	ProviderTaskID string          `json:"provider_task_id,omitempty"`
	ErrorCode      string          `json:"error_code,omitempty"`
	Refunded       bool            `json:"refunded"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

func NewJobEvent(job *models.Job) JobEvent {
	ev := JobEvent{
		JobID:      job.ID,
		UserID:     job.UserID,
		Kind:       job.Kind,
		State:      job.State,
		Cost:       job.Cost,
		Refunded:   job.RefundedAt != nil,
		OccurredAt: time.Now().UTC(),
	}
	if job.ProviderTaskID != nil {
		ev.ProviderTaskID = *job.ProviderTaskID
	}
	if job.ErrorCode != nil {
		ev.ErrorCode = *job.ErrorCode
	}
	return ev
}

// RoutingKey is the subject suffix shared by the NATS and RabbitMQ publishers.
func (e JobEvent) RoutingKey() string {
	return "job." + string(e.State)
}

// LogNotifier writes terminal jobs to the structured log.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LogNotifier{log: log}
}

func (n *LogNotifier) JobFinished(ctx context.Context, job *models.Job) error {
	ev := NewJobEvent(job)
	n.log.InfoContext(ctx, "job finished",
		slog.String("job_id", ev.JobID.String()),
		slog.String("user_id", ev.UserID.String()),
		slog.String("kind", ev.Kind),
		slog.String("state", string(ev.State)),
		slog.String("error_code", ev.ErrorCode),
		slog.Int64("cost", ev.Cost),
	)
	return nil
}

// JobNotifier matches jobs.Notifier.
type JobNotifier interface {
	JobFinished(ctx context.Context, job *models.Job) error
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []JobNotifier

func (m Multi) JobFinished(ctx context.Context, job *models.Job) error {
	var errs []error
	for _, n := range m {
		if err := n.JobFinished(ctx, job); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
