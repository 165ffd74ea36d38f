package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/creditcore/internal/models"
)

// Store persists job rows. Every state change goes through Transition, a
// conditional write guarded by last_event_seq.
type Store interface {
	Create(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetByTaskID(ctx context.Context, taskID string) (*models.Job, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Job, error)
	// ListPending returns non-terminal jobs created before the cutoff, oldest first.
	ListPending(ctx context.Context, createdBefore time.Time, limit int) ([]*models.Job, error)
	// ListUnrefunded returns failed jobs whose refund has not been recorded.
	ListUnrefunded(ctx context.Context, limit int) ([]*models.Job, error)
	// Transition applies t only if the job's last_event_seq is below t.Seq.
	Transition(ctx context.Context, t Transition) (bool, error)
	// AttachTaskID sets the provider task id only where it is still null.
	AttachTaskID(ctx context.Context, id uuid.UUID, taskID string) (bool, error)
	MarkRefunded(ctx context.Context, id uuid.UUID, at time.Time) error
}

type Transition struct {
	JobID          uuid.UUID
	Seq            int
	State          models.JobState
	ErrorCode      *string
	Result         json.RawMessage
	ProviderTaskID *string
}
