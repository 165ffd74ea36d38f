package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/creditcore/internal/models"
)

// Repository is the PostgreSQL Store.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

const jobColumns = `id, user_id, provider_task_id, kind, cost, state, last_event_seq, error_code,
	request, result, refunded_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.UserID, &j.ProviderTaskID, &j.Kind, &j.Cost, &j.State, &j.LastEventSeq, &j.ErrorCode,
		&j.Request, &j.Result, &j.RefundedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (r *Repository) Create(ctx context.Context, job *models.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO jobs (id, user_id, provider_task_id, kind, cost, state, last_event_seq, request, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		RETURNING updated_at
	`, job.ID, job.UserID, job.ProviderTaskID, job.Kind, job.Cost, job.State, job.LastEventSeq, job.Request, job.CreatedAt).
		Scan(&job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *Repository) getOne(ctx context.Context, where string, arg any) (*models.Job, error) {
	j, err := scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return r.getOne(ctx, `id = $1`, id)
}

func (r *Repository) GetByTaskID(ctx context.Context, taskID string) (*models.Job, error) {
	return r.getOne(ctx, `provider_task_id = $1`, taskID)
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]*models.Job, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var list []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.Job, error) {
	return r.list(ctx, `SELECT `+jobColumns+` FROM jobs WHERE user_id = $1 ORDER BY created_at DESC`, userID)
}

func (r *Repository) ListPending(ctx context.Context, createdBefore time.Time, limit int) ([]*models.Job, error) {
	return r.list(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state IN ('submitted', 'accepted', 'partial') AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, createdBefore, limit)
}

func (r *Repository) ListUnrefunded(ctx context.Context, limit int) ([]*models.Job, error) {
	return r.list(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state = 'failed' AND refunded_at IS NULL
		ORDER BY updated_at
		LIMIT $1
	`, limit)
}

func (r *Repository) Transition(ctx context.Context, t Transition) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET
			state = $2,
			last_event_seq = $3,
			error_code = COALESCE($4, error_code),
			result = COALESCE($5, result),
			provider_task_id = COALESCE(provider_task_id, $6),
			updated_at = now()
		WHERE id = $1 AND last_event_seq < $3
	`, t.JobID, t.State, t.Seq, t.ErrorCode, nullJSON(t.Result), t.ProviderTaskID)
	if err != nil {
		return false, fmt.Errorf("transition job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) AttachTaskID(ctx context.Context, id uuid.UUID, taskID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET provider_task_id = $2, updated_at = now()
		WHERE id = $1 AND provider_task_id IS NULL
	`, id, taskID)
	if err != nil {
		return false, fmt.Errorf("attach task id: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) MarkRefunded(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE jobs SET refunded_at = $2 WHERE id = $1 AND refunded_at IS NULL
	`, id, at)
	if err != nil {
		return fmt.Errorf("mark refunded: %w", err)
	}
	return nil
}

// nullJSON keeps an absent result as SQL NULL so COALESCE leaves the column alone.
func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
