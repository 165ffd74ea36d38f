package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inaiurai/creditcore/internal/models"
)

// MemoryStore is an in-process Store with the same conditional-write rules
// as the SQL repository.
type MemoryStore struct {
	mu     sync.Mutex
	jobs   map[uuid.UUID]*models.Job
	byTask map[string]uuid.UUID
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[uuid.UUID]*models.Job),
		byTask: make(map[string]uuid.UUID),
		now:    time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

func cloneJob(j *models.Job) *models.Job {
	cp := *j
	if j.ProviderTaskID != nil {
		id := *j.ProviderTaskID
		cp.ProviderTaskID = &id
	}
	if j.ErrorCode != nil {
		code := *j.ErrorCode
		cp.ErrorCode = &code
	}
	if j.RefundedAt != nil {
		at := *j.RefundedAt
		cp.RefundedAt = &at
	}
	return &cp
}

func (m *MemoryStore) Create(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("create job %s: already exists", job.ID)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = m.now()
	}
	job.UpdatedAt = job.CreatedAt
	m.jobs[job.ID] = cloneJob(job)
	if job.ProviderTaskID != nil {
		m.byTask[*job.ProviderTaskID] = job.ID
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

func (m *MemoryStore) GetByTaskID(_ context.Context, taskID string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byTask[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(m.jobs[id]), nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID uuid.UUID) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Job
	for _, j := range m.jobs {
		if j.UserID == userID {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListPending(_ context.Context, createdBefore time.Time, limit int) ([]*models.Job, error) {
	return m.list(limit, func(j *models.Job) bool {
		return !j.State.Terminal() && j.CreatedAt.Before(createdBefore)
	}), nil
}

func (m *MemoryStore) ListUnrefunded(_ context.Context, limit int) ([]*models.Job, error) {
	return m.list(limit, func(j *models.Job) bool {
		return j.State == models.JobFailed && j.RefundedAt == nil
	}), nil
}

func (m *MemoryStore) list(limit int, keep func(*models.Job) bool) []*models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Job
	for _, j := range m.jobs {
		if keep(j) {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) Transition(_ context.Context, t Transition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[t.JobID]
	if !ok {
		return false, ErrNotFound
	}
	if j.LastEventSeq >= t.Seq {
		return false, nil
	}
	j.State = t.State
	j.LastEventSeq = t.Seq
	if t.ErrorCode != nil {
		code := *t.ErrorCode
		j.ErrorCode = &code
	}
	if t.Result != nil {
		j.Result = t.Result
	}
	if t.ProviderTaskID != nil && j.ProviderTaskID == nil {
		id := *t.ProviderTaskID
		j.ProviderTaskID = &id
		m.byTask[id] = j.ID
	}
	j.UpdatedAt = m.now()
	return true, nil
}

func (m *MemoryStore) AttachTaskID(_ context.Context, id uuid.UUID, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	if j.ProviderTaskID != nil {
		return false, nil
	}
	if _, taken := m.byTask[taskID]; taken {
		return false, fmt.Errorf("attach task %q: already bound to another job", taskID)
	}
	j.ProviderTaskID = &taskID
	j.UpdatedAt = m.now()
	m.byTask[taskID] = id
	return true, nil
}

func (m *MemoryStore) MarkRefunded(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.RefundedAt == nil {
		j.RefundedAt = &at
	}
	return nil
}
