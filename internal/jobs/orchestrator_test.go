package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inaiurai/creditcore/internal/ledger"
	"github.com/inaiurai/creditcore/internal/models"
	"github.com/inaiurai/creditcore/internal/provider"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeGateway struct {
	mu        sync.Mutex
	submitErr error
	nextTask  int
	statuses  map[string]*provider.Status
	byRef     map[string]string
	submitted []provider.JobRequest
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{statuses: make(map[string]*provider.Status), byRef: make(map[string]string)}
}

func (g *fakeGateway) Submit(_ context.Context, req provider.JobRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submitted = append(g.submitted, req)
	g.nextTask++
	id := fmt.Sprintf("task-%d", g.nextTask)
	// The provider keeps the task even when the response is lost.
	g.byRef[req.Reference] = id
	if g.submitErr != nil {
		return "", g.submitErr
	}
	return id, nil
}

func (g *fakeGateway) Status(_ context.Context, taskID string) (*provider.Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.statuses[taskID]
	if !ok {
		return nil, provider.ErrTaskNotFound
	}
	cp := *st
	return &cp, nil
}

func (g *fakeGateway) setStatus(taskID string, st provider.Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses[taskID] = &st
}

// findingGateway also implements provider.Finder.
type findingGateway struct {
	*fakeGateway
}

func (g findingGateway) FindTask(_ context.Context, reference string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.byRef[reference]
	if !ok {
		return "", provider.ErrTaskNotFound
	}
	return id, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	jobs []models.Job
}

func (n *recordingNotifier) JobFinished(_ context.Context, job *models.Job) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, *job)
	return nil
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	orch     *Orchestrator
	store    *MemoryStore
	ledger   ledger.Service
	gateway  *fakeGateway
	notifier *recordingNotifier
	clock    *testClock
	user     uuid.UUID
}

func newHarness(t *testing.T, startingCredits int64, withFinder bool) *harness {
	t.Helper()
	gw := newFakeGateway()
	var routed provider.Gateway = gw
	if withFinder {
		routed = findingGateway{gw}
	}
	reg := provider.NewRegistry()
	require.NoError(t, reg.Register(provider.Entry{Name: "fake", Gateway: routed, Kinds: []string{"audio", "video"}}))

	v, err := NewValidator(DefaultSchemas())
	require.NoError(t, err)

	h := &harness{
		store:    NewMemoryStore(),
		ledger:   ledger.NewService(ledger.NewMemoryStore(), ledger.WithDefaultCredits(startingCredits), ledger.WithMaxAttempts(50)),
		gateway:  gw,
		notifier: &recordingNotifier{},
		clock:    &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		user:     uuid.New(),
	}
	h.orch = NewOrchestrator(h.store, h.ledger, reg,
		WithValidator(v),
		WithNotifier(h.notifier),
		WithClock(h.clock.Now),
		WithTimeouts(time.Second, 30*time.Second, 10*time.Minute),
	)
	return h
}

var audioRequest = json.RawMessage(`{"text":"read me a story"}`)

func (h *harness) submit(t *testing.T, cost int64) *models.Job {
	t.Helper()
	job, err := h.orch.Submit(context.Background(), SubmitRequest{UserID: h.user, Kind: "audio", Cost: cost, Request: audioRequest})
	require.NoError(t, err)
	return job
}

func (h *harness) balance(t *testing.T) int64 {
	t.Helper()
	bal, err := h.ledger.GetBalance(context.Background(), h.user)
	require.NoError(t, err)
	return bal.Credits
}

func (h *harness) transactionsFor(t *testing.T, reference string) []*models.Transaction {
	t.Helper()
	txs, err := h.ledger.ListTransactions(context.Background(), h.user)
	require.NoError(t, err)
	var out []*models.Transaction
	for _, tx := range txs {
		if tx.Reference == reference {
			out = append(out, tx)
		}
	}
	return out
}

func (h *harness) job(t *testing.T, id uuid.UUID) *models.Job {
	t.Helper()
	j, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return j
}

// ---------------------------------------------------------------------------
// Submit
// ---------------------------------------------------------------------------

func TestSubmit_ThenFailedWebhook_RefundsExactlyOnce(t *testing.T) {
	h := newHarness(t, 100, false)
	ctx := context.Background()

	job := h.submit(t, 10)
	assert.Equal(t, int64(90), h.balance(t))
	assert.Equal(t, models.JobAccepted, job.State)
	require.NotNil(t, job.ProviderTaskID)

	outcome, err := h.orch.IngestEvent(ctx, *job.ProviderTaskID, Event{State: models.JobFailed, ErrorCode: "GPU_OOM"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	got := h.job(t, job.ID)
	assert.Equal(t, models.JobFailed, got.State)
	require.NotNil(t, got.ErrorCode)
	assert.Equal(t, "GPU_OOM", *got.ErrorCode)
	assert.NotNil(t, got.RefundedAt)
	assert.Equal(t, int64(100), h.balance(t))

	txs := h.transactionsFor(t, job.ID.String())
	require.Len(t, txs, 2)
	assert.Equal(t, models.TransactionCharge, txs[0].Kind)
	assert.Equal(t, int64(-10), txs[0].Amount)
	assert.Equal(t, models.TransactionRefund, txs[1].Kind)
	assert.Equal(t, int64(10), txs[1].Amount)

	require.Len(t, h.notifier.jobs, 1)
	assert.Equal(t, models.JobFailed, h.notifier.jobs[0].State)
}

func TestSubmit_InsufficientFunds_CreatesNoJob(t *testing.T) {
	h := newHarness(t, 5, false)

	_, err := h.orch.Submit(context.Background(), SubmitRequest{UserID: h.user, Kind: "audio", Cost: 10, Request: audioRequest})
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	list, err := h.orch.ListJobs(context.Background(), h.user)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, h.gateway.submitted)
	assert.Equal(t, int64(5), h.balance(t))
}

func TestSubmit_RejectsBeforeCharging(t *testing.T) {
	h := newHarness(t, 100, false)
	ctx := context.Background()

	tests := []struct {
		name string
		req  SubmitRequest
		want error
	}{
		{
			name: "schema violation",
			req:  SubmitRequest{UserID: h.user, Kind: "audio", Cost: 10, Request: json.RawMessage(`{"voice":"x"}`)},
			want: ErrValidation,
		},
		{
			name: "unroutable kind",
			req:  SubmitRequest{UserID: h.user, Kind: "hologram", Cost: 10, Request: audioRequest},
			want: provider.ErrUnknownKind,
		},
		{
			name: "zero cost",
			req:  SubmitRequest{UserID: h.user, Kind: "audio", Cost: 0, Request: audioRequest},
			want: ErrInvalidCost,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.Submit(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, int64(100), h.balance(t))
}

func TestSubmit_ProviderRejects_FailsAndRefunds(t *testing.T) {
	h := newHarness(t, 100, false)
	h.gateway.submitErr = fmt.Errorf("%w: status 422", provider.ErrRejected)

	job, err := h.orch.Submit(context.Background(), SubmitRequest{UserID: h.user, Kind: "audio", Cost: 10, Request: audioRequest})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProviderUnavailable)
	require.NotNil(t, job)

	assert.Equal(t, models.JobFailed, job.State)
	require.NotNil(t, job.ErrorCode)
	assert.Equal(t, models.ErrorCodeProviderUnavailable, *job.ErrorCode)
	assert.NotNil(t, job.RefundedAt)
	assert.Equal(t, int64(100), h.balance(t))
	assert.Len(t, h.transactionsFor(t, job.ID.String()), 2)
}

func TestSubmit_AmbiguousFailure_LeavesJobAccepted(t *testing.T) {
	h := newHarness(t, 100, false)
	h.gateway.submitErr = context.DeadlineExceeded

	job := h.submit(t, 10)
	assert.Equal(t, models.JobAccepted, job.State)
	assert.Nil(t, job.ProviderTaskID)
	assert.Equal(t, int64(90), h.balance(t))
}

// ---------------------------------------------------------------------------
// IngestEvent
// ---------------------------------------------------------------------------

func TestIngestEvent_StaleEventAfterComplete_IsDropped(t *testing.T) {
	h := newHarness(t, 100, false)
	ctx := context.Background()
	job := h.submit(t, 10)
	task := *job.ProviderTaskID

	outcome, err := h.orch.IngestEvent(ctx, task, Event{State: models.JobComplete, Result: json.RawMessage(`{"url":"https://cdn/a.mp3"}`)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	outcome, err = h.orch.IngestEvent(ctx, task, Event{State: models.JobAccepted})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	got := h.job(t, job.ID)
	assert.Equal(t, models.JobComplete, got.State)
	assert.JSONEq(t, `{"url":"https://cdn/a.mp3"}`, string(got.Result))
	assert.Equal(t, int64(90), h.balance(t))
}

func TestIngestEvent_FirstTerminalStateWins(t *testing.T) {
	h := newHarness(t, 100, false)
	ctx := context.Background()
	job := h.submit(t, 10)
	task := *job.ProviderTaskID

	_, err := h.orch.IngestEvent(ctx, task, Event{State: models.JobPartial})
	require.NoError(t, err)
	_, err = h.orch.IngestEvent(ctx, task, Event{State: models.JobFailed})
	require.NoError(t, err)
	outcome, err := h.orch.IngestEvent(ctx, task, Event{State: models.JobComplete})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	assert.Equal(t, models.JobFailed, h.job(t, job.ID).State)
	assert.Equal(t, int64(100), h.balance(t))
}

func TestIngestEvent_ConcurrentDuplicateFailures_RefundOnce(t *testing.T) {
	h := newHarness(t, 100, false)
	job := h.submit(t, 10)
	task := *job.ProviderTaskID

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := h.orch.IngestEvent(context.Background(), task, Event{State: models.JobFailed})
			assert.NoError(t, err)
			if outcome == OutcomeApplied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	refunds := 0
	for _, tx := range h.transactionsFor(t, job.ID.String()) {
		if tx.Kind == models.TransactionRefund {
			refunds++
			assert.Equal(t, job.Cost, tx.Amount)
		}
	}
	assert.Equal(t, 1, refunds)
	assert.Equal(t, int64(100), h.balance(t))
}

func TestIngestEvent_UnknownTaskIsDropped(t *testing.T) {
	h := newHarness(t, 100, false)
	outcome, err := h.orch.IngestEvent(context.Background(), "task-nobody", Event{State: models.JobComplete})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownTask, outcome)
}

func TestIngestEvent_InvalidState(t *testing.T) {
	h := newHarness(t, 100, false)
	_, err := h.orch.IngestEvent(context.Background(), "task-1", Event{State: "exploded"})
	assert.ErrorIs(t, err, ErrInvalidEvent)
	_, err = h.orch.IngestEvent(context.Background(), "task-1", Event{State: models.JobSubmitted})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestIngestEvent_ReferenceRecoversAmbiguousSubmit(t *testing.T) {
	h := newHarness(t, 100, false)
	h.gateway.submitErr = fmt.Errorf("%w: connection reset", provider.ErrAmbiguous)
	job := h.submit(t, 10)
	require.Nil(t, job.ProviderTaskID)

	outcome, err := h.orch.IngestEvent(context.Background(), "task-1", Event{State: models.JobComplete, Reference: job.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	got := h.job(t, job.ID)
	assert.Equal(t, models.JobComplete, got.State)
	require.NotNil(t, got.ProviderTaskID)
	assert.Equal(t, "task-1", *got.ProviderTaskID)
}

// ---------------------------------------------------------------------------
// PollPending
// ---------------------------------------------------------------------------

func TestPollPending_AppliesProviderStatus(t *testing.T) {
	h := newHarness(t, 100, false)
	ctx := context.Background()
	job := h.submit(t, 10)
	h.gateway.setStatus(*job.ProviderTaskID, provider.Status{State: models.JobComplete, Result: json.RawMessage(`{"ok":true}`)})

	report, err := h.orch.PollPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Checked, "jobs inside the grace period are left alone")

	h.clock.Advance(time.Minute)
	report, err = h.orch.PollPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Advanced)
	assert.Equal(t, models.JobComplete, h.job(t, job.ID).State)

	h.clock.Advance(time.Minute)
	report, err = h.orch.PollPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Checked, "terminal jobs are not polled")
}

func TestPollPending_TimesOutAndRefundsAfterCeiling(t *testing.T) {
	h := newHarness(t, 100, false)
	ctx := context.Background()
	h.gateway.submitErr = context.DeadlineExceeded
	job := h.submit(t, 10)

	h.clock.Advance(5 * time.Minute)
	report, err := h.orch.PollPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, models.JobAccepted, h.job(t, job.ID).State, "no task id and no finder: wait for the ceiling")

	h.clock.Advance(6 * time.Minute)
	report, err = h.orch.PollPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.TimedOut)

	got := h.job(t, job.ID)
	assert.Equal(t, models.JobFailed, got.State)
	require.NotNil(t, got.ErrorCode)
	assert.Equal(t, models.ErrorCodeTimeout, *got.ErrorCode)
	assert.Equal(t, int64(100), h.balance(t))
}

func TestPollPending_RecoversTaskIDWithFinder(t *testing.T) {
	h := newHarness(t, 100, true)
	ctx := context.Background()
	h.gateway.submitErr = context.DeadlineExceeded
	job := h.submit(t, 10)
	require.Nil(t, job.ProviderTaskID)
	h.gateway.setStatus("task-1", provider.Status{State: models.JobFailed, ErrorCode: "BAD_INPUT"})

	h.clock.Advance(time.Minute)
	report, err := h.orch.PollPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Advanced)

	got := h.job(t, job.ID)
	require.NotNil(t, got.ProviderTaskID)
	assert.Equal(t, "task-1", *got.ProviderTaskID)
	assert.Equal(t, models.JobFailed, got.State)
	assert.Equal(t, int64(100), h.balance(t))
}

func TestPollPending_SweepsUnrefundedFailures(t *testing.T) {
	h := newHarness(t, 100, false)
	ctx := context.Background()

	// A process died between the failed transition and the refund.
	id := uuid.New()
	_, err := h.ledger.Charge(ctx, h.user, 15, id.String())
	require.NoError(t, err)
	code := models.ErrorCodeTimeout
	require.NoError(t, h.store.Create(ctx, &models.Job{
		ID: id, UserID: h.user, Kind: "audio", Cost: 15,
		State: models.JobFailed, LastEventSeq: 3, ErrorCode: &code,
		CreatedAt: h.clock.Now(),
	}))
	assert.Equal(t, int64(85), h.balance(t))

	report, err := h.orch.PollPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Refunded)
	assert.Equal(t, int64(100), h.balance(t))
	assert.NotNil(t, h.job(t, id).RefundedAt)

	report, err = h.orch.PollPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Refunded)
	assert.Len(t, h.transactionsFor(t, id.String()), 2)
}

type refundFailingLedger struct {
	ledger.Service
}

func (refundFailingLedger) Refund(context.Context, uuid.UUID, int64, string) (*ledger.Result, error) {
	return nil, errors.New("ledger unavailable")
}

func TestFailureNotification_ReportsRefundState(t *testing.T) {
	h := newHarness(t, 100, false)
	ctx := context.Background()

	refunded := h.submit(t, 10)
	_, err := h.orch.IngestEvent(ctx, *refunded.ProviderTaskID, Event{State: models.JobFailed})
	require.NoError(t, err)
	require.Len(t, h.notifier.jobs, 1)
	assert.NotNil(t, h.notifier.jobs[0].RefundedAt)

	reg := provider.NewRegistry()
	require.NoError(t, reg.Register(provider.Entry{Name: "fake", Gateway: h.gateway, Kinds: []string{"audio"}}))
	notifier := &recordingNotifier{}
	broken := NewOrchestrator(h.store, refundFailingLedger{h.ledger}, reg,
		WithNotifier(notifier), WithClock(h.clock.Now))

	pending := h.submit(t, 10)
	outcome, err := broken.IngestEvent(ctx, *pending.ProviderTaskID, Event{State: models.JobFailed})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	require.Len(t, notifier.jobs, 1)
	assert.Nil(t, notifier.jobs[0].RefundedAt)
	assert.Nil(t, h.job(t, pending.ID).RefundedAt)
	assert.Equal(t, int64(90), h.balance(t))

	_, err = h.orch.PollPending(ctx)
	require.NoError(t, err)
	assert.NotNil(t, h.job(t, pending.ID).RefundedAt)
	assert.Equal(t, int64(100), h.balance(t))
}

// Every failed job ends with exactly one refund equal to its charge,
// whatever mix of webhooks and polling got it there.
func TestRefundCompleteness(t *testing.T) {
	h := newHarness(t, 1000, false)
	ctx := context.Background()

	var jobs []*models.Job
	for i := 0; i < 12; i++ {
		jobs = append(jobs, h.submit(t, int64(5+i)))
	}
	for i, j := range jobs {
		task := *j.ProviderTaskID
		switch i % 3 {
		case 0:
			_, err := h.orch.IngestEvent(ctx, task, Event{State: models.JobFailed})
			require.NoError(t, err)
			h.gateway.setStatus(task, provider.Status{State: models.JobFailed})
		case 1:
			h.gateway.setStatus(task, provider.Status{State: models.JobComplete})
		case 2:
			h.gateway.setStatus(task, provider.Status{State: models.JobFailed})
		}
	}
	h.clock.Advance(time.Minute)
	_, err := h.orch.PollPending(ctx)
	require.NoError(t, err)
	_, err = h.orch.PollPending(ctx)
	require.NoError(t, err)

	var spent int64
	for _, j := range jobs {
		got := h.job(t, j.ID)
		require.True(t, got.State.Terminal())
		var charges, refunds int
		for _, tx := range h.transactionsFor(t, j.ID.String()) {
			switch tx.Kind {
			case models.TransactionCharge:
				charges++
				assert.Equal(t, -j.Cost, tx.Amount)
			case models.TransactionRefund:
				refunds++
				assert.Equal(t, j.Cost, tx.Amount)
			}
		}
		assert.Equal(t, 1, charges)
		if got.State == models.JobFailed {
			assert.Equal(t, 1, refunds, "job %s", j.ID)
		} else {
			assert.Equal(t, 0, refunds, "job %s", j.ID)
			spent += j.Cost
		}
	}
	assert.Equal(t, 1000-spent, h.balance(t))
}

func TestGetJob_OwnerOnly(t *testing.T) {
	h := newHarness(t, 100, false)
	job := h.submit(t, 10)

	got, err := h.orch.GetJob(context.Background(), h.user, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)

	_, err = h.orch.GetJob(context.Background(), uuid.New(), job.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}
