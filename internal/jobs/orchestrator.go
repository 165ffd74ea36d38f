package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/inaiurai/creditcore/internal/ledger"
	"github.com/inaiurai/creditcore/internal/models"
	"github.com/inaiurai/creditcore/internal/provider"
)

const (
	defaultSubmitTimeout   = 15 * time.Second
	defaultGracePeriod     = 30 * time.Second
	defaultPendingCeiling  = 10 * time.Minute
	defaultPollConcurrency = 8
	defaultPollBatch       = 500
)

// GatewayResolver picks the provider gateway for a job kind.
type GatewayResolver interface {
	ForKind(kind string) (provider.Gateway, error)
}

// Notifier is told about every job that reaches a terminal state.
type Notifier interface {
	JobFinished(ctx context.Context, job *models.Job) error
}

type nopNotifier struct{}

func (nopNotifier) JobFinished(context.Context, *models.Job) error { return nil }

// SubmitRequest is the input to Submit. Cost is what the caller resolved
// from the price catalog and is charged before anything else happens.
type SubmitRequest struct {
	UserID  uuid.UUID
	Kind    string
	Cost    int64
	Request json.RawMessage
}

// PollReport summarizes one PollPending pass.
type PollReport struct {
	Checked  int
	Advanced int
	TimedOut int
	Refunded int
	Errors   int
}

// Orchestrator drives the job lifecycle. It holds no lock across I/O; the
// job store's last_event_seq guard and the ledger's compare-and-swap are
// the only exclusion.
type Orchestrator struct {
	store     Store
	ledger    ledger.Service
	gateways  GatewayResolver
	validator *Validator
	notifier  Notifier
	log       *slog.Logger
	now       func() time.Time

	submitTimeout   time.Duration
	gracePeriod     time.Duration
	pendingCeiling  time.Duration
	pollConcurrency int
	pollBatch       int
}

type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.log = l } }

func WithValidator(v *Validator) Option { return func(o *Orchestrator) { o.validator = v } }

func WithNotifier(n Notifier) Option { return func(o *Orchestrator) { o.notifier = n } }

func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// WithTimeouts overrides the provider submit timeout, the polling grace
// period and the pending ceiling. Zero values keep the defaults.
func WithTimeouts(submit, grace, ceiling time.Duration) Option {
	return func(o *Orchestrator) {
		if submit > 0 {
			o.submitTimeout = submit
		}
		if grace > 0 {
			o.gracePeriod = grace
		}
		if ceiling > 0 {
			o.pendingCeiling = ceiling
		}
	}
}

func WithPolling(concurrency, batch int) Option {
	return func(o *Orchestrator) {
		if concurrency > 0 {
			o.pollConcurrency = concurrency
		}
		if batch > 0 {
			o.pollBatch = batch
		}
	}
}

func NewOrchestrator(store Store, ledgerSvc ledger.Service, gateways GatewayResolver, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:           store,
		ledger:          ledgerSvc,
		gateways:        gateways,
		notifier:        nopNotifier{},
		log:             slog.Default(),
		now:             time.Now,
		submitTimeout:   defaultSubmitTimeout,
		gracePeriod:     defaultGracePeriod,
		pendingCeiling:  defaultPendingCeiling,
		pollConcurrency: defaultPollConcurrency,
		pollBatch:       defaultPollBatch,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit charges the user, records the job and hands it to the provider.
// A refused charge means no job exists. A definite provider failure returns
// the failed, refunded job together with ErrProviderUnavailable. A provider
// call with an unknown outcome leaves the job accepted without a task id
// for PollPending to resolve.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	if req.Cost <= 0 {
		return nil, ErrInvalidCost
	}
	gw, err := o.gateways.ForKind(req.Kind)
	if err != nil {
		return nil, err
	}
	if len(req.Request) == 0 {
		req.Request = json.RawMessage(`{}`)
	}
	if o.validator != nil {
		if err := o.validator.Validate(req.Kind, req.Request); err != nil {
			return nil, err
		}
	}

	job := &models.Job{
		ID:        uuid.New(),
		UserID:    req.UserID,
		Kind:      req.Kind,
		Cost:      req.Cost,
		State:     models.JobSubmitted,
		Request:   req.Request,
		CreatedAt: o.now(),
	}
	if _, err := o.ledger.Charge(ctx, job.UserID, job.Cost, job.Reference()); err != nil {
		return nil, err
	}

	// Funds are taken; finish the bookkeeping even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	log := o.log.With("job_id", job.ID, "user_id", job.UserID, "kind", job.Kind)

	if err := o.store.Create(ctx, job); err != nil {
		log.Error("create job failed after charge, refunding", "error", err)
		if _, rerr := o.ledger.Refund(ctx, job.UserID, job.Cost, job.Reference()); rerr != nil {
			log.Error("refund after failed create", "error", rerr)
		}
		return nil, fmt.Errorf("create job: %w", err)
	}

	subCtx, cancel := context.WithTimeout(ctx, o.submitTimeout)
	taskID, err := gw.Submit(subCtx, provider.JobRequest{
		Reference: job.Reference(),
		Kind:      job.Kind,
		Input:     job.Request,
	})
	cancel()

	switch {
	case err == nil:
		if _, err := o.transition(ctx, job, models.JobAccepted, &taskID, "", nil); err != nil {
			return nil, err
		}
		log.Info("job accepted by provider", "provider_task_id", taskID)
	case provider.IsAmbiguous(err):
		log.Warn("provider submit outcome unknown, deferring to reconciliation", "error", err)
		if _, err := o.transition(ctx, job, models.JobAccepted, nil, "", nil); err != nil {
			return nil, err
		}
	default:
		log.Warn("provider submit failed", "error", err)
		if _, ferr := o.fail(ctx, job, models.ErrorCodeProviderUnavailable); ferr != nil {
			log.Error("failing job after submit error", "error", ferr)
		}
		return o.reload(ctx, job), fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return o.reload(ctx, job), nil
}

// IngestEvent applies a provider event to the job that owns taskID. Unknown
// tasks and stale or duplicate events are dropped and reported through the
// outcome, never as errors.
func (o *Orchestrator) IngestEvent(ctx context.Context, taskID string, ev Event) (IngestOutcome, error) {
	seq, err := ev.Seq()
	if err != nil {
		return "", err
	}
	if seq == 0 {
		return "", fmt.Errorf("%w: providers cannot report %q", ErrInvalidEvent, ev.State)
	}
	job, err := o.findForEvent(ctx, taskID, ev.Reference)
	if errors.Is(err, ErrNotFound) {
		o.log.Info("event for unknown task dropped", "provider_task_id", taskID, "state", ev.State)
		return OutcomeUnknownTask, nil
	}
	if err != nil {
		return "", err
	}
	if seq <= job.LastEventSeq {
		o.log.Debug("duplicate or stale event dropped",
			"job_id", job.ID, "provider_task_id", taskID, "state", ev.State, "last_event_seq", job.LastEventSeq)
		return OutcomeDuplicate, nil
	}

	switch ev.State {
	case models.JobFailed:
		code := ev.ErrorCode
		if code == "" {
			code = "ProviderFailed"
		}
		applied, err := o.fail(ctx, job, code)
		if err != nil {
			return "", err
		}
		if !applied {
			return OutcomeDuplicate, nil
		}
	default:
		applied, err := o.transition(ctx, job, ev.State, nil, "", ev.Result)
		if err != nil {
			return "", err
		}
		if !applied {
			return OutcomeDuplicate, nil
		}
		if ev.State == models.JobComplete {
			o.log.Info("job complete", "job_id", job.ID, "provider_task_id", taskID)
			o.notify(ctx, job)
		}
	}
	return OutcomeApplied, nil
}

// findForEvent looks the job up by task id, falling back to the echoed
// reference for jobs whose submit outcome was ambiguous.
func (o *Orchestrator) findForEvent(ctx context.Context, taskID, reference string) (*models.Job, error) {
	job, err := o.store.GetByTaskID(ctx, taskID)
	if !errors.Is(err, ErrNotFound) || reference == "" {
		return job, err
	}
	id, perr := uuid.Parse(reference)
	if perr != nil {
		return nil, ErrNotFound
	}
	job, err = o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.ProviderTaskID != nil {
		if *job.ProviderTaskID != taskID {
			return nil, ErrNotFound
		}
		return job, nil
	}
	if _, err := o.store.AttachTaskID(ctx, job.ID, taskID); err != nil {
		return nil, err
	}
	o.log.Info("task id recovered from event reference", "job_id", job.ID, "provider_task_id", taskID)
	return o.store.GetByTaskID(ctx, taskID)
}

// PollPending reconciles every non-terminal job older than the grace
// period, forces jobs past the pending ceiling to failed, and re-issues
// refunds that a crash may have interrupted.
func (o *Orchestrator) PollPending(ctx context.Context) (PollReport, error) {
	var (
		report PollReport
		mu     sync.Mutex
	)
	count := func(f func(r *PollReport)) {
		mu.Lock()
		f(&report)
		mu.Unlock()
	}

	now := o.now()
	pending, err := o.store.ListPending(ctx, now.Add(-o.gracePeriod), o.pollBatch)
	if err != nil {
		return report, fmt.Errorf("list pending jobs: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.pollConcurrency)
	for _, job := range pending {
		g.Go(func() error {
			res, err := o.reconcile(gctx, job, now)
			count(func(r *PollReport) {
				r.Checked++
				switch {
				case err != nil:
					r.Errors++
				case res == reconcileTimedOut:
					r.TimedOut++
				case res == reconcileAdvanced:
					r.Advanced++
				}
			})
			if err != nil {
				o.log.Warn("reconcile job failed", "job_id", job.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	unrefunded, err := o.store.ListUnrefunded(ctx, o.pollBatch)
	if err != nil {
		return report, fmt.Errorf("list unrefunded jobs: %w", err)
	}
	for _, job := range unrefunded {
		if err := o.refund(ctx, job); err != nil {
			report.Errors++
			continue
		}
		report.Refunded++
	}

	if report.Checked > 0 || report.Refunded > 0 {
		o.log.Info("reconciliation pass",
			"checked", report.Checked, "advanced", report.Advanced, "timed_out", report.TimedOut,
			"refunded", report.Refunded, "errors", report.Errors)
	}
	return report, ctx.Err()
}

type reconcileResult int

const (
	reconcileNoChange reconcileResult = iota
	reconcileAdvanced
	reconcileTimedOut
)

func (o *Orchestrator) reconcile(ctx context.Context, job *models.Job, now time.Time) (reconcileResult, error) {
	if now.Sub(job.CreatedAt) >= o.pendingCeiling {
		applied, err := o.fail(ctx, job, models.ErrorCodeTimeout)
		if err != nil {
			return reconcileNoChange, err
		}
		if applied {
			o.log.Warn("job exceeded pending ceiling", "job_id", job.ID, "age", now.Sub(job.CreatedAt))
			return reconcileTimedOut, nil
		}
		return reconcileNoChange, nil
	}

	gw, err := o.gateways.ForKind(job.Kind)
	if err != nil {
		return reconcileNoChange, err
	}

	if job.ProviderTaskID == nil {
		finder, ok := gw.(provider.Finder)
		if !ok {
			return reconcileNoChange, nil
		}
		taskID, err := finder.FindTask(ctx, job.Reference())
		if errors.Is(err, provider.ErrTaskNotFound) {
			return reconcileNoChange, nil
		}
		if err != nil {
			return reconcileNoChange, fmt.Errorf("find task: %w", err)
		}
		if _, err := o.store.AttachTaskID(ctx, job.ID, taskID); err != nil {
			return reconcileNoChange, err
		}
		o.log.Info("task id recovered by lookup", "job_id", job.ID, "provider_task_id", taskID)
		job.ProviderTaskID = &taskID
	}

	st, err := gw.Status(ctx, *job.ProviderTaskID)
	if errors.Is(err, provider.ErrTaskNotFound) {
		return reconcileNoChange, nil
	}
	if err != nil {
		return reconcileNoChange, fmt.Errorf("provider status: %w", err)
	}
	outcome, err := o.IngestEvent(ctx, *job.ProviderTaskID, Event{
		State:     st.State,
		ErrorCode: st.ErrorCode,
		Result:    st.Result,
	})
	if err != nil {
		return reconcileNoChange, err
	}
	if outcome == OutcomeApplied {
		return reconcileAdvanced, nil
	}
	return reconcileNoChange, nil
}

// GetJob returns the job if it belongs to userID.
func (o *Orchestrator) GetJob(ctx context.Context, userID, id uuid.UUID) (*models.Job, error) {
	job, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, ErrNotFound
	}
	return job, nil
}

func (o *Orchestrator) ListJobs(ctx context.Context, userID uuid.UUID) ([]*models.Job, error) {
	return o.store.ListByUser(ctx, userID)
}

func (o *Orchestrator) transition(ctx context.Context, job *models.Job, state models.JobState, taskID *string, errorCode string, result json.RawMessage) (bool, error) {
	seq, err := SeqFor(state)
	if err != nil {
		return false, err
	}
	t := Transition{JobID: job.ID, Seq: seq, State: state, ProviderTaskID: taskID, Result: result}
	if errorCode != "" {
		t.ErrorCode = &errorCode
	}
	applied, err := o.store.Transition(ctx, t)
	if err != nil {
		return false, fmt.Errorf("transition %s to %s: %w", job.ID, state, err)
	}
	if applied {
		job.State = state
		job.LastEventSeq = seq
		if t.ErrorCode != nil {
			job.ErrorCode = t.ErrorCode
		}
		if result != nil {
			job.Result = result
		}
		if taskID != nil && job.ProviderTaskID == nil {
			job.ProviderTaskID = taskID
		}
	}
	return applied, nil
}

// fail moves the job to failed and refunds its cost. Only the caller whose
// transition lands issues the refund; losers of the race report false.
func (o *Orchestrator) fail(ctx context.Context, job *models.Job, code string) (bool, error) {
	applied, err := o.transition(ctx, job, models.JobFailed, nil, code, nil)
	if err != nil || !applied {
		return applied, err
	}
	o.log.Info("job failed", "job_id", job.ID, "error_code", code)
	if err := o.refund(ctx, job); err != nil {
		// The job stays in the unrefunded sweep until the refund lands.
		o.log.Error("refund failed job", "job_id", job.ID, "error", err)
	}
	o.notify(ctx, job)
	return true, nil
}

func (o *Orchestrator) refund(ctx context.Context, job *models.Job) error {
	res, err := o.ledger.Refund(ctx, job.UserID, job.Cost, job.Reference())
	if err != nil {
		return fmt.Errorf("refund: %w", err)
	}
	at := o.now()
	if err := o.store.MarkRefunded(ctx, job.ID, at); err != nil {
		return err
	}
	if job.RefundedAt == nil {
		job.RefundedAt = &at
	}
	if !res.AlreadyApplied {
		o.log.Info("job refunded", "job_id", job.ID, "user_id", job.UserID, "amount", job.Cost, "balance", res.Balance)
	}
	return nil
}

func (o *Orchestrator) notify(ctx context.Context, job *models.Job) {
	if err := o.notifier.JobFinished(ctx, job); err != nil {
		o.log.Warn("job notification failed", "job_id", job.ID, "error", err)
	}
}

func (o *Orchestrator) reload(ctx context.Context, job *models.Job) *models.Job {
	fresh, err := o.store.Get(ctx, job.ID)
	if err != nil {
		return job
	}
	return fresh
}
