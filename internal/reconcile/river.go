package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
)

type PollPendingArgs struct{}

func (PollPendingArgs) Kind() string { return "poll_pending_jobs" }

// InsertOpts disables retries; the next period runs a fresh pass.
func (PollPendingArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 1}
}

type PollPendingWorker struct {
	river.WorkerDefaults[PollPendingArgs]
	rec Reconciler
	log *slog.Logger
}

func NewPollPendingWorker(rec Reconciler, log *slog.Logger) *PollPendingWorker {
	if log == nil {
		log = slog.Default()
	}
	return &PollPendingWorker{rec: rec, log: log}
}

func (w *PollPendingWorker) Work(ctx context.Context, job *river.Job[PollPendingArgs]) error {
	report, err := w.rec.PollPending(ctx)
	if err != nil {
		return fmt.Errorf("poll pending jobs: %w", err)
	}
	w.log.Debug("river reconciliation pass", "river_job_id", job.ID,
		"checked", report.Checked, "advanced", report.Advanced, "timed_out", report.TimedOut, "refunded", report.Refunded)
	return nil
}

func (w *PollPendingWorker) Timeout(*river.Job[PollPendingArgs]) time.Duration {
	return 5 * time.Minute
}

// Scheduler runs PollPendingWorker as a River periodic job so exactly one
// replica reconciles per interval.
type Scheduler struct {
	client *river.Client[pgx.Tx]
	log    *slog.Logger
}

// NewScheduler migrates River's tables and builds a client that enqueues a
// poll job every interval.
func NewScheduler(ctx context.Context, pool *pgxpool.Pool, rec Reconciler, interval time.Duration, log *slog.Logger) (*Scheduler, error) {
	if log == nil {
		log = slog.Default()
	}
	driver := riverpgxv5.New(pool)
	migrator, err := rivermigrate.New(driver, nil)
	if err != nil {
		return nil, fmt.Errorf("river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return nil, fmt.Errorf("river migrate: %w", err)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, NewPollPendingWorker(rec, log))

	client, err := river.NewClient(driver, &river.Config{
		Logger: log,
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 1},
		},
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(interval),
				func() (river.JobArgs, *river.InsertOpts) { return PollPendingArgs{}, nil },
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		},
		Workers: workers,
	})
	if err != nil {
		return nil, fmt.Errorf("river client: %w", err)
	}
	return &Scheduler{client: client, log: log}, nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.client.Start(ctx); err != nil {
		return fmt.Errorf("start river: %w", err)
	}
	s.log.Info("river reconciliation scheduler started")
	<-ctx.Done()
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	return s.client.Stop(ctx)
}
