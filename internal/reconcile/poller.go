// Package reconcile runs the periodic pass that resolves jobs the webhook
// path never settled.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/inaiurai/creditcore/internal/jobs"
)

// Reconciler is implemented by *jobs.Orchestrator.
type Reconciler interface {
	PollPending(ctx context.Context) (jobs.PollReport, error)
}

// Poller calls PollPending on a fixed interval in this process. Use it
// when only one replica runs; the River scheduler covers the multi-replica
// case.
type Poller struct {
	rec      Reconciler
	interval time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPoller(rec Reconciler, interval time.Duration, log *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Poller{rec: rec, interval: interval, log: log}
}

// Start blocks until ctx is cancelled or Stop is called.
func (p *Poller) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.mu.Lock()
	p.cancel, p.done = cancel, done
	p.mu.Unlock()
	defer close(done)

	p.log.Info("reconciliation poller started", "interval", p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.log.Info("reconciliation poller stopped")
			return nil
		case <-ticker.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single reconciliation pass.
func (p *Poller) RunOnce(ctx context.Context) jobs.PollReport {
	report, err := p.rec.PollPending(ctx)
	if err != nil && ctx.Err() == nil {
		p.log.Error("reconciliation pass failed", "error", err)
	}
	return report
}

func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
