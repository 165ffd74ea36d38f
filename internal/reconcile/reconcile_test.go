package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inaiurai/creditcore/internal/jobs"
)

type countingReconciler struct {
	calls atomic.Int32
	err   error
}

func (c *countingReconciler) PollPending(context.Context) (jobs.PollReport, error) {
	c.calls.Add(1)
	return jobs.PollReport{Checked: 2, Advanced: 1}, c.err
}

func TestPoller_RunsUntilStopped(t *testing.T) {
	rec := &countingReconciler{}
	p := NewPoller(rec, 5*time.Millisecond, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- p.Start(context.Background()) }()

	require.Eventually(t, func() bool { return rec.calls.Load() >= 3 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
	assert.NoError(t, <-errCh)

	stopped := rec.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, rec.calls.Load())
}

func TestPoller_StopsWithContext(t *testing.T) {
	rec := &countingReconciler{err: errors.New("db down")}
	p := NewPoller(rec, time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- p.Start(ctx) }()
	require.Eventually(t, func() bool { return rec.calls.Load() > 0 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestPoller_StopBeforeStart(t *testing.T) {
	p := NewPoller(&countingReconciler{}, time.Second, nil)
	assert.NoError(t, p.Stop(context.Background()))
}

func TestPollPendingWorker(t *testing.T) {
	rec := &countingReconciler{}
	w := NewPollPendingWorker(rec, nil)
	require.NoError(t, w.Work(context.Background(), &river.Job[PollPendingArgs]{JobRow: &rivertype.JobRow{ID: 1}}))
	assert.Equal(t, int32(1), rec.calls.Load())

	rec.err = errors.New("boom")
	assert.Error(t, w.Work(context.Background(), &river.Job[PollPendingArgs]{JobRow: &rivertype.JobRow{ID: 1}}))
	assert.Equal(t, "poll_pending_jobs", PollPendingArgs{}.Kind())
}
