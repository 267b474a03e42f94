package sync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/storefront-sync/logging"
)

type syncerFunc func(ctx context.Context) (*Result, error)

func (f syncerFunc) Sync(ctx context.Context) (*Result, error) { return f(ctx) }

type countingSyncer struct {
	calls atomic.Int32
	fail  atomic.Bool
	panic atomic.Bool
}

func (c *countingSyncer) Sync(context.Context) (*Result, error) {
	c.calls.Add(1)
	if c.panic.Load() {
		panic("drain exploded")
	}
	if c.fail.Load() {
		return nil, errors.New("queue unreadable")
	}
	return &Result{Online: true}, nil
}

func newTestWorker(s Syncer, opts ...WorkerOption) *Worker {
	return NewWorker(s, append([]WorkerOption{WithWorkerLogger(logging.Discard())}, opts...)...)
}

func TestWorkerRunsImmediatelyAndOnTick(t *testing.T) {
	s := &countingSyncer{}
	w := newTestWorker(s, WithInterval(20*time.Millisecond))

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	assert.Eventually(t, func() bool { return s.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.True(t, w.Running())
}

func TestWorkerTrigger(t *testing.T) {
	s := &countingSyncer{}
	w := newTestWorker(s, WithInterval(time.Hour))

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	assert.Eventually(t, func() bool { return s.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	w.Trigger()
	assert.Eventually(t, func() bool { return s.calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestWorkerKeepsRunningAfterErrorsAndPanics(t *testing.T) {
	s := &countingSyncer{}
	s.fail.Store(true)
	w := newTestWorker(s, WithInterval(10*time.Millisecond))

	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()
	assert.Eventually(t, func() bool { return s.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)

	s.fail.Store(false)
	s.panic.Store(true)
	n := s.calls.Load()
	assert.Eventually(t, func() bool { return s.calls.Load() >= n+2 }, time.Second, 5*time.Millisecond)
	assert.True(t, w.Running())
}

func TestWorkerLifecycleErrors(t *testing.T) {
	w := newTestWorker(&countingSyncer{}, WithInterval(time.Hour))

	assert.ErrorIs(t, w.Stop(), ErrWorkerNotRunning)

	require.NoError(t, w.Start(context.Background()))
	assert.ErrorIs(t, w.Start(context.Background()), ErrWorkerRunning)

	require.NoError(t, w.Stop())
	assert.False(t, w.Running())
	assert.ErrorIs(t, w.Stop(), ErrWorkerNotRunning)

	// A stopped worker can be started again.
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Stop())
}

func TestWorkerStartWithCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := newTestWorker(&countingSyncer{})
	assert.ErrorIs(t, w.Start(ctx), context.Canceled)
	assert.False(t, w.Running())
}

func TestWorkerStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := newTestWorker(&countingSyncer{}, WithInterval(time.Hour))
	require.NoError(t, w.Start(ctx))

	cancel()
	assert.Eventually(t, func() bool { return !w.Running() }, time.Second, 5*time.Millisecond)
}

func TestRunOnceAppliesTimeout(t *testing.T) {
	w := newTestWorker(syncerFunc(func(ctx context.Context) (*Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), WithIterationTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := w.RunOnce(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRunOnceRecoversPanic(t *testing.T) {
	s := &countingSyncer{}
	s.panic.Store(true)
	w := newTestWorker(s)

	res, err := w.RunOnce(context.Background())
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Contains(t, err.Error(), "drain exploded")
}
