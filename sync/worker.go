package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdSync "sync"
	"time"

	syncErrors "github.com/c0deZ3R0/storefront-sync/errors"
	"github.com/c0deZ3R0/storefront-sync/logging"
)

const (
	// DefaultInterval is the time between scheduled passes.
	DefaultInterval = 300 * time.Second
	// DefaultIterationTimeout bounds one scheduled pass.
	DefaultIterationTimeout = 2 * time.Minute
)

var (
	// ErrWorkerRunning is returned by Start on a running worker.
	ErrWorkerRunning = errors.New("sync worker is already running")
	// ErrWorkerNotRunning is returned by Stop on a stopped worker.
	ErrWorkerNotRunning = errors.New("sync worker is not running")
)

// Worker runs drain passes in the background: one immediately on Start, then
// on every tick and whenever Trigger is called.
type Worker struct {
	syncer   Syncer
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	trigger chan struct{}

	mu      stdSync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithInterval sets the time between scheduled passes.
func WithInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithIterationTimeout bounds each pass. Zero disables the bound.
func WithIterationTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) { w.timeout = d }
}

// WithWorkerLogger sets the logger.
func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWorker returns a stopped Worker driving s.
func NewWorker(s Syncer, opts ...WorkerOption) *Worker {
	w := &Worker{
		syncer:   s,
		interval: DefaultInterval,
		timeout:  DefaultIterationTimeout,
		logger:   logging.WithComponent(logging.ComponentWorker).Logger,
		trigger:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the loop. It runs until Stop is called or ctx is done.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if w.running {
		return syncErrors.New(syncErrors.OpSync, ErrWorkerRunning)
	}

	stop, done := make(chan struct{}), make(chan struct{})
	w.stop, w.done = stop, done
	w.running = true
	go w.loop(ctx, stop, done)

	w.logger.InfoContext(ctx, "Sync worker started", slog.Duration("interval", w.interval))
	return nil
}

// Stop ends the loop and waits for the pass in progress to finish.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return syncErrors.New(syncErrors.OpSync, ErrWorkerNotRunning)
	}
	w.running = false
	close(w.stop)
	done := w.done
	w.mu.Unlock()

	<-done
	w.logger.Info("Sync worker stopped")
	return nil
}

// Running reports whether the loop is active.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Trigger requests a pass as soon as the loop is free. Requests made while
// one is already pending are merged.
func (w *Worker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// RunOnce runs a single pass under the iteration timeout. A panic in the
// pass is returned as an error.
func (w *Worker) RunOnce(ctx context.Context) (result *Result, err error) {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = syncErrors.E(syncErrors.OpSync, syncErrors.KindInternal, fmt.Errorf("sync pass panicked: %v", r))
		}
	}()
	return w.syncer.Sync(ctx)
}

func (w *Worker) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	defer func() {
		w.mu.Lock()
		if w.done == done {
			w.running = false
		}
		w.mu.Unlock()
	}()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.iterate(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			w.iterate(ctx)
		case <-w.trigger:
			w.iterate(ctx)
		}
	}
}

func (w *Worker) iterate(ctx context.Context) {
	_ = logging.From(w.logger).LogOperation(ctx, logging.OperationDrainPass, logging.ComponentWorker, func() error {
		result, err := w.RunOnce(ctx)
		if err != nil {
			return err
		}
		if result != nil && result.Online {
			w.logger.DebugContext(ctx, "Sync pass finished",
				slog.Int("applied", result.Applied), slog.Int("failed", result.Failed))
		}
		return nil
	})
}
