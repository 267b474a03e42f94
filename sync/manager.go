package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdSync "sync"
	"time"

	"github.com/c0deZ3R0/storefront-sync/connectivity"
	"github.com/c0deZ3R0/storefront-sync/entity"
	syncErrors "github.com/c0deZ3R0/storefront-sync/errors"
	"github.com/c0deZ3R0/storefront-sync/internal/keylock"
	"github.com/c0deZ3R0/storefront-sync/logging"
	"github.com/c0deZ3R0/storefront-sync/remote"
	"github.com/c0deZ3R0/storefront-sync/storage"
)

// DefaultCallTimeout bounds each replayed remote call.
const DefaultCallTimeout = 30 * time.Second

// ErrManagerClosed is returned by Sync after Close.
var ErrManagerClosed = errors.New("sync manager is closed")

// Manager drains the pending mutation queue against the remote store.
type Manager struct {
	store       storage.LocalStore
	remote      remote.Backend
	probe       connectivity.Checker
	logger      *slog.Logger
	metrics     MetricsCollector
	maxAttempts int
	callTimeout time.Duration
	locks       *keylock.Mutex
	now         func() time.Time

	// drainMu serializes passes.
	drainMu stdSync.Mutex

	mu          stdSync.RWMutex
	subscribers []func(*Result)
	last        *Result
	closed      bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(c MetricsCollector) Option {
	return func(m *Manager) {
		if c != nil {
			m.metrics = c
		}
	}
}

// WithMaxAttempts dead-letters a mutation once it has been rejected, or
// failed to decode, n times. Zero keeps every mutation queued forever.
// Unavailable failures never count towards dead-lettering.
func WithMaxAttempts(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.maxAttempts = n
		}
	}
}

// WithCallTimeout bounds each replayed remote call. Zero disables the bound.
func WithCallTimeout(d time.Duration) Option {
	return func(m *Manager) { m.callTimeout = d }
}

// WithLocks shares the per-target locks with the orchestrator writing to the
// same store, so a replay never overlaps a direct write of its target.
func WithLocks(l *keylock.Mutex) Option {
	return func(m *Manager) {
		if l != nil {
			m.locks = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager replaying store's queue against backend.
func NewManager(store storage.LocalStore, backend remote.Backend, probe connectivity.Checker, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpConfig, fmt.Errorf("local store is required"))
	}
	if probe == nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpConfig, fmt.Errorf("connectivity checker is required"))
	}
	if err := backend.Validate(); err != nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpConfig, err)
	}
	m := &Manager{
		store:       store,
		remote:      backend,
		probe:       probe,
		logger:      logging.WithComponent(logging.ComponentSync).Logger,
		metrics:     &NoOpMetricsCollector{},
		callTimeout: DefaultCallTimeout,
		locks:       keylock.New(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Sync runs one drain pass. Offline, it returns a Result with Online false
// without touching the queue. Only a failure to read the queue is returned
// as an error; per-mutation failures are reported in the Result.
func (m *Manager) Sync(ctx context.Context) (*Result, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, syncErrors.New(syncErrors.OpSync, ErrManagerClosed)
	}

	m.drainMu.Lock()
	defer m.drainMu.Unlock()

	result := &Result{StartTime: m.now()}
	defer func() {
		result.Duration = m.now().Sub(result.StartTime)
		m.metrics.RecordDrainDuration(result.Duration)
		m.metrics.RecordMutations(result.Applied, result.Failed)
		if result.DeadLettered > 0 {
			m.metrics.RecordDeadLettered(result.DeadLettered)
		}
		m.mu.Lock()
		m.last = result
		m.mu.Unlock()
		m.notifySubscribers(result)
	}()

	if !m.probe.IsOnline(ctx) {
		m.logger.DebugContext(ctx, "Offline, drain skipped")
		return result, nil
	}
	result.Online = true

	queue, err := m.store.DequeuePendingMutations(ctx)
	if err != nil {
		m.metrics.RecordSyncErrors("drain", "local_storage")
		err = syncErrors.NewWithComponent(syncErrors.OpDrain, "store", err)
		logging.From(m.logger).LogError(ctx, err, "Could not read pending queue")
		return result, err
	}
	if len(queue) == 0 {
		return result, nil
	}

	m.logger.InfoContext(ctx, "Drain started", slog.Int("pending", len(queue)))

	// blocked holds targets whose earlier mutation failed in this pass, so
	// later mutations for them are not applied out of order.
	blocked := make(map[string]bool)
	for i, mut := range queue {
		if err := ctx.Err(); err != nil {
			result.Skipped += len(queue) - i
			result.Errors = append(result.Errors, syncErrors.NewWithComponent(syncErrors.OpDrain, "manager", err))
			m.metrics.RecordSyncErrors("drain", reasonFor(err))
			break
		}
		if mut.TargetID != "" && blocked[mut.TargetID] {
			result.Skipped++
			continue
		}

		status, err := m.settle(ctx, mut)
		switch status {
		case replayGone:
			continue
		case replaySkipped:
			result.Skipped++
			result.Errors = append(result.Errors, err)
		case replayApplied:
			result.Attempted++
			result.Applied++
			continue
		case replayDeadLettered:
			result.Attempted++
			result.Failed++
			result.DeadLettered++
			result.Errors = append(result.Errors, err)
			continue
		case replayFailed:
			result.Attempted++
			result.Failed++
			result.Errors = append(result.Errors, err)
		}
		if mut.TargetID != "" {
			blocked[mut.TargetID] = true
		}
	}

	m.logger.InfoContext(ctx, "Drain completed",
		slog.Int("attempted", result.Attempted),
		slog.Int("applied", result.Applied),
		slog.Int("failed", result.Failed),
		slog.Int("dead_lettered", result.DeadLettered),
		slog.Int("skipped", result.Skipped),
	)
	return result, nil
}

// Drain runs a pass and reports only whether the queue could be read.
func (m *Manager) Drain(ctx context.Context) error {
	_, err := m.Sync(ctx)
	return err
}

// replayStatus is what happened to one queued mutation during a pass.
type replayStatus int

const (
	// replayGone: the mutation left the queue after the pass read it.
	replayGone replayStatus = iota
	// replaySkipped: the queue could not be checked, nothing was sent.
	replaySkipped
	replayApplied
	replayFailed
	replayDeadLettered
)

// settle replays mut while holding its target lock, the same lock the
// orchestrator holds around a direct write. A mutation already settled by a
// direct write since the pass read the queue is not sent again.
func (m *Manager) settle(ctx context.Context, mut entity.PendingMutation) (replayStatus, error) {
	if mut.TargetID != "" {
		unlock := m.locks.Lock(mut.TargetID)
		defer unlock()
	}

	queued, err := m.store.HasPendingMutation(ctx, mut.ID)
	if err != nil {
		m.metrics.RecordSyncErrors("replay", "local_storage")
		return replaySkipped, syncErrors.NewWithComponent(syncErrors.OpDrain, "store", err)
	}
	if !queued {
		m.logger.DebugContext(ctx, "Mutation settled elsewhere, replay skipped",
			slog.String("mutation_id", mut.ID), slog.String("target_id", mut.TargetID))
		return replayGone, nil
	}

	res := m.replay(ctx, mut)
	if res.OK {
		if _, err := m.store.RemovePendingMutation(ctx, mut.ID); err != nil {
			m.logger.WarnContext(ctx, "Mutation applied but not removed, it will be replayed",
				slog.String("mutation_id", mut.ID), slog.Any("error", err))
		}
		return replayApplied, nil
	}
	if m.fail(ctx, mut, res) {
		return replayDeadLettered, res.Err
	}
	return replayFailed, res.Err
}

func (m *Manager) replay(ctx context.Context, mut entity.PendingMutation) remote.Result {
	callCtx, cancel := m.withTimeout(ctx)
	defer cancel()
	return remote.Outcome(m.dispatch(callCtx, mut))
}

// dispatch sends mut to the remote collection its kind targets.
func (m *Manager) dispatch(ctx context.Context, mut entity.PendingMutation) error {
	switch mut.Kind {
	case entity.MutationCreateUser:
		u, err := entity.DecodePayload[entity.User](mut)
		if err != nil {
			return err
		}
		return m.remote.Users.Create(ctx, u)
	case entity.MutationCreateProduct:
		p, err := entity.DecodePayload[entity.Product](mut)
		if err != nil {
			return err
		}
		return m.remote.Products.Create(ctx, p)
	case entity.MutationAddCartItem:
		item, err := entity.DecodePayload[entity.CartItem](mut)
		if err != nil {
			return err
		}
		return m.remote.Cart.Create(ctx, item)
	case entity.MutationUpdateCartItem:
		item, err := entity.DecodePayload[entity.CartItem](mut)
		if err != nil {
			return err
		}
		return m.remote.Cart.Update(ctx, item)
	case entity.MutationRemoveCartItem:
		if mut.TargetID == "" {
			return syncErrors.NewSerializationError(syncErrors.OpDecode, fmt.Errorf("mutation %s has no target", mut.ID))
		}
		return m.remote.Cart.Delete(ctx, mut.TargetID)
	}
	return syncErrors.NewSerializationError(syncErrors.OpDecode, fmt.Errorf("unknown mutation kind %q", mut.Kind))
}

// fail records the failed attempt and reports whether mut was dead-lettered.
func (m *Manager) fail(ctx context.Context, mut entity.PendingMutation, res remote.Result) bool {
	log := m.logger.With(
		slog.String("mutation_id", mut.ID),
		slog.String("kind", string(mut.Kind)),
		slog.String("target_id", mut.TargetID),
		slog.String("outcome", string(res.Kind)),
	)
	m.metrics.RecordSyncErrors("replay", string(res.Kind))

	attempts, err := m.store.RecordFailure(ctx, mut.ID, res.Err.Error())
	if err != nil {
		log.WarnContext(ctx, "Could not record failed attempt", slog.Any("error", err))
		return false
	}
	log.WarnContext(ctx, "Mutation replay failed", slog.Int("attempts", attempts), slog.Any("error", res.Err))

	if m.maxAttempts == 0 || res.Retryable() || attempts < m.maxAttempts {
		return false
	}
	if err := m.store.DeadLetter(ctx, mut.ID, res.Err.Error()); err != nil {
		logging.From(log).LogError(ctx, err, "Could not dead-letter mutation")
		return false
	}
	logging.From(log).LogError(ctx, res.Err, "Mutation dead-lettered", slog.Int("attempts", attempts))
	return true
}

func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.callTimeout)
}

// Status reports connectivity, the queue length, the dead-letter count and
// the last pass.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	pending, err := m.store.PendingCount(ctx)
	if err != nil {
		return Status{}, err
	}
	dead, err := m.store.ListDeadLetters(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Online:      m.probe.IsOnline(ctx),
		Pending:     pending,
		DeadLetters: len(dead),
	}
	m.mu.RLock()
	if m.last != nil {
		last := *m.last
		st.LastSync = &last
	}
	m.mu.RUnlock()
	return st, nil
}

// Subscribe registers fn to receive every Result. Handlers run on their own
// goroutine.
func (m *Manager) Subscribe(fn func(*Result)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return syncErrors.New(syncErrors.OpSync, ErrManagerClosed)
	}
	m.subscribers = append(m.subscribers, fn)
	return nil
}

// Close rejects further passes. The local store belongs to the caller.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.subscribers = nil
	return nil
}

func (m *Manager) notifySubscribers(result *Result) {
	m.mu.RLock()
	subscribers := make([]func(*Result), len(m.subscribers))
	copy(subscribers, m.subscribers)
	m.mu.RUnlock()

	for _, handler := range subscribers {
		go func(h func(*Result)) {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("Sync subscriber panicked", slog.Any("panic", r))
				}
			}()
			h(result)
		}(handler)
	}
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "context_canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "drain_failure"
}
