// Package service implements the storefront operations on top of the
// offline-first write and read paths: every write lands locally together with
// its pending mutation before the remote store is tried, and every read
// prefers the remote store but falls back to the local cache.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/c0deZ3R0/storefront-sync/connectivity"
	"github.com/c0deZ3R0/storefront-sync/entity"
	"github.com/c0deZ3R0/storefront-sync/internal/keylock"
	"github.com/c0deZ3R0/storefront-sync/logging"
	"github.com/c0deZ3R0/storefront-sync/remote"
	"github.com/c0deZ3R0/storefront-sync/storage"
)

// Drainer replays queued mutations. *sync.Manager satisfies it.
type Drainer interface {
	Drain(ctx context.Context) error
}

// DefaultRemoteTimeout bounds each direct remote call on the write and read
// paths.
const DefaultRemoteTimeout = 10 * time.Second

// Orchestrator holds the collaborators shared by the services.
type Orchestrator struct {
	store         storage.LocalStore
	remote        remote.Backend
	probe         connectivity.Checker
	drainer       Drainer
	locks         *keylock.Mutex
	logger        *slog.Logger
	remoteTimeout time.Duration
	now           func() time.Time
	newID         func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithDrainer sets the drainer run before cart reads.
func WithDrainer(d Drainer) Option {
	return func(o *Orchestrator) { o.drainer = d }
}

// WithLocks shares the per-target locks with the sync manager replaying the
// same store.
func WithLocks(l *keylock.Mutex) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.locks = l
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRemoteTimeout bounds direct remote calls. Zero disables the bound.
func WithRemoteTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.remoteTimeout = d }
}

// WithClock overrides time.Now for entity timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator overrides the uuid generator for new entity ids.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// NewOrchestrator wires the write and read paths.
func NewOrchestrator(store storage.LocalStore, backend remote.Backend, probe connectivity.Checker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:         store,
		remote:        backend,
		probe:         probe,
		locks:         keylock.New(),
		logger:        logging.WithComponent(logging.ComponentOrchestrator).Logger,
		remoteTimeout: DefaultRemoteTimeout,
		now:           time.Now,
		newID:         uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetDrainer sets the drainer after construction, for wiring where the
// drainer itself depends on services built from this orchestrator.
func (o *Orchestrator) SetDrainer(d Drainer) { o.drainer = d }

func (o *Orchestrator) timestamp() time.Time { return o.now().UTC() }

// remoteCall performs one call against the remote store.
type remoteCall func(ctx context.Context) error

// writePlan is what a service decides to do once it holds the key lock.
type writePlan struct {
	write storage.Write
	call  remoteCall
}

// write runs prepare under the lock of key, applies the resulting local
// write together with its pending mutation, then tries the remote store.
// Only a local failure is returned; remote failures leave the mutation
// queued for the sync manager.
func (o *Orchestrator) write(ctx context.Context, key string, prepare func(ctx context.Context) (writePlan, error)) (storage.Applied, error) {
	unlock := o.locks.Lock(key)
	defer unlock()

	plan, err := prepare(ctx)
	if err != nil {
		return storage.Applied{}, err
	}

	applied, err := o.store.Apply(ctx, plan.write)
	if err != nil {
		logging.From(o.logger).LogError(ctx, err, "Local write failed", slog.String("target_id", key))
		return storage.Applied{}, err
	}
	m := applied.Mutation
	if m == nil || plan.call == nil {
		return applied, nil
	}

	log := o.logger.With(
		slog.String("mutation_id", m.ID),
		slog.String("kind", string(m.Kind)),
		slog.String("target_id", m.TargetID),
	)

	if !o.probe.IsOnline(ctx) {
		log.DebugContext(ctx, "Offline, mutation queued")
		return applied, nil
	}

	older, err := o.store.HasPendingBefore(ctx, m.TargetID, m.Seq)
	if err != nil {
		log.WarnContext(ctx, "Could not check queue order, mutation left queued", slog.Any("error", err))
		return applied, nil
	}
	if older {
		log.DebugContext(ctx, "Older mutations pending for target, mutation left queued")
		return applied, nil
	}

	callCtx, cancel := o.withTimeout(ctx)
	defer cancel()
	if res := remote.Outcome(plan.call(callCtx)); !res.OK {
		log.WarnContext(ctx, "Remote write failed, mutation left queued",
			slog.String("outcome", string(res.Kind)),
			slog.Any("error", res.Err),
		)
		return applied, nil
	}

	if _, err := o.store.RemovePendingMutation(ctx, m.ID); err != nil {
		log.WarnContext(ctx, "Remote write applied but mutation not removed, it will be replayed",
			slog.Any("error", err))
	}
	return applied, nil
}

func (o *Orchestrator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.remoteTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.remoteTimeout)
}

// pendingTargets returns the keys of kind that have queued mutations.
func (o *Orchestrator) pendingTargets(ctx context.Context, kind entity.Kind) (map[string]bool, error) {
	pending, err := o.store.DequeuePendingMutations(ctx)
	if err != nil {
		return nil, err
	}
	targets := make(map[string]bool)
	for _, m := range pending {
		if m.Kind.EntityKind() == kind {
			targets[m.TargetID] = true
		}
	}
	return targets, nil
}

func (o *Orchestrator) refresh(ctx context.Context, kind entity.Kind, items []entity.Entity) {
	if _, err := o.store.RefreshEntities(ctx, kind, items); err != nil {
		o.logger.WarnContext(ctx, "Cache refresh failed", slog.String("kind", string(kind)), slog.Any("error", err))
	}
}

// readOne prefers the remote copy of key. Keys with queued local changes are
// answered from the local cache so a caller always reads its own writes.
func readOne[T entity.Entity](ctx context.Context, o *Orchestrator, kind entity.Kind, key string, fetch func(context.Context, string) (T, error)) (T, error) {
	if o.probe.IsOnline(ctx) {
		callCtx, cancel := o.withTimeout(ctx)
		v, err := fetch(callCtx, key)
		cancel()
		if err == nil {
			o.refresh(ctx, kind, []entity.Entity{v})
			pending, perr := o.pendingTargets(ctx, kind)
			if perr == nil && !pending[key] {
				return v, nil
			}
		} else {
			o.logger.DebugContext(ctx, "Remote read failed, using local cache",
				slog.String("kind", string(kind)), slog.String("key", key), slog.Any("error", err))
		}
	}
	return storage.Get[T](ctx, o.store, kind, key)
}

// readMany prefers the remote listing, overlaying entities with queued local
// changes from the cache.
func readMany[T entity.Entity](ctx context.Context, o *Orchestrator, kind entity.Kind, filter storage.Filter, fetch func(context.Context, remote.Filter) ([]T, error)) ([]T, error) {
	if !o.probe.IsOnline(ctx) {
		return storage.List[T](ctx, o.store, kind, filter)
	}

	callCtx, cancel := o.withTimeout(ctx)
	items, err := fetch(callCtx, remote.Filter{Index: filter.Index, Limit: filter.Limit})
	cancel()
	if err != nil {
		o.logger.DebugContext(ctx, "Remote list failed, using local cache",
			slog.String("kind", string(kind)), slog.Any("error", err))
		return storage.List[T](ctx, o.store, kind, filter)
	}

	batch := make([]entity.Entity, len(items))
	for i, v := range items {
		batch[i] = v
	}
	o.refresh(ctx, kind, batch)

	pending, err := o.pendingTargets(ctx, kind)
	if err != nil || len(pending) == 0 {
		return items, nil
	}
	local, err := storage.List[T](ctx, o.store, kind, storage.Filter{Index: filter.Index})
	if err != nil {
		return items, nil
	}
	return overlay(items, local, pending, filter.Limit), nil
}

// overlay replaces remote entities that have pending local changes with their
// local snapshot, drops those removed locally, and appends pending local
// entities the remote store has not seen yet.
func overlay[T entity.Entity](remoteItems, localItems []T, pending map[string]bool, limit int) []T {
	localByKey := make(map[string]T, len(localItems))
	for _, v := range localItems {
		localByKey[v.Key()] = v
	}
	seen := make(map[string]bool, len(remoteItems))
	out := make([]T, 0, len(remoteItems))
	for _, v := range remoteItems {
		key := v.Key()
		seen[key] = true
		if !pending[key] {
			out = append(out, v)
			continue
		}
		if l, ok := localByKey[key]; ok {
			out = append(out, l)
		}
	}
	for _, v := range localItems {
		if pending[v.Key()] && !seen[v.Key()] {
			out = append(out, v)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
