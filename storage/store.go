// Package storage defines the durable local cache used by the storefront:
// entity snapshots plus the queue of mutations not yet applied remotely.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/c0deZ3R0/storefront-sync/entity"
	syncErrors "github.com/c0deZ3R0/storefront-sync/errors"
)

var (
	// ErrNotFound is returned when an entity key has no local row.
	ErrNotFound = errors.New("entity not found")
	// ErrStoreClosed is returned by every call made after Close.
	ErrStoreClosed = errors.New("store is closed")
)

// Filter narrows ListEntities. The zero value lists the whole collection.
type Filter struct {
	// Index matches entity.Entity.Index exactly when non-empty.
	Index string
	// Limit caps the number of rows when positive.
	Limit int
}

// Write is a single local change applied together with the pending mutation
// describing it.
type Write struct {
	// Upsert is the new snapshot. Nil means delete.
	Upsert entity.Entity
	// DeleteKind and DeleteKey identify the row to delete when Upsert is nil.
	DeleteKind entity.Kind
	DeleteKey  string
	// Mutation is enqueued in the same transaction. Nil skips the enqueue.
	Mutation *entity.PendingMutation
}

// Applied reports the result of Apply.
type Applied struct {
	// Existed is true when a row with the same key was present before.
	Existed bool
	// Mutation is the enqueued mutation with its ID, Seq and CreatedAt set.
	Mutation *entity.PendingMutation
}

// DeadLetter is a mutation removed from the queue after exhausting its
// attempts.
type DeadLetter struct {
	Mutation entity.PendingMutation
	Reason   string
	DeadAt   time.Time
}

// LocalStore is the durable on-device state. Implementations are safe for
// concurrent use; every call is synchronous and failures are reported as
// errors of kind errors.KindLocalStorage.
type LocalStore interface {
	// UpsertEntity overwrites the snapshot stored under e's key.
	UpsertEntity(ctx context.Context, e entity.Entity) error
	// GetEntity returns the raw snapshot or ErrNotFound.
	GetEntity(ctx context.Context, kind entity.Kind, key string) (json.RawMessage, error)
	// ListEntities returns snapshots in insertion order.
	ListEntities(ctx context.Context, kind entity.Kind, filter Filter) ([]json.RawMessage, error)
	// DeleteEntity reports whether a row existed and was removed.
	DeleteEntity(ctx context.Context, kind entity.Kind, key string) (bool, error)

	// EnqueuePendingMutation appends m, assigning ID, Seq and CreatedAt.
	EnqueuePendingMutation(ctx context.Context, m *entity.PendingMutation) error
	// DequeuePendingMutations lists the queue oldest first without removing
	// anything. Malformed rows are logged and skipped.
	DequeuePendingMutations(ctx context.Context) ([]entity.PendingMutation, error)
	// RemovePendingMutation reports whether the mutation existed.
	RemovePendingMutation(ctx context.Context, id string) (bool, error)
	// HasPendingMutation reports whether the mutation is still queued.
	HasPendingMutation(ctx context.Context, id string) (bool, error)

	// Apply performs w's entity write and enqueues w.Mutation atomically.
	Apply(ctx context.Context, w Write) (Applied, error)
	// RefreshEntities upserts snapshots read from the remote store, skipping
	// keys that still have pending mutations. Returns the number written.
	RefreshEntities(ctx context.Context, kind entity.Kind, entities []entity.Entity) (int, error)
	// HasPendingBefore reports whether a mutation older than seq targets targetID.
	HasPendingBefore(ctx context.Context, targetID string, seq int64) (bool, error)
	// PendingCount returns the queue length.
	PendingCount(ctx context.Context) (int, error)

	// RecordFailure increments the attempt counter of a mutation.
	RecordFailure(ctx context.Context, id string, reason string) (int, error)
	// DeadLetter moves a mutation out of the queue.
	DeadLetter(ctx context.Context, id string, reason string) error
	// ListDeadLetters returns dead-lettered mutations, oldest first.
	ListDeadLetters(ctx context.Context) ([]DeadLetter, error)

	Close() error
}

// Get decodes the snapshot stored under key.
func Get[T entity.Entity](ctx context.Context, s LocalStore, kind entity.Kind, key string) (T, error) {
	var v T
	raw, err := s.GetEntity(ctx, kind, key)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, syncErrors.NewSerializationError(syncErrors.OpLoad, err)
	}
	return v, nil
}

// List decodes the snapshots matching filter. Rows that fail to decode are
// returned as a serialization error.
func List[T entity.Entity](ctx context.Context, s LocalStore, kind entity.Kind, filter Filter) ([]T, error) {
	rows, err := s.ListEntities(ctx, kind, filter)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(rows))
	for _, raw := range rows {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, syncErrors.NewSerializationError(syncErrors.OpLoad, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// IsNotFound reports whether err is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
