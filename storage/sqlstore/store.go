// Package sqlstore implements storage.LocalStore on database/sql. The sqlite
// and postgres packages open a *sql.DB with their driver and hand it here with
// the matching Dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	stdSync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/c0deZ3R0/storefront-sync/entity"
	syncErrors "github.com/c0deZ3R0/storefront-sync/errors"
	"github.com/c0deZ3R0/storefront-sync/logging"
	"github.com/c0deZ3R0/storefront-sync/storage"
)

// Operation constants for consistent error reporting
const (
	opUpsert      = "sqlstore.UpsertEntity"
	opGet         = "sqlstore.GetEntity"
	opList        = "sqlstore.ListEntities"
	opDelete      = "sqlstore.DeleteEntity"
	opEnqueue     = "sqlstore.EnqueuePendingMutation"
	opDequeue     = "sqlstore.DequeuePendingMutations"
	opRemove      = "sqlstore.RemovePendingMutation"
	opApply       = "sqlstore.Apply"
	opRefresh     = "sqlstore.RefreshEntities"
	opPending     = "sqlstore.HasPendingBefore"
	opQueued      = "sqlstore.HasPendingMutation"
	opCount       = "sqlstore.PendingCount"
	opFailure     = "sqlstore.RecordFailure"
	opDeadLetter  = "sqlstore.DeadLetter"
	opListDead    = "sqlstore.ListDeadLetters"
	opSetupSchema = "sqlstore.setupSchema"
)

// Store implements storage.LocalStore.
type Store struct {
	db        *sql.DB
	dialect   Dialect
	logger    *slog.Logger
	component string
	now       func() time.Time

	// mu serializes writers; readers share it.
	mu     stdSync.RWMutex
	closed bool
}

// Compile-time check to ensure Store satisfies the LocalStore interface
var _ storage.LocalStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for skipped rows and lifecycle messages.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the clock used for created_at and updated_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New wraps db and creates the schema if needed. The Store owns db and closes
// it on Close.
func New(ctx context.Context, db *sql.DB, dialect Dialect, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	s := &Store{
		db:        db,
		dialect:   dialect,
		logger:    logging.WithComponent(logging.ComponentStore).Logger,
		component: "storage/" + dialect.Name,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.setupSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) setupSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return s.wrap(err, opSetupSchema)
		}
	}
	return nil
}

// DB exposes the underlying handle for diagnostics.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) wrap(err error, op string) error {
	return syncErrors.Wrap(err, syncErrors.Operation(op), s.component, syncErrors.KindLocalStorage)
}

func (s *Store) q(query string) string { return s.dialect.rebind(query) }

// begin checks for cancellation and the closed flag, then takes the lock.
// The returned func releases it.
func (s *Store) begin(ctx context.Context, write bool) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if write {
		s.mu.Lock()
	} else {
		s.mu.RLock()
	}
	unlock := s.mu.RUnlock
	if write {
		unlock = s.mu.Unlock
	}
	if s.closed {
		unlock()
		return nil, storage.ErrStoreClosed
	}
	return unlock, nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.wrap(err, op)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return s.wrap(err, op)
	}
	return nil
}

func (s *Store) upsert(ctx context.Context, ex execer, e entity.Entity) error {
	if e == nil || e.Key() == "" {
		return syncErrors.NewValidationError(syncErrors.OpStore, fmt.Errorf("entity key is required"))
	}
	data, err := json.Marshal(e)
	if err != nil {
		return syncErrors.NewSerializationError(syncErrors.OpStore, err)
	}
	_, err = ex.ExecContext(ctx, s.q(`
		INSERT INTO entities (kind, entity_key, idx, data, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (kind, entity_key) DO UPDATE SET
			idx = excluded.idx, data = excluded.data, updated_at = excluded.updated_at`),
		string(e.Kind()), e.Key(), e.Index(), string(data), s.now().UnixNano())
	return err
}

func (s *Store) exists(ctx context.Context, ex execer, kind entity.Kind, key string) (bool, error) {
	var n int
	err := ex.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM entities WHERE kind = ? AND entity_key = ?`),
		string(kind), key).Scan(&n)
	return n > 0, err
}

func (s *Store) delete(ctx context.Context, ex execer, kind entity.Kind, key string) (bool, error) {
	res, err := ex.ExecContext(ctx, s.q(`DELETE FROM entities WHERE kind = ? AND entity_key = ?`), string(kind), key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpsertEntity overwrites the snapshot stored under e's key.
func (s *Store) UpsertEntity(ctx context.Context, e entity.Entity) error {
	unlock, err := s.begin(ctx, true)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.upsert(ctx, s.db, e); err != nil {
		if syncErrors.KindOf(err) != "" {
			return err
		}
		return s.wrap(err, opUpsert)
	}
	return nil
}

// GetEntity returns the raw snapshot stored under key.
func (s *Store) GetEntity(ctx context.Context, kind entity.Kind, key string) (json.RawMessage, error) {
	unlock, err := s.begin(ctx, false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var data string
	err = s.db.QueryRowContext(ctx, s.q(`SELECT data FROM entities WHERE kind = ? AND entity_key = ?`),
		string(kind), key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, s.wrap(err, opGet)
	}
	return json.RawMessage(data), nil
}

// ListEntities returns snapshots of kind in insertion order.
func (s *Store) ListEntities(ctx context.Context, kind entity.Kind, filter storage.Filter) ([]json.RawMessage, error) {
	unlock, err := s.begin(ctx, false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	query := `SELECT data FROM entities WHERE kind = ?`
	args := []any{string(kind)}
	if filter.Index != "" {
		query += ` AND idx = ?`
		args = append(args, filter.Index)
	}
	query += ` ORDER BY seq ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, s.wrap(err, opList)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, s.wrap(err, opList)
		}
		out = append(out, json.RawMessage(data))
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(err, opList)
	}
	return out, nil
}

// DeleteEntity reports whether a row existed and was removed.
func (s *Store) DeleteEntity(ctx context.Context, kind entity.Kind, key string) (bool, error) {
	unlock, err := s.begin(ctx, true)
	if err != nil {
		return false, err
	}
	defer unlock()

	removed, err := s.delete(ctx, s.db, kind, key)
	if err != nil {
		return false, s.wrap(err, opDelete)
	}
	return removed, nil
}

func (s *Store) enqueue(ctx context.Context, ex execer, m *entity.PendingMutation) error {
	if !m.Kind.Valid() {
		return syncErrors.NewValidationError(syncErrors.OpEnqueue, fmt.Errorf("unknown mutation kind %q", m.Kind))
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}

	var payload sql.NullString
	if len(m.Payload) > 0 {
		payload = sql.NullString{String: string(m.Payload), Valid: true}
	}

	err := ex.QueryRowContext(ctx, s.q(`
		INSERT INTO pending_mutations (id, kind, payload, target_id, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
		RETURNING seq`),
		m.ID, string(m.Kind), payload, m.TargetID, m.CreatedAt.UnixNano()).Scan(&m.Seq)
	if errors.Is(err, sql.ErrNoRows) {
		// Already queued under this id; keep the original position.
		err = ex.QueryRowContext(ctx, s.q(`SELECT seq FROM pending_mutations WHERE id = ?`), m.ID).Scan(&m.Seq)
	}
	return err
}

// EnqueuePendingMutation appends m to the queue. Enqueuing an id that is
// already queued is a no-op that reports the existing Seq.
func (s *Store) EnqueuePendingMutation(ctx context.Context, m *entity.PendingMutation) error {
	if m == nil {
		return syncErrors.NewValidationError(syncErrors.OpEnqueue, fmt.Errorf("mutation cannot be nil"))
	}
	unlock, err := s.begin(ctx, true)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.enqueue(ctx, s.db, m); err != nil {
		if syncErrors.KindOf(err) != "" {
			return err
		}
		return s.wrap(err, opEnqueue)
	}
	return nil
}

// DequeuePendingMutations lists the queue in creation order. Rows that can
// never be replayed are moved to the dead-letter table as they are found.
func (s *Store) DequeuePendingMutations(ctx context.Context) ([]entity.PendingMutation, error) {
	out, malformed, err := s.readQueue(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range malformed {
		log := s.logger.With(
			slog.String("mutation_id", m.mutation.ID),
			slog.Int64("seq", m.mutation.Seq),
			slog.String("kind", string(m.mutation.Kind)),
		)
		if err := s.DeadLetter(ctx, m.mutation.ID, m.err.Error()); err != nil {
			log.WarnContext(ctx, "skipping malformed pending mutation, dead-letter failed", slog.Any("error", err))
			continue
		}
		log.WarnContext(ctx, "dead-lettered malformed pending mutation", slog.Any("error", m.err))
	}
	return out, nil
}

type malformedMutation struct {
	mutation entity.PendingMutation
	err      error
}

func (s *Store) readQueue(ctx context.Context) ([]entity.PendingMutation, []malformedMutation, error) {
	unlock, err := s.begin(ctx, false)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, kind, payload, target_id, created_at FROM pending_mutations ORDER BY seq ASC`)
	if err != nil {
		return nil, nil, s.wrap(err, opDequeue)
	}
	defer rows.Close()

	var (
		out       []entity.PendingMutation
		malformed []malformedMutation
	)
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, nil, s.wrap(err, opDequeue)
		}
		if err := m.Validate(); err != nil {
			malformed = append(malformed, malformedMutation{mutation: m, err: err})
			continue
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, s.wrap(err, opDequeue)
	}
	return out, malformed, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMutation(r scanner) (entity.PendingMutation, error) {
	var (
		m       entity.PendingMutation
		kind    string
		payload sql.NullString
		created int64
	)
	if err := r.Scan(&m.Seq, &m.ID, &kind, &payload, &m.TargetID, &created); err != nil {
		return m, err
	}
	m.Kind = entity.MutationKind(kind)
	if payload.Valid {
		m.Payload = json.RawMessage(payload.String)
	}
	m.CreatedAt = time.Unix(0, created).UTC()
	return m, nil
}

func (s *Store) removeMutation(ctx context.Context, ex execer, id string) (bool, error) {
	res, err := ex.ExecContext(ctx, s.q(`DELETE FROM pending_mutations WHERE id = ?`), id)
	if err != nil {
		return false, err
	}
	if _, err := ex.ExecContext(ctx, s.q(`DELETE FROM mutation_attempts WHERE mutation_id = ?`), id); err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RemovePendingMutation deletes a mutation and its attempt counter.
func (s *Store) RemovePendingMutation(ctx context.Context, id string) (bool, error) {
	unlock, err := s.begin(ctx, true)
	if err != nil {
		return false, err
	}
	defer unlock()

	var removed bool
	err = s.inTx(ctx, opRemove, func(tx *sql.Tx) error {
		var err error
		removed, err = s.removeMutation(ctx, tx, id)
		if err != nil {
			return s.wrap(err, opRemove)
		}
		return nil
	})
	return removed, err
}

// Apply performs the entity write of w and enqueues w.Mutation in one
// transaction, so a crash cannot keep the local change while losing the
// record that it still has to reach the remote store.
func (s *Store) Apply(ctx context.Context, w storage.Write) (storage.Applied, error) {
	var applied storage.Applied

	kind, key := w.DeleteKind, w.DeleteKey
	if w.Upsert != nil {
		kind, key = w.Upsert.Kind(), w.Upsert.Key()
	}
	if key == "" {
		return applied, syncErrors.NewValidationError(syncErrors.OpStore, fmt.Errorf("entity key is required"))
	}

	unlock, err := s.begin(ctx, true)
	if err != nil {
		return applied, err
	}
	defer unlock()

	err = s.inTx(ctx, opApply, func(tx *sql.Tx) error {
		var err error
		if w.Upsert != nil {
			if applied.Existed, err = s.exists(ctx, tx, kind, key); err != nil {
				return s.wrap(err, opApply)
			}
			if err := s.upsert(ctx, tx, w.Upsert); err != nil {
				if syncErrors.KindOf(err) != "" {
					return err
				}
				return s.wrap(err, opApply)
			}
		} else {
			if applied.Existed, err = s.delete(ctx, tx, kind, key); err != nil {
				return s.wrap(err, opApply)
			}
		}

		if w.Mutation != nil {
			if err := s.enqueue(ctx, tx, w.Mutation); err != nil {
				if syncErrors.KindOf(err) != "" {
					return err
				}
				return s.wrap(err, opApply)
			}
			applied.Mutation = w.Mutation
		}
		return nil
	})
	if err != nil {
		return storage.Applied{}, err
	}
	return applied, nil
}

func (s *Store) hasPending(ctx context.Context, ex execer, targetID string) (bool, error) {
	var n int
	err := ex.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM pending_mutations WHERE target_id = ?`), targetID).Scan(&n)
	return n > 0, err
}

// RefreshEntities upserts remote snapshots, leaving rows with pending
// mutations untouched so unsynced local writes are not overwritten.
func (s *Store) RefreshEntities(ctx context.Context, kind entity.Kind, entities []entity.Entity) (int, error) {
	if len(entities) == 0 {
		return 0, nil
	}
	unlock, err := s.begin(ctx, true)
	if err != nil {
		return 0, err
	}
	defer unlock()

	written := 0
	err = s.inTx(ctx, opRefresh, func(tx *sql.Tx) error {
		for _, e := range entities {
			if e == nil || e.Kind() != kind || e.Key() == "" {
				continue
			}
			pending, err := s.hasPending(ctx, tx, e.Key())
			if err != nil {
				return s.wrap(err, opRefresh)
			}
			if pending {
				continue
			}
			if err := s.upsert(ctx, tx, e); err != nil {
				if syncErrors.KindOf(err) != "" {
					return err
				}
				return s.wrap(err, opRefresh)
			}
			written++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// HasPendingBefore reports whether an older mutation targets targetID.
func (s *Store) HasPendingBefore(ctx context.Context, targetID string, seq int64) (bool, error) {
	unlock, err := s.begin(ctx, false)
	if err != nil {
		return false, err
	}
	defer unlock()

	var n int
	err = s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM pending_mutations WHERE target_id = ? AND seq < ?`),
		targetID, seq).Scan(&n)
	if err != nil {
		return false, s.wrap(err, opPending)
	}
	return n > 0, nil
}

// HasPendingMutation reports whether id is still in the queue.
func (s *Store) HasPendingMutation(ctx context.Context, id string) (bool, error) {
	unlock, err := s.begin(ctx, false)
	if err != nil {
		return false, err
	}
	defer unlock()

	var n int
	err = s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM pending_mutations WHERE id = ?`), id).Scan(&n)
	if err != nil {
		return false, s.wrap(err, opQueued)
	}
	return n > 0, nil
}

// PendingCount returns the number of queued mutations.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	unlock, err := s.begin(ctx, false)
	if err != nil {
		return 0, err
	}
	defer unlock()

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_mutations`).Scan(&n); err != nil {
		return 0, s.wrap(err, opCount)
	}
	return n, nil
}

// RecordFailure increments and returns the attempt counter of id.
func (s *Store) RecordFailure(ctx context.Context, id string, reason string) (int, error) {
	unlock, err := s.begin(ctx, true)
	if err != nil {
		return 0, err
	}
	defer unlock()

	var attempts int
	err = s.inTx(ctx, opFailure, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO mutation_attempts (mutation_id, attempts, last_error, updated_at) VALUES (?, 1, ?, ?)
			ON CONFLICT (mutation_id) DO UPDATE SET
				attempts = mutation_attempts.attempts + 1,
				last_error = excluded.last_error,
				updated_at = excluded.updated_at`),
			id, reason, s.now().UnixNano())
		if err != nil {
			return s.wrap(err, opFailure)
		}
		if err := tx.QueryRowContext(ctx, s.q(`SELECT attempts FROM mutation_attempts WHERE mutation_id = ?`), id).
			Scan(&attempts); err != nil {
			return s.wrap(err, opFailure)
		}
		return nil
	})
	return attempts, err
}

// DeadLetter moves id from the queue to dead_mutations.
func (s *Store) DeadLetter(ctx context.Context, id string, reason string) error {
	unlock, err := s.begin(ctx, true)
	if err != nil {
		return err
	}
	defer unlock()

	return s.inTx(ctx, opDeadLetter, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, s.q(
			`SELECT seq, id, kind, payload, target_id, created_at FROM pending_mutations WHERE id = ?`), id)
		m, err := scanMutation(row)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return s.wrap(err, opDeadLetter)
		}

		var payload sql.NullString
		if len(m.Payload) > 0 {
			payload = sql.NullString{String: string(m.Payload), Valid: true}
		}
		_, err = tx.ExecContext(ctx, s.q(`
			INSERT INTO dead_mutations (id, seq, kind, payload, target_id, created_at, reason, dead_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`),
			m.ID, m.Seq, string(m.Kind), payload, m.TargetID, m.CreatedAt.UnixNano(), reason, s.now().UnixNano())
		if err != nil {
			return s.wrap(err, opDeadLetter)
		}
		if _, err := s.removeMutation(ctx, tx, id); err != nil {
			return s.wrap(err, opDeadLetter)
		}
		return nil
	})
}

// ListDeadLetters returns dead-lettered mutations in original queue order.
func (s *Store) ListDeadLetters(ctx context.Context) ([]storage.DeadLetter, error) {
	unlock, err := s.begin(ctx, false)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, kind, payload, target_id, created_at, reason, dead_at FROM dead_mutations ORDER BY seq ASC`)
	if err != nil {
		return nil, s.wrap(err, opListDead)
	}
	defer rows.Close()

	var out []storage.DeadLetter
	for rows.Next() {
		var (
			d       storage.DeadLetter
			kind    string
			payload sql.NullString
			reason  sql.NullString
			created int64
			deadAt  int64
		)
		if err := rows.Scan(&d.Mutation.Seq, &d.Mutation.ID, &kind, &payload, &d.Mutation.TargetID,
			&created, &reason, &deadAt); err != nil {
			return nil, s.wrap(err, opListDead)
		}
		d.Mutation.Kind = entity.MutationKind(kind)
		if payload.Valid {
			d.Mutation.Payload = json.RawMessage(payload.String)
		}
		d.Mutation.CreatedAt = time.Unix(0, created).UTC()
		d.Reason = reason.String
		d.DeadAt = time.Unix(0, deadAt).UTC()
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(err, opListDead)
	}
	return out, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	s.logger.Info("closing local store", slog.String("dialect", s.dialect.Name))
	return s.db.Close()
}
