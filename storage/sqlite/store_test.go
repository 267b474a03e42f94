package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	stdSync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/storefront-sync/entity"
	syncErrors "github.com/c0deZ3R0/storefront-sync/errors"
	"github.com/c0deZ3R0/storefront-sync/logging"
	"github.com/c0deZ3R0/storefront-sync/storage"
	"github.com/c0deZ3R0/storefront-sync/storage/sqlstore"
)

func setupTestDB(t *testing.T) *sqlstore.Store {
	t.Helper()
	config := DefaultConfig(filepath.Join(t.TempDir(), "local.db"))
	config.Logger = logging.Discard()
	store, err := New(context.Background(), config)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func cartItem(user, product string, qty int) entity.CartItem {
	return entity.CartItem{
		ID:        entity.CartItemID(user, product),
		UserID:    user,
		ProductID: product,
		Quantity:  qty,
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}
}

func TestDSN(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   string
	}{
		{"wal file", Config{DataSourceName: "local.db", EnableWAL: true, BusyTimeout: time.Second},
			"local.db?_journal_mode=WAL&_busy_timeout=1000"},
		{"existing params", Config{DataSourceName: "file:local.db?cache=shared", BusyTimeout: time.Second},
			"file:local.db?cache=shared&_busy_timeout=1000"},
		{"memory skips wal", Config{DataSourceName: ":memory:", EnableWAL: true, BusyTimeout: time.Second},
			":memory:?_busy_timeout=1000"},
		{"explicit journal mode kept", Config{DataSourceName: "x.db?_journal_mode=DELETE", EnableWAL: true, BusyTimeout: time.Second},
			"x.db?_journal_mode=DELETE&_busy_timeout=1000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.config.dsn())
		})
	}
}

func TestDefaultConfigInMemoryUsesSingleConnection(t *testing.T) {
	config := DefaultConfig(":memory:")
	assert.Equal(t, 1, config.MaxOpenConns)

	config = DefaultConfig("local.db")
	assert.Equal(t, 25, config.MaxOpenConns)
	assert.Equal(t, 5*time.Second, config.BusyTimeout)
}

func TestNewRequiresDataSource(t *testing.T) {
	_, err := New(context.Background(), &Config{Logger: logging.Discard()})
	require.Error(t, err)

	_, err = New(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, syncErrors.Is(syncErrors.KindInvalid, err))
}

func TestNewUnopenableDatabaseIsLocalStorageError(t *testing.T) {
	config := DefaultConfig(filepath.Join(t.TempDir(), "missing", "local.db"))
	config.Logger = logging.Discard()
	_, err := New(context.Background(), config)
	require.Error(t, err)
	assert.True(t, syncErrors.Is(syncErrors.KindLocalStorage, err))
	assert.Contains(t, err.Error(), "sqlite.New")
}

func TestInMemoryStore(t *testing.T) {
	store, err := New(context.Background(), &Config{DataSourceName: ":memory:", Logger: logging.Discard()})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.UpsertEntity(ctx, cartItem("u1", "p1", 1)))
	got, err := storage.Get[entity.CartItem](ctx, store, entity.KindCartItem, "u1_p1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Quantity)
}

func TestUpsertGetDelete(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	item := cartItem("u1", "p1", 2)
	require.NoError(t, store.UpsertEntity(ctx, item))

	item.Quantity = 5
	require.NoError(t, store.UpsertEntity(ctx, item), "upsert is idempotent and overwrites")

	got, err := storage.Get[entity.CartItem](ctx, store, entity.KindCartItem, item.ID)
	require.NoError(t, err)
	assert.Equal(t, item, got)

	removed, err := store.DeleteEntity(ctx, entity.KindCartItem, item.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = store.DeleteEntity(ctx, entity.KindCartItem, item.ID)
	require.NoError(t, err)
	assert.False(t, removed, "deleting an absent row is not an error")

	_, err = store.GetEntity(ctx, entity.KindCartItem, item.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestKindsAreSeparateCollections(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertEntity(ctx, entity.Product{ID: "same", Name: "Latte"}))
	require.NoError(t, store.UpsertEntity(ctx, entity.User{ID: "same", Email: "a@b.c"}))

	p, err := storage.Get[entity.Product](ctx, store, entity.KindProduct, "same")
	require.NoError(t, err)
	assert.Equal(t, "Latte", p.Name)

	u, err := storage.Get[entity.User](ctx, store, entity.KindUser, "same")
	require.NoError(t, err)
	assert.Equal(t, "a@b.c", u.Email)
}

func TestListEntitiesFilterAndOrder(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertEntity(ctx, cartItem("u1", "p3", 1)))
	require.NoError(t, store.UpsertEntity(ctx, cartItem("u2", "p1", 1)))
	require.NoError(t, store.UpsertEntity(ctx, cartItem("u1", "p1", 1)))
	// Overwriting keeps the original position.
	require.NoError(t, store.UpsertEntity(ctx, cartItem("u1", "p3", 9)))

	items, err := storage.List[entity.CartItem](ctx, store, entity.KindCartItem, storage.Filter{Index: "u1"})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "u1_p3", items[0].ID)
	assert.Equal(t, 9, items[0].Quantity)
	assert.Equal(t, "u1_p1", items[1].ID)

	all, err := store.ListEntities(ctx, entity.KindCartItem, storage.Filter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	none, err := store.ListEntities(ctx, entity.KindProduct, storage.Filter{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestQueueOrdering(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		m, err := entity.NewMutation(entity.MutationAddCartItem, cartItem("u1", fmt.Sprintf("p%d", i), 1))
		require.NoError(t, err)
		require.NoError(t, store.EnqueuePendingMutation(ctx, m))
		assert.NotEmpty(t, m.ID)
		assert.NotZero(t, m.Seq)
		assert.False(t, m.CreatedAt.IsZero())
		ids = append(ids, m.ID)
	}

	pending, err := store.DequeuePendingMutations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 5)
	for i, m := range pending {
		assert.Equal(t, ids[i], m.ID)
		if i > 0 {
			assert.Greater(t, m.Seq, pending[i-1].Seq)
		}
	}

	// Dequeue is non-destructive.
	count, err := store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	removed, err := store.RemovePendingMutation(ctx, ids[2])
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = store.RemovePendingMutation(ctx, ids[2])
	require.NoError(t, err)
	assert.False(t, removed)

	pending, err = store.DequeuePendingMutations(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 4)
}

func TestQueueTiesOnCreatedAtKeepEnqueueOrder(t *testing.T) {
	at := time.Unix(1700000000, 0).UTC()
	store := setupTestDB(t)
	ctx := context.Background()
	first := entity.NewRemoval(entity.MutationRemoveCartItem, "b")
	first.CreatedAt = at
	second := entity.NewRemoval(entity.MutationRemoveCartItem, "a")
	second.CreatedAt = at
	require.NoError(t, store.EnqueuePendingMutation(ctx, first))
	require.NoError(t, store.EnqueuePendingMutation(ctx, second))

	pending, err := store.DequeuePendingMutations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "b", pending[0].TargetID)
	assert.Equal(t, "a", pending[1].TargetID)
	assert.True(t, pending[0].CreatedAt.Equal(at))
}

func TestEnqueueSameIDIsNoop(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	m := entity.NewRemoval(entity.MutationRemoveCartItem, "u1_p1")
	m.ID = "fixed"
	require.NoError(t, store.EnqueuePendingMutation(ctx, m))
	seq := m.Seq

	again := entity.NewRemoval(entity.MutationRemoveCartItem, "u1_p1")
	again.ID = "fixed"
	require.NoError(t, store.EnqueuePendingMutation(ctx, again))
	assert.Equal(t, seq, again.Seq)

	count, err := store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestEnqueueRejectsUnknownKind(t *testing.T) {
	store := setupTestDB(t)
	err := store.EnqueuePendingMutation(context.Background(), &entity.PendingMutation{Kind: "bogus"})
	require.Error(t, err)
	assert.True(t, syncErrors.Is(syncErrors.KindInvalid, err))
}

func TestDequeueSkipsMalformedRows(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	good, err := entity.NewMutation(entity.MutationCreateProduct, entity.Product{ID: "p1", Name: "Mocha"})
	require.NoError(t, err)
	require.NoError(t, store.EnqueuePendingMutation(ctx, good))

	_, err = store.DB().ExecContext(ctx,
		`INSERT INTO pending_mutations (id, kind, payload, target_id, created_at) VALUES ('bad1', 'teleport', '{}', 'x', 1)`)
	require.NoError(t, err)
	_, err = store.DB().ExecContext(ctx,
		`INSERT INTO pending_mutations (id, kind, payload, target_id, created_at) VALUES ('bad2', 'create_product', '{not json', 'x', 2)`)
	require.NoError(t, err)

	pending, err := store.DequeuePendingMutations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, good.ID, pending[0].ID)
	assert.JSONEq(t, string(good.Payload), string(pending[0].Payload))

	// Malformed rows leave the queue so they stop counting and stop
	// blocking their target.
	count, err := store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	older, err := store.HasPendingBefore(ctx, "x", 1<<62)
	require.NoError(t, err)
	assert.False(t, older)

	dead, err := store.ListDeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 2)
	assert.Equal(t, "bad1", dead[0].Mutation.ID)
	assert.Contains(t, dead[0].Reason, "unknown mutation kind")
	assert.Equal(t, "bad2", dead[1].Mutation.ID)
	assert.Equal(t, "{not json", string(dead[1].Mutation.Payload))

	pending, err = store.DequeuePendingMutations(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestHasPendingMutation(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	m, err := entity.NewMutation(entity.MutationCreateProduct, entity.Product{ID: "p1", Name: "Mocha"})
	require.NoError(t, err)
	require.NoError(t, store.EnqueuePendingMutation(ctx, m))

	queued, err := store.HasPendingMutation(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, queued)

	_, err = store.RemovePendingMutation(ctx, m.ID)
	require.NoError(t, err)
	queued, err = store.HasPendingMutation(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, queued)
}

func TestApplyIsAtomic(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	item := cartItem("u1", "p1", 1)
	m, err := entity.NewMutation(entity.MutationAddCartItem, item)
	require.NoError(t, err)

	applied, err := store.Apply(ctx, storage.Write{Upsert: item, Mutation: m})
	require.NoError(t, err)
	assert.False(t, applied.Existed)
	require.NotNil(t, applied.Mutation)
	assert.NotZero(t, applied.Mutation.Seq)

	applied, err = store.Apply(ctx, storage.Write{Upsert: item})
	require.NoError(t, err)
	assert.True(t, applied.Existed)
	assert.Nil(t, applied.Mutation)

	// A failing enqueue rolls back the entity write.
	other := cartItem("u1", "p2", 1)
	_, err = store.Apply(ctx, storage.Write{Upsert: other, Mutation: &entity.PendingMutation{Kind: "bogus"}})
	require.Error(t, err)
	_, err = store.GetEntity(ctx, entity.KindCartItem, other.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	removal := entity.NewRemoval(entity.MutationRemoveCartItem, item.ID)
	applied, err = store.Apply(ctx, storage.Write{DeleteKind: entity.KindCartItem, DeleteKey: item.ID, Mutation: removal})
	require.NoError(t, err)
	assert.True(t, applied.Existed)

	count, err := store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestApplyRequiresKey(t *testing.T) {
	store := setupTestDB(t)
	_, err := store.Apply(context.Background(), storage.Write{DeleteKind: entity.KindCartItem})
	require.Error(t, err)
	assert.True(t, syncErrors.Is(syncErrors.KindInvalid, err))
}

func TestRefreshSkipsPendingKeys(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	local := cartItem("u1", "p1", 3)
	m, err := entity.NewMutation(entity.MutationUpdateCartItem, local)
	require.NoError(t, err)
	_, err = store.Apply(ctx, storage.Write{Upsert: local, Mutation: m})
	require.NoError(t, err)

	written, err := store.RefreshEntities(ctx, entity.KindCartItem, []entity.Entity{
		cartItem("u1", "p1", 1), // stale remote copy
		cartItem("u1", "p2", 4),
		entity.Product{ID: "wrong-kind"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	got, err := storage.Get[entity.CartItem](ctx, store, entity.KindCartItem, "u1_p1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Quantity)

	_, err = store.GetEntity(ctx, entity.KindProduct, "wrong-kind")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHasPendingBefore(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	first := entity.NewRemoval(entity.MutationRemoveCartItem, "k")
	second := entity.NewRemoval(entity.MutationRemoveCartItem, "k")
	other := entity.NewRemoval(entity.MutationRemoveCartItem, "other")
	for _, m := range []*entity.PendingMutation{first, other, second} {
		require.NoError(t, store.EnqueuePendingMutation(ctx, m))
	}

	older, err := store.HasPendingBefore(ctx, "k", first.Seq)
	require.NoError(t, err)
	assert.False(t, older)

	older, err = store.HasPendingBefore(ctx, "k", second.Seq)
	require.NoError(t, err)
	assert.True(t, older)

	older, err = store.HasPendingBefore(ctx, "other", other.Seq)
	require.NoError(t, err)
	assert.False(t, older)
}

func TestFailureCountingAndDeadLetter(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	m, err := entity.NewMutation(entity.MutationCreateProduct, entity.Product{ID: "p1"})
	require.NoError(t, err)
	require.NoError(t, store.EnqueuePendingMutation(ctx, m))

	for want := 1; want <= 3; want++ {
		attempts, err := store.RecordFailure(ctx, m.ID, fmt.Sprintf("try %d", want))
		require.NoError(t, err)
		assert.Equal(t, want, attempts)
	}

	require.NoError(t, store.DeadLetter(ctx, m.ID, "rejected"))

	count, err := store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	dead, err := store.ListDeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, m.ID, dead[0].Mutation.ID)
	assert.Equal(t, "rejected", dead[0].Reason)
	assert.JSONEq(t, string(m.Payload), string(dead[0].Mutation.Payload))

	err = store.DeadLetter(ctx, m.ID, "again")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// The attempt counter is cleared with the mutation.
	var n int
	require.NoError(t, store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM mutation_attempts`).Scan(&n))
	assert.Zero(t, n)
}

func TestDecodeFailureIsSerializationError(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	_, err := store.DB().ExecContext(ctx,
		`INSERT INTO entities (kind, entity_key, idx, data, updated_at) VALUES ('product', 'p1', '', '{broken', 1)`)
	require.NoError(t, err)

	_, err = storage.Get[entity.Product](ctx, store, entity.KindProduct, "p1")
	require.Error(t, err)
	assert.True(t, syncErrors.Is(syncErrors.KindSerialization, err))
}

func TestDurableAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "durable.db")
	ctx := context.Background()

	open := func() *sqlstore.Store {
		config := DefaultConfig(path)
		config.Logger = logging.Discard()
		store, err := New(ctx, config)
		require.NoError(t, err)
		return store
	}

	store := open()
	item := cartItem("u1", "p1", 2)
	m, err := entity.NewMutation(entity.MutationAddCartItem, item)
	require.NoError(t, err)
	_, err = store.Apply(ctx, storage.Write{Upsert: item, Mutation: m})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store = open()
	defer store.Close()

	got, err := storage.Get[entity.CartItem](ctx, store, entity.KindCartItem, item.ID)
	require.NoError(t, err)
	assert.Equal(t, item, got)

	pending, err := store.DequeuePendingMutations(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, m.ID, pending[0].ID)

	decoded, err := entity.DecodePayload[entity.CartItem](pending[0])
	require.NoError(t, err)
	assert.Equal(t, item, decoded)
}

func TestClosedStore(t *testing.T) {
	store := setupTestDB(t)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close(), "closing twice is a no-op")

	err := store.UpsertEntity(context.Background(), cartItem("u1", "p1", 1))
	assert.ErrorIs(t, err, storage.ErrStoreClosed)

	_, err = store.DequeuePendingMutations(context.Background())
	assert.ErrorIs(t, err, storage.ErrStoreClosed)
}

func TestContextCancellation(t *testing.T) {
	store := setupTestDB(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.UpsertEntity(ctx, cartItem("u1", "p1", 1))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentApply(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	const writers = 8
	const perWriter = 20

	var wg stdSync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				item := cartItem(fmt.Sprintf("u%d", w), fmt.Sprintf("p%d", i), i)
				m, err := entity.NewMutation(entity.MutationAddCartItem, item)
				if err != nil {
					errs <- err
					continue
				}
				if _, err := store.Apply(ctx, storage.Write{Upsert: item, Mutation: m}); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("apply failed: %v", err)
	}

	count, err := store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, writers*perWriter, count)

	raw, err := store.ListEntities(ctx, entity.KindCartItem, storage.Filter{})
	require.NoError(t, err)
	assert.Len(t, raw, writers*perWriter)
	for _, r := range raw {
		assert.True(t, json.Valid(r))
	}
}
