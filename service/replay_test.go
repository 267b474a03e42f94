package service

import (
	"context"
	stdSync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/storefront-sync/internal/keylock"
	"github.com/c0deZ3R0/storefront-sync/logging"
	"github.com/c0deZ3R0/storefront-sync/remote/remotetest"
	storesync "github.com/c0deZ3R0/storefront-sync/sync"
)

// gate blocks the first call that reaches it until it is opened.
type gate struct {
	once    stdSync.Once
	entered chan struct{}
	open    chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}), open: make(chan struct{})}
}

func (g *gate) pass() {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.open
	}
}

func wait(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestReplayDoesNotOverwriteNewerDirectWrite(t *testing.T) {
	locks := keylock.New()
	env := newTestEnv(t, false, WithLocks(locks))
	ctx := context.Background()

	// Queued ahead of the target so the manager's pass stalls on it.
	_, err := env.cart.Add(ctx, "u2", NewCartItem{ProductID: "p9", Quantity: 1})
	require.NoError(t, err)
	env.net.online.Store(true)

	manager, err := storesync.NewManager(env.store, env.remote.Remote(), env.net,
		storesync.WithLocks(locks),
		storesync.WithLogger(logging.Discard()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	direct, replay := newGate(), newGate()
	env.remote.SetHook(func(c remotetest.Call) error {
		if c.Op != "create" {
			return nil
		}
		switch c.Key {
		case "u1_p1":
			direct.pass()
		case "u2_p9":
			replay.pass()
		}
		return nil
	})

	added := make(chan error, 1)
	go func() {
		_, err := env.cart.Add(ctx, "u1", NewCartItem{ProductID: "p1", Quantity: 1})
		added <- err
	}()
	// The add is queued and its remote create is in flight.
	wait(t, direct.entered, "direct create")

	synced := make(chan *storesync.Result, 1)
	go func() {
		res, err := manager.Sync(ctx)
		assert.NoError(t, err)
		synced <- res
	}()
	// The pass has read both queued mutations and is replaying the first.
	wait(t, replay.entered, "replay of the first mutation")

	close(direct.open)
	require.NoError(t, <-added)

	qty := 5
	_, err = env.cart.Update(ctx, "u1_p1", CartItemUpdate{Quantity: &qty})
	require.NoError(t, err)

	close(replay.open)
	var res *storesync.Result
	select {
	case res = <-synced:
	case <-time.After(5 * time.Second):
		t.Fatal("sync pass did not finish")
	}
	require.NotNil(t, res)
	assert.Equal(t, 1, res.Applied)
	assert.Zero(t, res.Failed)

	got, ok := env.remote.Cart().Lookup("u1_p1")
	require.True(t, ok)
	assert.Equal(t, 5, got.Quantity)
	assert.Len(t, filterKey(env.remote.CallsFor("create"), "u1_p1"), 1)
	assert.Empty(t, env.pending(t))
	assert.Zero(t, locks.Len())
}

func filterKey(calls []remotetest.Call, key string) []remotetest.Call {
	var out []remotetest.Call
	for _, c := range calls {
		if c.Key == key {
			out = append(out, c)
		}
	}
	return out
}
