package remotetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/storefront-sync/entity"
	syncErrors "github.com/c0deZ3R0/storefront-sync/errors"
	"github.com/c0deZ3R0/storefront-sync/remote"
)

func TestBackendAvailability(t *testing.T) {
	b := New()
	rb := b.Remote()
	require.NoError(t, rb.Validate())
	ctx := context.Background()

	require.NoError(t, rb.Pinger.Ping(ctx))
	require.NoError(t, rb.Products.Create(ctx, entity.Product{ID: "p1"}))

	b.SetOnline(false)
	err := rb.Products.Create(ctx, entity.Product{ID: "p2"})
	assert.True(t, syncErrors.Is(syncErrors.KindRemoteUnavailable, err))
	assert.ErrorIs(t, err, ErrOffline)
	assert.Error(t, rb.Pinger.Ping(ctx))
	assert.Equal(t, 1, b.Products().Len())
}

func TestBackendRejectsKey(t *testing.T) {
	b := New()
	ctx := context.Background()

	b.Reject("u1_p1")
	err := b.Cart().Create(ctx, entity.CartItem{ID: "u1_p1", UserID: "u1"})
	assert.True(t, syncErrors.Is(syncErrors.KindRemoteRejected, err))

	b.Accept("u1_p1")
	require.NoError(t, b.Cart().Create(ctx, entity.CartItem{ID: "u1_p1", UserID: "u1"}))
}

func TestBackendLatencyHonoursContext(t *testing.T) {
	b := New()
	b.SetLatency(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := b.Products().Create(ctx, entity.Product{ID: "p1"})
	assert.True(t, syncErrors.Is(syncErrors.KindRemoteUnavailable, err))
	assert.Zero(t, b.Products().Len())
}

func TestBackendJournalAndHook(t *testing.T) {
	b := New()
	ctx := context.Background()
	boom := errors.New("boom")
	b.SetHook(func(c Call) error {
		if c.Op == "delete" {
			return boom
		}
		return nil
	})

	b.Users().Seed(entity.User{ID: "u1", Email: "a@b.c"})
	_, err := b.Users().Get(ctx, "u1")
	require.NoError(t, err)
	_, err = b.Users().Get(ctx, "missing")
	assert.ErrorIs(t, err, remote.ErrNotFound)
	assert.ErrorIs(t, b.Users().Delete(ctx, "u1"), boom)

	list, err := b.Users().List(ctx, remote.Filter{Index: "a@b.c"})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	assert.Len(t, b.CallsFor("get"), 2)
	assert.Equal(t, []Call{
		{Collection: "users", Op: "get", Key: "u1"},
		{Collection: "users", Op: "get", Key: "missing"},
		{Collection: "users", Op: "delete", Key: "u1"},
		{Collection: "users", Op: "list", Key: "a@b.c"},
	}, b.Calls())

	b.ResetCalls()
	assert.Empty(t, b.Calls())
}
