// Package remotetest provides an in-memory remote.Backend for tests. It can be
// switched offline, made slow, or told to reject individual keys, and it keeps
// a journal of every call it received.
package remotetest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/c0deZ3R0/storefront-sync/entity"
	syncErrors "github.com/c0deZ3R0/storefront-sync/errors"
	"github.com/c0deZ3R0/storefront-sync/remote"
)

var (
	// ErrOffline is wrapped as unavailable while the backend is offline.
	ErrOffline = errors.New("remotetest: backend offline")
	// ErrRejected is wrapped as rejected for keys passed to Reject.
	ErrRejected = errors.New("remotetest: key rejected")
)

// Call is one journaled request.
type Call struct {
	Collection string
	Op         string
	Key        string
}

// Backend is a thread-safe fake of the remote store.
type Backend struct {
	mu      sync.Mutex
	online  bool
	latency time.Duration
	rejects map[string]bool
	calls   []Call
	hook    func(Call) error

	users    *Collection[entity.User]
	products *Collection[entity.Product]
	cart     *Collection[entity.CartItem]
}

// New returns an online, empty backend.
func New() *Backend {
	b := &Backend{online: true, rejects: map[string]bool{}}
	b.users = newCollection[entity.User](b, "users")
	b.products = newCollection[entity.Product](b, "products")
	b.cart = newCollection[entity.CartItem](b, "cart")
	return b
}

// Remote returns the backend as a remote.Backend.
func (b *Backend) Remote() remote.Backend {
	return remote.Backend{Users: b.users, Products: b.products, Cart: b.cart, Pinger: b}
}

func (b *Backend) Users() *Collection[entity.User]       { return b.users }
func (b *Backend) Products() *Collection[entity.Product] { return b.products }
func (b *Backend) Cart() *Collection[entity.CartItem]    { return b.cart }

// SetOnline switches availability. Offline calls fail as unavailable.
func (b *Backend) SetOnline(online bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.online = online
}

// SetLatency delays every call, including Ping, by d or until the caller's
// context is done.
func (b *Backend) SetLatency(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latency = d
}

// Reject makes writes to key fail as rejected until Accept is called.
func (b *Backend) Reject(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejects[key] = true
}

// Accept undoes Reject.
func (b *Backend) Accept(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rejects, key)
}

// SetHook installs fn, called before every request is served. A non-nil
// return fails the request with that error.
func (b *Backend) SetHook(fn func(Call) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hook = fn
}

// Calls returns a copy of the journal.
func (b *Backend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

// CallsFor returns the journaled calls of op, in order.
func (b *Backend) CallsFor(op string) []Call {
	var out []Call
	for _, c := range b.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls clears the journal.
func (b *Backend) ResetCalls() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = nil
}

// Ping fails while offline.
func (b *Backend) Ping(ctx context.Context) error {
	return b.enter(ctx, Call{Op: "ping"}, false)
}

// enter journals c and applies availability, latency, hooks and rejections.
func (b *Backend) enter(ctx context.Context, c Call, write bool) error {
	b.mu.Lock()
	b.calls = append(b.calls, c)
	latency, hook := b.latency, b.hook
	b.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return remote.Unavailable(syncErrors.OpRemote, ctx.Err())
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return remote.Unavailable(syncErrors.OpRemote, err)
	}
	if hook != nil {
		if err := hook(c); err != nil {
			return err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.online {
		return remote.Unavailable(syncErrors.OpRemote, ErrOffline)
	}
	if write && b.rejects[c.Key] {
		return remote.Rejected(syncErrors.OpRemote, ErrRejected)
	}
	return nil
}
