// Package remote defines the authoritative store the local cache reconciles
// against, and the typed outcome of every call made to it.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/c0deZ3R0/storefront-sync/entity"
)

// ErrNotFound is returned by Get when the key does not exist remotely.
var ErrNotFound = errors.New("remote entity not found")

// Filter narrows List. Index is matched against entity.Entity.Index.
type Filter struct {
	Index string
	Limit int
}

// Store is one remote collection. Create and Update are upserts so that a
// replayed mutation converges on the same state; Delete of a missing key is
// not an error.
type Store[T entity.Entity] interface {
	Create(ctx context.Context, v T) error
	Get(ctx context.Context, key string) (T, error)
	List(ctx context.Context, filter Filter) ([]T, error)
	Update(ctx context.Context, v T) error
	Delete(ctx context.Context, key string) error
}

// Pinger is a cheap reachability check against the remote service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping calls f(ctx).
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Backend groups the remote collections used by the storefront.
type Backend struct {
	Users    Store[entity.User]
	Products Store[entity.Product]
	Cart     Store[entity.CartItem]
	Pinger   Pinger
}

// Validate reports a missing collection.
func (b Backend) Validate() error {
	switch {
	case b.Users == nil:
		return fmt.Errorf("remote backend: users store is required")
	case b.Products == nil:
		return fmt.Errorf("remote backend: products store is required")
	case b.Cart == nil:
		return fmt.Errorf("remote backend: cart store is required")
	case b.Pinger == nil:
		return fmt.Errorf("remote backend: pinger is required")
	}
	return nil
}
