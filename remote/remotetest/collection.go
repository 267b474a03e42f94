package remotetest

import (
	"context"

	"github.com/c0deZ3R0/storefront-sync/entity"
	"github.com/c0deZ3R0/storefront-sync/remote"
)

// Collection is one in-memory remote collection.
type Collection[T entity.Entity] struct {
	b     *Backend
	name  string
	items map[string]T
	order []string
}

var _ remote.Store[entity.User] = (*Collection[entity.User])(nil)

func newCollection[T entity.Entity](b *Backend, name string) *Collection[T] {
	return &Collection[T]{b: b, name: name, items: map[string]T{}}
}

func (c *Collection[T]) put(v T) {
	if _, ok := c.items[v.Key()]; !ok {
		c.order = append(c.order, v.Key())
	}
	c.items[v.Key()] = v
}

func (c *Collection[T]) Create(ctx context.Context, v T) error {
	if err := c.b.enter(ctx, Call{Collection: c.name, Op: "create", Key: v.Key()}, true); err != nil {
		return err
	}
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.put(v)
	return nil
}

func (c *Collection[T]) Update(ctx context.Context, v T) error {
	if err := c.b.enter(ctx, Call{Collection: c.name, Op: "update", Key: v.Key()}, true); err != nil {
		return err
	}
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.put(v)
	return nil
}

func (c *Collection[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T
	if err := c.b.enter(ctx, Call{Collection: c.name, Op: "get", Key: key}, false); err != nil {
		return zero, err
	}
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	v, ok := c.items[key]
	if !ok {
		return zero, remote.ErrNotFound
	}
	return v, nil
}

func (c *Collection[T]) List(ctx context.Context, filter remote.Filter) ([]T, error) {
	if err := c.b.enter(ctx, Call{Collection: c.name, Op: "list", Key: filter.Index}, false); err != nil {
		return nil, err
	}
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	out := []T{}
	for _, key := range c.order {
		v := c.items[key]
		if filter.Index != "" && v.Index() != filter.Index {
			continue
		}
		out = append(out, v)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (c *Collection[T]) Delete(ctx context.Context, key string) error {
	if err := c.b.enter(ctx, Call{Collection: c.name, Op: "delete", Key: key}, true); err != nil {
		return err
	}
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if _, ok := c.items[key]; !ok {
		return nil
	}
	delete(c.items, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return nil
}

// Seed stores v without journaling or availability checks.
func (c *Collection[T]) Seed(v T) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.put(v)
}

// Lookup returns the stored value without journaling.
func (c *Collection[T]) Lookup(key string) (T, bool) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	v, ok := c.items[key]
	return v, ok
}

// Len returns the number of stored items.
func (c *Collection[T]) Len() int {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	return len(c.items)
}
