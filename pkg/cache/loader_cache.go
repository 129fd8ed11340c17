// Package cache provides a generic loader cache combining LRU storage with
// singleflight to coalesce concurrent loads for the same key.
package cache

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// LoaderCache is a generic cache that loads values on miss via a callback and
// coalesces concurrent loads for the same key using singleflight: a burst of N
// misses for one key runs a single load and the other callers share its result.
// Keys are converted to strings internally via keyToString for LRU and singleflight.
//
// Cached values are shared between callers and must be treated as read-only.
type LoaderCache[K comparable, V any] struct {
	lru         *lru.Cache[string, V]
	group       singleflight.Group
	keyToString func(K) string
	loadTimeout time.Duration
}

// DefaultLoadTimeout bounds a shared load once it is detached from its callers.
const DefaultLoadTimeout = time.Minute

// Option configures a LoaderCache.
type Option func(*options)

type options struct {
	loadTimeout time.Duration
}

// WithLoadTimeout sets how long a shared load may run. Non-positive values keep the default.
func WithLoadTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.loadTimeout = d
		}
	}
}

// NewLoaderCache creates a loader cache with the given max entries and key serializer.
func NewLoaderCache[K comparable, V any](maxEntries int, keyToString func(K) string, opts ...Option) (*LoaderCache[K, V], error) {
	lruCache, err := lru.New[string, V](maxEntries)
	if err != nil {
		return nil, err
	}

	o := options{loadTimeout: DefaultLoadTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	return &LoaderCache[K, V]{
		lru:         lruCache,
		keyToString: keyToString,
		loadTimeout: o.loadTimeout,
	}, nil
}

// NewStringCache is NewLoaderCache for string keys (content hashes, normalized query text).
func NewStringCache[V any](maxEntries int, opts ...Option) (*LoaderCache[string, V], error) {
	return NewLoaderCache[string, V](maxEntries, func(s string) string { return s }, opts...)
}

// Get returns the value for key, loading it via load on cache miss.
func (c *LoaderCache[K, V]) Get(ctx context.Context, key K, load func(context.Context, K) (V, error)) (V, error) {
	v, _, err := c.GetWithStats(ctx, key, load)

	return v, err
}

// GetWithStats is like Get but also returns whether the value came from cache (hit) or was loaded (miss).
// Useful for metrics without pushing metrics into the cache package.
//
// The shared load runs detached from the caller that started it, keeping its values but not its
// cancellation, and is bounded by the load timeout. Each caller still returns as soon as its own
// ctx is done, so one canceled request never fails the others waiting on the same key.
func (c *LoaderCache[K, V]) GetWithStats(ctx context.Context, key K, load func(context.Context, K) (V, error)) (V, bool, error) {
	var z V

	keyStr := c.keyToString(key)
	if v, ok := c.lru.Get(keyStr); ok {
		return v, true, nil
	}

	ch := c.group.DoChan(keyStr, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loadTimeout)
		defer cancel()

		loaded, loadErr := load(loadCtx, key)
		if loadErr != nil {
			return nil, loadErr
		}

		c.lru.Add(keyStr, loaded)

		return loaded, nil
	})

	select {
	case <-ctx.Done():
		return z, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return z, false, res.Err
		}

		return res.Val.(V), false, nil
	}
}

// Peek returns the cached value without loading and without touching recency.
func (c *LoaderCache[K, V]) Peek(key K) (V, bool) {
	return c.lru.Peek(c.keyToString(key))
}

// Add stores a value computed elsewhere (e.g. a vector read back from the index).
func (c *LoaderCache[K, V]) Add(key K, value V) {
	c.lru.Add(c.keyToString(key), value)
}

// Invalidate removes the entry for key.
func (c *LoaderCache[K, V]) Invalidate(key K) {
	c.lru.Remove(c.keyToString(key))
}

// InvalidateAll removes all entries.
func (c *LoaderCache[K, V]) InvalidateAll() {
	c.lru.Purge()
}

// Len returns the number of entries in the cache.
func (c *LoaderCache[K, V]) Len() int {
	return c.lru.Len()
}
