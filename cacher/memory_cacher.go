package cacher

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// MemoryCacher keeps replies in process memory using go-cache, with
// singleflight collapsing concurrent misses for the same key.
type MemoryCacher struct {
	cache *cache.Cache
	group singleflight.Group
}

// NewMemoryCacher creates an in-memory cacher.
//
// Parameters:
//   - defaultExpiration: TTL used when GetOrFetch is called with ttl 0
//   - cleanupInterval: Interval at which expired entries are purged
//
// Returns:
//   - A new *MemoryCacher
func NewMemoryCacher(defaultExpiration, cleanupInterval time.Duration) *MemoryCacher {
	return &MemoryCacher{
		cache: cache.New(defaultExpiration, cleanupInterval),
	}
}

// GetOrFetch implements Cacher. A ttl of 0 (cache.DefaultExpiration) uses
// the cacher's default expiration.
func (c *MemoryCacher) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc) ([]byte, error) {
	if payload, ok := c.lookup(key); ok {
		return payload, nil
	}

	val, err, _ := c.group.Do(key, func() (any, error) {
		// a concurrent caller may have filled the entry
		if payload, ok := c.lookup(key); ok {
			return payload, nil
		}

		payload, err := fetchFn(ctx)
		if err != nil {
			return nil, err
		}

		c.cache.Set(key, payload, ttl)
		return payload, nil
	})
	if err != nil {
		return nil, err
	}

	payload, ok := val.([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected type in cache for key %s", key)
	}

	return payload, nil
}

// Invalidate implements Cacher.
func (c *MemoryCacher) Invalidate(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.cache.Delete(key)
	return nil
}

// InvalidateAll implements Cacher.
func (c *MemoryCacher) InvalidateAll(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	n := c.cache.ItemCount()
	c.cache.Flush()
	return n, nil
}

// Len implements Cacher.
func (c *MemoryCacher) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	return c.cache.ItemCount(), nil
}

func (c *MemoryCacher) lookup(key string) ([]byte, bool) {
	val, found := c.cache.Get(key)
	if !found {
		return nil, false
	}

	payload, ok := val.([]byte)
	return payload, ok
}
