package cacher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrFetchAbandoned is returned to a waiter when the lock holder released the
// lock without populating the cache, usually because its fetch failed.
var ErrFetchAbandoned = errors.New("cacher: fetch abandoned by lock holder")

const (
	lockTTL     = 30 * time.Second
	waitTimeout = 30 * time.Second
	minBackoff  = 10 * time.Millisecond
	maxBackoff  = 500 * time.Millisecond
)

var releaseLock = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

var extendLock = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

// lockNamespace separates fill locks from cached entries under the prefix.
const lockNamespace = "lock:"

// RedisCacher shares replies between processes through Redis. Every key is
// stored under a prefix so InvalidateAll only touches this cacher's entries.
// Concurrent misses across processes are serialized with a SETNX lock kept
// under prefix+"lock:", which Len and InvalidateAll never see.
type RedisCacher struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCacher creates a Redis-backed cacher.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	replies := NewRedisCacher(client, "devlink:")
func NewRedisCacher(client redis.UniversalClient, prefix string) *RedisCacher {
	return &RedisCacher{client: client, prefix: prefix}
}

// GetOrFetch implements Cacher. On a miss the caller that wins the lock
// fetches and stores the payload; the others poll with exponential backoff
// until it appears or the lock disappears.
func (c *RedisCacher) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc) ([]byte, error) {
	fullKey := c.prefix + key

	payload, found, err := c.get(ctx, fullKey)
	if err != nil || found {
		return payload, err
	}

	lockKey := c.lockKey(key)
	lockValue := uuid.NewString()

	acquired, err := c.client.SetNX(ctx, lockKey, lockValue, lockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	if !acquired {
		return c.waitForFill(ctx, fullKey, lockKey)
	}

	defer releaseLock.Run(context.Background(), c.client, []string{lockKey}, lockValue)

	extendCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.keepLock(extendCtx, lockKey, lockValue)

	payload, err = fetchFn(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch function failed: %w", err)
	}

	if err := c.client.Set(context.Background(), fullKey, payload, ttl).Err(); err != nil {
		return nil, fmt.Errorf("failed to cache result: %w", err)
	}

	return payload, nil
}

// Invalidate implements Cacher.
func (c *RedisCacher) Invalidate(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

// InvalidateAll implements Cacher. It scans for the prefix rather than
// flushing the database.
func (c *RedisCacher) InvalidateAll(ctx context.Context) (int, error) {
	keys, err := c.keys(ctx)
	if err != nil {
		return 0, err
	}

	if len(keys) == 0 {
		return 0, nil
	}

	deleted, err := c.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to delete keys: %w", err)
	}

	return int(deleted), nil
}

// Len implements Cacher.
func (c *RedisCacher) Len(ctx context.Context) (int, error) {
	keys, err := c.keys(ctx)
	if err != nil {
		return 0, err
	}

	return len(keys), nil
}

func (c *RedisCacher) keys(ctx context.Context) ([]string, error) {
	var keys []string

	iter := c.client.Scan(ctx, 0, c.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if c.isLockKey(iter.Val()) {
			continue
		}
		keys = append(keys, iter.Val())
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}

	return keys, nil
}

func (c *RedisCacher) lockKey(key string) string {
	return c.prefix + lockNamespace + key
}

func (c *RedisCacher) isLockKey(fullKey string) bool {
	return strings.HasPrefix(fullKey, c.prefix+lockNamespace)
}

func (c *RedisCacher) get(ctx context.Context, fullKey string) ([]byte, bool, error) {
	payload, err := c.client.Get(ctx, fullKey).Bytes()
	if err == nil {
		return payload, true, nil
	}

	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}

	return nil, false, fmt.Errorf("redis get error: %w", err)
}

// keepLock extends the lock at a third of its TTL until ctx is cancelled.
func (c *RedisCacher) keepLock(ctx context.Context, lockKey, lockValue string) {
	ticker := time.NewTicker(lockTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			extendLock.Run(ctx, c.client, []string{lockKey}, lockValue, lockTTL.Milliseconds())
		}
	}
}

func (c *RedisCacher) waitForFill(ctx context.Context, fullKey, lockKey string) ([]byte, error) {
	backoff := minBackoff
	deadline := time.Now().Add(waitTimeout)

	for time.Now().Before(deadline) {
		payload, found, err := c.get(ctx, fullKey)
		if err != nil || found {
			return payload, err
		}

		exists, err := c.client.Exists(ctx, lockKey).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to check lock existence: %w", err)
		}

		if exists == 0 {
			payload, found, err := c.get(ctx, fullKey)
			if err != nil || found {
				return payload, err
			}
			return nil, ErrFetchAbandoned
		}

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}

		backoff = min(backoff*2, maxBackoff)
	}

	return nil, errors.New("timeout waiting for cache")
}
