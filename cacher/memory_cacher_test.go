package cacher

import (
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyberinferno/devlink/envelope"
	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "reply:GetVersion", Key(envelope.CmdGetVersion, ""))
	assert.Equal(t, "reply:ModelSelect:yolo", Key(envelope.CmdModelSelect, "yolo"))
}

func TestMemoryCacher_GetOrFetch_CacheMiss(t *testing.T) {
	c := NewMemoryCacher(cache.NoExpiration, time.Minute)

	fetchCount := 0
	val, err := c.GetOrFetch(context.Background(), "key", time.Minute, func(context.Context) ([]byte, error) {
		fetchCount++
		return []byte("v1.2.3"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("v1.2.3"), val)
	assert.Equal(t, 1, fetchCount)
}

func TestMemoryCacher_GetOrFetch_CacheHit(t *testing.T) {
	c := NewMemoryCacher(cache.NoExpiration, time.Minute)
	ctx := context.Background()

	_, err := c.GetOrFetch(ctx, "key", time.Minute, func(context.Context) ([]byte, error) {
		return []byte("first"), nil
	})
	require.NoError(t, err)

	val, err := c.GetOrFetch(ctx, "key", time.Minute, func(context.Context) ([]byte, error) {
		t.Fatal("fetch should not run on a hit")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), val)
}

func TestMemoryCacher_GetOrFetch_FetchError(t *testing.T) {
	c := NewMemoryCacher(cache.NoExpiration, time.Minute)
	ctx := context.Background()

	val, err := c.GetOrFetch(ctx, "key", time.Minute, func(context.Context) ([]byte, error) {
		return nil, assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Nil(t, val)

	// failures are not cached
	val, err = c.GetOrFetch(ctx, "key", time.Minute, func(context.Context) ([]byte, error) {
		return []byte("new"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), val)
}

func TestMemoryCacher_GetOrFetch_Expiry(t *testing.T) {
	c := NewMemoryCacher(cache.NoExpiration, time.Minute)
	ctx := context.Background()

	var fetches atomic.Int32
	fetch := func(context.Context) ([]byte, error) {
		fetches.Add(1)
		return []byte("x"), nil
	}

	_, err := c.GetOrFetch(ctx, "key", 20*time.Millisecond, fetch)
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)
	_, err = c.GetOrFetch(ctx, "key", 20*time.Millisecond, fetch)
	require.NoError(t, err)

	assert.Equal(t, int32(2), fetches.Load())
}

func TestMemoryCacher_GetOrFetch_ConcurrentSameKey_Singleflight(t *testing.T) {
	c := NewMemoryCacher(cache.NoExpiration, time.Minute)

	var fetches atomic.Int32
	fetch := func(context.Context) ([]byte, error) {
		fetches.Add(1)
		time.Sleep(20 * time.Millisecond)
		return []byte("shared"), nil
	}

	var wg sync.WaitGroup
	results := make([][]byte, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			val, err := c.GetOrFetch(context.Background(), "key", time.Minute, fetch)
			assert.NoError(t, err)
			results[i] = val
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), fetches.Load())
	for _, r := range results {
		assert.Equal(t, []byte("shared"), r)
	}
}

func TestMemoryCacher_Invalidate(t *testing.T) {
	c := NewMemoryCacher(cache.NoExpiration, time.Minute)
	ctx := context.Background()
	value := func(v string) FetchFunc {
		return func(context.Context) ([]byte, error) { return []byte(v), nil }
	}

	_, _ = c.GetOrFetch(ctx, "a", 0, value("a"))
	_, _ = c.GetOrFetch(ctx, "b", 0, value("b"))

	n, err := c.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, c.Invalidate(ctx, "a"))
	n, _ = c.Len(ctx)
	assert.Equal(t, 1, n)

	removed, err := c.InvalidateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	n, _ = c.Len(ctx)
	assert.Zero(t, n)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, c.Invalidate(cancelled, "b"), context.Canceled)
	_, err = c.Len(cancelled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRedisCacher_GetOrFetch_unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	client := redis.NewClient(&redis.Options{Addr: addr, MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	t.Cleanup(func() { _ = client.Close() })

	c := NewRedisCacher(client, "devlink:")
	called := false
	_, err = c.GetOrFetch(context.Background(), Key(envelope.CmdGetVersion, ""), time.Minute, func(context.Context) ([]byte, error) {
		called = true
		return []byte("v"), nil
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis get error")
	assert.False(t, called)
}

func TestRedisCacher_lockKeys(t *testing.T) {
	c := NewRedisCacher(nil, "devlink:")
	key := Key(envelope.CmdGetVersion, "")

	lock := c.lockKey(key)
	assert.Equal(t, "devlink:lock:reply:GetVersion", lock)

	t.Run("locks share the prefix but not the entry namespace", func(t *testing.T) {
		assert.True(t, strings.HasPrefix(lock, "devlink:"))
		assert.False(t, strings.HasPrefix(lock, "devlink:"+key))
	})

	t.Run("only lock keys are excluded from scans", func(t *testing.T) {
		assert.True(t, c.isLockKey(lock))
		assert.False(t, c.isLockKey("devlink:"+key))
		assert.False(t, c.isLockKey("devlink:"+Key(envelope.CmdModelSelect, "lock")))
	})
}
