// Package cacher caches encoded reply payloads for commands whose answer
// rarely changes, such as the firmware version, so repeated requests are
// answered without recomputing them. Concurrent misses for the same key run
// the fetch only once.
package cacher

import (
	"context"
	"time"

	"github.com/cyberinferno/devlink/envelope"
)

// FetchFunc produces the reply payload on a cache miss.
type FetchFunc func(ctx context.Context) ([]byte, error)

// Cacher stores reply payloads by key.
type Cacher interface {
	// GetOrFetch returns the cached payload for key, or calls fetchFn, stores
	// its result for ttl and returns it. Failed fetches are not cached.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - key: The cache key, normally built with Key
	//   - ttl: Time-to-live for a fetched payload
	//   - fetchFn: Produces the payload on a miss
	//
	// Returns:
	//   - The payload, or the fetch or backend error
	GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc) ([]byte, error)

	// Invalidate drops one key.
	Invalidate(ctx context.Context, key string) error

	// InvalidateAll drops every reply this cacher owns.
	//
	// Returns:
	//   - The number of entries removed
	InvalidateAll(ctx context.Context) (int, error)

	// Len returns the number of cached replies.
	Len(ctx context.Context) (int, error)
}

// Key builds the cache key for the reply to code. variant distinguishes
// replies that depend on request content; pass "" when there is none.
func Key(code envelope.Code, variant string) string {
	if variant == "" {
		return "reply:" + code.String()
	}

	return "reply:" + code.String() + ":" + variant
}
