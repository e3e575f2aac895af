// Package idgenerator produces envelope identifiers. Identifiers are either
// drawn from a mutex-protected monotonically increasing counter or taken from
// the wall clock in whole seconds, matching the two identifier modes the
// remote peer accepts.
package idgenerator

import (
	"sync"
	"time"
)

// IdGenerator hands out 64-bit identifiers. It is safe for concurrent use; one
// instance is normally shared by every session of a process so counter values
// never repeat within the process lifetime.
type IdGenerator struct {
	mu  sync.Mutex
	id  uint64
	now func() time.Time
}

// NewIdGenerator creates an IdGenerator whose first Id() returns startValue+1.
//
// Parameters:
//   - startValue: The initial counter value; 0 reserves 0 as "no id"
//
// Returns:
//   - A new IdGenerator instance
func NewIdGenerator(startValue uint64) *IdGenerator {
	return &IdGenerator{
		id:  startValue,
		now: time.Now,
	}
}

// Id returns the next counter value. Successive calls return strictly
// increasing values until the counter wraps at 2^64.
//
// Returns:
//   - The next uint64 id
func (g *IdGenerator) Id() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.id++
	return g.id
}

// Last returns the most recently issued counter value without advancing it.
func (g *IdGenerator) Last() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.id
}

// Timestamp returns the current Unix time in seconds. It does not touch the
// counter; two calls within the same second return the same value.
//
// Returns:
//   - Seconds since the Unix epoch
func (g *IdGenerator) Timestamp() uint64 {
	return uint64(g.now().Unix())
}
