package session

import "sync/atomic"

// retryCounter counts consecutive failed receive attempts across both
// workers of a session.
type retryCounter struct {
	n       atomic.Int64
	limit   int64
	onLimit func()
}

// Inc records one failed attempt. When a limit is configured, onLimit fires
// once each time the streak reaches it.
func (r *retryCounter) Inc() {
	v := r.n.Add(1)
	if r.limit > 0 && v == r.limit && r.onLimit != nil {
		r.onLimit()
	}
}

// Reset clears the streak.
func (r *retryCounter) Reset() {
	r.n.Store(0)
}

func (r *retryCounter) Value() int64 {
	return r.n.Load()
}
