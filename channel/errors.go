package channel

import (
	"errors"
	"fmt"
)

// ErrorKind classifies channel failures. None of them is fatal to the
// process; recovery is the session supervisor's job.
type ErrorKind int

const (
	RemoteClosed ErrorKind = iota // Peer closed the connection
	ConnectError                  // Dial failed
	NetworkError                  // Read/write failure or stream desync
	ReadNull                      // No data: empty frame or socket not connected
)

// String returns a human-readable name for the kind.
func (k ErrorKind) String() string {
	switch k {
	case RemoteClosed:
		return "RemoteClosed"
	case ConnectError:
		return "ConnectError"
	case NetworkError:
		return "NetworkError"
	case ReadNull:
		return "ReadNull"
	default:
		return "Unknown"
	}
}

// Error is the error type returned by Channel operations.
type Error struct {
	Kind ErrorKind
	Role Role
	Err  error
}

// Error implements error.
func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("channel %s: %s", e.Role, e.Kind)
	}

	return fmt.Sprintf("channel %s: %s: %v", e.Role, e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the ErrorKind from err.
//
// Returns:
//   - The kind and true if err wraps a *Error, otherwise false
func KindOf(err error) (ErrorKind, bool) {
	var chErr *Error
	if errors.As(err, &chErr) {
		return chErr.Kind, true
	}

	return 0, false
}

func newError(kind ErrorKind, role Role, err error) *Error {
	return &Error{Kind: kind, Role: role, Err: err}
}
