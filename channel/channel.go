// Package channel owns one TCP connection for one device channel role
// (command or data). A Channel never reconnects on its own: Connect dials
// once, AcceptOne reads one frame, and failures are reported as classified
// errors so the session supervisor can decide what to do.
package channel

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/devlink/logger"
	"github.com/cyberinferno/devlink/metrics"
	"golang.org/x/sys/unix"
)

// Role is the logical purpose of a channel.
type Role int

const (
	RoleCommand Role = iota // Commands in, events out
	RoleData                // Bulk data in
)

// String returns the role name used in logs and metric labels.
func (r Role) String() string {
	switch r {
	case RoleCommand:
		return "command"
	case RoleData:
		return "data"
	default:
		return "unknown"
	}
}

var (
	errNotConnected     = errors.New("not connected")
	errAlreadyConnected = errors.New("already connected")
)

// aLongTimeAgo is a read deadline that forces any blocked Read to return.
var aLongTimeAgo = time.Unix(1, 0)

// Config holds the settings for one channel.
type Config struct {
	// Role is the channel's purpose.
	Role Role
	// Address is the "host:port" of the fixed remote endpoint for this role.
	Address string
	// ConnectTimeout bounds a single dial.
	ConnectTimeout time.Duration
	// WriteTimeout bounds a single frame write; 0 means no timeout.
	WriteTimeout time.Duration
	// MaxFrameSize is the largest accepted frame content length.
	MaxFrameSize uint32
}

// DefaultConfig returns a Config for role and address with a 3s connect
// timeout, a 5s write timeout and a 16 MiB frame limit.
func DefaultConfig(role Role, address string) Config {
	return Config{
		Role:           role,
		Address:        address,
		ConnectTimeout: 3 * time.Second,
		WriteTimeout:   5 * time.Second,
		MaxFrameSize:   DefaultMaxFrameSize,
	}
}

// Channel is one TCP connection with a manual lifecycle. The socket handle is
// present exactly while the channel is connected. AcceptOne is meant to be
// called by a single receive worker; Send may be called concurrently.
type Channel struct {
	config  Config
	logger  logger.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	conn      net.Conn
	connected atomic.Bool
	writeMu   sync.Mutex
}

// New creates a disconnected Channel.
//
// Parameters:
//   - config: Role, address and limits
//   - log: Logger; a component-scoped child is derived from it
//   - m: Metrics sink; may be nil
//
// Returns:
//   - A new *Channel; call Connect to open the socket
func New(config Config, log logger.Logger, m *metrics.Metrics) *Channel {
	if config.MaxFrameSize == 0 {
		config.MaxFrameSize = DefaultMaxFrameSize
	}

	return &Channel{
		config:  config,
		logger:  log.With(logger.Field{Key: "component", Value: "channel"}, logger.Field{Key: "role", Value: config.Role.String()}),
		metrics: m,
	}
}

// Role returns the channel's role.
func (c *Channel) Role() Role {
	return c.config.Role
}

// Address returns the remote address the channel dials.
func (c *Channel) Address() string {
	return c.config.Address
}

// IsValid reports whether the channel currently holds a connected socket.
func (c *Channel) IsValid() bool {
	return c.connected.Load()
}

// Connect dials the remote endpoint once. It never retries.
//
// Parameters:
//   - ctx: Cancels the dial
//
// Returns:
//   - nil on success, or a *Error of kind ConnectError
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.RLock()
	existing := c.conn
	c.mu.RUnlock()
	if existing != nil {
		return newError(ConnectError, c.config.Role, errAlreadyConnected)
	}

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.config.Address)
	if err != nil {
		c.logger.Warn("connect failed", logger.Field{Key: "addr", Value: c.config.Address}, logger.Field{Key: "error", Value: err.Error()})
		return newError(ConnectError, c.config.Role, err)
	}

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return newError(ConnectError, c.config.Role, errAlreadyConnected)
	}
	c.conn = conn
	c.connected.Store(true)
	c.mu.Unlock()

	c.metrics.SetConnected(c.config.Role.String(), true)
	c.logger.Info("connected", logger.Field{Key: "addr", Value: c.config.Address})
	return nil
}

// AcceptOne blocks until one complete frame has been read and returns its
// content. Cancelling ctx unblocks the read; the stream position is then
// undefined and the channel must be closed before reuse.
//
// Parameters:
//   - ctx: Cancels the blocking read
//
// Returns:
//   - The frame content, or an error: ctx.Err() on cancellation, otherwise a
//     *Error of kind ReadNull, RemoteClosed or NetworkError
func (c *Channel) AcceptOne(ctx context.Context) ([]byte, error) {
	conn := c.current()
	if conn == nil {
		return nil, newError(ReadNull, c.config.Role, errNotConnected)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		c.drop(conn)
		return nil, newError(NetworkError, c.config.Role, err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(aLongTimeAgo)
	})
	defer stop()

	content, err := ReadFrame(conn, c.config.MaxFrameSize)
	if err == nil {
		return content, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	switch {
	case errors.Is(err, ErrEmptyFrame):
		return nil, newError(ReadNull, c.config.Role, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed), errors.Is(err, unix.ECONNRESET):
		c.logger.Info("remote closed connection", logger.Field{Key: "error", Value: err.Error()})
		c.drop(conn)
		return nil, newError(RemoteClosed, c.config.Role, err)
	default:
		c.logger.Warn("read failed", logger.Field{Key: "error", Value: err.Error()})
		c.drop(conn)
		return nil, newError(NetworkError, c.config.Role, err)
	}
}

// Send writes content as one frame.
//
// Parameters:
//   - content: Encoded envelope; not modified
//
// Returns:
//   - Bytes written including the length prefix, and a *Error of kind
//     NetworkError on a failed or short write
func (c *Channel) Send(content []byte) (int, error) {
	conn := c.current()
	if conn == nil {
		return 0, newError(NetworkError, c.config.Role, errNotConnected)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.config.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return 0, newError(NetworkError, c.config.Role, err)
		}

		defer func() {
			_ = conn.SetWriteDeadline(time.Time{})
		}()
	}

	n, err := WriteFrame(conn, content)
	if err != nil {
		c.logger.Warn("write failed", logger.Field{Key: "written", Value: n}, logger.Field{Key: "error", Value: err.Error()})
		return n, newError(NetworkError, c.config.Role, err)
	}

	return n, nil
}

// Close releases the socket. Safe to call on a closed channel.
func (c *Channel) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.connected.Store(false)
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	c.metrics.SetConnected(c.config.Role.String(), false)
	c.logger.Info("closed")
	return conn.Close()
}

func (c *Channel) current() net.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// drop closes conn if it is still the channel's socket.
func (c *Channel) drop(conn net.Conn) {
	c.mu.Lock()
	owned := c.conn == conn
	if owned {
		c.conn = nil
		c.connected.Store(false)
	}
	c.mu.Unlock()

	if owned {
		c.metrics.SetConnected(c.config.Role.String(), false)
	}
	_ = conn.Close()
}
