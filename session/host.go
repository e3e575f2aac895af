package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/cyberinferno/devlink/logger"
	"github.com/cyberinferno/devlink/metrics"
)

// Factory builds a fresh, unstarted Session. It is called once per
// generation; handlers are normally registered inside it.
type Factory func() (*Session, error)

// Host owns the current Session and replaces it on hard reset. Soft
// reconnects are forwarded to the current session's supervisor.
type Host struct {
	factory Factory
	logger  logger.Logger
	metrics *metrics.Metrics
	reset   chan struct{}

	mu         sync.RWMutex
	current    *Session
	generation int
}

// NewHost creates a Host.
//
// Parameters:
//   - factory: Builds each session generation
//   - log: Logger
//   - m: Metrics sink; may be nil
//
// Returns:
//   - The Host; call Run to start the first session
func NewHost(factory Factory, log logger.Logger, m *metrics.Metrics) *Host {
	return &Host{
		factory: factory,
		logger:  log.With(logger.Field{Key: "component", Value: "host"}),
		metrics: m,
		reset:   make(chan struct{}, 1),
	}
}

// Run builds, bootstraps and supervises sessions until ctx is done. A hard
// reset closes the current session and starts over with a new one.
//
// Returns:
//   - nil on shutdown, or the error that prevented a session from starting
//     (wrapping ErrBootstrap when the endpoint is unreachable)
func (h *Host) Run(ctx context.Context) error {
	for {
		sess, err := h.factory()
		if err != nil {
			return fmt.Errorf("failed to build session: %w", err)
		}

		if err := sess.Start(ctx); err != nil {
			_ = sess.Close()
			return err
		}

		h.mu.Lock()
		h.current = sess
		h.generation++
		generation := h.generation
		h.mu.Unlock()

		h.logger.Info("session started", logger.Field{Key: "session", Value: sess.ID()}, logger.Field{Key: "generation", Value: generation})

		reset, err := h.supervise(ctx, sess)

		h.mu.Lock()
		h.current = nil
		h.mu.Unlock()

		if !reset {
			return err
		}

		h.metrics.HardReset()
		h.logger.Info("hard reset", logger.Field{Key: "session", Value: sess.ID()}, logger.Field{Key: "generation", Value: generation})
	}
}

// supervise runs sess until ctx is done or a hard reset is requested. The
// session is closed when it returns.
func (h *Host) supervise(ctx context.Context, sess *Session) (bool, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- sess.Run(runCtx)
	}()

	select {
	case <-ctx.Done():
		cancel()
		<-errCh
		return false, sess.Close()
	case <-h.reset:
		cancel()
		<-errCh
		return true, sess.Close()
	case err := <-errCh:
		_ = sess.Close()
		return false, err
	}
}

// HardReset requests that the current session be destroyed and rebuilt.
// Requests made while one is pending are coalesced.
func (h *Host) HardReset() {
	select {
	case h.reset <- struct{}{}:
		h.logger.Debug("hard reset requested")
	default:
	}
}

// RequestReconnect forwards a soft reconnect to the current session.
//
// Returns:
//   - false if no session is running
func (h *Host) RequestReconnect() bool {
	sess := h.Current()
	if sess == nil {
		return false
	}

	sess.RequestReconnect()
	return true
}

// Current returns the running session, or nil between generations.
func (h *Host) Current() *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Generation returns how many sessions have been started.
func (h *Host) Generation() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.generation
}
