// Package worker runs the receive loop for one channel: it reads frames,
// decodes them into envelopes and hands them to a dispatcher until stopped.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cyberinferno/devlink/envelope"
	"github.com/cyberinferno/devlink/logger"
	"github.com/cyberinferno/devlink/metrics"
)

// ErrNotIdle is returned by Start when the worker has already been started.
var ErrNotIdle = errors.New("worker: not idle")

// State is the lifecycle state of a Worker. Transitions only move forward:
// Idle -> Running -> Stopping -> Stopped. A stopped worker is discarded.
type State int

const (
	Idle State = iota
	Running
	Stopping
	Stopped
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Source is the channel a worker reads from.
type Source interface {
	IsValid() bool
	AcceptOne(ctx context.Context) ([]byte, error)
}

// Dispatcher receives every decoded envelope.
type Dispatcher interface {
	Dispatch(ctx context.Context, env envelope.Envelope)
}

// Retries is the session's consecutive-failure counter.
type Retries interface {
	Inc()
	Reset()
}

// Config holds the loop timings.
type Config struct {
	// Name labels logs and metrics, normally the channel role.
	Name string
	// IdleBackoff is the pause after finding the socket invalid.
	IdleBackoff time.Duration
	// EmptyReadBackoff is the pause after a read that produced no frame.
	EmptyReadBackoff time.Duration
	// StopGrace is how long Stop waits after signalling the loop.
	StopGrace time.Duration
}

// DefaultConfig returns the standard timings: 50ms idle backoff, 10ms empty
// read backoff and a 20ms stop grace period.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		IdleBackoff:      50 * time.Millisecond,
		EmptyReadBackoff: 10 * time.Millisecond,
		StopGrace:        20 * time.Millisecond,
	}
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration)

// Option customizes a Worker.
type Option func(*Worker)

// WithSleep replaces the function used for backoff pauses.
func WithSleep(sleep SleepFunc) Option {
	return func(w *Worker) {
		w.sleep = sleep
	}
}

// Worker is the receive loop of one channel.
type Worker struct {
	config     Config
	source     Source
	dispatcher Dispatcher
	retries    Retries
	logger     logger.Logger
	metrics    *metrics.Metrics
	sleep      SleepFunc

	mu       sync.Mutex
	state    State
	runnable bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates an idle Worker.
//
// Parameters:
//   - config: Name and loop timings
//   - source: Channel to read frames from
//   - dispatcher: Receives decoded envelopes
//   - retries: Failure counter; incremented on empty reads, reset on dispatch
//   - log: Logger
//   - m: Metrics sink; may be nil
//   - opts: Optional overrides
//
// Returns:
//   - The Worker in state Idle
func New(config Config, source Source, dispatcher Dispatcher, retries Retries, log logger.Logger, m *metrics.Metrics, opts ...Option) *Worker {
	w := &Worker{
		config:     config,
		source:     source,
		dispatcher: dispatcher,
		retries:    retries,
		logger:     log.With(logger.Field{Key: "component", Value: "worker"}, logger.Field{Key: "worker", Value: config.Name}),
		metrics:    m,
		sleep:      sleepContext,
		state:      Idle,
		done:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Start launches the receive loop. Only an idle worker can be started.
//
// Parameters:
//   - ctx: Parent context; cancelling it ends the loop
//
// Returns:
//   - ErrNotIdle if the worker was started before
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != Idle {
		return ErrNotIdle
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.runnable = true
	w.state = Running

	go w.loop(runCtx)

	w.logger.Debug("worker started")
	return nil
}

// Stop clears the runnable flag, cancels any blocking read and waits
// StopGrace. It does not join the loop; use Done for that.
func (w *Worker) Stop() {
	w.mu.Lock()
	switch w.state {
	case Idle:
		w.state = Stopped
		close(w.done)
		w.mu.Unlock()
		return
	case Running:
		w.state = Stopping
		w.runnable = false
	default:
		w.mu.Unlock()
		return
	}
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	w.sleep(context.Background(), w.config.StopGrace)
	w.logger.Debug("worker stop requested")
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Done returns a channel that is closed once the loop has exited.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) isRunnable() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runnable
}

func (w *Worker) loop(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.state = Stopped
		w.runnable = false
		w.mu.Unlock()
		close(w.done)
		w.logger.Debug("worker exited")
	}()

	for w.isRunnable() && ctx.Err() == nil {
		if !w.source.IsValid() {
			w.retries.Inc()
			w.sleep(ctx, w.config.IdleBackoff)
			continue
		}

		content, err := w.source.AcceptOne(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			w.retries.Inc()
			w.metrics.EmptyRead(w.config.Name)
			w.logger.Debug("no frame", logger.Field{Key: "error", Value: err.Error()})
			w.sleep(ctx, w.config.EmptyReadBackoff)
			continue
		}

		w.metrics.FrameReceived(w.config.Name)

		env, err := envelope.Decode(content)
		if err != nil {
			w.metrics.DecodeError(w.config.Name)
			w.logger.Warn("dropping undecodable frame", logger.Field{Key: "size", Value: len(content)}, logger.Field{Key: "error", Value: err.Error()})
			continue
		}

		if !w.isRunnable() {
			return
		}

		w.dispatcher.Dispatch(ctx, env)
		w.retries.Reset()
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
