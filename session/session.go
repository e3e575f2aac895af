// Package session ties one device's command and data channels, their
// receive workers and the reconnect supervisor into a Session, and provides
// a Host that rebuilds the Session on hard reset.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cyberinferno/devlink/channel"
	"github.com/cyberinferno/devlink/dispatcher"
	"github.com/cyberinferno/devlink/idgenerator"
	"github.com/cyberinferno/devlink/logger"
	"github.com/cyberinferno/devlink/metrics"
	"github.com/cyberinferno/devlink/sender"
	"github.com/cyberinferno/devlink/worker"
)

var (
	// ErrBootstrap is returned when the initial connection of either channel
	// fails. It is fatal to the process.
	ErrBootstrap = errors.New("session: bootstrap failed")
	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session: closed")
	// ErrRunning is returned when Run is called while already running.
	ErrRunning = errors.New("session: already running")
)

// roles lists the channels in bootstrap order.
var roles = [...]channel.Role{channel.RoleCommand, channel.RoleData}

// Config holds the endpoint addresses and timings of a session.
type Config struct {
	CommandAddr string
	DataAddr    string

	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	MaxFrameSize   uint32

	// SettleDelay is the pause between teardown and reconnect.
	SettleDelay time.Duration
	// EscalateAfter requests a soft reconnect after this many consecutive
	// failed receive attempts; 0 disables escalation.
	EscalateAfter int

	IdleBackoff      time.Duration
	EmptyReadBackoff time.Duration
	StopGrace        time.Duration
}

// DefaultConfig returns a Config for the two addresses with the standard
// timings and escalation disabled.
func DefaultConfig(commandAddr, dataAddr string) Config {
	ch := channel.DefaultConfig(channel.RoleCommand, commandAddr)
	w := worker.DefaultConfig("")

	return Config{
		CommandAddr:      commandAddr,
		DataAddr:         dataAddr,
		ConnectTimeout:   ch.ConnectTimeout,
		WriteTimeout:     ch.WriteTimeout,
		MaxFrameSize:     ch.MaxFrameSize,
		SettleDelay:      100 * time.Millisecond,
		IdleBackoff:      w.IdleBackoff,
		EmptyReadBackoff: w.EmptyReadBackoff,
		StopGrace:        w.StopGrace,
	}
}

func (c Config) channelConfig(role channel.Role) channel.Config {
	addr := c.CommandAddr
	if role == channel.RoleData {
		addr = c.DataAddr
	}

	return channel.Config{
		Role:           role,
		Address:        addr,
		ConnectTimeout: c.ConnectTimeout,
		WriteTimeout:   c.WriteTimeout,
		MaxFrameSize:   c.MaxFrameSize,
	}
}

func (c Config) workerConfig(role channel.Role) worker.Config {
	return worker.Config{
		Name:             role.String(),
		IdleBackoff:      c.IdleBackoff,
		EmptyReadBackoff: c.EmptyReadBackoff,
		StopGrace:        c.StopGrace,
	}
}

// Option customizes a Session.
type Option func(*Session)

// WithLogger sets the logger. The default discards output.
func WithLogger(log logger.Logger) Option {
	return func(s *Session) {
		s.logger = log
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithIDs shares an identifier generator with the session's sender so ids
// stay unique across sessions.
func WithIDs(ids *idgenerator.IdGenerator) Option {
	return func(s *Session) {
		s.ids = ids
	}
}

// WithWorkerOptions passes options to every receive worker the session
// creates.
func WithWorkerOptions(opts ...worker.Option) Option {
	return func(s *Session) {
		s.workerOpts = append(s.workerOpts, opts...)
	}
}

// slot is the per-role pair the supervisor owns. The channel lives as long
// as the session; workers are single-use and replaced on every cycle.
type slot struct {
	channel *channel.Channel
	worker  *worker.Worker
}

// Session is one device's link: two channels, their workers, a retry
// counter and the supervisor that restarts them. Only the supervisor creates
// or drops workers and opens or closes sockets.
type Session struct {
	id         string
	config     Config
	logger     logger.Logger
	metrics    *metrics.Metrics
	ids        *idgenerator.IdGenerator
	dispatcher *dispatcher.Dispatcher
	sender     *sender.Sender
	retries    retryCounter
	supervisor *Supervisor
	workerOpts []worker.Option

	mu        sync.Mutex
	slots     [len(roles)]slot
	closed    bool
	cancelRun context.CancelFunc
	runDone   chan struct{}
}

// New builds a disconnected Session. Call Start to bootstrap the channels
// and Run to supervise them.
//
// Parameters:
//   - config: Addresses and timings
//   - opts: Logger, metrics, shared id generator and worker overrides
//
// Returns:
//   - The Session
func New(config Config, opts ...Option) *Session {
	s := &Session{
		id:     uuid.NewString(),
		config: config,
		logger: logger.NewNop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.ids == nil {
		s.ids = idgenerator.NewIdGenerator(0)
	}

	s.logger = s.logger.With(logger.Field{Key: "session", Value: s.id})
	s.dispatcher = dispatcher.New(s.logger, s.metrics)
	s.sender = sender.New(s, s.ids, s.logger, s.metrics)
	s.supervisor = newSupervisor(s)

	for _, role := range roles {
		s.slots[role].channel = channel.New(config.channelConfig(role), s.logger, s.metrics)
	}

	s.retries.limit = int64(config.EscalateAfter)
	s.retries.onLimit = func() {
		s.logger.Warn("receive failures reached limit, requesting reconnect", logger.Field{Key: "limit", Value: config.EscalateAfter})
		s.supervisor.RequestReconnect()
	}

	return s
}

// ID returns the session's unique instance identifier.
func (s *Session) ID() string {
	return s.id
}

// Dispatcher returns the table inbound envelopes of both channels are routed
// through. Register handlers before Start.
func (s *Session) Dispatcher() *dispatcher.Dispatcher {
	return s.dispatcher
}

// Sender returns the sender bound to the command channel.
func (s *Session) Sender() *sender.Sender {
	return s.sender
}

// Supervisor returns the session's reconnect supervisor.
func (s *Session) Supervisor() *Supervisor {
	return s.supervisor
}

// Retries returns the current consecutive failure count.
func (s *Session) Retries() int64 {
	return s.retries.Value()
}

// Channel returns the channel for role.
func (s *Session) Channel(role channel.Role) *channel.Channel {
	return s.slots[role].channel
}

// Worker returns the current receive worker for role, or nil between
// teardown and reconnect.
func (s *Session) Worker(role channel.Role) *worker.Worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots[role].worker
}

// RequestReconnect asks the supervisor for a soft reconnect. Requests made
// while one is pending are coalesced.
func (s *Session) RequestReconnect() {
	s.supervisor.RequestReconnect()
}

// Send writes one encoded envelope on the current command channel.
// It implements sender.Writer.
func (s *Session) Send(content []byte) (int, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}

	return s.slots[channel.RoleCommand].channel.Send(content)
}

// Start bootstraps both channels, command first.
//
// Returns:
//   - An error wrapping ErrBootstrap if either channel cannot connect
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	return s.supervisor.Bootstrap(ctx)
}

// Run supervises the session until ctx is done or Close is called. It tears
// everything down before returning.
func (s *Session) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.cancelRun != nil {
		s.mu.Unlock()
		return ErrRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancelRun = cancel
	s.runDone = done
	s.mu.Unlock()

	defer close(done)
	defer cancel()

	return s.supervisor.Run(runCtx)
}

// Close stops supervision and releases both channels. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, done := s.cancelRun, s.runDone
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	s.supervisor.shutdown()
	s.logger.Info("session closed")
	return nil
}

// openSlot connects role's channel and starts a fresh worker for it.
func (s *Session) openSlot(ctx context.Context, role channel.Role) error {
	sl := &s.slots[role]
	if err := sl.channel.Connect(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	if sl.worker == nil {
		sl.worker = worker.New(s.config.workerConfig(role), sl.channel, s.dispatcher, &s.retries, s.logger, s.metrics, s.workerOpts...)
	}
	w := sl.worker
	s.mu.Unlock()

	if w.State() == worker.Idle {
		return w.Start(ctx)
	}

	return nil
}

// teardown stops and drops both workers, closes both sockets and resets the
// retry counter.
func (s *Session) teardown() {
	s.mu.Lock()
	var workers []*worker.Worker
	for i := range s.slots {
		if w := s.slots[i].worker; w != nil {
			workers = append(workers, w)
			s.slots[i].worker = nil
		}
	}
	s.mu.Unlock()

	for _, w := range workers {
		w.Stop()
	}

	for i := range s.slots {
		_ = s.slots[i].channel.Close()
	}

	s.retries.Reset()
}
