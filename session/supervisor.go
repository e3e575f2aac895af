package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"

	"github.com/cyberinferno/devlink/logger"
)

// Supervisor states.
const (
	StateStopped    = "stopped"
	StateConnecting = "connecting"
	StateConnected  = "connected"
	StateAwaiting   = "awaiting"
)

const (
	eventConnect     = "connect"
	eventEstablished = "established"
	eventAwait       = "await"
	eventFail        = "fail"
	eventStop        = "stop"
)

// Supervisor brings a session's channels up, waits for reconnect requests
// and runs one teardown/settle/reconnect cycle per request. Requests never
// overlap: the signal holds at most one pending request.
type Supervisor struct {
	session *Session
	logger  logger.Logger
	signal  chan struct{}
	state   *fsm.FSM
	cycles  atomic.Int64
}

func newSupervisor(s *Session) *Supervisor {
	sv := &Supervisor{
		session: s,
		logger:  s.logger.With(logger.Field{Key: "component", Value: "supervisor"}),
		signal:  make(chan struct{}, 1),
	}

	sv.state = fsm.NewFSM(
		StateStopped,
		fsm.Events{
			{Name: eventConnect, Src: []string{StateStopped, StateAwaiting}, Dst: StateConnecting},
			{Name: eventEstablished, Src: []string{StateConnecting}, Dst: StateConnected},
			{Name: eventAwait, Src: []string{StateConnected}, Dst: StateAwaiting},
			{Name: eventFail, Src: []string{StateConnecting}, Dst: StateAwaiting},
			{Name: eventStop, Src: []string{StateConnecting, StateConnected, StateAwaiting}, Dst: StateStopped},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				sv.logger.Debug("supervisor state", logger.Field{Key: "from", Value: e.Src}, logger.Field{Key: "to", Value: e.Dst})
			},
		},
	)

	return sv
}

// State returns the current supervisor state.
func (sv *Supervisor) State() string {
	return sv.state.Current()
}

// Cycles returns the number of reconnect cycles run so far.
func (sv *Supervisor) Cycles() int64 {
	return sv.cycles.Load()
}

// RequestReconnect raises the reconnect signal without blocking. A request
// made while another is pending is merged into it.
func (sv *Supervisor) RequestReconnect() {
	select {
	case sv.signal <- struct{}{}:
		sv.logger.Debug("reconnect requested")
	default:
	}
}

// Bootstrap connects the command channel, then the data channel, starting a
// receive worker for each. On failure everything opened so far is torn down.
//
// Returns:
//   - An error wrapping ErrBootstrap and the channel error
func (sv *Supervisor) Bootstrap(ctx context.Context) error {
	sv.transition(eventConnect)

	for _, role := range roles {
		if err := sv.session.openSlot(ctx, role); err != nil {
			sv.logger.Error("bootstrap failed", logger.Field{Key: "role", Value: role.String()}, logger.Field{Key: "error", Value: err.Error()})
			sv.shutdown()
			return fmt.Errorf("%w: %s channel: %w", ErrBootstrap, role, err)
		}
	}

	sv.transition(eventEstablished)
	sv.logger.Info("session connected")
	return nil
}

// Run waits for reconnect requests and services them one at a time until
// ctx is done, then tears the session down.
func (sv *Supervisor) Run(ctx context.Context) error {
	for {
		sv.transition(eventAwait)

		select {
		case <-ctx.Done():
			sv.shutdown()
			return nil
		case <-sv.signal:
			sv.restart(ctx)
		}
	}
}

func (sv *Supervisor) restart(ctx context.Context) {
	sv.transition(eventConnect)
	sv.logger.Info("reconnect cycle started")

	sv.session.teardown()

	if !sleepContext(ctx, sv.session.config.SettleDelay) {
		return
	}

	var failed error
	for _, role := range roles {
		if err := sv.session.openSlot(ctx, role); err != nil {
			failed = errors.Join(failed, err)
		}
	}

	sv.cycles.Add(1)
	sv.session.metrics.ReconnectCycle()

	if failed != nil {
		if ctx.Err() != nil {
			return
		}

		sv.logger.Warn("reconnect cycle failed, retrying", logger.Field{Key: "error", Value: failed.Error()})
		sv.transition(eventFail)
		sv.RequestReconnect()
		return
	}

	sv.transition(eventEstablished)
	sv.logger.Info("reconnect cycle complete", logger.Field{Key: "cycle", Value: sv.cycles.Load()})
}

func (sv *Supervisor) shutdown() {
	sv.session.teardown()
	sv.transition(eventStop)
}

// transition fires event if the current state allows it. State bookkeeping
// is not cancellable, so it always runs with a background context.
func (sv *Supervisor) transition(event string) {
	if !sv.state.Can(event) {
		return
	}

	if err := sv.state.Event(context.Background(), event); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			sv.logger.Warn("supervisor transition failed", logger.Field{Key: "event", Value: event}, logger.Field{Key: "error", Value: err.Error()})
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
