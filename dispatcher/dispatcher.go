// Package dispatcher routes decoded envelopes to handlers by code.
package dispatcher

import (
	"context"
	"fmt"

	"github.com/cyberinferno/devlink/envelope"
	"github.com/cyberinferno/devlink/logger"
	"github.com/cyberinferno/devlink/metrics"
	"github.com/cyberinferno/devlink/safemap"
)

// Handler processes one envelope. It runs on the receive worker's goroutine,
// so a slow handler delays the next frame of that channel.
type Handler func(ctx context.Context, env envelope.Envelope)

// Dispatcher holds the code to handler table.
type Dispatcher struct {
	logger   logger.Logger
	metrics  *metrics.Metrics
	handlers *safemap.SafeMap[envelope.Code, Handler]
}

// New creates an empty Dispatcher.
//
// Parameters:
//   - log: Logger
//   - m: Metrics sink; may be nil
//
// Returns:
//   - The Dispatcher
func New(log logger.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		logger:   log.With(logger.Field{Key: "component", Value: "dispatcher"}),
		metrics:  m,
		handlers: safemap.New[envelope.Code, Handler](),
	}
}

// Register installs h for code, replacing any previous handler.
func (d *Dispatcher) Register(code envelope.Code, h Handler) {
	if h == nil {
		d.Unregister(code)
		return
	}

	d.handlers.Store(code, h)
}

// Unregister removes the handler for code.
func (d *Dispatcher) Unregister(code envelope.Code) {
	d.handlers.Delete(code)
}

// Registered returns the codes that have a handler, in ascending order.
func (d *Dispatcher) Registered() []envelope.Code {
	return safemap.SortedKeys(d.handlers)
}

// Dispatch invokes the handler registered for env.Code. Envelopes without a
// handler are logged and dropped. A panicking handler is recovered.
//
// Parameters:
//   - ctx: Passed through to the handler
//   - env: Decoded envelope
func (d *Dispatcher) Dispatch(ctx context.Context, env envelope.Envelope) {
	h, ok := d.handlers.Load(env.Code)
	if !ok {
		d.metrics.Unhandled(env.Code.String())
		d.logger.Warn("unhandled envelope", logger.Field{Key: "code", Value: env.Code.String()}, logger.Field{Key: "id", Value: env.ID})
		return
	}

	d.invoke(ctx, h, env)
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, env envelope.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.HandlerPanic(env.Code.String())
			d.logger.Error("handler panicked",
				logger.Field{Key: "code", Value: env.Code.String()},
				logger.Field{Key: "id", Value: env.ID},
				logger.Field{Key: "panic", Value: fmt.Sprint(r)},
			)
		}
	}()

	h(ctx, env)
}
