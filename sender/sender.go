// Package sender builds outbound envelopes and writes them to the command
// channel.
package sender

import (
	"fmt"

	"github.com/cyberinferno/devlink/envelope"
	"github.com/cyberinferno/devlink/idgenerator"
	"github.com/cyberinferno/devlink/logger"
	"github.com/cyberinferno/devlink/metrics"
)

// Writer accepts one encoded envelope and frames it onto the wire.
type Writer interface {
	Send(content []byte) (int, error)
}

// Sender stamps, encodes and writes envelopes. It never retries; a failed
// send is reported to the caller.
type Sender struct {
	writer  Writer
	ids     *idgenerator.IdGenerator
	logger  logger.Logger
	metrics *metrics.Metrics
}

// New creates a Sender.
//
// Parameters:
//   - w: Destination, normally the session routing to its command channel
//   - ids: Identifier source shared by everything that sends on the link
//   - log: Logger
//   - m: Metrics sink; may be nil
//
// Returns:
//   - The Sender
func New(w Writer, ids *idgenerator.IdGenerator, log logger.Logger, m *metrics.Metrics) *Sender {
	return &Sender{
		writer:  w,
		ids:     ids,
		logger:  log.With(logger.Field{Key: "component", Value: "sender"}),
		metrics: m,
	}
}

// Send writes an envelope with the next counter identifier.
//
// Parameters:
//   - code: Event code
//   - payload: Serialized body; may be empty
//
// Returns:
//   - Bytes written, or an error if the write failed
func (s *Sender) Send(code envelope.Code, payload []byte) (int, error) {
	return s.send(envelope.Envelope{ID: s.ids.Id(), Code: code, Payload: payload})
}

// SendTimestamped writes an envelope whose identifier is the current Unix
// time in seconds. Identifiers are not unique within one second.
func (s *Sender) SendTimestamped(code envelope.Code, payload []byte) (int, error) {
	return s.send(envelope.Envelope{ID: s.ids.Timestamp(), Code: code, Payload: payload})
}

// Reply answers req with code, reusing the request identifier.
func (s *Sender) Reply(req envelope.Envelope, code envelope.Code, payload []byte) (int, error) {
	return s.send(envelope.Envelope{ID: req.ID, Code: code, Payload: payload})
}

func (s *Sender) send(env envelope.Envelope) (int, error) {
	n, err := s.writer.Send(envelope.Encode(env))
	if err != nil {
		s.metrics.SendFailure()
		s.logger.Warn("send failed", logger.Field{Key: "code", Value: env.Code.String()}, logger.Field{Key: "id", Value: env.ID}, logger.Field{Key: "error", Value: err.Error()})
		return n, fmt.Errorf("failed to send %s: %w", env.Code, err)
	}

	s.metrics.FrameSent()
	s.logger.Debug("sent", logger.Field{Key: "code", Value: env.Code.String()}, logger.Field{Key: "id", Value: env.ID}, logger.Field{Key: "bytes", Value: n})
	return n, nil
}
