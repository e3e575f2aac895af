// Package handlers is the built-in handler set of the device daemon: it
// answers heartbeats and version queries and turns reset and camera-switch
// commands into hard resets and soft reconnects.
package handlers

import (
	"context"
	"time"

	"github.com/cyberinferno/devlink/cacher"
	"github.com/cyberinferno/devlink/dispatcher"
	"github.com/cyberinferno/devlink/envelope"
	"github.com/cyberinferno/devlink/logger"
)

// Replier sends a response that reuses the request identifier.
type Replier interface {
	Reply(req envelope.Envelope, code envelope.Code, payload []byte) (int, error)
}

// Reconnector requests a soft reconnect of the current session.
type Reconnector interface {
	RequestReconnect()
}

// Resetter requests a hard reset that rebuilds the session.
type Resetter interface {
	HardReset()
}

// Config holds handler settings.
type Config struct {
	// Version is the firmware version reported to GetVersion.
	Version string
	// VersionTTL is how long the version reply stays cached.
	VersionTTL time.Duration
}

// Set is the built-in handler collection for one session.
type Set struct {
	config    Config
	replier   Replier
	replies   cacher.Cacher
	reconnect Reconnector
	reset     Resetter
	logger    logger.Logger
}

// New creates a Set.
//
// Parameters:
//   - cfg: Version and cache settings
//   - replier: Usually the session's sender
//   - replies: Reply cache shared across sessions
//   - reconnect: Target of camera-switch commands
//   - reset: Target of reset commands
//   - log: Logger
//
// Returns:
//   - The Set; call Register to install it
func New(cfg Config, replier Replier, replies cacher.Cacher, reconnect Reconnector, reset Resetter, log logger.Logger) *Set {
	return &Set{
		config:    cfg,
		replier:   replier,
		replies:   replies,
		reconnect: reconnect,
		reset:     reset,
		logger:    log.With(logger.Field{Key: "component", Value: "handlers"}),
	}
}

// Register installs every handler of the set on d.
func (s *Set) Register(d *dispatcher.Dispatcher) {
	d.Register(envelope.CmdHeartbeat, s.Heartbeat)
	d.Register(envelope.CmdGetVersion, s.GetVersion)
	d.Register(envelope.CmdReset, s.Reset)
	d.Register(envelope.CmdCameraSwitch, s.CameraSwitch)
}

// Heartbeat echoes the request payload back as a heartbeat event.
func (s *Set) Heartbeat(_ context.Context, env envelope.Envelope) {
	if _, err := s.replier.Reply(env, envelope.EvtHeartbeat, env.Payload); err != nil {
		s.logger.Warn("heartbeat reply failed", logger.Field{Key: "error", Value: err.Error()})
	}
}

// GetVersion replies with the firmware version, served from the reply cache.
func (s *Set) GetVersion(ctx context.Context, env envelope.Envelope) {
	payload, err := s.replies.GetOrFetch(ctx, cacher.Key(envelope.CmdGetVersion, ""), s.config.VersionTTL, func(context.Context) ([]byte, error) {
		return []byte(s.config.Version), nil
	})
	if err != nil {
		s.logger.Warn("version lookup failed", logger.Field{Key: "error", Value: err.Error()})
		s.replyError(env, err)
		return
	}

	if _, err := s.replier.Reply(env, envelope.EvtVersion, payload); err != nil {
		s.logger.Warn("version reply failed", logger.Field{Key: "error", Value: err.Error()})
	}
}

// Reset drops cached replies and requests a hard reset.
func (s *Set) Reset(ctx context.Context, env envelope.Envelope) {
	if n, err := s.replies.InvalidateAll(ctx); err != nil {
		s.logger.Warn("reply cache invalidation failed", logger.Field{Key: "error", Value: err.Error()})
	} else {
		s.logger.Debug("reply cache cleared", logger.Field{Key: "entries", Value: n})
	}

	s.logger.Info("reset command received", logger.Field{Key: "id", Value: env.ID})
	s.reset.HardReset()
}

// CameraSwitch requests a soft reconnect so both channels are re-established
// for the new camera mode.
func (s *Set) CameraSwitch(_ context.Context, env envelope.Envelope) {
	s.logger.Info("camera switch received", logger.Field{Key: "id", Value: env.ID}, logger.Field{Key: "mode", Value: string(env.Payload)})
	s.reconnect.RequestReconnect()
}

func (s *Set) replyError(req envelope.Envelope, cause error) {
	if _, err := s.replier.Reply(req, envelope.EvtError, []byte(cause.Error())); err != nil {
		s.logger.Warn("error reply failed", logger.Field{Key: "error", Value: err.Error()})
	}
}
