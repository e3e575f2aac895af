package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cyberinferno/devlink/config"
	"github.com/cyberinferno/devlink/envelope"
	"github.com/cyberinferno/devlink/idgenerator"
	"github.com/cyberinferno/devlink/logger"
	"github.com/cyberinferno/devlink/tcpserver"
	"github.com/spf13/cobra"
)

type peerOptions struct {
	heartbeat time.Duration
	verbose   bool
}

func newPeerCommand(load func() (config.Config, error)) *cobra.Command {
	var opts peerOptions

	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Run a development endpoint that accepts a device and sends heartbeats",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runPeer(cmd.Context(), cfg, opts)
		},
	}

	cmd.Flags().DurationVar(&opts.heartbeat, "heartbeat", 5*time.Second, "Heartbeat interval on the command channel; 0 disables")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log every inbound envelope")

	return cmd
}

// peer is the remote end used during development: it listens on both
// endpoint addresses, asks each new device for its version and sends
// periodic heartbeats.
type peer struct {
	log     logger.Logger
	ids     *idgenerator.IdGenerator
	command *tcpserver.TCPServer
	data    *tcpserver.TCPServer
}

func newPeer(cfg config.Config, log logger.Logger) *peer {
	p := &peer{log: log, ids: idgenerator.NewIdGenerator(0)}

	p.command = &tcpserver.TCPServer{
		Logger:       log.With(logger.Field{Key: "role", Value: "command"}),
		Name:         "command",
		Addr:         cfg.Endpoint.CommandAddr,
		MaxFrameSize: cfg.Endpoint.MaxFrameSize,
		OnConnect: func(s *tcpserver.Session) {
			if err := p.send(s, envelope.CmdGetVersion, nil); err != nil {
				p.log.Warn("version query failed", logger.Field{Key: "error", Value: err.Error()})
			}
		},
		OnFrame: p.onFrame("command"),
	}

	p.data = &tcpserver.TCPServer{
		Logger:       log.With(logger.Field{Key: "role", Value: "data"}),
		Name:         "data",
		Addr:         cfg.Endpoint.DataAddr,
		MaxFrameSize: cfg.Endpoint.MaxFrameSize,
		OnFrame:      p.onFrame("data"),
	}

	return p
}

func runPeer(ctx context.Context, cfg config.Config, opts peerOptions) error {
	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	if opts.verbose {
		level, _ = logger.ParseLevel("debug")
	}

	log, err := logger.New(logger.Options{Service: "devlink-peer", Level: level, Console: cfg.Logging.Console})
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = log.Close() }()

	p := newPeer(cfg, log)
	if err := p.start(); err != nil {
		return err
	}
	defer p.stop()

	log.Info("peer listening",
		logger.Field{Key: "command_addr", Value: p.command.ListenAddr()},
		logger.Field{Key: "data_addr", Value: p.data.ListenAddr()})

	if opts.heartbeat <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(opts.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n := p.heartbeat()
			log.Debug("heartbeat sent", logger.Field{Key: "devices", Value: n})
		}
	}
}

func (p *peer) start() error {
	if err := p.command.Start(); err != nil {
		return err
	}
	if err := p.data.Start(); err != nil {
		p.command.Stop()
		return err
	}
	return nil
}

func (p *peer) stop() {
	p.command.Stop()
	p.data.Stop()
}

func (p *peer) heartbeat() int {
	payload := []byte(time.Now().UTC().Format(time.RFC3339))
	return p.command.Broadcast(envelope.Encode(envelope.Envelope{ID: p.ids.Id(), Code: envelope.CmdHeartbeat, Payload: payload}))
}

func (p *peer) send(s *tcpserver.Session, code envelope.Code, payload []byte) error {
	return s.Send(envelope.Encode(envelope.Envelope{ID: p.ids.Id(), Code: code, Payload: payload}))
}

func (p *peer) onFrame(role string) func(*tcpserver.Session, []byte) {
	return func(s *tcpserver.Session, content []byte) {
		env, err := envelope.Decode(content)
		if err != nil {
			p.log.Warn("undecodable frame",
				logger.Field{Key: "role", Value: role},
				logger.Field{Key: "session", Value: s.ID()},
				logger.Field{Key: "error", Value: err.Error()})
			return
		}

		p.log.Debug("envelope received",
			logger.Field{Key: "role", Value: role},
			logger.Field{Key: "session", Value: s.ID()},
			logger.Field{Key: "envelope", Value: env.String()})

		if env.Code == envelope.EvtVersion {
			p.log.Info("device version", logger.Field{Key: "session", Value: s.ID()}, logger.Field{Key: "version", Value: string(env.Payload)})
		}
	}
}
