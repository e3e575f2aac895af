package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cyberinferno/devlink/cacher"
	"github.com/cyberinferno/devlink/config"
	"github.com/cyberinferno/devlink/handlers"
	"github.com/cyberinferno/devlink/idgenerator"
	"github.com/cyberinferno/devlink/logger"
	"github.com/cyberinferno/devlink/metrics"
	"github.com/cyberinferno/devlink/session"
	"github.com/cyberinferno/devlink/trigger"
	"github.com/gofrs/flock"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var errAlreadyRunning = errors.New("devlinkd already running")

func newRunCommand(load func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the endpoint and serve until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return runDaemon(cmd.Context(), cfg)
		},
	}
}

// runDaemon holds the instance lock and runs the session host alongside the
// reset triggers and the metrics endpoint until ctx is done or the first
// session fails to bootstrap.
func runDaemon(ctx context.Context, cfg config.Config) error {
	lock := flock.New(cfg.Device.LockFile)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w (lock %s)", errAlreadyRunning, cfg.Device.LockFile)
	}
	defer func() { _ = lock.Unlock() }()

	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Options{
		Service: "devlinkd",
		Level:   level,
		Dir:     cfg.Logging.Dir,
		Console: cfg.Logging.Console,
	})
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = log.Close() }()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	replies, closeReplies := newReplyCache(cfg)
	defer func() { _ = closeReplies() }()

	ids := idgenerator.NewIdGenerator(0)

	var host *session.Host
	host = session.NewHost(func() (*session.Session, error) {
		sess := session.New(cfg.Session(),
			session.WithLogger(log),
			session.WithMetrics(m),
			session.WithIDs(ids),
		)
		handlers.New(cfg.Handlers(), sess.Sender(), replies, sess, host, log).Register(sess.Dispatcher())
		return sess, nil
	}, log, m)

	signals := trigger.NewSignalWatcher(func() { host.RequestReconnect() }, host.HardReset, log)

	g, gctx := errgroup.WithContext(ctx)

	udev := trigger.NewUdevMonitor(cfg.Udev(), func(string) { host.HardReset() }, log)
	if err := udev.Start(gctx); err != nil {
		return err
	}
	defer udev.Stop()

	g.Go(func() error { return host.Run(gctx) })
	g.Go(func() error { return signals.Run(gctx) })

	if cfg.Metrics.Addr != "" {
		serveMetrics(gctx, g, cfg.Metrics, m, log)
	}

	log.Info("devlinkd started",
		logger.Field{Key: "command_addr", Value: cfg.Endpoint.CommandAddr},
		logger.Field{Key: "data_addr", Value: cfg.Endpoint.DataAddr})

	err = g.Wait()
	if err != nil {
		log.Error("devlinkd stopped", logger.Field{Key: "error", Value: err.Error()})
		return err
	}

	log.Info("devlinkd stopped")
	return nil
}

func newReplyCache(cfg config.Config) (cacher.Cacher, func() error) {
	if cfg.Cache.RedisAddr == "" {
		return cacher.NewMemoryCacher(cache.NoExpiration, time.Minute), func() error { return nil }
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
	return cacher.NewRedisCacher(client, cfg.Cache.RedisPrefix), client.Close
}

func serveMetrics(ctx context.Context, g *errgroup.Group, cfg config.Metrics, m *metrics.Metrics, log logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, m.Handler())

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		log.Info("metrics listening", logger.Field{Key: "addr", Value: cfg.Addr}, logger.Field{Key: "path", Value: cfg.Path})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
