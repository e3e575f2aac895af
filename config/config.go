// Package config loads the devlinkd TOML configuration.
//
// Every field has a default, so an empty or missing file yields a working
// configuration for a local peer. Durations are given in milliseconds.
// Environment variables override the file:
//
//	DEVLINK_LOG_LEVEL     logging.level
//	DEVLINK_COMMAND_ADDR  endpoint.command_addr
//	DEVLINK_DATA_ADDR     endpoint.data_addr
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/cyberinferno/devlink/handlers"
	"github.com/cyberinferno/devlink/logger"
	"github.com/cyberinferno/devlink/session"
	"github.com/cyberinferno/devlink/trigger"
	"github.com/pelletier/go-toml/v2"
)

// Environment variable names.
const (
	EnvLogLevel    = "DEVLINK_LOG_LEVEL"
	EnvCommandAddr = "DEVLINK_COMMAND_ADDR"
	EnvDataAddr    = "DEVLINK_DATA_ADDR"
)

type Config struct {
	Endpoint  Endpoint  `toml:"endpoint"`
	Reconnect Reconnect `toml:"reconnect"`
	Logging   Logging   `toml:"logging"`
	Metrics   Metrics   `toml:"metrics"`
	Cache     Cache     `toml:"cache"`
	Reset     Reset     `toml:"reset"`
	Device    Device    `toml:"device"`
}

type Endpoint struct {
	CommandAddr      string `toml:"command_addr"`
	DataAddr         string `toml:"data_addr"`
	ConnectTimeoutMs int    `toml:"connect_timeout_ms"`
	WriteTimeoutMs   int    `toml:"write_timeout_ms"`
	MaxFrameSize     uint32 `toml:"max_frame_size"`
}

type Reconnect struct {
	SettleDelayMs      int `toml:"settle_delay_ms"`
	EscalateAfter      int `toml:"escalate_after"`
	IdleBackoffMs      int `toml:"idle_backoff_ms"`
	EmptyReadBackoffMs int `toml:"empty_read_backoff_ms"`
	StopGraceMs        int `toml:"stop_grace_ms"`
}

type Logging struct {
	Level   string `toml:"level"`
	Dir     string `toml:"dir"`
	Console bool   `toml:"console"`
}

// Metrics configures the Prometheus endpoint. An empty Addr disables it.
type Metrics struct {
	Addr string `toml:"addr"`
	Path string `toml:"path"`
}

// Cache configures the reply cache. A RedisAddr selects the shared Redis
// cacher instead of the in-process one.
type Cache struct {
	RedisAddr    string `toml:"redis_addr"`
	RedisPrefix  string `toml:"redis_prefix"`
	VersionTTLMs int    `toml:"version_ttl_ms"`
}

// Reset configures udev-driven hard resets. An empty UdevSubsystem disables
// the udev monitor.
type Reset struct {
	UdevSubsystem string `toml:"udev_subsystem"`
	UdevDevice    string `toml:"udev_device"`
	UdevActions   string `toml:"udev_actions"`
}

type Device struct {
	Version  string `toml:"version"`
	LockFile string `toml:"lock_file"`
}

// Default returns the built-in configuration.
func Default() Config {
	s := session.DefaultConfig("127.0.0.1:7000", "127.0.0.1:7001")

	return Config{
		Endpoint: Endpoint{
			CommandAddr:      s.CommandAddr,
			DataAddr:         s.DataAddr,
			ConnectTimeoutMs: millis(s.ConnectTimeout),
			WriteTimeoutMs:   millis(s.WriteTimeout),
			MaxFrameSize:     s.MaxFrameSize,
		},
		Reconnect: Reconnect{
			SettleDelayMs:      millis(s.SettleDelay),
			EscalateAfter:      s.EscalateAfter,
			IdleBackoffMs:      millis(s.IdleBackoff),
			EmptyReadBackoffMs: millis(s.EmptyReadBackoff),
			StopGraceMs:        millis(s.StopGrace),
		},
		Logging: Logging{
			Level:   "info",
			Console: true,
		},
		Metrics: Metrics{
			Path: "/metrics",
		},
		Cache: Cache{
			RedisPrefix:  "devlink:",
			VersionTTLMs: 60_000,
		},
		Reset: Reset{
			UdevActions: trigger.DefaultActions,
		},
		Device: Device{
			Version:  "0.0.0",
			LockFile: "/tmp/devlinkd.lock",
		},
	}
}

// Load reads the file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file. Unknown
// keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
		}

		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			var strict *toml.StrictMissingError
			if errors.As(err, &strict) {
				return Config{}, fmt.Errorf("config parse failed (%s): %s", path, strict.String())
			}
			return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvCommandAddr)); v != "" {
		c.Endpoint.CommandAddr = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDataAddr)); v != "" {
		c.Endpoint.DataAddr = v
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if err := validateAddr("endpoint.command_addr", c.Endpoint.CommandAddr); err != nil {
		return err
	}
	if err := validateAddr("endpoint.data_addr", c.Endpoint.DataAddr); err != nil {
		return err
	}
	if c.Endpoint.CommandAddr == c.Endpoint.DataAddr {
		return fmt.Errorf("endpoint.command_addr and endpoint.data_addr must differ")
	}
	if c.Endpoint.ConnectTimeoutMs <= 0 {
		return fmt.Errorf("endpoint.connect_timeout_ms must be positive")
	}
	if c.Endpoint.WriteTimeoutMs < 0 {
		return fmt.Errorf("endpoint.write_timeout_ms must not be negative")
	}
	if c.Endpoint.MaxFrameSize == 0 {
		return fmt.Errorf("endpoint.max_frame_size must be positive")
	}

	for name, v := range map[string]int{
		"reconnect.settle_delay_ms":       c.Reconnect.SettleDelayMs,
		"reconnect.escalate_after":        c.Reconnect.EscalateAfter,
		"reconnect.idle_backoff_ms":       c.Reconnect.IdleBackoffMs,
		"reconnect.empty_read_backoff_ms": c.Reconnect.EmptyReadBackoffMs,
		"reconnect.stop_grace_ms":         c.Reconnect.StopGraceMs,
		"cache.version_ttl_ms":            c.Cache.VersionTTLMs,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	if c.Metrics.Addr != "" {
		if err := validateAddr("metrics.addr", c.Metrics.Addr); err != nil {
			return err
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics.path must start with /")
		}
	}

	if c.Cache.RedisAddr != "" {
		if err := validateAddr("cache.redis_addr", c.Cache.RedisAddr); err != nil {
			return err
		}
	}

	if strings.TrimSpace(c.Device.LockFile) == "" {
		return fmt.Errorf("device.lock_file is required")
	}

	return nil
}

// Session converts the endpoint and reconnect sections.
func (c Config) Session() session.Config {
	s := session.DefaultConfig(c.Endpoint.CommandAddr, c.Endpoint.DataAddr)
	s.ConnectTimeout = ms(c.Endpoint.ConnectTimeoutMs)
	s.WriteTimeout = ms(c.Endpoint.WriteTimeoutMs)
	s.MaxFrameSize = c.Endpoint.MaxFrameSize
	s.SettleDelay = ms(c.Reconnect.SettleDelayMs)
	s.EscalateAfter = c.Reconnect.EscalateAfter
	s.IdleBackoff = ms(c.Reconnect.IdleBackoffMs)
	s.EmptyReadBackoff = ms(c.Reconnect.EmptyReadBackoffMs)
	s.StopGrace = ms(c.Reconnect.StopGraceMs)
	return s
}

// Handlers converts the device and cache sections.
func (c Config) Handlers() handlers.Config {
	return handlers.Config{
		Version:    c.Device.Version,
		VersionTTL: ms(c.Cache.VersionTTLMs),
	}
}

// Udev converts the reset section.
func (c Config) Udev() trigger.UdevConfig {
	return trigger.UdevConfig{
		Subsystem: c.Reset.UdevSubsystem,
		Device:    c.Reset.UdevDevice,
		Actions:   c.Reset.UdevActions,
	}
}

func validateAddr(name, addr string) error {
	if strings.TrimSpace(addr) == "" {
		return fmt.Errorf("%s is required", name)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func millis(d time.Duration) int {
	return int(d / time.Millisecond)
}
