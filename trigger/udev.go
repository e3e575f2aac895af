package trigger

import (
	"context"
	"strings"
	"sync"

	"github.com/cyberinferno/devlink/logger"
	"github.com/pilebones/go-udev/netlink"
)

// DefaultActions is the uevent action pattern that triggers a reset.
const DefaultActions = "add|remove|change"

// UdevConfig selects the uevents that trigger a reset.
type UdevConfig struct {
	// Subsystem is matched against the SUBSYSTEM key, e.g. "video4linux".
	Subsystem string
	// Device restricts events to one device node, e.g. "/dev/video0". Empty
	// accepts every device of the subsystem.
	Device string
	// Actions is a regular expression over the uevent action.
	Actions string
}

// UdevMonitor listens for udev netlink events and calls its handler when the
// configured device appears, disappears or changes. A nil *UdevMonitor is a
// valid disabled monitor.
type UdevMonitor struct {
	config  UdevConfig
	handler func(device string)
	logger  logger.Logger

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	running bool
}

// NewUdevMonitor returns nil when cfg.Subsystem is empty.
func NewUdevMonitor(cfg UdevConfig, handler func(device string), log logger.Logger) *UdevMonitor {
	if strings.TrimSpace(cfg.Subsystem) == "" {
		return nil
	}

	if cfg.Actions == "" {
		cfg.Actions = DefaultActions
	}

	return &UdevMonitor{
		config:  cfg,
		handler: handler,
		logger:  log.With(logger.Field{Key: "component", Value: "udev"}),
	}
}

// Start connects to the kernel uevent socket and begins monitoring. A failed
// connect is logged and reported as nil: resets then rely on signals and
// protocol commands only.
func (m *UdevMonitor) Start(ctx context.Context) error {
	if m == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		m.logger.Warn("failed to connect to netlink socket; udev resets disabled",
			logger.Field{Key: "error", Value: err.Error()})
		return nil
	}

	m.conn = conn
	m.quit = make(chan struct{})
	m.running = true

	quit := m.quit
	go m.monitorLoop(ctx, conn, quit)

	m.logger.Info("udev monitor started",
		logger.Field{Key: "subsystem", Value: m.config.Subsystem},
		logger.Field{Key: "device", Value: m.config.Device})

	return nil
}

// Stop shuts the monitor down. It is safe to call on an unstarted monitor.
func (m *UdevMonitor) Stop() {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	close(m.quit)
	m.quit = nil

	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}

	m.running = false
	m.logger.Info("udev monitor stopped")
}

// Running reports whether the monitor is active.
func (m *UdevMonitor) Running() bool {
	if m == nil {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *UdevMonitor) monitorLoop(ctx context.Context, conn *netlink.UEventConn, quit <-chan struct{}) {
	queue := make(chan netlink.UEvent)
	errs := make(chan error)

	monitorQuit := conn.Monitor(queue, errs, m.matcher())

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case uevent := <-queue:
			m.handleEvent(uevent)
		case err := <-errs:
			m.logger.Warn("udev monitor error", logger.Field{Key: "error", Value: err.Error()})
		}
	}
}

func (m *UdevMonitor) matcher() netlink.Matcher {
	action := m.config.Actions
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM": m.config.Subsystem,
		},
	})
	return rules
}

func (m *UdevMonitor) handleEvent(uevent netlink.UEvent) {
	device := deviceName(uevent)
	if m.config.Device != "" && device != m.config.Device {
		m.logger.Debug("ignoring event for other device",
			logger.Field{Key: "device", Value: device},
			logger.Field{Key: "action", Value: string(uevent.Action)})
		return
	}

	m.logger.Info("device event",
		logger.Field{Key: "device", Value: device},
		logger.Field{Key: "action", Value: string(uevent.Action)})

	if m.handler != nil {
		m.handler(device)
	}
}

// deviceName returns DEVNAME, or /dev/<last DEVPATH element> when absent.
func deviceName(uevent netlink.UEvent) string {
	if name := uevent.Env["DEVNAME"]; name != "" {
		if !strings.HasPrefix(name, "/") {
			return "/dev/" + name
		}
		return name
	}

	devpath := uevent.Env["DEVPATH"]
	if devpath == "" {
		return ""
	}

	parts := strings.Split(devpath, "/")
	return "/dev/" + parts[len(parts)-1]
}
