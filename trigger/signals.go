// Package trigger turns out-of-band events into reconnect requests: process
// signals and udev netlink uevents for the camera device.
package trigger

import (
	"context"
	"os"
	"os/signal"

	"github.com/cyberinferno/devlink/logger"
	"golang.org/x/sys/unix"
)

// SignalWatcher maps SIGUSR1 to a soft reconnect and SIGUSR2 to a hard reset.
// The signals are registered by NewSignalWatcher so they are never delivered
// with their default action once the watcher exists.
type SignalWatcher struct {
	soft   func()
	hard   func()
	logger logger.Logger
	ch     chan os.Signal
}

// NewSignalWatcher registers for SIGUSR1 and SIGUSR2.
//
// Parameters:
//   - soft: Called on SIGUSR1; nil ignores the signal
//   - hard: Called on SIGUSR2; nil ignores the signal
//   - log: Logger
//
// Returns:
//   - The watcher; call Run to start handling signals
func NewSignalWatcher(soft, hard func(), log logger.Logger) *SignalWatcher {
	w := &SignalWatcher{
		soft:   soft,
		hard:   hard,
		logger: log.With(logger.Field{Key: "component", Value: "signals"}),
		ch:     make(chan os.Signal, 4),
	}
	signal.Notify(w.ch, unix.SIGUSR1, unix.SIGUSR2)
	return w
}

// Run handles signals until ctx is done, then unregisters them.
func (w *SignalWatcher) Run(ctx context.Context) error {
	defer signal.Stop(w.ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-w.ch:
			w.handle(sig)
		}
	}
}

func (w *SignalWatcher) handle(sig os.Signal) {
	switch sig {
	case unix.SIGUSR1:
		w.logger.Info("soft reconnect requested", logger.Field{Key: "signal", Value: sig.String()})
		if w.soft != nil {
			w.soft()
		}
	case unix.SIGUSR2:
		w.logger.Info("hard reset requested", logger.Field{Key: "signal", Value: sig.String()})
		if w.hard != nil {
			w.hard()
		}
	}
}
