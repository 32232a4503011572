// Package supervisor runs the original echod process: it binds every
// endpoint, hands each socket to a listener process, drops privileges and
// then waits for the listeners.
package supervisor

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

var getuid = os.Getuid

// SignalQueue captures the shutdown signals for the wait loop.
type SignalQueue struct {
	C  <-chan os.Signal
	ch chan os.Signal
}

// NewSignalQueue registers for SIGTERM and SIGINT.
func NewSignalQueue() *SignalQueue {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	return &SignalQueue{C: ch, ch: ch}
}

// Stop deregisters signal notifications.
func (sq *SignalQueue) Stop() {
	signal.Stop(sq.ch)
}

// RootWarning logs a warning if the process is running as root (uid 0)
// without a user to drop privileges to.
func RootWarning(logger *slog.Logger, userConfigured bool) {
	if getuid() != 0 || userConfigured {
		return
	}
	logger.Warn("running as root without a user; listeners and workers keep root privileges, consider --user")
}
