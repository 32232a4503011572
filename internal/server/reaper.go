package server

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/echodev/echod/internal/events"
)

// WaitFunc performs one non-blocking wait for any child. It returns pid 0
// when children exist but none has terminated.
type WaitFunc func() (pid int, status unix.WaitStatus, err error)

func wait4NoHang() (int, unix.WaitStatus, error) {
	var ws unix.WaitStatus
	for {
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return pid, ws, err
	}
}

// Reaper collects terminated workers on SIGCHLD and returns their slots
// to the admission counter.
type Reaper struct {
	admission *Admission
	bus       *events.Bus
	logger    *slog.Logger
	wait      WaitFunc

	// mu keeps Drain out while a spawn is in flight.
	mu sync.Mutex

	sigs chan os.Signal
	stop chan struct{}
	done chan struct{}
}

// NewReaper creates a reaper. Call Start before the first worker is
// spawned.
func NewReaper(a *Admission, bus *events.Bus, logger *slog.Logger) *Reaper {
	return &Reaper{
		admission: a,
		bus:       bus,
		logger:    logger,
		wait:      wait4NoHang,
		sigs:      make(chan os.Signal, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start subscribes to SIGCHLD and drains on every notification.
func (r *Reaper) Start() {
	signal.Notify(r.sigs, syscall.SIGCHLD)
	go r.run()
}

func (r *Reaper) run() {
	defer close(r.done)
	for {
		select {
		case <-r.stop:
			return
		case <-r.sigs:
			r.Drain()
		}
	}
}

// Stop unsubscribes from SIGCHLD and waits for the reaper goroutine.
func (r *Reaper) Stop() {
	signal.Stop(r.sigs)
	close(r.stop)
	<-r.done
}

// Hold blocks Drain until the returned function is called. A start that
// fails after fork waits for its own child inside Spawn; spawning under
// Hold keeps Drain from reaping that child and releasing its slot a
// second time.
func (r *Reaper) Hold() (release func()) {
	r.mu.Lock()
	return r.mu.Unlock
}

// Drain reaps every terminated child. Notifications coalesce, so one
// SIGCHLD may stand for many exits; a single wait per signal would leak
// slots. It returns the number of children reaped.
func (r *Reaper) Drain() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	reaped := 0
	for {
		pid, ws, err := r.wait()
		if err != nil || pid <= 0 {
			if err != nil && !errors.Is(err, unix.ECHILD) {
				r.logger.Warn("wait failed", "error", err)
			}
			return reaped
		}
		reaped++
		r.admission.Release()

		status := describeStatus(ws)
		r.logger.Debug("reaped worker", "pid", pid, "status", status, "live", r.admission.Live())
		r.bus.Publish(events.Event{
			Type: events.WorkerReaped,
			Data: map[string]string{
				"pid":    strconv.Itoa(pid),
				"status": status,
			},
		})
	}
}

func describeStatus(ws unix.WaitStatus) string {
	switch {
	case ws.Exited():
		return fmt.Sprintf("exit %d", ws.ExitStatus())
	case ws.Signaled():
		return "signal " + ws.Signal().String()
	default:
		return "unknown"
	}
}
