package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/echodev/echod/internal/bind"
	"github.com/echodev/echod/internal/config"
	"github.com/echodev/echod/internal/events"
	"github.com/echodev/echod/internal/logging"
	"github.com/echodev/echod/internal/metrics"
	"github.com/echodev/echod/internal/process"
	"github.com/echodev/echod/internal/resolve"
	"github.com/echodev/echod/internal/sandbox"
)

// RoleOptions carries what a child role needs beyond its handoff.
type RoleOptions struct {
	Name       string // program name, prefixes process titles
	Executable string // binary re-executed for workers
	Logger     *slog.Logger
	Narrower   sandbox.Narrower
	Spawner    process.ProcessSpawner
	Stderr     io.Writer
	Conn       *os.File // inherited descriptor; nil means InheritedFD
}

// RunListener is the body of a listener process. It owns the socket on
// the inherited descriptor until a termination signal or a fatal error.
func RunListener(h *process.Handoff, opts RoleOptions) error {
	cfg := &h.Config
	logger := logging.WithFields(opts.Logger,
		"role", "listener",
		"transport", h.Endpoint.Transport.String(),
		"address", h.Endpoint.Address())

	sock := adopt(opts.Conn, h.Endpoint)
	defer sock.Close()

	// The supervisor already listens on sockets it binds; listening again
	// only resets the backlog.
	tcp := h.Endpoint.Transport == resolve.TCP
	if tcp {
		if err := sock.Listen(); err != nil {
			return err
		}
	}

	bus := events.NewBus(logger)
	admission := NewAdmission(cfg.MaxClientsValue())

	l := &Listener{
		Socket:      sock,
		Mode:        cfg.Server.Mode,
		BufferSize:  cfg.Server.BufferSize,
		ClearBuffer: cfg.Server.ClearBuffer,
		Admission:   admission,
		Spawner:     opts.Spawner,
		WorkerConfig: func(peer string) (process.SpawnConfig, error) {
			wh := *h
			wh.Role = process.RoleWorker
			wh.Peer = peer
			env, err := wh.Environ(os.Environ())
			if err != nil {
				return process.SpawnConfig{}, err
			}
			return process.SpawnConfig{
				Path:   opts.Executable,
				Title:  opts.Name + ": connection from " + peer,
				Env:    env,
				Stderr: opts.Stderr,
			}, nil
		},
		Bus:    bus,
		Logger: logger,
	}

	if cfg.Metrics.Dir != "" {
		m := metrics.NewListener(h.Endpoint.String(), func() float64 { return float64(admission.Live()) })
		m.Attach(bus)
		flush := func() {
			if err := m.WriteTextfile(cfg.Metrics.Dir); err != nil {
				logger.Warn("cannot write metrics", "error", err)
			}
		}
		bus.Subscribe(events.Tick5, func(events.Event) { flush() })
		bus.Subscribe(events.ListenerExited, func(events.Event) { flush() })
		ticker := events.NewTicker(bus)
		defer ticker.Stop()
	}

	if tcp {
		newDropLog(logger).attach(bus)
		if admission.Bounded() {
			reaper := NewReaper(admission, bus, logger)
			l.Reaper = reaper
			reaper.Start()
			defer reaper.Stop()
		} else {
			// Nothing counts workers, so let the kernel reap them.
			signal.Ignore(syscall.SIGCHLD)
		}
	}

	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(term)
	go func() {
		if _, ok := <-term; ok {
			l.Shutdown()
		}
	}()

	if err := opts.Narrower.Narrow(sandbox.RoleListener); err != nil {
		return fmt.Errorf("sandbox %s: %w", opts.Narrower.Name(), err)
	}
	if h.Endpoint.Transport == resolve.UDP && cfg.Server.Mode == config.ModeEcho {
		logger.Debug("udp listener may send to any peer; narrowing cannot pin it to one")
	}

	logger.Info("listening", "sandbox", opts.Narrower.Name(), "max_clients", cfg.MaxClientsValue())
	bus.Publish(events.Event{Type: events.ListenerStarted})

	err := l.Serve()
	bus.Publish(events.Event{Type: events.ListenerExited})
	if err != nil {
		return err
	}
	logger.Info("listener stopped")
	return nil
}

// RunWorker is the body of a worker process: narrow, bound the receive,
// exchange once, exit. ErrTimeout is logged at debug level here.
func RunWorker(h *process.Handoff, opts RoleOptions) error {
	cfg := &h.Config
	logger := logging.WithFields(opts.Logger, "role", "worker", "peer", h.Peer)

	conn := opts.Conn
	if conn == nil {
		conn = os.NewFile(process.InheritedFD, "conn")
	}
	defer conn.Close()

	if err := opts.Narrower.Narrow(sandbox.RoleWorker); err != nil {
		return fmt.Errorf("sandbox %s: %w", opts.Narrower.Name(), err)
	}

	w := &Worker{
		FD:         int(conn.Fd()),
		Mode:       cfg.Server.Mode,
		TimeoutMS:  cfg.TimeoutValue(),
		BufferSize: cfg.Server.BufferSize,
	}
	if err := w.SetTimeout(); err != nil {
		return err
	}

	n, err := w.Exchange()
	if errors.Is(err, ErrTimeout) {
		logger.Debug("connection timeout", "timeout_ms", w.TimeoutMS)
		return err
	}
	if err != nil {
		return err
	}
	logger.Debug("exchange complete", "bytes", n)
	return nil
}

func adopt(f *os.File, ep resolve.Endpoint) *bind.Socket {
	if f == nil {
		return bind.FromFD(process.InheritedFD, ep)
	}
	return bind.FromFile(f, ep)
}
