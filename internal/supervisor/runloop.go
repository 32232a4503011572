package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/echodev/echod/internal/api"
	"github.com/echodev/echod/internal/bind"
	"github.com/echodev/echod/internal/config"
	"github.com/echodev/echod/internal/events"
	"github.com/echodev/echod/internal/logging"
	"github.com/echodev/echod/internal/metrics"
	"github.com/echodev/echod/internal/process"
	"github.com/echodev/echod/internal/resolve"
)

// ErrAllListenersExited is returned by Run once no listener is left.
var ErrAllListenersExited = errors.New("all listeners exited")

// SupervisorConfig configures the supervisor.
type SupervisorConfig struct {
	Config     *config.Config
	Name       string // program name, prefixes process titles
	Executable string // binary re-executed for listeners
	Filter     resolve.Filter
	Credential *process.Credential
	Spawner    process.ProcessSpawner
	Resolver   resolve.Resolver
	Stderr     io.Writer // stderr of listener processes
	Version    string
	Logger     *slog.Logger
}

// Supervisor is the original echod process.
type Supervisor struct {
	cfg     SupervisorConfig
	bus     *events.Bus
	metrics *metrics.Collector
	api     *api.Server
	drop    func(*process.Credential, *slog.Logger) error
	logger  *slog.Logger

	mu        sync.Mutex
	listeners []*listener
	shutting  bool
	waiting   chan struct{}
}

type listener struct {
	endpoint resolve.Endpoint
	proc     process.SpawnedProcess
	started  time.Time
	exited   bool
	status   string
}

type listenerExit struct {
	l      *listener
	status string
}

// New creates a supervisor.
func New(cfg SupervisorConfig) *Supervisor {
	if cfg.Spawner == nil {
		cfg.Spawner = &process.ExecSpawner{}
	}
	if cfg.Name == "" {
		cfg.Name = "echod"
	}

	m := metrics.New()
	m.SetBuildInfo(cfg.Version, runtime.Version(), cfg.Config.Server.Mode)

	return &Supervisor{
		cfg:     cfg,
		bus:     events.NewBus(cfg.Logger),
		metrics: m,
		drop:    DropPrivileges,
		logger:  cfg.Logger,
		waiting: make(chan struct{}),
	}
}

// Bus returns the event bus.
func (s *Supervisor) Bus() *events.Bus { return s.bus }

// Metrics returns the supervisor's metrics collector.
func (s *Supervisor) Metrics() *metrics.Collector { return s.metrics }

// Run resolves and binds every endpoint, spawning a listener for each
// socket as soon as it is bound, drops privileges and waits. It returns
// nil on SIGTERM or SIGINT and ErrAllListenersExited when the last
// listener is gone. Any failure before the wait is fatal.
func (s *Supervisor) Run(ctx context.Context) error {
	cfg := s.cfg.Config

	if err := WritePIDFile(cfg.Daemon.PIDFile); err != nil {
		return err
	}
	defer RemovePIDFile(cfg.Daemon.PIDFile)

	hosts, err := cfg.HostList()
	if err != nil {
		return err
	}
	endpoints, err := resolve.Resolve(ctx, hosts, s.cfg.Filter, s.cfg.Resolver, s.logger)
	if err != nil {
		return err
	}
	for _, ep := range endpoints {
		if err := s.bindAndSpawn(ep); err != nil {
			return err
		}
	}

	if cfg.Metrics.Listen != "" {
		s.api = api.NewServer(api.Config{
			Username: cfg.Metrics.Username,
			Password: cfg.Metrics.Password,
		}, s, s, s.metrics.Handler(), s.bus, s.logger)
		if err := s.api.Listen(cfg.Metrics.Listen); err != nil {
			return err
		}
		defer s.api.Close()
	}

	if err := s.drop(s.cfg.Credential, s.logger); err != nil {
		return err
	}
	if s.api != nil {
		s.api.Serve()
	}

	signals := NewSignalQueue()
	defer signals.Stop()

	s.mu.Lock()
	exits := make(chan listenerExit, len(s.listeners))
	for _, l := range s.listeners {
		go s.wait(l, exits)
	}
	remaining := len(s.listeners)
	s.mu.Unlock()
	close(s.waiting)

	for {
		select {
		case sig := <-signals.C:
			s.setShutting()
			s.logger.Log(ctx, logging.LevelNotice, "exiting...", "signal", sig.String())
			return nil
		case <-ctx.Done():
			s.setShutting()
			return nil
		case ex := <-exits:
			s.listenerExited(ex)
			remaining--
			if remaining == 0 {
				s.setShutting()
				return ErrAllListenersExited
			}
		}
	}
}

// bindAndSpawn binds ep and hands the socket to a new listener process.
// The supervisor's copy of the socket is closed either way.
func (s *Supervisor) bindAndSpawn(ep resolve.Endpoint) error {
	sock, err := bind.Bind(ep)
	if err != nil {
		return err
	}
	defer sock.Close()

	// Connections queue in the backlog from here on, so the endpoint
	// accepts clients before the listener process is scheduled.
	if ep.Transport == resolve.TCP {
		if err := sock.Listen(); err != nil {
			return err
		}
	}

	// Port 0 binds get their real port into the handoff.
	bound := ep
	if local, err := sock.LocalEndpoint(); err == nil {
		bound = local
	}

	h := process.Handoff{
		Role:     process.RoleListener,
		Endpoint: bound,
		Config:   *s.cfg.Config,
	}
	env, err := h.Environ(os.Environ())
	if err != nil {
		return err
	}

	proc, err := s.cfg.Spawner.Spawn(process.SpawnConfig{
		Path:       s.cfg.Executable,
		Title:      s.cfg.Name + ": " + sock.Title(),
		Env:        env,
		Stderr:     s.cfg.Stderr,
		ExtraFiles: []*os.File{sock.File()},
		Credential: s.cfg.Credential.SysProcAttr(),
		Pdeathsig:  true,
	})
	if err != nil {
		return fmt.Errorf("cannot spawn listener for %s: %w", ep, err)
	}

	s.mu.Lock()
	s.listeners = append(s.listeners, &listener{
		endpoint: bound,
		proc:     proc,
		started:  time.Now(),
	})
	s.mu.Unlock()

	s.metrics.SetListenerUp(bound.String(), true)
	s.logger.Debug("listener spawned", "endpoint", bound.String(), "pid", proc.Pid())
	s.bus.Publish(events.Event{
		Type: events.ListenerStarted,
		Data: map[string]string{
			"endpoint": bound.String(),
			"pid":      strconv.Itoa(proc.Pid()),
		},
	})
	return nil
}

func (s *Supervisor) wait(l *listener, exits chan<- listenerExit) {
	ps, err := l.proc.Wait()
	exits <- listenerExit{l: l, status: exitStatus(ps, err)}
}

func (s *Supervisor) listenerExited(ex listenerExit) {
	s.mu.Lock()
	ex.l.exited = true
	ex.l.status = ex.status
	s.mu.Unlock()

	ep := ex.l.endpoint.String()
	s.metrics.SetListenerUp(ep, false)
	s.metrics.IncListenerExit(ep)
	s.logger.Error("listener exited", "endpoint", ep, "pid", ex.l.proc.Pid(), "status", ex.status)
	s.bus.Publish(events.Event{
		Type: events.ListenerExited,
		Data: map[string]string{
			"endpoint": ep,
			"pid":      strconv.Itoa(ex.l.proc.Pid()),
			"status":   ex.status,
		},
	})
}

func exitStatus(ps *os.ProcessState, err error) string {
	if ps == nil {
		if err != nil {
			return "wait: " + err.Error()
		}
		return "unknown"
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return "signal " + ws.Signal().String()
	}
	return "exit " + strconv.Itoa(ps.ExitCode())
}

func (s *Supervisor) setShutting() {
	s.mu.Lock()
	s.shutting = true
	s.mu.Unlock()
}

// Listeners reports every listener spawned so far.
func (s *Supervisor) Listeners() []api.ListenerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]api.ListenerInfo, 0, len(s.listeners))
	for _, l := range s.listeners {
		info := api.ListenerInfo{
			Endpoint:  l.endpoint.String(),
			Transport: l.endpoint.Transport.String(),
			Address:   l.endpoint.Address(),
			State:     api.StateRunning,
			PID:       l.proc.Pid(),
			Uptime:    int64(time.Since(l.started).Seconds()),
		}
		if l.exited {
			info.State = api.StateExited
			info.Uptime = 0
			info.ExitStatus = l.status
		}
		out = append(out, info)
	}
	return out
}

// IsShuttingDown returns true once Run has decided to return.
func (s *Supervisor) IsShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutting
}

// IsReady returns true if at least one listener was spawned and all of
// them are still running.
func (s *Supervisor) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutting || len(s.listeners) == 0 {
		return false
	}
	for _, l := range s.listeners {
		if l.exited {
			return false
		}
	}
	return true
}

// Version returns version info.
func (s *Supervisor) Version() map[string]string {
	return map[string]string{
		"version":    s.cfg.Version,
		"go_version": runtime.Version(),
		"mode":       s.cfg.Config.Server.Mode,
	}
}

// PID returns the supervisor PID.
func (s *Supervisor) PID() int { return os.Getpid() }
