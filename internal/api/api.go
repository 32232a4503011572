// Package api exposes the echod supervisor's optional HTTP surface:
// probes, Prometheus metrics and a read-only view of the listeners.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/echodev/echod/internal/events"
)

// ListenerInfo describes the runtime state of one listener process.
type ListenerInfo struct {
	Endpoint   string `json:"endpoint"`
	Transport  string `json:"transport"`
	Address    string `json:"address"`
	State      string `json:"state"`
	PID        int    `json:"pid"`
	Uptime     int64  `json:"uptime"`
	ExitStatus string `json:"exit_status,omitempty"`
}

// Listener states reported in ListenerInfo.State.
const (
	StateRunning = "RUNNING"
	StateExited  = "EXITED"
)

// ListenerSource lists the supervisor's listeners.
type ListenerSource interface {
	Listeners() []ListenerInfo
}

// DaemonInfo describes the running supervisor.
type DaemonInfo interface {
	IsShuttingDown() bool
	IsReady() bool
	Version() map[string]string
	PID() int
}

// Config holds API server configuration.
type Config struct {
	Username string
	Password string // bcrypt hash
}

// Server is the HTTP server of the supervisor.
type Server struct {
	listeners ListenerSource
	daemon    DaemonInfo
	metrics   http.Handler
	bus       *events.Bus
	logger    *slog.Logger
	mux       *http.ServeMux
	ln        net.Listener
	server    *http.Server

	authUser string
	authPass string // bcrypt hash
}

// NewServer creates an API server. metrics may be nil, in which case
// /metrics is not served.
func NewServer(cfg Config, ls ListenerSource, di DaemonInfo, metrics http.Handler, bus *events.Bus, logger *slog.Logger) *Server {
	s := &Server{
		listeners: ls,
		daemon:    di,
		metrics:   metrics,
		bus:       bus,
		logger:    logger,
		authUser:  cfg.Username,
		authPass:  cfg.Password,
	}
	s.mux = s.buildMux()
	return s
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	// Probe endpoints -- no auth required.
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)

	if s.metrics != nil {
		mux.HandleFunc("GET /metrics", s.requireAuth(s.metrics.ServeHTTP))
	}

	mux.HandleFunc("GET /api/v1/listeners", s.requireAuth(s.handleListListeners))
	mux.HandleFunc("GET /api/v1/version", s.requireAuth(s.handleVersion))
	mux.HandleFunc("GET /api/v1/events/stream", s.requireAuth(s.handleEventStream))

	return mux
}

// Listen binds addr. It is split from Serve so the port can be bound
// while the process still holds the privileges to do so.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("cannot bind %s: %w", addr, err)
	}
	s.ln = ln

	// Warn about binding to all interfaces.
	host, _, _ := net.SplitHostPort(addr)
	if (host == "0.0.0.0" || host == "" || host == "::") && s.authUser == "" {
		s.logger.Warn("metrics server bound to all interfaces without auth", "addr", addr)
	}
	return nil
}

// Serve begins serving on the bound listener in the background.
func (s *Server) Serve() {
	s.server = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.server.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server error", "error", err)
		}
	}()
	s.logger.Info("metrics server started", "addr", s.ln.Addr().String())
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

// Close stops the server at once, dropping open connections.
func (s *Server) Close() error {
	if s.server != nil {
		return s.server.Close()
	}
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

// Addr returns the bound address, or empty if not bound.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return ""
}

// --- HTTP Handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.daemon != nil && s.daemon.IsShuttingDown() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "shutting_down",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.daemon != nil && s.daemon.IsReady() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	var down []string
	for _, l := range s.listeners.Listeners() {
		if l.State != StateRunning {
			down = append(down, l.Endpoint)
		}
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{
		"status": "not_ready",
		"down":   down,
	})
}

func (s *Server) handleListListeners(w http.ResponseWriter, r *http.Request) {
	list := s.listeners.Listeners()
	if state := strings.ToUpper(r.URL.Query().Get("state")); state != "" {
		filtered := list[:0:0]
		for _, l := range list {
			if l.State == state {
				filtered = append(filtered, l)
			}
		}
		list = filtered
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.daemon.Version())
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", "SERVER_ERROR")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher.Flush()

	// Parse type filter.
	typesParam := r.URL.Query().Get("types")
	var typeFilter map[events.EventType]bool
	if typesParam != "" {
		typeFilter = make(map[events.EventType]bool)
		for _, t := range strings.Split(typesParam, ",") {
			typeFilter[events.EventType(strings.TrimSpace(t))] = true
		}
	}

	allTypes := []events.EventType{events.ListenerStarted, events.ListenerExited}

	// Use a channel to serialize writes to the response writer.
	type sseEvent struct {
		eventType string
		data      []byte
	}
	ch := make(chan sseEvent, 64)

	var ids []uint64
	for _, et := range allTypes {
		if typeFilter != nil && !typeFilter[et] {
			continue
		}
		id := s.bus.Subscribe(et, func(e events.Event) {
			data, _ := json.Marshal(e.Data)
			select {
			case ch <- sseEvent{eventType: string(e.Type), data: data}:
			default:
			}
		})
		ids = append(ids, id)
	}

	defer func() {
		for _, id := range ids {
			s.bus.Unsubscribe(id)
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.eventType, ev.data)
			flusher.Flush()
		}
	}
}

// --- Auth middleware ---

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.authUser == "" {
			next(w, r)
			return
		}

		user, pass, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="echod"`)
			writeError(w, http.StatusUnauthorized, "authentication required", "UNAUTHORIZED")
			return
		}

		if user != s.authUser || !checkPassword(pass, s.authPass) {
			w.Header().Set("WWW-Authenticate", `Basic realm="echod"`)
			writeError(w, http.StatusUnauthorized, "invalid credentials", "UNAUTHORIZED")
			return
		}

		next(w, r)
	}
}

// checkPassword compares plain against a bcrypt hash. Anything that is
// not a bcrypt hash never matches.
func checkPassword(plain, hash string) bool {
	if !strings.HasPrefix(hash, "$2") {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}
