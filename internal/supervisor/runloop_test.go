package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/echodev/echod/internal/api"
	"github.com/echodev/echod/internal/config"
	"github.com/echodev/echod/internal/events"
	"github.com/echodev/echod/internal/process"
	"github.com/echodev/echod/internal/resolve"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(hosts ...string) *config.Config {
	cfg := config.Default()
	cfg.Server.Hosts = hosts
	return cfg
}

func testSupervisor(cfg *config.Config, sp process.ProcessSpawner, f resolve.Filter) *Supervisor {
	return New(SupervisorConfig{
		Config:     cfg,
		Name:       "echod",
		Executable: "/proc/self/exe",
		Filter:     f,
		Spawner:    sp,
		Version:    "test",
		Logger:     discardLogger(),
	})
}

// exitState returns the state of a real process that exited via script.
func exitState(t *testing.T, script string) *os.ProcessState {
	t.Helper()
	cmd := exec.Command("/bin/sh", "-c", script)
	_ = cmd.Run()
	if cmd.ProcessState == nil {
		t.Fatalf("sh -c %q did not run", script)
	}
	return cmd.ProcessState
}

// blockingSpawner hands out listeners that run until release is closed.
type blockingSpawner struct {
	process.MockSpawner
	release chan struct{}
	once    sync.Once
}

func newBlockingSpawner(state *os.ProcessState) *blockingSpawner {
	b := &blockingSpawner{release: make(chan struct{})}
	pid := 4000
	b.SpawnFn = func(process.SpawnConfig) (process.SpawnedProcess, error) {
		pid++
		p := process.NewMockProcess(pid)
		p.WaitFn = func() (*os.ProcessState, error) {
			<-b.release
			return state, nil
		}
		return p, nil
	}
	return b
}

func (b *blockingSpawner) stop() { b.once.Do(func() { close(b.release) }) }

func start(t *testing.T, s *Supervisor) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	select {
	case <-s.waiting:
	case err := <-errCh:
		cancel()
		t.Fatalf("Run returned before waiting: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("supervisor never started waiting")
	}
	return cancel, errCh
}

func result(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestRunSpawnsListenerPerEndpoint(t *testing.T) {
	sp := newBlockingSpawner(nil)
	defer sp.stop()
	s := testSupervisor(testConfig("127.0.0.1/0"), sp, resolve.NormalizeFilter(true, false, false, false))

	cancel, errCh := start(t, s)

	if len(sp.SpawnCalls) != 2 {
		t.Fatalf("spawned %d listeners, want 2 (tcp and udp)", len(sp.SpawnCalls))
	}
	for i, want := range []string{"echod: listen on tcp 127.0.0.1/0", "echod: listen on udp 127.0.0.1/0"} {
		cfg := sp.SpawnCalls[i]
		if cfg.Title != want {
			t.Errorf("title = %q, want %q", cfg.Title, want)
		}
		if cfg.Path != "/proc/self/exe" {
			t.Errorf("path = %q", cfg.Path)
		}
		if !cfg.Pdeathsig {
			t.Error("listener should die with the supervisor")
		}
		if len(cfg.ExtraFiles) != 1 {
			t.Errorf("listener got %d extra files, want 1", len(cfg.ExtraFiles))
		}
		if cfg.Credential != nil {
			t.Error("no user configured, listener should keep the credential")
		}

		h := decodeHandoff(t, cfg.Env)
		if h.Role != process.RoleListener {
			t.Errorf("role = %q", h.Role)
		}
		if h.Endpoint.Port == 0 {
			t.Error("handoff should carry the port the kernel assigned")
		}
	}

	if !s.IsReady() {
		t.Fatal("all listeners running, supervisor should be ready")
	}
	list := s.Listeners()
	if len(list) != 2 || list[0].State != api.StateRunning || list[0].PID != 4001 {
		t.Fatalf("listeners = %+v", list)
	}

	cancel()
	if err := result(t, errCh); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if !s.IsShuttingDown() {
		t.Fatal("supervisor should report shutting down")
	}
}

func TestRunListensBeforeSpawningTCP(t *testing.T) {
	var (
		mu        sync.Mutex
		accepting = map[resolve.Transport]bool{}
		tcpAddr   string
		held      []*os.File
	)
	sp := newBlockingSpawner(nil)
	defer sp.stop()
	next := sp.SpawnFn
	sp.SpawnFn = func(cfg process.SpawnConfig) (process.SpawnedProcess, error) {
		// Keep a copy of the socket the way a listener process would.
		fd, err := unix.Dup(int(cfg.ExtraFiles[0].Fd()))
		if err != nil {
			return nil, err
		}
		on, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ACCEPTCONN)
		if err != nil {
			on = 0
		}
		h := decodeHandoff(t, cfg.Env)

		mu.Lock()
		accepting[h.Endpoint.Transport] = on == 1
		held = append(held, os.NewFile(uintptr(fd), "held"))
		if h.Endpoint.Transport == resolve.TCP {
			tcpAddr = net.JoinHostPort(h.Endpoint.Addr.String(), strconv.Itoa(h.Endpoint.Port))
		}
		mu.Unlock()
		return next(cfg)
	}
	defer func() {
		for _, f := range held {
			f.Close()
		}
	}()

	s := testSupervisor(testConfig("127.0.0.1/0"), sp, resolve.NormalizeFilter(true, false, false, false))
	cancel, errCh := start(t, s)
	defer func() {
		cancel()
		_ = result(t, errCh)
	}()

	mu.Lock()
	defer mu.Unlock()
	if !accepting[resolve.TCP] {
		t.Fatal("tcp socket was not listening when its listener was spawned")
	}
	if accepting[resolve.UDP] {
		t.Error("udp socket should not be in listening state")
	}
	if !s.IsReady() {
		t.Fatal("supervisor should be ready")
	}

	// Ready means a client can connect at once, before any accept runs.
	conn, err := net.DialTimeout("tcp", tcpAddr, time.Second)
	if err != nil {
		t.Fatalf("dial %s right after ready: %v", tcpAddr, err)
	}
	conn.Close()
}

func decodeHandoff(t *testing.T, env []string) *process.Handoff {
	t.Helper()
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, process.HandoffEnv+"="); ok {
			h, err := process.DecodeHandoff(v)
			if err != nil {
				t.Fatal(err)
			}
			return h
		}
	}
	t.Fatal("no handoff in environment")
	return nil
}

func TestRunAllListenersExited(t *testing.T) {
	state := exitState(t, "exit 3")
	sp := &process.MockSpawner{SpawnFn: func(process.SpawnConfig) (process.SpawnedProcess, error) {
		p := process.NewMockProcess(4100)
		p.WaitFn = func() (*os.ProcessState, error) { return state, nil }
		return p, nil
	}}
	s := testSupervisor(testConfig("127.0.0.1/0"), sp, resolve.NormalizeFilter(true, false, false, true))

	exited := make(chan events.Event, 1)
	s.Bus().Subscribe(events.ListenerExited, func(e events.Event) { exited <- e })

	err := s.Run(context.Background())
	if !errors.Is(err, ErrAllListenersExited) {
		t.Fatalf("Run() = %v, want ErrAllListenersExited", err)
	}

	e := <-exited
	if e.Data["status"] != "exit 3" || e.Data["pid"] != "4100" {
		t.Fatalf("exit event = %v", e.Data)
	}
	list := s.Listeners()
	if len(list) != 1 || list[0].State != api.StateExited || list[0].ExitStatus != "exit 3" {
		t.Fatalf("listeners = %+v", list)
	}
	if s.IsReady() {
		t.Fatal("supervisor without listeners should not be ready")
	}

	body := scrape(t, s)
	if !strings.Contains(body, `echod_listener_exits_total{endpoint="tcp 127.0.0.1/`) {
		t.Fatalf("exit not counted:\n%s", body)
	}
}

func scrape(t *testing.T, s *Supervisor) string {
	t.Helper()
	w := httptest.NewRecorder()
	s.Metrics().Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	return w.Body.String()
}

func TestRunOneListenerExitKeepsWaiting(t *testing.T) {
	state := exitState(t, "kill -9 $$")
	var mu sync.Mutex
	n := 0
	block := make(chan struct{})
	defer close(block)
	sp := &process.MockSpawner{SpawnFn: func(process.SpawnConfig) (process.SpawnedProcess, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		p := process.NewMockProcess(4200 + n)
		if n == 1 {
			p.WaitFn = func() (*os.ProcessState, error) { return state, nil }
		} else {
			p.WaitFn = func() (*os.ProcessState, error) { <-block; return nil, nil }
		}
		return p, nil
	}}
	s := testSupervisor(testConfig("127.0.0.1/0"), sp, resolve.NormalizeFilter(true, false, false, false))

	exited := make(chan events.Event, 1)
	s.Bus().Subscribe(events.ListenerExited, func(e events.Event) { exited <- e })

	cancel, errCh := start(t, s)
	defer cancel()

	select {
	case e := <-exited:
		if e.Data["status"] != "signal killed" {
			t.Fatalf("status = %q, want signal killed", e.Data["status"])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no exit event")
	}

	select {
	case err := <-errCh:
		t.Fatalf("Run returned with a listener still running: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	if s.IsReady() {
		t.Fatal("supervisor with an exited listener should not be ready")
	}

	cancel()
	if err := result(t, errCh); err != nil {
		t.Fatal(err)
	}
}

func TestRunSignalExitsCleanly(t *testing.T) {
	sp := newBlockingSpawner(nil)
	defer sp.stop()
	s := testSupervisor(testConfig("127.0.0.1/0"), sp, resolve.NormalizeFilter(true, false, true, false))

	_, errCh := start(t, s)
	if err := syscall.Kill(os.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatal(err)
	}
	if err := result(t, errCh); err != nil {
		t.Fatalf("Run() = %v, want nil on SIGTERM", err)
	}
}

func TestRunBindFailureIsFatal(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	sp := &process.MockSpawner{}
	s := testSupervisor(testConfig("127.0.0.1/"+strconv.Itoa(port)), sp, resolve.NormalizeFilter(true, false, false, true))

	err = s.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "bind") {
		t.Fatalf("Run() = %v, want bind error", err)
	}
	if len(sp.SpawnCalls) != 0 {
		t.Fatal("no listener should be spawned for an unbound endpoint")
	}
}

func TestRunSpawnFailureIsFatal(t *testing.T) {
	sp := &process.MockSpawner{SpawnFn: func(process.SpawnConfig) (process.SpawnedProcess, error) {
		return nil, errors.New("resource temporarily unavailable")
	}}
	s := testSupervisor(testConfig("127.0.0.1/0"), sp, resolve.NormalizeFilter(true, false, false, true))

	err := s.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "cannot spawn listener") {
		t.Fatalf("Run() = %v, want spawn error", err)
	}
}

type failingResolver struct{}

func (failingResolver) LookupIPAddr(context.Context, string) ([]net.IPAddr, error) {
	return nil, &net.DNSError{Err: "no such host", IsNotFound: true}
}

func (failingResolver) LookupPort(context.Context, string, string) (int, error) {
	return 0, errors.New("unknown port")
}

func TestRunNothingResolved(t *testing.T) {
	sp := &process.MockSpawner{}
	s := New(SupervisorConfig{
		Config:   testConfig("nowhere.invalid/7"),
		Spawner:  sp,
		Resolver: failingResolver{},
		Logger:   discardLogger(),
	})

	err := s.Run(context.Background())
	if !errors.Is(err, resolve.ErrNoAddress) {
		t.Fatalf("Run() = %v, want ErrNoAddress", err)
	}
}

func TestRunDropsPrivilegesAfterSpawning(t *testing.T) {
	sp := newBlockingSpawner(nil)
	defer sp.stop()
	cred := &process.Credential{Name: "nobody", Uid: 65534, Gid: 65534}

	s := New(SupervisorConfig{
		Config:     testConfig("127.0.0.1/0"),
		Executable: "/proc/self/exe",
		Filter:     resolve.NormalizeFilter(true, false, false, true),
		Credential: cred,
		Spawner:    sp,
		Logger:     discardLogger(),
	})
	spawnedBeforeDrop := -1
	s.drop = func(c *process.Credential, _ *slog.Logger) error {
		if c != cred {
			t.Errorf("drop got %+v", c)
		}
		spawnedBeforeDrop = len(sp.SpawnCalls)
		return nil
	}

	cancel, errCh := start(t, s)
	cancel()
	if err := result(t, errCh); err != nil {
		t.Fatal(err)
	}

	if spawnedBeforeDrop != 1 {
		t.Fatalf("privileges dropped with %d listeners spawned, want 1", spawnedBeforeDrop)
	}
	pc := sp.SpawnCalls[0].Credential
	if pc == nil || pc.Uid != 65534 || pc.Gid != 65534 || len(pc.Groups) != 0 {
		t.Fatalf("listener credential = %+v", pc)
	}
}

func TestRunDropFailureIsFatal(t *testing.T) {
	sp := newBlockingSpawner(nil)
	defer sp.stop()
	s := testSupervisor(testConfig("127.0.0.1/0"), sp, resolve.NormalizeFilter(true, false, false, true))
	s.drop = func(*process.Credential, *slog.Logger) error {
		return errors.New("setuid(65534) failed: operation not permitted")
	}

	err := s.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "setuid") {
		t.Fatalf("Run() = %v, want drop error", err)
	}
}

func TestRunServesMetricsAPI(t *testing.T) {
	sp := newBlockingSpawner(nil)
	defer sp.stop()
	cfg := testConfig("127.0.0.1/0")
	cfg.Metrics.Listen = "127.0.0.1:0"
	s := testSupervisor(cfg, sp, resolve.NormalizeFilter(true, false, false, false))

	cancel, errCh := start(t, s)
	defer func() {
		cancel()
		result(t, errCh)
	}()

	resp, err := http.Get("http://" + s.api.Addr() + "/api/v1/listeners")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var list []api.ListenerInfo
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("listeners = %+v, want 2", list)
	}

	resp2, err := http.Get("http://" + s.api.Addr() + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	body, _ := io.ReadAll(resp2.Body)
	if !strings.Contains(string(body), "echod_listener_up") || !strings.Contains(string(body), `echod_info{go_version=`) {
		t.Fatalf("metrics missing supervisor gauges:\n%s", body)
	}
}

func TestRunWritesPIDFile(t *testing.T) {
	sp := newBlockingSpawner(nil)
	defer sp.stop()
	cfg := testConfig("127.0.0.1/0")
	cfg.Daemon.PIDFile = filepath.Join(t.TempDir(), "echod.pid")
	s := testSupervisor(cfg, sp, resolve.NormalizeFilter(true, false, true, false))

	cancel, errCh := start(t, s)
	data, err := os.ReadFile(cfg.Daemon.PIDFile)
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("pid file = %q", data)
	}

	cancel()
	if err := result(t, errCh); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(cfg.Daemon.PIDFile); !os.IsNotExist(err) {
		t.Fatal("pid file should be removed on exit")
	}
}

func TestExitStatus(t *testing.T) {
	tests := []struct {
		name string
		ps   *os.ProcessState
		err  error
		want string
	}{
		{"clean", exitState(t, "exit 0"), nil, "exit 0"},
		{"failure", exitState(t, "exit 1"), nil, "exit 1"},
		{"killed", exitState(t, "kill -9 $$"), nil, "signal killed"},
		{"wait error", nil, errors.New("no child processes"), "wait: no child processes"},
		{"nothing", nil, nil, "unknown"},
	}
	for _, tc := range tests {
		if got := exitStatus(tc.ps, tc.err); got != tc.want {
			t.Errorf("%s: exitStatus() = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestVersionInfo(t *testing.T) {
	s := testSupervisor(testConfig(), &process.MockSpawner{}, resolve.Filter{})
	v := s.Version()
	if v["version"] != "test" || v["mode"] != config.ModeEcho || v["go_version"] == "" {
		t.Fatalf("version = %v", v)
	}
	if s.PID() != os.Getpid() {
		t.Fatal("PID should be the supervisor's own")
	}
}
