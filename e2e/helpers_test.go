//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/echodev/echod/internal/api"
	"github.com/echodev/echod/internal/testutil"
)

// echodBinary is the path to the built echod binary, set by TestMain.
var echodBinary string

func TestMain(m *testing.M) {
	tmpDir, err := os.MkdirTemp("", "echod-e2e-bin-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create temp dir: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(tmpDir)

	echodBinary = filepath.Join(tmpDir, "echod")
	cmd := exec.Command("go", "build", "-race", "-o", echodBinary, "github.com/echodev/echod/cmd/echod")
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to build echod binary: %v\n", err)
		os.Exit(1)
	}

	// Suite-wide 10-minute timeout fallback.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	go func() {
		<-ctx.Done()
		if ctx.Err() == context.DeadlineExceeded {
			fmt.Fprintln(os.Stderr, "E2E suite timeout exceeded (10 minutes)")
			os.Exit(2)
		}
	}()

	os.Exit(m.Run())
}

// syncBuffer collects the daemon's stderr while it runs.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type daemon struct {
	cmd     *exec.Cmd
	dir     string
	port    int    // echo port, bound on both transports
	api     string // base URL of the metrics API
	stderr  *syncBuffer
	done    chan struct{}
	waitErr error
}

// startDaemon writes configTOML below a generated [server] hosts entry and
// [metrics] section, starts echod with extra args, and waits until every
// listener reports running.
func startDaemon(t *testing.T, configTOML string, args ...string) *daemon {
	t.Helper()

	dir := t.TempDir()
	port := testutil.FreePort(t)
	apiPort := testutil.FreeTCPPort(t)

	full := fmt.Sprintf(`[server]
hosts = ["127.0.0.1/%d"]
%s

[log]
level = "debug"
syslog = false

[metrics]
listen = "127.0.0.1:%d"
dir = %q
`, port, configTOML, apiPort, dir)
	configPath := testutil.WriteFile(t, dir, "echod.toml", full)

	d := &daemon{
		dir:    dir,
		port:   port,
		api:    "http://127.0.0.1:" + strconv.Itoa(apiPort),
		stderr: &syncBuffer{},
		done:   make(chan struct{}),
	}
	d.cmd = exec.Command(echodBinary, append([]string{"-f", configPath}, args...)...)
	d.cmd.Dir = dir
	d.cmd.Stderr = d.stderr

	if err := d.cmd.Start(); err != nil {
		t.Fatalf("start daemon: %v", err)
	}
	go func() {
		d.waitErr = d.cmd.Wait()
		close(d.done)
	}()

	t.Cleanup(func() {
		_ = d.cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-d.done:
		case <-time.After(5 * time.Second):
			_ = d.cmd.Process.Kill()
			<-d.done
		}
		if t.Failed() {
			t.Logf("daemon stderr:\n%s", d.stderr.String())
		}
	})

	testutil.WaitFor(t, func() bool {
		code, _, err := testutil.Get(d.api + "/readyz")
		return err == nil && code == 200
	}, 10*time.Second)
	return d
}

func (d *daemon) addr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(d.port))
}

// listeners fetches the supervisor's view of its listeners.
func (d *daemon) listeners(t *testing.T) []api.ListenerInfo {
	t.Helper()
	_, body, err := testutil.Get(d.api + "/api/v1/listeners")
	if err != nil {
		t.Fatalf("list listeners: %v", err)
	}
	var out []api.ListenerInfo
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		t.Fatalf("parse listeners: %v (raw: %s)", err, body)
	}
	return out
}

// exitCode waits for the daemon to exit and returns its exit code.
func (d *daemon) exitCode(t *testing.T, timeout time.Duration) int {
	t.Helper()
	select {
	case <-d.done:
	case <-time.After(timeout):
		t.Fatalf("daemon did not exit within %s", timeout)
	}
	if d.waitErr == nil {
		return 0
	}
	if ee, ok := d.waitErr.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	t.Fatalf("wait: %v", d.waitErr)
	return -1
}

// tcpExchange connects, sends payload, half-closes and returns everything
// read until the server closes.
func tcpExchange(t *testing.T, addr string, payload []byte) []byte {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	var got bytes.Buffer
	if _, err := got.ReadFrom(conn); err != nil {
		t.Fatalf("read: %v", err)
	}
	return got.Bytes()
}

// udpExchange sends one datagram and waits up to wait for a reply. It
// returns nil when nothing comes back.
func udpExchange(t *testing.T, addr string, payload []byte, wait time.Duration) []byte {
	t.Helper()
	conn, err := net.Dial("udp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil
		}
		t.Fatalf("read: %v", err)
	}
	return buf[:n]
}
