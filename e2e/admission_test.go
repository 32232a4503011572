//go:build e2e

package e2e

import (
	"net"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/echodev/echod/internal/testutil"
)

// dialIdle opens a connection that sends nothing, keeping its worker busy
// until the receive timeout.
func dialIdle(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// closedByPeer reports whether the server closes conn within wait without
// sending anything.
func closedByPeer(conn net.Conn, wait time.Duration) bool {
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	if err == nil {
		return false
	}
	ne, ok := err.(net.Error)
	return !ok || !ne.Timeout()
}

func TestAdmission_CeilingDropsExtraConnections(t *testing.T) {
	d := startDaemon(t, "max_clients = 2\ntimeout_ms = 10000", "--tcp")

	first := dialIdle(t, d.addr())
	second := dialIdle(t, d.addr())
	// Give the listener time to admit both before the third arrives.
	time.Sleep(300 * time.Millisecond)

	third := dialIdle(t, d.addr())
	if !closedByPeer(third, 3*time.Second) {
		t.Fatal("connection above the ceiling was not closed")
	}
	if closedByPeer(second, 200*time.Millisecond) {
		t.Fatal("admitted connection was closed")
	}

	// Finishing one exchange frees a slot once its worker is reaped.
	if _, err := first.Write([]byte("done")); err != nil {
		t.Fatal(err)
	}
	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4)
	if n, err := first.Read(buf); err != nil || string(buf[:n]) != "done" {
		t.Fatalf("echo = %q, %v", buf[:n], err)
	}

	testutil.WaitFor(t, func() bool {
		conn, err := net.DialTimeout("tcp", d.addr(), time.Second)
		if err != nil {
			return false
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(time.Second))
		if _, err := conn.Write([]byte("again")); err != nil {
			return false
		}
		n, _ := conn.Read(buf)
		return n > 0
	}, 5*time.Second)
}

func TestAdmission_LiveCountReturnsToZero(t *testing.T) {
	d := startDaemon(t, "max_clients = 4", "--tcp")

	for range 3 {
		tcpExchange(t, d.addr(), []byte("x"))
	}

	live := regexp.MustCompile(`(?m)^echod_live_connections\{[^}]*\} 0$`)
	accepted := regexp.MustCompile(`(?m)^echod_connections_accepted_total\{[^}]*\} 3$`)
	testutil.WaitFor(t, func() bool {
		matches, _ := os.ReadDir(d.dir)
		for _, m := range matches {
			data, err := os.ReadFile(d.dir + "/" + m.Name())
			if err != nil {
				continue
			}
			if live.Match(data) && accepted.Match(data) {
				return true
			}
		}
		return false
	}, 15*time.Second)
}

func TestTimeout_IdleConnectionClosed(t *testing.T) {
	d := startDaemon(t, "timeout_ms = 300", "--tcp")

	conn := dialIdle(t, d.addr())
	start := time.Now()
	if !closedByPeer(conn, 5*time.Second) {
		t.Fatal("idle connection was not closed")
	}
	if elapsed := time.Since(start); elapsed < 250*time.Millisecond {
		t.Errorf("closed after %s, before the timeout", elapsed)
	}
}
