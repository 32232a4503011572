package server

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/echodev/echod/internal/config"
)

func socketpair(t *testing.T) (worker, peer int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestTimeoutTimeval(t *testing.T) {
	tv := timeoutTimeval(1500)
	if tv.Sec != 1 || tv.Usec != 500000 {
		t.Fatalf("timeval = %d s %d us, want 1 s 500000 us", tv.Sec, tv.Usec)
	}
	tv = timeoutTimeval(100)
	if tv.Sec != 0 || tv.Usec != 100000 {
		t.Fatalf("timeval = %d s %d us, want 0 s 100000 us", tv.Sec, tv.Usec)
	}
}

func TestWorkerEcho(t *testing.T) {
	wfd, pfd := socketpair(t)
	if _, err := unix.Write(pfd, []byte("hello")); err != nil {
		t.Fatal(err)
	}

	w := &Worker{FD: wfd, Mode: config.ModeEcho, BufferSize: 4096}
	n, err := w.Exchange()
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("n = %d, want 5", n)
	}

	buf := make([]byte, 16)
	m, err := unix.Read(pfd, buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:m]) != "hello" {
		t.Fatalf("reply = %q, want hello", buf[:m])
	}
}

func TestWorkerEchoTruncatesToBuffer(t *testing.T) {
	wfd, pfd := socketpair(t)
	if _, err := unix.Write(pfd, []byte("0123456789")); err != nil {
		t.Fatal(err)
	}

	w := &Worker{FD: wfd, Mode: config.ModeEcho, BufferSize: 4}
	n, err := w.Exchange()
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Fatalf("n = %d, want 4", n)
	}
}

func TestWorkerDiscardSendsNothing(t *testing.T) {
	wfd, pfd := socketpair(t)
	if _, err := unix.Write(pfd, []byte("drop me")); err != nil {
		t.Fatal(err)
	}

	w := &Worker{FD: wfd, Mode: config.ModeDiscard, BufferSize: 4096}
	if _, err := w.Exchange(); err != nil {
		t.Fatal(err)
	}

	if err := unix.SetNonblock(pfd, true); err != nil {
		t.Fatal(err)
	}
	_, err := unix.Read(pfd, make([]byte, 16))
	if !errors.Is(err, unix.EAGAIN) {
		t.Fatalf("read on peer = %v, want EAGAIN (no reply)", err)
	}
}

func TestWorkerEmptyExchange(t *testing.T) {
	wfd, pfd := socketpair(t)
	if err := unix.Shutdown(pfd, unix.SHUT_WR); err != nil {
		t.Fatal(err)
	}

	w := &Worker{FD: wfd, Mode: config.ModeEcho, BufferSize: 4096}
	n, err := w.Exchange()
	if err != nil {
		t.Fatalf("empty exchange: %v", err)
	}
	if n != 0 {
		t.Fatalf("n = %d, want 0", n)
	}
}

func TestWorkerTimeout(t *testing.T) {
	wfd, _ := socketpair(t)

	w := &Worker{FD: wfd, Mode: config.ModeEcho, TimeoutMS: 50, BufferSize: 4096}
	if err := w.SetTimeout(); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, err := w.Exchange()
	elapsed := time.Since(start)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed < 50*time.Millisecond {
		t.Fatalf("timed out after %v, before the 50ms window", elapsed)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("timed out after %v, far beyond the window", elapsed)
	}
}

func TestWorkerZeroTimeoutLeavesSocketAlone(t *testing.T) {
	wfd, _ := socketpair(t)
	w := &Worker{FD: wfd, TimeoutMS: 0}
	if err := w.SetTimeout(); err != nil {
		t.Fatal(err)
	}
	tv, err := unix.GetsockoptTimeval(wfd, unix.SOL_SOCKET, unix.SO_RCVTIMEO)
	if err != nil {
		t.Fatal(err)
	}
	if tv.Sec != 0 || tv.Usec != 0 {
		t.Fatalf("SO_RCVTIMEO = %v, want unset", tv)
	}
}

func TestWorkerRecvError(t *testing.T) {
	w := &Worker{FD: -1, Mode: config.ModeEcho, BufferSize: 16}
	_, err := w.Exchange()
	if err == nil || errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want recv error", err)
	}
}
