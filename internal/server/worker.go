package server

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/echodev/echod/internal/config"
)

// ErrTimeout is returned when the peer sends nothing within the receive
// timeout.
var ErrTimeout = errors.New("connection timeout")

// Worker performs the single exchange on one accepted connection.
type Worker struct {
	FD         int
	Mode       string
	TimeoutMS  int
	BufferSize int
}

// SetTimeout bounds the receive. A zero timeout leaves it unbounded.
func (w *Worker) SetTimeout() error {
	if w.TimeoutMS <= 0 {
		return nil
	}
	tv := timeoutTimeval(w.TimeoutMS)
	if err := unix.SetsockoptTimeval(w.FD, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return os.NewSyscallError("setsockopt SO_RCVTIMEO", err)
	}
	return nil
}

// Exchange receives once and, in echo mode, sends the same bytes back.
// An empty receive is a complete exchange with nothing to send.
func (w *Worker) Exchange() (int, error) {
	buf := make([]byte, w.BufferSize)

	n, err := read(w.FD, buf)
	if err != nil {
		if isTimeout(err) {
			return 0, ErrTimeout
		}
		return 0, fmt.Errorf("recv: %w", err)
	}

	if w.Mode != config.ModeEcho || n == 0 {
		return n, nil
	}
	if err := writeAll(w.FD, buf[:n]); err != nil {
		return n, fmt.Errorf("send: %w", err)
	}
	return n, nil
}
