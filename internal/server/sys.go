package server

import (
	"errors"

	"golang.org/x/sys/unix"

	"github.com/echodev/echod/internal/bind"
)

func accept(fd int) (int, unix.Sockaddr, error) {
	for {
		nfd, sa, err := bind.Accept(fd)
		// A connection reset while still queued is the peer's problem.
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.ECONNABORTED) {
			continue
		}
		return nfd, sa, err
	}
}

func recvfrom(fd int, buf []byte) (int, unix.Sockaddr, error) {
	for {
		n, sa, err := unix.Recvfrom(fd, buf, 0)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return n, sa, err
	}
}

func sendto(fd int, buf []byte, to unix.Sockaddr) error {
	for {
		err := unix.Sendto(fd, buf, 0, to)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return err
	}
}

func read(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Read(fd, buf)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return n, err
	}
}

func writeAll(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(fd, buf)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// timeoutTimeval converts milliseconds to {ms/1000 s, (ms%1000)*1000 µs}.
func timeoutTimeval(ms int) unix.Timeval {
	return unix.NsecToTimeval(int64(ms) * 1e6)
}

func isTimeout(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}
