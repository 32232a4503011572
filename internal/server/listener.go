package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/echodev/echod/internal/bind"
	"github.com/echodev/echod/internal/config"
	"github.com/echodev/echod/internal/events"
	"github.com/echodev/echod/internal/process"
	"github.com/echodev/echod/internal/resolve"
)

// WorkerConfigFunc builds the spawn parameters of a worker for the given
// peer. The connection itself is added by the listener.
type WorkerConfigFunc func(peer string) (process.SpawnConfig, error)

// Listener is the state of one listener process: the socket it owns and
// what it does with traffic arriving on it.
type Listener struct {
	Socket      *bind.Socket
	Mode        string
	BufferSize  int
	ClearBuffer bool

	// TCP only.
	Admission    *Admission
	Spawner      process.ProcessSpawner
	WorkerConfig WorkerConfigFunc
	Reaper       *Reaper // nil when unbounded

	Bus    *events.Bus
	Logger *slog.Logger

	closing atomic.Bool
}

// Serve runs the transport's loop until an unrecoverable error or
// Shutdown. It returns nil after Shutdown.
func (l *Listener) Serve() error {
	if l.Socket.Endpoint.Transport == resolve.UDP {
		return l.ServeUDP()
	}
	return l.ServeTCP()
}

// Shutdown wakes a blocked accept or receive and makes Serve return.
func (l *Listener) Shutdown() {
	l.closing.Store(true)
	// An unconnected UDP socket reports ENOTCONN but is woken all the same.
	_ = unix.Shutdown(l.Socket.FD(), unix.SHUT_RDWR)
}

// ServeUDP answers each datagram in place. There is no admission control
// and no per-peer isolation on this path.
func (l *Listener) ServeUDP() error {
	fd := l.Socket.FD()
	buf := make([]byte, l.BufferSize)

	for {
		n, from, err := recvfrom(fd, buf)
		if l.closing.Load() {
			return nil
		}
		if err != nil {
			return fmt.Errorf("recvfrom: %w", err)
		}

		if l.Logger.Enabled(context.Background(), slog.LevelDebug) {
			l.Logger.Debug("datagram", "peer", bind.FormatSockaddr(from), "bytes", n)
		}
		l.Bus.Publish(events.Event{Type: events.Datagram})

		if l.Mode == config.ModeEcho {
			if err := sendto(fd, buf[:n], from); err != nil {
				return fmt.Errorf("sendto %s: %w", bind.FormatSockaddr(from), err)
			}
		}
		if l.ClearBuffer {
			clear(buf[:n])
		}
	}
}

// ServeTCP accepts connections on a listening socket and hands each one
// to a fresh worker, dropping connections beyond the admission ceiling.
func (l *Listener) ServeTCP() error {
	fd := l.Socket.FD()

	for {
		nfd, sa, err := accept(fd)
		if l.closing.Load() {
			if err == nil {
				unix.Close(nfd)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		peer := bind.FormatSockaddr(sa)

		if !l.Admission.TryAcquire() {
			unix.Close(nfd)
			l.Bus.Publish(events.Event{
				Type: events.ConnectionDropped,
				Data: map[string]string{
					"peer":        peer,
					"max_clients": strconv.FormatInt(l.Admission.Max(), 10),
				},
			})
			continue
		}

		pid, err := l.spawnWorker(nfd, peer)
		if err != nil {
			l.Admission.Release()
			l.Logger.Error("cannot spawn worker", "peer", peer, "error", err)
			l.Bus.Publish(events.Event{
				Type: events.WorkerSpawnFailed,
				Data: map[string]string{"peer": peer, "error": err.Error()},
			})
			continue
		}

		l.Logger.Debug("connection accepted", "peer", peer, "pid", pid, "live", l.Admission.Live())
		l.Bus.Publish(events.Event{
			Type: events.ConnectionAccepted,
			Data: map[string]string{"peer": peer, "pid": strconv.Itoa(pid)},
		})
	}
}

// spawnWorker starts a worker owning nfd. The listener's copy of nfd is
// closed whether or not the spawn succeeds.
func (l *Listener) spawnWorker(nfd int, peer string) (int, error) {
	conn := os.NewFile(uintptr(nfd), "conn "+peer)
	defer conn.Close()

	cfg, err := l.WorkerConfig(peer)
	if err != nil {
		return 0, err
	}
	cfg.ExtraFiles = []*os.File{conn}

	sp, err := l.spawn(cfg)
	if err != nil {
		return 0, err
	}
	pid := sp.Pid()
	// The reaper waits for any child; the handle is not needed.
	if err := sp.Release(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		l.Logger.Warn("cannot release worker handle", "pid", pid, "error", err)
	}
	return pid, nil
}

func (l *Listener) spawn(cfg process.SpawnConfig) (process.SpawnedProcess, error) {
	if l.Reaper != nil {
		release := l.Reaper.Hold()
		defer release()
	}
	return l.Spawner.Spawn(cfg)
}
