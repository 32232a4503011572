// Package bind creates and configures the raw sockets echod listens on.
package bind

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/echodev/echod/internal/resolve"
)

// Backlog is the TCP listen queue length.
const Backlog = 4

// Socket is a bound socket and the endpoint it was bound for. The
// underlying descriptor is owned by the *os.File; Close releases it.
// fd is captured once so FD may be called concurrently with Close.
type Socket struct {
	f        *os.File
	fd       int
	Endpoint resolve.Endpoint
}

func newSocket(f *os.File, ep resolve.Endpoint) *Socket {
	return &Socket{f: f, fd: int(f.Fd()), Endpoint: ep}
}

// Bind creates a socket for ep, enables address reuse, restricts IPv6
// sockets to IPv6 traffic, and binds it. Any failure is returned; the
// descriptor is closed on error.
func Bind(ep resolve.Endpoint) (*Socket, error) {
	domain := unix.AF_INET
	if ep.Family == resolve.IPv6 {
		domain = unix.AF_INET6
	}
	typ, proto := unix.SOCK_DGRAM, unix.IPPROTO_UDP
	if ep.Transport == resolve.TCP {
		typ, proto = unix.SOCK_STREAM, unix.IPPROTO_TCP
	}

	fd, err := socket(domain, typ, proto)
	if err != nil {
		return nil, fmt.Errorf("socket %s: %w", ep, os.NewSyscallError("socket", err))
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("setsockopt %s: %w", ep, os.NewSyscallError("setsockopt SO_REUSEADDR", err))
	}
	if domain == unix.AF_INET6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("setsockopt %s: %w", ep, os.NewSyscallError("setsockopt IPV6_V6ONLY", err))
		}
	}

	sa, err := Sockaddr(netip.AddrPortFrom(ep.Addr, uint16(ep.Port)))
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", ep, err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", ep, os.NewSyscallError("bind", err))
	}

	return newSocket(os.NewFile(uintptr(fd), ep.String()), ep), nil
}

// FromFD adopts an inherited descriptor, as a listener does with fd 3.
// The descriptor is marked close-on-exec so it does not leak into the
// listener's own children.
func FromFD(fd uintptr, ep resolve.Endpoint) *Socket {
	unix.CloseOnExec(int(fd))
	return newSocket(os.NewFile(fd, ep.String()), ep)
}

// FromFile adopts an already wrapped descriptor.
func FromFile(f *os.File, ep resolve.Endpoint) *Socket {
	s := newSocket(f, ep)
	unix.CloseOnExec(s.fd)
	return s
}

// Listen marks a TCP socket as accepting connections with Backlog.
func (s *Socket) Listen() error {
	if err := unix.Listen(s.FD(), Backlog); err != nil {
		return fmt.Errorf("listen %s: %w", s.Endpoint, os.NewSyscallError("listen", err))
	}
	return nil
}

// FD returns the raw descriptor. The descriptor stays in blocking mode.
// After Close it returns the number the descriptor had.
func (s *Socket) FD() int { return s.fd }

// File returns the *os.File owning the descriptor, for handing the socket
// to a child process.
func (s *Socket) File() *os.File { return s.f }

// Close closes the descriptor.
func (s *Socket) Close() error { return s.f.Close() }

// Title is the process title of the listener owning this socket.
func (s *Socket) Title() string { return "listen on " + s.Endpoint.String() }

// LocalEndpoint returns the endpoint with the address and port the kernel
// actually assigned, which differs from Endpoint when binding port 0.
func (s *Socket) LocalEndpoint() (resolve.Endpoint, error) {
	sa, err := unix.Getsockname(s.FD())
	if err != nil {
		return resolve.Endpoint{}, os.NewSyscallError("getsockname", err)
	}
	ap, ok := AddrPort(sa)
	if !ok {
		return resolve.Endpoint{}, fmt.Errorf("getsockname: unexpected address type %T", sa)
	}
	ep := s.Endpoint
	ep.Addr = ap.Addr()
	ep.Port = int(ap.Port())
	return ep, nil
}

// Sockaddr converts an address and port into a unix.Sockaddr. IPv6 zones
// are mapped to interface indexes.
func Sockaddr(ap netip.AddrPort) (unix.Sockaddr, error) {
	addr := ap.Addr()
	if addr.Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}, nil
	}

	sa := &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}
	if zone := addr.Zone(); zone != "" {
		if n, err := strconv.Atoi(zone); err == nil {
			sa.ZoneId = uint32(n)
		} else {
			ifi, err := net.InterfaceByName(zone)
			if err != nil {
				return nil, fmt.Errorf("unknown zone %q: %w", zone, err)
			}
			sa.ZoneId = uint32(ifi.Index)
		}
	}
	return sa, nil
}

// AddrPort converts an inet or inet6 unix.Sockaddr back to an address and
// port.
func AddrPort(sa unix.Sockaddr) (netip.AddrPort, bool) {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port)), true
	case *unix.SockaddrInet6:
		addr := netip.AddrFrom16(sa.Addr)
		if sa.ZoneId != 0 {
			addr = addr.WithZone(strconv.Itoa(int(sa.ZoneId)))
		}
		return netip.AddrPortFrom(addr.Unmap(), uint16(sa.Port)), true
	}
	return netip.AddrPort{}, false
}

// FormatSockaddr renders a peer address as "address/port", the form used
// in worker titles and logs.
func FormatSockaddr(sa unix.Sockaddr) string {
	ap, ok := AddrPort(sa)
	if !ok {
		return "unknown"
	}
	return ap.Addr().String() + "/" + strconv.Itoa(int(ap.Port()))
}
