// Package resolve turns a host list and family/transport filters into the
// concrete endpoints echod listens on.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/echodev/echod/internal/config"
)

// ErrNoAddress is returned when no host in the list resolved to a usable
// endpoint.
var ErrNoAddress = errors.New("no address resolved")

// Family is an address family.
type Family int

const (
	FamilyAny Family = iota
	IPv4
	IPv6
)

func (f Family) String() string {
	switch f {
	case IPv4:
		return "inet"
	case IPv6:
		return "inet6"
	default:
		return "any"
	}
}

// Transport is a socket transport.
type Transport int

const (
	TransportAny Transport = iota
	UDP
	TCP
)

func (t Transport) String() string {
	switch t {
	case UDP:
		return "udp"
	case TCP:
		return "tcp"
	default:
		return "any"
	}
}

// Filter restricts which endpoints a host may resolve to.
type Filter struct {
	Family    Family
	Transport Transport
}

// NormalizeFilter builds a Filter from the four independent selectors of
// the command line. Selecting both members of a pair is the same as
// selecting neither.
func NormalizeFilter(inet, inet6, udp, tcp bool) Filter {
	var f Filter
	switch {
	case inet && !inet6:
		f.Family = IPv4
	case inet6 && !inet:
		f.Family = IPv6
	}
	switch {
	case udp && !tcp:
		f.Transport = UDP
	case tcp && !udp:
		f.Transport = TCP
	}
	return f
}

// ParseFilter converts the config file spelling ("any", "inet", "inet6";
// "any", "udp", "tcp") into a Filter.
func ParseFilter(family, transport string) (Filter, error) {
	var f Filter
	switch family {
	case "", "any":
	case "inet":
		f.Family = IPv4
	case "inet6":
		f.Family = IPv6
	default:
		return f, fmt.Errorf("unknown address family %q", family)
	}
	switch transport {
	case "", "any":
	case "udp":
		f.Transport = UDP
	case "tcp":
		f.Transport = TCP
	default:
		return f, fmt.Errorf("unknown transport %q", transport)
	}
	return f, nil
}

func (f Filter) families() []Family {
	if f.Family == FamilyAny {
		return []Family{IPv4, IPv6}
	}
	return []Family{f.Family}
}

func (f Filter) transports() []Transport {
	if f.Transport == TransportAny {
		return []Transport{TCP, UDP}
	}
	return []Transport{f.Transport}
}

func (f Filter) allows(fam Family) bool {
	return f.Family == FamilyAny || f.Family == fam
}

// Endpoint is one concrete address to listen on. Endpoints are comparable
// and immutable once resolved.
type Endpoint struct {
	Family    Family
	Transport Transport
	Addr      netip.Addr
	Port      int
}

// Address renders the endpoint as "address/port".
func (e Endpoint) Address() string {
	return e.Addr.String() + "/" + strconv.Itoa(e.Port)
}

// String renders the endpoint as "transport address/port".
func (e Endpoint) String() string {
	return e.Transport.String() + " " + e.Address()
}

// MarshalText encodes the endpoint in its String form.
func (e Endpoint) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// UnmarshalText parses "transport address/port".
func (e *Endpoint) UnmarshalText(text []byte) error {
	s := string(text)
	tr, addrPort, ok := strings.Cut(s, " ")
	if !ok {
		return fmt.Errorf("invalid endpoint %q", s)
	}
	switch tr {
	case "udp":
		e.Transport = UDP
	case "tcp":
		e.Transport = TCP
	default:
		return fmt.Errorf("invalid endpoint %q: unknown transport", s)
	}

	i := strings.LastIndex(addrPort, "/")
	if i < 0 {
		return fmt.Errorf("invalid endpoint %q: no port", s)
	}
	addr, err := netip.ParseAddr(addrPort[:i])
	if err != nil {
		return fmt.Errorf("invalid endpoint %q: %w", s, err)
	}
	port, err := strconv.Atoi(addrPort[i+1:])
	if err != nil || port < 0 || port > 65535 {
		return fmt.Errorf("invalid endpoint %q: bad port", s)
	}

	e.Family = familyOf(addr)
	e.Addr = addr
	e.Port = port
	return nil
}

// Resolver is the subset of *net.Resolver used for name and service
// lookups.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
	LookupPort(ctx context.Context, network, service string) (int, error)
}

// Resolve expands every host into endpoints permitted by the filter. A
// host that fails to resolve is logged and skipped; ErrNoAddress is
// returned only when nothing resolved at all. Duplicate endpoints are
// emitted once, in first-seen order.
func Resolve(ctx context.Context, hosts []config.Host, f Filter, r Resolver, logger *slog.Logger) ([]Endpoint, error) {
	if r == nil {
		r = net.DefaultResolver
	}

	seen := make(map[Endpoint]bool)
	var out []Endpoint

	for _, h := range hosts {
		eps, err := resolveHost(ctx, h, f, r)
		if err != nil {
			logger.Warn("cannot resolve host", "host", h.String(), "error", err)
			continue
		}
		for _, ep := range eps {
			if seen[ep] {
				continue
			}
			seen[ep] = true
			out = append(out, ep)
		}
	}

	if len(out) == 0 {
		return nil, ErrNoAddress
	}
	return out, nil
}

func resolveHost(ctx context.Context, h config.Host, f Filter, r Resolver) ([]Endpoint, error) {
	addrs, err := lookupAddrs(ctx, h.Name, f, r)
	if err != nil {
		return nil, err
	}

	var eps []Endpoint
	for _, tr := range f.transports() {
		port, err := lookupPort(ctx, tr, h.Port, r)
		if err != nil {
			return nil, err
		}
		for _, a := range addrs {
			eps = append(eps, Endpoint{
				Family:    familyOf(a),
				Transport: tr,
				Addr:      a,
				Port:      port,
			})
		}
	}
	return eps, nil
}

func lookupAddrs(ctx context.Context, name string, f Filter, r Resolver) ([]netip.Addr, error) {
	if name == "" {
		var addrs []netip.Addr
		for _, fam := range f.families() {
			if fam == IPv4 {
				addrs = append(addrs, netip.IPv4Unspecified())
			} else {
				addrs = append(addrs, netip.IPv6Unspecified())
			}
		}
		return addrs, nil
	}

	var candidates []netip.Addr
	if a, err := netip.ParseAddr(name); err == nil {
		candidates = []netip.Addr{a.Unmap()}
	} else {
		ips, err := r.LookupIPAddr(ctx, name)
		if err != nil {
			return nil, err
		}
		for _, ip := range ips {
			a, ok := netip.AddrFromSlice(ip.IP)
			if !ok {
				continue
			}
			candidates = append(candidates, a.Unmap().WithZone(ip.Zone))
		}
	}

	var addrs []netip.Addr
	for _, a := range candidates {
		if f.allows(familyOf(a)) {
			addrs = append(addrs, a)
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no %s address for %q", f.Family, name)
	}
	return addrs, nil
}

func lookupPort(ctx context.Context, tr Transport, service string, r Resolver) (int, error) {
	if n, err := strconv.Atoi(service); err == nil {
		if n < 0 || n > 65535 {
			return 0, fmt.Errorf("port %d out of range", n)
		}
		return n, nil
	}
	port, err := r.LookupPort(ctx, tr.String(), service)
	if err != nil {
		return 0, fmt.Errorf("unknown %s service %q: %w", tr, service, err)
	}
	return port, nil
}

func familyOf(a netip.Addr) Family {
	if a.Is4() {
		return IPv4
	}
	return IPv6
}
