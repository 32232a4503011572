package config

import (
	"fmt"
	"strings"
)

// Host is one entry of the host list. An empty Name means the wildcard
// address.
type Host struct {
	Name string
	Port string
}

// String renders the host in the same host/port syntax it is parsed from.
func (h Host) String() string {
	name := h.Name
	if name == "" {
		name = "*"
	}
	return name + "/" + h.Port
}

// ParseHost parses "host/port", "host", "/port" or "" into a Host. The
// names "*" and "any" select the wildcard address; IPv6 literals may be
// bracketed.
func ParseHost(s, defaultPort string) (Host, error) {
	s = strings.TrimSpace(s)
	name, port, _ := strings.Cut(s, "/")

	if strings.Contains(port, "/") {
		return Host{}, fmt.Errorf("invalid host %q: too many '/'", s)
	}

	name = strings.TrimSuffix(strings.TrimPrefix(name, "["), "]")
	if name == "*" || strings.EqualFold(name, "any") {
		name = ""
	}
	if port == "" {
		port = defaultPort
	}
	if port == "" {
		return Host{}, fmt.Errorf("invalid host %q: no port", s)
	}

	return Host{Name: name, Port: port}, nil
}

// HostList parses the configured hosts. An empty list yields a single
// wildcard entry on the default port.
func (c *Config) HostList() ([]Host, error) {
	if len(c.Server.Hosts) == 0 {
		return []Host{{Port: c.DefaultPort()}}, nil
	}

	hosts := make([]Host, 0, len(c.Server.Hosts))
	for _, s := range c.Server.Hosts {
		h, err := ParseHost(s, c.DefaultPort())
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return hosts, nil
}
