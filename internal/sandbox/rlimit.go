package sandbox

import (
	"fmt"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// RLimit represents a resource limit to apply to a process.
type RLimit struct {
	Name     string
	Resource int    // unix.RLIMIT_* constant
	Cur      uint64 // soft limit
	Max      uint64 // hard limit
}

var rlimitResources = map[string]int{
	"core":   unix.RLIMIT_CORE,
	"fsize":  unix.RLIMIT_FSIZE,
	"nofile": unix.RLIMIT_NOFILE,
	"data":   unix.RLIMIT_DATA,
	"stack":  unix.RLIMIT_STACK,
	"as":     unix.RLIMIT_AS,
	"cpu":    unix.RLIMIT_CPU,
}

// ParseRLimits converts the [sandbox.worker_rlimits] table into limits,
// sorted by name so they are applied in a stable order.
func ParseRLimits(table map[string]string) ([]RLimit, error) {
	names := make([]string, 0, len(table))
	for k := range table {
		names = append(names, k)
	}
	sort.Strings(names)

	var limits []RLimit
	for _, k := range names {
		name := strings.ToLower(k)
		resource, ok := rlimitResources[name]
		if !ok {
			return nil, fmt.Errorf("unknown resource limit %q", k)
		}
		cur, max, ok := parseRLimitValue(table[k])
		if !ok {
			return nil, fmt.Errorf("invalid value %q for resource limit %q", table[k], k)
		}
		limits = append(limits, RLimit{
			Name:     name,
			Resource: resource,
			Cur:      cur,
			Max:      max,
		})
	}

	return limits, nil
}

// parseRLimitValue parses "soft:hard" or "value" into cur and max.
func parseRLimitValue(s string) (cur, max uint64, ok bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) == 2 {
		c, err1 := parseUint64(parts[0])
		m, err2 := parseUint64(parts[1])
		if err1 != nil || err2 != nil || c > m {
			return 0, 0, false
		}
		return c, m, true
	}

	val, err := parseUint64(parts[0])
	if err != nil {
		return 0, 0, false
	}
	return val, val, true
}

func parseUint64(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if strings.ToLower(s) == "unlimited" || s == "-1" {
		return ^uint64(0), nil // RLIM_INFINITY
	}
	return strconv.ParseUint(s, 10, 64)
}

// ApplyRLimits sets resource limits on the current process. SIGXFSZ is
// ignored first so an oversized write fails with EFBIG instead of
// killing the process.
func ApplyRLimits(limits []RLimit) error {
	if len(limits) == 0 {
		return nil
	}
	signal.Ignore(syscall.SIGXFSZ)
	for _, rl := range limits {
		lim := unix.Rlimit{
			Cur: rl.Cur,
			Max: rl.Max,
		}
		if err := unix.Setrlimit(rl.Resource, &lim); err != nil {
			return fmt.Errorf("setrlimit %s: %w", rl.Name, err)
		}
	}
	return nil
}
