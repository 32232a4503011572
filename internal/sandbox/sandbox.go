// Package sandbox narrows what a listener or worker process may do once
// it holds the resources its role needs.
package sandbox

// Role selects the policy applied by a Narrower.
type Role int

const (
	// RoleListener is applied after the listening socket is ready and
	// before the first accept or receive.
	RoleListener Role = iota
	// RoleWorker is applied after the worker is named and its logger is
	// up, before the first byte is read from the peer.
	RoleWorker
)

func (r Role) String() string {
	if r == RoleWorker {
		return "worker"
	}
	return "listener"
}

// Narrower restricts the calling process. Narrowing is irreversible and
// is inherited by children.
type Narrower interface {
	Name() string
	Narrow(role Role) error
}

// Options configures New.
type Options struct {
	Enabled       bool
	WorkerRLimits []RLimit
}

// New returns the strongest narrower the platform supports, or Noop when
// sandboxing is disabled.
func New(opts Options) Narrower {
	if !opts.Enabled {
		return Noop{}
	}
	return newPlatform(opts)
}

// Noop is the narrower used when sandboxing is disabled.
type Noop struct{}

func (Noop) Name() string      { return "noop" }
func (Noop) Narrow(Role) error { return nil }

// limitsOnly applies worker resource limits on platforms without a
// syscall filter.
type limitsOnly struct {
	limits []RLimit
}

func (l *limitsOnly) Name() string { return "rlimit" }

func (l *limitsOnly) Narrow(role Role) error {
	if role != RoleWorker {
		return nil
	}
	return ApplyRLimits(l.limits)
}
