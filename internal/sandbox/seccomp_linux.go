//go:build linux && (amd64 || arm64)

package sandbox

import (
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// listenerRules stop a listener from acquiring new network endpoints.
// AF_UNIX sockets and connect stay available for the syslog connection;
// exec stays available for spawning workers.
var listenerRules = []rule{
	{nr: unix.SYS_SOCKET, allowArg0: []uint32{unix.AF_UNIX}},
	{nr: unix.SYS_SOCKETPAIR},
	{nr: unix.SYS_BIND},
	{nr: unix.SYS_LISTEN},
	{nr: unix.SYS_PTRACE},
}

// workerRules leave a worker with I/O on descriptors it already holds,
// plus the AF_UNIX socket and connect a syslog reconnect needs. They stack
// on top of the inherited listener filter.
var workerRules = []rule{
	{nr: unix.SYS_SOCKET, allowArg0: []uint32{unix.AF_UNIX}},
	{nr: unix.SYS_ACCEPT},
	{nr: unix.SYS_ACCEPT4},
	{nr: unix.SYS_EXECVE},
	{nr: unix.SYS_EXECVEAT},
}

// Seccomp narrows with a seccomp-bpf deny list per role.
type Seccomp struct {
	limits []RLimit
}

func newPlatform(opts Options) Narrower {
	return &Seccomp{limits: opts.WorkerRLimits}
}

func (s *Seccomp) Name() string { return "seccomp" }

// Narrow installs the role's filter. Worker resource limits are applied
// first since setrlimit is not denied but should not depend on that.
func (s *Seccomp) Narrow(role Role) error {
	rules := listenerRules
	if role == RoleWorker {
		if err := ApplyRLimits(s.limits); err != nil {
			return err
		}
		rules = workerRules
	}

	filter, err := buildFilter(filterSpec{
		arch:    auditArch,
		ceiling: syscallCeiling,
		errno:   uint32(unix.EPERM),
		rules:   rules,
	})
	if err != nil {
		return fmt.Errorf("seccomp %s filter: %w", role, err)
	}
	return install(filter)
}

func install(filter []bpf.RawInstruction) error {
	insns := make([]unix.SockFilter, len(filter))
	for i, ins := range filter {
		insns[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	prog := unix.SockFprog{
		Len:    uint16(len(insns)),
		Filter: &insns[0],
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("prctl PR_SET_NO_NEW_PRIVS: %w", err)
	}

	// TSYNC applies the filter to every thread of the runtime, not just
	// this one. A positive return is the id of a thread that could not be
	// synchronized.
	ret, _, errno := unix.Syscall(unix.SYS_SECCOMP, seccompSetModeFilter,
		seccompFilterFlagTsync, uintptr(unsafe.Pointer(&prog)))
	runtime.KeepAlive(insns)
	if errno != 0 {
		return os.NewSyscallError("seccomp", errno)
	}
	if ret != 0 {
		return fmt.Errorf("seccomp: cannot synchronize thread %d", ret)
	}
	return nil
}
