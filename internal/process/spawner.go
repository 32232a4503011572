// Package process spawns echod's child roles: one listener per bound
// socket and one worker per admitted connection. Each child is a fresh
// exec of the echod binary that inherits exactly one descriptor.
package process

import (
	"io"
	"os"
	"os/exec"
	"syscall"
)

// InheritedFD is the descriptor number a child finds its socket on.
const InheritedFD = 3

// SpawnConfig holds the parameters needed to spawn a child process.
type SpawnConfig struct {
	Path       string              // binary to exec, usually os.Executable()
	Title      string              // argv[0], shown by ps
	Args       []string            // arguments after argv[0]
	Env        []string            // environment (KEY=VALUE); nil inherits
	Stderr     io.Writer           // stderr destination (nil = /dev/null)
	ExtraFiles []*os.File          // ExtraFiles[0] becomes InheritedFD
	Credential *syscall.Credential // run the child as this user
	Pdeathsig  bool                // signal the child when its parent dies
	Setsid     bool                // start a new session
}

// SpawnedProcess represents a running child process.
type SpawnedProcess interface {
	Pid() int
	Wait() (*os.ProcessState, error)
	Signal(os.Signal) error
	// Release gives up the handle without waiting. The caller becomes
	// responsible for reaping the child some other way.
	Release() error
}

// ProcessSpawner creates child processes. Implementations include
// ExecSpawner (real) and MockSpawner (testing).
type ProcessSpawner interface {
	Spawn(cfg SpawnConfig) (SpawnedProcess, error)
}

// ExecSpawner spawns real OS processes via os/exec.
type ExecSpawner struct{}

type execProcess struct {
	cmd *exec.Cmd
}

// Spawn starts a real child process with the given config.
func (s *ExecSpawner) Spawn(cfg SpawnConfig) (SpawnedProcess, error) {
	title := cfg.Title
	if title == "" {
		title = cfg.Path
	}
	cmd := &exec.Cmd{
		Path:       cfg.Path,
		Args:       append([]string{title}, cfg.Args...),
		Env:        cfg.Env,
		Stderr:     cfg.Stderr,
		ExtraFiles: cfg.ExtraFiles,
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: cfg.Credential,
		Setsid:     cfg.Setsid,
	}
	if cfg.Pdeathsig {
		setPdeathsig(cmd.SysProcAttr)
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}

func (p *execProcess) Pid() int                        { return p.cmd.Process.Pid }
func (p *execProcess) Wait() (*os.ProcessState, error) { return p.cmd.Process.Wait() }
func (p *execProcess) Signal(sig os.Signal) error      { return p.cmd.Process.Signal(sig) }
func (p *execProcess) Release() error                  { return p.cmd.Process.Release() }

// MockSpawner is a test double for ProcessSpawner.
type MockSpawner struct {
	SpawnFn    func(cfg SpawnConfig) (SpawnedProcess, error)
	SpawnCalls []SpawnConfig
}

// Spawn records the call and delegates to SpawnFn.
func (m *MockSpawner) Spawn(cfg SpawnConfig) (SpawnedProcess, error) {
	m.SpawnCalls = append(m.SpawnCalls, cfg)
	if m.SpawnFn != nil {
		return m.SpawnFn(cfg)
	}
	return NewMockProcess(1000 + len(m.SpawnCalls)), nil
}

// MockProcess is a test double for SpawnedProcess.
type MockProcess struct {
	pid      int
	WaitFn   func() (*os.ProcessState, error)
	SignalFn func(os.Signal) error
	Released bool
}

// NewMockProcess creates a MockProcess with the given PID.
func NewMockProcess(pid int) *MockProcess {
	return &MockProcess{pid: pid}
}

func (p *MockProcess) Pid() int { return p.pid }

func (p *MockProcess) Wait() (*os.ProcessState, error) {
	if p.WaitFn != nil {
		return p.WaitFn()
	}
	// Block forever by default.
	select {}
}

func (p *MockProcess) Signal(sig os.Signal) error {
	if p.SignalFn != nil {
		return p.SignalFn(sig)
	}
	return nil
}

func (p *MockProcess) Release() error {
	p.Released = true
	return nil
}
