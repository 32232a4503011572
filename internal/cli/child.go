package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/echodev/echod/internal/logging"
	"github.com/echodev/echod/internal/process"
	"github.com/echodev/echod/internal/sandbox"
	"github.com/echodev/echod/internal/server"
)

// runChild runs the role named by a handoff and returns the exit code.
// A worker that times out exits 1 after logging at debug level only.
func runChild(v Variant, h *process.Handoff, herr error, stderr io.Writer) int {
	if herr != nil {
		fmt.Fprintf(stderr, "%s: %s\n", v.Name, herr)
		return 1
	}

	cfg := &h.Config
	logger := logging.New(logging.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: stderr,
		Syslog: cfg.SyslogEnabled(),
		Tag:    v.Name,
	})

	limits, err := sandbox.ParseRLimits(cfg.Sandbox.WorkerRLimits)
	if err != nil {
		logger.Error("invalid worker rlimits", "error", err)
		return 1
	}
	exe, err := os.Executable()
	if err != nil {
		logger.Error("cannot locate executable", "error", err)
		return 1
	}

	opts := server.RoleOptions{
		Name:       v.Name,
		Executable: exe,
		Logger:     logger,
		Narrower: sandbox.New(sandbox.Options{
			Enabled:       cfg.SandboxEnabled(),
			WorkerRLimits: limits,
		}),
		Spawner: &process.ExecSpawner{},
		Stderr:  stderr,
	}

	switch h.Role {
	case process.RoleListener:
		err = server.RunListener(h, opts)
	case process.RoleWorker:
		err = server.RunWorker(h, opts)
	default:
		err = fmt.Errorf("unknown role %q", h.Role)
	}

	if errors.Is(err, server.ErrTimeout) {
		return 1
	}
	if err != nil {
		logger.Error(string(h.Role)+" failed", "error", err)
		return 1
	}
	return 0
}
