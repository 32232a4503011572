package supervisor

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"syscall"

	"github.com/echodev/echod/internal/process"
)

// daemonEnv marks the detached copy started by Daemonize.
const daemonEnv = "ECHOD_DAEMON"

// WritePIDFile writes the current process PID to the given path.
func WritePIDFile(path string) error {
	if path == "" {
		return nil
	}
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("cannot write PID file: %s: %w", path, err)
	}
	return nil
}

// RemovePIDFile removes the PID file if it exists.
func RemovePIDFile(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}

// Detached reports whether this process is the copy started by Daemonize.
func Detached() bool {
	return os.Getenv(daemonEnv) == "1"
}

// Daemonize detaches echod from its terminal. The binary is re-executed
// with the same arguments in a new session with stdin, stdout and stderr
// on /dev/null. It returns true in the original process, which should
// exit, and false in the detached copy.
func Daemonize(sp process.ProcessSpawner, exe string, args []string, logger *slog.Logger) (bool, error) {
	if Detached() {
		os.Unsetenv(daemonEnv)
		return false, nil
	}

	title := exe
	if len(args) > 0 {
		title, args = args[0], args[1:]
	}
	child, err := sp.Spawn(process.SpawnConfig{
		Path:   exe,
		Title:  title,
		Args:   args,
		Env:    append(os.Environ(), daemonEnv+"=1"),
		Setsid: true,
	})
	if err != nil {
		return false, fmt.Errorf("cannot daemonize: %w", err)
	}
	logger.Debug("daemonized", "pid", child.Pid())
	_ = child.Release()
	return true, nil
}

// DropPrivileges switches the process to cred, clearing supplementary
// groups first. A nil credential is a no-op.
func DropPrivileges(cred *process.Credential, logger *slog.Logger) error {
	if cred == nil {
		return nil
	}

	// The syscall package applies these to every thread of the runtime.
	if err := syscall.Setgroups([]int{}); err != nil {
		return fmt.Errorf("setgroups failed: %w", err)
	}
	if err := syscall.Setgid(int(cred.Gid)); err != nil {
		return fmt.Errorf("setgid(%d) failed: %w", cred.Gid, err)
	}
	if err := syscall.Setuid(int(cred.Uid)); err != nil {
		return fmt.Errorf("setuid(%d) failed: %w", cred.Uid, err)
	}

	logger.Info("privileges dropped to "+cred.Name, "uid", cred.Uid, "gid", cred.Gid)
	return nil
}
