// Package cli is the command line of the echod and discardd binaries. The
// same entry point also runs the listener and worker roles when the binary
// is re-executed by its own supervisor.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/echodev/echod/internal/config"
	"github.com/echodev/echod/internal/process"
)

// Variant is a build of echod with its own name and default mode.
type Variant struct {
	Name string
	Mode string
}

// The two builds.
var (
	Echo    = Variant{Name: "echod", Mode: config.ModeEcho}
	Discard = Variant{Name: "discardd", Mode: config.ModeDiscard}
)

// Main runs the program and returns its exit code. A process started with
// a role handoff runs that role instead of the command line.
func Main(v Variant, args []string) int {
	h, ok, err := process.FromEnv()
	if ok {
		return runChild(v, h, err, os.Stderr)
	}

	root := NewRootCommand(v)
	root.SetArgs(args)
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", v.Name, err)
		return 1
	}
	return 0
}

// NewRootCommand builds the command tree of variant v.
func NewRootCommand(v Variant) *cobra.Command {
	f := &serveFlags{variant: v}

	root := &cobra.Command{
		Use:   v.Name + " [flags] [host][/port]...",
		Short: fmt.Sprintf("%s -- %s service (RFC %s)", v.Name, v.Mode, rfc(v.Mode)),
		Long: fmt.Sprintf(`%s listens on every host/port given (default: all addresses, port %s)
over UDP and TCP. Each TCP connection is served by its own short-lived,
sandboxed process that reads once and %s.`, v.Name, config.DefaultFor(v.Mode).DefaultPort(), action(v.Mode)),
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.run(cmd, args)
		},
	}
	f.register(root)

	root.AddCommand(
		newVersionCommand(v),
		newInitCommand(v),
		newHashPasswordCommand(),
	)
	return root
}

func rfc(mode string) string {
	if mode == config.ModeDiscard {
		return "863"
	}
	return "862"
}

func action(mode string) string {
	if mode == config.ModeDiscard {
		return "throws the bytes away"
	}
	return "sends the bytes back"
}
