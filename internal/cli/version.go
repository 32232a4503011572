package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/echodev/echod/internal/version"
)

func newVersionCommand(v Variant) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			goVer := version.GoVersion
			if goVer == "" {
				goVer = runtime.Version()
			}
			w := cmd.OutOrStdout()
			for _, line := range []string{
				fmt.Sprintf("%s %s", v.Name, version.Version),
				fmt.Sprintf("  mode:    %s", v.Mode),
				fmt.Sprintf("  commit:  %s", version.Commit),
				fmt.Sprintf("  built:   %s", version.Date),
				fmt.Sprintf("  go:      %s", goVer),
				fmt.Sprintf("  os/arch: %s/%s", runtime.GOOS, runtime.GOARCH),
			} {
				if _, err := fmt.Fprintln(w, line); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
