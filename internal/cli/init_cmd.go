package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/echodev/echod/internal/config"
)

func newInitCommand(v Variant) *cobra.Command {
	var (
		output string
		stdout bool
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Generate a sample " + v.Name + ".toml config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			content := sampleConfig(v)

			if stdout {
				_, err := fmt.Fprint(cmd.OutOrStdout(), content)
				return err
			}

			outPath := output
			if outPath == "" {
				outPath = v.Name + ".toml"
			}

			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("file %s already exists; use --force to overwrite", outPath)
				}
			}

			if err := os.WriteFile(outPath, []byte(content), 0644); err != nil {
				return fmt.Errorf("cannot write config: %w", err)
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", outPath)
			return err
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write config to file (default: "+v.Name+".toml)")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print config to stdout instead of writing a file")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing file")
	return cmd
}

// sampleConfig adapts the sample to the variant's mode and port.
func sampleConfig(v Variant) string {
	if v.Mode == config.ModeEcho {
		return config.DefaultConfigTOML
	}
	r := strings.NewReplacer(
		`# hosts = ["*/7"]  `, `# hosts = ["*/9"]  `,
		`# mode = "echo"    `, `# mode = "discard" `,
		"# echod configuration file", "# "+v.Name+" configuration file",
	)
	return r.Replace(config.DefaultConfigTOML)
}
