// Package version holds build-time version metadata, set with -ldflags
// "-X github.com/echodev/echod/internal/version.Version=...".
package version

var (
	Version   = "dev"
	Commit    = "none"
	Date      = "unknown"
	GoVersion = ""
)
