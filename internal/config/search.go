package config

import (
	"fmt"
	"os"
)

// DefaultSearchPaths is the ordered list of config file paths to try.
var DefaultSearchPaths = []string{
	"./echod.toml",
	"/etc/echod/echod.toml",
	"/etc/echod.toml",
}

// Resolve finds the config file path by checking, in order:
//  1. Explicit path from -f flag (if non-empty)
//  2. ECHOD_CONFIG environment variable
//  3. DefaultSearchPaths
//
// echod runs fine from flags alone, so finding nothing in the search paths
// returns "" with no error. Explicit paths that do not exist are errors.
func Resolve(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("cannot read config: %s: %w", explicit, err)
		}
		return explicit, nil
	}

	if env := os.Getenv("ECHOD_CONFIG"); env != "" {
		if _, err := os.Stat(env); err != nil {
			return "", fmt.Errorf("cannot read config: %s: %w", env, err)
		}
		return env, nil
	}

	for _, p := range DefaultSearchPaths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", nil
}
