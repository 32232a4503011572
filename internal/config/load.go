package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load reads a TOML config file, applies defaults, validates, and returns
// the config along with any warnings (e.g. unknown fields).
func Load(path string) (*Config, []string, error) {
	return LoadFor(path, ModeEcho)
}

// LoadFor is Load for a build whose default mode is mode: a file that
// does not set server.mode gets mode instead of echo.
func LoadFor(path, mode string) (*Config, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot read config: %s: %w", path, err)
	}

	return loadBytes(data, path, mode)
}

// LoadBytes parses TOML from raw bytes. The path argument is used only for
// error messages.
func LoadBytes(data []byte, path string) (*Config, []string, error) {
	return loadBytes(data, path, ModeEcho)
}

func loadBytes(data []byte, path, mode string) (*Config, []string, error) {
	var cfg Config
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("config parse error in %s: %w", path, err)
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = mode
	}

	var warnings []string
	for _, key := range md.Undecoded() {
		warnings = append(warnings, fmt.Sprintf("unknown config key: %s", strings.Join(key, ".")))
	}

	ApplyDefaults(&cfg)

	if err := Check(&cfg, path); err != nil {
		return nil, warnings, err
	}

	return &cfg, warnings, nil
}

// Check validates cfg and folds every problem into a single error.
func Check(cfg *Config, source string) error {
	errs := Validate(cfg)
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("config validation failed in %s:\n  %s",
		source, strings.Join(msgs, "\n  "))
}
