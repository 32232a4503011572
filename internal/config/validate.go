package config

import (
	"fmt"
	"strings"

	"github.com/echodev/echod/internal/logging"
)

var validModes = map[string]bool{
	ModeEcho: true, ModeDiscard: true,
}

var validFamilies = map[string]bool{
	"any": true, "inet": true, "inet6": true,
}

var validTransports = map[string]bool{
	"any": true, "udp": true, "tcp": true,
}

var validFormats = map[string]bool{
	"": true, "text": true, "json": true,
}

// Validate checks the config for semantic errors and returns all of them.
func Validate(cfg *Config) []error {
	var errs []error

	if !validModes[cfg.Server.Mode] {
		errs = append(errs, fmt.Errorf("server.mode must be echo or discard, got %q", cfg.Server.Mode))
	}
	if !validFamilies[cfg.Server.Family] {
		errs = append(errs, fmt.Errorf("server.family must be any, inet or inet6, got %q", cfg.Server.Family))
	}
	if !validTransports[cfg.Server.Transport] {
		errs = append(errs, fmt.Errorf("server.transport must be any, udp or tcp, got %q", cfg.Server.Transport))
	}
	if n := cfg.MaxClientsValue(); n < 0 {
		errs = append(errs, fmt.Errorf("server.max_clients must be >= 0, got %d", n))
	}
	if n := cfg.TimeoutValue(); n < 0 {
		errs = append(errs, fmt.Errorf("server.timeout_ms must be >= 0, got %d", n))
	}
	if cfg.Server.BufferSize < 1 || cfg.Server.BufferSize > 65536 {
		errs = append(errs, fmt.Errorf("server.buffer_size must be between 1 and 65536, got %d", cfg.Server.BufferSize))
	}
	for _, h := range cfg.Server.Hosts {
		if _, err := ParseHost(h, cfg.DefaultPort()); err != nil {
			errs = append(errs, fmt.Errorf("server.hosts: %w", err))
		}
	}

	if _, err := logging.ParseLevel(cfg.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level must be 1-8 or debug, info, notice, warn, error; got %q", cfg.Log.Level))
	}
	if !validFormats[cfg.Log.Format] {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", cfg.Log.Format))
	}

	if cfg.Metrics.Password != "" && cfg.Metrics.Username == "" {
		errs = append(errs, fmt.Errorf("metrics.password requires metrics.username"))
	}
	if cfg.Metrics.Username != "" && cfg.Metrics.Password == "" {
		errs = append(errs, fmt.Errorf("metrics.username requires metrics.password"))
	}
	if pw := cfg.Metrics.Password; pw != "" && !strings.HasPrefix(pw, "$2") {
		errs = append(errs, fmt.Errorf("metrics.password must be a bcrypt hash; generate one with hash-password"))
	}

	for name := range cfg.Sandbox.WorkerRLimits {
		if !validRLimitNames[strings.ToLower(name)] {
			errs = append(errs, fmt.Errorf("sandbox.worker_rlimits: unknown resource %q", name))
		}
	}

	return errs
}

var validRLimitNames = map[string]bool{
	"core": true, "fsize": true, "nofile": true, "data": true,
	"stack": true, "as": true, "cpu": true,
}

