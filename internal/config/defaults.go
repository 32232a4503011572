package config

// Defaults shared by the CLI and the config file.
const (
	DefaultMaxClients = 64
	DefaultTimeoutMS  = 100
	DefaultBufferSize = 4096
	DefaultLogLevel   = "notice"
)

// ApplyDefaults fills in zero-value fields with their default values.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = ModeEcho
	}
	if cfg.Server.Family == "" {
		cfg.Server.Family = "any"
	}
	if cfg.Server.Transport == "" {
		cfg.Server.Transport = "any"
	}
	if cfg.Server.MaxClients == nil {
		n := DefaultMaxClients
		cfg.Server.MaxClients = &n
	}
	if cfg.Server.TimeoutMS == nil {
		n := DefaultTimeoutMS
		cfg.Server.TimeoutMS = &n
	}
	if cfg.Server.BufferSize == 0 {
		cfg.Server.BufferSize = DefaultBufferSize
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Syslog == nil {
		t := true
		cfg.Log.Syslog = &t
	}

	if cfg.Sandbox.Enabled == nil {
		t := true
		cfg.Sandbox.Enabled = &t
	}
	if cfg.Sandbox.WorkerRLimits == nil {
		cfg.Sandbox.WorkerRLimits = map[string]string{
			"core":  "0",
			"fsize": "0",
		}
	}
}

// Default returns a config with every default applied.
func Default() *Config {
	return DefaultFor(ModeEcho)
}

// DefaultFor returns the defaults of a build whose default mode is mode.
func DefaultFor(mode string) *Config {
	cfg := &Config{Server: ServerConfig{Mode: mode}}
	ApplyDefaults(cfg)
	return cfg
}
