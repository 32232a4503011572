// Package config handles loading and validating echod configuration.
package config

// Mode selects what a listener does with received bytes.
const (
	ModeEcho    = "echo"
	ModeDiscard = "discard"
)

// Default ports of the two build variants. Numeric on purpose: the "echo"
// service name resolves to AppleTalk echo (4) on some systems.
const (
	DefaultEchoPort    = "7"
	DefaultDiscardPort = "9"
)

// Config is the top-level echod configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Daemon  DaemonConfig  `toml:"daemon"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`
	Sandbox SandboxConfig `toml:"sandbox"`
}

// ServerConfig holds listener and admission settings.
type ServerConfig struct {
	Hosts       []string `toml:"hosts"`
	Mode        string   `toml:"mode"`
	Family      string   `toml:"family"`    // "any", "inet", "inet6"
	Transport   string   `toml:"transport"` // "any", "udp", "tcp"
	MaxClients  *int     `toml:"max_clients"`
	TimeoutMS   *int     `toml:"timeout_ms"`
	BufferSize  int      `toml:"buffer_size"`
	ClearBuffer bool     `toml:"clear_buffer"`
}

// DaemonConfig holds process-level settings.
type DaemonConfig struct {
	Daemonize bool   `toml:"daemonize"`
	User      string `toml:"user"`
	PIDFile   string `toml:"pid_file"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Syslog *bool  `toml:"syslog"`
}

// MetricsConfig holds the optional observability surface.
type MetricsConfig struct {
	Listen   string `toml:"listen"`
	Dir      string `toml:"dir"`
	Username string `toml:"username"`
	Password string `toml:"password"` // bcrypt hash
}

// SandboxConfig controls per-role capability narrowing.
type SandboxConfig struct {
	Enabled       *bool             `toml:"enabled"`
	WorkerRLimits map[string]string `toml:"worker_rlimits"`
}

// SyslogEnabled reports whether log records are mirrored to syslog.
func (c *Config) SyslogEnabled() bool {
	return c.Log.Syslog == nil || *c.Log.Syslog
}

// SandboxEnabled reports whether capability narrowing is requested.
func (c *Config) SandboxEnabled() bool {
	return c.Sandbox.Enabled == nil || *c.Sandbox.Enabled
}

// MaxClientsValue returns the admission ceiling; 0 means unbounded.
func (c *Config) MaxClientsValue() int {
	if c.Server.MaxClients == nil {
		return DefaultMaxClients
	}
	return *c.Server.MaxClients
}

// TimeoutValue returns the worker receive timeout in milliseconds; 0
// disables it.
func (c *Config) TimeoutValue() int {
	if c.Server.TimeoutMS == nil {
		return DefaultTimeoutMS
	}
	return *c.Server.TimeoutMS
}

// DefaultPort returns the port used for hosts that do not name one.
func (c *Config) DefaultPort() string {
	if c.Server.Mode == ModeDiscard {
		return DefaultDiscardPort
	}
	return DefaultEchoPort
}
