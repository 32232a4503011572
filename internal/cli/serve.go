package cli

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/echodev/echod/internal/config"
	"github.com/echodev/echod/internal/logging"
	"github.com/echodev/echod/internal/process"
	"github.com/echodev/echod/internal/resolve"
	"github.com/echodev/echod/internal/supervisor"
	"github.com/echodev/echod/internal/version"
)

type serveFlags struct {
	variant Variant

	configPath    string
	daemon        bool
	user          string
	pidFile       string
	logLevel      string
	logFormat     string
	noSyslog      bool
	maxClients    int
	timeout       int
	inet          bool
	inet6         bool
	udp           bool
	tcp           bool
	mode          string
	bufferSize    int
	clearBuffer   bool
	metricsListen string
	metricsDir    string
	noSandbox     bool
}

func (f *serveFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVarP(&f.configPath, "config", "f", "", "config file (default: $ECHOD_CONFIG or the search path)")
	fl.BoolVarP(&f.daemon, "daemon", "d", false, "detach from the terminal")
	fl.StringVarP(&f.user, "user", "U", "", "drop privileges to user[:group] after binding")
	fl.StringVarP(&f.pidFile, "pid", "p", "", "write the supervisor PID to this file")
	fl.StringVarP(&f.logLevel, "log-level", "l", config.DefaultLogLevel, "log level, 1-8 or debug, info, notice, warn, error")
	fl.StringVar(&f.logFormat, "log-format", "", "log format, text or json (default: text on a terminal)")
	fl.BoolVar(&f.noSyslog, "no-syslog", false, "do not mirror log records to syslog")
	fl.IntVarP(&f.maxClients, "max-clients", "c", config.DefaultMaxClients, "simultaneous TCP clients per listener (0 = unbounded)")
	fl.IntVarP(&f.timeout, "timeout", "T", config.DefaultTimeoutMS, "worker receive timeout in milliseconds (0 = none)")
	fl.BoolVarP(&f.inet, "inet", "4", false, "IPv4 only")
	fl.BoolVarP(&f.inet6, "inet6", "6", false, "IPv6 only")
	fl.BoolVarP(&f.udp, "udp", "u", false, "UDP only")
	fl.BoolVarP(&f.tcp, "tcp", "t", false, "TCP only")
	fl.StringVar(&f.mode, "mode", f.variant.Mode, "echo or discard")
	fl.IntVar(&f.bufferSize, "buffer-size", config.DefaultBufferSize, "bytes read per exchange")
	fl.BoolVar(&f.clearBuffer, "clear-buffer", false, "zero the UDP buffer after each datagram")
	fl.StringVar(&f.metricsListen, "metrics-listen", "", "serve /metrics, /healthz and /readyz on this address")
	fl.StringVar(&f.metricsDir, "metrics-dir", "", "directory listeners write textfile metrics to")
	fl.BoolVar(&f.noSandbox, "no-sandbox", false, "disable per-role sandboxing")
}

// load builds the effective configuration: defaults of the variant, then
// the config file, then flags the operator actually set, then hosts.
func (f *serveFlags) load(cmd *cobra.Command, hosts []string) (*config.Config, []string, error) {
	path, err := config.Resolve(f.configPath)
	if err != nil {
		return nil, nil, err
	}

	cfg := config.DefaultFor(f.variant.Mode)
	var warnings []string
	source := "command line"
	if path != "" {
		cfg, warnings, err = config.LoadFor(path, f.variant.Mode)
		if err != nil {
			return nil, warnings, err
		}
		source = path + " and command line"
	}

	fl := cmd.Flags()
	changed := fl.Changed
	if changed("daemon") {
		cfg.Daemon.Daemonize = f.daemon
	}
	if changed("user") {
		cfg.Daemon.User = f.user
	}
	if changed("pid") {
		cfg.Daemon.PIDFile = f.pidFile
	}
	if changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	if changed("no-syslog") {
		on := !f.noSyslog
		cfg.Log.Syslog = &on
	}
	if changed("max-clients") {
		n := f.maxClients
		cfg.Server.MaxClients = &n
	}
	if changed("timeout") {
		n := f.timeout
		cfg.Server.TimeoutMS = &n
	}
	if changed("inet") || changed("inet6") {
		cfg.Server.Family = resolve.NormalizeFilter(f.inet, f.inet6, false, false).Family.String()
	}
	if changed("udp") || changed("tcp") {
		cfg.Server.Transport = resolve.NormalizeFilter(false, false, f.udp, f.tcp).Transport.String()
	}
	if changed("mode") {
		cfg.Server.Mode = f.mode
	}
	if changed("buffer-size") {
		cfg.Server.BufferSize = f.bufferSize
	}
	if changed("clear-buffer") {
		cfg.Server.ClearBuffer = f.clearBuffer
	}
	if changed("metrics-listen") {
		cfg.Metrics.Listen = f.metricsListen
	}
	if changed("metrics-dir") {
		cfg.Metrics.Dir = f.metricsDir
	}
	if changed("no-sandbox") {
		on := !f.noSandbox
		cfg.Sandbox.Enabled = &on
	}
	if len(hosts) > 0 {
		cfg.Server.Hosts = hosts
	}

	if err := config.Check(cfg, source); err != nil {
		return nil, warnings, err
	}
	return cfg, warnings, nil
}

func (f *serveFlags) run(cmd *cobra.Command, args []string) error {
	cfg, warnings, err := f.load(cmd, args)
	if err != nil {
		return err
	}
	filter, err := resolve.ParseFilter(cfg.Server.Family, cfg.Server.Transport)
	if err != nil {
		return err
	}
	cred, err := process.ParseCredential(cfg.Daemon.User)
	if err != nil {
		return err
	}
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	// Once detached, stderr is /dev/null and only syslog remains.
	detached := supervisor.Detached()
	stderr := cmd.ErrOrStderr()
	if detached {
		stderr = nil
	}
	logger := logging.New(logging.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: orDiscard(stderr),
		Syslog: cfg.SyslogEnabled(),
		Tag:    f.variant.Name,
	})

	if cfg.Daemon.Daemonize {
		parent, err := supervisor.Daemonize(&process.ExecSpawner{}, exe, os.Args, logger)
		if err != nil {
			return err
		}
		if parent {
			return nil
		}
	}

	ctx := cmd.Context()
	logger.Log(ctx, logging.LevelNotice, f.variant.Name+" "+version.Version+" starting...")
	for _, w := range warnings {
		logger.Warn("config warning", "warning", w)
	}
	supervisor.RootWarning(logger, cred != nil)

	s := supervisor.New(supervisor.SupervisorConfig{
		Config:     cfg,
		Name:       f.variant.Name,
		Executable: exe,
		Filter:     filter,
		Credential: cred,
		Spawner:    &process.ExecSpawner{},
		Stderr:     stderr,
		Version:    version.Version,
		Logger:     logger,
	})
	if err := s.Run(ctx); err != nil {
		logger.Error("fatal", "error", err)
		return err
	}
	return nil
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
