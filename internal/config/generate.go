package config

// DefaultConfigTOML is a complete, commented sample echod.toml.
const DefaultConfigTOML = `# echod configuration file
# Command-line flags override the values below.

[server]
# hosts = ["*/7"]               # host/port entries; "*" or "any" = wildcard
# mode = "echo"                 # echo, discard
# family = "any"                # any, inet, inet6
# transport = "any"             # any, udp, tcp
# max_clients = 64              # simultaneous TCP clients (0 = unbounded)
# timeout_ms = 100              # worker receive timeout (0 = none)
# buffer_size = 4096            # bytes read per exchange
# clear_buffer = false          # zero the UDP buffer after each datagram

[daemon]
# daemonize = false             # detach from the controlling terminal
# user = ""                     # drop privileges to user[:group] after bind
# pid_file = ""                 # write the supervisor PID here

[log]
# level = "notice"              # 1-8 (syslog) or debug, info, notice, warn, error
# format = ""                   # text, json (default: text on a terminal)
# syslog = true                 # mirror records to syslog (facility daemon)

[metrics]
# listen = ""                   # e.g. "127.0.0.1:9107" for /metrics and /healthz
# dir = ""                      # listener textfile metrics directory
# username = ""                 # HTTP Basic Auth username
# password = ""                 # bcrypt hash, see "echod hash-password"

[sandbox]
# enabled = true                # seccomp narrowing per process role (Linux)
# [sandbox.worker_rlimits]
# core = "0"
# fsize = "0"
`
