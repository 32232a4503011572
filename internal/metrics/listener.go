package metrics

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/echodev/echod/internal/events"
)

// Listener holds the metrics of one listener process. They are written
// to a textfile for a node exporter to pick up, since listeners serve no
// HTTP of their own.
type Listener struct {
	registry *prometheus.Registry
	endpoint string

	Accepted    prometheus.Counter
	Dropped     prometheus.Counter
	SpawnErrors prometheus.Counter
	Datagrams   prometheus.Counter
	Reaped      *prometheus.CounterVec
	Live        prometheus.GaugeFunc
}

// NewListener creates the metrics for the listener on endpoint. live
// reports the current number of admitted connections.
func NewListener(endpoint string, live func() float64) *Listener {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"endpoint": endpoint}

	l := &Listener{
		registry: reg,
		endpoint: endpoint,

		Accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "echod_connections_accepted_total",
			Help:        "Connections admitted and handed to a worker.",
			ConstLabels: labels,
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "echod_connections_dropped_total",
			Help:        "Connections closed because the listener was at capacity.",
			ConstLabels: labels,
		}),
		SpawnErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "echod_worker_spawn_errors_total",
			Help:        "Worker processes that could not be started.",
			ConstLabels: labels,
		}),
		Datagrams: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "echod_datagrams_total",
			Help:        "Datagrams received by a UDP listener.",
			ConstLabels: labels,
		}),
		Reaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "echod_workers_reaped_total",
			Help:        "Worker processes reaped, by outcome.",
			ConstLabels: labels,
		}, []string{"status"}),
		Live: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "echod_live_connections",
			Help:        "Connections currently held by worker processes.",
			ConstLabels: labels,
		}, live),
	}

	reg.MustRegister(l.Accepted, l.Dropped, l.SpawnErrors, l.Datagrams, l.Reaped, l.Live)
	return l
}

// Attach keeps the counters in step with the events published on bus.
func (l *Listener) Attach(bus *events.Bus) {
	bus.Subscribe(events.ConnectionAccepted, func(events.Event) { l.Accepted.Inc() })
	bus.Subscribe(events.ConnectionDropped, func(events.Event) { l.Dropped.Inc() })
	bus.Subscribe(events.WorkerSpawnFailed, func(events.Event) { l.SpawnErrors.Inc() })
	bus.Subscribe(events.Datagram, func(events.Event) { l.Datagrams.Inc() })
	bus.Subscribe(events.WorkerReaped, func(e events.Event) {
		l.Reaped.WithLabelValues(reapOutcome(e.Data["status"])).Inc()
	})
}

// Gather exposes the registry for tests and ad-hoc dumps.
func (l *Listener) Gather() prometheus.Gatherer { return l.registry }

// TextfilePath returns where WriteTextfile puts this listener's metrics.
func (l *Listener) TextfilePath(dir string) string {
	return filepath.Join(dir, "echod_"+sanitize(l.endpoint)+".prom")
}

// WriteTextfile atomically replaces the listener's textfile in dir.
func (l *Listener) WriteTextfile(dir string) error {
	if err := prometheus.WriteToTextfile(l.TextfilePath(dir), l.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

func reapOutcome(status string) string {
	switch {
	case status == "exit 0":
		return "success"
	case strings.HasPrefix(status, "signal"):
		return "signaled"
	default:
		return "failure"
	}
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		default:
			return '_'
		}
	}, s)
}
