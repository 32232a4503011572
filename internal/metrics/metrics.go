// Package metrics collects and exposes Prometheus metrics for echod.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the supervisor's metrics. Listener processes keep their
// own registry (see Listener) since they run in separate address spaces.
type Collector struct {
	registry *prometheus.Registry

	ListenerUp        *prometheus.GaugeVec
	ListenerExitTotal *prometheus.CounterVec
	SupervisorUptime  prometheus.GaugeFunc
	BuildInfo         *prometheus.GaugeVec
}

// New creates and registers the supervisor metrics.
func New() *Collector {
	reg := prometheus.NewRegistry()

	// Register default Go runtime metrics.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	start := time.Now()

	c := &Collector{
		registry: reg,

		ListenerUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "echod_listener_up",
				Help: "Whether the listener process for an endpoint is running.",
			},
			[]string{"endpoint"},
		),

		ListenerExitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "echod_listener_exits_total",
				Help: "Total number of listener process exits.",
			},
			[]string{"endpoint"},
		),

		SupervisorUptime: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "echod_supervisor_uptime_seconds",
				Help: "Uptime of the echod supervisor in seconds.",
			},
			func() float64 { return time.Since(start).Seconds() },
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "echod_info",
				Help: "Build information about echod.",
			},
			[]string{"version", "go_version", "mode"},
		),
	}

	reg.MustRegister(
		c.ListenerUp,
		c.ListenerExitTotal,
		c.SupervisorUptime,
		c.BuildInfo,
	)

	return c
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SetBuildInfo sets the constant build info gauge.
func (c *Collector) SetBuildInfo(version, goVersion, mode string) {
	c.BuildInfo.WithLabelValues(version, goVersion, mode).Set(1)
}

// SetListenerUp records whether an endpoint's listener is running.
func (c *Collector) SetListenerUp(endpoint string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	c.ListenerUp.WithLabelValues(endpoint).Set(v)
}

// IncListenerExit increments the exit counter for an endpoint.
func (c *Collector) IncListenerExit(endpoint string) {
	c.ListenerExitTotal.WithLabelValues(endpoint).Inc()
}
