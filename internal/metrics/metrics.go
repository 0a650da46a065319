// Package metrics collects and exposes Prometheus metrics for nixffi.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kahiteam/nixffi/internal/events"
)

// Collector holds all nixffi-specific Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	// Helper bootstrap metrics.
	SpawnTotal        *prometheus.CounterVec
	SpawnFailureTotal *prometheus.CounterVec
	SpawnDuration     prometheus.Histogram
	OpenConnections   prometheus.Gauge
	ConnectionsClosed *prometheus.CounterVec

	// Temp root protocol metrics.
	TempRootTotal    *prometheus.CounterVec
	TempRootDuration prometheus.Histogram
	HeldRoots        prometheus.Gauge

	BuildInfo *prometheus.GaugeVec
}

// New creates and registers all nixffi metrics.
func New() *Collector {
	reg := prometheus.NewRegistry()

	// Register default Go runtime metrics.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c := &Collector{
		registry: reg,

		SpawnTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nixffi_helper_spawn_total",
				Help: "Total number of ffi-helper launches by outcome.",
			},
			[]string{"outcome"},
		),

		SpawnFailureTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nixffi_helper_spawn_failures_total",
				Help: "Failed ffi-helper launches by the bootstrap stage that failed.",
			},
			[]string{"stage"},
		),

		SpawnDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nixffi_helper_spawn_duration_seconds",
				Help:    "Time from fork to a confirmed exec of the ffi-helper.",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
		),

		OpenConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "nixffi_helper_connections",
				Help: "Number of ffi-helper connections currently open.",
			},
		),

		ConnectionsClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nixffi_helper_closed_total",
				Help: "Total number of ffi-helper connections closed, by whether shutdown completed cleanly.",
			},
			[]string{"clean"},
		),

		TempRootTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nixffi_temproot_requests_total",
				Help: "Total number of add-temp-root requests by result.",
			},
			[]string{"result"},
		),

		TempRootDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "nixffi_temproot_request_duration_seconds",
				Help:    "Round-trip time of successful add-temp-root requests.",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
			},
		),

		HeldRoots: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "nixffi_hold_roots",
				Help: "Number of temp roots registered since the hold loop started.",
			},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nixffi_info",
				Help: "Build information about nixffi.",
			},
			[]string{"version", "go_version", "plugin_prefix"},
		),
	}

	reg.MustRegister(
		c.SpawnTotal,
		c.SpawnFailureTotal,
		c.SpawnDuration,
		c.OpenConnections,
		c.ConnectionsClosed,
		c.TempRootTotal,
		c.TempRootDuration,
		c.HeldRoots,
		c.BuildInfo,
	)

	return c
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SetBuildInfo sets the constant build info gauge.
func (c *Collector) SetBuildInfo(version, goVersion, pluginPrefix string) {
	c.BuildInfo.WithLabelValues(version, goVersion, pluginPrefix).Set(1)
}

// Attach subscribes the collector to helper lifecycle events on bus and
// returns the subscription ID.
func (c *Collector) Attach(bus *events.Bus) uint64 {
	return bus.Subscribe(c.Observe,
		events.HelperSpawned,
		events.HelperSpawnFailed,
		events.HelperClosed,
		events.TempRootAdded,
		events.TempRootFailed,
		events.HoldStarted,
		events.HoldStopping,
	)
}

// Observe updates metrics from a single event.
func (c *Collector) Observe(e events.Event) {
	switch e.Type {
	case events.HelperSpawned:
		c.SpawnTotal.WithLabelValues("ok").Inc()
		c.OpenConnections.Inc()
		observeDuration(c.SpawnDuration, e)
	case events.HelperSpawnFailed:
		c.SpawnTotal.WithLabelValues("failed").Inc()
		stage := e.Data[events.KeyStage]
		if stage == "" {
			stage = "arguments"
		}
		c.SpawnFailureTotal.WithLabelValues(stage).Inc()
	case events.HelperClosed:
		c.OpenConnections.Dec()
		_, failed := e.Data[events.KeyError]
		c.ConnectionsClosed.WithLabelValues(strconv.FormatBool(!failed)).Inc()
	case events.TempRootAdded:
		c.TempRootTotal.WithLabelValues("ok").Inc()
		c.HeldRoots.Inc()
		observeDuration(c.TempRootDuration, e)
	case events.TempRootFailed:
		c.TempRootTotal.WithLabelValues("error").Inc()
	case events.HoldStarted:
		if n, err := strconv.Atoi(e.Data[events.KeyRoots]); err == nil {
			c.HeldRoots.Set(float64(n))
		}
	case events.HoldStopping:
		c.HeldRoots.Set(0)
	}
}

func observeDuration(h prometheus.Histogram, e events.Event) {
	if s, ok := e.Data[events.KeyDuration]; ok {
		if d, err := strconv.ParseFloat(s, 64); err == nil {
			h.Observe(d)
		}
	}
}
