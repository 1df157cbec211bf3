// Package metrics exports streaming chat metrics in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter records per-turn streaming metrics. A nil *Exporter is valid and records
// nothing.
type Exporter struct {
	registry *prometheus.Registry

	turns         *prometheus.CounterVec
	turnLatency   *prometheus.HistogramVec
	chunks        *prometheus.CounterVec
	activeStreams prometheus.Gauge
	storeErrors   *prometheus.CounterVec
}

// Config configures the exporter.
type Config struct {
	// Registry to use (if nil, creates a new one)
	Registry *prometheus.Registry

	// Buckets for latency histograms (in seconds)
	LatencyBuckets []float64
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}
}

// NewExporter creates and registers all collectors.
func NewExporter(cfg Config) *Exporter {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &Exporter{registry: registry}

	e.turns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buddychat",
			Subsystem: "stream",
			Name:      "turns_total",
			Help:      "Total number of streamed turns by terminal state",
		},
		[]string{"transport", "state"},
	)

	e.turnLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "buddychat",
			Subsystem: "stream",
			Name:      "turn_duration_seconds",
			Help:      "Time from request to terminal frame in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"transport", "state"},
	)

	e.chunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buddychat",
			Subsystem: "stream",
			Name:      "chunks_total",
			Help:      "Total number of chunk frames written",
		},
		[]string{"transport"},
	)

	e.activeStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "buddychat",
			Subsystem: "stream",
			Name:      "active",
			Help:      "Number of turns currently streaming",
		},
	)

	e.storeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buddychat",
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Total number of session store failures",
		},
		[]string{"op"},
	)

	registry.MustRegister(
		e.turns,
		e.turnLatency,
		e.chunks,
		e.activeStreams,
		e.storeErrors,
	)

	return e
}

// StreamStarted marks a turn as in flight.
func (e *Exporter) StreamStarted() {
	if e == nil {
		return
	}
	e.activeStreams.Inc()
}

// RecordTurn records a finished turn and releases its in-flight slot.
func (e *Exporter) RecordTurn(transport, state string, latency time.Duration) {
	if e == nil {
		return
	}
	e.activeStreams.Dec()
	e.turns.WithLabelValues(transport, state).Inc()
	e.turnLatency.WithLabelValues(transport, state).Observe(latency.Seconds())
}

// RecordChunk counts one chunk frame.
func (e *Exporter) RecordChunk(transport string) {
	if e == nil {
		return
	}
	e.chunks.WithLabelValues(transport).Inc()
}

// RecordStoreError counts a failed store operation.
func (e *Exporter) RecordStoreError(op string) {
	if e == nil {
		return
	}
	e.storeErrors.WithLabelValues(op).Inc()
}

// Registry returns the Prometheus registry.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// ServeHTTP implements http.Handler for the metrics endpoint.
func (e *Exporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}
