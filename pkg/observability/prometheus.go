// Package observability provides Prometheus metrics for the mount supervisor.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
)

const (
	// namespace is the Prometheus metric namespace prefix for all metrics.
	namespace = "automnt"
)

// Metrics holds all Prometheus metrics for the supervisor and watchdog.
type Metrics struct {
	registry *prometheus.Registry

	// Supervisor operation metrics
	mountOpsTotal    *prometheus.CounterVec
	mountOpsDuration *prometheus.HistogramVec

	// Health check metrics
	healthChecksTotal *prometheus.CounterVec

	// Watchdog metrics
	watchdogPassesTotal   prometheus.Counter
	restartsTotal         *prometheus.CounterVec
	orphansUnmountedTotal prometheus.Counter
	mountsActive          prometheus.Gauge
	mountsFailed          prometheus.Gauge
}

// NewMetrics creates a Metrics instance with all metrics registered.
// Uses a custom registry to avoid panics on process restart.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		mountOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mount_operations_total",
				Help:      "Total number of mount operations by type and status",
			},
			[]string{"operation", "status"},
		),

		mountOpsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "mount_operation_duration_seconds",
				Help:      "Duration of mount operations in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"operation"},
		),

		healthChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_checks_total",
				Help:      "Total number of health checks by result",
			},
			[]string{"result"},
		),

		watchdogPassesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_passes_total",
			Help:      "Total number of completed watchdog passes",
		}),

		restartsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "restarts_total",
				Help:      "Total number of automatic restart attempts by status",
			},
			[]string{"status"},
		),

		orphansUnmountedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphans_unmounted_total",
			Help:      "Total number of orphan mount points force-unmounted",
		}),

		mountsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mounts_active",
			Help:      "Number of mounts with an active runtime record",
		}),

		mountsFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mounts_failed",
			Help:      "Number of mounts that hit the retry ceiling",
		}),
	}

	reg.MustRegister(
		m.mountOpsTotal,
		m.mountOpsDuration,
		m.healthChecksTotal,
		m.watchdogPassesTotal,
		m.restartsTotal,
		m.orphansUnmountedTotal,
		m.mountsActive,
		m.mountsFailed,
	)

	return m
}

// RecordMountOp records a start/stop operation and its duration.
func (m *Metrics) RecordMountOp(operation string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.mountOpsTotal.WithLabelValues(operation, status).Inc()
	m.mountOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordHealthCheck records a health check outcome.
func (m *Metrics) RecordHealthCheck(result string) {
	m.healthChecksTotal.WithLabelValues(result).Inc()
}

// RecordWatchdogPass records a completed watchdog pass.
func (m *Metrics) RecordWatchdogPass() {
	m.watchdogPassesTotal.Inc()
}

// RecordRestart records an automatic restart attempt.
func (m *Metrics) RecordRestart(err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.restartsTotal.WithLabelValues(status).Inc()
}

// RecordOrphanUnmounted records one force-unmounted orphan mount point.
func (m *Metrics) RecordOrphanUnmounted() {
	m.orphansUnmountedTotal.Inc()
}

// SetMountCounts updates the active/failed mount gauges.
func (m *Metrics) SetMountCounts(active, failed int) {
	m.mountsActive.Set(float64(active))
	m.mountsFailed.Set(float64(failed))
}

// Handler returns an HTTP handler serving the metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts an HTTP server exposing /metrics on the given address.
// Returns the server so the caller can shut it down.
func (m *Metrics) Serve(address string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:    address,
		Handler: mux,
	}

	go func() {
		klog.Infof("Serving metrics on %s", address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.Errorf("Metrics server failed: %v", err)
		}
	}()

	return srv
}
