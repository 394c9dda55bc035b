package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for vela isolation metrics.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	bindsTotal        *prometheus.CounterVec
	releasesTotal     prometheus.Counter
	bindFailures      prometheus.Counter
	residualBindings  prometheus.Counter
	violationsTotal   *prometheus.CounterVec
	bypassTotal       prometheus.Counter
	auditDropped      prometheus.Counter
	guardRunsTotal    *prometheus.CounterVec
	registryCacheHits *prometheus.CounterVec

	// Histograms
	bindDuration  prometheus.Histogram
	resetDuration prometheus.Histogram

	// Gauges
	activeSessions prometheus.Gauge
	uptime         prometheus.GaugeFunc
}

// Default histogram buckets for bind/reset round trips (in milliseconds).
var defaultBuckets = []float64{0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	startTime := time.Now()

	pm := &PrometheusMetrics{
		registry: registry,

		bindsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_binds_total",
				Help:      "Total tenant session binds, by isolation mode",
			},
			[]string{"mode"},
		),

		releasesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_releases_total",
				Help:      "Total tenant session releases",
			},
		),

		bindFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_bind_failures_total",
				Help:      "Total failed session binds (connection discarded)",
			},
		),

		residualBindings: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "residual_bindings_total",
				Help:      "Connections found carrying a tenant binding after release",
			},
		),

		violationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "violations_total",
				Help:      "Isolation violations detected, by kind",
			},
			[]string{"kind"},
		),

		bypassTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bypass_uses_total",
				Help:      "Privileged/bypass context uses",
			},
		),

		auditDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_events_dropped_total",
				Help:      "Audit events dropped due to a full buffer",
			},
		),

		guardRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "migration_guard_runs_total",
				Help:      "Migration guard runs, by result",
			},
			[]string{"result"},
		),

		registryCacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registry_cache_lookups_total",
				Help:      "Tenant registry validity cache lookups, by outcome",
			},
			[]string{"outcome"},
		),

		bindDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_bind_duration_milliseconds",
				Help:      "Round-trip time of the session bind statement",
				Buckets:   buckets,
			},
		),

		resetDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_reset_duration_milliseconds",
				Help:      "Round-trip time of the session reset statement",
				Buckets:   buckets,
			},
		),

		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_bound_sessions",
				Help:      "Currently bound sessions",
			},
		),

		uptime: prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "uptime_seconds",
				Help:      "Process uptime in seconds",
			},
			func() float64 { return time.Since(startTime).Seconds() },
		),
	}

	registry.MustRegister(
		pm.bindsTotal,
		pm.releasesTotal,
		pm.bindFailures,
		pm.residualBindings,
		pm.violationsTotal,
		pm.bypassTotal,
		pm.auditDropped,
		pm.guardRunsTotal,
		pm.registryCacheHits,
		pm.bindDuration,
		pm.resetDuration,
		pm.activeSessions,
		pm.uptime,
	)

	promMetrics = pm
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	if promMetrics == nil {
		InitPrometheus("vela", nil)
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// RecordBind records a successful session bind.
func RecordBind(mode string, d time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.bindsTotal.WithLabelValues(mode).Inc()
	promMetrics.bindDuration.Observe(float64(d.Microseconds()) / 1000.0)
	promMetrics.activeSessions.Inc()
}

// RecordRelease records a session release.
func RecordRelease(d time.Duration) {
	if promMetrics == nil {
		return
	}
	promMetrics.releasesTotal.Inc()
	promMetrics.resetDuration.Observe(float64(d.Microseconds()) / 1000.0)
	promMetrics.activeSessions.Dec()
}

// RecordBindFailure records a failed bind attempt.
func RecordBindFailure() {
	if promMetrics == nil {
		return
	}
	promMetrics.bindFailures.Inc()
}

// RecordResidualBinding records a residual tenant binding found on a pooled
// connection. This should be zero in a healthy deployment.
func RecordResidualBinding() {
	if promMetrics == nil {
		return
	}
	promMetrics.residualBindings.Inc()
}

// RecordViolation records an isolation violation by kind.
func RecordViolation(kind string) {
	if promMetrics == nil {
		return
	}
	promMetrics.violationsTotal.WithLabelValues(kind).Inc()
}

// RecordBypass records a privileged/bypass context use.
func RecordBypass() {
	if promMetrics == nil {
		return
	}
	promMetrics.bypassTotal.Inc()
}

// RecordAuditDropped records an audit event lost to a full buffer.
func RecordAuditDropped() {
	if promMetrics == nil {
		return
	}
	promMetrics.auditDropped.Inc()
}

// RecordGuardRun records a migration guard run outcome ("pass" or "fail").
func RecordGuardRun(result string) {
	if promMetrics == nil {
		return
	}
	promMetrics.guardRunsTotal.WithLabelValues(result).Inc()
}

// RecordRegistryCacheLookup records a validity cache lookup outcome
// ("hit", "miss", "error").
func RecordRegistryCacheLookup(outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.registryCacheHits.WithLabelValues(outcome).Inc()
}
