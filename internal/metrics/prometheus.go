// Package metrics provides Prometheus metrics for the governance layer.
// It mirrors the shared-store counters kept by the monitor so they can be scraped,
// and adds admission, cache and HTTP metrics that have no store counterpart.
package metrics

import (
	"database/sql"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "clinigate"

// LatencyBuckets defines histogram buckets for task latency (in seconds).
// Upper buckets cover the 5s warning and 10s critical alert thresholds.
var LatencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 3.0, 4.0, 5.0,
	7.5, 10.0, 15.0, 20.0, 30.0, 60.0, 120.0,
}

// Metrics holds every collector registered for one gateway instance.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Requests          *prometheus.CounterVec
	TaskLatency       *prometheus.HistogramVec
	Overrides         *prometheus.CounterVec
	AdmissionDecision *prometheus.CounterVec
	AdmissionFailOpen prometheus.Counter
	CacheOperations   *prometheus.CounterVec
	CacheInvalidation *prometheus.CounterVec
	Failures          *prometheus.CounterVec
	Alerts            *prometheus.CounterVec
	AlertsSuppressed  *prometheus.CounterVec
	HealthScore       *prometheus.GaugeVec
	HTTPDuration      *prometheus.HistogramVec
	StorePool         *prometheus.GaugeVec
	StorePoolWaits    prometheus.Gauge
	ProviderCircuit   *prometheus.GaugeVec
}

// New registers all collectors with reg. Passing prometheus.DefaultRegisterer exposes
// them on the default /metrics handler; tests pass a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_requests_total",
			Help:      "Governed task requests by outcome (success, failure, cache_hit)",
		}, []string{"task", "outcome"}),

		TaskLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_latency_seconds",
			Help:      "End-to-end latency of governed task requests",
			Buckets:   LatencyBuckets,
		}, []string{"task"}),

		Overrides: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_overrides_total",
			Help:      "Responses altered by safety validation",
		}, []string{"task"}),

		AdmissionDecision: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Admission decisions by result (allowed or denial reason)",
		}, []string{"task", "result"}),

		AdmissionFailOpen: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_fail_open_total",
			Help:      "Admissions allowed because the shared store was unavailable",
		}),

		CacheOperations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_operations_total",
			Help:      "Response cache operations by result (hit, miss, set, skip, error)",
		}, []string{"task", "result"}),

		CacheInvalidation: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_invalidations_total",
			Help:      "Cache invalidations by scope and mode (deleted or versioned)",
		}, []string{"scope", "mode"}),

		Failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Classified failures by category and severity",
		}, []string{"category", "severity"}),

		Alerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts fired by type and severity",
		}, []string{"type", "severity"}),

		AlertsSuppressed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_suppressed_total",
			Help:      "Alerts suppressed by debouncing",
		}, []string{"type"}),

		HealthScore: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "health_score",
			Help:      "Last computed health score (0-100) by period",
		}, []string{"period"}),

		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status code",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"route", "status"}),

		StorePool: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_pool_connections",
			Help:      "SQL store connections by state (open, in_use, idle)",
		}, []string{"state"}),

		StorePoolWaits: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_pool_wait_count",
			Help:      "Total number of connections waited for by the SQL store",
		}),

		ProviderCircuit: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_circuit_state",
			Help:      "Model backend circuit state (0 closed, 1 open, 2 half-open)",
		}, []string{"provider"}),
	}
}

// ObserveRequest records one finished task request.
func (m *Metrics) ObserveRequest(task, outcome string, latencySeconds float64, overridden bool) {
	if m == nil {
		return
	}
	task = sanitizeLabel(task)
	m.Requests.WithLabelValues(task, outcome).Inc()
	m.TaskLatency.WithLabelValues(task).Observe(latencySeconds)
	if overridden {
		m.Overrides.WithLabelValues(task).Inc()
	}
}

// ObserveAdmission records an admission decision.
func (m *Metrics) ObserveAdmission(task, result string) {
	if m == nil {
		return
	}
	m.AdmissionDecision.WithLabelValues(sanitizeLabel(task), result).Inc()
}

// ObserveFailOpen records an admission allowed because of a store error.
func (m *Metrics) ObserveFailOpen() {
	if m == nil {
		return
	}
	m.AdmissionFailOpen.Inc()
}

// ObserveCache records a cache lookup or write result.
func (m *Metrics) ObserveCache(task, result string) {
	if m == nil {
		return
	}
	m.CacheOperations.WithLabelValues(sanitizeLabel(task), result).Inc()
}

// ObserveInvalidation records a cache invalidation.
func (m *Metrics) ObserveInvalidation(scope, mode string) {
	if m == nil {
		return
	}
	m.CacheInvalidation.WithLabelValues(scope, mode).Inc()
}

// ObserveFailure records a classified failure.
func (m *Metrics) ObserveFailure(category, severity string) {
	if m == nil {
		return
	}
	m.Failures.WithLabelValues(category, severity).Inc()
}

// ObserveAlert records a fired or suppressed alert.
func (m *Metrics) ObserveAlert(alertType, severity string, suppressed bool) {
	if m == nil {
		return
	}
	if suppressed {
		m.AlertsSuppressed.WithLabelValues(alertType).Inc()
		return
	}
	m.Alerts.WithLabelValues(alertType, severity).Inc()
}

// SetHealth records the latest health score for a period.
func (m *Metrics) SetHealth(period string, score int) {
	if m == nil {
		return
	}
	m.HealthScore.WithLabelValues(period).Set(float64(score))
}

// UpdateStorePool copies SQL pool statistics into the store gauges.
func (m *Metrics) UpdateStorePool(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.StorePool.WithLabelValues("open").Set(float64(stats.OpenConnections))
	m.StorePool.WithLabelValues("in_use").Set(float64(stats.InUse))
	m.StorePool.WithLabelValues("idle").Set(float64(stats.Idle))
	m.StorePoolWaits.Set(float64(stats.WaitCount))
}

// SetProviderCircuit records a circuit state: 0 closed, 1 open, 2 half-open.
func (m *Metrics) SetProviderCircuit(name string, state int) {
	if m == nil {
		return
	}
	m.ProviderCircuit.WithLabelValues(sanitizeLabel(name)).Set(float64(state))
}

const maxLabelLen = 64

// sanitizeLabel bounds user-supplied label values such as task names.
func sanitizeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(min(len(value), maxLabelLen))
	for _, r := range value {
		if (r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '-' || r == '_' || r == '.' || r == ':' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
		if b.Len() >= maxLabelLen {
			break
		}
	}

	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "unknown"
	}
	return out
}
