package monitor

import (
	"fmt"
	"time"
)

// Period selects the bucket size of a metrics read.
type Period string

// Metric periods.
const (
	PeriodMinute Period = "minute"
	PeriodHour   Period = "hour"
	PeriodDay    Period = "day"
)

// Periods lists every period in ascending size.
var Periods = []Period{PeriodMinute, PeriodHour, PeriodDay}

// ParsePeriod validates a period name.
func ParsePeriod(s string) (Period, error) {
	switch Period(s) {
	case PeriodMinute, PeriodHour, PeriodDay:
		return Period(s), nil
	case "":
		return PeriodHour, nil
	default:
		return "", fmt.Errorf("unknown period %q (want minute, hour or day)", s)
	}
}

// bucket returns the bucket id for t and how long its keys must live.
func (p Period) bucket(t time.Time) (string, time.Duration) {
	t = t.UTC()
	switch p {
	case PeriodMinute:
		return "m" + t.Format("200601021504"), 2 * time.Minute
	case PeriodDay:
		return "d" + t.Format("20060102"), 48 * time.Hour
	default:
		return "h" + t.Format("2006010215"), 2 * time.Hour
	}
}

// RequestData describes one finished governed request.
type RequestData struct {
	Task          string
	Success       bool
	LatencyMs     int64
	WasOverridden bool
	RiskFlags     []string
	CacheHit      bool
}

// RequestStats are the request counters of one bucket.
type RequestStats struct {
	Total     int64   `json:"total"`
	Success   int64   `json:"success"`
	Failure   int64   `json:"failure"`
	CacheHits int64   `json:"cache_hits"`
	ErrorRate float64 `json:"error_rate"`
}

// ValidationStats are the safety-override counters of one bucket.
type ValidationStats struct {
	Overridden  int64   `json:"overridden"`
	FailureRate float64 `json:"failure_rate"`
}

// LatencyStats summarise one task's latency in a bucket.
// Min and max cover the retained samples; avg covers every request.
type LatencyStats struct {
	Min     int64   `json:"min"`
	Max     int64   `json:"max"`
	Avg     float64 `json:"avg"`
	Samples int     `json:"samples"`
}

// TaskStats are per-task counters of one bucket.
type TaskStats struct {
	Requests int64 `json:"requests"`
	Failures int64 `json:"failures"`
}

// HealthStatus is the coarse health classification.
type HealthStatus string

// Health statuses.
const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthCritical  HealthStatus = "critical"
)

// Health is the rolling health score.
type Health struct {
	Score  int          `json:"score"`
	Status HealthStatus `json:"status"`
	Issues []string     `json:"issues"`
}

// Snapshot is the result of GetMetrics.
type Snapshot struct {
	Period     Period                  `json:"period"`
	Bucket     string                  `json:"bucket"`
	Requests   RequestStats            `json:"requests"`
	Validation ValidationStats         `json:"validation"`
	Latency    map[string]LatencyStats `json:"latency"`
	ByTask     map[string]TaskStats    `json:"by_task"`
	Health     Health                  `json:"health"`
}

// AlertSeverity is the severity of an operational alert.
type AlertSeverity string

// Alert severities.
const (
	AlertInfo     AlertSeverity = "info"
	AlertWarning  AlertSeverity = "warning"
	AlertCritical AlertSeverity = "critical"
)

// Alert types raised by CheckAlerts and Sweep.
const (
	AlertHighLatency        = "high_latency"
	AlertCriticalLatency    = "critical_latency"
	AlertValidationOverride = "validation_override"
	AlertHealthDegraded     = "health_degraded"
)

// Alert is one fired operational alert.
type Alert struct {
	ID        string         `json:"id"`
	Severity  AlertSeverity  `json:"severity"`
	Type      string         `json:"type"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Dashboard is the aggregate operations view.
type Dashboard struct {
	CurrentHour  Snapshot   `json:"current_hour"`
	CurrentDay   Snapshot   `json:"current_day"`
	RecentAlerts []Alert    `json:"recent_alerts"`
	Thresholds   Thresholds `json:"thresholds"`
	Timestamp    time.Time  `json:"timestamp"`
}
