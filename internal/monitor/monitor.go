// Package monitor records governed request metrics in the shared store, derives a
// rolling health score and raises debounced operational alerts.
//
// Every counter lives in the store, so all gateway processes sharing a store see the
// same numbers. Latency min/max come from a bounded ring of samples per task and bucket;
// the average comes from atomic sum/count counters and therefore covers every request.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/blueberrycongee/clinigate/internal/metrics"
	"github.com/blueberrycongee/clinigate/internal/observability"
	"github.com/blueberrycongee/clinigate/pkg/store"
)

const keyPrefix = "mon:"

// Notifier receives fired alerts, e.g. a chat webhook.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// Monitor records request outcomes and raises alerts.
type Monitor struct {
	store     store.Store
	config    atomic.Pointer[Config]
	logger    *slog.Logger
	metrics   *metrics.Metrics
	notifiers []Notifier
	now       func() time.Time

	notifyTimeout time.Duration
	pending       sync.WaitGroup
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics mirrors recorded values into Prometheus.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Monitor) {
		m.metrics = mx
	}
}

// WithNotifier adds an alert notifier.
func WithNotifier(n Notifier) Option {
	return func(m *Monitor) {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
}

// WithClock overrides the time source used for bucketing.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// New creates a monitor over s.
func New(s store.Store, cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		store:         s,
		logger:        slog.Default(),
		now:           time.Now,
		notifyTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.UpdateConfig(cfg)
	return m
}

// UpdateConfig swaps thresholds and sizes. Stored counters are untouched.
func (m *Monitor) UpdateConfig(cfg Config) {
	cfg = cfg.withDefaults()
	m.config.Store(&cfg)
}

func (m *Monitor) loadConfig() Config {
	return *m.config.Load()
}

// Thresholds returns the active thresholds.
func (m *Monitor) Thresholds() Thresholds {
	return m.loadConfig().Thresholds
}

func bucketKey(bucket, suffix string) string {
	return keyPrefix + bucket + ":" + suffix
}

// RecordRequest updates minute, hour and day counters for one request and evaluates alerts.
// Store failures are logged and returned; callers treat them as non-fatal.
func (m *Monitor) RecordRequest(ctx context.Context, data RequestData) error {
	cfg := m.loadConfig()
	if data.Task == "" {
		data.Task = "unknown"
	}
	if data.LatencyMs < 0 {
		data.LatencyMs = 0
	}
	now := m.now()

	var errs []error
	for _, p := range Periods {
		if err := m.recordBucket(ctx, cfg, p, now, data); err != nil {
			errs = append(errs, fmt.Errorf("%s bucket: %w", p, err))
		}
	}

	outcome := "failure"
	switch {
	case data.CacheHit:
		outcome = "cache_hit"
	case data.Success:
		outcome = "success"
	}
	m.metrics.ObserveRequest(data.Task, outcome, float64(data.LatencyMs)/1000, data.WasOverridden)

	m.CheckAlerts(ctx, data)

	err := errors.Join(errs...)
	if err != nil {
		m.logger.WarnContext(ctx, "monitor record failed", "task", data.Task, "error", err)
	}
	return err
}

func (m *Monitor) recordBucket(ctx context.Context, cfg Config, p Period, now time.Time, data RequestData) error {
	bucket, ttl := p.bucket(now)
	incr := func(suffix string, delta int64) (int64, error) {
		return m.store.IncrementWithTTL(ctx, bucketKey(bucket, suffix), delta, ttl)
	}
	task := data.Task

	counters := []string{"total"}
	if data.Success {
		counters = append(counters, "success")
	} else {
		counters = append(counters, "failure", "task:"+task+":failures")
	}
	if data.WasOverridden {
		counters = append(counters, "overridden")
	}
	if data.CacheHit {
		counters = append(counters, "cache_hit")
	}
	counters = append(counters, "task:"+task+":lat_count")
	for _, c := range counters {
		if _, err := incr(c, 1); err != nil {
			return err
		}
	}
	if _, err := incr("task:"+task+":lat_sum", data.LatencyMs); err != nil {
		return err
	}

	// The first request of a task in a bucket registers the task for later reads.
	requests, err := incr("task:"+task+":requests", 1)
	if err != nil {
		return err
	}
	if requests == 1 {
		idx, err := incr("tasks:count", 1)
		if err != nil {
			return err
		}
		if idx <= int64(cfg.MaxTasks) {
			if err := m.store.Put(ctx, bucketKey(bucket, "tasks:"+strconv.FormatInt(idx, 10)), []byte(task), ttl); err != nil {
				return err
			}
		}
	}

	seq, err := incr("lat:"+task+":seq", 1)
	if err != nil {
		return err
	}
	slot := (seq - 1) % int64(cfg.SampleSize)
	return m.store.Put(ctx, bucketKey(bucket, "lat:"+task+":"+strconv.FormatInt(slot, 10)), store.FormatInt(data.LatencyMs), ttl)
}

// GetMetrics reads the current bucket of the given period.
func (m *Monitor) GetMetrics(ctx context.Context, period Period) (Snapshot, error) {
	cfg := m.loadConfig()
	bucket, _ := period.bucket(m.now())
	read := func(suffix string) (int64, error) {
		return store.GetInt64(ctx, m.store, bucketKey(bucket, suffix))
	}

	snap := Snapshot{
		Period:  period,
		Bucket:  bucket,
		Latency: map[string]LatencyStats{},
		ByTask:  map[string]TaskStats{},
	}

	var err error
	counters := []struct {
		suffix string
		dst    *int64
	}{
		{"total", &snap.Requests.Total},
		{"success", &snap.Requests.Success},
		{"failure", &snap.Requests.Failure},
		{"cache_hit", &snap.Requests.CacheHits},
		{"overridden", &snap.Validation.Overridden},
	}
	for _, c := range counters {
		if *c.dst, err = read(c.suffix); err != nil {
			return Snapshot{}, err
		}
	}
	if snap.Requests.Total > 0 {
		snap.Requests.ErrorRate = float64(snap.Requests.Failure) / float64(snap.Requests.Total)
		snap.Validation.FailureRate = float64(snap.Validation.Overridden) / float64(snap.Requests.Total)
	}

	tasks, err := m.tasks(ctx, cfg, bucket)
	if err != nil {
		return Snapshot{}, err
	}
	for _, task := range tasks {
		ts, ls, err := m.taskStats(ctx, cfg, bucket, task)
		if err != nil {
			return Snapshot{}, err
		}
		snap.ByTask[task] = ts
		snap.Latency[task] = ls
	}

	snap.Health = m.CalculateHealth(snap.Requests.ErrorRate, snap.Validation.FailureRate)
	m.metrics.SetHealth(string(period), snap.Health.Score)
	return snap, nil
}

func (m *Monitor) tasks(ctx context.Context, cfg Config, bucket string) ([]string, error) {
	count, err := store.GetInt64(ctx, m.store, bucketKey(bucket, "tasks:count"))
	if err != nil {
		return nil, err
	}
	if count > int64(cfg.MaxTasks) {
		count = int64(cfg.MaxTasks)
	}
	tasks := make([]string, 0, count)
	for i := int64(1); i <= count; i++ {
		raw, err := m.store.Get(ctx, bucketKey(bucket, "tasks:"+strconv.FormatInt(i, 10)))
		if err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			tasks = append(tasks, string(raw))
		}
	}
	return tasks, nil
}

func (m *Monitor) taskStats(ctx context.Context, cfg Config, bucket, task string) (TaskStats, LatencyStats, error) {
	read := func(suffix string) (int64, error) {
		return store.GetInt64(ctx, m.store, bucketKey(bucket, "task:"+task+":"+suffix))
	}
	var (
		ts       TaskStats
		ls       LatencyStats
		sum, cnt int64
		err      error
	)
	if ts.Requests, err = read("requests"); err != nil {
		return ts, ls, err
	}
	if ts.Failures, err = read("failures"); err != nil {
		return ts, ls, err
	}
	if sum, err = read("lat_sum"); err != nil {
		return ts, ls, err
	}
	if cnt, err = read("lat_count"); err != nil {
		return ts, ls, err
	}
	if cnt > 0 {
		ls.Avg = float64(sum) / float64(cnt)
	}

	seq, err := store.GetInt64(ctx, m.store, bucketKey(bucket, "lat:"+task+":seq"))
	if err != nil {
		return ts, ls, err
	}
	n := min(seq, int64(cfg.SampleSize))
	for slot := int64(0); slot < n; slot++ {
		raw, err := m.store.Get(ctx, bucketKey(bucket, "lat:"+task+":"+strconv.FormatInt(slot, 10)))
		if err != nil {
			return ts, ls, err
		}
		// A slot reserved by seq but not yet written holds no sample.
		if raw == nil {
			continue
		}
		v, err := strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return ts, ls, fmt.Errorf("parse latency sample of %s: %w", task, err)
		}
		if ls.Samples == 0 || v < ls.Min {
			ls.Min = v
		}
		if ls.Samples == 0 || v > ls.Max {
			ls.Max = v
		}
		ls.Samples++
	}
	return ts, ls, nil
}

// CalculateHealth scores the given rates against the configured thresholds.
func (m *Monitor) CalculateHealth(errorRate, validationFailureRate float64) Health {
	t := m.loadConfig().Thresholds
	h := Health{Score: 100, Issues: []string{}}

	switch {
	case t.ErrorRateCritical > 0 && errorRate >= t.ErrorRateCritical:
		h.Score -= 40
		h.Issues = append(h.Issues, fmt.Sprintf("error rate %.1f%% at or above critical threshold %.1f%%", errorRate*100, t.ErrorRateCritical*100))
	case t.ErrorRateWarning > 0 && errorRate >= t.ErrorRateWarning:
		h.Score -= 20
		h.Issues = append(h.Issues, fmt.Sprintf("error rate %.1f%% at or above warning threshold %.1f%%", errorRate*100, t.ErrorRateWarning*100))
	}

	switch {
	case t.ValidationFailureCritical > 0 && validationFailureRate >= t.ValidationFailureCritical:
		h.Score -= 30
		h.Issues = append(h.Issues, fmt.Sprintf("validation failure rate %.1f%% at or above critical threshold %.1f%%", validationFailureRate*100, t.ValidationFailureCritical*100))
	case t.ValidationFailureWarning > 0 && validationFailureRate >= t.ValidationFailureWarning:
		h.Score -= 15
		h.Issues = append(h.Issues, fmt.Sprintf("validation failure rate %.1f%% at or above warning threshold %.1f%%", validationFailureRate*100, t.ValidationFailureWarning*100))
	}

	if h.Score < 0 {
		h.Score = 0
	}
	switch {
	case h.Score >= 90:
		h.Status = HealthHealthy
	case h.Score >= 70:
		h.Status = HealthDegraded
	case h.Score >= 50:
		h.Status = HealthUnhealthy
	default:
		h.Status = HealthCritical
	}
	return h
}

// CheckAlerts raises latency and validation-override alerts for one request.
func (m *Monitor) CheckAlerts(ctx context.Context, data RequestData) {
	t := m.loadConfig().Thresholds

	switch {
	case t.LatencyCriticalMs > 0 && data.LatencyMs > t.LatencyCriticalMs:
		m.TriggerAlert(ctx, AlertCritical, AlertCriticalLatency, map[string]any{
			"task":         data.Task,
			"latency_ms":   data.LatencyMs,
			"threshold_ms": t.LatencyCriticalMs,
		})
	case t.LatencyWarningMs > 0 && data.LatencyMs > t.LatencyWarningMs:
		m.TriggerAlert(ctx, AlertWarning, AlertHighLatency, map[string]any{
			"task":         data.Task,
			"latency_ms":   data.LatencyMs,
			"threshold_ms": t.LatencyWarningMs,
		})
	}

	if data.WasOverridden && len(data.RiskFlags) > 0 {
		m.TriggerAlert(ctx, AlertWarning, AlertValidationOverride, map[string]any{
			"task":       data.Task,
			"risk_flags": data.RiskFlags,
		})
	}
}

// TriggerAlert fires an alert unless one of the same type fired within the debounce
// window. It reports whether the alert fired.
func (m *Monitor) TriggerAlert(ctx context.Context, severity AlertSeverity, alertType string, alertCtx map[string]any) bool {
	cfg := m.loadConfig()

	n, err := m.store.IncrementWithTTL(ctx, keyPrefix+"alert:debounce:"+alertType, 1, cfg.DebounceWindow)
	if err != nil {
		// Without debounce state, over-alerting is preferable to silence.
		m.logger.WarnContext(ctx, "alert debounce unavailable", "type", alertType, "error", err)
	} else if n > 1 {
		m.metrics.ObserveAlert(alertType, string(severity), true)
		m.logger.DebugContext(ctx, "alert suppressed", "type", alertType, "count", n)
		return false
	}

	alert := Alert{
		ID:        uuid.NewString(),
		Severity:  severity,
		Type:      alertType,
		Context:   alertCtx,
		Timestamp: m.now().UTC(),
	}

	m.logger.Log(ctx, alertLevel(severity), "governance alert",
		"alert_id", alert.ID,
		"type", alertType,
		"severity", string(severity),
		"context", alertCtx,
	)
	m.metrics.ObserveAlert(alertType, string(severity), false)

	if err := m.appendAlert(ctx, cfg, alert); err != nil {
		m.logger.WarnContext(ctx, "store alert failed", "alert_id", alert.ID, "error", err)
	}
	m.notify(ctx, alert)
	return true
}

func alertLevel(s AlertSeverity) slog.Level {
	switch s {
	case AlertCritical:
		return observability.LevelCritical
	case AlertWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

func (m *Monitor) appendAlert(ctx context.Context, cfg Config, alert Alert) error {
	raw, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	seq, err := m.store.IncrementWithTTL(ctx, keyPrefix+"alerts:seq", 1, 0)
	if err != nil {
		return err
	}
	slot := (seq - 1) % int64(cfg.AlertHistory)
	return m.store.Put(ctx, keyPrefix+"alerts:"+strconv.FormatInt(slot, 10), raw, cfg.AlertRetention)
}

// RecentAlerts returns up to limit retained alerts, newest first.
// A limit <= 0 returns the whole retained history.
func (m *Monitor) RecentAlerts(ctx context.Context, limit int) ([]Alert, error) {
	cfg := m.loadConfig()
	seq, err := store.GetInt64(ctx, m.store, keyPrefix+"alerts:seq")
	if err != nil {
		return nil, err
	}
	n := min(seq, int64(cfg.AlertHistory))
	if limit > 0 && int64(limit) < n {
		n = int64(limit)
	}

	alerts := make([]Alert, 0, n)
	for i := int64(0); i < n; i++ {
		slot := (seq - 1 - i) % int64(cfg.AlertHistory)
		raw, err := m.store.Get(ctx, keyPrefix+"alerts:"+strconv.FormatInt(slot, 10))
		if err != nil {
			return nil, err
		}
		if raw == nil {
			continue
		}
		var a Alert
		if err := json.Unmarshal(raw, &a); err != nil {
			m.logger.WarnContext(ctx, "skipping corrupt alert entry", "slot", slot, "error", err)
			continue
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}

func (m *Monitor) notify(ctx context.Context, alert Alert) {
	if len(m.notifiers) == 0 {
		return
	}
	base := context.WithoutCancel(ctx)
	for _, n := range m.notifiers {
		m.pending.Add(1)
		go func(n Notifier) {
			defer m.pending.Done()
			nctx, cancel := context.WithTimeout(base, m.notifyTimeout)
			defer cancel()
			if err := n.Notify(nctx, alert); err != nil {
				m.logger.Warn("alert notification failed", "alert_id", alert.ID, "error", err)
			}
		}(n)
	}
}

// Sweep refreshes the health gauges of every period and raises a health alert when the
// current hour is unhealthy or worse. It returns the hourly health.
func (m *Monitor) Sweep(ctx context.Context) (Health, error) {
	var hour Health
	for _, p := range Periods {
		snap, err := m.GetMetrics(ctx, p)
		if err != nil {
			return Health{}, fmt.Errorf("sweep %s: %w", p, err)
		}
		if p == PeriodHour {
			hour = snap.Health
		}
	}

	switch hour.Status {
	case HealthUnhealthy, HealthCritical:
		severity := AlertWarning
		if hour.Status == HealthCritical {
			severity = AlertCritical
		}
		m.TriggerAlert(ctx, severity, AlertHealthDegraded, map[string]any{
			"score":  hour.Score,
			"status": string(hour.Status),
			"issues": hour.Issues,
		})
	}
	return hour, nil
}

// Flush waits for in-flight notifications.
func (m *Monitor) Flush() {
	m.pending.Wait()
}

// GetDashboard aggregates the operations view.
func (m *Monitor) GetDashboard(ctx context.Context) (Dashboard, error) {
	hour, err := m.GetMetrics(ctx, PeriodHour)
	if err != nil {
		return Dashboard{}, err
	}
	day, err := m.GetMetrics(ctx, PeriodDay)
	if err != nil {
		return Dashboard{}, err
	}
	alerts, err := m.RecentAlerts(ctx, 0)
	if err != nil {
		return Dashboard{}, err
	}
	return Dashboard{
		CurrentHour:  hour,
		CurrentDay:   day,
		RecentAlerts: alerts,
		Thresholds:   m.Thresholds(),
		Timestamp:    m.now().UTC(),
	}, nil
}
