package monitor

import (
	"errors"
	"time"
)

// Thresholds drive health scoring and alerting.
type Thresholds struct {
	ErrorRateWarning          float64 `yaml:"error_rate_warning" json:"error_rate_warning"`
	ErrorRateCritical         float64 `yaml:"error_rate_critical" json:"error_rate_critical"`
	ValidationFailureWarning  float64 `yaml:"validation_failure_warning" json:"validation_failure_warning"`
	ValidationFailureCritical float64 `yaml:"validation_failure_critical" json:"validation_failure_critical"`
	LatencyWarningMs          int64   `yaml:"latency_warning_ms" json:"latency_warning_ms"`
	LatencyCriticalMs         int64   `yaml:"latency_critical_ms" json:"latency_critical_ms"`
}

// Config holds monitor configuration.
type Config struct {
	Thresholds     Thresholds    `yaml:"thresholds"`
	SampleSize     int           `yaml:"sample_size"`     // latency ring slots per task per bucket
	AlertHistory   int           `yaml:"alert_history"`   // recent alerts retained
	AlertRetention time.Duration `yaml:"alert_retention"` // TTL of stored alerts
	DebounceWindow time.Duration `yaml:"debounce_window"` // at most one alert per type per window
	MaxTasks       int           `yaml:"max_tasks"`       // tasks tracked per bucket
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		Thresholds: Thresholds{
			ErrorRateWarning:          0.05,
			ErrorRateCritical:         0.10,
			ValidationFailureWarning:  0.10,
			ValidationFailureCritical: 0.20,
			LatencyWarningMs:          5000,
			LatencyCriticalMs:         10000,
		},
		SampleSize:     100,
		AlertHistory:   100,
		AlertRetention: 7 * 24 * time.Hour,
		DebounceWindow: time.Minute,
		MaxTasks:       256,
	}
}

// Validate checks threshold ordering and sizes.
func (c Config) Validate() error {
	t := c.Thresholds
	if t.ErrorRateWarning > t.ErrorRateCritical {
		return errors.New("monitor: error_rate_warning must not exceed error_rate_critical")
	}
	if t.ValidationFailureWarning > t.ValidationFailureCritical {
		return errors.New("monitor: validation_failure_warning must not exceed validation_failure_critical")
	}
	if t.LatencyWarningMs > t.LatencyCriticalMs {
		return errors.New("monitor: latency_warning_ms must not exceed latency_critical_ms")
	}
	if c.SampleSize <= 0 || c.AlertHistory <= 0 {
		return errors.New("monitor: sample_size and alert_history must be positive")
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SampleSize <= 0 {
		c.SampleSize = d.SampleSize
	}
	if c.AlertHistory <= 0 {
		c.AlertHistory = d.AlertHistory
	}
	if c.AlertRetention <= 0 {
		c.AlertRetention = d.AlertRetention
	}
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = d.DebounceWindow
	}
	if c.MaxTasks <= 0 {
		c.MaxTasks = d.MaxTasks
	}
	if c.Thresholds == (Thresholds{}) {
		c.Thresholds = d.Thresholds
	}
	return c
}
