package admission

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Denial reasons, one per tier.
const (
	ReasonGlobalLimit = "global_limit_exceeded"
	ReasonTaskLimit   = "task_limit_exceeded"
	ReasonQuota       = "quota_exceeded"
)

// Tier names a limit tier.
type Tier string

// Tiers, in evaluation order.
const (
	TierGlobal Tier = "global"
	TierTask   Tier = "task"
	TierQuota  Tier = "quota"
)

// Config controls admission limits.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// GlobalPerMinute caps all requests across tasks and users. Zero disables the tier.
	GlobalPerMinute int64 `yaml:"global_per_minute"`
	// DefaultTaskPerMinute applies per task per user when TaskPerMinute has no entry.
	DefaultTaskPerMinute int64            `yaml:"default_task_per_minute"`
	TaskPerMinute        map[string]int64 `yaml:"task_per_minute"`
	// RoleDailyQuota is the per-user daily quota by role. Unknown roles use DefaultRole.
	RoleDailyQuota map[string]int64 `yaml:"role_daily_quota"`
	DefaultRole    string           `yaml:"default_role"`

	// TimeZone sets the daily quota boundary (IANA name, default UTC).
	TimeZone string `yaml:"time_zone"`
	// RateRetryAfter is the retry hint for rate-tier denials.
	RateRetryAfter time.Duration `yaml:"rate_retry_after"`
	// FailOpen admits requests when the store is unavailable.
	FailOpen bool `yaml:"fail_open"`
	// StatsRetention bounds how long per-task daily outcome counters are kept.
	StatsRetention time.Duration `yaml:"stats_retention"`
}

// DefaultConfig returns the default admission configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		GlobalPerMinute:      1000,
		DefaultTaskPerMinute: 60,
		TaskPerMinute: map[string]int64{
			"explain_triage": 30,
		},
		RoleDailyQuota: map[string]int64{
			"clinician": 500,
			"nurse":     300,
			"admin":     1000,
			"default":   100,
		},
		DefaultRole:    "default",
		TimeZone:       "UTC",
		RateRetryAfter: time.Minute,
		FailOpen:       true,
		StatsRetention: 30 * 24 * time.Hour,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.GlobalPerMinute < 0 || c.DefaultTaskPerMinute < 0 {
		return errors.New("admission: limits must not be negative")
	}
	for task, n := range c.TaskPerMinute {
		if n < 0 {
			return fmt.Errorf("admission: task_per_minute for %q must not be negative", task)
		}
	}
	for role, n := range c.RoleDailyQuota {
		if n < 0 {
			return fmt.Errorf("admission: role_daily_quota for %q must not be negative", role)
		}
	}
	if c.TimeZone != "" {
		if _, err := time.LoadLocation(c.TimeZone); err != nil {
			return fmt.Errorf("admission: time_zone: %w", err)
		}
	}
	return nil
}

type compiled struct {
	Config
	loc *time.Location
}

func compile(cfg Config) *compiled {
	if cfg.DefaultRole == "" {
		cfg.DefaultRole = "default"
	}
	if cfg.RateRetryAfter <= 0 {
		cfg.RateRetryAfter = time.Minute
	}
	if cfg.StatsRetention <= 0 {
		cfg.StatsRetention = 30 * 24 * time.Hour
	}
	loc := time.UTC
	if cfg.TimeZone != "" {
		if l, err := time.LoadLocation(cfg.TimeZone); err == nil {
			loc = l
		}
	}
	return &compiled{Config: cfg, loc: loc}
}

func (c *compiled) taskLimit(task string) int64 {
	if n, ok := c.TaskPerMinute[task]; ok {
		return n
	}
	return c.DefaultTaskPerMinute
}

func (c *compiled) quota(role string) int64 {
	if n, ok := c.RoleDailyQuota[role]; ok {
		return n
	}
	return c.RoleDailyQuota[c.DefaultRole]
}

// Limit is the state of one tier. A Limit of zero means the tier is unlimited.
type Limit struct {
	Limit     int64     `json:"limit"`
	Used      int64     `json:"used"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

func newLimit(limit, used int64, resetAt time.Time) Limit {
	l := Limit{Limit: limit, Used: used, ResetAt: resetAt}
	if limit > 0 {
		l.Remaining = max(limit-used, 0)
	}
	return l
}

// Remaining reports every tier.
type Remaining struct {
	Global Limit `json:"global"`
	Task   Limit `json:"task"`
	Quota  Limit `json:"quota"`
}

// Result is an admission decision.
type Result struct {
	Allowed bool      `json:"allowed"`
	Reason  string    `json:"reason,omitempty"`
	Limits  Remaining `json:"limits"`
	// RetryAfter is the retry hint in seconds, set on denials.
	RetryAfter int64 `json:"retry_after,omitempty"`
	// FailOpen marks a decision taken without the store.
	FailOpen bool `json:"fail_open,omitempty"`
}

// TaskDayStats are per-task outcome counters for one day.
type TaskDayStats struct {
	Task    string `json:"task"`
	Day     string `json:"day"`
	Success int64  `json:"success"`
	Failure int64  `json:"failure"`
}

// Headers maps a Remaining to protocol rate-limit headers: the per-task window and the
// daily quota. Unlimited tiers are omitted.
func Headers(r Remaining) map[string]string {
	h := make(map[string]string, 6)
	if r.Task.Limit > 0 {
		h["X-RateLimit-Limit"] = strconv.FormatInt(r.Task.Limit, 10)
		h["X-RateLimit-Remaining"] = strconv.FormatInt(r.Task.Remaining, 10)
		h["X-RateLimit-Reset"] = strconv.FormatInt(r.Task.ResetAt.Unix(), 10)
	}
	if r.Quota.Limit > 0 {
		h["X-Quota-Limit"] = strconv.FormatInt(r.Quota.Limit, 10)
		h["X-Quota-Remaining"] = strconv.FormatInt(r.Quota.Remaining, 10)
		h["X-Quota-Reset"] = strconv.FormatInt(r.Quota.ResetAt.Unix(), 10)
	}
	return h
}
