package faults

import (
	"fmt"
	"time"

	gerrors "github.com/blueberrycongee/clinigate/pkg/errors"
)

// Config controls severity escalation and retry hints.
type Config struct {
	ClinicalTasks []string                           `yaml:"clinical_tasks"`
	MaxRetries    int                                `yaml:"max_retries"`
	RetryAfter    map[gerrors.Category]time.Duration `yaml:"retry_after"`
	DefaultRetry  time.Duration                      `yaml:"default_retry_after"`
}

// DefaultConfig returns the clinical defaults.
func DefaultConfig() Config {
	return Config{
		ClinicalTasks: []string{"explain_triage", "review_treatment", "emergency_assessment"},
		MaxRetries:    3,
		RetryAfter: map[gerrors.Category]time.Duration{
			gerrors.CategoryRateLimit: 60 * time.Second,
			gerrors.CategoryProvider:  10 * time.Second,
			gerrors.CategoryTimeout:   5 * time.Second,
		},
		DefaultRetry: time.Second,
	}
}

// Validate checks the configuration for obvious mistakes.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("faults: max_retries must be >= 0, got %d", c.MaxRetries)
	}
	for cat, d := range c.RetryAfter {
		if !cat.Valid() {
			return fmt.Errorf("faults: unknown category %q in retry_after", cat)
		}
		if d < 0 {
			return fmt.Errorf("faults: retry_after for %s must be >= 0", cat)
		}
	}
	return nil
}

// compiled is the immutable form the classifier reads on the hot path.
type compiled struct {
	clinical     map[string]struct{}
	maxRetries   int
	retryAfter   map[gerrors.Category]time.Duration
	defaultRetry time.Duration
}

func compile(cfg Config) *compiled {
	c := &compiled{
		clinical:     make(map[string]struct{}, len(cfg.ClinicalTasks)),
		maxRetries:   cfg.MaxRetries,
		retryAfter:   make(map[gerrors.Category]time.Duration, len(cfg.RetryAfter)),
		defaultRetry: cfg.DefaultRetry,
	}
	for _, t := range cfg.ClinicalTasks {
		c.clinical[t] = struct{}{}
	}
	for k, v := range cfg.RetryAfter {
		c.retryAfter[k] = v
	}
	if c.defaultRetry <= 0 {
		c.defaultRetry = time.Second
	}
	return c
}

func (c *compiled) isClinical(task string) bool {
	_, ok := c.clinical[task]
	return ok
}

func (c *compiled) retryAfterSeconds(cat gerrors.Category) int {
	d, ok := c.retryAfter[cat]
	if !ok {
		d = c.defaultRetry
	}
	return int(d / time.Second)
}
