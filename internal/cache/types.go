// Package cache stores validated inference responses in the shared store under
// deterministic, versioned keys.
//
// Invalidation never requires key enumeration: when the store can list keys by pattern,
// matching entries are deleted; otherwise a version counter embedded in every key is bumped
// so old entries become unreachable and expire on their own TTL.
package cache

import (
	"errors"
	"fmt"
	"time"

	"github.com/blueberrycongee/clinigate/pkg/provider"
)

// Options control key generation and per-request cache behaviour.
type Options struct {
	Model         string        `json:"model,omitempty"`
	Temperature   float64       `json:"temperature"`
	PromptVersion string        `json:"prompt_version,omitempty"`
	PatientID     string        `json:"patient_id,omitempty"` // overrides patient_id found in the context
	TTL           time.Duration `json:"ttl,omitempty"`        // overrides the task TTL on Put
	NoCache       bool          `json:"no_cache,omitempty"`   // skip lookup (force fresh)
	NoStore       bool          `json:"no_store,omitempty"`   // skip write

	// Key pins the entry key computed by Key before the provider call, so a write
	// lands under the versions in force when the request started.
	Key string `json:"-"`
}

// Entry is the stored value of a cache key.
type Entry struct {
	Task       string             `json:"task"`
	CachedAt   int64              `json:"cached_at"` // unix seconds
	TTLSeconds int64              `json:"ttl_seconds"`
	Response   *provider.Response `json:"response"`
}

// InvalidationMode distinguishes a literal deletion from a logical version bump.
// The counts of the two modes are not comparable.
type InvalidationMode string

// Invalidation modes.
const (
	ModeDeleted   InvalidationMode = "deleted"
	ModeVersioned InvalidationMode = "versioned"
)

// Invalidation is the result of InvalidatePatient and InvalidateTask.
//
// With ModeDeleted, Count is the number of entries removed. With ModeVersioned,
// Count is always 1 and only signals that future keys moved to a new version.
type Invalidation struct {
	Count int              `json:"count"`
	Mode  InvalidationMode `json:"mode"`
}

// Stats holds cache statistics for monitoring.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Sets    int64   `json:"sets"`
	Skips   int64   `json:"skips"`
	Errors  int64   `json:"errors"`
	HitRate float64 `json:"hit_rate"`
}

// Config holds response cache configuration.
type Config struct {
	Enabled          bool                     `yaml:"enabled"`
	Prefix           string                   `yaml:"prefix"`
	DefaultTTL       time.Duration            `yaml:"default_ttl"`
	TaskTTLs         map[string]time.Duration `yaml:"task_ttls"`
	NonCacheable     []string                 `yaml:"non_cacheable"`
	VolatileFields   []string                 `yaml:"volatile_fields"`    // dropped before hashing, at any depth
	MaxCacheableSize int                      `yaml:"max_cacheable_size"` // bytes; larger entries are not stored
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		Prefix:     "cache",
		DefaultTTL: time.Hour,
		TaskTTLs: map[string]time.Duration{
			"explain_triage":      15 * time.Minute,
			"imci_classification": 2 * time.Hour,
			"guideline_summary":   24 * time.Hour,
			"review_treatment":    30 * time.Minute,
		},
		NonCacheable: []string{"emergency_assessment", "critical_alert"},
		VolatileFields: []string{
			"timestamp", "created_at", "updated_at",
			"request_id", "session_id", "user_id",
			"csrf_token", "_token", "nonce",
		},
		MaxCacheableSize: 1 << 20,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.DefaultTTL <= 0 {
		return errors.New("cache: default_ttl must be positive")
	}
	for task, ttl := range c.TaskTTLs {
		if ttl <= 0 {
			return fmt.Errorf("cache: ttl for task %q must be positive", task)
		}
	}
	if c.MaxCacheableSize < 0 {
		return errors.New("cache: max_cacheable_size must not be negative")
	}
	return nil
}

// compiled is the lookup-friendly form of Config.
type compiled struct {
	Config
	nonCacheable map[string]struct{}
	volatile     map[string]struct{}
}

func compile(cfg Config) *compiled {
	if cfg.Prefix == "" {
		cfg.Prefix = "cache"
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	c := &compiled{
		Config:       cfg,
		nonCacheable: make(map[string]struct{}, len(cfg.NonCacheable)),
		volatile:     make(map[string]struct{}, len(cfg.VolatileFields)),
	}
	for _, t := range cfg.NonCacheable {
		c.nonCacheable[t] = struct{}{}
	}
	for _, f := range cfg.VolatileFields {
		c.volatile[f] = struct{}{}
	}
	return c
}

func (c *compiled) cacheable(task string) bool {
	_, skip := c.nonCacheable[task]
	return c.Enabled && !skip
}

func (c *compiled) ttl(task string) time.Duration {
	if ttl, ok := c.TaskTTLs[task]; ok && ttl > 0 {
		return ttl
	}
	return c.DefaultTTL
}
