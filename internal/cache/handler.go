package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/clinigate/internal/metrics"
	"github.com/blueberrycongee/clinigate/pkg/provider"
	"github.com/blueberrycongee/clinigate/pkg/store"
)

// ResponseCache provides high-level caching of validated responses.
// It handles key generation, versioning, serialization and TTL selection.
type ResponseCache struct {
	store   store.Store
	config  atomic.Pointer[compiled]
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
	sets   atomic.Int64
	skips  atomic.Int64
	errors atomic.Int64
}

// Option configures a ResponseCache.
type Option func(*ResponseCache)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *ResponseCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics mirrors cache results into Prometheus.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *ResponseCache) {
		c.metrics = m
	}
}

// WithClock overrides the time source used for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *ResponseCache) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a response cache over s.
func New(s store.Store, cfg Config, opts ...Option) *ResponseCache {
	c := &ResponseCache{
		store:  s,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.UpdateConfig(cfg)
	return c
}

// UpdateConfig swaps the configuration. Stored entries and version counters are untouched.
func (c *ResponseCache) UpdateConfig(cfg Config) {
	c.config.Store(compile(cfg))
}

func (c *ResponseCache) cfg() *compiled {
	return c.config.Load()
}

func (c *ResponseCache) keys() *KeyGenerator {
	return NewKeyGenerator(c.cfg().Prefix)
}

// IsCacheable reports whether responses of task may be cached.
func (c *ResponseCache) IsCacheable(task string) bool {
	return c.cfg().cacheable(task)
}

// TTLFor returns the TTL applied to entries of task.
func (c *ResponseCache) TTLFor(task string) time.Duration {
	return c.cfg().ttl(task)
}

// Key returns the current key for an equivalent request. It reads the task, patient and
// epoch versions, so the result changes after an invalidation on a non-scanning store.
func (c *ResponseCache) Key(ctx context.Context, task string, reqCtx map[string]any, opts Options) (string, error) {
	cfg := c.cfg()
	gen := NewKeyGenerator(cfg.Prefix)

	patientID := opts.PatientID
	if patientID == "" {
		patientID = PatientFromContext(reqCtx)
	}

	ctxHash, err := ContextHash(reqCtx, cfg.volatile)
	if err != nil {
		return "", err
	}

	params := KeyParams{
		Task:          task,
		PatientID:     patientID,
		PromptVersion: opts.PromptVersion,
		Model:         opts.Model,
		Temperature:   opts.Temperature,
		ContextHash:   ctxHash,
	}
	if params.TaskVersion, err = store.GetInt64(ctx, c.store, gen.VersionKey("task", task)); err != nil {
		return "", fmt.Errorf("read task version: %w", err)
	}
	if patientID != "" {
		if params.PatientVersion, err = store.GetInt64(ctx, c.store, gen.VersionKey("patient", patientID)); err != nil {
			return "", fmt.Errorf("read patient version: %w", err)
		}
	}
	if params.Epoch, err = store.GetInt64(ctx, c.store, gen.EpochKey()); err != nil {
		return "", fmt.Errorf("read cache epoch: %w", err)
	}
	return gen.Generate(params), nil
}

func (c *ResponseCache) keyFor(ctx context.Context, task string, reqCtx map[string]any, opts Options) (string, error) {
	if opts.Key != "" {
		return opts.Key, nil
	}
	return c.Key(ctx, task, reqCtx, opts)
}

// Get returns a cached response, or nil on a miss. Non-cacheable tasks return nil
// without computing a key. Callers should treat an error as a miss.
func (c *ResponseCache) Get(ctx context.Context, task string, reqCtx map[string]any, opts Options) (*provider.Response, error) {
	if !c.IsCacheable(task) || opts.NoCache {
		c.skips.Add(1)
		c.metrics.ObserveCache(task, "skip")
		return nil, nil
	}

	key, err := c.keyFor(ctx, task, reqCtx, opts)
	if err != nil {
		return nil, c.fail(ctx, task, "cache key", err)
	}

	data, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, c.fail(ctx, task, "cache get", err)
	}
	if data == nil {
		c.misses.Add(1)
		c.metrics.ObserveCache(task, "miss")
		return nil, nil
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil || entry.Response == nil {
		// Invalid cache entry, treat as miss
		c.logger.WarnContext(ctx, "discarding corrupt cache entry", "task", task, "key", key)
		_ = c.store.Forget(ctx, key)
		c.misses.Add(1)
		c.metrics.ObserveCache(task, "miss")
		return nil, nil
	}

	c.hits.Add(1)
	c.metrics.ObserveCache(task, "hit")
	return entry.Response, nil
}

// Put stores a validated response. It returns false without writing when the task is
// non-cacheable, the response failed or the response was altered by safety validation.
func (c *ResponseCache) Put(ctx context.Context, task string, reqCtx map[string]any, resp *provider.Response, opts Options) (bool, error) {
	cfg := c.cfg()
	if !cfg.cacheable(task) || opts.NoStore || resp == nil || !resp.Success || resp.ModifiedBySafety {
		c.skips.Add(1)
		c.metrics.ObserveCache(task, "skip")
		return false, nil
	}

	key, err := c.keyFor(ctx, task, reqCtx, opts)
	if err != nil {
		return false, c.fail(ctx, task, "cache key", err)
	}

	ttl := cfg.ttl(task)
	if opts.TTL > 0 {
		ttl = opts.TTL
	}
	data, err := json.Marshal(Entry{
		Task:       task,
		CachedAt:   c.now().Unix(),
		TTLSeconds: int64(ttl / time.Second),
		Response:   resp,
	})
	if err != nil {
		return false, c.fail(ctx, task, "cache encode", err)
	}
	if cfg.MaxCacheableSize > 0 && len(data) > cfg.MaxCacheableSize {
		c.skips.Add(1)
		c.metrics.ObserveCache(task, "skip")
		return false, nil
	}

	if err := c.store.Put(ctx, key, data, ttl); err != nil {
		return false, c.fail(ctx, task, "cache put", err)
	}
	c.sets.Add(1)
	c.metrics.ObserveCache(task, "set")
	return true, nil
}

func (c *ResponseCache) fail(ctx context.Context, task, op string, err error) error {
	c.errors.Add(1)
	c.metrics.ObserveCache(task, "error")
	c.logger.WarnContext(ctx, op+" failed", "task", task, "error", err)
	return fmt.Errorf("%s: %w", op, err)
}

// InvalidatePatient makes every cached entry of a patient unreachable.
func (c *ResponseCache) InvalidatePatient(ctx context.Context, patientID string) (Invalidation, error) {
	if patientID == "" {
		return Invalidation{}, errors.New("cache: patient id is required")
	}
	gen := c.keys()
	return c.invalidate(ctx, "patient", gen.PatientPattern(patientID), gen.VersionKey("patient", patientID))
}

// InvalidateTask makes every cached entry of a task unreachable.
func (c *ResponseCache) InvalidateTask(ctx context.Context, task string) (Invalidation, error) {
	if task == "" {
		return Invalidation{}, errors.New("cache: task is required")
	}
	gen := c.keys()
	return c.invalidate(ctx, "task", gen.TaskPattern(task), gen.VersionKey("task", task))
}

// invalidate bumps the version first, so a write already in flight lands under a key no
// later lookup builds, then deletes matching entries when the store can scan.
func (c *ResponseCache) invalidate(ctx context.Context, scope, pattern, versionKey string) (Invalidation, error) {
	if _, err := c.store.IncrementWithTTL(ctx, versionKey, 1, 0); err != nil {
		return Invalidation{}, fmt.Errorf("bump %s version: %w", scope, err)
	}

	if scanner, ok := store.AsScanner(c.store); ok {
		n, err := c.deleteMatching(ctx, scanner, pattern)
		if err == nil {
			c.logger.InfoContext(ctx, "cache invalidated", "scope", scope, "mode", ModeDeleted, "count", n)
			c.metrics.ObserveInvalidation(scope, string(ModeDeleted))
			return Invalidation{Count: n, Mode: ModeDeleted}, nil
		}
		c.logger.WarnContext(ctx, "pattern invalidation failed, entries orphaned by version", "scope", scope, "error", err)
	}

	c.logger.InfoContext(ctx, "cache invalidated", "scope", scope, "mode", ModeVersioned)
	c.metrics.ObserveInvalidation(scope, string(ModeVersioned))
	return Invalidation{Count: 1, Mode: ModeVersioned}, nil
}

func (c *ResponseCache) deleteMatching(ctx context.Context, scanner store.Scanner, pattern string) (int, error) {
	keys, err := scanner.KeysMatching(ctx, pattern)
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		if err := c.store.Forget(ctx, k); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}

// ClearAll removes every cached response. On stores without Scanner it bumps the
// global epoch instead, which orphans every existing entry.
func (c *ResponseCache) ClearAll(ctx context.Context) (bool, error) {
	gen := c.keys()
	c.logger.WarnContext(ctx, "clearing entire response cache")

	if scanner, ok := store.AsScanner(c.store); ok {
		n, err := c.deleteMatching(ctx, scanner, gen.AllPattern())
		if err == nil {
			c.logger.WarnContext(ctx, "response cache cleared", "mode", ModeDeleted, "count", n)
			c.metrics.ObserveInvalidation("all", string(ModeDeleted))
			return true, nil
		}
		c.logger.WarnContext(ctx, "pattern clear failed, bumping epoch", "error", err)
	}

	if _, err := c.store.IncrementWithTTL(ctx, gen.EpochKey(), 1, 0); err != nil {
		return false, fmt.Errorf("bump cache epoch: %w", err)
	}
	c.logger.WarnContext(ctx, "response cache cleared", "mode", ModeVersioned)
	c.metrics.ObserveInvalidation("all", string(ModeVersioned))
	return true, nil
}

// Stats returns cache statistics.
func (c *ResponseCache) Stats() Stats {
	s := Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Sets:   c.sets.Load(),
		Skips:  c.skips.Load(),
		Errors: c.errors.Load(),
	}
	if lookups := s.Hits + s.Misses; lookups > 0 {
		s.HitRate = float64(s.Hits) / float64(lookups)
	}
	return s
}
