// Package admission decides whether a task request may proceed, based on a global
// per-minute ceiling, a per-task-per-user per-minute ceiling and a per-role daily quota.
//
// All counters live in the shared store and are updated with its atomic
// increment-with-TTL primitive, so any number of gateway processes enforce the same limits.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/blueberrycongee/clinigate/internal/metrics"
	"github.com/blueberrycongee/clinigate/pkg/store"
)

const keyPrefix = "adm:"

// Controller evaluates admission policy and records usage.
type Controller struct {
	store   store.Store
	config  atomic.Pointer[compiled]
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates an admission controller with the provided config.
func New(s store.Store, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		store:  s,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.UpdateConfig(cfg)
	return c
}

// UpdateConfig updates limits at runtime. Counters in flight are untouched.
func (c *Controller) UpdateConfig(cfg Config) {
	if c == nil {
		return
	}
	c.config.Store(compile(cfg))
}

func (c *Controller) loadConfig() *compiled {
	return c.config.Load()
}

// tier is one resolved limit for a request.
type tier struct {
	name       Tier
	key        string
	limit      int64
	ttl        time.Duration
	resetAt    time.Time
	reason     string
	retryAfter int64
}

func (c *Controller) tiers(cfg *compiled, task, userID, role string, now time.Time) []tier {
	if userID == "" {
		userID = "anonymous"
	}
	utc := now.UTC()
	minute := utc.Format("200601021504")
	minuteReset := utc.Truncate(time.Minute).Add(time.Minute)
	rateRetry := int64(cfg.RateRetryAfter / time.Second)

	local := now.In(cfg.loc)
	day := local.Format("20060102")
	dayReset := nextDay(local)
	quotaRetry := int64(math.Ceil(dayReset.Sub(now).Seconds()))

	return []tier{
		{
			name:       TierGlobal,
			key:        keyPrefix + "global:" + minute,
			limit:      cfg.GlobalPerMinute,
			ttl:        2 * time.Minute,
			resetAt:    minuteReset,
			reason:     ReasonGlobalLimit,
			retryAfter: rateRetry,
		},
		{
			name:       TierTask,
			key:        keyPrefix + "task:" + task + ":" + userID + ":" + minute,
			limit:      cfg.taskLimit(task),
			ttl:        2 * time.Minute,
			resetAt:    minuteReset,
			reason:     ReasonTaskLimit,
			retryAfter: rateRetry,
		},
		{
			name:       TierQuota,
			key:        keyPrefix + "quota:" + userID + ":" + day,
			limit:      cfg.quota(role),
			ttl:        dayReset.Sub(now) + time.Hour,
			resetAt:    dayReset,
			reason:     ReasonQuota,
			retryAfter: quotaRetry,
		},
	}
}

// nextDay returns the next midnight in t's location.
func nextDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
}

func (t tier) exceeded(used int64) bool {
	return t.limit > 0 && used > t.limit
}

func report(r *Remaining, t tier, used int64) {
	l := newLimit(t.limit, used, t.resetAt)
	switch t.name {
	case TierGlobal:
		r.Global = l
	case TierTask:
		r.Task = l
	case TierQuota:
		r.Quota = l
	}
}

// Check evaluates the tiers in order without consuming capacity. The first exhausted
// tier denies the request.
func (c *Controller) Check(ctx context.Context, task, userID, role string) (Result, error) {
	cfg := c.loadConfig()
	if !cfg.Enabled {
		return Result{Allowed: true}, nil
	}

	res := Result{Allowed: true}
	for _, t := range c.tiers(cfg, task, userID, role, c.now()) {
		used, err := store.GetInt64(ctx, c.store, t.key)
		if err != nil {
			return c.storeFailure(ctx, cfg, task, err)
		}
		report(&res.Limits, t, used)
		// Check is read-only: the next request would be used+1.
		if res.Allowed && t.exceeded(used+1) {
			res.Allowed = false
			res.Reason = t.reason
			res.RetryAfter = t.retryAfter
		}
	}
	return res, nil
}

// Attempt makes a single admission decision and consumes capacity when allowed.
//
// Each tier is incremented and then compared. If tier k overshoots, the increments made
// for tiers up to k are rolled back, so denied attempts do not consume capacity and two
// concurrent callers can never both take the last slot.
func (c *Controller) Attempt(ctx context.Context, task, userID, role string) (Result, error) {
	cfg := c.loadConfig()
	if !cfg.Enabled {
		return Result{Allowed: true}, nil
	}

	tiers := c.tiers(cfg, task, userID, role, c.now())
	used := make([]int64, len(tiers))
	denied := -1
	var taken []tier

	for i, t := range tiers {
		n, err := c.store.IncrementWithTTL(ctx, t.key, 1, t.ttl)
		if err != nil {
			c.rollback(ctx, taken)
			return c.storeFailure(ctx, cfg, task, err)
		}
		taken = append(taken, t)
		used[i] = n
		if t.exceeded(n) {
			denied = i
			break
		}
	}

	res := Result{Allowed: true}
	if denied >= 0 {
		c.rollback(ctx, taken)
		for i := range taken {
			used[i]--
		}
		// Later tiers are reported, not evaluated.
		for i := denied + 1; i < len(tiers); i++ {
			n, err := store.GetInt64(ctx, c.store, tiers[i].key)
			if err != nil {
				c.logger.WarnContext(ctx, "admission usage read failed", "tier", tiers[i].name, "error", err)
			}
			used[i] = n
		}
		res.Allowed = false
		res.Reason = tiers[denied].reason
		res.RetryAfter = tiers[denied].retryAfter
	}
	for i, t := range tiers {
		report(&res.Limits, t, used[i])
	}

	result := "allowed"
	if !res.Allowed {
		result = res.Reason
		c.logger.InfoContext(ctx, "admission denied",
			"task", task,
			"user_id", userID,
			"reason", res.Reason,
			"retry_after", res.RetryAfter,
		)
	}
	c.metrics.ObserveAdmission(task, result)
	return res, nil
}

// rollback returns capacity taken by a denied or failed attempt. It runs even if ctx
// was cancelled.
func (c *Controller) rollback(ctx context.Context, taken []tier) {
	rctx := context.WithoutCancel(ctx)
	for _, t := range taken {
		if _, err := c.store.IncrementWithTTL(rctx, t.key, -1, t.ttl); err != nil {
			c.logger.WarnContext(ctx, "admission rollback failed", "tier", t.name, "error", err)
		}
	}
}

func (c *Controller) storeFailure(ctx context.Context, cfg *compiled, task string, err error) (Result, error) {
	if !cfg.FailOpen {
		c.metrics.ObserveAdmission(task, "store_error")
		return Result{}, fmt.Errorf("admission store: %w", err)
	}
	c.logger.WarnContext(ctx, "admission store unavailable, failing open", "task", task, "error", err)
	c.metrics.ObserveFailOpen()
	c.metrics.ObserveAdmission(task, "allowed")
	return Result{Allowed: true, FailOpen: true}, nil
}

// Record increments every window counter for a request, whatever its outcome, and the
// per-task daily outcome counter. Use it when admission was decided by Check.
func (c *Controller) Record(ctx context.Context, task, userID string, success bool) error {
	cfg := c.loadConfig()
	for _, t := range c.tiers(cfg, task, userID, "", c.now()) {
		if _, err := c.store.IncrementWithTTL(ctx, t.key, 1, t.ttl); err != nil {
			return fmt.Errorf("record %s usage: %w", t.name, err)
		}
	}
	return c.RecordOutcome(ctx, task, success)
}

// RecordOutcome updates the per-task daily success/failure counters. Window counters were
// already taken by Attempt.
func (c *Controller) RecordOutcome(ctx context.Context, task string, success bool) error {
	cfg := c.loadConfig()
	key := statsKey(task, c.now().In(cfg.loc), success)
	if _, err := c.store.IncrementWithTTL(ctx, key, 1, cfg.StatsRetention); err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

func statsKey(task string, day time.Time, success bool) string {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	return keyPrefix + "stats:" + task + ":" + day.Format("20060102") + ":" + outcome
}

// Stats returns the outcome counters of task for the day containing day.
func (c *Controller) Stats(ctx context.Context, task string, day time.Time) (TaskDayStats, error) {
	cfg := c.loadConfig()
	local := day.In(cfg.loc)
	s := TaskDayStats{Task: task, Day: local.Format("2006-01-02")}

	var err error
	if s.Success, err = store.GetInt64(ctx, c.store, statsKey(task, local, true)); err != nil {
		return TaskDayStats{}, err
	}
	if s.Failure, err = store.GetInt64(ctx, c.store, statsKey(task, local, false)); err != nil {
		return TaskDayStats{}, err
	}
	return s, nil
}

// GetRemaining reports limit, usage and reset time for every tier.
func (c *Controller) GetRemaining(ctx context.Context, task, userID, role string) (Remaining, error) {
	cfg := c.loadConfig()
	var r Remaining
	for _, t := range c.tiers(cfg, task, userID, role, c.now()) {
		used, err := store.GetInt64(ctx, c.store, t.key)
		if err != nil {
			return Remaining{}, fmt.Errorf("read %s usage: %w", t.name, err)
		}
		report(&r, t, used)
	}
	return r, nil
}
