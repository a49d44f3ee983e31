package admission

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/clinigate/internal/metrics"
	"github.com/blueberrycongee/clinigate/internal/store/memory"
	redisstore "github.com/blueberrycongee/clinigate/internal/store/redis"
	"github.com/blueberrycongee/clinigate/pkg/store"
	"github.com/blueberrycongee/clinigate/pkg/store/storetest"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newController(t *testing.T, cfg Config, start time.Time, opts ...Option) (*Controller, *storetest.Clock) {
	t.Helper()
	clock := storetest.NewClock(start)
	st := memory.New(memory.DefaultConfig(), memory.WithClock(clock.Now))
	t.Cleanup(func() { _ = st.Close() })
	opts = append([]Option{WithClock(clock.Now), WithLogger(quiet)}, opts...)
	return New(st, cfg, opts...), clock
}

func mustAttempt(t *testing.T, c *Controller, task, user, role string) Result {
	t.Helper()
	res, err := c.Attempt(context.Background(), task, user, role)
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	return res
}

func TestAttempt_TaskLimitScenario(t *testing.T) {
	c, clock := newController(t, DefaultConfig(), time.Date(2026, 3, 14, 10, 0, 5, 0, time.UTC))

	for i := 1; i <= 30; i++ {
		if res := mustAttempt(t, c, "explain_triage", "u1", "clinician"); !res.Allowed {
			t.Fatalf("call %d denied: %s", i, res.Reason)
		}
	}

	res := mustAttempt(t, c, "explain_triage", "u1", "clinician")
	if res.Allowed {
		t.Fatal("call 31 allowed, want denied")
	}
	if res.Reason != ReasonTaskLimit {
		t.Fatalf("reason = %q, want %q", res.Reason, ReasonTaskLimit)
	}
	if res.RetryAfter != 60 {
		t.Fatalf("retry_after = %d, want 60", res.RetryAfter)
	}
	if res.Limits.Task.Limit != 30 || res.Limits.Task.Used != 30 || res.Limits.Task.Remaining != 0 {
		t.Fatalf("task limit = %+v", res.Limits.Task)
	}

	// Another user has their own per-task window.
	if res := mustAttempt(t, c, "explain_triage", "u2", "clinician"); !res.Allowed {
		t.Fatalf("other user denied: %s", res.Reason)
	}

	clock.Advance(time.Minute)
	if res := mustAttempt(t, c, "explain_triage", "u1", "clinician"); !res.Allowed {
		t.Fatalf("next window denied: %s", res.Reason)
	}
}

func TestCheck_IsReadOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TaskPerMinute["imci_classification"] = 2
	c, _ := newController(t, cfg, time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		res, err := c.Check(ctx, "imci_classification", "u1", "nurse")
		if err != nil || !res.Allowed {
			t.Fatalf("check %d: allowed=%v err=%v", i, res.Allowed, err)
		}
	}

	mustAttempt(t, c, "imci_classification", "u1", "nurse")
	mustAttempt(t, c, "imci_classification", "u1", "nurse")

	res, err := c.Check(ctx, "imci_classification", "u1", "nurse")
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed || res.Reason != ReasonTaskLimit {
		t.Fatalf("check after exhausting = %+v", res)
	}
	if res.Limits.Task.Used != 2 {
		t.Fatalf("used = %d, want 2", res.Limits.Task.Used)
	}
}

func TestAttempt_GlobalLimitShortCircuits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GlobalPerMinute = 2
	c, _ := newController(t, cfg, time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))
	ctx := context.Background()

	mustAttempt(t, c, "explain_triage", "a", "clinician")
	mustAttempt(t, c, "review_treatment", "b", "clinician")

	res := mustAttempt(t, c, "guideline_summary", "c", "clinician")
	if res.Allowed || res.Reason != ReasonGlobalLimit {
		t.Fatalf("result = %+v, want global denial", res)
	}
	if res.RetryAfter != 60 {
		t.Fatalf("retry_after = %d, want 60", res.RetryAfter)
	}

	rem, err := c.GetRemaining(ctx, "guideline_summary", "c", "clinician")
	if err != nil {
		t.Fatal(err)
	}
	if rem.Task.Used != 0 || rem.Quota.Used != 0 {
		t.Fatalf("later tiers consumed capacity: %+v", rem)
	}
	if rem.Global.Used != 2 {
		t.Fatalf("global used = %d, want 2 after rollback", rem.Global.Used)
	}
}

func TestAttempt_DailyQuota(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RoleDailyQuota["nurse"] = 3
	c, clock := newController(t, cfg, time.Date(2026, 3, 14, 22, 0, 0, 0, time.UTC))

	for i := 0; i < 3; i++ {
		if res := mustAttempt(t, c, "review_treatment", "n1", "nurse"); !res.Allowed {
			t.Fatalf("call %d denied: %s", i, res.Reason)
		}
	}

	res := mustAttempt(t, c, "review_treatment", "n1", "nurse")
	if res.Allowed || res.Reason != ReasonQuota {
		t.Fatalf("result = %+v, want quota denial", res)
	}
	if res.RetryAfter != 7200 {
		t.Fatalf("retry_after = %d, want 7200", res.RetryAfter)
	}
	wantReset := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	if !res.Limits.Quota.ResetAt.Equal(wantReset) {
		t.Fatalf("reset_at = %v, want %v", res.Limits.Quota.ResetAt, wantReset)
	}

	// Quota is shared across tasks and persists through later minutes.
	clock.Advance(90 * time.Minute)
	res = mustAttempt(t, c, "explain_triage", "n1", "nurse")
	if res.Allowed || res.Reason != ReasonQuota {
		t.Fatalf("later in day = %+v, want quota denial", res)
	}
	if res.RetryAfter != 1800 {
		t.Fatalf("retry_after = %d, want 1800", res.RetryAfter)
	}

	clock.Advance(31 * time.Minute)
	if res := mustAttempt(t, c, "explain_triage", "n1", "nurse"); !res.Allowed {
		t.Fatalf("next day denied: %s", res.Reason)
	}
}

func TestAttempt_QuotaDenialRollsBackEarlierTiers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RoleDailyQuota["nurse"] = 1
	c, _ := newController(t, cfg, time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	ctx := context.Background()

	mustAttempt(t, c, "explain_triage", "n1", "nurse")
	for i := 0; i < 5; i++ {
		if res := mustAttempt(t, c, "explain_triage", "n1", "nurse"); res.Allowed {
			t.Fatal("expected quota denial")
		}
	}

	rem, err := c.GetRemaining(ctx, "explain_triage", "n1", "nurse")
	if err != nil {
		t.Fatal(err)
	}
	if rem.Global.Used != 1 || rem.Task.Used != 1 || rem.Quota.Used != 1 {
		t.Fatalf("denied attempts consumed capacity: %+v", rem)
	}
}

func TestAttempt_UnknownRoleUsesDefaultQuota(t *testing.T) {
	c, _ := newController(t, DefaultConfig(), time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))

	res := mustAttempt(t, c, "explain_triage", "v1", "volunteer")
	if res.Limits.Quota.Limit != 100 {
		t.Fatalf("quota limit = %d, want default 100", res.Limits.Quota.Limit)
	}
	res = mustAttempt(t, c, "explain_triage", "d1", "admin")
	if res.Limits.Quota.Limit != 1000 {
		t.Fatalf("admin quota = %d, want 1000", res.Limits.Quota.Limit)
	}
}

func TestAttempt_TimeZoneDayBoundary(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TimeZone = "Africa/Nairobi" // UTC+3, no DST
	cfg.RoleDailyQuota["nurse"] = 1
	// 20:30 UTC is 23:30 in Nairobi.
	c, _ := newController(t, cfg, time.Date(2026, 3, 14, 20, 30, 0, 0, time.UTC))

	mustAttempt(t, c, "explain_triage", "n1", "nurse")
	res := mustAttempt(t, c, "explain_triage", "n1", "nurse")
	if res.Reason != ReasonQuota {
		t.Fatalf("reason = %q, want quota", res.Reason)
	}
	if res.RetryAfter != 1800 {
		t.Fatalf("retry_after = %d, want 1800 (local midnight)", res.RetryAfter)
	}
}

func TestAttempt_ConcurrentCallersNeverOvershoot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TaskPerMinute["explain_triage"] = 10

	backends := map[string]func(t *testing.T) store.Store{
		"memory": func(t *testing.T) store.Store {
			st := memory.New(memory.DefaultConfig())
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
		"redis": func(t *testing.T) store.Store {
			mr := miniredis.RunT(t)
			client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return redisstore.NewFromClient(client, redisstore.Config{Namespace: "test"})
		},
	}

	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			// Pin the clock so all callers share one minute window.
			now := time.Date(2026, 3, 14, 10, 0, 30, 0, time.UTC)
			c := New(newStore(t), cfg, WithLogger(quiet), WithClock(func() time.Time { return now }))

			var allowed atomic.Int64
			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := c.Attempt(context.Background(), "explain_triage", "u1", "clinician")
					if err != nil {
						t.Errorf("Attempt: %v", err)
						return
					}
					if res.Allowed {
						allowed.Add(1)
					}
				}()
			}
			wg.Wait()

			if got := allowed.Load(); got != 10 {
				t.Fatalf("allowed = %d, want exactly 10", got)
			}
			rem, err := c.GetRemaining(context.Background(), "explain_triage", "u1", "clinician")
			if err != nil {
				t.Fatal(err)
			}
			if rem.Task.Used != 10 {
				t.Fatalf("task used = %d, want 10 after rollbacks", rem.Task.Used)
			}
		})
	}
}

type failingStore struct{}

var errStoreDown = errors.New("store down")

func (failingStore) Get(context.Context, string) ([]byte, error) { return nil, errStoreDown }
func (failingStore) Put(context.Context, string, []byte, time.Duration) error {
	return errStoreDown
}
func (failingStore) Forget(context.Context, string) error { return errStoreDown }
func (failingStore) IncrementWithTTL(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, errStoreDown
}
func (failingStore) Ping(context.Context) error { return errStoreDown }
func (failingStore) Close() error               { return nil }

func TestAttempt_StoreFailure(t *testing.T) {
	t.Run("fail open allows", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m := metrics.New(reg)
		c := New(failingStore{}, DefaultConfig(), WithLogger(quiet), WithMetrics(m))

		res, err := c.Attempt(context.Background(), "explain_triage", "u1", "clinician")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if !res.Allowed || !res.FailOpen {
			t.Fatalf("result = %+v, want fail-open allow", res)
		}
		if got := testutil.ToFloat64(m.AdmissionFailOpen); got != 1 {
			t.Fatalf("fail open counter = %v, want 1", got)
		}

		res, err = c.Check(context.Background(), "explain_triage", "u1", "clinician")
		if err != nil || !res.Allowed {
			t.Fatalf("check = %+v, %v", res, err)
		}
	})

	t.Run("fail closed errors", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.FailOpen = false
		c := New(failingStore{}, cfg, WithLogger(quiet))

		_, err := c.Attempt(context.Background(), "explain_triage", "u1", "clinician")
		if !errors.Is(err, errStoreDown) {
			t.Fatalf("err = %v, want wrapped store error", err)
		}
	})
}

func TestRecord_CountsAndStats(t *testing.T) {
	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	c, _ := newController(t, DefaultConfig(), start)
	ctx := context.Background()

	if err := c.Record(ctx, "explain_triage", "u1", true); err != nil {
		t.Fatal(err)
	}
	if err := c.Record(ctx, "explain_triage", "u1", false); err != nil {
		t.Fatal(err)
	}
	mustAttempt(t, c, "explain_triage", "u1", "clinician")
	if err := c.RecordOutcome(ctx, "explain_triage", true); err != nil {
		t.Fatal(err)
	}

	rem, err := c.GetRemaining(ctx, "explain_triage", "u1", "clinician")
	if err != nil {
		t.Fatal(err)
	}
	if rem.Task.Used != 3 || rem.Task.Remaining != 27 {
		t.Fatalf("task = %+v, want used 3 remaining 27", rem.Task)
	}
	if rem.Quota.Used != 3 || rem.Quota.Limit != 500 {
		t.Fatalf("quota = %+v", rem.Quota)
	}

	stats, err := c.Stats(ctx, "explain_triage", start)
	if err != nil {
		t.Fatal(err)
	}
	want := TaskDayStats{Task: "explain_triage", Day: "2026-03-14", Success: 2, Failure: 1}
	if stats != want {
		t.Fatalf("stats = %+v, want %+v", stats, want)
	}
}

func TestUpdateConfig_KeepsCounters(t *testing.T) {
	c, _ := newController(t, DefaultConfig(), time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))

	for i := 0; i < 5; i++ {
		mustAttempt(t, c, "explain_triage", "u1", "clinician")
	}

	cfg := DefaultConfig()
	cfg.TaskPerMinute["explain_triage"] = 5
	c.UpdateConfig(cfg)

	res := mustAttempt(t, c, "explain_triage", "u1", "clinician")
	if res.Allowed || res.Reason != ReasonTaskLimit {
		t.Fatalf("result = %+v, want task denial under the new limit", res)
	}
}

func TestAttempt_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	c := New(failingStore{}, cfg, WithLogger(quiet))

	res, err := c.Attempt(context.Background(), "explain_triage", "u1", "clinician")
	if err != nil || !res.Allowed || res.FailOpen {
		t.Fatalf("disabled controller = %+v, %v", res, err)
	}
}

func TestHeaders(t *testing.T) {
	reset := time.Date(2026, 3, 14, 10, 1, 0, 0, time.UTC)
	qreset := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	h := Headers(Remaining{
		Global: newLimit(1000, 10, reset),
		Task:   newLimit(30, 12, reset),
		Quota:  newLimit(500, 40, qreset),
	})

	want := map[string]string{
		"X-RateLimit-Limit":     "30",
		"X-RateLimit-Remaining": "18",
		"X-RateLimit-Reset":     "1773482460",
		"X-Quota-Limit":         "500",
		"X-Quota-Remaining":     "460",
		"X-Quota-Reset":         "1773532800",
	}
	for k, v := range want {
		if h[k] != v {
			t.Errorf("%s = %q, want %q", k, h[k], v)
		}
	}

	h = Headers(Remaining{Task: newLimit(0, 3, reset)})
	if len(h) != 0 {
		t.Fatalf("unlimited tiers produced headers: %v", h)
	}
}

func TestNewLimit_NeverNegative(t *testing.T) {
	l := newLimit(5, 9, time.Time{})
	if l.Remaining != 0 {
		t.Fatalf("remaining = %d, want 0", l.Remaining)
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	bad := DefaultConfig()
	bad.TimeZone = "Mars/Olympus_Mons"
	if err := bad.Validate(); err == nil {
		t.Fatal("expected time zone error")
	}

	bad = DefaultConfig()
	bad.RoleDailyQuota["nurse"] = -1
	if err := bad.Validate(); err == nil {
		t.Fatal("expected negative quota error")
	}
}

func TestAttempt_Metrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	cfg := DefaultConfig()
	cfg.TaskPerMinute["explain_triage"] = 1
	c, _ := newController(t, cfg, time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC), WithMetrics(m))

	mustAttempt(t, c, "explain_triage", "u1", "clinician")
	mustAttempt(t, c, "explain_triage", "u1", "clinician")

	if got := testutil.ToFloat64(m.AdmissionDecision.WithLabelValues("explain_triage", "allowed")); got != 1 {
		t.Fatalf("allowed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.AdmissionDecision.WithLabelValues("explain_triage", ReasonTaskLimit)); got != 1 {
		t.Fatalf("denied = %v, want 1", got)
	}
}
