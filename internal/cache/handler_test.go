package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/clinigate/internal/metrics"
	"github.com/blueberrycongee/clinigate/internal/store/memory"
	redisstore "github.com/blueberrycongee/clinigate/internal/store/redis"
	"github.com/blueberrycongee/clinigate/pkg/provider"
	"github.com/blueberrycongee/clinigate/pkg/store"
	"github.com/blueberrycongee/clinigate/pkg/store/storetest"
)

// plainStore hides KeysMatching so the cache must fall back to version counters.
type plainStore struct {
	store.Store
}

func newMemory(t *testing.T) (*memory.Store, *storetest.Clock) {
	t.Helper()
	clock := storetest.NewClock(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	st := memory.New(memory.DefaultConfig(), memory.WithClock(clock.Now))
	t.Cleanup(func() { _ = st.Close() })
	return st, clock
}

func okResponse(content string) *provider.Response {
	return &provider.Response{
		Success:  true,
		Content:  content,
		Model:    "llama3",
		Metadata: provider.Metadata{LatencyMs: 120, Model: "llama3"},
	}
}

var reqOpts = Options{Model: "llama3", Temperature: 0.2, PromptVersion: "v1"}

func TestResponseCache_MissThenHit(t *testing.T) {
	st, _ := newMemory(t)
	c := New(st, DefaultConfig())
	ctx := context.Background()
	reqCtx := map[string]any{"patient_id": "P1", "symptoms": []any{"cough"}}

	got, err := c.Get(ctx, "explain_triage", reqCtx, reqOpts)
	require.NoError(t, err)
	assert.Nil(t, got)

	stored, err := c.Put(ctx, "explain_triage", reqCtx, okResponse("triage explanation"), reqOpts)
	require.NoError(t, err)
	assert.True(t, stored)

	got, err = c.Get(ctx, "explain_triage", reqCtx, reqOpts)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "triage explanation", got.Content)
	assert.Equal(t, int64(120), got.Metadata.LatencyMs)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Sets)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)
}

func TestResponseCache_VolatileFieldsShareEntry(t *testing.T) {
	st, _ := newMemory(t)
	c := New(st, DefaultConfig())
	ctx := context.Background()

	_, err := c.Put(ctx, "guideline_summary", map[string]any{"topic": "malaria", "timestamp": 1, "request_id": "a"}, okResponse("summary"), reqOpts)
	require.NoError(t, err)

	got, err := c.Get(ctx, "guideline_summary", map[string]any{"request_id": "b", "timestamp": 2, "topic": "malaria"}, reqOpts)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "summary", got.Content)
}

func TestResponseCache_OptionsSeparateEntries(t *testing.T) {
	st, _ := newMemory(t)
	c := New(st, DefaultConfig())
	ctx := context.Background()
	reqCtx := map[string]any{"topic": "malaria"}

	_, err := c.Put(ctx, "guideline_summary", reqCtx, okResponse("summary"), reqOpts)
	require.NoError(t, err)

	other := reqOpts
	other.Temperature = 0.9
	got, err := c.Get(ctx, "guideline_summary", reqCtx, other)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestResponseCache_TaskTTL(t *testing.T) {
	st, clock := newMemory(t)
	c := New(st, DefaultConfig(), WithClock(clock.Now))
	ctx := context.Background()
	reqCtx := map[string]any{"age_months": 18, "fast_breathing": true}

	assert.Equal(t, 7200*time.Second, c.TTLFor("imci_classification"))
	assert.Equal(t, 900*time.Second, c.TTLFor("explain_triage"))
	assert.Equal(t, time.Hour, c.TTLFor("unlisted_task"))

	stored, err := c.Put(ctx, "imci_classification", reqCtx, okResponse("pneumonia"), reqOpts)
	require.NoError(t, err)
	require.True(t, stored)

	clock.Advance(7199 * time.Second)
	got, err := c.Get(ctx, "imci_classification", reqCtx, reqOpts)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "pneumonia", got.Content)

	clock.Advance(2 * time.Second)
	got, err = c.Get(ctx, "imci_classification", reqCtx, reqOpts)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestResponseCache_TTLOverride(t *testing.T) {
	st, clock := newMemory(t)
	c := New(st, DefaultConfig())
	ctx := context.Background()
	o := reqOpts
	o.TTL = 10 * time.Second

	_, err := c.Put(ctx, "guideline_summary", nil, okResponse("x"), o)
	require.NoError(t, err)
	clock.Advance(11 * time.Second)

	got, err := c.Get(ctx, "guideline_summary", nil, o)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestResponseCache_NonCacheableTasks(t *testing.T) {
	st, _ := newMemory(t)
	c := New(st, DefaultConfig())
	ctx := context.Background()

	for _, task := range []string{"emergency_assessment", "critical_alert"} {
		t.Run(task, func(t *testing.T) {
			assert.False(t, c.IsCacheable(task))

			stored, err := c.Put(ctx, task, map[string]any{"x": 1}, okResponse("y"), reqOpts)
			require.NoError(t, err)
			assert.False(t, stored)

			got, err := c.Get(ctx, task, map[string]any{"x": 1}, reqOpts)
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
	assert.Zero(t, st.Len(), "no key, not even a version read, is written")
}

func TestResponseCache_RefusesUnsafeResponses(t *testing.T) {
	st, _ := newMemory(t)
	c := New(st, DefaultConfig())
	ctx := context.Background()

	modified := okResponse("edited")
	modified.ModifiedBySafety = true
	failed := &provider.Response{Success: false, Error: "backend error"}

	tests := []struct {
		name    string
		resp    *provider.Response
		reqOpts Options
	}{
		{"modified by safety", modified, reqOpts},
		{"failed", failed, reqOpts},
		{"nil", nil, reqOpts},
		{"no store", okResponse("x"), Options{NoStore: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stored, err := c.Put(ctx, "review_treatment", map[string]any{"rx": "amoxicillin"}, tt.resp, tt.reqOpts)
			require.NoError(t, err)
			assert.False(t, stored)
		})
	}
	assert.Zero(t, c.Stats().Sets)
}

func TestResponseCache_NoCacheSkipsLookup(t *testing.T) {
	st, _ := newMemory(t)
	c := New(st, DefaultConfig())
	ctx := context.Background()

	_, err := c.Put(ctx, "guideline_summary", nil, okResponse("x"), reqOpts)
	require.NoError(t, err)

	o := reqOpts
	o.NoCache = true
	got, err := c.Get(ctx, "guideline_summary", nil, o)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestResponseCache_CorruptEntryIsMiss(t *testing.T) {
	st, _ := newMemory(t)
	c := New(st, DefaultConfig())
	ctx := context.Background()

	key, err := c.Key(ctx, "guideline_summary", nil, reqOpts)
	require.NoError(t, err)
	require.NoError(t, st.Put(ctx, key, []byte("{not json"), time.Minute))

	got, err := c.Get(ctx, "guideline_summary", nil, reqOpts)
	require.NoError(t, err)
	assert.Nil(t, got)

	raw, err := st.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, raw, "corrupt entry is removed")
}

func TestInvalidatePatient_VersionBump(t *testing.T) {
	st, _ := newMemory(t)
	c := New(plainStore{st}, DefaultConfig())
	ctx := context.Background()
	reqCtx := map[string]any{"patient_id": "P", "hr": 130}

	before, err := c.Key(ctx, "explain_triage", reqCtx, reqOpts)
	require.NoError(t, err)
	_, err = c.Put(ctx, "explain_triage", reqCtx, okResponse("old"), reqOpts)
	require.NoError(t, err)

	inv, err := c.InvalidatePatient(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, Invalidation{Count: 1, Mode: ModeVersioned}, inv)

	after, err := c.Key(ctx, "explain_triage", reqCtx, reqOpts)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)

	v, err := store.GetInt64(ctx, st, "cache:ver:patient:P")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	got, err := c.Get(ctx, "explain_triage", reqCtx, reqOpts)
	require.NoError(t, err)
	assert.Nil(t, got, "fresh lookup misses and forces recomputation")

	raw, err := st.Get(ctx, before)
	require.NoError(t, err)
	assert.NotNil(t, raw, "old entry is orphaned, not deleted")
}

func TestInvalidatePatient_PatternDelete(t *testing.T) {
	st, _ := newMemory(t)
	c := New(st, DefaultConfig())
	ctx := context.Background()

	p1 := map[string]any{"patient_id": "P1"}
	p2 := map[string]any{"patient_id": "P2"}
	for _, task := range []string{"explain_triage", "review_treatment"} {
		_, err := c.Put(ctx, task, p1, okResponse(task), reqOpts)
		require.NoError(t, err)
	}
	_, err := c.Put(ctx, "explain_triage", p2, okResponse("other"), reqOpts)
	require.NoError(t, err)

	inv, err := c.InvalidatePatient(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, Invalidation{Count: 2, Mode: ModeDeleted}, inv)

	got, err := c.Get(ctx, "explain_triage", p1, reqOpts)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = c.Get(ctx, "explain_triage", p2, reqOpts)
	require.NoError(t, err)
	assert.NotNil(t, got)

	v, err := store.GetInt64(ctx, st, "cache:ver:patient:P1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v, "the deletion path also bumps the version")
}

func TestInvalidatePatient_PinnedKeyWriteIsOrphaned(t *testing.T) {
	ctx := context.Background()
	reqCtx := map[string]any{"patient_id": "P1", "spo2": 91}

	for name, wrap := range map[string]func(*memory.Store) store.Store{
		"pattern delete": func(s *memory.Store) store.Store { return s },
		"version bump":   func(s *memory.Store) store.Store { return plainStore{s} },
	} {
		t.Run(name, func(t *testing.T) {
			st, _ := newMemory(t)
			c := New(wrap(st), DefaultConfig())

			key, err := c.Key(ctx, "explain_triage", reqCtx, reqOpts)
			require.NoError(t, err)
			pinned := reqOpts
			pinned.Key = key

			_, err = c.InvalidatePatient(ctx, "P1")
			require.NoError(t, err)

			stored, err := c.Put(ctx, "explain_triage", reqCtx, okResponse("before invalidation"), pinned)
			require.NoError(t, err)
			assert.True(t, stored)

			got, err := c.Get(ctx, "explain_triage", reqCtx, reqOpts)
			require.NoError(t, err)
			assert.Nil(t, got, "entry written under the old version is never served")
		})
	}
}

func TestInvalidatePatient_RequiresID(t *testing.T) {
	st, _ := newMemory(t)
	c := New(st, DefaultConfig())
	_, err := c.InvalidatePatient(context.Background(), "")
	assert.Error(t, err)
	_, err = c.InvalidateTask(context.Background(), "")
	assert.Error(t, err)
}

func TestInvalidateTask(t *testing.T) {
	ctx := context.Background()

	t.Run("pattern delete", func(t *testing.T) {
		st, _ := newMemory(t)
		c := New(st, DefaultConfig())
		for _, p := range []string{"A", "B", ""} {
			_, err := c.Put(ctx, "review_treatment", map[string]any{"patient_id": p}, okResponse("x"), reqOpts)
			require.NoError(t, err)
		}
		_, err := c.Put(ctx, "explain_triage", nil, okResponse("y"), reqOpts)
		require.NoError(t, err)

		inv, err := c.InvalidateTask(ctx, "review_treatment")
		require.NoError(t, err)
		assert.Equal(t, Invalidation{Count: 3, Mode: ModeDeleted}, inv)

		got, err := c.Get(ctx, "explain_triage", nil, reqOpts)
		require.NoError(t, err)
		assert.NotNil(t, got)
	})

	t.Run("version bump", func(t *testing.T) {
		st, _ := newMemory(t)
		c := New(plainStore{st}, DefaultConfig())
		_, err := c.Put(ctx, "review_treatment", nil, okResponse("x"), reqOpts)
		require.NoError(t, err)

		inv, err := c.InvalidateTask(ctx, "review_treatment")
		require.NoError(t, err)
		assert.Equal(t, Invalidation{Count: 1, Mode: ModeVersioned}, inv)

		got, err := c.Get(ctx, "review_treatment", nil, reqOpts)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestClearAll(t *testing.T) {
	ctx := context.Background()

	for name, wrap := range map[string]func(*memory.Store) store.Store{
		"pattern delete": func(s *memory.Store) store.Store { return s },
		"epoch bump":     func(s *memory.Store) store.Store { return plainStore{s} },
	} {
		t.Run(name, func(t *testing.T) {
			st, _ := newMemory(t)
			c := New(wrap(st), DefaultConfig())
			_, err := c.Put(ctx, "explain_triage", nil, okResponse("x"), reqOpts)
			require.NoError(t, err)
			_, err = c.Put(ctx, "guideline_summary", nil, okResponse("y"), reqOpts)
			require.NoError(t, err)

			ok, err := c.ClearAll(ctx)
			require.NoError(t, err)
			assert.True(t, ok)

			for _, task := range []string{"explain_triage", "guideline_summary"} {
				got, err := c.Get(ctx, task, nil, reqOpts)
				require.NoError(t, err)
				assert.Nil(t, got)
			}
		})
	}
}

func TestResponseCache_UpdateConfig(t *testing.T) {
	st, _ := newMemory(t)
	c := New(st, DefaultConfig())

	cfg := DefaultConfig()
	cfg.TaskTTLs["explain_triage"] = time.Minute
	cfg.NonCacheable = append(cfg.NonCacheable, "guideline_summary")
	c.UpdateConfig(cfg)

	assert.Equal(t, time.Minute, c.TTLFor("explain_triage"))
	assert.False(t, c.IsCacheable("guideline_summary"))

	cfg.Enabled = false
	c.UpdateConfig(cfg)
	assert.False(t, c.IsCacheable("explain_triage"))
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.TaskTTLs = map[string]time.Duration{"x": 0}
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.DefaultTTL = 0
	assert.Error(t, bad.Validate())
}

func TestResponseCache_Metrics(t *testing.T) {
	st, _ := newMemory(t)
	m := metrics.New(prometheus.NewRegistry())
	c := New(plainStore{st}, DefaultConfig(), WithMetrics(m))
	ctx := context.Background()

	_, _ = c.Get(ctx, "explain_triage", nil, reqOpts)
	_, _ = c.Put(ctx, "explain_triage", nil, okResponse("x"), reqOpts)
	_, _ = c.Get(ctx, "explain_triage", nil, reqOpts)
	_, _ = c.Get(ctx, "emergency_assessment", nil, reqOpts)
	_, err := c.InvalidateTask(ctx, "explain_triage")
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheOperations.WithLabelValues("explain_triage", "miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheOperations.WithLabelValues("explain_triage", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheOperations.WithLabelValues("explain_triage", "set")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheOperations.WithLabelValues("emergency_assessment", "skip")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheInvalidation.WithLabelValues("task", "versioned")))
}

func TestResponseCache_Redis(t *testing.T) {
	ctx := context.Background()
	reqCtx := map[string]any{"patient_id": "R1"}

	for _, tc := range []struct {
		scan bool
		mode InvalidationMode
	}{
		{scan: true, mode: ModeDeleted},
		{scan: false, mode: ModeVersioned},
	} {
		t.Run(string(tc.mode), func(t *testing.T) {
			mr := miniredis.RunT(t)
			client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			st := redisstore.NewFromClient(client, redisstore.Config{Namespace: "clinigate", ScanEnabled: tc.scan})
			c := New(st, DefaultConfig())

			_, err := c.Put(ctx, "imci_classification", reqCtx, okResponse("x"), reqOpts)
			require.NoError(t, err)

			mr.FastForward(7199 * time.Second)
			got, err := c.Get(ctx, "imci_classification", reqCtx, reqOpts)
			require.NoError(t, err)
			require.NotNil(t, got)

			inv, err := c.InvalidatePatient(ctx, "R1")
			require.NoError(t, err)
			assert.Equal(t, tc.mode, inv.Mode)

			got, err = c.Get(ctx, "imci_classification", reqCtx, reqOpts)
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}
