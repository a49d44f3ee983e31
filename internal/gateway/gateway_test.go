package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/blueberrycongee/clinigate/internal/admission"
	"github.com/blueberrycongee/clinigate/internal/cache"
	"github.com/blueberrycongee/clinigate/internal/faults"
	"github.com/blueberrycongee/clinigate/internal/monitor"
	"github.com/blueberrycongee/clinigate/internal/observability"
	"github.com/blueberrycongee/clinigate/internal/store/memory"
	gerrors "github.com/blueberrycongee/clinigate/pkg/errors"
	"github.com/blueberrycongee/clinigate/pkg/provider"
	"github.com/blueberrycongee/clinigate/pkg/store"
	"github.com/blueberrycongee/clinigate/pkg/store/storetest"
)

type fakeProvider struct {
	mu        sync.Mutex
	calls     int
	available bool
	fn        func(ctx context.Context, prompt string) (*provider.Response, error)
}

func (p *fakeProvider) Generate(ctx context.Context, prompt string, opts provider.Options) (*provider.Response, error) {
	p.mu.Lock()
	p.calls++
	fn := p.fn
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, prompt)
	}
	return &provider.Response{
		Success:  true,
		Content:  "answer to " + prompt,
		Model:    opts.Model,
		Metadata: provider.Metadata{LatencyMs: 40, Model: opts.Model},
	}, nil
}

func (p *fakeProvider) IsAvailable(context.Context) bool { return p.available }

func (p *fakeProvider) ListModels(context.Context) ([]string, error) { return []string{"llama3"}, nil }

func (p *fakeProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// failingStore rejects counter updates.
type failingStore struct {
	store.Store
}

func (failingStore) IncrementWithTTL(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, errors.New("connection refused")
}

type harness struct {
	gw    *Gateway
	store store.Store
	clock *storetest.Clock
	prov  *fakeProvider
	mon   *monitor.Monitor
	adm   *admission.Controller
	spans *tracetest.SpanRecorder
}

func newHarness(t *testing.T, st store.Store, admCfg admission.Config, opts ...Option) *harness {
	t.Helper()
	clock := storetest.NewClock(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	if st == nil {
		mem := memory.New(memory.DefaultConfig(), memory.WithClock(clock.Now))
		t.Cleanup(func() { _ = mem.Close() })
		st = mem
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	h := &harness{
		store: st,
		clock: clock,
		prov:  &fakeProvider{available: true},
		spans: recorder,
	}
	h.adm = admission.New(st, admCfg, admission.WithClock(clock.Now), admission.WithLogger(logger))
	h.mon = monitor.New(st, monitor.DefaultConfig(), monitor.WithClock(clock.Now), monitor.WithLogger(logger))

	all := append([]Option{WithTracer(tp.Tracer("test")), WithLogger(logger), WithClock(clock.Now)}, opts...)
	gw, err := New(Deps{
		Store:      st,
		Provider:   h.prov,
		Admission:  h.adm,
		Cache:      cache.New(st, cache.DefaultConfig(), cache.WithClock(clock.Now), cache.WithLogger(logger)),
		Monitor:    h.mon,
		Classifier: faults.New(faults.DefaultConfig(), faults.WithLogger(logger), faults.WithClock(clock.Now)),
	}, all...)
	require.NoError(t, err)
	h.gw = gw
	return h
}

func triageRequest() Request {
	return Request{
		Task:          "explain_triage",
		UserID:        "u-1",
		Role:          "nurse",
		Context:       map[string]any{"patient_id": "P1", "symptoms": []any{"fever"}, "request_id": "r-1"},
		Prompt:        "Explain the triage category",
		Options:       provider.Options{Model: "llama3", Temperature: 0.2},
		PromptVersion: "v1",
	}
}

func TestExecute_ServedThenCached(t *testing.T) {
	h := newHarness(t, nil, admission.DefaultConfig())
	ctx := context.Background()

	first, err := h.gw.Execute(ctx, triageRequest())
	require.NoError(t, err)
	assert.Equal(t, OutcomeServed, first.Outcome)
	assert.True(t, first.OK())
	assert.NotEmpty(t, first.RequestID)
	assert.Equal(t, "answer to Explain the triage category", first.Response.Content)

	// Volatile fields do not affect cache identity.
	req := triageRequest()
	req.Context["request_id"] = "r-2"
	second, err := h.gw.Execute(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCached, second.Outcome)
	assert.Equal(t, first.Response.Content, second.Response.Content)
	assert.Equal(t, 1, h.prov.Calls())

	snap, err := h.gw.Metrics(ctx, monitor.PeriodHour)
	require.NoError(t, err)
	assert.EqualValues(t, 2, snap.Requests.Total)
	assert.EqualValues(t, 2, snap.Requests.Success)
	assert.EqualValues(t, 1, snap.Requests.CacheHits)

	stats, err := h.gw.TaskStats(ctx, "explain_triage", h.clock.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Success)

	rem, err := h.gw.Remaining(ctx, "explain_triage", "u-1", "nurse")
	require.NoError(t, err)
	assert.EqualValues(t, 2, rem.Task.Used)
	assert.EqualValues(t, 298, rem.Quota.Remaining)
}

func TestExecute_Denied(t *testing.T) {
	cfg := admission.DefaultConfig()
	cfg.TaskPerMinute = map[string]int64{"explain_triage": 1}
	h := newHarness(t, nil, cfg)
	ctx := context.Background()

	_, err := h.gw.Execute(ctx, triageRequest())
	require.NoError(t, err)

	res, err := h.gw.Execute(ctx, triageRequest())
	require.NoError(t, err)
	assert.Equal(t, OutcomeDenied, res.Outcome)
	assert.False(t, res.OK())
	assert.Equal(t, admission.ReasonTaskLimit, res.Admission.Reason)
	assert.EqualValues(t, 60, res.Admission.RetryAfter)
	assert.Nil(t, res.Response)
	assert.Equal(t, 1, h.prov.Calls())

	snap, err := h.gw.Metrics(ctx, monitor.PeriodMinute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, snap.Requests.Total, "denied requests are not monitored")
}

func TestExecute_ProviderFailureIsClassified(t *testing.T) {
	h := newHarness(t, nil, admission.DefaultConfig())
	h.prov.fn = func(context.Context, string) (*provider.Response, error) {
		return nil, context.DeadlineExceeded
	}
	ctx := context.Background()

	res, err := h.gw.Execute(ctx, triageRequest())
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, res.Outcome)
	require.NotNil(t, res.Failure)

	detail := res.Failure.Error
	assert.Equal(t, gerrors.CategoryTimeout, detail.Category)
	assert.Equal(t, gerrors.SeverityHigh, detail.Severity, "clinical task escalates severity")
	assert.Equal(t, faults.StrategyFallback, detail.Recovery.Strategy)
	assert.Equal(t, faults.UserMessage(gerrors.CategoryTimeout), detail.UserMessage)
	assert.Equal(t, res.RequestID, res.Failure.Metadata.RequestID)
	assert.Nil(t, res.Stale)

	snap, err := h.gw.Metrics(ctx, monitor.PeriodHour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, snap.Requests.Failure)

	stats, err := h.gw.TaskStats(ctx, "explain_triage", h.clock.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Failure)
}

func TestExecute_BackendReportedFailure(t *testing.T) {
	h := newHarness(t, nil, admission.DefaultConfig())
	h.prov.fn = func(context.Context, string) (*provider.Response, error) {
		return &provider.Response{Success: false, Error: "upstream rate limit reached"}, nil
	}

	res, err := h.gw.Execute(context.Background(), triageRequest())
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, gerrors.CategoryRateLimit, res.Failure.Error.Category)
	assert.Equal(t, faults.StrategyDegrade, res.Failure.Error.Recovery.Strategy)
}

func TestExecute_ModifiedResponseNotCached(t *testing.T) {
	validator := ValidatorFunc(func(_ context.Context, _ string, _ map[string]any, resp *provider.Response) (*provider.Response, error) {
		out := resp.Clone()
		out.Content = "[redacted dosage]"
		out.ModifiedBySafety = true
		out.RiskFlags = []string{"dosage"}
		return out, nil
	})
	h := newHarness(t, nil, admission.DefaultConfig(), WithValidator(validator))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := h.gw.Execute(ctx, triageRequest())
		require.NoError(t, err)
		assert.Equal(t, OutcomeServed, res.Outcome)
		assert.True(t, res.Response.ModifiedBySafety)
	}
	assert.Equal(t, 2, h.prov.Calls(), "altered responses are recomputed")

	snap, err := h.gw.Metrics(ctx, monitor.PeriodHour)
	require.NoError(t, err)
	assert.EqualValues(t, 2, snap.Validation.Overridden)

	alerts, err := h.mon.RecentAlerts(ctx, 0)
	require.NoError(t, err)
	require.Len(t, alerts, 1, "override alerts are debounced")
	assert.Equal(t, monitor.AlertValidationOverride, alerts[0].Type)
}

func TestExecute_ValidatorRejection(t *testing.T) {
	validator := ValidatorFunc(func(context.Context, string, map[string]any, *provider.Response) (*provider.Response, error) {
		return nil, errors.New("contraindicated medication suggested")
	})
	h := newHarness(t, nil, admission.DefaultConfig(), WithValidator(validator))

	res, err := h.gw.Execute(context.Background(), triageRequest())
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, gerrors.CategorySafety, res.Failure.Error.Category)
	assert.Equal(t, gerrors.SeverityCritical, res.Failure.Error.Severity)
	assert.Equal(t, faults.StrategyAbort, res.Failure.Error.Recovery.Strategy)
}

func TestExecute_InvalidRequest(t *testing.T) {
	h := newHarness(t, nil, admission.DefaultConfig())
	req := triageRequest()
	req.Prompt = "  "

	res, err := h.gw.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, gerrors.CategoryValidation, res.Failure.Error.Category)
	assert.Zero(t, h.prov.Calls())

	rem, err := h.gw.Remaining(context.Background(), "explain_triage", "u-1", "nurse")
	require.NoError(t, err)
	assert.Zero(t, rem.Task.Used, "rejected requests consume no capacity")
}

func TestExecute_InvalidateForcesRecompute(t *testing.T) {
	h := newHarness(t, nil, admission.DefaultConfig())
	ctx := context.Background()

	_, err := h.gw.Execute(ctx, triageRequest())
	require.NoError(t, err)

	inv, err := h.gw.InvalidatePatient(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, cache.ModeDeleted, inv.Mode)
	assert.Equal(t, 1, inv.Count)

	res, err := h.gw.Execute(ctx, triageRequest())
	require.NoError(t, err)
	assert.Equal(t, OutcomeServed, res.Outcome)
	assert.Equal(t, 2, h.prov.Calls())

	inv, err = h.gw.InvalidateTask(ctx, "explain_triage")
	require.NoError(t, err)
	assert.Equal(t, 1, inv.Count)

	cleared, err := h.gw.ClearCache(ctx)
	require.NoError(t, err)
	assert.True(t, cleared)
}

// unscannedStore hides KeysMatching so invalidation falls back to version counters.
type unscannedStore struct {
	store.Store
}

func TestExecute_InvalidationDuringGenerationIsNotServed(t *testing.T) {
	for name, wrap := range map[string]func(store.Store) store.Store{
		"pattern delete": func(s store.Store) store.Store { return s },
		"version bump":   func(s store.Store) store.Store { return unscannedStore{s} },
	} {
		t.Run(name, func(t *testing.T) {
			mem := memory.New(memory.DefaultConfig())
			t.Cleanup(func() { _ = mem.Close() })
			h := newHarness(t, wrap(mem), admission.DefaultConfig())
			ctx := context.Background()

			started := make(chan struct{})
			release := make(chan struct{})
			var once sync.Once
			h.prov.fn = func(_ context.Context, prompt string) (*provider.Response, error) {
				once.Do(func() {
					close(started)
					<-release
				})
				return &provider.Response{Success: true, Content: "answer to " + prompt}, nil
			}

			done := make(chan *Result, 1)
			go func() {
				res, err := h.gw.Execute(ctx, triageRequest())
				assert.NoError(t, err)
				done <- res
			}()

			<-started
			_, err := h.gw.InvalidatePatient(ctx, "P1")
			require.NoError(t, err)
			close(release)

			first := <-done
			require.NotNil(t, first)
			assert.Equal(t, OutcomeServed, first.Outcome)

			second, err := h.gw.Execute(ctx, triageRequest())
			require.NoError(t, err)
			assert.Equal(t, OutcomeServed, second.Outcome, "a response generated before the invalidation is not served from cache")
			assert.Equal(t, 2, h.prov.Calls())
		})
	}
}

func TestExecute_ForcedRefreshFallsBackToCache(t *testing.T) {
	h := newHarness(t, nil, admission.DefaultConfig())
	ctx := context.Background()

	_, err := h.gw.Execute(ctx, triageRequest())
	require.NoError(t, err)

	h.prov.fn = func(context.Context, string) (*provider.Response, error) {
		return nil, gerrors.NewProviderError("backend unavailable", nil)
	}
	req := triageRequest()
	req.NoCache = true

	res, err := h.gw.Execute(ctx, req)
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, faults.StrategyCache, res.Failure.Error.Recovery.Strategy)
	require.NotNil(t, res.Stale)
	assert.Equal(t, "answer to Explain the triage category", res.Stale.Content)
}

func TestExecute_CancelledRequestStillAccounted(t *testing.T) {
	h := newHarness(t, nil, admission.DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	h.prov.fn = func(ctx context.Context, _ string) (*provider.Response, error) {
		cancel()
		return nil, ctx.Err()
	}

	res, err := h.gw.Execute(ctx, triageRequest())
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)

	bg := context.Background()
	rem, err := h.gw.Remaining(bg, "explain_triage", "u-1", "nurse")
	require.NoError(t, err)
	assert.EqualValues(t, 1, rem.Quota.Used, "quota is not refunded on cancellation")

	snap, err := h.gw.Metrics(bg, monitor.PeriodMinute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, snap.Requests.Failure)
}

func TestExecute_StoreUnavailable(t *testing.T) {
	mem := memory.New(memory.DefaultConfig())
	t.Cleanup(func() { _ = mem.Close() })
	broken := failingStore{Store: mem}

	t.Run("fail open", func(t *testing.T) {
		h := newHarness(t, broken, admission.DefaultConfig())
		res, err := h.gw.Execute(context.Background(), triageRequest())
		require.NoError(t, err)
		assert.Equal(t, OutcomeServed, res.Outcome)
		assert.True(t, res.Admission.FailOpen)
	})

	t.Run("fail closed", func(t *testing.T) {
		cfg := admission.DefaultConfig()
		cfg.FailOpen = false
		h := newHarness(t, broken, cfg)
		res, err := h.gw.Execute(context.Background(), triageRequest())
		require.Error(t, err)
		assert.Nil(t, res)
		assert.Zero(t, h.prov.Calls())
	})
}

func TestExecute_Span(t *testing.T) {
	h := newHarness(t, nil, admission.DefaultConfig())
	h.prov.fn = func(context.Context, string) (*provider.Response, error) {
		return nil, gerrors.NewProviderError("backend unavailable", nil)
	}
	ctx := observability.ContextWithRequestID(context.Background(), "req-42")

	res, err := h.gw.Execute(ctx, triageRequest())
	require.NoError(t, err)
	assert.Equal(t, "req-42", res.RequestID)

	ended := h.spans.Ended()
	require.Len(t, ended, 1)
	span := ended[0]
	assert.Equal(t, "governance.execute", span.Name())
	assert.Equal(t, codes.Error, span.Status().Code)

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range span.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "explain_triage", attrs["governance.task"].AsString())
	assert.Equal(t, "failed", attrs["governance.outcome"].AsString())
	assert.Equal(t, "provider", attrs["governance.error_category"].AsString())
}

func TestReady(t *testing.T) {
	h := newHarness(t, nil, admission.DefaultConfig())
	ctx := context.Background()

	require.NoError(t, h.gw.Ready(ctx))

	h.prov.available = false
	assert.Error(t, h.gw.Ready(ctx))

	h.prov.available = true
	require.NoError(t, h.store.Close())
	assert.Error(t, h.gw.Ready(ctx))
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}
