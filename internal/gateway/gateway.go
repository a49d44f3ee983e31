// Package gateway runs one clinical AI request through admission, the response cache,
// the provider, validation and monitoring, and turns every failure into a structured
// result with a recovery plan.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/clinigate/internal/admission"
	"github.com/blueberrycongee/clinigate/internal/cache"
	"github.com/blueberrycongee/clinigate/internal/faults"
	"github.com/blueberrycongee/clinigate/internal/metrics"
	"github.com/blueberrycongee/clinigate/internal/monitor"
	"github.com/blueberrycongee/clinigate/internal/observability"
	gerrors "github.com/blueberrycongee/clinigate/pkg/errors"
	"github.com/blueberrycongee/clinigate/pkg/provider"
	"github.com/blueberrycongee/clinigate/pkg/store"
)

const anonymousUser = "anonymous"

// Deps are the components a Gateway orchestrates. All are required.
type Deps struct {
	Store      store.Store
	Provider   provider.Provider
	Admission  *admission.Controller
	Cache      *cache.ResponseCache
	Monitor    *monitor.Monitor
	Classifier *faults.Classifier
}

// Gateway is safe for concurrent use.
type Gateway struct {
	store      store.Store
	provider   provider.Provider
	admission  *admission.Controller
	cache      *cache.ResponseCache
	monitor    *monitor.Monitor
	classifier *faults.Classifier

	validator Validator
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithValidator installs the response validator.
func WithValidator(v Validator) Option {
	return func(g *Gateway) {
		if v != nil {
			g.validator = v
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetrics records classified failures in Prometheus.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithTracer sets the tracer used for request spans.
func WithTracer(t trace.Tracer) Option {
	return func(g *Gateway) {
		if t != nil {
			g.tracer = t
		}
	}
}

// WithClock overrides the latency clock.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// New creates a gateway.
func New(deps Deps, opts ...Option) (*Gateway, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("gateway: store is required")
	case deps.Provider == nil:
		return nil, errors.New("gateway: provider is required")
	case deps.Admission == nil, deps.Cache == nil, deps.Monitor == nil, deps.Classifier == nil:
		return nil, errors.New("gateway: admission, cache, monitor and classifier are required")
	}

	g := &Gateway{
		store:      deps.Store,
		provider:   deps.Provider,
		admission:  deps.Admission,
		cache:      deps.Cache,
		monitor:    deps.Monitor,
		classifier: deps.Classifier,
		validator:  passthrough{},
		tracer:     otel.Tracer(observability.TracerName),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Execute runs one request. It returns an error only when admission cannot be decided
// because the store failed and fail-open is disabled; every other path, including
// provider failures, yields a Result.
func (g *Gateway) Execute(ctx context.Context, req Request) (*Result, error) {
	ctx, requestID := observability.EnsureRequestID(ctx)
	if req.UserID == "" {
		req.UserID = anonymousUser
	}

	ctx, span := observability.StartTaskSpan(ctx, g.tracer, "governance.execute", observability.TaskSpanAttributes{
		Task:        req.Task,
		Role:        req.Role,
		Model:       req.Options.Model,
		Temperature: req.Options.Temperature,
	})
	defer span.End()

	res := &Result{RequestID: requestID}
	fctx := faults.Context{Task: req.Task, RequestID: requestID, UserID: req.UserID}

	if req.Task == "" || strings.TrimSpace(req.Prompt) == "" {
		err := gerrors.NewValidationError("task and prompt are required", nil)
		g.reject(ctx, span, res, err, fctx)
		return res, nil
	}

	decision, err := g.admission.Attempt(ctx, req.Task, req.UserID, req.Role)
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("admission: %w", err)
	}
	res.Admission = decision
	if !decision.Allowed {
		res.Outcome = OutcomeDenied
		span.SetAttributes(
			attribute.String("governance.outcome", string(OutcomeDenied)),
			attribute.String("governance.denial_reason", decision.Reason),
		)
		return res, nil
	}

	start := g.now()
	copts := g.pinCacheKey(ctx, req)

	// Cache errors were logged by the cache and count as a miss.
	if cached, err := g.cache.Get(ctx, req.Task, req.Context, copts); err == nil && cached != nil {
		res.Outcome = OutcomeCached
		res.Response = cached
		g.finish(ctx, span, req.Task, monitor.RequestData{
			Task:      req.Task,
			Success:   true,
			LatencyMs: g.since(start),
			CacheHit:  true,
		})
		return res, nil
	}

	resp, err := g.generate(ctx, req, fctx)
	if err == nil {
		resp, err = g.validate(ctx, req, resp)
	}
	latency := g.since(start)
	if err != nil {
		g.fail(ctx, span, res, req, err, fctx, latency)
		return res, nil
	}
	if resp.Metadata.LatencyMs == 0 {
		resp.Metadata.LatencyMs = latency
	}

	_, _ = g.cache.Put(ctx, req.Task, req.Context, resp, copts)

	res.Outcome = OutcomeServed
	res.Response = resp
	g.finish(ctx, span, req.Task, monitor.RequestData{
		Task:          req.Task,
		Success:       true,
		LatencyMs:     latency,
		WasOverridden: resp.ModifiedBySafety,
		RiskFlags:     resp.RiskFlags,
	})
	return res, nil
}

func cacheOptions(req Request) cache.Options {
	return cache.Options{
		Model:         req.Options.Model,
		Temperature:   req.Options.Temperature,
		PromptVersion: req.PromptVersion,
		NoCache:       req.NoCache,
		NoStore:       req.NoStore,
	}
}

// pinCacheKey computes the entry key before the provider call. Put reuses it, so an
// invalidation that lands while the provider runs orphans the write.
func (g *Gateway) pinCacheKey(ctx context.Context, req Request) cache.Options {
	opts := cacheOptions(req)
	if !g.cache.IsCacheable(req.Task) {
		return opts
	}
	key, err := g.cache.Key(ctx, req.Task, req.Context, opts)
	if err != nil {
		// Get reports the same failure; without a key nothing is written.
		opts.NoStore = true
		return opts
	}
	opts.Key = key
	return opts
}

func (g *Gateway) since(start time.Time) int64 {
	return g.now().Sub(start).Milliseconds()
}

// generate calls the provider. Every failure leaves here as a *GovernedError.
func (g *Gateway) generate(ctx context.Context, req Request, fctx faults.Context) (*provider.Response, error) {
	resp, err := g.provider.Generate(ctx, req.Prompt, req.Options)
	switch {
	case err != nil:
		return nil, g.govern(err, fctx)
	case resp == nil:
		return nil, gerrors.NewProviderError("provider returned no response", nil)
	case !resp.Success:
		msg := resp.Error
		if msg == "" {
			msg = "provider reported failure"
		}
		return nil, g.govern(errors.New(msg), fctx)
	}
	return resp, nil
}

func (g *Gateway) govern(err error, fctx faults.Context) error {
	if gerrors.IsGoverned(err) {
		return err
	}
	class := g.classifier.Classify(err, fctx)
	return gerrors.Wrap(class.Category, "provider call failed", err)
}

func (g *Gateway) validate(ctx context.Context, req Request, resp *provider.Response) (*provider.Response, error) {
	out, err := g.validator.Validate(ctx, req.Task, req.Context, resp)
	if err != nil {
		if gerrors.IsGoverned(err) {
			return nil, err
		}
		return nil, gerrors.NewSafetyError("response failed safety validation", err)
	}
	if out == nil {
		return nil, gerrors.NewSafetyError("validator withheld the response", nil)
	}
	return out, nil
}

// reject handles a request refused before admission. It consumes no capacity and is
// not counted by the monitor.
func (g *Gateway) reject(ctx context.Context, span trace.Span, res *Result, err error, fctx faults.Context) {
	resp := g.classifier.Handle(ctx, err, fctx)
	res.Outcome = OutcomeFailed
	res.Failure = &resp
	observability.RecordError(span, err)
	span.SetAttributes(attribute.String("governance.outcome", string(OutcomeFailed)))
}

func (g *Gateway) fail(ctx context.Context, span trace.Span, res *Result, req Request, err error, fctx faults.Context, latency int64) {
	if req.NoCache {
		if prev := g.previous(ctx, req); prev != nil {
			fctx.CachedAvailable = true
			res.Stale = prev
		}
	}

	resp := g.classifier.Handle(ctx, err, fctx)
	if resp.Error.Recovery.Strategy != faults.StrategyCache {
		res.Stale = nil
	}
	res.Outcome = OutcomeFailed
	res.Failure = &resp

	g.metrics.ObserveFailure(string(resp.Error.Category), resp.Error.Severity.String())
	observability.RecordError(span, err)
	span.SetAttributes(
		attribute.String("governance.error_category", string(resp.Error.Category)),
		attribute.String("governance.recovery", string(resp.Error.Recovery.Strategy)),
	)
	g.finish(ctx, span, req.Task, monitor.RequestData{
		Task:      req.Task,
		Success:   false,
		LatencyMs: latency,
	})
}

// previous looks up the cached response a forced refresh bypassed.
func (g *Gateway) previous(ctx context.Context, req Request) *provider.Response {
	opts := cacheOptions(req)
	opts.NoCache = false
	prev, err := g.cache.Get(ctx, req.Task, req.Context, opts)
	if err != nil {
		return nil
	}
	return prev
}

// finish records the outcome with the monitor and the admission stats. It runs even
// when ctx was cancelled: a request that was admitted is always accounted for.
func (g *Gateway) finish(ctx context.Context, span trace.Span, task string, data monitor.RequestData) {
	rctx := context.WithoutCancel(ctx)

	outcome := OutcomeServed
	switch {
	case data.CacheHit:
		outcome = OutcomeCached
	case !data.Success:
		outcome = OutcomeFailed
	}
	span.SetAttributes(
		attribute.String("governance.outcome", string(outcome)),
		attribute.Bool("governance.cache_hit", data.CacheHit),
		attribute.Int64("governance.latency_ms", data.LatencyMs),
	)

	// Monitor errors are logged by the monitor and never fail the request.
	_ = g.monitor.RecordRequest(rctx, data)
	if err := g.admission.RecordOutcome(rctx, task, data.Success); err != nil {
		g.logger.WarnContext(ctx, "admission outcome not recorded", "task", task, "error", err)
	}
}

// InvalidatePatient makes every cached response for a patient unreachable.
func (g *Gateway) InvalidatePatient(ctx context.Context, patientID string) (cache.Invalidation, error) {
	return g.cache.InvalidatePatient(ctx, patientID)
}

// InvalidateTask makes every cached response for a task unreachable.
func (g *Gateway) InvalidateTask(ctx context.Context, task string) (cache.Invalidation, error) {
	return g.cache.InvalidateTask(ctx, task)
}

// ClearCache drops the entire response cache.
func (g *Gateway) ClearCache(ctx context.Context) (bool, error) {
	return g.cache.ClearAll(ctx)
}

// CacheStats returns process-local cache counters.
func (g *Gateway) CacheStats() cache.Stats {
	return g.cache.Stats()
}

// Dashboard returns the operations view.
func (g *Gateway) Dashboard(ctx context.Context) (monitor.Dashboard, error) {
	return g.monitor.GetDashboard(ctx)
}

// Metrics returns the monitor snapshot for period.
func (g *Gateway) Metrics(ctx context.Context, period monitor.Period) (monitor.Snapshot, error) {
	return g.monitor.GetMetrics(ctx, period)
}

// Alerts returns up to limit recent alerts, newest first.
func (g *Gateway) Alerts(ctx context.Context, limit int) ([]monitor.Alert, error) {
	return g.monitor.RecentAlerts(ctx, limit)
}

// Remaining reports admission capacity for a user and task.
func (g *Gateway) Remaining(ctx context.Context, task, userID, role string) (admission.Remaining, error) {
	if userID == "" {
		userID = anonymousUser
	}
	return g.admission.GetRemaining(ctx, task, userID, role)
}

// TaskStats returns a task's outcome counters for the day containing day.
func (g *Gateway) TaskStats(ctx context.Context, task string, day time.Time) (admission.TaskDayStats, error) {
	return g.admission.Stats(ctx, task, day)
}

// Ready checks the store and the provider.
func (g *Gateway) Ready(ctx context.Context) error {
	if err := g.store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if !g.provider.IsAvailable(ctx) {
		return errors.New("provider: unavailable")
	}
	return nil
}
