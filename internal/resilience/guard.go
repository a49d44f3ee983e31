package resilience

import (
	"context"
	"log/slog"
	"time"

	gerrors "github.com/blueberrycongee/clinigate/pkg/errors"
	"github.com/blueberrycongee/clinigate/pkg/provider"
)

// Guard wraps a provider with a circuit breaker and a concurrency cap.
// Only provider and timeout failures count against the circuit; validation, safety,
// rate-limit and configuration failures say nothing about backend health.
type Guard struct {
	next    provider.Provider
	breaker *CircuitBreaker
	slots   chan struct{}
	logger  *slog.Logger
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithClock overrides the breaker clock.
func WithClock(now func() time.Time) GuardOption {
	return func(g *Guard) {
		if now != nil {
			g.breaker.now = now
		}
	}
}

// WithStateChange observes circuit transitions.
func WithStateChange(fn func(name string, from, to CircuitState)) GuardOption {
	return func(g *Guard) {
		g.breaker.onStateChange = fn
	}
}

// NewGuard wraps next. A disabled config returns next unchanged.
func NewGuard(next provider.Provider, name string, cfg Config, opts ...GuardOption) provider.Provider {
	if !cfg.Enabled {
		return next
	}
	g := &Guard{
		next:    next,
		breaker: NewCircuitBreaker(name, cfg),
		logger:  slog.Default(),
	}
	if cfg.MaxConcurrent > 0 {
		g.slots = make(chan struct{}, cfg.MaxConcurrent)
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.breaker.onStateChange == nil {
		g.breaker.onStateChange = func(name string, from, to CircuitState) {
			g.logger.Warn("provider circuit state changed", "provider", name, "from", from.String(), "to", to.String())
		}
	}
	return g
}

// Generate forwards to the wrapped provider unless no slot frees up before ctx ends or
// the circuit is open. The slot is taken first; every call the breaker allows must
// record a result.
func (g *Guard) Generate(ctx context.Context, prompt string, opts provider.Options) (*provider.Response, error) {
	if g.slots != nil {
		select {
		case g.slots <- struct{}{}:
			defer func() { <-g.slots }()
		case <-ctx.Done():
			return nil, gerrors.NewTimeoutError("waiting for a free model backend slot", ctx.Err())
		}
	}

	if !g.breaker.Allow() {
		return nil, gerrors.NewProviderError("model backend temporarily unavailable", ErrCircuitOpen).
			WithContext("circuit", g.breaker.Name())
	}

	resp, err := g.next.Generate(ctx, prompt, opts)
	switch {
	case err != nil:
		g.record(err)
	case resp != nil && !resp.Success:
		g.breaker.RecordFailure()
	default:
		g.breaker.RecordSuccess()
	}
	return resp, err
}

func (g *Guard) record(err error) {
	ge, ok := gerrors.AsGoverned(err)
	if !ok {
		g.breaker.RecordFailure()
		return
	}
	switch ge.Category {
	case gerrors.CategoryProvider, gerrors.CategoryTimeout:
		g.breaker.RecordFailure()
	default:
		// The backend answered; the request itself was the problem.
		g.breaker.RecordSuccess()
	}
}

// IsAvailable reports false while the circuit is open.
func (g *Guard) IsAvailable(ctx context.Context) bool {
	if g.breaker.State() == StateOpen {
		return false
	}
	return g.next.IsAvailable(ctx)
}

// ListModels forwards to the wrapped provider.
func (g *Guard) ListModels(ctx context.Context) ([]string, error) {
	return g.next.ListModels(ctx)
}

// State returns the circuit state.
func (g *Guard) State() CircuitState {
	return g.breaker.State()
}
