package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/blueberrycongee/clinigate/internal/admission"
	"github.com/blueberrycongee/clinigate/internal/cache"
	"github.com/blueberrycongee/clinigate/internal/config"
	"github.com/blueberrycongee/clinigate/internal/faults"
	"github.com/blueberrycongee/clinigate/internal/gateway"
	"github.com/blueberrycongee/clinigate/internal/metrics"
	"github.com/blueberrycongee/clinigate/internal/monitor"
	"github.com/blueberrycongee/clinigate/internal/provider/httpprovider"
	"github.com/blueberrycongee/clinigate/internal/resilience"
	"github.com/blueberrycongee/clinigate/internal/secret"
	"github.com/blueberrycongee/clinigate/internal/store"
	pkgprovider "github.com/blueberrycongee/clinigate/pkg/provider"
	pkgstore "github.com/blueberrycongee/clinigate/pkg/store"
)

var errNilConfig = errors.New("config is required")

const providerCircuitName = "model-backend"

// app holds the components wired from one configuration.
type app struct {
	secrets     *secret.Manager
	store       pkgstore.Store
	gateway     *gateway.Gateway
	monitor     *monitor.Monitor
	reloadables config.Reloadables
}

type appOptions struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	store    pkgstore.Store
	provider pkgprovider.Provider
}

func buildApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	if cfg == nil {
		return nil, errNilConfig
	}
	logger := opts.logger
	if logger == nil {
		logger = slog.Default()
	}

	secrets, err := secret.NewManagerFromConfig(cfg.Secrets, logger)
	if err != nil {
		return nil, err
	}
	cfg, err = cfg.WithResolvedSecrets(ctx, secrets)
	if err != nil {
		_ = secrets.Close()
		return nil, fmt.Errorf("resolve secrets: %w", err)
	}

	st := opts.store
	if st == nil {
		st, err = store.Open(ctx, cfg.Store)
		if err != nil {
			_ = secrets.Close()
			return nil, fmt.Errorf("open store: %w", err)
		}
		logger.Info("shared store opened", "type", cfg.Store.Type)
	}

	prov := opts.provider
	if prov == nil {
		client, err := httpprovider.New(cfg.Provider, httpprovider.WithLogger(logger))
		if err != nil {
			_ = st.Close()
			_ = secrets.Close()
			return nil, fmt.Errorf("create provider: %w", err)
		}
		prov = client
	}
	prov = resilience.NewGuard(prov, providerCircuitName, cfg.Resilience,
		resilience.WithLogger(logger),
		resilience.WithStateChange(func(name string, from, to resilience.CircuitState) {
			logger.Warn("provider circuit state changed", "provider", name, "from", from.String(), "to", to.String())
			opts.metrics.SetProviderCircuit(name, int(to))
		}),
	)
	if cfg.Resilience.Enabled {
		opts.metrics.SetProviderCircuit(providerCircuitName, int(resilience.StateClosed))
	}

	monOpts := []monitor.Option{monitor.WithLogger(logger), monitor.WithMetrics(opts.metrics)}
	if n := monitor.NewSlackNotifier(cfg.Alerts.Slack); n != nil {
		monOpts = append(monOpts, monitor.WithNotifier(n))
		logger.Info("slack alert notifier enabled", "min_severity", cfg.Alerts.Slack.MinSeverity)
	}

	a := &app{secrets: secrets, store: st}
	a.reloadables = config.Reloadables{
		Admission:  admission.New(st, cfg.Admission, admission.WithLogger(logger), admission.WithMetrics(opts.metrics)),
		Cache:      cache.New(st, cfg.Cache, cache.WithLogger(logger), cache.WithMetrics(opts.metrics)),
		Monitor:    monitor.New(st, cfg.Monitor, monOpts...),
		Classifier: faults.New(cfg.Faults, faults.WithLogger(logger)),
	}
	a.monitor = a.reloadables.Monitor

	gwOpts := []gateway.Option{gateway.WithLogger(logger), gateway.WithMetrics(opts.metrics)}
	if opts.tracer != nil {
		gwOpts = append(gwOpts, gateway.WithTracer(opts.tracer))
	}
	gw, err := gateway.New(gateway.Deps{
		Store:      st,
		Provider:   prov,
		Admission:  a.reloadables.Admission,
		Cache:      a.reloadables.Cache,
		Monitor:    a.reloadables.Monitor,
		Classifier: a.reloadables.Classifier,
	}, gwOpts...)
	if err != nil {
		_ = st.Close()
		_ = secrets.Close()
		return nil, err
	}
	a.gateway = gw
	return a, nil
}

// Close waits for pending alert notifications, then closes the store and secret backends.
func (a *app) Close() error {
	a.monitor.Flush()
	return errors.Join(a.store.Close(), a.secrets.Close())
}
