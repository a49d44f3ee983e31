package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/blueberrycongee/clinigate/internal/api"
	"github.com/blueberrycongee/clinigate/internal/config"
	"github.com/blueberrycongee/clinigate/internal/metrics"
	"github.com/blueberrycongee/clinigate/internal/observability"
)

const (
	healthSweepInterval = time.Minute
	storePoolInterval   = 30 * time.Second
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the governance gateway HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, *configPath)
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	bootLogger := observability.NewLogger(observability.DefaultLoggerConfig(), os.Stdout)
	cfgManager, err := config.NewManager(configPath, bootLogger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer func() { _ = cfgManager.Close() }()

	cfg := cfgManager.Get()
	logger := observability.NewLogger(cfg.Logging, os.Stdout)
	logger.Info("starting clinigate", "version", version, "config", configPath)

	tp, err := observability.InitTracing(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	var (
		m   *metrics.Metrics
		reg *prometheus.Registry
	)
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.New(reg)
	}

	a, err := buildApp(ctx, cfg, appOptions{logger: logger, metrics: m, tracer: tp.Tracer()})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}()

	reloader := newConfigReloader(logger, a.reloadables.Apply)
	cfgManager.OnChange(reloader.Reload)
	if err := cfgManager.Watch(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	}

	stopSweep := startHealthSweep(ctx, a.monitor, logger, healthSweepInterval)
	defer stopSweep()
	if pool, ok := a.store.(dbStatsProvider); ok && m != nil {
		if stop := startStorePoolMetrics(ctx, pool, m, logger, storePoolInterval); stop != nil {
			defer stop()
		}
	}

	handlerOpts := []api.Option{
		api.WithLogger(logger),
		api.WithConfigManager(cfgManager),
		api.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
	}
	if m != nil {
		handlerOpts = append(handlerOpts, api.WithMetrics(m, reg, cfg.Metrics.Path))
	}
	handler := api.NewHandler(a.gateway, handlerOpts...)

	middleware, err := buildMiddlewareStack(cfg)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      middleware(handler.Mux()),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", cfg.Server.Port, "store", cfg.Store.Type)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
	return nil
}
