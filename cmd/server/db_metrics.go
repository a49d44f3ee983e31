package main

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/blueberrycongee/clinigate/internal/metrics"
)

// dbStatsProvider is implemented by the SQL-backed store.
type dbStatsProvider interface {
	DBStats() sql.DBStats
}

func startStorePoolMetrics(ctx context.Context, provider dbStatsProvider, m *metrics.Metrics, logger *slog.Logger, interval time.Duration) func() {
	if provider == nil || m == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	m.UpdateStorePool(provider.DBStats())

	stop := runEvery(ctx, interval, func(context.Context) {
		m.UpdateStorePool(provider.DBStats())
	})
	logger.Debug("store pool metrics updater started", "interval", interval.String())
	return stop
}
