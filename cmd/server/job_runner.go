package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/blueberrycongee/clinigate/internal/monitor"
)

type healthSweeper interface {
	Sweep(ctx context.Context) (monitor.Health, error)
}

// startHealthSweep refreshes the health gauges and health alerts on a fixed interval,
// so an idle instance still reports a degrading hour.
func startHealthSweep(ctx context.Context, sweeper healthSweeper, logger *slog.Logger, interval time.Duration) func() {
	if sweeper == nil {
		return func() {}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}

	stop := runEvery(ctx, interval, func(ctx context.Context) {
		health, err := sweeper.Sweep(ctx)
		if err != nil {
			logger.WarnContext(ctx, "health sweep failed", "error", err)
			return
		}
		logger.DebugContext(ctx, "health sweep", "score", health.Score, "status", health.Status)
	})
	logger.Debug("health sweep started", "interval", interval.String())
	return stop
}

// runEvery calls fn on every tick until ctx is done or the returned stop is called.
func runEvery(ctx context.Context, interval time.Duration, fn func(context.Context)) func() {
	if ctx == nil {
		ctx = context.Background()
	}
	ticker := time.NewTicker(interval)
	stopCh := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() { close(stopCh) })
	}

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn(ctx)
			case <-ctx.Done():
				stop()
				return
			case <-stopCh:
				return
			}
		}
	}()
	return stop
}
