package main

import (
	"log/slog"
	"sync/atomic"

	"github.com/blueberrycongee/clinigate/internal/config"
)

type configReloader struct {
	logger     *slog.Logger
	apply      func(*config.Config)
	pending    atomic.Pointer[config.Config]
	inProgress atomic.Bool
	applied    atomic.Int64
}

func newConfigReloader(logger *slog.Logger, apply func(*config.Config)) *configReloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &configReloader{
		logger: logger,
		apply:  apply,
	}
}

// Reload pushes cfg into the running components. Store, provider and server
// settings are only read at startup.
//
// Overlapping reloads coalesce: the caller already applying keeps going until no newer
// config is pending, so the components end on the latest one.
func (r *configReloader) Reload(cfg *config.Config) {
	if cfg == nil {
		r.logger.Error("failed to apply governance config", "error", "nil config")
		return
	}
	r.pending.Store(cfg)

	for r.inProgress.CompareAndSwap(false, true) {
		for next := r.pending.Swap(nil); next != nil; next = r.pending.Swap(nil) {
			r.applyOne(next)
		}
		r.inProgress.Store(false)
		if r.pending.Load() == nil {
			return
		}
	}
	r.logger.Debug("governance config reload queued behind the running one")
}

func (r *configReloader) applyOne(cfg *config.Config) {
	r.apply(cfg)
	r.applied.Add(1)

	r.logger.Info("governance config applied",
		"admission_enabled", cfg.Admission.Enabled,
		"task_limits", len(cfg.Admission.TaskPerMinute),
		"cache_enabled", cfg.Cache.Enabled,
	)
}
