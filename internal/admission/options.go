package admission

import (
	"log/slog"
	"time"

	"github.com/blueberrycongee/clinigate/internal/metrics"
)

// Option configures the admission controller.
type Option func(*Controller)

// WithLogger sets the logger for admission diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithMetrics records decisions in Prometheus.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithClock overrides the time source used for windows.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}
