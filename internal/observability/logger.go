// Package observability provides structured logging with PHI redaction, request ID
// propagation and OpenTelemetry tracing.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LevelCritical sits above slog.LevelError and is used for critical-severity failures.
const LevelCritical = slog.LevelError + 4

// LoggerConfig contains configuration for the logger.
type LoggerConfig struct {
	Level     string `yaml:"level"`      // debug, info, warn, error, critical
	Format    string `yaml:"format"`     // json or text
	AddSource bool   `yaml:"add_source"` // include file:line
	Redact    bool   `yaml:"redact"`     // mask PHI in messages and string attributes
}

// DefaultLoggerConfig returns sensible defaults.
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{
		Level:  "info",
		Format: "json",
		Redact: true,
	}
}

// ParseLevel converts a level name to a slog.Level. Unknown names map to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "critical":
		return LevelCritical
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds a slog.Logger writing to out (stdout when nil).
func NewLogger(cfg LoggerConfig, out io.Writer) *slog.Logger {
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{
		Level:       ParseLevel(cfg.Level),
		AddSource:   cfg.AddSource,
		ReplaceAttr: replaceLevel,
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	var redactor *Redactor
	if cfg.Redact {
		redactor = NewRedactor()
	}
	return slog.New(&contextHandler{Handler: handler, redactor: redactor})
}

// replaceLevel renders LevelCritical as CRITICAL instead of ERROR+4.
func replaceLevel(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && lvl >= LevelCritical {
		a.Value = slog.StringValue("CRITICAL")
	}
	return a
}

// contextHandler adds the request ID from context and masks PHI before delegating.
type contextHandler struct {
	slog.Handler
	redactor *Redactor
}

func (h *contextHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := rec.Clone()
	if h.redactor != nil {
		out = slog.NewRecord(rec.Time, rec.Level, h.redactor.Redact(rec.Message), rec.PC)
		rec.Attrs(func(a slog.Attr) bool {
			out.AddAttrs(h.redactAttr(a))
			return true
		})
	}
	if id := RequestIDFromContext(ctx); id != "" {
		out.AddAttrs(slog.String("request_id", id))
	}
	return h.Handler.Handle(ctx, out)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if h.redactor != nil {
		redacted := make([]slog.Attr, len(attrs))
		for i, a := range attrs {
			redacted[i] = h.redactAttr(a)
		}
		attrs = redacted
	}
	return &contextHandler{Handler: h.Handler.WithAttrs(attrs), redactor: h.redactor}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithGroup(name), redactor: h.redactor}
}

func (h *contextHandler) redactAttr(a slog.Attr) slog.Attr {
	if h.redactor.SensitiveKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.redactor.Redact(a.Value.String()))
	case slog.KindGroup:
		group := a.Value.Group()
		out := make([]any, len(group))
		for i, g := range group {
			out[i] = h.redactAttr(g)
		}
		return slog.Group(a.Key, out...)
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			return slog.String(a.Key, h.redactor.Redact(err.Error()))
		}
	}
	return a
}
