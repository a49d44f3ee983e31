package faults

import (
	"context"
	stdjson "encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"runtime"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/clinigate/internal/observability"
	gerrors "github.com/blueberrycongee/clinigate/pkg/errors"
)

// Classifier turns failures into classifications, recovery plans and error responses.
type Classifier struct {
	cfg      atomic.Pointer[compiled]
	logger   *slog.Logger
	redactor *observability.Redactor
	now      func() time.Time
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithLogger sets the logger used by Handle.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Classifier) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a classifier.
func New(cfg Config, opts ...Option) *Classifier {
	c := &Classifier{
		logger:   slog.Default(),
		redactor: observability.NewRedactor(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cfg.Store(compile(cfg))
	return c
}

// UpdateConfig swaps the configuration used by subsequent calls.
func (c *Classifier) UpdateConfig(cfg Config) {
	c.cfg.Store(compile(cfg))
}

// IsClinical reports whether task is in the clinically sensitive set.
func (c *Classifier) IsClinical(task string) bool {
	return c.cfg.Load().isClinical(task)
}

// Handle classifies err, plans recovery and logs at a severity-derived level.
// It never panics and never returns the original failure.
func (c *Classifier) Handle(ctx context.Context, err error, fctx Context) ErrorResponse {
	if err == nil {
		err = errors.New("unspecified failure")
	}
	class := c.Classify(err, fctx)
	plan := c.DetermineRecovery(class, fctx)

	requestID := fctx.RequestID
	if requestID == "" {
		requestID = observability.RequestIDFromContext(ctx)
	}

	diag := Diagnostics{ErrorType: rootType(err)}
	if _, file, line, ok := runtime.Caller(1); ok {
		diag.File, diag.Line = file, line
	}

	resp := ErrorResponse{
		Error: ErrorDetail{
			Code:        class.Code,
			Category:    class.Category,
			Severity:    class.Severity,
			Message:     c.redactor.Redact(err.Error()),
			UserMessage: class.UserMessage,
			Recovery:    plan,
			Timestamp:   c.now().UTC(),
		},
		Metadata: Metadata{
			Task:        fctx.Task,
			RequestID:   requestID,
			Diagnostics: diag,
		},
	}

	c.logger.Log(ctx, LogLevel(class.Severity), "governed failure",
		"task", fctx.Task,
		"request_id", requestID,
		"code", class.Code,
		"category", string(class.Category),
		"severity", class.Severity.String(),
		"strategy", string(plan.Strategy),
		"error", resp.Error.Message,
		"error_type", diag.ErrorType,
		"caller", fmt.Sprintf("%s:%d", diag.File, diag.Line),
	)
	return resp
}

// Classify derives category and severity for err.
func (c *Classifier) Classify(err error, fctx Context) Classification {
	cfg := c.cfg.Load()
	category := categorize(err)

	severity, ok := baseSeverity[category]
	if !ok {
		severity = gerrors.SeverityMedium
	}
	if category == gerrors.CategorySafety {
		severity = gerrors.SeverityCritical
	} else if cfg.isClinical(fctx.Task) {
		severity = severity.Escalate()
	}

	code := category.Code()
	if ge, ok := gerrors.AsGoverned(err); ok && ge.Code != "" && ge.Category == category {
		code = ge.Code
	}

	return Classification{
		Code:             code,
		Category:         category,
		Severity:         severity,
		UserMessage:      UserMessage(category),
		IsRetryable:      category.Retryable(),
		RequiresFallback: category.RequiresFallback(),
	}
}

// DetermineRecovery builds the recovery plan for a classification.
func (c *Classifier) DetermineRecovery(class Classification, fctx Context) RecoveryPlan {
	cfg := c.cfg.Load()
	plan := RecoveryPlan{Strategy: StrategyAbort}

	if class.IsRetryable {
		plan.Strategy = StrategyRetry
		plan.MaxRetries = cfg.maxRetries
		plan.RetryAfterSeconds = cfg.retryAfterSeconds(class.Category)
	}
	if class.RequiresFallback {
		plan.Strategy = StrategyFallback
	}
	if class.Category == gerrors.CategoryRateLimit {
		plan.Strategy = StrategyDegrade
	}
	if fctx.CachedAvailable && class.IsRetryable {
		plan.Strategy = StrategyCache
		plan.Suggestions = append(plan.Suggestions, "Serve the most recent cached response")
	}

	plan.Suggestions = append(plan.Suggestions, suggestions[class.Category]...)
	if cfg.isClinical(fctx.Task) {
		plan.Suggestions = append(plan.Suggestions, manualReviewSuggestion)
	}
	return plan
}

// CreateException builds a governed failure for callers that need to raise one.
func (c *Classifier) CreateException(message string, category gerrors.Category, fctx Context) *gerrors.GovernedError {
	ge := gerrors.New(category, message)
	ge.Context = map[string]any{}
	if fctx.Task != "" {
		ge.Context["task"] = fctx.Task
	}
	if fctx.RequestID != "" {
		ge.Context["request_id"] = fctx.RequestID
	}
	for k, v := range fctx.Extra {
		ge.Context[k] = v
	}
	return ge
}

// IsGovernedFailure reports whether err belongs to the governance taxonomy.
func (c *Classifier) IsGovernedFailure(err error) bool {
	return gerrors.IsGoverned(err)
}

// LogLevel maps a severity to the slog level it is logged at.
func LogLevel(s gerrors.Severity) slog.Level {
	switch s {
	case gerrors.SeverityCritical:
		return observability.LevelCritical
	case gerrors.SeverityHigh:
		return slog.LevelError
	case gerrors.SeverityMedium:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

var messageRules = []struct {
	category gerrors.Category
	needles  []string
}{
	{gerrors.CategoryTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{gerrors.CategoryRateLimit, []string{"rate limit", "too many requests", "429"}},
	{gerrors.CategorySafety, []string{"safety", "unsafe", "guardrail"}},
	{gerrors.CategoryValidation, []string{"validation", "invalid"}},
	{gerrors.CategoryConfiguration, []string{"configuration", "config", "api key", "not configured"}},
}

// categorize applies, in order, the explicit tag, message rules and the structural type.
func categorize(err error) gerrors.Category {
	if ge, ok := gerrors.AsGoverned(err); ok && ge.Category.Valid() && ge.Category != gerrors.CategoryUnknown {
		return ge.Category
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range messageRules {
		for _, needle := range rule.needles {
			if strings.Contains(msg, needle) {
				return rule.category
			}
		}
	}

	return categorizeByType(err)
}

func categorizeByType(err error) gerrors.Category {
	if errors.Is(err, context.DeadlineExceeded) {
		return gerrors.CategoryTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return gerrors.CategoryTimeout
	}

	var (
		opErr  *net.OpError
		urlErr *url.Error
		dnsErr *net.DNSError
	)
	switch {
	case errors.As(err, &opErr), errors.As(err, &urlErr), errors.As(err, &dnsErr):
		return gerrors.CategoryProvider
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.ErrUnexpectedEOF):
		return gerrors.CategoryProvider
	}

	var (
		syntaxErr   *stdjson.SyntaxError
		typeErr     *stdjson.UnmarshalTypeError
		goSyntaxErr *json.SyntaxError
		goTypeErr   *json.UnmarshalTypeError
	)
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) ||
		errors.As(err, &goSyntaxErr) || errors.As(err, &goTypeErr) {
		return gerrors.CategoryValidation
	}

	return gerrors.CategoryUnknown
}

// rootType names the innermost error type for diagnostics.
func rootType(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return fmt.Sprintf("%T", err)
		}
		err = next
	}
}
