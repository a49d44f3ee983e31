// Package errors defines the governed failure taxonomy.
// Every failure raised at the provider boundary is converted into a GovernedError
// carrying an explicit category, so classification never depends on error class names.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Category is the governance failure category.
type Category string

// Failure categories.
const (
	CategoryProvider      Category = "provider"
	CategoryTimeout       Category = "timeout"
	CategoryRateLimit     Category = "rate_limit"
	CategoryValidation    Category = "validation"
	CategorySafety        Category = "safety"
	CategoryConfiguration Category = "configuration"
	CategoryUnknown       Category = "unknown"
)

// Categories lists every category in a stable order.
var Categories = []Category{
	CategoryProvider,
	CategoryTimeout,
	CategoryRateLimit,
	CategoryValidation,
	CategorySafety,
	CategoryConfiguration,
	CategoryUnknown,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Retryable reports whether failures of this category may succeed on a later attempt.
func (c Category) Retryable() bool {
	switch c {
	case CategoryTimeout, CategoryProvider, CategoryRateLimit:
		return true
	default:
		return false
	}
}

// RequiresFallback reports whether failures of this category should be routed to an
// alternative path instead of the same provider.
func (c Category) RequiresFallback() bool {
	switch c {
	case CategoryProvider, CategoryTimeout, CategoryConfiguration:
		return true
	default:
		return false
	}
}

// Code returns the stable machine-readable error code for the category.
func (c Category) Code() string {
	if c == "" {
		c = CategoryUnknown
	}
	return strings.ToUpper(string(c)) + "_ERROR"
}

// Severity orders failures by real-world consequence.
type Severity int

// Severity levels, lowest first.
const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the lowercase severity name.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a severity name.
func (s *Severity) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "low":
		*s = SeverityLow
	case "medium":
		*s = SeverityMedium
	case "high":
		*s = SeverityHigh
	case "critical":
		*s = SeverityCritical
	default:
		return fmt.Errorf("unknown severity %q", text)
	}
	return nil
}

// Escalate raises the severity by one level, saturating at critical.
func (s Severity) Escalate() Severity {
	if s >= SeverityCritical {
		return SeverityCritical
	}
	return s + 1
}

// GovernedError is a failure that belongs to the governance taxonomy.
type GovernedError struct {
	Code       string         `json:"code"`
	Category   Category       `json:"category"`
	Message    string         `json:"message"`
	Context    map[string]any `json:"context,omitempty"`
	StatusCode int            `json:"status_code,omitempty"`
	Cause      error          `json:"-"`
}

// Error implements the error interface.
func (e *GovernedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Category, e.Message)
}

// Unwrap returns the underlying cause.
func (e *GovernedError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the failure may succeed on a later attempt.
func (e *GovernedError) Retryable() bool {
	return e.Category.Retryable()
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *GovernedError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return StatusForCategory(e.Category)
}

// WithContext returns a copy of e with key set in its context.
func (e *GovernedError) WithContext(key string, value any) *GovernedError {
	cp := *e
	cp.Context = make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		cp.Context[k] = v
	}
	cp.Context[key] = value
	return &cp
}

// New creates a governed error of the given category.
func New(category Category, message string) *GovernedError {
	if !category.Valid() {
		category = CategoryUnknown
	}
	return &GovernedError{
		Code:     category.Code(),
		Category: category,
		Message:  message,
	}
}

// Wrap creates a governed error that keeps cause in its chain.
func Wrap(category Category, message string, cause error) *GovernedError {
	e := New(category, message)
	e.Cause = cause
	return e
}

// NewProviderError creates a provider error (502).
func NewProviderError(message string, cause error) *GovernedError {
	return Wrap(CategoryProvider, message, cause)
}

// NewTimeoutError creates a timeout error (504).
func NewTimeoutError(message string, cause error) *GovernedError {
	return Wrap(CategoryTimeout, message, cause)
}

// NewRateLimitError creates a rate limit error (429).
func NewRateLimitError(message string, cause error) *GovernedError {
	return Wrap(CategoryRateLimit, message, cause)
}

// NewValidationError creates a validation error (400).
func NewValidationError(message string, cause error) *GovernedError {
	return Wrap(CategoryValidation, message, cause)
}

// NewSafetyError creates a safety error (422).
func NewSafetyError(message string, cause error) *GovernedError {
	return Wrap(CategorySafety, message, cause)
}

// NewConfigurationError creates a configuration error (500).
func NewConfigurationError(message string, cause error) *GovernedError {
	return Wrap(CategoryConfiguration, message, cause)
}

// AsGoverned extracts a GovernedError from err's chain.
func AsGoverned(err error) (*GovernedError, bool) {
	var ge *GovernedError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// IsGoverned reports whether err belongs to the governance taxonomy.
func IsGoverned(err error) bool {
	_, ok := AsGoverned(err)
	return ok
}

// StatusForCategory maps a category to the HTTP status returned to API callers.
func StatusForCategory(c Category) int {
	switch c {
	case CategoryProvider:
		return http.StatusBadGateway
	case CategoryTimeout:
		return http.StatusGatewayTimeout
	case CategoryRateLimit:
		return http.StatusTooManyRequests
	case CategoryValidation:
		return http.StatusBadRequest
	case CategorySafety:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// CategoryForStatus maps an upstream HTTP status to a category.
// A 422 is only a safety failure when the backend marked it as such.
func CategoryForStatus(statusCode int, safetyMarked bool) Category {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return CategoryRateLimit
	case statusCode == http.StatusRequestTimeout, statusCode == http.StatusGatewayTimeout:
		return CategoryTimeout
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden,
		statusCode == http.StatusNotFound:
		return CategoryConfiguration
	case statusCode == http.StatusUnprocessableEntity && safetyMarked:
		return CategorySafety
	case statusCode >= 500:
		return CategoryProvider
	case statusCode >= 400:
		return CategoryValidation
	default:
		return CategoryUnknown
	}
}
