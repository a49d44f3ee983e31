// Package faults classifies governed failures and plans their recovery.
// It holds no shared state: every call is a pure function of the failure, the request
// context and the current configuration.
package faults

import (
	"time"

	gerrors "github.com/blueberrycongee/clinigate/pkg/errors"
)

// Strategy is the policy-level recovery decision attached to a failure.
type Strategy string

// Recovery strategies.
const (
	StrategyRetry    Strategy = "retry"
	StrategyFallback Strategy = "fallback"
	StrategyCache    Strategy = "cache"
	StrategyDegrade  Strategy = "degrade"
	StrategyAbort    Strategy = "abort"
)

// Context describes the request a failure happened in.
type Context struct {
	Task      string
	RequestID string
	UserID    string

	// CachedAvailable is set when a previous response for the same request is still
	// retrievable and could be served instead.
	CachedAvailable bool

	Extra map[string]any
}

// Classification is the ephemeral result of classifying a failure.
type Classification struct {
	Code             string           `json:"code"`
	Category         gerrors.Category `json:"category"`
	Severity         gerrors.Severity `json:"severity"`
	UserMessage      string           `json:"user_message"`
	IsRetryable      bool             `json:"is_retryable"`
	RequiresFallback bool             `json:"requires_fallback"`
}

// RecoveryPlan tells the caller what to do next.
type RecoveryPlan struct {
	Strategy          Strategy `json:"strategy"`
	MaxRetries        int      `json:"max_retries"`
	RetryAfterSeconds int      `json:"retry_after_seconds"`
	Suggestions       []string `json:"suggestions"`
}

// ErrorDetail is the externally visible description of a failure.
type ErrorDetail struct {
	Code        string           `json:"code"`
	Category    gerrors.Category `json:"category"`
	Severity    gerrors.Severity `json:"severity"`
	Message     string           `json:"message"`
	UserMessage string           `json:"user_message"`
	Recovery    RecoveryPlan     `json:"recovery"`
	Timestamp   time.Time        `json:"timestamp"`
}

// Diagnostics are kept for internal logs and never serialized.
type Diagnostics struct {
	ErrorType string
	File      string
	Line      int
}

// Metadata accompanies an ErrorResponse.
type Metadata struct {
	Task        string      `json:"task,omitempty"`
	RequestID   string      `json:"request_id,omitempty"`
	Diagnostics Diagnostics `json:"-"`
}

// ErrorResponse is the structured result of handling a failure.
type ErrorResponse struct {
	Error    ErrorDetail `json:"error"`
	Metadata Metadata    `json:"metadata"`
}

var userMessages = map[gerrors.Category]string{
	gerrors.CategoryProvider:      "The AI assistant is temporarily unavailable. Please try again shortly.",
	gerrors.CategoryTimeout:       "The AI assistant took too long to respond. Please try again.",
	gerrors.CategoryRateLimit:     "Too many requests right now. Please wait a moment before trying again.",
	gerrors.CategoryValidation:    "The request could not be processed. Please check the information provided.",
	gerrors.CategorySafety:        "This response was withheld by safety checks. Please consult a clinician.",
	gerrors.CategoryConfiguration: "The AI assistant is not configured correctly. Please contact support.",
	gerrors.CategoryUnknown:       "An unexpected error occurred. Please try again or contact support.",
}

// UserMessage returns the fixed, non-technical message for a category.
func UserMessage(c gerrors.Category) string {
	if msg, ok := userMessages[c]; ok {
		return msg
	}
	return userMessages[gerrors.CategoryUnknown]
}

var baseSeverity = map[gerrors.Category]gerrors.Severity{
	gerrors.CategoryProvider:      gerrors.SeverityMedium,
	gerrors.CategoryTimeout:       gerrors.SeverityMedium,
	gerrors.CategoryRateLimit:     gerrors.SeverityMedium,
	gerrors.CategoryValidation:    gerrors.SeverityMedium,
	gerrors.CategorySafety:        gerrors.SeverityCritical,
	gerrors.CategoryConfiguration: gerrors.SeverityHigh,
	gerrors.CategoryUnknown:       gerrors.SeverityMedium,
}

var suggestions = map[gerrors.Category][]string{
	gerrors.CategoryProvider:      {"Retry after a short delay", "Route the request to a fallback provider"},
	gerrors.CategoryTimeout:       {"Retry with a shorter input or a longer timeout", "Route the request to a fallback provider"},
	gerrors.CategoryRateLimit:     {"Reduce request frequency", "Queue the request for later processing"},
	gerrors.CategoryValidation:    {"Rephrase or correct the input and resubmit"},
	gerrors.CategorySafety:        {"Do not retry automatically", "Escalate to a qualified clinician"},
	gerrors.CategoryConfiguration: {"Check the provider endpoint, model and credentials"},
	gerrors.CategoryUnknown:       {"Contact support if the problem persists"},
}

const manualReviewSuggestion = "Consider manual clinical review of this case"
