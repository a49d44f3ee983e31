package gateway

import (
	"context"

	"github.com/blueberrycongee/clinigate/internal/admission"
	"github.com/blueberrycongee/clinigate/internal/faults"
	"github.com/blueberrycongee/clinigate/pkg/provider"
)

// Request is one governed task invocation.
type Request struct {
	Task    string
	UserID  string
	Role    string
	Context map[string]any
	Prompt  string
	Options provider.Options

	// PromptVersion separates cache entries produced by different prompt templates.
	PromptVersion string
	// NoCache skips the cache lookup. The response is still stored unless NoStore is set.
	NoCache bool
	NoStore bool
}

// Outcome is how a request ended.
type Outcome string

// Outcomes.
const (
	OutcomeServed Outcome = "served"
	OutcomeCached Outcome = "cached"
	OutcomeDenied Outcome = "denied"
	OutcomeFailed Outcome = "failed"
)

// Result is the structured result of Execute. Exactly one of Response, a denied
// Admission or Failure describes the outcome.
type Result struct {
	Outcome   Outcome               `json:"outcome"`
	RequestID string                `json:"request_id"`
	Response  *provider.Response    `json:"response,omitempty"`
	Admission admission.Result      `json:"admission"`
	Failure   *faults.ErrorResponse `json:"failure,omitempty"`

	// Stale is a previously cached response for the same request, offered when the
	// recovery strategy is to serve from cache.
	Stale *provider.Response `json:"stale,omitempty"`
}

// OK reports whether the request produced a response.
func (r *Result) OK() bool {
	return r != nil && (r.Outcome == OutcomeServed || r.Outcome == OutcomeCached)
}

// Validator checks a provider response before it is cached or returned. It may return a
// modified response with ModifiedBySafety and RiskFlags set. A returned error fails the
// request.
type Validator interface {
	Validate(ctx context.Context, task string, reqCtx map[string]any, resp *provider.Response) (*provider.Response, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, task string, reqCtx map[string]any, resp *provider.Response) (*provider.Response, error)

// Validate calls f.
func (f ValidatorFunc) Validate(ctx context.Context, task string, reqCtx map[string]any, resp *provider.Response) (*provider.Response, error) {
	return f(ctx, task, reqCtx, resp)
}

type passthrough struct{}

func (passthrough) Validate(_ context.Context, _ string, _ map[string]any, resp *provider.Response) (*provider.Response, error) {
	return resp, nil
}
