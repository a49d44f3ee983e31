// Package provider defines the contract between the governance layer and the external
// inference backend that produces clinical decision-support text.
package provider

import (
	"context"
	"time"
)

// Provider is the external inference backend.
//
// Generate returns an error for transport and backend failures; a nil error with
// Response.Success == false is a backend-reported failure carried in Response.Error.
type Provider interface {
	// Generate produces a completion for prompt.
	Generate(ctx context.Context, prompt string, opts Options) (*Response, error)

	// IsAvailable reports whether the backend is reachable.
	IsAvailable(ctx context.Context) bool

	// ListModels returns the models the backend can serve.
	ListModels(ctx context.Context) ([]string, error)
}

// Options are per-request generation parameters.
type Options struct {
	Model       string         `json:"model,omitempty" yaml:"model"`
	Temperature float64        `json:"temperature" yaml:"temperature"`
	MaxTokens   int            `json:"max_tokens,omitempty" yaml:"max_tokens"`
	Extra       map[string]any `json:"extra,omitempty" yaml:"extra"`
}

// Response is the backend's answer plus governance metadata.
type Response struct {
	Success  bool     `json:"success"`
	Content  string   `json:"response"`
	Error    string   `json:"error,omitempty"`
	Model    string   `json:"model,omitempty"`
	Metadata Metadata `json:"metadata"`

	// ModifiedBySafety is set by validation when the content was altered.
	// Such responses are never cached.
	ModifiedBySafety bool `json:"modified_by_safety,omitempty"`
	// RiskFlags lists safety findings raised during validation.
	RiskFlags []string `json:"risk_flags,omitempty"`
}

// Metadata describes how a response was produced.
type Metadata struct {
	LatencyMs    int64     `json:"latency_ms"`
	Model        string    `json:"model,omitempty"`
	PromptTokens int       `json:"prompt_tokens,omitempty"`
	OutputTokens int       `json:"output_tokens,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
}

// Clone returns a deep copy of r.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	out := *r
	if r.RiskFlags != nil {
		out.RiskFlags = append([]string(nil), r.RiskFlags...)
	}
	return &out
}
