package api //nolint:revive // package name is intentional

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/clinigate/internal/admission"
	"github.com/blueberrycongee/clinigate/internal/gateway"
	gerrors "github.com/blueberrycongee/clinigate/pkg/errors"
	"github.com/blueberrycongee/clinigate/pkg/provider"
)

type taskRequest struct {
	UserID        string           `json:"user_id"`
	Role          string           `json:"role"`
	Context       map[string]any   `json:"context"`
	Prompt        string           `json:"prompt"`
	Options       provider.Options `json:"options"`
	PromptVersion string           `json:"prompt_version,omitempty"`
	NoCache       bool             `json:"no_cache,omitempty"`
	NoStore       bool             `json:"no_store,omitempty"`
}

// deniedResponse is the body of a 429.
type deniedResponse struct {
	Error      ErrorDetail         `json:"error"`
	RequestID  string              `json:"request_id"`
	Reason     string              `json:"reason"`
	RetryAfter int64               `json:"retry_after"`
	Limits     admission.Remaining `json:"limits"`
}

// ExecuteTask handles POST /v1/tasks/{task}.
func (h *Handler) ExecuteTask(w http.ResponseWriter, r *http.Request) {
	task := r.PathValue("task")

	body := http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	var req taskRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			h.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, io.EOF):
			h.writeError(w, http.StatusBadRequest, "request body is required")
		default:
			h.writeError(w, http.StatusBadRequest, "invalid request body")
		}
		return
	}

	res, err := h.gateway.Execute(r.Context(), gateway.Request{
		Task:          task,
		UserID:        req.UserID,
		Role:          req.Role,
		Context:       req.Context,
		Prompt:        req.Prompt,
		Options:       req.Options,
		PromptVersion: req.PromptVersion,
		NoCache:       req.NoCache,
		NoStore:       req.NoStore,
	})
	if err != nil {
		h.logger.ErrorContext(r.Context(), "admission unavailable", "task", task, "error", err)
		h.writeError(w, http.StatusServiceUnavailable, "admission control unavailable")
		return
	}

	for k, v := range admission.Headers(res.Admission.Limits) {
		w.Header().Set(k, v)
	}

	switch res.Outcome {
	case gateway.OutcomeDenied:
		w.Header().Set("Retry-After", strconv.FormatInt(res.Admission.RetryAfter, 10))
		h.writeJSON(w, http.StatusTooManyRequests, deniedResponse{
			Error: ErrorDetail{
				Message: "request limit reached",
				Type:    "rate_limit_error",
				Code:    res.Admission.Reason,
			},
			RequestID:  res.RequestID,
			Reason:     res.Admission.Reason,
			RetryAfter: res.Admission.RetryAfter,
			Limits:     res.Admission.Limits,
		})
	case gateway.OutcomeFailed:
		status := gerrors.StatusForCategory(res.Failure.Error.Category)
		if secs := res.Failure.Error.Recovery.RetryAfterSeconds; secs > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		h.writeJSON(w, status, res)
	default:
		h.writeJSON(w, http.StatusOK, res)
	}
}
