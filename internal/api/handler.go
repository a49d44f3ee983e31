// Package api provides the HTTP surface of the governance gateway.
package api //nolint:revive // package name is intentional

import (
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/blueberrycongee/clinigate/internal/config"
	"github.com/blueberrycongee/clinigate/internal/gateway"
	"github.com/blueberrycongee/clinigate/internal/metrics"
)

// DefaultMaxBodySize is the default maximum request body size (1MB).
const DefaultMaxBodySize = 1 << 20

// Handler serves task execution and governance endpoints.
type Handler struct {
	gateway       *gateway.Gateway
	configManager *config.Manager
	metrics       *metrics.Metrics
	gatherer      prometheus.Gatherer
	metricsPath   string
	logger        *slog.Logger
	maxBodyBytes  int64
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetrics instruments routes and serves gatherer on path. An empty path disables
// the scrape endpoint.
func WithMetrics(m *metrics.Metrics, gatherer prometheus.Gatherer, path string) Option {
	return func(h *Handler) {
		h.metrics = m
		h.gatherer = gatherer
		h.metricsPath = path
	}
}

// WithConfigManager exposes configuration status and reload.
func WithConfigManager(m *config.Manager) Option {
	return func(h *Handler) {
		h.configManager = m
	}
}

// WithMaxBodyBytes bounds request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBodyBytes = n
		}
	}
}

// NewHandler creates a handler around gw.
func NewHandler(gw *gateway.Gateway, opts ...Option) *Handler {
	h := &Handler{
		gateway:      gw,
		logger:       slog.Default(),
		maxBodyBytes: DefaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ErrorResponse is the envelope for errors raised by the HTTP layer itself.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes the error payload.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	errType := "api_error"
	if status >= 400 && status < 500 {
		errType = "invalid_request_error"
	}
	h.writeJSON(w, status, ErrorResponse{
		Error: ErrorDetail{Message: message, Type: errType},
	})
}
