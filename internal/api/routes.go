package api //nolint:revive // package name is intentional

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blueberrycongee/clinigate/internal/observability"
)

// RouteInfo describes an API route.
type RouteInfo struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	Description string `json:"description"`
}

// Routes lists the registered endpoints.
func (h *Handler) Routes() []RouteInfo {
	routes := []RouteInfo{
		{http.MethodPost, "/v1/tasks/{task}", "Execute a governed task"},
		{http.MethodGet, "/v1/governance/dashboard", "Operations dashboard"},
		{http.MethodGet, "/v1/governance/metrics", "Metrics snapshot for a period"},
		{http.MethodGet, "/v1/governance/remaining", "Remaining admission capacity"},
		{http.MethodGet, "/v1/governance/alerts", "Recent alerts"},
		{http.MethodGet, "/v1/governance/stats/{task}", "Per-task daily outcome counters"},
		{http.MethodPost, "/v1/governance/invalidate/patient/{id}", "Invalidate a patient's cached responses"},
		{http.MethodPost, "/v1/governance/invalidate/task/{task}", "Invalidate a task's cached responses"},
		{http.MethodDelete, "/v1/governance/cache", "Clear the response cache"},
		{http.MethodGet, "/v1/governance/cache/stats", "Response cache counters"},
		{http.MethodGet, "/health/live", "Liveness probe"},
		{http.MethodGet, "/health/ready", "Readiness probe"},
	}
	if h.configManager != nil {
		routes = append(routes,
			RouteInfo{http.MethodGet, "/v1/governance/config", "Configuration status"},
			RouteInfo{http.MethodPost, "/v1/governance/config/reload", "Reload configuration"},
		)
	}
	return routes
}

// Mux builds the HTTP handler with request IDs and per-route metrics.
func (h *Handler) Mux() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, h.metrics.Middleware(pattern, fn))
	}

	handle("POST /v1/tasks/{task}", h.ExecuteTask)

	handle("GET /v1/governance/dashboard", h.Dashboard)
	handle("GET /v1/governance/metrics", h.Metrics)
	handle("GET /v1/governance/remaining", h.Remaining)
	handle("GET /v1/governance/alerts", h.Alerts)
	handle("GET /v1/governance/stats/{task}", h.TaskStats)
	handle("POST /v1/governance/invalidate/patient/{id}", h.InvalidatePatient)
	handle("POST /v1/governance/invalidate/task/{task}", h.InvalidateTask)
	handle("DELETE /v1/governance/cache", h.ClearCache)
	handle("GET /v1/governance/cache/stats", h.CacheStats)

	if h.configManager != nil {
		handle("GET /v1/governance/config", h.GetConfigStatus)
		handle("POST /v1/governance/config/reload", h.ReloadConfig)
	}

	handle("GET /health/live", h.Live)
	handle("GET /health/ready", h.Ready)

	if h.gatherer != nil && h.metricsPath != "" {
		mux.Handle("GET "+h.metricsPath, promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}

	return observability.RequestIDMiddleware(mux)
}
