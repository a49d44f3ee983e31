package api //nolint:revive // package name is intentional

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/clinigate/internal/cache"
	"github.com/blueberrycongee/clinigate/internal/monitor"
)

const readyTimeout = 3 * time.Second

type invalidationResponse struct {
	Scope string                 `json:"scope"`
	ID    string                 `json:"id"`
	Count int                    `json:"count"`
	Mode  cache.InvalidationMode `json:"mode"`
}

type configReloadRequest struct {
	ExpectedChecksum string `json:"expected_checksum,omitempty"`
}

// Dashboard handles GET /v1/governance/dashboard.
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	d, err := h.gateway.Dashboard(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "dashboard failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to build dashboard")
		return
	}
	h.writeJSON(w, http.StatusOK, d)
}

// Metrics handles GET /v1/governance/metrics?period=minute|hour|day.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	period := monitor.PeriodHour
	if raw := r.URL.Query().Get("period"); raw != "" {
		p, err := monitor.ParsePeriod(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		period = p
	}

	snap, err := h.gateway.Metrics(r.Context(), period)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "metrics snapshot failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to read metrics")
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

// Remaining handles GET /v1/governance/remaining?task=&user_id=&role=.
func (h *Handler) Remaining(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	task := q.Get("task")
	if task == "" {
		h.writeError(w, http.StatusBadRequest, "task is required")
		return
	}

	rem, err := h.gateway.Remaining(r.Context(), task, q.Get("user_id"), q.Get("role"))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "remaining lookup failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to read usage")
		return
	}
	h.writeJSON(w, http.StatusOK, rem)
}

// Alerts handles GET /v1/governance/alerts?limit=N.
func (h *Handler) Alerts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	alerts, err := h.gateway.Alerts(r.Context(), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "alert lookup failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to read alerts")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"data": alerts})
}

// TaskStats handles GET /v1/governance/stats/{task}?day=YYYY-MM-DD.
func (h *Handler) TaskStats(w http.ResponseWriter, r *http.Request) {
	day := time.Now()
	if raw := r.URL.Query().Get("day"); raw != "" {
		d, err := time.Parse("2006-01-02", raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "day must be YYYY-MM-DD")
			return
		}
		// Noon keeps the date stable across the configured time zone.
		day = d.Add(12 * time.Hour)
	}

	stats, err := h.gateway.TaskStats(r.Context(), r.PathValue("task"), day)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "task stats failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to read task stats")
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// InvalidatePatient handles POST /v1/governance/invalidate/patient/{id}.
func (h *Handler) InvalidatePatient(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	inv, err := h.gateway.InvalidatePatient(r.Context(), id)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "patient invalidation failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to invalidate patient")
		return
	}
	h.writeJSON(w, http.StatusOK, invalidationResponse{Scope: "patient", ID: id, Count: inv.Count, Mode: inv.Mode})
}

// InvalidateTask handles POST /v1/governance/invalidate/task/{task}.
func (h *Handler) InvalidateTask(w http.ResponseWriter, r *http.Request) {
	task := r.PathValue("task")
	inv, err := h.gateway.InvalidateTask(r.Context(), task)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "task invalidation failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to invalidate task")
		return
	}
	h.writeJSON(w, http.StatusOK, invalidationResponse{Scope: "task", ID: task, Count: inv.Count, Mode: inv.Mode})
}

// ClearCache handles DELETE /v1/governance/cache.
func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	ok, err := h.gateway.ClearCache(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "cache clear failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to clear cache")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"cleared": ok})
}

// CacheStats handles GET /v1/governance/cache/stats.
func (h *Handler) CacheStats(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.gateway.CacheStats())
}

// GetConfigStatus handles GET /v1/governance/config.
func (h *Handler) GetConfigStatus(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.configManager.Status())
}

// ReloadConfig handles POST /v1/governance/config/reload.
func (h *Handler) ReloadConfig(w http.ResponseWriter, r *http.Request) {
	var req configReloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	before := h.configManager.Status()
	if req.ExpectedChecksum != "" && req.ExpectedChecksum != before.Checksum {
		h.writeError(w, http.StatusConflict, "config checksum mismatch")
		return
	}

	if err := h.configManager.Reload(); err != nil {
		h.logger.ErrorContext(r.Context(), "config reload failed", "error", err, "checksum", before.Checksum)
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, h.configManager.Status())
}

// Live handles GET /health/live.
func (h *Handler) Live(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /health/ready. It pings the store and the provider.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	if err := h.gateway.Ready(ctx); err != nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
