package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	db       Pinger
	provider string
	timeout  time.Duration
}

// NewHealthHandler creates a health handler. provider names the configured
// completion backend, or is empty when none is configured.
func NewHealthHandler(db Pinger, provider string, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthHandler{db: db, provider: provider, timeout: timeout}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok", "database": "ok", "completion": h.provider}
	if h.provider == "" {
		checks["completion"] = "unconfigured"
	}
	status := "healthy"
	statusCode := http.StatusOK

	if err := h.db.Ping(ctx); err != nil {
		slog.Error("health check failed", "error", err)
		status = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	}

	JSON(w, statusCode, map[string]any{"status": status, "checks": checks})
}
