package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/puppet-relay/internal/store"
	"github.com/go-chi/chi/v5"
)

const healthCheckTimeout = 5 * time.Second

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	kv      store.KV
	backend string
}

// NewHealthHandler creates a health handler for the given store.
func NewHealthHandler(kv store.KV, backend string) *HealthHandler {
	return &HealthHandler{kv: kv, backend: backend}
}

// Health returns the health status of the API and its dependencies. A
// degraded store still serves requests but loses state on restart.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status":        "healthy",
		"checks":        checks,
		"store_backend": h.backend,
		"degraded":      false,
	}
	statusCode := http.StatusOK

	pingErr := h.kv.Ping(ctx)
	fb, isFallback := h.kv.(*store.Fallback)
	switch {
	case isFallback && fb.Degraded():
		status["status"] = "degraded"
		status["degraded"] = true
		status["last_error"] = fb.LastError()
		checks["store"] = "degraded"
	case pingErr != nil:
		slog.Error("Health check failed", "error", pingErr)
		status["status"] = "unhealthy"
		checks["store"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	default:
		checks["store"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
