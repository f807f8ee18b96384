// Package api provides HTTP API handlers for the compliance service.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/complianced/internal/middleware"
)

// readyTimeout bounds all dependency checks of a single readiness check.
const readyTimeout = 5 * time.Second

// HealthChecker defines the interface for components that can be health checked.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandlers provides health and readiness check endpoints for Kubernetes liveness and readiness checks.
type HealthHandlers struct {
	// External dependency checkers (optional)
	redisChecker   HealthChecker
	archiveChecker HealthChecker

	// Audit chain integrity, reported by the verification job
	chainChecker HealthChecker

	now func() time.Time
}

// HealthHandlersConfig configures the health check handlers.
type HealthHandlersConfig struct {
	RedisChecker   HealthChecker
	ArchiveChecker HealthChecker
	ChainChecker   HealthChecker
}

// NewHealthHandlers creates a new health check handler.
func NewHealthHandlers(config HealthHandlersConfig) *HealthHandlers {
	return &HealthHandlers{
		redisChecker:   config.RedisChecker,
		archiveChecker: config.ArchiveChecker,
		chainChecker:   config.ChainChecker,
		now:            time.Now,
	}
}

// HealthResponse represents the JSON response for health checks.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Health handles GET /health (liveness).
// Returns 200 whenever the process can serve requests.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	h.writeHealth(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Checks:    map[string]string{"runtime": "ok"},
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
}

// Ready handles GET /ready (readiness).
// Returns 503 if Redis or the archive bucket is configured but unreachable.
// A failed chain verification is reported but never fails readiness.
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ctx := middleware.SetErrorCode(r.Context(), ErrCodeBadRequest)
		WriteError(w, ctx, http.StatusMethodNotAllowed, ErrCodeBadRequest, "Method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	checks := make(map[string]string)
	healthy := true

	for _, c := range []struct {
		name     string
		checker  HealthChecker
		critical bool
	}{
		{"redis", h.redisChecker, true},
		{"archive", h.archiveChecker, true},
		{"audit_chain", h.chainChecker, false},
	} {
		if c.checker == nil {
			checks[c.name] = "not_configured"
			continue
		}
		if err := c.checker.HealthCheck(ctx); err != nil {
			checks[c.name] = "error"
			if c.critical {
				healthy = false
			}
			slog.WarnContext(ctx, "health check failed", "check", c.name, "error", err)
			continue
		}
		checks[c.name] = "ok"
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !healthy {
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	}

	h.writeHealth(w, statusCode, HealthResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
}

func (h *HealthHandlers) writeHealth(w http.ResponseWriter, statusCode int, response HealthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Error("failed to encode health response", "error", err)
	}
}
