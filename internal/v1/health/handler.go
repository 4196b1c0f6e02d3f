// Package health exposes the liveness and readiness endpoints.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Probe reports the status of one dependency, returning "healthy" or
// "unhealthy". Probes must respect the context deadline.
type Probe func(ctx context.Context) string

// Handler manages health check endpoints
type Handler struct {
	checks map[string]Probe
}

// NewHandler creates a new health check handler. Each named probe is run
// on every readiness request.
func NewHandler(checks map[string]Probe) *Handler {
	if checks == nil {
		checks = make(map[string]Probe)
	}
	return &Handler{checks: checks}
}

// ReadinessResponse represents the readiness probe response
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Healthz handles the liveness probe endpoint
// GET /healthz
// Returns 200 with a plain "ok" body if the process is alive (no dependency checks)
func Healthz(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// Readiness handles the readiness probe endpoint
// GET /readyz
// Returns 200 only if all registered probes are healthy
// Returns 503 if any probe is unhealthy
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.checks))
	allHealthy := true

	for name, probe := range h.checks {
		status := probe(ctx)
		checks[name] = status
		if status != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(statusCode, response)
}
