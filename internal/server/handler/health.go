package handler

import (
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
)

// HealthHandler serves the liveness endpoint.
type HealthHandler struct {
	clock   clockwork.Clock
	started time.Time
}

// NewHealthHandler creates a HealthHandler. Uptime is measured from now.
func NewHealthHandler(clock clockwork.Clock) *HealthHandler {
	return &HealthHandler{clock: clock, started: clock.Now()}
}

// HealthCheck reports that the process is serving.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": h.clock.Now().UTC().Format(time.RFC3339),
		"uptime":    h.clock.Since(h.started).Round(time.Second).String(),
	})
}
