package handler

import (
	"context"
	"net/http"

	"github.com/alanyoungcy/tmbot/internal/manager"
)

// StatusProvider reports the bot's current state.
type StatusProvider interface {
	Status(ctx context.Context) manager.Status
}

// StatusHandler serves session, wallet and reputation state.
type StatusHandler struct {
	mode     string
	provider StatusProvider
}

// NewStatusHandler creates a StatusHandler for the given run mode.
func NewStatusHandler(mode string, provider StatusProvider) *StatusHandler {
	return &StatusHandler{mode: mode, provider: provider}
}

type statusResponse struct {
	Mode string `json:"mode"`
	manager.Status
}

// GetStatus responds with the current state.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Mode:   h.mode,
		Status: h.provider.Status(r.Context()),
	})
}
