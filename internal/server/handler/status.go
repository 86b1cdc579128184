package handler

import (
	"log/slog"
	"net/http"
	"time"
)

// StatusHandler reports engine mode, uptime, and live position count.
type StatusHandler struct {
	mode      string
	startedAt time.Time
	live      LiveBook
	logger    *slog.Logger
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode string, live LiveBook, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		mode:      mode,
		startedAt: time.Now().UTC(),
		live:      live,
		logger:    logger,
	}
}

// Status reports the engine's runtime state.
// GET /api/status
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.mode,
		"started_at":     h.startedAt.Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"open_positions": len(h.live.ListLivePositions()),
	})
}
