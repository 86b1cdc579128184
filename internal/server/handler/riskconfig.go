package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/pyramidbot/internal/domain"
)

// RiskConfigHandler serves the per-user risk parameter endpoints. Reads go
// through the consistency-bounded cache; writes go to the authoritative
// store, whose ack already implies the invalidation broadcast went out.
type RiskConfigHandler struct {
	cache  domain.RiskConfigCache
	store  domain.ConfigStore
	logger *slog.Logger
}

// NewRiskConfigHandler creates a RiskConfigHandler.
func NewRiskConfigHandler(cache domain.RiskConfigCache, store domain.ConfigStore, logger *slog.Logger) *RiskConfigHandler {
	return &RiskConfigHandler{
		cache:  cache,
		store:  store,
		logger: logger,
	}
}

// GetConfig returns the user's risk config. The X-Config-Source header
// reports whether it came from the local copy or a fresh fetch.
// GET /api/config/{user_id}
func (h *RiskConfigHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	userID := pathParam(r, "user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}

	cfg, source, err := h.cache.Get(r.Context(), userID)
	if err != nil {
		if domain.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "risk config not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get risk config failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusServiceUnavailable, "risk config unavailable")
		return
	}

	w.Header().Set("X-Config-Source", string(source))
	writeJSON(w, http.StatusOK, cfg)
}

// updateConfigResponse acknowledges a committed write.
type updateConfigResponse struct {
	Generation  int64  `json:"generation"`
	CommittedAt string `json:"committed_at"`
}

// UpdateConfig validates and commits new risk parameters for the user, then
// drops this worker's local copy so its own next read is fresh.
// PUT /api/config/{user_id}
func (h *RiskConfigHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	userID := pathParam(r, "user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}

	var cfg domain.RiskConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	cfg.UserID = userID

	if err := cfg.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	ack, err := h.store.Write(r.Context(), cfg)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: update risk config failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to update risk config")
		return
	}

	// The broadcast already went out before the ack; evicting locally covers
	// the window before this worker's own listener processes it.
	if err := h.cache.Invalidate(r.Context(), userID); err != nil {
		h.logger.WarnContext(r.Context(), "handler: local config eviction failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}

	writeJSON(w, http.StatusOK, updateConfigResponse{
		Generation:  ack.Generation,
		CommittedAt: ack.CommittedAt.Format(time.RFC3339),
	})
}
