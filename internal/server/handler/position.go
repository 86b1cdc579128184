package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/pyramidbot/internal/domain"
)

// LiveBook exposes the in-memory book of open positions.
type LiveBook interface {
	ListLivePositions() []domain.Position
}

// PositionHandler serves position-related HTTP endpoints: the live book and
// the persisted history.
type PositionHandler struct {
	live   LiveBook
	store  domain.PositionStore
	logger *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(live LiveBook, store domain.PositionStore, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		live:   live,
		store:  store,
		logger: logger,
	}
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns all live open positions, or a user's open positions
// from storage when user_id is given.
// GET /api/positions[?user_id=...]
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")

	var positions []domain.Position
	if userID == "" {
		positions = h.live.ListLivePositions()
	} else {
		var err error
		positions, err = h.store.ListOpenByUser(r.Context(), userID)
		if err != nil {
			h.logger.ErrorContext(r.Context(), "handler: list positions failed",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to list positions")
			return
		}
	}

	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// GetPosition returns one position by ID from storage.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "position id required")
		return
	}

	pos, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		if domain.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "position not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get position failed",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get position")
		return
	}

	writeJSON(w, http.StatusOK, pos)
}

// ListHistory returns a user's closed position history.
// GET /api/positions/history?user_id=...
func (h *PositionHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id query parameter required")
		return
	}

	positions, err := h.store.ListHistory(r.Context(), userID, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list position history failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list position history")
		return
	}

	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}
