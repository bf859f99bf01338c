package api

import (
	"context"
	"net/http"

	"github.com/okian/podium/internal/domain/model"
	"github.com/okian/podium/internal/domain/types"
)

// LeaderboardDependencies defines the interface for leaderboard operations.
type LeaderboardDependencies interface {
	Leaderboard(ctx context.Context) (model.Snapshot, error)
}

// LeaderboardHandler handles leaderboard requests.
type LeaderboardHandler struct {
	deps LeaderboardDependencies
}

// NewLeaderboardHandler creates a new leaderboard handler.
func NewLeaderboardHandler(deps LeaderboardDependencies) *LeaderboardHandler {
	return &LeaderboardHandler{deps: deps}
}

// HandleGetLeaderboard handles GET /api/leaderboard requests. The body is
// the full ranking; the snapshot generation travels in a header.
func (h *LeaderboardHandler) HandleGetLeaderboard(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_leaderboard"
	snap, err := h.deps.Leaderboard(r.Context())
	if err != nil {
		writeErr(w, Wrap(op, err))
		return
	}
	w.Header().Set(GenerationHeader, formatGeneration(snap.Generation))
	writeJSON(w, http.StatusOK, types.Leaderboard(snap))
}
