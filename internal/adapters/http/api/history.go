package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/okian/podium/internal/domain/model"
	"github.com/okian/podium/internal/domain/types"
)

// HistoryDependencies defines the interface for history operations.
type HistoryDependencies interface {
	History(ctx context.Context, page, size int) (model.Page, error)
	HistoryPageSizes() (int, int)
}

// HistoryHandler handles claim history requests.
type HistoryHandler struct {
	deps HistoryDependencies
}

// NewHistoryHandler creates a new history handler.
func NewHistoryHandler(deps HistoryDependencies) *HistoryHandler {
	return &HistoryHandler{deps: deps}
}

// HandleGetHistory handles GET /api/history?page=N&limit=M requests.
// pageSize is accepted as an alias of limit.
func (h *HistoryHandler) HandleGetHistory(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_history"
	q := r.URL.Query()
	def, _ := h.deps.HistoryPageSizes()

	page, err := intParam(q.Get("page"), 1)
	if err != nil {
		writeErr(w, WrapKind(op, ErrBadRequest, fmt.Errorf("page: %w", err)))
		return
	}
	rawSize := q.Get("limit")
	if rawSize == "" {
		rawSize = q.Get("pageSize")
	}
	size, err := intParam(rawSize, def)
	if err != nil {
		writeErr(w, WrapKind(op, ErrBadRequest, fmt.Errorf("limit: %w", err)))
		return
	}

	p, err := h.deps.History(r.Context(), page, size)
	if err != nil {
		writeErr(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, types.History(p))
}

// intParam parses an optional integer query value.
func intParam(raw string, def int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%q is not an integer", raw)
	}
	return n, nil
}
