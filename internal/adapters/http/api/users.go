package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/okian/podium/internal/adapters/ratelimit"
	"github.com/okian/podium/internal/domain/model"
	"github.com/okian/podium/internal/domain/types"
	"github.com/okian/podium/pkg/logger"
)

// IdempotencyKeyHeader carries the optional client key of a claim.
const IdempotencyKeyHeader = "Idempotency-Key"

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 16

// UserDependencies defines the interface for entity operations.
type UserDependencies interface {
	Users(ctx context.Context) ([]model.Entity, error)
	Register(ctx context.Context, name string) (model.Entity, error)
	Claim(ctx context.Context, entityID, key string) (model.ClaimResult, error)
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// UserHandler handles entity requests.
type UserHandler struct {
	deps UserDependencies
	log  logger.Logger
}

// NewUserHandler creates a new user handler.
func NewUserHandler(deps UserDependencies, log logger.Logger) *UserHandler {
	return &UserHandler{deps: deps, log: log}
}

// HandleList handles GET /api/users requests.
func (h *UserHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	const op = "api.list_users"
	users, err := h.deps.Users(r.Context())
	if err != nil {
		writeErr(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, types.Users(users))
}

// HandleRegister handles POST /api/users requests.
func (h *UserHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	const op = "api.register"
	var req types.RegisterRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeErr(w, WrapKind(op, ErrBadRequest, errors.New("body must be a JSON object with a name")))
		return
	}
	entity, err := h.deps.Register(r.Context(), req.Name)
	if err != nil {
		writeErr(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusCreated, types.User(entity))
}

// HandleClaim handles POST /api/users/{id}/claim requests.
func (h *UserHandler) HandleClaim(w http.ResponseWriter, r *http.Request) {
	const op = "api.claim"
	ctx := r.Context()

	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeErr(w, WrapKind(op, ErrBadRequest, errors.New("missing user id")))
		return
	}

	decision, err := h.deps.Allow(ctx, clientIP(r))
	switch {
	case err != nil:
		// Limiter outages do not block claims.
		h.log.Warn(ctx, "rate limiter unavailable; allowing claim", logger.Error(err))
	case !decision.Allowed:
		retry := int(math.Ceil(decision.RetryAfter.Seconds()))
		if retry < 1 {
			retry = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		writeErr(w, NewKind(op, ErrRateLimited))
		return
	}

	res, err := h.deps.Claim(ctx, id, strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader)))
	if err != nil {
		writeErr(w, Wrap(op, err))
		return
	}
	writeJSON(w, http.StatusOK, types.Claim(res))
}
