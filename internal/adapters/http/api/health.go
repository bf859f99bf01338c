package api

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/okian/podium/internal/domain/model"
	"github.com/okian/podium/pkg/metrics"
)

// HealthHandler handles health check requests.
type HealthHandler struct {
	metrics http.Handler
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{
		metrics: promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}),
	}
}

// HandleHealth handles GET /healthz requests by serving the Prometheus
// registry. A response means the process is alive.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.metrics.ServeHTTP(w, r)
}

// ReadinessChecker reports whether the service can take traffic.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// ReadyHandler handles readiness requests.
type ReadyHandler struct {
	checker ReadinessChecker
}

// NewReadyHandler creates a new readiness handler.
func NewReadyHandler(checker ReadinessChecker) *ReadyHandler {
	return &ReadyHandler{checker: checker}
}

type readyResponse struct {
	Status string `json:"status"`
}

// HandleReady handles GET /readyz requests.
func (h *ReadyHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	const op = "api.ready"
	if err := h.checker.Ready(r.Context()); err != nil {
		writeErr(w, WrapKind(op, model.ErrStoreUnavailable, err))
		return
	}
	writeJSON(w, http.StatusOK, readyResponse{Status: "ready"})
}
