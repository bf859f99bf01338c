// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/okian/podium/internal/domain/types"
	"github.com/okian/podium/pkg/logger"
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	UserDependencies
	LeaderboardDependencies
	HistoryDependencies
	StreamDependencies
	StatsProvider
	ReadinessChecker
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler      *HealthHandler
	readyHandler       *ReadyHandler
	statsHandler       *StatsHandler
	userHandler        *UserHandler
	leaderboardHandler *LeaderboardHandler
	historyHandler     *HistoryHandler
	streamHandler      *StreamHandler
}

// Option configures a Server.
type Option func(*serverOptions)

type serverOptions struct {
	log            logger.Logger
	writeTimeout   time.Duration
	pingInterval   time.Duration
	allowedOrigins []string
}

// WithLogger sets the logger used by the handlers.
func WithLogger(l logger.Logger) Option {
	return func(o *serverOptions) {
		if l != nil {
			o.log = l
		}
	}
}

// WithStreamTimings sets the per-write deadline and ping interval of the
// stream endpoint.
func WithStreamTimings(writeTimeout, pingInterval time.Duration) Option {
	return func(o *serverOptions) {
		if writeTimeout > 0 {
			o.writeTimeout = writeTimeout
		}
		if pingInterval > 0 {
			o.pingInterval = pingInterval
		}
	}
}

// WithAllowedOrigins restricts which browser origins may open the stream.
// An empty list allows any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(o *serverOptions) {
		o.allowedOrigins = append([]string(nil), origins...)
	}
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, opts ...Option) *Server {
	o := serverOptions{
		writeTimeout: defaultWriteTimeout,
		pingInterval: defaultPingInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logger.Get()
	}
	log := o.log.Named("api")
	return &Server{
		healthHandler:      NewHealthHandler(),
		readyHandler:       NewReadyHandler(deps),
		statsHandler:       NewStatsHandler(deps),
		userHandler:        NewUserHandler(deps, log),
		leaderboardHandler: NewLeaderboardHandler(deps),
		historyHandler:     NewHistoryHandler(deps),
		streamHandler:      NewStreamHandler(deps, log, o.writeTimeout, o.pingInterval, o.allowedOrigins),
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(_ context.Context, mux *http.ServeMux) {
	if mux == nil {
		panic("mux is nil")
	}
	mux.HandleFunc("GET /healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("GET /readyz", MetricsMiddleware(s.readyHandler.HandleReady, "readyz"))
	mux.HandleFunc("GET /stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))

	mux.HandleFunc("GET /api/users", MetricsMiddleware(s.userHandler.HandleList, "users"))
	mux.HandleFunc("POST /api/users", MetricsMiddleware(s.userHandler.HandleRegister, "register"))
	mux.HandleFunc("POST /api/users/{id}/claim", MetricsMiddleware(s.userHandler.HandleClaim, "claim"))
	mux.HandleFunc("GET /api/leaderboard", MetricsMiddleware(s.leaderboardHandler.HandleGetLeaderboard, "leaderboard"))
	mux.HandleFunc("GET /api/history", MetricsMiddleware(s.historyHandler.HandleGetHistory, "history"))

	// The stream is long-lived; duration metrics would only measure the session.
	mux.HandleFunc("GET /ws", s.streamHandler.HandleStream)
}

type errorResponse = types.ErrorResponse

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}
