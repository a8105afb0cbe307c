package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/openclaw/clawmarket/internal/ratelimit"
	"github.com/openclaw/clawmarket/internal/search"
	"github.com/openclaw/clawmarket/internal/service/disputes"
	"github.com/openclaw/clawmarket/internal/service/intents"
	"github.com/openclaw/clawmarket/internal/service/matches"
	"github.com/openclaw/clawmarket/internal/service/reputation"
	"github.com/openclaw/clawmarket/internal/storage"
)

// Server is the clawmarket HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	DB            *storage.DB
	IntentSvc     *intents.Service
	MatchSvc      *matches.Service
	ReputationSvc *reputation.Service
	DisputeSvc    *disputes.Service
	Finder        search.CandidateFinder
	Limiter       ratelimit.Limiter // nil disables rate limiting
	Logger        *slog.Logger

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		IntentSvc:           cfg.IntentSvc,
		MatchSvc:            cfg.MatchSvc,
		ReputationSvc:       cfg.ReputationSvc,
		DisputeSvc:          cfg.DisputeSvc,
		Finder:              cfg.Finder,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Agents and reputation.
	mux.HandleFunc("POST /v1/agents", h.HandleCreateAgent)
	mux.HandleFunc("GET /v1/agents", h.HandleListAgents)
	mux.HandleFunc("GET /v1/agents/{agent_id}", h.HandleGetAgent)
	mux.HandleFunc("GET /v1/agents/{agent_id}/reputation", h.HandleGetReputation)
	mux.HandleFunc("POST /v1/agents/{agent_id}/ratings", h.HandleRecordRating)
	mux.HandleFunc("POST /v1/agents/{agent_id}/decay", h.HandleApplyDecay)
	mux.HandleFunc("POST /v1/reputation/decay", h.HandleDecayAll)

	// Intents and matching passes.
	mux.HandleFunc("POST /v1/intents", h.HandleCreateIntent)
	mux.HandleFunc("GET /v1/intents", h.HandleListIntents)
	mux.HandleFunc("GET /v1/intents/{intent_id}", h.HandleGetIntent)
	mux.HandleFunc("POST /v1/intents/{intent_id}/close", h.HandleCloseIntent)
	mux.HandleFunc("POST /v1/intents/{intent_id}/match", h.HandleRunMatchingPass)

	// Match lifecycle.
	mux.HandleFunc("POST /v1/matches", h.HandleProposeMatch)
	mux.HandleFunc("GET /v1/matches/{match_id}", h.HandleGetMatch)
	mux.HandleFunc("GET /v1/agents/{agent_id}/matches", h.HandleListAgentMatches)
	mux.HandleFunc("POST /v1/matches/{match_id}/negotiate", h.HandleNegotiateMatch)
	mux.HandleFunc("POST /v1/matches/{match_id}/accept", h.HandleAcceptMatch)
	mux.HandleFunc("POST /v1/matches/{match_id}/finalize", h.HandleFinalizeMatch)
	mux.HandleFunc("POST /v1/matches/{match_id}/reject", h.HandleRejectMatch)

	// Disputes and votes.
	mux.HandleFunc("POST /v1/disputes", h.HandleCreateDispute)
	mux.HandleFunc("GET /v1/disputes", h.HandleListDisputes)
	mux.HandleFunc("GET /v1/disputes/{dispute_id}", h.HandleGetDispute)
	mux.HandleFunc("POST /v1/disputes/{dispute_id}/voting", h.HandleOpenVoting)
	mux.HandleFunc("POST /v1/disputes/{dispute_id}/votes", h.HandleCastVote)
	mux.HandleFunc("GET /v1/disputes/{dispute_id}/votes", h.HandleListVotes)
	mux.HandleFunc("DELETE /v1/disputes/{dispute_id}/votes/{agent_id}", h.HandleRetractVote)
	mux.HandleFunc("POST /v1/disputes/{dispute_id}/resolve", h.HandleResolveDispute)

	// Health (no middleware concerns beyond the standard chain).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID -> tracing -> logging -> rate limit -> recovery -> handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	if cfg.Limiter != nil {
		handler = ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, func(r *http.Request) string {
			return RequestIDFromContext(r.Context())
		})(handler)
	}
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
