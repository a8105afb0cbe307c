package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/clawmarket/internal/model"
	"github.com/openclaw/clawmarket/internal/search"
	"github.com/openclaw/clawmarket/internal/service/disputes"
	"github.com/openclaw/clawmarket/internal/service/intents"
	"github.com/openclaw/clawmarket/internal/service/matches"
	"github.com/openclaw/clawmarket/internal/service/reputation"
	"github.com/openclaw/clawmarket/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	intentSvc           *intents.Service
	matchSvc            *matches.Service
	reputationSvc       *reputation.Service
	disputeSvc          *disputes.Service
	finder              search.CandidateFinder
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	DB                  *storage.DB
	IntentSvc           *intents.Service
	MatchSvc            *matches.Service
	ReputationSvc       *reputation.Service
	DisputeSvc          *disputes.Service
	Finder              search.CandidateFinder
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		intentSvc:           d.IntentSvc,
		matchSvc:            d.MatchSvc,
		reputationSvc:       d.ReputationSvc,
		disputeSvc:          d.DisputeSvc,
		finder:              d.Finder,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	checks := map[string]string{}

	if err := h.db.Ping(r.Context()); err != nil {
		status = "degraded"
		checks["postgres"] = err.Error()
	} else {
		checks["postgres"] = "ok"
	}
	if h.finder != nil {
		if err := h.finder.Healthy(r.Context()); err != nil {
			status = "degraded"
			checks["search"] = err.Error()
		} else {
			checks["search"] = "ok"
		}
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, r, code, map[string]any{
		"status":         status,
		"version":        h.version,
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
		"checks":         checks,
	})
}

// writeServiceError maps service and storage errors onto the API error
// taxonomy: NOT_FOUND, UNAUTHORIZED, INVALID_STATE, INVALID_INPUT, and
// INTERNAL_ERROR for everything unclassified.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "resource not found")
	case errors.Is(err, matches.ErrNotParty), errors.Is(err, disputes.ErrNotParty):
		writeError(w, r, http.StatusForbidden, model.ErrCodeUnauthorized, err.Error())
	case errors.Is(err, disputes.ErrIneligibleVoter):
		writeError(w, r, http.StatusForbidden, model.ErrCodeUnauthorized, err.Error())
	case errors.Is(err, matches.ErrInvalidTransition), errors.Is(err, disputes.ErrInvalidState):
		writeError(w, r, http.StatusConflict, model.ErrCodeInvalidState, err.Error())
	case errors.Is(err, reputation.ErrInvalidRating):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	default:
		h.logger.Error("internal error", "error", err, "path", r.URL.Path,
			"request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
	}
}

// pathUUID parses the named path segment as a UUID, writing the error
// response itself on failure.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}
