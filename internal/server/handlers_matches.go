package server

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/openclaw/clawmarket/internal/model"
)

type proposeMatchRequest struct {
	NeedIntentID  uuid.UUID `json:"need_intent_id"`
	OfferIntentID uuid.UUID `json:"offer_intent_id"`
}

// HandleProposeMatch handles POST /v1/matches for manual match proposals.
func (h *Handlers) HandleProposeMatch(w http.ResponseWriter, r *http.Request) {
	var req proposeMatchRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if req.NeedIntentID == uuid.Nil || req.OfferIntentID == uuid.Nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "need_intent_id and offer_intent_id are required")
		return
	}

	m, err := h.matchSvc.Propose(r.Context(), req.NeedIntentID, req.OfferIntentID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, m)
}

// HandleGetMatch handles GET /v1/matches/{match_id}.
func (h *Handlers) HandleGetMatch(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "match_id")
	if !ok {
		return
	}
	m, err := h.matchSvc.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, m)
}

// HandleListAgentMatches handles GET /v1/agents/{agent_id}/matches.
func (h *Handlers) HandleListAgentMatches(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := h.matchSvc.ListByAgent(r.Context(), agentID, limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, list)
}

type matchActionRequest struct {
	AgentID string         `json:"agent_id"`
	Terms   map[string]any `json:"terms,omitempty"`
}

func (h *Handlers) decodeMatchAction(w http.ResponseWriter, r *http.Request) (uuid.UUID, matchActionRequest, bool) {
	id, ok := pathUUID(w, r, "match_id")
	if !ok {
		return uuid.Nil, matchActionRequest{}, false
	}
	var req matchActionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return uuid.Nil, matchActionRequest{}, false
	}
	if req.AgentID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "agent_id is required")
		return uuid.Nil, matchActionRequest{}, false
	}
	return id, req, true
}

// HandleNegotiateMatch handles POST /v1/matches/{match_id}/negotiate.
func (h *Handlers) HandleNegotiateMatch(w http.ResponseWriter, r *http.Request) {
	id, req, ok := h.decodeMatchAction(w, r)
	if !ok {
		return
	}
	m, err := h.matchSvc.Negotiate(r.Context(), id, req.AgentID, req.Terms)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, m)
}

// HandleAcceptMatch handles POST /v1/matches/{match_id}/accept.
func (h *Handlers) HandleAcceptMatch(w http.ResponseWriter, r *http.Request) {
	id, req, ok := h.decodeMatchAction(w, r)
	if !ok {
		return
	}
	m, err := h.matchSvc.Accept(r.Context(), id, req.AgentID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, m)
}

// HandleFinalizeMatch handles POST /v1/matches/{match_id}/finalize.
func (h *Handlers) HandleFinalizeMatch(w http.ResponseWriter, r *http.Request) {
	id, req, ok := h.decodeMatchAction(w, r)
	if !ok {
		return
	}
	m, err := h.matchSvc.Finalize(r.Context(), id, req.AgentID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, m)
}

// HandleRejectMatch handles POST /v1/matches/{match_id}/reject.
func (h *Handlers) HandleRejectMatch(w http.ResponseWriter, r *http.Request) {
	id, req, ok := h.decodeMatchAction(w, r)
	if !ok {
		return
	}
	if err := h.matchSvc.Reject(r.Context(), id, req.AgentID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "rejected"})
}
