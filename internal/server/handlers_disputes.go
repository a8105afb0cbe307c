package server

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/openclaw/clawmarket/internal/model"
)

type createDisputeRequest struct {
	MatchID  uuid.UUID `json:"match_id"`
	AgentID  string    `json:"agent_id"`
	Reason   string    `json:"reason"`
	Evidence []string  `json:"evidence"`
}

// HandleCreateDispute handles POST /v1/disputes.
func (h *Handlers) HandleCreateDispute(w http.ResponseWriter, r *http.Request) {
	var req createDisputeRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if req.MatchID == uuid.Nil || req.AgentID == "" || req.Reason == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "match_id, agent_id, and reason are required")
		return
	}

	d, err := h.disputeSvc.Create(r.Context(), req.MatchID, req.AgentID, req.Reason, req.Evidence)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, d)
}

// HandleGetDispute handles GET /v1/disputes/{dispute_id}.
func (h *Handlers) HandleGetDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "dispute_id")
	if !ok {
		return
	}
	d, err := h.disputeSvc.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

// HandleListDisputes handles GET /v1/disputes with optional status filter.
func (h *Handlers) HandleListDisputes(w http.ResponseWriter, r *http.Request) {
	status := model.DisputeStatus(r.URL.Query().Get("status"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := h.disputeSvc.List(r.Context(), status, limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, list)
}

// HandleOpenVoting handles POST /v1/disputes/{dispute_id}/voting.
func (h *Handlers) HandleOpenVoting(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "dispute_id")
	if !ok {
		return
	}
	d, err := h.disputeSvc.OpenVoting(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

type castVoteRequest struct {
	AgentID       string  `json:"agent_id"`
	Choice        string  `json:"choice"`
	Justification *string `json:"justification"`
}

// HandleCastVote handles POST /v1/disputes/{dispute_id}/votes. Casting
// again replaces the agent's previous vote.
func (h *Handlers) HandleCastVote(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "dispute_id")
	if !ok {
		return
	}
	var req castVoteRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if req.AgentID == "" || req.Choice == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "agent_id and choice are required")
		return
	}

	v, err := h.disputeSvc.CastVote(r.Context(), id, req.AgentID, req.Choice, req.Justification)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, v)
}

// HandleRetractVote handles DELETE /v1/disputes/{dispute_id}/votes/{agent_id}.
func (h *Handlers) HandleRetractVote(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "dispute_id")
	if !ok {
		return
	}
	if err := h.disputeSvc.RetractVote(r.Context(), id, r.PathValue("agent_id")); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "retracted"})
}

// HandleListVotes handles GET /v1/disputes/{dispute_id}/votes.
func (h *Handlers) HandleListVotes(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "dispute_id")
	if !ok {
		return
	}
	votes, err := h.disputeSvc.Votes(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	tally, err := h.disputeSvc.Tally(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"votes": votes, "tally": tally})
}

type resolveDisputeRequest struct {
	Resolution    string  `json:"resolution"`
	WinnerAgentID *string `json:"winner_agent_id"`
}

// HandleResolveDispute handles POST /v1/disputes/{dispute_id}/resolve.
func (h *Handlers) HandleResolveDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "dispute_id")
	if !ok {
		return
	}
	var req resolveDisputeRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	d, err := h.disputeSvc.Resolve(r.Context(), id, req.Resolution, req.WinnerAgentID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}
