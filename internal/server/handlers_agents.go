package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/clawmarket/internal/model"
)

type createAgentRequest struct {
	AgentID  string         `json:"agent_id"`
	Name     string         `json:"name"`
	Skills   []string       `json:"skills"`
	Metadata map[string]any `json:"metadata"`
}

// HandleCreateAgent handles POST /v1/agents. New agents start with neutral
// reputation components.
func (h *Handlers) HandleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	agent := model.Agent{
		AgentID:  req.AgentID,
		Name:     req.Name,
		Skills:   req.Skills,
		Metadata: req.Metadata,
	}
	if err := model.ValidateAgent(agent); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	stored, err := h.db.CreateAgent(r.Context(), agent)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, stored)
}

// HandleGetAgent handles GET /v1/agents/{agent_id}.
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.db.GetAgent(r.Context(), r.PathValue("agent_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleListAgents handles GET /v1/agents.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.db.ListAgents(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, agents)
}

// HandleGetReputation handles GET /v1/agents/{agent_id}/reputation.
func (h *Handlers) HandleGetReputation(w http.ResponseWriter, r *http.Request) {
	profile, err := h.reputationSvc.Get(r.Context(), r.PathValue("agent_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, profile)
}

type recordRatingRequest struct {
	Rating    float64    `json:"rating"`
	Component string     `json:"component"`
	MatchID   *uuid.UUID `json:"match_id"`
	Reason    string     `json:"reason"`
}

// HandleRecordRating handles POST /v1/agents/{agent_id}/ratings. An omitted
// component defaults to quality.
func (h *Handlers) HandleRecordRating(w http.ResponseWriter, r *http.Request) {
	var req recordRatingRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	component := model.ReputationComponent(req.Component)
	if req.Component == "" {
		component = model.ComponentQuality
	}

	agent, err := h.reputationSvc.RecordRating(r.Context(), r.PathValue("agent_id"), component, req.Rating, req.MatchID, req.Reason)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleApplyDecay handles POST /v1/agents/{agent_id}/decay.
func (h *Handlers) HandleApplyDecay(w http.ResponseWriter, r *http.Request) {
	moved, err := h.reputationSvc.ApplyDecay(r.Context(), r.PathValue("agent_id"), time.Now().UTC())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]bool{"decayed": moved})
}

// HandleDecayAll handles POST /v1/reputation/decay. Normally driven by the
// monthly schedule; exposed for operational reruns.
func (h *Handlers) HandleDecayAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.reputationSvc.DecayAll(r.Context(), time.Now().UTC())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]int{"agents_decayed": n})
}
