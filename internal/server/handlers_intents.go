package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/openclaw/clawmarket/internal/model"
)

type createIntentRequest struct {
	Kind          string         `json:"kind"`
	AgentID       string         `json:"agent_id"`
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	Skills        []string       `json:"skills"`
	PricingModel  *string        `json:"pricing_model"`
	Amount        *float64       `json:"amount"`
	Currency      *string        `json:"currency"`
	MinReputation *float64       `json:"min_reputation"`
	Metadata      map[string]any `json:"metadata"`
	ExpiresAt     *time.Time     `json:"expires_at"`
}

// HandleCreateIntent handles POST /v1/intents.
func (h *Handlers) HandleCreateIntent(w http.ResponseWriter, r *http.Request) {
	var req createIntentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	in := model.Intent{
		Kind:          model.IntentKind(req.Kind),
		AgentID:       req.AgentID,
		Title:         req.Title,
		Description:   req.Description,
		Skills:        req.Skills,
		PricingModel:  req.PricingModel,
		Amount:        req.Amount,
		Currency:      req.Currency,
		MinReputation: req.MinReputation,
		Metadata:      req.Metadata,
		ExpiresAt:     req.ExpiresAt,
	}
	if err := model.ValidateIntent(in); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	stored, err := h.intentSvc.Create(r.Context(), in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, stored)
}

// HandleGetIntent handles GET /v1/intents/{intent_id}.
func (h *Handlers) HandleGetIntent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "intent_id")
	if !ok {
		return
	}
	in, err := h.intentSvc.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, in)
}

// HandleListIntents handles GET /v1/intents with optional kind, status, and
// limit query parameters.
func (h *Handlers) HandleListIntents(w http.ResponseWriter, r *http.Request) {
	var kind *model.IntentKind
	if v := r.URL.Query().Get("kind"); v != "" {
		k := model.IntentKind(v)
		if !model.ValidIntentKind(k) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid kind")
			return
		}
		kind = &k
	}
	var status *model.IntentStatus
	if v := r.URL.Query().Get("status"); v != "" {
		s := model.IntentStatus(v)
		status = &s
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	list, err := h.intentSvc.List(r.Context(), kind, status, limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, list)
}

// HandleCloseIntent handles POST /v1/intents/{intent_id}/close.
func (h *Handlers) HandleCloseIntent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "intent_id")
	if !ok {
		return
	}
	if err := h.intentSvc.Close(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": string(model.IntentClosed)})
}

// HandleRunMatchingPass handles POST /v1/intents/{intent_id}/match. It runs
// the embedding and matching pipeline synchronously so callers can retry
// intents whose background processing failed.
func (h *Handlers) HandleRunMatchingPass(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "intent_id")
	if !ok {
		return
	}
	if err := h.intentSvc.Process(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "completed"})
}
