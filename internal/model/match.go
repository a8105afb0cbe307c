package model

import (
	"time"

	"github.com/google/uuid"
)

// MatchStatus is the lifecycle state of a match.
type MatchStatus string

const (
	MatchProposed    MatchStatus = "proposed"
	MatchNegotiating MatchStatus = "negotiating"
	MatchAccepted    MatchStatus = "accepted"
	MatchFinalized   MatchStatus = "finalized"
	MatchExpired     MatchStatus = "expired"
	MatchDisputed    MatchStatus = "disputed"
)

// ActiveMatchStatuses are the states that block a new match for the same
// agent pair under the same algorithm. Must stay in sync with the partial
// unique index matches_active_pair_idx in the schema.
var ActiveMatchStatuses = []MatchStatus{
	MatchProposed, MatchNegotiating, MatchAccepted, MatchDisputed,
}

// Match is a proposed pairing of a need intent and an offer intent.
// Created by the matching engine or by manual proposal; rejected matches are
// hard-deleted rather than soft-closed so the same pair can be re-proposed.
type Match struct {
	ID            uuid.UUID      `json:"id"`
	NeedIntentID  uuid.UUID      `json:"need_intent_id"`
	OfferIntentID uuid.UUID      `json:"offer_intent_id"`
	Score         int            `json:"score"` // composite 0-100
	Algorithm     string         `json:"algorithm"`
	Status        MatchStatus    `json:"status"`
	ProposedTerms map[string]any `json:"proposed_terms,omitempty"`
	NeedAgentID   string         `json:"need_agent_id"`
	OfferAgentID  string         `json:"offer_agent_id"`
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
	AcceptedAt    *time.Time     `json:"accepted_at,omitempty"`
	FinalizedAt   *time.Time     `json:"finalized_at,omitempty"`
}

// IsParty reports whether agentID is one of the two matched agents.
// Party membership is the sole access-control check for match mutation.
func (m Match) IsParty(agentID string) bool {
	return agentID == m.NeedAgentID || agentID == m.OfferAgentID
}

// CanNegotiate reports whether a match in status s may move to negotiating.
func CanNegotiate(s MatchStatus) bool {
	switch s {
	case MatchProposed, MatchNegotiating, MatchAccepted:
		return true
	}
	return false
}

// CanAccept reports whether a match in status s may be accepted.
func CanAccept(s MatchStatus) bool {
	return s == MatchProposed || s == MatchNegotiating
}

// CanFinalize reports whether a match in status s may be finalized.
// A match must have passed through accepted or negotiating first.
func CanFinalize(s MatchStatus) bool {
	return s == MatchAccepted || s == MatchNegotiating
}

// CanReject reports whether a match in status s may be rejected (deleted).
func CanReject(s MatchStatus) bool {
	return s != MatchFinalized
}
