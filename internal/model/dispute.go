package model

import (
	"time"

	"github.com/google/uuid"
)

// DisputeStatus is the lifecycle state of a dispute.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeVoting   DisputeStatus = "voting"
	DisputeResolved DisputeStatus = "resolved"
)

// Dispute escalation tiers.
const (
	TierAutomated = 1 // automated resolver
	TierCommunity = 2 // weighted community vote
	TierCouncil   = 3 // terminal council review
)

// Recognized dispute resolutions. The mapping from resolution to match
// disposition is external policy; resolving a dispute never mutates the match.
const (
	ResolutionUphold = "uphold"
	ResolutionRefund = "refund"
	ResolutionSplit  = "split"
)

// Dispute is a contested match moving through the three-tier escalation
// state machine: open (tier 1) -> voting (tier 2) -> resolved.
type Dispute struct {
	ID               uuid.UUID     `json:"id"`
	MatchID          uuid.UUID     `json:"match_id"`
	InitiatorAgentID string        `json:"initiator_agent_id"`
	Reason           string        `json:"reason"`
	Evidence         []string      `json:"evidence"`
	Status           DisputeStatus `json:"status"`
	Tier             int           `json:"tier"`
	Resolution       *string       `json:"resolution,omitempty"`
	WinnerAgentID    *string       `json:"winner_agent_id,omitempty"`
	AIAnalysis       *string       `json:"ai_analysis,omitempty"`
	AIConfidence     *float64      `json:"ai_confidence,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	ResolvedAt       *time.Time    `json:"resolved_at,omitempty"`
}

// Vote is a weighted community vote on a tier-2 dispute. Weight captures the
// voter's reputation score at cast time. Votes are keyed by (dispute, agent)
// and may be updated or retracted only while the dispute is in voting state.
type Vote struct {
	DisputeID     uuid.UUID `json:"dispute_id"`
	AgentID       string    `json:"agent_id"`
	Choice        string    `json:"choice"`
	Weight        float64   `json:"weight"`
	Justification *string   `json:"justification,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
