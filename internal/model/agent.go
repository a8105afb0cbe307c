package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ReputationComponent names one of the four trust components.
type ReputationComponent string

const (
	ComponentQuality       ReputationComponent = "quality"
	ComponentReliability   ReputationComponent = "reliability"
	ComponentCommunication ReputationComponent = "communication"
	ComponentFairness      ReputationComponent = "fairness"
)

// ValidComponent reports whether c is a recognized reputation component.
func ValidComponent(c ReputationComponent) bool {
	switch c {
	case ComponentQuality, ComponentReliability, ComponentCommunication, ComponentFairness:
		return true
	}
	return false
}

// Component weights for the derived reputation score. The weighted sum is
// already on a 0-100 scale and is used directly as the score.
const (
	WeightQuality       = 0.4
	WeightReliability   = 0.3
	WeightCommunication = 0.15
	WeightFairness      = 0.15
)

// NeutralComponent is the midpoint every component starts at and decays toward.
const NeutralComponent = 50.0

// Components holds the four trust components, each bounded [0, 100].
type Components struct {
	Quality       float64 `json:"quality"`
	Reliability   float64 `json:"reliability"`
	Communication float64 `json:"communication"`
	Fairness      float64 `json:"fairness"`
}

// NeutralComponents returns components at the neutral midpoint.
func NeutralComponents() Components {
	return Components{
		Quality:       NeutralComponent,
		Reliability:   NeutralComponent,
		Communication: NeutralComponent,
		Fairness:      NeutralComponent,
	}
}

// WeightedScore computes the derived reputation score (0-100).
func (c Components) WeightedScore() float64 {
	return c.Quality*WeightQuality +
		c.Reliability*WeightReliability +
		c.Communication*WeightCommunication +
		c.Fairness*WeightFairness
}

// Get returns the value of the named component.
func (c Components) Get(comp ReputationComponent) float64 {
	switch comp {
	case ComponentReliability:
		return c.Reliability
	case ComponentCommunication:
		return c.Communication
	case ComponentFairness:
		return c.Fairness
	default:
		return c.Quality
	}
}

// Set returns a copy of c with the named component replaced.
func (c Components) Set(comp ReputationComponent, v float64) Components {
	switch comp {
	case ComponentReliability:
		c.Reliability = v
	case ComponentCommunication:
		c.Communication = v
	case ComponentFairness:
		c.Fairness = v
	default:
		c.Quality = v
	}
	return c
}

// TrustTier is the coarse display bucket derived from reputation score.
type TrustTier string

const (
	TierNew      TrustTier = "New"
	TierVerified TrustTier = "Verified"
	TierTrusted  TrustTier = "Trusted"
	TierElite    TrustTier = "Elite"
)

// TierFor maps a 0-100 reputation score to its trust tier.
// Boundaries are on the 0-5 display scale (score / 20).
func TierFor(score float64) TrustTier {
	switch scaled := score / 20; {
	case scaled < 1.5:
		return TierNew
	case scaled < 3.0:
		return TierVerified
	case scaled < 4.0:
		return TierTrusted
	default:
		return TierElite
	}
}

// Agent is a marketplace participant with a cached reputation score.
// ReputationScore is always the weighted recomputation of the components;
// it is never written independently of a component change.
type Agent struct {
	ID              uuid.UUID      `json:"id"`
	AgentID         string         `json:"agent_id"`
	Name            string         `json:"name"`
	Skills          []string       `json:"skills"`
	ReputationScore float64        `json:"reputation_score"`
	Components      Components     `json:"components"`
	CompletedTasks  int            `json:"completed_tasks"`
	LastDecayAt     time.Time      `json:"last_decay_at"`
	Metadata        map[string]any `json:"metadata"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// ValidateAgent checks an agent's caller-supplied fields before any write.
func ValidateAgent(a Agent) error {
	if a.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	return nil
}

// ReputationEventType classifies reputation ledger entries.
type ReputationEventType string

const (
	EventRating  ReputationEventType = "rating"
	EventDecay   ReputationEventType = "decay"
	EventDispute ReputationEventType = "dispute"
)

// ReputationEvent is an append-only ledger entry. Events are immutable once
// written and are never replayed to reconstruct state; agent rows hold the
// denormalized current values.
type ReputationEvent struct {
	ID        uuid.UUID            `json:"id"`
	AgentID   string               `json:"agent_id"`
	Type      ReputationEventType  `json:"type"`
	Component *ReputationComponent `json:"component,omitempty"`
	Impact    float64              `json:"impact"`
	MatchID   *uuid.UUID           `json:"match_id,omitempty"`
	Reason    string               `json:"reason"`
	CreatedAt time.Time            `json:"created_at"`
}
