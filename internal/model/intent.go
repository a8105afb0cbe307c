package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// IntentKind classifies what an intent is asking for.
type IntentKind string

const (
	KindNeed          IntentKind = "need"
	KindOffer         IntentKind = "offer"
	KindQuery         IntentKind = "query"
	KindCollaboration IntentKind = "collaboration"
)

// ValidIntentKind reports whether k is a recognized intent kind.
func ValidIntentKind(k IntentKind) bool {
	switch k {
	case KindNeed, KindOffer, KindQuery, KindCollaboration:
		return true
	}
	return false
}

// Complement returns the kind an intent of kind k is matched against.
// Needs pair with offers and vice versa; query and collaboration intents
// pair with intents of the same kind.
func (k IntentKind) Complement() IntentKind {
	switch k {
	case KindNeed:
		return KindOffer
	case KindOffer:
		return KindNeed
	default:
		return k
	}
}

// IntentStatus is the lifecycle state of an intent.
type IntentStatus string

const (
	IntentOpen    IntentStatus = "open"
	IntentMatched IntentStatus = "matched"
	IntentClosed  IntentStatus = "closed"
)

// Intent is a posted need or offer awaiting a match.
// The embedding is attached asynchronously after creation; an intent without
// one is not eligible as a matching-pass source, and an intent with status
// other than open is never a candidate.
type Intent struct {
	ID            uuid.UUID        `json:"id"`
	Kind          IntentKind       `json:"kind"`
	AgentID       string           `json:"agent_id"`
	Title         string           `json:"title"`
	Description   string           `json:"description"`
	Skills        []string         `json:"skills"`
	PricingModel  *string          `json:"pricing_model,omitempty"`
	Amount        *float64         `json:"amount,omitempty"`
	Currency      *string          `json:"currency,omitempty"`
	MinReputation *float64         `json:"min_reputation,omitempty"`
	Status        IntentStatus     `json:"status"`
	Embedding     *pgvector.Vector `json:"-"`
	Metadata      map[string]any   `json:"metadata"`
	CreatedAt     time.Time        `json:"created_at"`
	ExpiresAt     *time.Time       `json:"expires_at,omitempty"`
}

// ValidateIntent checks an intent's caller-supplied fields before any write.
func ValidateIntent(in Intent) error {
	if !ValidIntentKind(in.Kind) {
		return fmt.Errorf("kind must be one of need, offer, query, collaboration")
	}
	if in.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	if in.Title == "" {
		return fmt.Errorf("title is required")
	}
	if in.Amount != nil && *in.Amount < 0 {
		return fmt.Errorf("amount must not be negative")
	}
	if in.MinReputation != nil && (*in.MinReputation < 0 || *in.MinReputation > 100) {
		return fmt.Errorf("min_reputation must be between 0 and 100")
	}
	return nil
}
