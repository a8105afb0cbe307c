// Package search provides candidate generation over intent embeddings,
// backed either by pgvector in Postgres or by an external Qdrant index.
package search

import (
	"context"

	"github.com/google/uuid"

	"github.com/openclaw/clawmarket/internal/model"
)

// Candidate holds an intent ID and its raw cosine similarity from the index.
// The caller hydrates full Intent rows from Postgres (source of truth).
type Candidate struct {
	IntentID   uuid.UUID
	Similarity float32
}

// CandidateFinder performs ANN search over open intents for the matching
// engine. Implementations must be safe for concurrent use.
type CandidateFinder interface {
	// FindCandidates returns open intents of the given kind similar to the
	// embedding, excluding intents posted by excludeAgentID. Results are
	// ordered by descending similarity.
	FindCandidates(ctx context.Context, embedding []float32, kind model.IntentKind, excludeAgentID string, limit int) ([]Candidate, error)

	// Healthy returns nil if the index is reachable.
	Healthy(ctx context.Context) error
}
