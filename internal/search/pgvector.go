package search

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/openclaw/clawmarket/internal/model"
	"github.com/openclaw/clawmarket/internal/storage"
)

// PgVectorIndex implements CandidateFinder directly against the intents
// table using pgvector cosine distance. It is the default index; Qdrant is
// opt-in for deployments that need a dedicated ANN service.
type PgVectorIndex struct {
	db *storage.DB
}

// NewPgVectorIndex creates a CandidateFinder backed by Postgres.
func NewPgVectorIndex(db *storage.DB) *PgVectorIndex {
	return &PgVectorIndex{db: db}
}

// FindCandidates runs an ANN query over open intents of the given kind.
func (p *PgVectorIndex) FindCandidates(ctx context.Context, embedding []float32, kind model.IntentKind, excludeAgentID string, limit int) ([]Candidate, error) {
	if limit <= 0 {
		limit = 20
	}
	vec := pgvector.NewVector(embedding)
	rows, err := p.db.FindCandidateIntents(ctx, vec, kind, excludeAgentID, limit)
	if err != nil {
		return nil, fmt.Errorf("search: pgvector candidates: %w", err)
	}
	out := make([]Candidate, 0, len(rows))
	for _, r := range rows {
		out = append(out, Candidate{IntentID: r.Intent.ID, Similarity: float32(r.Similarity)})
	}
	return out, nil
}

// Healthy pings Postgres.
func (p *PgVectorIndex) Healthy(ctx context.Context) error {
	return p.db.Ping(ctx)
}
