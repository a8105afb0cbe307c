package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/openclaw/clawmarket/internal/model"
)

const matchColumns = `id, need_intent_id, offer_intent_id, score, algorithm,
	status, proposed_terms, need_agent_id, offer_agent_id,
	created_at, expires_at, accepted_at, finalized_at`

// CreateMatch inserts a match if no active match exists for the same
// unordered agent pair under the same algorithm. The guard is the partial
// unique index matches_active_pair_idx, so two concurrent creators for the
// same pair cannot both insert: ON CONFLICT DO NOTHING makes the insert an
// atomic insert-if-absent, and the loser reads back the winner's row.
// Returns the match and whether this call created it.
func (db *DB) CreateMatch(ctx context.Context, m model.Match) (model.Match, bool, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Status == "" {
		m.Status = model.MatchProposed
	}

	cmd, err := db.pool.Exec(ctx,
		`INSERT INTO matches (id, need_intent_id, offer_intent_id, score, algorithm,
		 status, proposed_terms, need_agent_id, offer_agent_id, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (pair_key, algorithm) WHERE status IN ('proposed', 'negotiating', 'accepted', 'disputed')
		 DO NOTHING`,
		m.ID, m.NeedIntentID, m.OfferIntentID, m.Score, m.Algorithm,
		string(m.Status), m.ProposedTerms, m.NeedAgentID, m.OfferAgentID,
		m.CreatedAt, m.ExpiresAt,
	)
	if err != nil {
		return model.Match{}, false, fmt.Errorf("storage: create match: %w", err)
	}
	if cmd.RowsAffected() == 1 {
		return m, true, nil
	}

	existing, err := db.GetActiveMatchForPair(ctx, m.NeedAgentID, m.OfferAgentID, m.Algorithm)
	if err != nil {
		return model.Match{}, false, fmt.Errorf("storage: fetch existing match for pair: %w", err)
	}
	return existing, false, nil
}

// GetMatch returns a match by id.
func (db *DB) GetMatch(ctx context.Context, id uuid.UUID) (model.Match, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+matchColumns+` FROM matches WHERE id = $1`, id)
	m, err := scanMatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Match{}, ErrNotFound
	}
	if err != nil {
		return model.Match{}, fmt.Errorf("storage: get match %s: %w", id, err)
	}
	return m, nil
}

// GetActiveMatchForPair returns the active match for an unordered agent pair
// under the given algorithm, or ErrNotFound.
func (db *DB) GetActiveMatchForPair(ctx context.Context, agentA, agentB, algorithm string) (model.Match, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+matchColumns+` FROM matches
		 WHERE pair_key = LEAST($1, $2) || ':' || GREATEST($1, $2)
		   AND algorithm = $3
		   AND status IN ('proposed', 'negotiating', 'accepted', 'disputed')`,
		agentA, agentB, algorithm)
	m, err := scanMatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Match{}, ErrNotFound
	}
	if err != nil {
		return model.Match{}, fmt.Errorf("storage: get active match for pair: %w", err)
	}
	return m, nil
}

// ListMatchesByAgent returns matches where the agent is a party, newest first.
func (db *DB) ListMatchesByAgent(ctx context.Context, agentID string, limit int) ([]model.Match, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+matchColumns+` FROM matches
		 WHERE need_agent_id = $1 OR offer_agent_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list matches by agent: %w", err)
	}
	defer rows.Close()

	var matches []model.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan match: %w", err)
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// SetMatchNegotiating moves a match to negotiating with the proposed terms.
func (db *DB) SetMatchNegotiating(ctx context.Context, id uuid.UUID, terms map[string]any) error {
	cmd, err := db.pool.Exec(ctx,
		`UPDATE matches SET status = 'negotiating', proposed_terms = $2 WHERE id = $1`,
		id, terms)
	if err != nil {
		return fmt.Errorf("storage: set match negotiating: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AcceptMatch moves a match to accepted and both parent intents to matched
// in a single transaction.
func (db *DB) AcceptMatch(ctx context.Context, m model.Match, at time.Time) error {
	return db.transitionWithIntents(ctx, m, "accepted", "accepted_at", at, model.IntentMatched)
}

// FinalizeMatch moves a match to finalized and both parent intents to closed
// in a single transaction.
func (db *DB) FinalizeMatch(ctx context.Context, m model.Match, at time.Time) error {
	return db.transitionWithIntents(ctx, m, "finalized", "finalized_at", at, model.IntentClosed)
}

// transitionWithIntents covers the two transitions that also patch parent
// intents. The whole mutation runs in one transaction so a substrate failure
// cannot leave the match and intents inconsistent.
func (db *DB) transitionWithIntents(
	ctx context.Context,
	m model.Match,
	status, tsColumn string,
	at time.Time,
	intentStatus model.IntentStatus,
) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin %s tx: %w", status, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cmd, err := tx.Exec(ctx,
		`UPDATE matches SET status = $2, `+tsColumn+` = $3 WHERE id = $1`,
		m.ID, status, at)
	if err != nil {
		return fmt.Errorf("storage: %s match: %w", status, err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}

	for _, intentID := range []uuid.UUID{m.NeedIntentID, m.OfferIntentID} {
		if _, err := tx.Exec(ctx,
			`UPDATE intents SET status = $2 WHERE id = $1`,
			intentID, string(intentStatus)); err != nil {
			return fmt.Errorf("storage: patch intent in %s tx: %w", status, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit %s tx: %w", status, err)
	}
	return nil
}

// SetMatchStatus sets a match's status without side effects. Used for the
// disputed transition.
func (db *DB) SetMatchStatus(ctx context.Context, id uuid.UUID, status model.MatchStatus) error {
	cmd, err := db.pool.Exec(ctx,
		`UPDATE matches SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("storage: set match status: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMatch hard-deletes a match. Reject is a removal, not a state: the
// pair becomes eligible for re-proposal immediately.
func (db *DB) DeleteMatch(ctx context.Context, id uuid.UUID) error {
	cmd, err := db.pool.Exec(ctx, `DELETE FROM matches WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete match: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpireStaleMatches transitions proposed matches created before cutoff to
// expired. Returns the number of matches expired. Idempotent: expired
// matches no longer qualify.
func (db *DB) ExpireStaleMatches(ctx context.Context, cutoff time.Time) (int, error) {
	cmd, err := db.pool.Exec(ctx,
		`UPDATE matches SET status = 'expired'
		 WHERE status = 'proposed' AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: expire stale matches: %w", err)
	}
	return int(cmd.RowsAffected()), nil
}

func scanMatch(row rowScanner) (model.Match, error) {
	var (
		m         model.Match
		statusStr string
	)
	err := row.Scan(
		&m.ID, &m.NeedIntentID, &m.OfferIntentID, &m.Score, &m.Algorithm,
		&statusStr, &m.ProposedTerms, &m.NeedAgentID, &m.OfferAgentID,
		&m.CreatedAt, &m.ExpiresAt, &m.AcceptedAt, &m.FinalizedAt,
	)
	if err != nil {
		return model.Match{}, err
	}
	m.Status = model.MatchStatus(statusStr)
	return m, nil
}
