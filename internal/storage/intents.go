package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/openclaw/clawmarket/internal/model"
)

const intentColumns = `id, kind, agent_id, title, description, skills,
	pricing_model, amount, currency, min_reputation, status, embedding,
	metadata, created_at, expires_at`

// CreateIntent inserts a new intent with status open. The embedding is
// attached later via SetIntentEmbedding once the provider has computed it.
func (db *DB) CreateIntent(ctx context.Context, in model.Intent) (model.Intent, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	if in.Status == "" {
		in.Status = model.IntentOpen
	}
	if in.Metadata == nil {
		in.Metadata = map[string]any{}
	}
	if in.Skills == nil {
		in.Skills = []string{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO intents (id, kind, agent_id, title, description, skills,
		 pricing_model, amount, currency, min_reputation, status, embedding,
		 metadata, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		in.ID, string(in.Kind), in.AgentID, in.Title, in.Description, in.Skills,
		in.PricingModel, in.Amount, in.Currency, in.MinReputation, string(in.Status),
		in.Embedding, in.Metadata, in.CreatedAt, in.ExpiresAt,
	)
	if err != nil {
		return model.Intent{}, fmt.Errorf("storage: create intent: %w", err)
	}
	return in, nil
}

// GetIntent returns an intent by id.
func (db *DB) GetIntent(ctx context.Context, id uuid.UUID) (model.Intent, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+intentColumns+` FROM intents WHERE id = $1`, id)
	in, err := scanIntent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Intent{}, ErrNotFound
	}
	if err != nil {
		return model.Intent{}, fmt.Errorf("storage: get intent %s: %w", id, err)
	}
	return in, nil
}

// ListIntents returns intents filtered by optional kind and status,
// newest first.
func (db *DB) ListIntents(ctx context.Context, kind *model.IntentKind, status *model.IntentStatus, limit int) ([]model.Intent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `SELECT ` + intentColumns + ` FROM intents`
	var (
		args  []any
		conds []string
	)
	if kind != nil {
		args = append(args, string(*kind))
		conds = append(conds, fmt.Sprintf("kind = $%d", len(args)))
	}
	if status != nil {
		args = append(args, string(*status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list intents: %w", err)
	}
	defer rows.Close()

	var intents []model.Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan intent: %w", err)
		}
		intents = append(intents, in)
	}
	return intents, rows.Err()
}

// SetIntentEmbedding attaches an embedding to an intent and enqueues the
// intent for external index sync in the same transaction.
func (db *DB) SetIntentEmbedding(ctx context.Context, id uuid.UUID, embedding pgvector.Vector) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin set embedding tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cmd, err := tx.Exec(ctx,
		`UPDATE intents SET embedding = $2 WHERE id = $1`, id, embedding)
	if err != nil {
		return fmt.Errorf("storage: set intent embedding: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO search_outbox (intent_id, operation) VALUES ($1, 'upsert')`, id,
	); err != nil {
		return fmt.Errorf("storage: enqueue outbox upsert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit set embedding tx: %w", err)
	}
	return nil
}

// UpdateIntentStatus sets an intent's status.
func (db *DB) UpdateIntentStatus(ctx context.Context, id uuid.UUID, status model.IntentStatus) error {
	cmd, err := db.pool.Exec(ctx,
		`UPDATE intents SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("storage: update intent status: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CloseExpiredIntents closes open intents whose expiry has passed and
// enqueues them for removal from the external index. Returns the number of
// intents closed. Idempotent: a second run finds nothing to close.
func (db *DB) CloseExpiredIntents(ctx context.Context, now time.Time) (int, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: begin close expired tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`UPDATE intents SET status = 'closed'
		 WHERE status = 'open' AND expires_at IS NOT NULL AND expires_at < $1
		 RETURNING id`, now)
	if err != nil {
		return 0, fmt.Errorf("storage: close expired intents: %w", err)
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return 0, fmt.Errorf("storage: collect closed intent ids: %w", err)
	}

	for _, id := range ids {
		if _, err := tx.Exec(ctx,
			`INSERT INTO search_outbox (intent_id, operation) VALUES ($1, 'delete')`, id,
		); err != nil {
			return 0, fmt.Errorf("storage: enqueue outbox delete: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("storage: commit close expired tx: %w", err)
	}
	return len(ids), nil
}

// CandidateIntent pairs a candidate with its raw cosine similarity in [0, 1].
type CandidateIntent struct {
	Intent     model.Intent
	Similarity float64
}

// FindCandidateIntents performs an ANN scan over open intents of the given
// kind, excluding the source agent's own intents. Results are ordered by
// similarity descending. Deterministic given identical index state.
func (db *DB) FindCandidateIntents(
	ctx context.Context,
	embedding pgvector.Vector,
	kind model.IntentKind,
	excludeAgentID string,
	limit int,
) ([]CandidateIntent, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+intentColumns+`, 1 - (embedding <=> $1) AS similarity
		 FROM intents
		 WHERE kind = $2 AND status = 'open' AND agent_id <> $3 AND embedding IS NOT NULL
		 ORDER BY embedding <=> $1
		 LIMIT $4`,
		embedding, string(kind), excludeAgentID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: find candidate intents: %w", err)
	}
	defer rows.Close()

	var candidates []CandidateIntent
	for rows.Next() {
		var c CandidateIntent
		var (
			kindStr, statusStr string
			emb                *pgvector.Vector
		)
		if err := rows.Scan(
			&c.Intent.ID, &kindStr, &c.Intent.AgentID, &c.Intent.Title, &c.Intent.Description,
			&c.Intent.Skills, &c.Intent.PricingModel, &c.Intent.Amount, &c.Intent.Currency,
			&c.Intent.MinReputation, &statusStr, &emb, &c.Intent.Metadata,
			&c.Intent.CreatedAt, &c.Intent.ExpiresAt, &c.Similarity,
		); err != nil {
			return nil, fmt.Errorf("storage: scan candidate intent: %w", err)
		}
		c.Intent.Kind = model.IntentKind(kindStr)
		c.Intent.Status = model.IntentStatus(statusStr)
		c.Intent.Embedding = emb
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// GetIntentsForIndex returns id, kind, status, agent id, and embedding for the
// given intents. Used by the outbox worker to build index points.
func (db *DB) GetIntentsForIndex(ctx context.Context, ids []uuid.UUID) ([]model.Intent, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+intentColumns+` FROM intents WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: get intents for index: %w", err)
	}
	defer rows.Close()

	var intents []model.Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan intent for index: %w", err)
		}
		intents = append(intents, in)
	}
	return intents, rows.Err()
}

func collectIDs(rows pgx.Rows) ([]uuid.UUID, error) {
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanIntent(row rowScanner) (model.Intent, error) {
	var (
		in                 model.Intent
		kindStr, statusStr string
		emb                *pgvector.Vector
	)
	err := row.Scan(
		&in.ID, &kindStr, &in.AgentID, &in.Title, &in.Description, &in.Skills,
		&in.PricingModel, &in.Amount, &in.Currency, &in.MinReputation, &statusStr,
		&emb, &in.Metadata, &in.CreatedAt, &in.ExpiresAt,
	)
	if err != nil {
		return model.Intent{}, err
	}
	in.Kind = model.IntentKind(kindStr)
	in.Status = model.IntentStatus(statusStr)
	in.Embedding = emb
	return in, nil
}
