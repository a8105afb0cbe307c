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

const disputeColumns = `id, match_id, initiator_agent_id, reason, evidence,
	status, tier, resolution, winner_agent_id, ai_analysis, ai_confidence,
	created_at, resolved_at`

// CreateDispute inserts a dispute and flips the disputed match's status in
// one transaction.
func (db *DB) CreateDispute(ctx context.Context, d model.Dispute) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin dispute tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO disputes (id, match_id, initiator_agent_id, reason, evidence, status, tier, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.MatchID, d.InitiatorAgentID, d.Reason, d.Evidence,
		string(d.Status), d.Tier, d.CreatedAt,
	); err != nil {
		return fmt.Errorf("storage: insert dispute: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE matches SET status = 'disputed' WHERE id = $1`, d.MatchID,
	); err != nil {
		return fmt.Errorf("storage: mark match disputed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit dispute tx: %w", err)
	}
	return nil
}

// GetDispute returns a dispute by id.
func (db *DB) GetDispute(ctx context.Context, id uuid.UUID) (model.Dispute, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Dispute{}, ErrNotFound
	}
	if err != nil {
		return model.Dispute{}, fmt.Errorf("storage: get dispute %s: %w", id, err)
	}
	return d, nil
}

// GetOpenDisputeForMatch returns the unresolved dispute for a match, if any.
func (db *DB) GetOpenDisputeForMatch(ctx context.Context, matchID uuid.UUID) (model.Dispute, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+disputeColumns+` FROM disputes
		 WHERE match_id = $1 AND status <> 'resolved'
		 ORDER BY created_at DESC
		 LIMIT 1`, matchID)
	d, err := scanDispute(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Dispute{}, ErrNotFound
	}
	if err != nil {
		return model.Dispute{}, fmt.Errorf("storage: get open dispute for match: %w", err)
	}
	return d, nil
}

// ListDisputes returns disputes, newest first, optionally filtered by status.
func (db *DB) ListDisputes(ctx context.Context, status model.DisputeStatus, limit int) ([]model.Dispute, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + disputeColumns + ` FROM disputes`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list disputes: %w", err)
	}
	defer rows.Close()

	var disputes []model.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan dispute: %w", err)
		}
		disputes = append(disputes, d)
	}
	return disputes, rows.Err()
}

// SetDisputeAnalysis records the automated resolver's output without
// resolving the dispute.
func (db *DB) SetDisputeAnalysis(ctx context.Context, id uuid.UUID, analysis string, confidence float64) error {
	cmd, err := db.pool.Exec(ctx,
		`UPDATE disputes SET ai_analysis = $2, ai_confidence = $3 WHERE id = $1`,
		id, analysis, confidence)
	if err != nil {
		return fmt.Errorf("storage: set dispute analysis: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetDisputeVoting escalates a dispute to the community voting tier.
func (db *DB) SetDisputeVoting(ctx context.Context, id uuid.UUID) error {
	cmd, err := db.pool.Exec(ctx,
		`UPDATE disputes SET status = 'voting', tier = $2 WHERE id = $1 AND status = 'open'`,
		id, model.TierCommunity)
	if err != nil {
		return fmt.Errorf("storage: set dispute voting: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// EscalateDispute raises the tier of a voting-stage dispute. The guard on the
// current tier keeps escalation monotonic.
func (db *DB) EscalateDispute(ctx context.Context, id uuid.UUID, tier int) error {
	cmd, err := db.pool.Exec(ctx,
		`UPDATE disputes SET tier = $2 WHERE id = $1 AND status = 'voting' AND tier < $2`,
		id, tier)
	if err != nil {
		return fmt.Errorf("storage: escalate dispute: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveDispute marks a dispute resolved with its outcome. The match is not
// touched; mapping a verdict onto the match is a separate concern.
func (db *DB) ResolveDispute(ctx context.Context, id uuid.UUID, resolution string, winnerAgentID *string, tier int, at time.Time) error {
	cmd, err := db.pool.Exec(ctx,
		`UPDATE disputes
		 SET status = 'resolved', resolution = $2, winner_agent_id = $3, tier = $4, resolved_at = $5
		 WHERE id = $1 AND status <> 'resolved'`,
		id, resolution, winnerAgentID, tier, at)
	if err != nil {
		return fmt.Errorf("storage: resolve dispute: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertVote records or replaces an agent's vote on a dispute.
func (db *DB) UpsertVote(ctx context.Context, v model.Vote) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO votes (dispute_id, agent_id, choice, weight, justification, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (dispute_id, agent_id)
		 DO UPDATE SET choice = EXCLUDED.choice, weight = EXCLUDED.weight,
		               justification = EXCLUDED.justification, created_at = EXCLUDED.created_at`,
		v.DisputeID, v.AgentID, v.Choice, v.Weight, v.Justification, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: upsert vote: %w", err)
	}
	return nil
}

// DeleteVote retracts an agent's vote on a dispute.
func (db *DB) DeleteVote(ctx context.Context, disputeID uuid.UUID, agentID string) error {
	cmd, err := db.pool.Exec(ctx,
		`DELETE FROM votes WHERE dispute_id = $1 AND agent_id = $2`,
		disputeID, agentID)
	if err != nil {
		return fmt.Errorf("storage: delete vote: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListVotes returns all votes on a dispute.
func (db *DB) ListVotes(ctx context.Context, disputeID uuid.UUID) ([]model.Vote, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT dispute_id, agent_id, choice, weight, justification, created_at
		 FROM votes WHERE dispute_id = $1 ORDER BY created_at`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("storage: list votes: %w", err)
	}
	defer rows.Close()

	var votes []model.Vote
	for rows.Next() {
		var v model.Vote
		if err := rows.Scan(&v.DisputeID, &v.AgentID, &v.Choice, &v.Weight, &v.Justification, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan vote: %w", err)
		}
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

// TallyVotes sums vote weight per choice for a dispute.
func (db *DB) TallyVotes(ctx context.Context, disputeID uuid.UUID) (map[string]float64, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT choice, SUM(weight) FROM votes WHERE dispute_id = $1 GROUP BY choice`,
		disputeID)
	if err != nil {
		return nil, fmt.Errorf("storage: tally votes: %w", err)
	}
	defer rows.Close()

	tally := make(map[string]float64)
	for rows.Next() {
		var (
			choice string
			total  float64
		)
		if err := rows.Scan(&choice, &total); err != nil {
			return nil, fmt.Errorf("storage: scan tally: %w", err)
		}
		tally[choice] = total
	}
	return tally, rows.Err()
}

func scanDispute(row rowScanner) (model.Dispute, error) {
	var (
		d         model.Dispute
		statusStr string
	)
	err := row.Scan(
		&d.ID, &d.MatchID, &d.InitiatorAgentID, &d.Reason, &d.Evidence,
		&statusStr, &d.Tier, &d.Resolution, &d.WinnerAgentID,
		&d.AIAnalysis, &d.AIConfidence, &d.CreatedAt, &d.ResolvedAt,
	)
	if err != nil {
		return model.Dispute{}, err
	}
	d.Status = model.DisputeStatus(statusStr)
	return d, nil
}
