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

const agentColumns = `id, agent_id, name, skills, reputation_score,
	quality, reliability, communication, fairness,
	completed_tasks, last_decay_at, metadata, created_at, updated_at`

// CreateAgent inserts a new agent with neutral reputation components.
func (db *DB) CreateAgent(ctx context.Context, agent model.Agent) (model.Agent, error) {
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now
	if agent.LastDecayAt.IsZero() {
		agent.LastDecayAt = now
	}
	if agent.Components == (model.Components{}) {
		agent.Components = model.NeutralComponents()
	}
	agent.ReputationScore = agent.Components.WeightedScore()
	if agent.Metadata == nil {
		agent.Metadata = map[string]any{}
	}
	if agent.Skills == nil {
		agent.Skills = []string{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO agents (id, agent_id, name, skills, reputation_score,
		 quality, reliability, communication, fairness,
		 completed_tasks, last_decay_at, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		agent.ID, agent.AgentID, agent.Name, agent.Skills, agent.ReputationScore,
		agent.Components.Quality, agent.Components.Reliability,
		agent.Components.Communication, agent.Components.Fairness,
		agent.CompletedTasks, agent.LastDecayAt, agent.Metadata, agent.CreatedAt, agent.UpdatedAt,
	)
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: create agent: %w", err)
	}
	return agent, nil
}

// GetAgent returns an agent by its external agent id.
func (db *DB) GetAgent(ctx context.Context, agentID string) (model.Agent, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = $1`, agentID)
	agent, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Agent{}, ErrNotFound
	}
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: get agent %s: %w", agentID, err)
	}
	return agent, nil
}

// ListAgents returns all agents ordered by creation time.
// Used by the decay sweep; the agent population is bounded.
func (db *DB) ListAgents(ctx context.Context) ([]model.Agent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// ApplyReputation atomically updates an agent's components and derived score
// and appends the corresponding ledger event in a single transaction. The
// score must be the weighted recomputation of comps; callers never pass an
// independently computed score. incrementTasks bumps completed_tasks (ratings
// only); advanceDecay moves last_decay_at to now (decay only).
func (db *DB) ApplyReputation(
	ctx context.Context,
	agentID string,
	comps model.Components,
	score float64,
	incrementTasks bool,
	advanceDecay bool,
	event model.ReputationEvent,
) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin reputation tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	taskDelta := 0
	if incrementTasks {
		taskDelta = 1
	}

	var tag string
	if advanceDecay {
		tag = `UPDATE agents SET quality = $2, reliability = $3, communication = $4, fairness = $5,
			reputation_score = $6, completed_tasks = completed_tasks + $7,
			last_decay_at = $8, updated_at = $8
			WHERE agent_id = $1`
	} else {
		tag = `UPDATE agents SET quality = $2, reliability = $3, communication = $4, fairness = $5,
			reputation_score = $6, completed_tasks = completed_tasks + $7,
			updated_at = $8
			WHERE agent_id = $1`
	}
	cmd, err := tx.Exec(ctx, tag,
		agentID, comps.Quality, comps.Reliability, comps.Communication, comps.Fairness,
		score, taskDelta, now,
	)
	if err != nil {
		return fmt.Errorf("storage: update agent reputation: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}

	if err := insertReputationEventTx(ctx, tx, event); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit reputation tx: %w", err)
	}
	return nil
}

func insertReputationEventTx(ctx context.Context, tx pgx.Tx, event model.ReputationEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO reputation_events (id, agent_id, type, component, impact, match_id, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.AgentID, string(event.Type), event.Component,
		event.Impact, event.MatchID, event.Reason, event.CreatedAt,
	); err != nil {
		return fmt.Errorf("storage: insert reputation event: %w", err)
	}
	return nil
}

// ListReputationEvents returns the most recent ledger entries for an agent.
func (db *DB) ListReputationEvents(ctx context.Context, agentID string, limit int) ([]model.ReputationEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, agent_id, type, component, impact, match_id, reason, created_at
		 FROM reputation_events
		 WHERE agent_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list reputation events: %w", err)
	}
	defer rows.Close()

	var events []model.ReputationEvent
	for rows.Next() {
		var (
			e         model.ReputationEvent
			eventType string
			component *string
		)
		if err := rows.Scan(&e.ID, &e.AgentID, &eventType, &component,
			&e.Impact, &e.MatchID, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan reputation event: %w", err)
		}
		e.Type = model.ReputationEventType(eventType)
		if component != nil {
			c := model.ReputationComponent(*component)
			e.Component = &c
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (model.Agent, error) {
	var a model.Agent
	err := row.Scan(
		&a.ID, &a.AgentID, &a.Name, &a.Skills, &a.ReputationScore,
		&a.Components.Quality, &a.Components.Reliability,
		&a.Components.Communication, &a.Components.Fairness,
		&a.CompletedTasks, &a.LastDecayAt, &a.Metadata, &a.CreatedAt, &a.UpdatedAt,
	)
	return a, err
}
