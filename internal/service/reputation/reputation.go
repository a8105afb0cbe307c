// Package reputation implements the trust score lifecycle: rating impacts,
// time decay toward the neutral midpoint, and the read-side profile view.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/clawmarket/internal/model"
	"github.com/openclaw/clawmarket/internal/storage"
)

// ErrInvalidRating is returned for ratings outside the accepted range or
// naming an unknown component.
var ErrInvalidRating = errors.New("reputation: invalid rating")

// Decay parameters. Each elapsed 30-day period pulls a component 5% of its
// distance back toward the neutral midpoint.
const (
	decayPeriod = 30 * 24 * time.Hour
	decayFactor = 0.95
)

// RatingImpact converts a 1-5 rating into a signed component delta.
// A 1-star rating yields -15, a 5-star yields +25; 2.5 would be neutral.
func RatingImpact(rating float64) float64 {
	return (rating - 2.5) * 10
}

// ApplyImpact adds a delta to a component value, clamped to [0, 100].
func ApplyImpact(current, impact float64) float64 {
	return clamp(current+impact, 0, 100)
}

// DecayPeriods returns the number of whole decay periods elapsed since last.
func DecayPeriods(last, now time.Time) int {
	if !now.After(last) {
		return 0
	}
	return int(now.Sub(last) / decayPeriod)
}

// DecayValue pulls a component value toward the neutral midpoint by the
// decay factor compounded over the given number of periods.
func DecayValue(value float64, periods int) float64 {
	if periods <= 0 {
		return value
	}
	return math.Max(0, (value-model.NeutralComponent)*math.Pow(decayFactor, float64(periods))+model.NeutralComponent)
}

// DecayComponents applies DecayValue to every component.
func DecayComponents(c model.Components, periods int) model.Components {
	if periods <= 0 {
		return c
	}
	return model.Components{
		Quality:       DecayValue(c.Quality, periods),
		Reliability:   DecayValue(c.Reliability, periods),
		Communication: DecayValue(c.Communication, periods),
		Fairness:      DecayValue(c.Fairness, periods),
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Service applies reputation mutations and serves the profile view.
type Service struct {
	db     *storage.DB
	logger *slog.Logger
}

// New creates a reputation service.
func New(db *storage.DB, logger *slog.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// RecordRating applies a 1-5 rating to one component of an agent's
// reputation. The component update, derived score recomputation, task
// counter bump, and ledger append are one atomic write.
func (s *Service) RecordRating(ctx context.Context, agentID string, component model.ReputationComponent, rating float64, matchID *uuid.UUID, reason string) (model.Agent, error) {
	if rating < 1 || rating > 5 {
		return model.Agent{}, fmt.Errorf("%w: rating %v outside [1, 5]", ErrInvalidRating, rating)
	}
	if !model.ValidComponent(component) {
		return model.Agent{}, fmt.Errorf("%w: unknown component %q", ErrInvalidRating, component)
	}

	agent, err := s.db.GetAgent(ctx, agentID)
	if err != nil {
		return model.Agent{}, err
	}

	impact := RatingImpact(rating)
	comps := agent.Components.Set(component, ApplyImpact(agent.Components.Get(component), impact))
	score := comps.WeightedScore()

	event := model.ReputationEvent{
		AgentID:   agentID,
		Type:      model.EventRating,
		Component: &component,
		Impact:    impact,
		MatchID:   matchID,
		Reason:    reason,
	}
	if err := s.db.ApplyReputation(ctx, agentID, comps, score, true, false, event); err != nil {
		return model.Agent{}, err
	}

	agent.Components = comps
	agent.ReputationScore = score
	agent.CompletedTasks++
	s.logger.Info("reputation: rating recorded",
		"agent_id", agentID, "component", component, "rating", rating, "score", score)
	return agent, nil
}

// ApplyDecay decays one agent's components for the periods elapsed since
// last_decay_at. A no-op when less than a full period has passed; the
// ledger only records decays that moved something.
func (s *Service) ApplyDecay(ctx context.Context, agentID string, now time.Time) (bool, error) {
	agent, err := s.db.GetAgent(ctx, agentID)
	if err != nil {
		return false, err
	}

	periods := DecayPeriods(agent.LastDecayAt, now)
	if periods == 0 {
		return false, nil
	}

	comps := DecayComponents(agent.Components, periods)
	score := comps.WeightedScore()

	// Impact -1 is a sentinel marking a decay entry, not a real delta; the
	// actual movement is derivable from the reason and surrounding events.
	event := model.ReputationEvent{
		AgentID: agentID,
		Type:    model.EventDecay,
		Impact:  -1,
		Reason:  fmt.Sprintf("reputation decay after %d month(s) of inactivity", periods),
	}
	if err := s.db.ApplyReputation(ctx, agentID, comps, score, false, true, event); err != nil {
		return false, err
	}
	s.logger.Info("reputation: decay applied",
		"agent_id", agentID, "periods", periods, "score", score)
	return true, nil
}

// DecayAll runs decay across every agent. Per-agent failures are logged and
// skipped so one bad row cannot stall the sweep. Returns the number of
// agents whose reputation moved.
func (s *Service) DecayAll(ctx context.Context, now time.Time) (int, error) {
	agents, err := s.db.ListAgents(ctx)
	if err != nil {
		return 0, err
	}

	decayed := 0
	for _, a := range agents {
		if ctx.Err() != nil {
			return decayed, ctx.Err()
		}
		moved, err := s.ApplyDecay(ctx, a.AgentID, now)
		if err != nil {
			s.logger.Warn("reputation: decay failed", "agent_id", a.AgentID, "error", err)
			continue
		}
		if moved {
			decayed++
		}
	}
	return decayed, nil
}

// Profile is the read-side reputation view: display-scale scores, trust
// tier, and the recent ledger.
type Profile struct {
	AgentID        string                  `json:"agent_id"`
	Score          float64                 `json:"score"`      // 0-5 display scale
	RawScore       float64                 `json:"raw_score"`  // 0-100 internal scale
	Components     model.Components        `json:"components"` // 0-100 internal scale
	Tier           model.TrustTier         `json:"tier"`
	CompletedTasks int                     `json:"completed_tasks"`
	RecentEvents   []model.ReputationEvent `json:"recent_events"`
}

// Get assembles an agent's reputation profile with its 50 most recent
// ledger events.
func (s *Service) Get(ctx context.Context, agentID string) (Profile, error) {
	agent, err := s.db.GetAgent(ctx, agentID)
	if err != nil {
		return Profile{}, err
	}
	events, err := s.db.ListReputationEvents(ctx, agentID, 50)
	if err != nil {
		return Profile{}, err
	}
	return Profile{
		AgentID:        agent.AgentID,
		Score:          agent.ReputationScore / 20,
		RawScore:       agent.ReputationScore,
		Components:     agent.Components,
		Tier:           model.TierFor(agent.ReputationScore),
		CompletedTasks: agent.CompletedTasks,
		RecentEvents:   events,
	}, nil
}
