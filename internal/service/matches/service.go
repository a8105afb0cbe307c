// Package matches implements the match lifecycle state machine. Every
// mutation authorizes the caller by party membership and validates the
// transition against the current status before touching storage.
package matches

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/clawmarket/internal/matching"
	"github.com/openclaw/clawmarket/internal/model"
	"github.com/openclaw/clawmarket/internal/storage"
)

// Sentinel errors for the HTTP layer to map onto response codes.
var (
	// ErrNotParty means the acting agent is not one of the two matched agents.
	ErrNotParty = errors.New("matches: agent is not a party to this match")

	// ErrInvalidTransition means the match's current status does not permit
	// the requested transition.
	ErrInvalidTransition = errors.New("matches: invalid status transition")
)

// Service drives match state transitions.
type Service struct {
	db     *storage.DB
	engine *matching.Engine
	logger *slog.Logger
}

// New creates a match lifecycle service.
func New(db *storage.DB, engine *matching.Engine, logger *slog.Logger) *Service {
	return &Service{db: db, engine: engine, logger: logger}
}

// Get returns a match by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (model.Match, error) {
	return s.db.GetMatch(ctx, id)
}

// ListByAgent returns matches the agent is a party to, newest first.
func (s *Service) ListByAgent(ctx context.Context, agentID string, limit int) ([]model.Match, error) {
	return s.db.ListMatchesByAgent(ctx, agentID, limit)
}

// Propose creates a match manually between a need and an offer intent,
// bypassing scoring. Used by agents that found each other out of band.
// The pair guard still applies: an existing active match for the pair is
// returned instead of a duplicate.
func (s *Service) Propose(ctx context.Context, needIntentID, offerIntentID uuid.UUID) (model.Match, error) {
	need, err := s.db.GetIntent(ctx, needIntentID)
	if err != nil {
		return model.Match{}, fmt.Errorf("matches: load need intent: %w", err)
	}
	offer, err := s.db.GetIntent(ctx, offerIntentID)
	if err != nil {
		return model.Match{}, fmt.Errorf("matches: load offer intent: %w", err)
	}
	if need.Status != model.IntentOpen || offer.Status != model.IntentOpen {
		return model.Match{}, fmt.Errorf("%w: both intents must be open", ErrInvalidTransition)
	}
	if need.AgentID == offer.AgentID {
		return model.Match{}, fmt.Errorf("%w: an agent cannot match with itself", ErrInvalidTransition)
	}

	cfg := s.engine.Config()
	now := time.Now().UTC()
	m := model.Match{
		NeedIntentID:  needIntentID,
		OfferIntentID: offerIntentID,
		Score:         0,
		Algorithm:     "manual",
		Status:        model.MatchProposed,
		NeedAgentID:   need.AgentID,
		OfferAgentID:  offer.AgentID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(cfg.MatchTTL),
	}
	stored, created, err := s.db.CreateMatch(ctx, m)
	if err != nil {
		return model.Match{}, err
	}
	if !created {
		s.logger.Debug("matches: manual proposal found existing match", "match_id", stored.ID)
	}
	return stored, nil
}

// Negotiate moves a match to negotiating with new proposed terms. Permitted
// from proposed, negotiating, and accepted; renegotiating an accepted match
// reopens it.
func (s *Service) Negotiate(ctx context.Context, id uuid.UUID, agentID string, terms map[string]any) (model.Match, error) {
	m, err := s.authorize(ctx, id, agentID)
	if err != nil {
		return model.Match{}, err
	}
	if !model.CanNegotiate(m.Status) {
		return model.Match{}, fmt.Errorf("%w: cannot negotiate from %s", ErrInvalidTransition, m.Status)
	}
	if err := s.db.SetMatchNegotiating(ctx, id, terms); err != nil {
		return model.Match{}, err
	}
	m.Status = model.MatchNegotiating
	m.ProposedTerms = terms
	s.logger.Info("matches: negotiating", "match_id", id, "agent_id", agentID)
	return m, nil
}

// Accept moves a match to accepted and both parent intents to matched.
func (s *Service) Accept(ctx context.Context, id uuid.UUID, agentID string) (model.Match, error) {
	m, err := s.authorize(ctx, id, agentID)
	if err != nil {
		return model.Match{}, err
	}
	if !model.CanAccept(m.Status) {
		return model.Match{}, fmt.Errorf("%w: cannot accept from %s", ErrInvalidTransition, m.Status)
	}
	now := time.Now().UTC()
	if err := s.db.AcceptMatch(ctx, m, now); err != nil {
		return model.Match{}, err
	}
	m.Status = model.MatchAccepted
	m.AcceptedAt = &now
	s.logger.Info("matches: accepted", "match_id", id, "agent_id", agentID)
	return m, nil
}

// Finalize completes a match and closes both parent intents. Terminal: a
// finalized match never transitions again.
func (s *Service) Finalize(ctx context.Context, id uuid.UUID, agentID string) (model.Match, error) {
	m, err := s.authorize(ctx, id, agentID)
	if err != nil {
		return model.Match{}, err
	}
	if !model.CanFinalize(m.Status) {
		return model.Match{}, fmt.Errorf("%w: cannot finalize from %s", ErrInvalidTransition, m.Status)
	}
	now := time.Now().UTC()
	if err := s.db.FinalizeMatch(ctx, m, now); err != nil {
		return model.Match{}, err
	}
	m.Status = model.MatchFinalized
	m.FinalizedAt = &now
	s.logger.Info("matches: finalized", "match_id", id, "agent_id", agentID)
	return m, nil
}

// Reject removes a match. The parent intents stay open and the pair becomes
// immediately eligible for a fresh proposal.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, agentID string) error {
	m, err := s.authorize(ctx, id, agentID)
	if err != nil {
		return err
	}
	if !model.CanReject(m.Status) {
		return fmt.Errorf("%w: cannot reject from %s", ErrInvalidTransition, m.Status)
	}
	// An unresolved dispute pins the match until it is resolved or withdrawn.
	if _, err := s.db.GetOpenDisputeForMatch(ctx, id); err == nil {
		return fmt.Errorf("%w: cannot reject while a dispute is unresolved", ErrInvalidTransition)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err := s.db.DeleteMatch(ctx, id); err != nil {
		return err
	}
	s.logger.Info("matches: rejected", "match_id", id, "agent_id", agentID)
	return nil
}

// ExpireStale expires proposed matches older than the configured TTL.
// Returns the number expired. Invoked by the scheduler.
func (s *Service) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.engine.Config().MatchTTL)
	return s.db.ExpireStaleMatches(ctx, cutoff)
}

func (s *Service) authorize(ctx context.Context, id uuid.UUID, agentID string) (model.Match, error) {
	m, err := s.db.GetMatch(ctx, id)
	if err != nil {
		return model.Match{}, err
	}
	if !m.IsParty(agentID) {
		return model.Match{}, ErrNotParty
	}
	return m, nil
}
