// Package disputes implements the three-tier dispute controller: automated
// resolution, weighted community voting, and a council escalation hook.
package disputes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/clawmarket/internal/model"
	"github.com/openclaw/clawmarket/internal/storage"
)

// Sentinel errors for the HTTP layer to map onto response codes.
var (
	// ErrNotParty means the acting agent is not a party to the disputed match.
	ErrNotParty = errors.New("disputes: agent is not a party to this match")

	// ErrInvalidState means the dispute's current status does not permit the
	// requested operation.
	ErrInvalidState = errors.New("disputes: invalid state for operation")

	// ErrIneligibleVoter means the voter's reputation is below the voting
	// threshold.
	ErrIneligibleVoter = errors.New("disputes: reputation below voting threshold")
)

// MinVoterReputation is the reputation score an agent needs to vote.
const MinVoterReputation = 60.0

// Auto-resolve confidence thresholds by tier. Tier 1 demands more certainty
// because no human or community review precedes it.
const (
	autoResolveTier1 = 90.0
	autoResolveOther = 80.0
)

// EscalationPolicy decides whether a voting-stage dispute escalates to the
// council tier. No automatic trigger ships by default; deployments plug in
// their own policy.
type EscalationPolicy interface {
	ShouldEscalate(d model.Dispute, votes []model.Vote) bool
}

// Service drives the dispute state machine.
type Service struct {
	db       *storage.DB
	resolver Resolver
	policy   EscalationPolicy // may be nil
	logger   *slog.Logger
}

// New creates a dispute service. policy may be nil, in which case tier-2
// disputes never escalate automatically.
func New(db *storage.DB, resolver Resolver, policy EscalationPolicy, logger *slog.Logger) *Service {
	return &Service{db: db, resolver: resolver, policy: policy, logger: logger}
}

// Get returns a dispute by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (model.Dispute, error) {
	return s.db.GetDispute(ctx, id)
}

// List returns disputes, newest first, optionally filtered by status.
func (s *Service) List(ctx context.Context, status model.DisputeStatus, limit int) ([]model.Dispute, error) {
	return s.db.ListDisputes(ctx, status, limit)
}

// Create opens a tier-1 dispute on a match. The initiator must be a party
// to the match, and a match carries at most one unresolved dispute. The
// disputed flag on the match and the dispute row are written atomically;
// the automated resolver then runs in the background.
func (s *Service) Create(ctx context.Context, matchID uuid.UUID, agentID, reason string, evidence []string) (model.Dispute, error) {
	m, err := s.db.GetMatch(ctx, matchID)
	if err != nil {
		return model.Dispute{}, err
	}
	if !m.IsParty(agentID) {
		return model.Dispute{}, ErrNotParty
	}
	if _, err := s.db.GetOpenDisputeForMatch(ctx, matchID); err == nil {
		return model.Dispute{}, fmt.Errorf("%w: match already has an unresolved dispute", ErrInvalidState)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return model.Dispute{}, err
	}
	if reason == "" {
		return model.Dispute{}, fmt.Errorf("%w: reason is required", ErrInvalidState)
	}
	if evidence == nil {
		evidence = []string{}
	}

	d := model.Dispute{
		ID:               uuid.New(),
		MatchID:          matchID,
		InitiatorAgentID: agentID,
		Reason:           reason,
		Evidence:         evidence,
		Status:           model.DisputeOpen,
		Tier:             model.TierAutomated,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.db.CreateDispute(ctx, d); err != nil {
		return model.Dispute{}, err
	}
	s.logger.Info("disputes: created", "dispute_id", d.ID, "match_id", matchID, "initiator", agentID)

	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := s.RunResolution(bgCtx, d.ID); err != nil {
			s.logger.Warn("disputes: automated resolution failed", "dispute_id", d.ID, "error", err)
		}
	}()

	return d, nil
}

// RunResolution runs the automated resolver against an open dispute. The
// verdict is always recorded as analysis; the dispute resolves immediately
// only when confidence clears the tier's threshold, otherwise it stays
// open awaiting escalation to voting. Exposed for synchronous callers and
// tests.
func (s *Service) RunResolution(ctx context.Context, id uuid.UUID) error {
	d, err := s.db.GetDispute(ctx, id)
	if err != nil {
		return err
	}
	if d.Status != model.DisputeOpen {
		return nil
	}
	m, err := s.db.GetMatch(ctx, d.MatchID)
	if err != nil {
		return err
	}

	verdict, err := s.resolver.Analyze(ctx, d, m)
	if err != nil {
		return fmt.Errorf("disputes: analyze: %w", err)
	}
	if err := s.db.SetDisputeAnalysis(ctx, id, verdict.Analysis, verdict.Confidence); err != nil {
		return err
	}

	if verdict.Confidence >= autoResolveThreshold(d.Tier) {
		if err := s.db.ResolveDispute(ctx, id, verdict.Resolution, nil, d.Tier, time.Now().UTC()); err != nil {
			return err
		}
		s.logger.Info("disputes: auto-resolved",
			"dispute_id", id, "resolution", verdict.Resolution, "confidence", verdict.Confidence)
		return nil
	}

	s.logger.Info("disputes: confidence below threshold, awaiting escalation",
		"dispute_id", id, "confidence", verdict.Confidence)
	return nil
}

func autoResolveThreshold(tier int) float64 {
	if tier == model.TierAutomated {
		return autoResolveTier1
	}
	return autoResolveOther
}

// OpenVoting escalates an open dispute to the community voting tier.
func (s *Service) OpenVoting(ctx context.Context, id uuid.UUID) (model.Dispute, error) {
	d, err := s.db.GetDispute(ctx, id)
	if err != nil {
		return model.Dispute{}, err
	}
	if d.Status != model.DisputeOpen {
		return model.Dispute{}, fmt.Errorf("%w: cannot open voting from %s", ErrInvalidState, d.Status)
	}
	if err := s.db.SetDisputeVoting(ctx, id); err != nil {
		return model.Dispute{}, err
	}
	d.Status = model.DisputeVoting
	d.Tier = model.TierCommunity
	s.logger.Info("disputes: voting opened", "dispute_id", id)
	return d, nil
}

// CastVote records or updates an agent's vote on a voting-stage dispute.
// Eligibility demands reputation at or above MinVoterReputation; vote
// weight captures the voter's reputation score at cast time.
func (s *Service) CastVote(ctx context.Context, disputeID uuid.UUID, agentID, choice string, justification *string) (model.Vote, error) {
	d, err := s.db.GetDispute(ctx, disputeID)
	if err != nil {
		return model.Vote{}, err
	}
	if d.Status != model.DisputeVoting {
		return model.Vote{}, fmt.Errorf("%w: dispute is %s, not voting", ErrInvalidState, d.Status)
	}
	if choice == "" {
		return model.Vote{}, fmt.Errorf("%w: choice is required", ErrInvalidState)
	}

	voter, err := s.db.GetAgent(ctx, agentID)
	if err != nil {
		return model.Vote{}, err
	}
	if voter.ReputationScore < MinVoterReputation {
		return model.Vote{}, fmt.Errorf("%w: score %.1f < %.0f", ErrIneligibleVoter, voter.ReputationScore, MinVoterReputation)
	}

	v := model.Vote{
		DisputeID:     disputeID,
		AgentID:       agentID,
		Choice:        choice,
		Weight:        voter.ReputationScore,
		Justification: justification,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.db.UpsertVote(ctx, v); err != nil {
		return model.Vote{}, err
	}
	s.logger.Info("disputes: vote cast",
		"dispute_id", disputeID, "agent_id", agentID, "choice", choice, "weight", v.Weight)

	if s.policy != nil && d.Tier < model.TierCouncil {
		votes, err := s.db.ListVotes(ctx, disputeID)
		if err != nil {
			s.logger.Warn("disputes: escalation check failed", "dispute_id", disputeID, "error", err)
		} else if s.policy.ShouldEscalate(d, votes) {
			if err := s.db.EscalateDispute(ctx, disputeID, model.TierCouncil); err != nil {
				s.logger.Warn("disputes: escalation failed", "dispute_id", disputeID, "error", err)
			} else {
				s.logger.Info("disputes: escalated to council", "dispute_id", disputeID)
			}
		}
	}
	return v, nil
}

// RetractVote removes an agent's vote while the dispute is still voting.
func (s *Service) RetractVote(ctx context.Context, disputeID uuid.UUID, agentID string) error {
	d, err := s.db.GetDispute(ctx, disputeID)
	if err != nil {
		return err
	}
	if d.Status != model.DisputeVoting {
		return fmt.Errorf("%w: dispute is %s, not voting", ErrInvalidState, d.Status)
	}
	if err := s.db.DeleteVote(ctx, disputeID, agentID); err != nil {
		return err
	}
	s.logger.Info("disputes: vote retracted", "dispute_id", disputeID, "agent_id", agentID)
	return nil
}

// Tally sums vote weight per choice.
func (s *Service) Tally(ctx context.Context, disputeID uuid.UUID) (map[string]float64, error) {
	return s.db.TallyVotes(ctx, disputeID)
}

// Votes lists all votes on a dispute.
func (s *Service) Votes(ctx context.Context, disputeID uuid.UUID) ([]model.Vote, error) {
	return s.db.ListVotes(ctx, disputeID)
}

// Resolve terminally resolves a dispute with the given outcome. Mapping the
// resolution onto the disputed match is deliberately left to the caller;
// this operation never mutates match state.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID, resolution string, winnerAgentID *string) (model.Dispute, error) {
	switch resolution {
	case model.ResolutionUphold, model.ResolutionRefund, model.ResolutionSplit:
	default:
		return model.Dispute{}, fmt.Errorf("%w: unknown resolution %q", ErrInvalidState, resolution)
	}

	d, err := s.db.GetDispute(ctx, id)
	if err != nil {
		return model.Dispute{}, err
	}
	if d.Status == model.DisputeResolved {
		return model.Dispute{}, fmt.Errorf("%w: dispute already resolved", ErrInvalidState)
	}

	now := time.Now().UTC()
	if err := s.db.ResolveDispute(ctx, id, resolution, winnerAgentID, d.Tier, now); err != nil {
		return model.Dispute{}, err
	}
	d.Status = model.DisputeResolved
	d.Resolution = &resolution
	d.WinnerAgentID = winnerAgentID
	d.ResolvedAt = &now
	s.logger.Info("disputes: resolved", "dispute_id", id, "resolution", resolution)
	return d, nil
}
