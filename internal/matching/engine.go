package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/openclaw/clawmarket/internal/model"
	"github.com/openclaw/clawmarket/internal/search"
	"github.com/openclaw/clawmarket/internal/storage"
	"github.com/openclaw/clawmarket/internal/telemetry"
)

// Engine runs matching passes: candidate generation through the configured
// index, composite scoring, and match proposal.
type Engine struct {
	db     *storage.DB
	finder search.CandidateFinder
	cfg    Config
	logger *slog.Logger

	passDuration    metric.Float64Histogram
	matchesProposed metric.Int64Counter
}

// NewEngine creates a matching engine. The config is validated once here;
// an invalid config is a deployment error, not a runtime condition.
func NewEngine(db *storage.DB, finder search.CandidateFinder, cfg Config, logger *slog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	meter := telemetry.Meter("clawmarket/matching")
	passDur, _ := meter.Float64Histogram("clawmarket.matching.pass.duration",
		metric.WithDescription("Time to run a matching pass (ms)"),
		metric.WithUnit("ms"),
	)
	proposed, _ := meter.Int64Counter("clawmarket.matching.proposed",
		metric.WithDescription("Matches proposed by matching passes"),
	)
	return &Engine{
		db:              db,
		finder:          finder,
		cfg:             cfg,
		logger:          logger,
		passDuration:    passDur,
		matchesProposed: proposed,
	}, nil
}

// Config returns the engine's immutable scoring parameters.
func (e *Engine) Config() Config {
	return e.cfg
}

// RunMatchingPass generates candidates for the source intent, scores each
// pair, and proposes matches for pairs that clear the threshold. Returns the
// number of matches created. A source intent that is not open or has no
// embedding yields zero matches without error.
func (e *Engine) RunMatchingPass(ctx context.Context, sourceID uuid.UUID) (int, error) {
	start := time.Now()
	defer func() {
		e.passDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	}()

	source, err := e.db.GetIntent(ctx, sourceID)
	if err != nil {
		return 0, fmt.Errorf("matching: load source intent: %w", err)
	}
	if source.Status != model.IntentOpen {
		e.logger.Debug("matching: source intent not open", "intent_id", sourceID, "status", source.Status)
		return 0, nil
	}
	if source.Embedding == nil {
		e.logger.Debug("matching: source intent has no embedding", "intent_id", sourceID)
		return 0, nil
	}

	candidates, err := e.finder.FindCandidates(ctx,
		source.Embedding.Slice(), source.Kind.Complement(), source.AgentID, e.cfg.CandidateLimit)
	if err != nil {
		return 0, fmt.Errorf("matching: find candidates: %w", err)
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	ids := make([]uuid.UUID, len(candidates))
	similarity := make(map[uuid.UUID]float64, len(candidates))
	for i, c := range candidates {
		ids[i] = c.IntentID
		similarity[c.IntentID] = float64(c.Similarity)
	}

	// Hydrate from Postgres. The index may lag; rows are re-checked here so a
	// stale index entry cannot produce a match against a closed intent.
	hydrated, err := e.db.GetIntentsForIndex(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("matching: hydrate candidates: %w", err)
	}

	reputations := make(map[string]float64)
	created := 0
	for _, cand := range hydrated {
		if cand.Status != model.IntentOpen || cand.AgentID == source.AgentID {
			continue
		}

		sourceRep, err := e.reputation(ctx, reputations, source.AgentID)
		if err != nil {
			return created, err
		}
		candRep, err := e.reputation(ctx, reputations, cand.AgentID)
		if err != nil {
			return created, err
		}

		// Either side may demand a minimum reputation from its counterpart.
		if source.MinReputation != nil && candRep*100 < *source.MinReputation {
			continue
		}
		if cand.MinReputation != nil && sourceRep*100 < *cand.MinReputation {
			continue
		}

		need, offer := orient(source, cand)

		// The reputation component always rates the candidate agent, whichever
		// side of the pair it lands on.
		subs := SubScores{
			Semantic:   clamp01(similarity[cand.ID]),
			Reputation: candRep,
			Price:      PriceScore(need, offer),
			Skills:     SkillOverlap(need.Skills, offer.Skills),
		}
		score := e.cfg.Composite(subs)
		if score <= e.cfg.Threshold {
			continue
		}

		now := time.Now().UTC()
		match := model.Match{
			NeedIntentID:  need.ID,
			OfferIntentID: offer.ID,
			Score:         score,
			Algorithm:     Algorithm,
			Status:        model.MatchProposed,
			NeedAgentID:   need.AgentID,
			OfferAgentID:  offer.AgentID,
			CreatedAt:     now,
			ExpiresAt:     now.Add(e.cfg.MatchTTL),
		}
		stored, wasCreated, err := e.db.CreateMatch(ctx, match)
		if err != nil {
			e.logger.Warn("matching: create match failed",
				"need_intent", need.ID, "offer_intent", offer.ID, "error", err)
			continue
		}
		if !wasCreated {
			e.logger.Debug("matching: pair already has an active match",
				"existing_match", stored.ID, "need_agent", need.AgentID, "offer_agent", offer.AgentID)
			continue
		}
		created++
		e.matchesProposed.Add(ctx, 1)
		e.logger.Info("matching: proposed match",
			"match_id", stored.ID,
			"score", score,
			"semantic", subs.Semantic,
			"reputation", subs.Reputation,
			"price", subs.Price,
			"skills", subs.Skills,
		)
	}
	return created, nil
}

// reputation returns the agent's normalized reputation in [0, 1], caching per
// pass. Unknown agents score a neutral 0.5 rather than failing the pass.
func (e *Engine) reputation(ctx context.Context, cache map[string]float64, agentID string) (float64, error) {
	if r, ok := cache[agentID]; ok {
		return r, nil
	}
	agent, err := e.db.GetAgent(ctx, agentID)
	if errors.Is(err, storage.ErrNotFound) {
		cache[agentID] = 0.5
		return 0.5, nil
	}
	if err != nil {
		return 0, fmt.Errorf("matching: load agent %s: %w", agentID, err)
	}
	r := clamp01(agent.ReputationScore / 100)
	cache[agentID] = r
	return r, nil
}

// orient assigns the need and offer sides of a pair. The need side drives
// price evaluation, so a non-offer source (need, query, collaboration) takes
// the need role.
func orient(source, candidate model.Intent) (need, offer model.Intent) {
	if source.Kind == model.KindOffer {
		return candidate, source
	}
	return source, candidate
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
