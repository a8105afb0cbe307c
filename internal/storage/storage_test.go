package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/clawmarket/internal/model"
	"github.com/openclaw/clawmarket/internal/storage"
	"github.com/openclaw/clawmarket/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		os.Exit(1)
	}
	defer testDB.Close()

	os.Exit(m.Run())
}

// newAgentID returns a unique external agent id so tests never collide on
// the active-pair guard or the agents unique constraint.
func newAgentID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func createTestAgent(t *testing.T, agentID string) model.Agent {
	t.Helper()
	a, err := testDB.CreateAgent(context.Background(), model.Agent{AgentID: agentID, Name: agentID})
	require.NoError(t, err)
	return a
}

func createTestIntent(t *testing.T, kind model.IntentKind, agentID string) model.Intent {
	t.Helper()
	in, err := testDB.CreateIntent(context.Background(), model.Intent{
		Kind:    kind,
		AgentID: agentID,
		Title:   "test intent",
		Skills:  []string{"go"},
	})
	require.NoError(t, err)
	return in
}

func createTestMatch(t *testing.T, needAgent, offerAgent string) model.Match {
	t.Helper()
	need := createTestIntent(t, model.KindNeed, needAgent)
	offer := createTestIntent(t, model.KindOffer, offerAgent)
	m, created, err := testDB.CreateMatch(context.Background(), model.Match{
		NeedIntentID:  need.ID,
		OfferIntentID: offer.ID,
		Score:         75,
		Algorithm:     "hybrid_v1",
		NeedAgentID:   needAgent,
		OfferAgentID:  offerAgent,
		ExpiresAt:     time.Now().UTC().Add(7 * 24 * time.Hour),
	})
	require.NoError(t, err)
	require.True(t, created)
	return m
}

// embedding returns a 1536-dim vector pointing mostly along the given axis.
func embedding(axis int) pgvector.Vector {
	v := make([]float32, 1536)
	v[axis] = 1
	return pgvector.NewVector(v)
}

func TestAgentCRUD(t *testing.T) {
	ctx := context.Background()
	agentID := newAgentID("agent")

	created := createTestAgent(t, agentID)
	assert.InDelta(t, 50, created.ReputationScore, 1e-9)
	assert.Equal(t, model.NeutralComponents(), created.Components)

	got, err := testDB.GetAgent(ctx, agentID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, agentID, got.AgentID)

	_, err = testDB.GetAgent(ctx, "nonexistent-agent")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	agents, err := testDB.ListAgents(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, agents)
}

func TestApplyReputation(t *testing.T) {
	ctx := context.Background()
	agentID := newAgentID("rated")
	createTestAgent(t, agentID)

	comps := model.NeutralComponents().Set(model.ComponentQuality, 75)
	comp := model.ComponentQuality
	err := testDB.ApplyReputation(ctx, agentID, comps, comps.WeightedScore(), true, false, model.ReputationEvent{
		AgentID:   agentID,
		Type:      model.EventRating,
		Component: &comp,
		Impact:    25,
		Reason:    "5-star rating",
	})
	require.NoError(t, err)

	got, err := testDB.GetAgent(ctx, agentID)
	require.NoError(t, err)
	assert.InDelta(t, 75, got.Components.Quality, 1e-9)
	assert.InDelta(t, 60, got.ReputationScore, 1e-9)
	assert.Equal(t, 1, got.CompletedTasks)

	events, err := testDB.ListReputationEvents(ctx, agentID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventRating, events[0].Type)
	assert.InDelta(t, 25, events[0].Impact, 1e-9)

	// Unknown agent is rejected without writing a ledger entry.
	err = testDB.ApplyReputation(ctx, "nonexistent-agent", comps, comps.WeightedScore(), false, false, model.ReputationEvent{
		AgentID: "nonexistent-agent",
		Type:    model.EventRating,
		Reason:  "no-op",
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestIntentLifecycle(t *testing.T) {
	ctx := context.Background()
	agentID := newAgentID("poster")

	in := createTestIntent(t, model.KindNeed, agentID)
	assert.Equal(t, model.IntentOpen, in.Status)

	got, err := testDB.GetIntent(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, in.ID, got.ID)
	assert.Nil(t, got.Embedding)

	// Attaching an embedding enqueues an upsert in the outbox.
	require.NoError(t, testDB.SetIntentEmbedding(ctx, in.ID, embedding(0)))

	var outboxOps int
	err = testDB.Pool().QueryRow(ctx,
		`SELECT count(*) FROM search_outbox WHERE intent_id = $1 AND operation = 'upsert'`,
		in.ID).Scan(&outboxOps)
	require.NoError(t, err)
	assert.Equal(t, 1, outboxOps)

	got, err = testDB.GetIntent(ctx, in.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Embedding)
	assert.Len(t, got.Embedding.Slice(), 1536)

	require.NoError(t, testDB.UpdateIntentStatus(ctx, in.ID, model.IntentClosed))
	got, err = testDB.GetIntent(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, model.IntentClosed, got.Status)

	_, err = testDB.GetIntent(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCloseExpiredIntents(t *testing.T) {
	ctx := context.Background()
	agentID := newAgentID("expiry")

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	expired, err := testDB.CreateIntent(ctx, model.Intent{
		Kind: model.KindOffer, AgentID: agentID, Title: "stale", ExpiresAt: &past,
	})
	require.NoError(t, err)
	fresh, err := testDB.CreateIntent(ctx, model.Intent{
		Kind: model.KindOffer, AgentID: agentID, Title: "fresh", ExpiresAt: &future,
	})
	require.NoError(t, err)

	n, err := testDB.CloseExpiredIntents(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	got, err := testDB.GetIntent(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, model.IntentClosed, got.Status)

	got, err = testDB.GetIntent(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, model.IntentOpen, got.Status)

	// Second sweep finds nothing new.
	n, err = testDB.CloseExpiredIntents(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestFindCandidateIntents(t *testing.T) {
	ctx := context.Background()
	seeker := newAgentID("seeker")
	providerA := newAgentID("provider-a")
	providerB := newAgentID("provider-b")

	near := createTestIntent(t, model.KindOffer, providerA)
	require.NoError(t, testDB.SetIntentEmbedding(ctx, near.ID, embedding(1)))

	far := createTestIntent(t, model.KindOffer, providerB)
	require.NoError(t, testDB.SetIntentEmbedding(ctx, far.ID, embedding(2)))

	// The seeker's own offer must never come back as a candidate.
	own := createTestIntent(t, model.KindOffer, seeker)
	require.NoError(t, testDB.SetIntentEmbedding(ctx, own.ID, embedding(1)))

	// Closed intents are invisible to candidate generation.
	closed := createTestIntent(t, model.KindOffer, providerA)
	require.NoError(t, testDB.SetIntentEmbedding(ctx, closed.ID, embedding(1)))
	require.NoError(t, testDB.UpdateIntentStatus(ctx, closed.ID, model.IntentClosed))

	// Query along axis 1: near is an exact hit, far is orthogonal.
	query := make([]float32, 1536)
	query[1] = 1
	candidates, err := testDB.FindCandidateIntents(ctx, pgvector.NewVector(query), model.KindOffer, seeker, 50)
	require.NoError(t, err)

	ids := make(map[uuid.UUID]float64, len(candidates))
	for _, c := range candidates {
		ids[c.Intent.ID] = c.Similarity
	}
	require.Contains(t, ids, near.ID)
	assert.InDelta(t, 1.0, ids[near.ID], 0.01)
	assert.NotContains(t, ids, own.ID)
	assert.NotContains(t, ids, closed.ID)

	// Descending similarity ordering.
	for i := 1; i < len(candidates); i++ {
		assert.GreaterOrEqual(t, candidates[i-1].Similarity, candidates[i].Similarity)
	}
}

func TestCreateMatchPairGuard(t *testing.T) {
	ctx := context.Background()
	needAgent := newAgentID("need")
	offerAgent := newAgentID("offer")

	first := createTestMatch(t, needAgent, offerAgent)

	// A second create for the same pair returns the existing match even with
	// the agents swapped; the pair key is order-independent.
	otherNeed := createTestIntent(t, model.KindNeed, offerAgent)
	otherOffer := createTestIntent(t, model.KindOffer, needAgent)
	m, created, err := testDB.CreateMatch(ctx, model.Match{
		NeedIntentID:  otherNeed.ID,
		OfferIntentID: otherOffer.ID,
		Score:         90,
		Algorithm:     "hybrid_v1",
		NeedAgentID:   offerAgent,
		OfferAgentID:  needAgent,
		ExpiresAt:     time.Now().UTC().Add(24 * time.Hour),
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, m.ID)

	// A different algorithm is a separate guard scope.
	m2, created, err := testDB.CreateMatch(ctx, model.Match{
		NeedIntentID:  otherNeed.ID,
		OfferIntentID: otherOffer.ID,
		Score:         0,
		Algorithm:     "manual",
		NeedAgentID:   offerAgent,
		OfferAgentID:  needAgent,
		ExpiresAt:     time.Now().UTC().Add(24 * time.Hour),
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, m2.ID)

	// Rejecting (deleting) the first match frees the pair for re-proposal.
	require.NoError(t, testDB.DeleteMatch(ctx, first.ID))
	_, created, err = testDB.CreateMatch(ctx, model.Match{
		NeedIntentID:  first.NeedIntentID,
		OfferIntentID: first.OfferIntentID,
		Score:         75,
		Algorithm:     "hybrid_v1",
		NeedAgentID:   needAgent,
		OfferAgentID:  offerAgent,
		ExpiresAt:     time.Now().UTC().Add(24 * time.Hour),
	})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestMatchTransitions(t *testing.T) {
	ctx := context.Background()
	needAgent := newAgentID("need")
	offerAgent := newAgentID("offer")
	m := createTestMatch(t, needAgent, offerAgent)

	require.NoError(t, testDB.SetMatchNegotiating(ctx, m.ID, map[string]any{"rate": 40.0}))
	got, err := testDB.GetMatch(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MatchNegotiating, got.Status)
	assert.Equal(t, 40.0, got.ProposedTerms["rate"])

	// Accept moves the match and both parent intents in one transaction.
	acceptedAt := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, testDB.AcceptMatch(ctx, got, acceptedAt))
	got, err = testDB.GetMatch(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MatchAccepted, got.Status)
	require.NotNil(t, got.AcceptedAt)

	for _, id := range []uuid.UUID{m.NeedIntentID, m.OfferIntentID} {
		in, err := testDB.GetIntent(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.IntentMatched, in.Status)
	}

	require.NoError(t, testDB.FinalizeMatch(ctx, got, time.Now().UTC()))
	got, err = testDB.GetMatch(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MatchFinalized, got.Status)
	require.NotNil(t, got.FinalizedAt)

	for _, id := range []uuid.UUID{m.NeedIntentID, m.OfferIntentID} {
		in, err := testDB.GetIntent(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.IntentClosed, in.Status)
	}

	// Mutations on a missing match surface ErrNotFound.
	assert.ErrorIs(t, testDB.SetMatchNegotiating(ctx, uuid.New(), nil), storage.ErrNotFound)
	assert.ErrorIs(t, testDB.DeleteMatch(ctx, uuid.New()), storage.ErrNotFound)
}

func TestExpireStaleMatches(t *testing.T) {
	ctx := context.Background()

	stale := createTestMatch(t, newAgentID("stale-need"), newAgentID("stale-offer"))
	fresh := createTestMatch(t, newAgentID("fresh-need"), newAgentID("fresh-offer"))

	// Backdate the stale match past the TTL.
	_, err := testDB.Pool().Exec(ctx,
		`UPDATE matches SET created_at = now() - interval '8 days' WHERE id = $1`, stale.ID)
	require.NoError(t, err)

	cutoff := time.Now().UTC().Add(-7 * 24 * time.Hour)
	n, err := testDB.ExpireStaleMatches(ctx, cutoff)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	got, err := testDB.GetMatch(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MatchExpired, got.Status)

	got, err = testDB.GetMatch(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MatchProposed, got.Status)

	// Idempotent: already-expired matches no longer qualify.
	n, err = testDB.ExpireStaleMatches(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestListMatchesByAgent(t *testing.T) {
	ctx := context.Background()
	agentID := newAgentID("busy")

	m1 := createTestMatch(t, agentID, newAgentID("peer-a"))
	m2 := createTestMatch(t, newAgentID("peer-b"), agentID)

	matches, err := testDB.ListMatchesByAgent(ctx, agentID, 10)
	require.NoError(t, err)
	require.Len(t, matches, 2)

	seen := map[uuid.UUID]bool{m1.ID: false, m2.ID: false}
	for _, m := range matches {
		seen[m.ID] = true
		assert.True(t, m.IsParty(agentID))
	}
	assert.True(t, seen[m1.ID])
	assert.True(t, seen[m2.ID])
}

func TestDisputeLifecycle(t *testing.T) {
	ctx := context.Background()
	needAgent := newAgentID("need")
	offerAgent := newAgentID("offer")
	m := createTestMatch(t, needAgent, offerAgent)

	d := model.Dispute{
		MatchID:          m.ID,
		InitiatorAgentID: needAgent,
		Reason:           "deliverable missing",
		Evidence:         []string{"no commit in repo"},
		Status:           model.DisputeOpen,
		Tier:             model.TierAutomated,
	}
	require.NoError(t, testDB.CreateDispute(ctx, d))

	// The match flipped to disputed in the same transaction.
	gotMatch, err := testDB.GetMatch(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MatchDisputed, gotMatch.Status)

	open, err := testDB.GetOpenDisputeForMatch(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DisputeOpen, open.Status)
	assert.Equal(t, model.TierAutomated, open.Tier)

	require.NoError(t, testDB.SetDisputeAnalysis(ctx, open.ID, "low confidence", 40))
	got, err := testDB.GetDispute(ctx, open.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AIConfidence)
	assert.InDelta(t, 40, *got.AIConfidence, 1e-9)

	require.NoError(t, testDB.SetDisputeVoting(ctx, open.ID))
	got, err = testDB.GetDispute(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DisputeVoting, got.Status)
	assert.Equal(t, model.TierCommunity, got.Tier)

	// Escalation is one-way: a voting dispute cannot re-enter voting.
	assert.ErrorIs(t, testDB.SetDisputeVoting(ctx, open.ID), storage.ErrNotFound)

	winner := needAgent
	require.NoError(t, testDB.ResolveDispute(ctx, open.ID, model.ResolutionRefund, &winner, model.TierCommunity, time.Now().UTC()))
	got, err = testDB.GetDispute(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DisputeResolved, got.Status)
	require.NotNil(t, got.Resolution)
	assert.Equal(t, model.ResolutionRefund, *got.Resolution)
	require.NotNil(t, got.ResolvedAt)

	// Resolution is terminal and never touches the match.
	assert.ErrorIs(t,
		testDB.ResolveDispute(ctx, open.ID, model.ResolutionUphold, nil, model.TierCouncil, time.Now().UTC()),
		storage.ErrNotFound)
	gotMatch, err = testDB.GetMatch(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MatchDisputed, gotMatch.Status)

	// A resolved dispute no longer blocks a new one for the match.
	_, err = testDB.GetOpenDisputeForMatch(ctx, m.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestVotes(t *testing.T) {
	ctx := context.Background()
	needAgent := newAgentID("need")
	offerAgent := newAgentID("offer")
	m := createTestMatch(t, needAgent, offerAgent)

	d := model.Dispute{
		ID:               uuid.New(),
		MatchID:          m.ID,
		InitiatorAgentID: needAgent,
		Reason:           "late delivery",
		Status:           model.DisputeOpen,
		Tier:             model.TierAutomated,
	}
	require.NoError(t, testDB.CreateDispute(ctx, d))
	require.NoError(t, testDB.SetDisputeVoting(ctx, d.ID))

	voterA := newAgentID("voter-a")
	voterB := newAgentID("voter-b")
	require.NoError(t, testDB.UpsertVote(ctx, model.Vote{
		DisputeID: d.ID, AgentID: voterA, Choice: model.ResolutionRefund, Weight: 72,
	}))
	require.NoError(t, testDB.UpsertVote(ctx, model.Vote{
		DisputeID: d.ID, AgentID: voterB, Choice: model.ResolutionUphold, Weight: 65,
	}))

	// Re-voting replaces, not duplicates.
	require.NoError(t, testDB.UpsertVote(ctx, model.Vote{
		DisputeID: d.ID, AgentID: voterA, Choice: model.ResolutionUphold, Weight: 72,
	}))

	votes, err := testDB.ListVotes(ctx, d.ID)
	require.NoError(t, err)
	assert.Len(t, votes, 2)

	tally, err := testDB.TallyVotes(ctx, d.ID)
	require.NoError(t, err)
	assert.InDelta(t, 137, tally[model.ResolutionUphold], 1e-9)
	assert.NotContains(t, tally, model.ResolutionRefund)

	require.NoError(t, testDB.DeleteVote(ctx, d.ID, voterA))
	assert.ErrorIs(t, testDB.DeleteVote(ctx, d.ID, voterA), storage.ErrNotFound)

	tally, err = testDB.TallyVotes(ctx, d.ID)
	require.NoError(t, err)
	assert.InDelta(t, 65, tally[model.ResolutionUphold], 1e-9)
}
