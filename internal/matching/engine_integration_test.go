package matching_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/clawmarket/internal/matching"
	"github.com/openclaw/clawmarket/internal/model"
	"github.com/openclaw/clawmarket/internal/search"
	"github.com/openclaw/clawmarket/internal/storage"
	"github.com/openclaw/clawmarket/internal/testutil"
)

var (
	testDB     *storage.DB
	testEngine *matching.Engine
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	ctx := context.Background()
	logger := testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		os.Exit(1)
	}
	defer testDB.Close()

	testEngine, err = matching.NewEngine(testDB, search.NewPgVectorIndex(testDB), matching.DefaultConfig(), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create engine: %v\n", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

func newAgentID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

// axisEmbedding returns a 1536-dim unit vector along the given axis, so pairs
// sharing an axis have cosine similarity 1 and disjoint axes score 0.
func axisEmbedding(axis int) pgvector.Vector {
	v := make([]float32, 1536)
	v[axis] = 1
	return pgvector.NewVector(v)
}

func createEmbeddedIntent(t *testing.T, kind model.IntentKind, agentID string, axis int, mutate func(*model.Intent)) model.Intent {
	t.Helper()
	ctx := context.Background()
	in := model.Intent{
		Kind:    kind,
		AgentID: agentID,
		Title:   "embedded intent",
		Skills:  []string{"go", "sql"},
	}
	if mutate != nil {
		mutate(&in)
	}
	created, err := testDB.CreateIntent(ctx, in)
	require.NoError(t, err)
	require.NoError(t, testDB.SetIntentEmbedding(ctx, created.ID, axisEmbedding(axis)))
	got, err := testDB.GetIntent(ctx, created.ID)
	require.NoError(t, err)
	return got
}

func TestRunMatchingPassProposesAboveThreshold(t *testing.T) {
	ctx := context.Background()
	seeker := newAgentID("seeker")
	provider := newAgentID("provider")

	// Perfect semantic and skill alignment with unknown-agent neutral
	// reputation: 0.4 + 0.2*0.5 + 0.2*0.8 + 0.2 = 0.86 -> 86 > 60.
	need := createEmbeddedIntent(t, model.KindNeed, seeker, 10, nil)
	offer := createEmbeddedIntent(t, model.KindOffer, provider, 10, nil)

	created, err := testEngine.RunMatchingPass(ctx, need.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, created)

	m, err := testDB.GetActiveMatchForPair(ctx, seeker, provider, matching.Algorithm)
	require.NoError(t, err)
	assert.Equal(t, need.ID, m.NeedIntentID)
	assert.Equal(t, offer.ID, m.OfferIntentID)
	assert.Equal(t, 86, m.Score)
	assert.Equal(t, model.MatchProposed, m.Status)

	// A second pass finds the pair already matched and creates nothing.
	created, err = testEngine.RunMatchingPass(ctx, need.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, created)
}

func TestRunMatchingPassBelowThreshold(t *testing.T) {
	ctx := context.Background()
	seeker := newAgentID("seeker")
	provider := newAgentID("provider")

	// Orthogonal embeddings and disjoint skills: 0.2*0.5 + 0.2*0.8 = 0.26.
	need := createEmbeddedIntent(t, model.KindNeed, seeker, 20, func(in *model.Intent) {
		in.Skills = []string{"rust"}
	})
	createEmbeddedIntent(t, model.KindOffer, provider, 21, nil)

	created, err := testEngine.RunMatchingPass(ctx, need.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, created)

	_, err = testDB.GetActiveMatchForPair(ctx, seeker, provider, matching.Algorithm)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func createScoredAgent(t *testing.T, agentID string, score float64) {
	t.Helper()
	ctx := context.Background()
	_, err := testDB.CreateAgent(ctx, model.Agent{AgentID: agentID})
	require.NoError(t, err)

	comps := model.Components{Quality: score, Reliability: score, Communication: score, Fairness: score}
	require.NoError(t, testDB.ApplyReputation(ctx, agentID, comps, comps.WeightedScore(), false, false, model.ReputationEvent{
		AgentID: agentID,
		Type:    model.EventRating,
		Impact:  0,
		Reason:  "test setup",
	}))
}

func TestRunMatchingPassOfferSourceScoresCandidateReputation(t *testing.T) {
	ctx := context.Background()
	provider := newAgentID("veteran")
	seeker := newAgentID("rookie")

	// The posting agent carries a high score and the candidate a low one. The
	// reputation component rates the candidate, so the composite is
	// 0.4 + 0.2*0.1 + 0.2*0.8 + 0.2 = 0.78, not 0.94 from the poster's 90.
	createScoredAgent(t, provider, 90)
	createScoredAgent(t, seeker, 10)

	offer := createEmbeddedIntent(t, model.KindOffer, provider, 50, nil)
	need := createEmbeddedIntent(t, model.KindNeed, seeker, 50, nil)

	created, err := testEngine.RunMatchingPass(ctx, offer.ID)
	require.NoError(t, err)
	require.Equal(t, 1, created)

	m, err := testDB.GetActiveMatchForPair(ctx, seeker, provider, matching.Algorithm)
	require.NoError(t, err)
	assert.Equal(t, need.ID, m.NeedIntentID)
	assert.Equal(t, offer.ID, m.OfferIntentID)
	assert.Equal(t, 78, m.Score)
}

func TestRunMatchingPassMinReputationGate(t *testing.T) {
	ctx := context.Background()
	seeker := newAgentID("picky")
	provider := newAgentID("newcomer")

	// The provider exists with a neutral score of 50, below the demanded 70.
	_, err := testDB.CreateAgent(ctx, model.Agent{AgentID: provider})
	require.NoError(t, err)

	minRep := 70.0
	need := createEmbeddedIntent(t, model.KindNeed, seeker, 30, func(in *model.Intent) {
		in.MinReputation = &minRep
	})
	createEmbeddedIntent(t, model.KindOffer, provider, 30, nil)

	created, err := testEngine.RunMatchingPass(ctx, need.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, created)
}

func TestRunMatchingPassSkipsNonOpenSource(t *testing.T) {
	ctx := context.Background()
	agentID := newAgentID("closed")

	in := createEmbeddedIntent(t, model.KindNeed, agentID, 40, nil)
	require.NoError(t, testDB.UpdateIntentStatus(ctx, in.ID, model.IntentClosed))

	created, err := testEngine.RunMatchingPass(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, created)
}

func TestRunMatchingPassSkipsSourceWithoutEmbedding(t *testing.T) {
	ctx := context.Background()
	in, err := testDB.CreateIntent(ctx, model.Intent{
		Kind: model.KindNeed, AgentID: newAgentID("bare"), Title: "no embedding yet",
	})
	require.NoError(t, err)

	created, err := testEngine.RunMatchingPass(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, created)
}
