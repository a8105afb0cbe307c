package matches_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/clawmarket/internal/matching"
	"github.com/openclaw/clawmarket/internal/model"
	"github.com/openclaw/clawmarket/internal/search"
	"github.com/openclaw/clawmarket/internal/service/matches"
	"github.com/openclaw/clawmarket/internal/storage"
	"github.com/openclaw/clawmarket/internal/testutil"
)

var (
	testDB  *storage.DB
	testSvc *matches.Service
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

	engine, err := matching.NewEngine(testDB, search.NewPgVectorIndex(testDB), matching.DefaultConfig(), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create engine: %v\n", err)
		os.Exit(1)
	}
	testSvc = matches.New(testDB, engine, logger)

	os.Exit(m.Run())
}

func newAgentID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func createIntent(t *testing.T, kind model.IntentKind, agentID string) model.Intent {
	t.Helper()
	in, err := testDB.CreateIntent(context.Background(), model.Intent{
		Kind: kind, AgentID: agentID, Title: "test intent",
	})
	require.NoError(t, err)
	return in
}

func TestProposeManual(t *testing.T) {
	ctx := context.Background()
	needAgent := newAgentID("need")
	offerAgent := newAgentID("offer")
	need := createIntent(t, model.KindNeed, needAgent)
	offer := createIntent(t, model.KindOffer, offerAgent)

	m, err := testSvc.Propose(ctx, need.ID, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, "manual", m.Algorithm)
	assert.Equal(t, 0, m.Score)
	assert.Equal(t, model.MatchProposed, m.Status)
	assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), m.ExpiresAt, time.Minute)

	// Re-proposing the same pair returns the existing match.
	again, err := testSvc.Propose(ctx, need.ID, offer.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, again.ID)
}

func TestProposeRejectsSelfMatch(t *testing.T) {
	ctx := context.Background()
	agentID := newAgentID("solo")
	need := createIntent(t, model.KindNeed, agentID)
	offer := createIntent(t, model.KindOffer, agentID)

	_, err := testSvc.Propose(ctx, need.ID, offer.ID)
	assert.ErrorIs(t, err, matches.ErrInvalidTransition)
}

func TestProposeRequiresOpenIntents(t *testing.T) {
	ctx := context.Background()
	need := createIntent(t, model.KindNeed, newAgentID("need"))
	offer := createIntent(t, model.KindOffer, newAgentID("offer"))
	require.NoError(t, testDB.UpdateIntentStatus(ctx, offer.ID, model.IntentClosed))

	_, err := testSvc.Propose(ctx, need.ID, offer.ID)
	assert.ErrorIs(t, err, matches.ErrInvalidTransition)
}

func TestLifecycleAuthorization(t *testing.T) {
	ctx := context.Background()
	needAgent := newAgentID("need")
	offerAgent := newAgentID("offer")
	need := createIntent(t, model.KindNeed, needAgent)
	offer := createIntent(t, model.KindOffer, offerAgent)

	m, err := testSvc.Propose(ctx, need.ID, offer.ID)
	require.NoError(t, err)

	// Outsiders cannot mutate the match.
	_, err = testSvc.Accept(ctx, m.ID, "some-outsider")
	assert.ErrorIs(t, err, matches.ErrNotParty)
	err = testSvc.Reject(ctx, m.ID, "some-outsider")
	assert.ErrorIs(t, err, matches.ErrNotParty)

	// Finalize requires accepted or negotiating first.
	_, err = testSvc.Finalize(ctx, m.ID, needAgent)
	assert.ErrorIs(t, err, matches.ErrInvalidTransition)

	negotiated, err := testSvc.Negotiate(ctx, m.ID, needAgent, map[string]any{"rate": 55.0})
	require.NoError(t, err)
	assert.Equal(t, model.MatchNegotiating, negotiated.Status)

	accepted, err := testSvc.Accept(ctx, m.ID, offerAgent)
	require.NoError(t, err)
	assert.Equal(t, model.MatchAccepted, accepted.Status)
	require.NotNil(t, accepted.AcceptedAt)

	// Accepting twice is an invalid transition.
	_, err = testSvc.Accept(ctx, m.ID, needAgent)
	assert.ErrorIs(t, err, matches.ErrInvalidTransition)

	finalized, err := testSvc.Finalize(ctx, m.ID, needAgent)
	require.NoError(t, err)
	assert.Equal(t, model.MatchFinalized, finalized.Status)

	// Finalized is terminal: no rejection, no renegotiation.
	err = testSvc.Reject(ctx, m.ID, needAgent)
	assert.ErrorIs(t, err, matches.ErrInvalidTransition)
	_, err = testSvc.Negotiate(ctx, m.ID, needAgent, nil)
	assert.ErrorIs(t, err, matches.ErrInvalidTransition)
}

func TestRejectFreesPair(t *testing.T) {
	ctx := context.Background()
	needAgent := newAgentID("need")
	offerAgent := newAgentID("offer")
	need := createIntent(t, model.KindNeed, needAgent)
	offer := createIntent(t, model.KindOffer, offerAgent)

	m, err := testSvc.Propose(ctx, need.ID, offer.ID)
	require.NoError(t, err)
	require.NoError(t, testSvc.Reject(ctx, m.ID, offerAgent))

	_, err = testSvc.Get(ctx, m.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// The intents stayed open, so the pair can be re-proposed.
	again, err := testSvc.Propose(ctx, need.ID, offer.ID)
	require.NoError(t, err)
	assert.NotEqual(t, m.ID, again.ID)
}

func TestRejectWithDispute(t *testing.T) {
	ctx := context.Background()
	needAgent := newAgentID("need")
	offerAgent := newAgentID("offer")
	need := createIntent(t, model.KindNeed, needAgent)
	offer := createIntent(t, model.KindOffer, offerAgent)

	m, err := testSvc.Propose(ctx, need.ID, offer.ID)
	require.NoError(t, err)

	d := model.Dispute{
		ID:               uuid.New(),
		MatchID:          m.ID,
		InitiatorAgentID: needAgent,
		Reason:           "deliverable missing",
		Evidence:         []string{},
		Status:           model.DisputeOpen,
		Tier:             model.TierAutomated,
		CreatedAt:        time.Now().UTC(),
	}
	require.NoError(t, testDB.CreateDispute(ctx, d))

	// An unresolved dispute pins the match.
	err = testSvc.Reject(ctx, m.ID, needAgent)
	assert.ErrorIs(t, err, matches.ErrInvalidTransition)

	require.NoError(t, testDB.ResolveDispute(ctx, d.ID, model.ResolutionRefund, &needAgent, model.TierAutomated, time.Now().UTC()))

	// Once resolved, reject removes the match and its dispute record with it.
	require.NoError(t, testSvc.Reject(ctx, m.ID, needAgent))
	_, err = testSvc.Get(ctx, m.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = testDB.GetDispute(ctx, d.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestExpireStale(t *testing.T) {
	ctx := context.Background()
	need := createIntent(t, model.KindNeed, newAgentID("need"))
	offer := createIntent(t, model.KindOffer, newAgentID("offer"))

	m, err := testSvc.Propose(ctx, need.ID, offer.ID)
	require.NoError(t, err)

	// Backdate past the 7-day TTL.
	_, err = testDB.Pool().Exec(ctx,
		`UPDATE matches SET created_at = now() - interval '8 days' WHERE id = $1`, m.ID)
	require.NoError(t, err)

	n, err := testSvc.ExpireStale(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)

	got, err := testSvc.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MatchExpired, got.Status)
}
