package scheduler

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewRegistersSweeps(t *testing.T) {
	s, err := New(DefaultSchedules(), nil, nil, nil, testLogger())
	require.NoError(t, err)
	require.NotNil(t, s)

	// Start and stop without any sweep firing.
	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestNewRejectsBadSpec(t *testing.T) {
	bad := DefaultSchedules()
	bad.ExpireMatches = "not a cron spec"
	_, err := New(bad, nil, nil, nil, testLogger())
	assert.ErrorContains(t, err, "expire_matches")

	bad = DefaultSchedules()
	bad.DecayAll = "* * *"
	_, err = New(bad, nil, nil, nil, testLogger())
	assert.ErrorContains(t, err, "decay_all")
}

func TestDefaultSchedules(t *testing.T) {
	s := DefaultSchedules()
	assert.Equal(t, "0 * * * *", s.ExpireMatches)
	assert.Equal(t, "30 2 * * *", s.CloseIntents)
	assert.Equal(t, "0 3 1 * *", s.DecayAll)
}
