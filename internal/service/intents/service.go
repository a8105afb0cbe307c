// Package intents implements the intent lifecycle: creation, asynchronous
// embedding, and the matching pass that follows indexing.
package intents

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/openclaw/clawmarket/internal/matching"
	"github.com/openclaw/clawmarket/internal/model"
	"github.com/openclaw/clawmarket/internal/service/embedding"
	"github.com/openclaw/clawmarket/internal/storage"
	"github.com/openclaw/clawmarket/internal/telemetry"
)

// Service coordinates intent persistence with embedding and matching.
type Service struct {
	db       *storage.DB
	provider embedding.Provider
	engine   *matching.Engine
	logger   *slog.Logger

	embeddingDuration metric.Float64Histogram
}

// New creates an intent service.
func New(db *storage.DB, provider embedding.Provider, engine *matching.Engine, logger *slog.Logger) *Service {
	meter := telemetry.Meter("clawmarket/intents")
	embDur, _ := meter.Float64Histogram("clawmarket.embedding.duration",
		metric.WithDescription("Time to generate an intent embedding (ms)"),
		metric.WithUnit("ms"),
	)
	return &Service{
		db:                db,
		provider:          provider,
		engine:            engine,
		logger:            logger,
		embeddingDuration: embDur,
	}
}

// Create validates and persists an intent, then embeds it and runs a
// matching pass in the background. The caller gets the stored intent
// immediately; matches appear asynchronously.
func (s *Service) Create(ctx context.Context, in model.Intent) (model.Intent, error) {
	if err := model.ValidateIntent(in); err != nil {
		return model.Intent{}, fmt.Errorf("intents: %w", err)
	}

	stored, err := s.db.CreateIntent(ctx, in)
	if err != nil {
		return model.Intent{}, err
	}

	// Embedding and matching are best-effort background work. A provider
	// outage leaves the intent stored but unmatched until the next pass.
	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := s.Process(bgCtx, stored.ID); err != nil {
			s.logger.Warn("intents: background processing failed", "intent_id", stored.ID, "error", err)
		}
	}()

	return stored, nil
}

// Process embeds the intent, stores the vector (queueing index sync), and
// runs a matching pass with the intent as source. Exposed for synchronous
// callers and tests.
func (s *Service) Process(ctx context.Context, id uuid.UUID) error {
	in, err := s.db.GetIntent(ctx, id)
	if err != nil {
		return fmt.Errorf("intents: load intent: %w", err)
	}
	if in.Status != model.IntentOpen {
		return nil
	}

	embStart := time.Now()
	vec, err := s.provider.Embed(ctx, embedding.IntentText(in))
	if err != nil {
		return fmt.Errorf("intents: embed: %w", err)
	}
	s.embeddingDuration.Record(ctx, float64(time.Since(embStart).Milliseconds()))
	if err := s.db.SetIntentEmbedding(ctx, id, vec); err != nil {
		return fmt.Errorf("intents: store embedding: %w", err)
	}

	created, err := s.engine.RunMatchingPass(ctx, id)
	if err != nil {
		return fmt.Errorf("intents: matching pass: %w", err)
	}
	s.logger.Info("intents: processed", "intent_id", id, "matches_created", created)
	return nil
}

// Get returns an intent by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (model.Intent, error) {
	return s.db.GetIntent(ctx, id)
}

// List returns intents filtered by optional kind and status.
func (s *Service) List(ctx context.Context, kind *model.IntentKind, status *model.IntentStatus, limit int) ([]model.Intent, error) {
	return s.db.ListIntents(ctx, kind, status, limit)
}

// Close marks an intent closed. Closed intents leave candidate generation on
// the next index sync.
func (s *Service) Close(ctx context.Context, id uuid.UUID) error {
	return s.db.UpdateIntentStatus(ctx, id, model.IntentClosed)
}

// CloseExpired closes all open intents whose expiry has passed. Returns the
// number closed. Invoked by the scheduler.
func (s *Service) CloseExpired(ctx context.Context, now time.Time) (int, error) {
	return s.db.CloseExpiredIntents(ctx, now)
}
