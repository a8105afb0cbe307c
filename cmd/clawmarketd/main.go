package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/openclaw/clawmarket/internal/config"
	"github.com/openclaw/clawmarket/internal/matching"
	"github.com/openclaw/clawmarket/internal/model"
	"github.com/openclaw/clawmarket/internal/ratelimit"
	"github.com/openclaw/clawmarket/internal/scheduler"
	"github.com/openclaw/clawmarket/internal/search"
	"github.com/openclaw/clawmarket/internal/server"
	"github.com/openclaw/clawmarket/internal/service/disputes"
	"github.com/openclaw/clawmarket/internal/service/embedding"
	"github.com/openclaw/clawmarket/internal/service/intents"
	"github.com/openclaw/clawmarket/internal/service/matches"
	"github.com/openclaw/clawmarket/internal/service/reputation"
	"github.com/openclaw/clawmarket/internal/storage"
	"github.com/openclaw/clawmarket/internal/telemetry"
	"github.com/openclaw/clawmarket/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("CLAWMARKET_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("clawmarket starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Connect to database.
	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	// Run embedded migrations. RunMigrations tracks applied files in
	// schema_migrations and skips duplicates, so errors here indicate real
	// failures (not "already exists").
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Create embedding provider.
	embedder := newEmbeddingProvider(cfg, logger)

	// Candidate generation runs against Qdrant when QDRANT_URL is set,
	// otherwise directly against pgvector in Postgres. The outbox worker
	// only exists in the Qdrant configuration.
	var finder search.CandidateFinder
	var outboxWorker *search.OutboxWorker
	if cfg.QdrantURL != "" {
		qdrantIndex, err := search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		defer func() { _ = qdrantIndex.Close() }()

		if err := qdrantIndex.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("qdrant ensure collection: %w", err)
		}

		finder = qdrantIndex
		outboxWorker = search.NewOutboxWorker(db.Pool(), qdrantIndex, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		outboxWorker.Start(ctx)
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	} else {
		finder = search.NewPgVectorIndex(db)
		logger.Info("qdrant: disabled (no QDRANT_URL), using pgvector search")
	}

	// Create the matching engine from the configured weights.
	engine, err := matching.NewEngine(db, finder, matching.Config{
		Weights: matching.Weights{
			Semantic:   cfg.WeightSemantic,
			Reputation: cfg.WeightReputation,
			Price:      cfg.WeightPrice,
			Skills:     cfg.WeightSkills,
		},
		Threshold:      cfg.ScoreThreshold,
		CandidateLimit: cfg.CandidateLimit,
		MatchTTL:       cfg.MatchTTL,
	}, logger)
	if err != nil {
		return fmt.Errorf("matching: %w", err)
	}

	// Per-client rate limiting, disabled unless configured.
	var limiter ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		mem := ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = mem.Close() }()
		limiter = mem
		logger.Info("rate limiting enabled", "rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	}

	// Create services.
	intentSvc := intents.New(db, embedder, engine, logger)
	matchSvc := matches.New(db, engine, logger)
	reputationSvc := reputation.New(db, logger)
	disputeSvc := disputes.New(db, newDisputeResolver(cfg, logger), nil, logger)

	// Start background sweeps (match expiry, intent deadlines, reputation decay).
	sched, err := scheduler.New(scheduler.Schedules{
		ExpireMatches: cfg.ExpireMatchesSchedule,
		CloseIntents:  cfg.CloseIntentsSchedule,
		DecayAll:      cfg.DecaySchedule,
	}, matchSvc, intentSvc, reputationSvc, logger)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	sched.Start()

	// Create and start HTTP server.
	srv := server.New(server.ServerConfig{
		DB:                  db,
		IntentSvc:           intentSvc,
		MatchSvc:            matchSvc,
		ReputationSvc:       reputationSvc,
		DisputeSvc:          disputeSvc,
		Finder:              finder,
		Limiter:             limiter,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases. Order: (1) stop accepting new
	// HTTP requests and drain in-flight, (2) stop scheduled sweeps, (3) sync
	// remaining outbox entries to Qdrant.
	slog.Info("clawmarket shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	schedCtx, schedCancel := context.WithTimeout(context.Background(), 10*time.Second)
	sched.Stop(schedCtx)
	schedCancel()

	if outboxWorker != nil {
		outboxCtx, outboxCancel := context.WithTimeout(context.Background(), 10*time.Second)
		outboxWorker.Drain(outboxCtx)
		outboxCancel()
	}

	slog.Info("clawmarket stopped")
	return nil
}

// newEmbeddingProvider creates an embedding provider based on configuration.
// Provider selection: "ollama", "openai", "noop", or "auto" (default).
// Auto mode tries Ollama if reachable, then OpenAI if key present, else noop.
// Ollama is preferred: embeddings stay on-premises with no external API costs.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when CLAWMARKET_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel)

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)

	case "noop":
		logger.Info("embedding provider: noop (semantic matching disabled)")
		return embedding.NewNoopProvider(dims)

	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel)
		}
		logger.Warn("no embedding provider available, using noop (semantic matching disabled)")
		return embedding.NewNoopProvider(dims)
	}
}

// newDisputeResolver creates the tier 1 automated resolver. Without an API
// key every dispute records a zero-confidence analysis and stays open for
// community voting.
func newDisputeResolver(cfg config.Config, logger *slog.Logger) disputes.Resolver {
	if cfg.OpenAIAPIKey == "" {
		logger.Warn("no OPENAI_API_KEY, disputes will not auto-resolve")
		return &disputes.StaticResolver{Verdict: disputes.Verdict{
			Resolution: model.ResolutionSplit,
			Analysis:   "automated analysis unavailable",
			Confidence: 0,
		}}
	}
	logger.Info("dispute resolver: llm", "model", cfg.ResolverModel)
	return disputes.NewLLMResolver(cfg.OpenAIAPIKey, cfg.ResolverModel, cfg.ResolverBaseURL)
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
