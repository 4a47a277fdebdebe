// audio-ingest consumes transcript package events from the ingestion stream,
// verifies and enriches each package, and persists conversations to
// PostgreSQL and Qdrant.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/recallio/audio-ingest/pkg/config"
	"github.com/recallio/audio-ingest/pkg/consumer"
	"github.com/recallio/audio-ingest/pkg/database"
	"github.com/recallio/audio-ingest/pkg/fetch"
	"github.com/recallio/audio-ingest/pkg/integrity"
	"github.com/recallio/audio-ingest/pkg/metrics"
	"github.com/recallio/audio-ingest/pkg/nlp"
	"github.com/recallio/audio-ingest/pkg/ops"
	"github.com/recallio/audio-ingest/pkg/parser"
	"github.com/recallio/audio-ingest/pkg/pipeline"
	"github.com/recallio/audio-ingest/pkg/storage"
	"github.com/recallio/audio-ingest/pkg/validate"
	"github.com/recallio/audio-ingest/pkg/vectorstore"
	"github.com/recallio/audio-ingest/pkg/version"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	// 1. Configuration and logging
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})))
	slog.Info("Starting audio-ingest",
		"version", version.Full(),
		"consumer", cfg.Redis.ConsumerName,
		"stream", cfg.Redis.StreamName)

	ctx := context.Background()

	// 2. PostgreSQL (runs migrations)
	dbClient, err := database.NewClient(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()

	// 3. Redis
	redisClient, err := consumer.NewRedisClient(ctx, cfg.Redis.URL)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			slog.Error("Error closing Redis client", "error", err)
		}
	}()

	// 4. MinIO object store
	minioClient, err := fetch.NewMinIOClient(cfg.MinIO)
	if err != nil {
		slog.Error("Failed to create object store client", "error", err)
		os.Exit(1)
	}
	store := fetch.NewStore(minioClient)

	// 5. Qdrant (collection bootstrap)
	vectors, err := vectorstore.New(cfg.Qdrant, cfg.Embedding.Dimension)
	if err != nil {
		slog.Error("Failed to create vector store client", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := vectors.Close(); err != nil {
			slog.Error("Error closing vector store client", "error", err)
		}
	}()
	if err := vectors.EnsureCollection(ctx); err != nil {
		slog.Error("Failed to ensure vector collection", "error", err)
		os.Exit(1)
	}

	// 6. Enrichment engine
	embedder := nlp.NewOpenAIEmbedder(cfg.Embedding)
	var (
		entities  nlp.EntityExtractor
		sentiment nlp.SentimentAnalyzer
	)
	if cfg.NLP.EnableLocal {
		sidecar := nlp.NewSidecarClient(cfg.NLP)
		entities, sentiment = sidecar, sidecar
		slog.Info("Local NLP sidecar enabled", "url", cfg.NLP.ServiceURL)
	}
	engine := nlp.NewEngine(embedder, entities, sentiment, cfg.NLP, cfg.Pipeline.Stages)

	// 7. Pipeline
	reg := metrics.NewRegistry()
	m := metrics.New(reg)
	pipe := pipeline.New(
		parser.New(cfg.Pipeline.KnownSchemaMajors),
		storage.NewJobStore(dbClient.Pool()),
		storage.NewConversationStore(dbClient.Pool()),
		fetch.NewFetcher(store, cfg.MinIO, cfg.Pipeline.MaxArchiveBytes),
		integrity.NewVerifier(cfg.Pipeline.ManifestSelfListing),
		validate.New(cfg.Pipeline.KnownSchemaMajors),
		engine,
		vectors,
		m,
		cfg.Qdrant.Collection,
		cfg.Pipeline,
	)

	// 8. Consumer
	dlq := consumer.NewDLQPublisher(redisClient, cfg.Redis, m)
	cons := consumer.New(redisClient, cfg.Redis, pipe, dlq, m,
		cfg.Pipeline.MaxParallelJobs, cfg.ShutdownGracePeriod)

	// 9. Ops server (metrics, health, readiness)
	opsServer := ops.New(cfg.MetricsPort, reg, map[string]ops.CheckFunc{
		"database": dbClient.HealthCheck,
		"redis": func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		},
		"object_store": func(ctx context.Context) error {
			_, err := minioClient.BucketExists(ctx, cfg.MinIO.IngestionBucket)
			return err
		},
		"qdrant": vectors.Ping,
	})
	opsErrCh := make(chan error, 1)
	go func() {
		if err := opsServer.Start(); err != nil {
			opsErrCh <- err
		}
	}()

	// 10. Run until a shutdown signal or a fatal server error
	runCtx, cancelRun := context.WithCancel(ctx)
	consumerDone := make(chan error, 1)
	go func() {
		consumerDone <- cons.Run(runCtx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-opsErrCh:
		slog.Error("Ops server error triggered shutdown", "error", err)
	case err := <-consumerDone:
		slog.Error("Consumer stopped unexpectedly", "error", err)
	}

	// 11. Graceful shutdown: stop reads, drain in-flight work, then the ops
	// server with its own small budget.
	cancelRun()
	select {
	case <-consumerDone:
		slog.Info("Consumer stopped")
	case <-time.After(cfg.ShutdownGracePeriod + 10*time.Second):
		slog.Warn("Consumer did not stop within the grace period")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(ctx, 5*time.Second)
	defer cancelShutdown()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Ops server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
