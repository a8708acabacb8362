// Memoryplane server — provides the tool HTTP API, manages extraction
// queue workers, and owns the ingest and retrieval pipelines.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/memoryplane/memoryplane/pkg/api"
	"github.com/memoryplane/memoryplane/pkg/chunker"
	"github.com/memoryplane/memoryplane/pkg/config"
	"github.com/memoryplane/memoryplane/pkg/database"
	"github.com/memoryplane/memoryplane/pkg/embedding"
	"github.com/memoryplane/memoryplane/pkg/extraction"
	"github.com/memoryplane/memoryplane/pkg/ingest"
	"github.com/memoryplane/memoryplane/pkg/llm"
	"github.com/memoryplane/memoryplane/pkg/queue"
	"github.com/memoryplane/memoryplane/pkg/retrieval"
	"github.com/memoryplane/memoryplane/pkg/store"
	"github.com/memoryplane/memoryplane/pkg/tokenizer"
	"github.com/memoryplane/memoryplane/pkg/vectorstore"
)

func main() {
	envFile := flag.String("env-file", ".env", "Path to .env file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(*envFile); err != nil {
		logger.Warn("Could not load .env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	// 1. Configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("Starting memoryplane", "http_port", cfg.HTTPPort, "workers", cfg.WorkerCount)

	ctx := context.Background()

	// 2. Database (migrations run on connect)
	dbClient, err := database.NewClient(ctx, database.Config{
		DSN:             cfg.DSN(),
		Database:        cfg.DBName,
		MaxOpenConns:    cfg.DBPoolSize + cfg.DBPoolOverflow,
		MaxIdleConns:    cfg.DBPoolSize,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: 5 * time.Minute,
	})
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logger.Error("Error closing database client", "error", err)
		}
	}()
	logger.Info("Connected to PostgreSQL database")

	// 3. Vector store
	vectors, err := vectorstore.NewQdrantStore(cfg.QdrantHost, cfg.QdrantPort, cfg.EmbeddingDim)
	if err != nil {
		logger.Error("Failed to connect to qdrant", "error", err)
		os.Exit(1)
	}
	if err := vectors.EnsureCollections(ctx); err != nil {
		logger.Error("Failed to ensure qdrant collections", "error", err)
		os.Exit(1)
	}
	logger.Info("Vector store ready", "host", cfg.QdrantHost, "port", cfg.QdrantPort)

	// 4. Repositories and queue
	stores := store.New(dbClient.DB)
	jobQueue := queue.NewSQLQueue(dbClient.DB)

	// 5. Model providers and chunking
	tok, err := tokenizer.NewCL100K()
	if err != nil {
		logger.Error("Failed to load tokenizer encoding", "error", err)
		os.Exit(1)
	}
	embedder := embedding.NewClient(embedding.Config{
		BaseURL:       cfg.EmbeddingBaseURL,
		APIKey:        cfg.EmbeddingAPIKey,
		Model:         cfg.EmbeddingModel,
		Dimensions:    cfg.EmbeddingDim,
		BatchSize:     cfg.EmbeddingBatchSize,
		MaxRetries:    cfg.EmbeddingMaxRetries,
		Timeout:       cfg.EmbeddingTimeout,
		Tokenizer:     tok,
		MaxTextTokens: config.EmbeddingMaxTokensPerText,
	})
	llmClient := llm.NewOpenAIClient(llm.Config{
		BaseURL:    cfg.LLMBaseURL,
		APIKey:     cfg.LLMAPIKey,
		Model:      cfg.LLMModel,
		MaxRetries: 3,
		Timeout:    cfg.LLMTimeout,
	})
	chunk := chunker.New(tok, chunker.Config{
		SinglePieceMax: cfg.SinglePieceMaxTokens,
		TargetTokens:   cfg.ChunkTargetTokens,
		OverlapTokens:  cfg.ChunkOverlapTokens,
	})

	// 6. Extraction pipeline and worker pool (before HTTP server so
	// jobs enqueued by early requests are picked up immediately)
	resolver := extraction.NewResolver(stores.Entities, llmClient, logger)
	extractor := extraction.NewService(llmClient, resolver, logger)
	processor := extraction.NewProcessor(stores.Revisions, stores.Events, vectors, extractor, logger)

	pool := queue.NewPool(queue.PoolConfig{
		WorkerCount:    cfg.WorkerCount,
		PollInterval:   cfg.PollInterval,
		JobTimeout:     cfg.JobTimeout,
		StaleThreshold: cfg.StaleThreshold,
		StaleInterval:  cfg.StaleInterval,
	}, jobQueue, processor, logger)
	if err := pool.Start(ctx); err != nil {
		logger.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 7. Ingest and retrieval
	coordinator := ingest.NewCoordinator(ingest.Config{
		MaxContentBytes: cfg.MaxContentBytes,
		MaxAttempts:     cfg.MaxAttempts,
	}, stores.Revisions, jobQueue, vectors, embedder, chunk, logger)

	engine := retrieval.NewEngine(vectors, embedder, cfg.RRFK, retrieval.AllowAll, logger)

	// 8. HTTP server
	dbHealth := func(ctx context.Context) error {
		_, err := dbClient.Health(ctx)
		return err
	}
	server := api.NewServer(api.Config{Port: cfg.HTTPPort, MaxAttempts: cfg.MaxAttempts},
		coordinator, engine, stores.Revisions, stores.Events, jobQueue,
		dbHealth, vectors.Healthy, logger)

	// 9. Serve until SIGINT/SIGTERM, then drain workers
	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Memoryplane started", "addr", ":"+cfg.HTTPPort)
	if err := server.Run(runCtx); err != nil {
		logger.Error("HTTP server error", "error", err)
	}

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("Worker pool stopped gracefully")
	case <-time.After(cfg.JobTimeout):
		logger.Warn("Worker shutdown timeout exceeded; in-flight jobs will be stale-recovered")
	}

	logger.Info("Shutdown complete")
}
