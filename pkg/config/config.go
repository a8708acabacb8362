// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the immutable configuration struct passed to constructors at
// startup. No package-global mutable state exists anywhere downstream.
type Config struct {
	// Embedding provider (OpenAI-compatible HTTP API).
	EmbeddingBaseURL    string
	EmbeddingAPIKey     string
	EmbeddingModel      string
	EmbeddingDim        int
	EmbeddingBatchSize  int
	EmbeddingMaxRetries int
	EmbeddingTimeout    time.Duration

	// Extraction LLM (OpenAI-compatible HTTP API).
	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string
	LLMTimeout time.Duration

	// Chunking.
	SinglePieceMaxTokens int
	ChunkTargetTokens    int
	ChunkOverlapTokens   int

	// Ingest.
	MaxContentBytes int

	// Retrieval.
	RRFK int

	// Job queue / worker.
	PollInterval   time.Duration
	MaxAttempts    int
	WorkerCount    int
	JobTimeout     time.Duration
	StaleThreshold time.Duration
	StaleInterval  time.Duration

	// Vector store (qdrant).
	QdrantHost string
	QdrantPort int

	// Relational store.
	DBHost          string
	DBPort          int
	DBUser          string
	DBPassword      string
	DBName          string
	DBSSLMode       string
	DBPoolSize      int
	DBPoolOverflow  int
	ConnMaxLifetime time.Duration

	// HTTP surface.
	HTTPPort string
}

// EmbeddingHardCap is the upper bound on the embedding batch size.
const EmbeddingHardCap = 2048

// EmbeddingMaxTokensPerText is the per-text token ceiling the embedding
// provider enforces.
const EmbeddingMaxTokensPerText = 8191

// Load reads configuration from environment variables, applying the
// documented defaults for anything unset.
func Load() (*Config, error) {
	cfg := &Config{
		// Base URLs exclude the /v1 suffix; clients append the full path.
		EmbeddingBaseURL:    getEnv("EMBEDDING_BASE_URL", "https://api.openai.com"),
		EmbeddingAPIKey:     os.Getenv("EMBEDDING_API_KEY"),
		EmbeddingModel:      getEnv("EMBEDDING_MODEL", "text-embedding-3-large"),
		EmbeddingDim:        getEnvInt("EMBEDDING_DIM", 3072),
		EmbeddingBatchSize:  getEnvInt("EMBEDDING_BATCH_SIZE", 100),
		EmbeddingMaxRetries: getEnvInt("EMBEDDING_MAX_RETRIES", 3),
		EmbeddingTimeout:    getEnvSeconds("EMBEDDING_TIMEOUT_S", 30),

		LLMBaseURL: getEnv("LLM_BASE_URL", "https://api.openai.com"),
		LLMAPIKey:  os.Getenv("LLM_API_KEY"),
		LLMModel:   getEnv("LLM_MODEL", "gpt-4o-mini"),
		LLMTimeout: getEnvSeconds("LLM_TIMEOUT_S", 120),

		SinglePieceMaxTokens: getEnvInt("SINGLE_PIECE_MAX_TOKENS", 1200),
		ChunkTargetTokens:    getEnvInt("CHUNK_TARGET_TOKENS", 900),
		ChunkOverlapTokens:   getEnvInt("CHUNK_OVERLAP_TOKENS", 100),

		MaxContentBytes: getEnvInt("MAX_CONTENT_BYTES", 4<<20),

		RRFK: getEnvInt("RRF_K", 60),

		PollInterval:   time.Duration(getEnvInt("POLL_INTERVAL_MS", 1000)) * time.Millisecond,
		MaxAttempts:    getEnvInt("MAX_ATTEMPTS", 5),
		WorkerCount:    getEnvInt("WORKER_COUNT", 1),
		JobTimeout:     getEnvSeconds("JOB_TIMEOUT_S", 600),
		StaleThreshold: getEnvSeconds("STALE_THRESHOLD_S", 1800),
		StaleInterval:  getEnvSeconds("STALE_INTERVAL_S", 300),

		QdrantHost: getEnv("QDRANT_HOST", "localhost"),
		QdrantPort: getEnvInt("QDRANT_PORT", 6334),

		DBHost:          getEnv("DB_HOST", "localhost"),
		DBPort:          getEnvInt("DB_PORT", 5432),
		DBUser:          getEnv("DB_USER", "memoryplane"),
		DBPassword:      os.Getenv("DB_PASSWORD"),
		DBName:          getEnv("DB_NAME", "memoryplane"),
		DBSSLMode:       getEnv("DB_SSLMODE", "disable"),
		DBPoolSize:      getEnvInt("POOL_SIZE", 10),
		DBPoolOverflow:  getEnvInt("POOL_OVERFLOW", 20),
		ConnMaxLifetime: 30 * time.Minute,

		HTTPPort: getEnv("HTTP_PORT", "8080"),
	}

	if cfg.EmbeddingBatchSize > EmbeddingHardCap {
		cfg.EmbeddingBatchSize = EmbeddingHardCap
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ChunkOverlapTokens >= c.ChunkTargetTokens {
		return fmt.Errorf("CHUNK_OVERLAP_TOKENS (%d) must be smaller than CHUNK_TARGET_TOKENS (%d)",
			c.ChunkOverlapTokens, c.ChunkTargetTokens)
	}
	if c.EmbeddingBatchSize <= 0 {
		return fmt.Errorf("EMBEDDING_BATCH_SIZE must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("MAX_ATTEMPTS must be positive")
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive")
	}
	return nil
}

// DSN returns the postgres connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvSeconds(key string, defaultVal int) time.Duration {
	return time.Duration(getEnvInt(key, defaultVal)) * time.Second
}
