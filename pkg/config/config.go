// Package config loads pdfstudy settings from the environment, after merging
// an optional .env file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every environment-based setting shared by the binaries.
type Config struct {
	Port        string
	CORSOrigin  string
	MetricsAddr string
	LogLevel    slog.Level

	OpenAIKey      string
	OpenAIBaseURL  string
	EmbeddingModel string
	ChatModel      string
	SummaryModel   string

	// When OllamaURL is set, embeddings are served by Ollama instead of OpenAI.
	OllamaURL   string
	OllamaModel string

	QdrantAddr string
	Collection string
	VectorDims int

	Neo4jURL  string
	Neo4jUser string
	Neo4jPass string

	NATSURL      string
	IndexSubject string
	IndexQueue   string
	// RemoteIndex routes embedding and upsert through the NATS index worker.
	RemoteIndex bool

	CallTimeout time.Duration
	// JobTimeout bounds one background ingest or summarize job.
	JobTimeout time.Duration
	RateLimit   float64
	RateBurst   int
}

// Load reads .env (if present) and the process environment.
func Load() Config {
	_ = godotenv.Load()
	return Config{
		Port:        envOr("PORT", "8080"),
		CORSOrigin:  envOr("CORS_ORIGIN", "*"),
		MetricsAddr: envOr("METRICS_ADDR", ":9091"),
		LogLevel:    parseLevel(envOr("LOG_LEVEL", "info")),

		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:  os.Getenv("OPENAI_BASE_URL"),
		EmbeddingModel: envOr("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
		ChatModel:      envOr("OPENAI_CHAT_MODEL", "gpt-4o-mini"),
		SummaryModel:   envOr("OPENAI_SUMMARY_MODEL", "gpt-4o-mini"),

		OllamaURL:   os.Getenv("OLLAMA_URL"),
		OllamaModel: envOr("OLLAMA_EMBED_MODEL", "nomic-embed-text"),

		QdrantAddr: envOr("QDRANT_ADDR", "localhost:6334"),
		Collection: envOr("QDRANT_COLLECTION", "pdfstudy"),
		VectorDims: envInt("VECTOR_DIMS", 1536),

		Neo4jURL:  envOr("NEO4J_URL", "neo4j://localhost:7687"),
		Neo4jUser: envOr("NEO4J_USER", "neo4j"),
		Neo4jPass: envOr("NEO4J_PASS", "password"),

		NATSURL:      envOr("NATS_URL", "nats://localhost:4222"),
		IndexSubject: envOr("INDEX_SUBJECT", "pdfstudy.index.jobs"),
		IndexQueue:   envOr("INDEX_QUEUE", "indexworkers"),
		RemoteIndex:  envBool("REMOTE_INDEX", false),

		CallTimeout: envDuration("CALL_TIMEOUT", 2*time.Minute),
		JobTimeout:  envDuration("JOB_TIMEOUT", 30*time.Minute),
		RateLimit:   envFloat("RATE_LIMIT_RPS", 5),
		RateBurst:   envInt("RATE_LIMIT_BURST", 10),
	}
}

// Validate reports settings that make the pipeline unusable.
func (c Config) Validate() error {
	if c.OpenAIKey == "" {
		return fmt.Errorf("config: OPENAI_API_KEY is required")
	}
	if c.VectorDims <= 0 {
		return fmt.Errorf("config: VECTOR_DIMS must be positive, got %d", c.VectorDims)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("config: CALL_TIMEOUT must be positive, got %s", c.CallTimeout)
	}
	return nil
}

// Logger builds the JSON slog logger at the configured level.
func (c Config) Logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: c.LogLevel}))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
