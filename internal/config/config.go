// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	LogLevel    slog.Level
	AgentName   string

	Completion CompletionConfig
	Embedding  EmbeddingConfig
	Vector     VectorConfig
	Prompts    PromptConfig
	Retry      RetryConfig
	Dialogue   DialogueConfig
	EventLog   EventLogConfig
	RateLimit  RateLimitConfig

	SessionIdleTTL time.Duration
	// TranscriptRetention bounds how long transcripts are kept; zero keeps them.
	TranscriptRetention time.Duration
	MutedActions        []string
	MasteryFields       []string
}

// CompletionConfig selects the chat completion model.
type CompletionConfig struct {
	Model     string
	APIKey    string
	MaxTokens int64
}

// EmbeddingConfig selects the embedding model.
type EmbeddingConfig struct {
	Model  string
	APIKey string
}

// VectorConfig selects the vector search backend.
type VectorConfig struct {
	Backend   string // "sqlite" or "grpc"
	Addr      string
	Namespace string
	TopK      int
}

// PromptConfig points at the prompt files loaded at startup.
type PromptConfig struct {
	SystemPath      string
	TaskContextPath string
	FewShotPath     string
	EditorialPath   string
}

// RetryConfig controls upstream retry behavior.
type RetryConfig struct {
	MaxRetries      int
	BackoffBase     time.Duration
	UpstreamTimeout time.Duration
}

// DialogueConfig controls conversation windowing and knowledge refresh.
type DialogueConfig struct {
	WordThreshold         int
	KnowledgeRefreshEvery int
}

// EventLogConfig controls NDJSON append logs.
type EventLogConfig struct {
	RetrievalLogPath string
	ConversationDir  string
	QueueSize        int
}

// RateLimitConfig controls per-student chat throttling.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("EVENT_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8000"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/copa.db"),
		LogLevel:    parseLevel(getEnv("LOG_LEVEL", "info")),
		AgentName:   getEnv("AGENT_NAME", "Copa"),
		Completion: CompletionConfig{
			Model:     getEnv("CHAT_MODEL", "claude-sonnet-4-20250514"),
			APIKey:    getEnv("ANTHROPIC_API_KEY", ""),
			MaxTokens: int64(getEnvInt("CHAT_MAX_TOKENS", 1024)),
		},
		Embedding: EmbeddingConfig{
			Model:  getEnv("EMBEDDING_MODEL", "gemini-embedding-001"),
			APIKey: getEnv("GEMINI_API_KEY", ""),
		},
		Vector: VectorConfig{
			Backend:   strings.ToLower(getEnv("VECTOR_BACKEND", "sqlite")),
			Addr:      getEnv("VECTOR_ADDR", ""),
			Namespace: getEnv("KB_NAMESPACE", "c2stem"),
			TopK:      getEnvInt("RETRIEVAL_TOP_K", 3),
		},
		Prompts: PromptConfig{
			SystemPath:      getEnv("PROMPT_PATH", "./prompts/system.txt"),
			TaskContextPath: getEnv("TASK_CONTEXT_PATH", "./prompts/task_context.txt"),
			FewShotPath:     getEnv("FEW_SHOT_PATH", "./prompts/few_shot.yaml"),
			EditorialPath:   getEnv("EDITORIAL_PATH", "./prompts/editorial.txt"),
		},
		Retry: RetryConfig{
			MaxRetries:      getEnvInt("MAX_RETRIES", 3),
			BackoffBase:     getEnvSeconds("BACKOFF_FACTOR", 500*time.Millisecond),
			UpstreamTimeout: getEnvDuration("UPSTREAM_TIMEOUT", 60*time.Second),
		},
		Dialogue: DialogueConfig{
			WordThreshold:         getEnvInt("WORD_THRESHOLD", 1500),
			KnowledgeRefreshEvery: getEnvInt("KNOWLEDGE_REFRESH_EVERY", 2),
		},
		EventLog: EventLogConfig{
			RetrievalLogPath: getEnv("RETRIEVAL_LOG_PATH", "./data/logs/retrieval.ndjson"),
			ConversationDir:  getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			QueueSize:        queueSize,
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 10),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		SessionIdleTTL:      getEnvDuration("SESSION_IDLE_TTL", 60*time.Minute),
		TranscriptRetention: getEnvDuration("TRANSCRIPT_RETENTION", 0),
		MutedActions:        getEnvList("MUTED_ACTIONS", []string{"pause", "stop", "toggleWatcher", "openTableDialog", "openGraphDialog"}),
		MasteryFields:       getEnvList("MASTERY_FIELDS", []string{"mastery", "masteryLevel"}),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Retry.MaxRetries <= 0 {
		return fmt.Errorf("MAX_RETRIES must be > 0")
	}
	if c.Retry.BackoffBase < 0 {
		return fmt.Errorf("BACKOFF_FACTOR must be >= 0")
	}
	if c.Dialogue.WordThreshold <= 0 {
		return fmt.Errorf("WORD_THRESHOLD must be > 0")
	}
	if c.Vector.TopK <= 0 {
		return fmt.Errorf("RETRIEVAL_TOP_K must be > 0")
	}
	switch c.Vector.Backend {
	case "sqlite":
	case "grpc":
		if c.Vector.Addr == "" {
			return fmt.Errorf("VECTOR_ADDR is required when VECTOR_BACKEND=grpc")
		}
	default:
		return fmt.Errorf("unsupported VECTOR_BACKEND %q (use sqlite or grpc)", c.Vector.Backend)
	}
	if c.EventLog.RetrievalLogPath == "" {
		return fmt.Errorf("RETRIEVAL_LOG_PATH cannot be empty")
	}
	if c.EventLog.ConversationDir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

// getEnvSeconds accepts either a Go duration ("750ms") or a bare number of seconds ("0.5").
func getEnvSeconds(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return time.Duration(f * float64(time.Second))
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
