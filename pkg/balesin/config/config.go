// Package config defines all configuration structures for the balesin
// userbot worker and loads them from a yaml file plus environment
// overrides for secrets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full worker configuration.
type Config struct {
	// Telegram configures the MTProto application credentials.
	Telegram TelegramConfig `yaml:"telegram"`

	// Database configures the shared Postgres storage.
	Database DatabaseConfig `yaml:"database"`

	// OpenAI configures the LLM and embedding provider.
	OpenAI OpenAIConfig `yaml:"openai"`

	// Watcher configures the fleet reconcile loop.
	Watcher WatcherConfig `yaml:"watcher"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// TelegramConfig holds the MTProto application id and hash.
// Both are issued at my.telegram.org and shared by every userbot session.
type TelegramConfig struct {
	APIID   int    `yaml:"api_id"`
	APIHash string `yaml:"api_hash"`
}

// DatabaseConfig holds the Postgres connection string. The same database
// is written by the web dashboard, so the worker never owns the schema.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// OpenAIConfig configures chat-completion and embedding calls.
type OpenAIConfig struct {
	APIKey string `yaml:"api_key"`

	// Model is the chat model used by the responder agent.
	Model string `yaml:"model"`

	// EmbeddingModel is used for knowledge-base vectors.
	EmbeddingModel string `yaml:"embedding_model"`

	// AgentTimeout bounds one agent execution per incoming message.
	AgentTimeout time.Duration `yaml:"agent_timeout"`
}

// WatcherConfig configures the fleet reconciliation loop.
type WatcherConfig struct {
	// PollInterval is how often the desired fleet state is re-read.
	PollInterval time.Duration `yaml:"poll_interval"`

	// StartAttempts is how many times a connection start is retried
	// within a single reconcile pass.
	StartAttempts int `yaml:"start_attempts"`

	// StartRetryDelay is the fixed delay between start attempts.
	StartRetryDelay time.Duration `yaml:"start_retry_delay"`

	// HealthAddr is the listen address of the worker health endpoint.
	HealthAddr string `yaml:"health_addr"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		OpenAI: OpenAIConfig{
			Model:          "gpt-4o-mini",
			EmbeddingModel: "text-embedding-3-small",
			AgentTimeout:   60 * time.Second,
		},
		Watcher: WatcherConfig{
			PollInterval:    30 * time.Second,
			StartAttempts:   3,
			StartRetryDelay: 5 * time.Second,
			HealthAddr:      ":8090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the yaml file at path (optional, "" skips it), then applies
// environment overrides. Secrets are expected in the environment in
// production; the yaml file mostly tunes intervals and ports.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the required credentials are present.
func (c *Config) Validate() error {
	if c.Telegram.APIID == 0 || c.Telegram.APIHash == "" {
		return fmt.Errorf("telegram api_id and api_hash are required (TG_API_ID / TG_API_HASH)")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required (DATABASE_URL)")
	}
	return nil
}

// applyEnv overrides config values from the environment.
func applyEnv(c *Config) {
	if v := os.Getenv("TG_API_ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			c.Telegram.APIID = id
		}
	}
	if v := os.Getenv("TG_API_HASH"); v != "" {
		c.Telegram.APIHash = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.OpenAI.APIKey = v
	}
	if v := os.Getenv("HEALTH_ADDR"); v != "" {
		c.Watcher.HealthAddr = v
	}
}
