// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds everything the server and worker binaries read from the
// environment. Lease knobs are integer seconds on the wire to match the
// operational contract; use the duration accessors in code.
type Config struct {
	DBType string `env:"DB_TYPE" envDefault:"sqlite"`

	SQLitePath       string `env:"SQLITE_DB_PATH" envDefault:"data/tasks.db"`
	PostgresURL      string `env:"POSTGRES_URL"`
	NotionAPIKey     string `env:"NOTION_API_KEY"`
	NotionDatabaseID string `env:"NOTION_DATABASE_ID"`
	NotionBaseURL    string `env:"NOTION_URL"`

	TaskLockTimeoutSeconds       int `env:"TASK_LOCK_TIMEOUT_SECONDS" envDefault:"900"`
	ProcessingLockTimeoutSeconds int `env:"PROCESSING_LOCK_TIMEOUT_SECONDS" envDefault:"1800"`
	LockRefreshIntervalSeconds   int `env:"PROCESSING_LOCK_REFRESH_INTERVAL" envDefault:"30"`

	AdminToken string `env:"PROCESSING_LOCK_ADMIN_TOKEN"`

	DiscordWebhookURL string `env:"DISCORD_WEBHOOK_URL"`
	DataDir           string `env:"DATA_DIR" envDefault:"data"`

	TranscriptionAPIURL string `env:"TRANSCRIPTION_API_URL"`
	TranscriptionAPIKey string `env:"TRANSCRIPTION_API_KEY"`
	TranscriptionModel  string `env:"TRANSCRIPTION_MODEL" envDefault:"whisper-1"`
	SummarizerAPIURL    string `env:"SUMMARIZER_API_URL"`
	SummarizerAPIKey    string `env:"SUMMARIZER_API_KEY"`
	SummarizerModel     string `env:"SUMMARIZER_MODEL" envDefault:"gemini-2.0-flash"`

	HTTPHost string `env:"HTTP_HOST"`
	HTTPPort string `env:"HTTP_PORT" envDefault:"8080"`

	OTelEnabled bool   `env:"OTEL_ENABLED" envDefault:"false"`
	ServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"clipsum"`
}

// Load parses the process environment into a Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings that would break the lease protocol.
func (c *Config) Validate() error {
	if c.TaskLockTimeoutSeconds <= 0 {
		return fmt.Errorf("TASK_LOCK_TIMEOUT_SECONDS must be positive, got %d", c.TaskLockTimeoutSeconds)
	}
	if c.ProcessingLockTimeoutSeconds <= 0 {
		return fmt.Errorf("PROCESSING_LOCK_TIMEOUT_SECONDS must be positive, got %d", c.ProcessingLockTimeoutSeconds)
	}
	if c.LockRefreshIntervalSeconds <= 0 {
		return fmt.Errorf("PROCESSING_LOCK_REFRESH_INTERVAL must be positive, got %d", c.LockRefreshIntervalSeconds)
	}
	if c.LockRefreshIntervalSeconds >= c.ProcessingLockTimeoutSeconds {
		return fmt.Errorf("refresh interval (%ds) must be shorter than the processing lock timeout (%ds)",
			c.LockRefreshIntervalSeconds, c.ProcessingLockTimeoutSeconds)
	}
	return nil
}

// TaskLease is the per-row claim lease.
func (c *Config) TaskLease() time.Duration {
	return time.Duration(c.TaskLockTimeoutSeconds) * time.Second
}

// ProcessingLockTimeout is the global single-writer lease.
func (c *Config) ProcessingLockTimeout() time.Duration {
	return time.Duration(c.ProcessingLockTimeoutSeconds) * time.Second
}

// LockRefreshInterval is the lease refresher cadence.
func (c *Config) LockRefreshInterval() time.Duration {
	return time.Duration(c.LockRefreshIntervalSeconds) * time.Second
}
