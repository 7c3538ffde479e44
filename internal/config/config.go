// Package config provides environment-driven configuration for the
// transcription pipeline, the structured logger it selects, and
// validation of required settings.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Sentinel configuration errors.
var (
	ErrRecognizerEndpointRequired = errors.New("config: RECOGNIZER_ENDPOINT is required")
)

// Config holds every runtime knob for the pipeline, loaded from the
// environment via struct tags.
type Config struct {
	Port int `env:"PORT, default=8080"`

	// Recognizer (C7)
	RecognizerEndpoint     string `env:"RECOGNIZER_ENDPOINT, required"`
	RecognizerAPIKey       string `env:"RECOGNIZER_API_KEY"`
	RecognizerTimeoutSec   int    `env:"RECOGNIZER_TIMEOUT_SEC, default=60"`
	RecognizerRetryBaseSec int    `env:"RECOGNIZER_RETRY_BASE_SEC, default=5"`
	RecognizerRetryMax     int    `env:"RECOGNIZER_RETRY_MAX, default=3"`
	RecognizerPacingSec    int    `env:"RECOGNIZER_PACING_SEC, default=2"`
	RecognizerDefaultLang  string `env:"RECOGNIZER_DEFAULT_LANGUAGE, default=en"`

	// Upload Session Manager (C3)
	ChunkSizeBytes  int64 `env:"CHUNK_SIZE_BYTES, default=8388608"`
	MaxUploadBytes  int64 `env:"MAX_UPLOAD_BYTES, default=5368709120"`
	SessionTTLHours int   `env:"SESSION_TTL_HOURS, default=24"`

	// Media pipeline (C4/C5/C6)
	MaxDurationHours   int `env:"MAX_DURATION_HOURS, default=8"`
	SegmentDurationSec int `env:"SEGMENT_DURATION_SEC, default=60"`
	SegmentOverlapSec  int `env:"SEGMENT_OVERLAP_SEC, default=1"`

	// Stage Runner (C8)
	WorkerConcurrency int `env:"WORKER_CONCURRENCY, default=4"`
	LeaseSeconds      int `env:"LEASE_SECONDS, default=300"`
	HeartbeatSeconds  int `env:"HEARTBEAT_SECONDS, default=30"`
	MaxJobRetries     int `env:"MAX_JOB_RETRIES, default=3"`

	// Feature toggles
	EnableDiarization  bool `env:"ENABLE_DIARIZATION, default=false"`
	EnableWebhooks     bool `env:"ENABLE_WEBHOOKS, default=false"`
	PresignedURLTTLMin int  `env:"PRESIGNED_URL_TTL_MIN, default=15"`

	TempDir string `env:"TEMP_DIR, default=/tmp/transcribepipe"`

	// Optional S3 blob store
	S3Bucket           string `env:"S3_BUCKET"`
	S3Region           string `env:"S3_REGION"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`

	// Optional Postgres job store
	PostgresDSN string `env:"POSTGRES_DSN"`

	// Optional Redis lease/CAS layer
	RedisAddr string `env:"REDIS_ADDR"`

	// Optional webhook signing
	WebhookSigningSecret string `env:"WEBHOOK_SIGNING_SECRET"`

	LogFormat string `env:"LOG_FORMAT, default=text"`
	LogLevel  string `env:"LOG_LEVEL, default=info"`
}

// S3Enabled reports whether the S3 blob store backend is configured.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// PostgresEnabled reports whether the Postgres job store backend is configured.
func (c *Config) PostgresEnabled() bool {
	return c.PostgresDSN != ""
}

// RedisEnabled reports whether the Redis lease/CAS layer is configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}

func (c *Config) RecognizerTimeout() time.Duration {
	return time.Duration(c.RecognizerTimeoutSec) * time.Second
}

func (c *Config) RecognizerRetryBase() time.Duration {
	return time.Duration(c.RecognizerRetryBaseSec) * time.Second
}

func (c *Config) RecognizerPacing() time.Duration {
	return time.Duration(c.RecognizerPacingSec) * time.Second
}

func (c *Config) Lease() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLHours) * time.Hour
}

func (c *Config) MaxDuration() time.Duration {
	return time.Duration(c.MaxDurationHours) * time.Hour
}

func (c *Config) PresignedURLTTL() time.Duration {
	return time.Duration(c.PresignedURLTTLMin) * time.Minute
}

// Load reads configuration from the environment, mapping missing
// required variables to domain sentinel errors.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process(context.Background(), cfg); err != nil {
		if strings.Contains(err.Error(), "RECOGNIZER_ENDPOINT") {
			return nil, ErrRecognizerEndpointRequired
		}
		return nil, fmt.Errorf("config: load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that struct tags alone cannot express.
func (c *Config) Validate() error {
	if c.RecognizerEndpoint == "" {
		return ErrRecognizerEndpointRequired
	}
	if c.ChunkSizeBytes <= 0 {
		return fmt.Errorf("config: CHUNK_SIZE_BYTES must be positive, got %d", c.ChunkSizeBytes)
	}
	if c.SegmentDurationSec <= c.SegmentOverlapSec {
		return fmt.Errorf("config: SEGMENT_DURATION_SEC (%d) must exceed SEGMENT_OVERLAP_SEC (%d)",
			c.SegmentDurationSec, c.SegmentOverlapSec)
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("config: WORKER_CONCURRENCY must be positive, got %d", c.WorkerConcurrency)
	}
	return nil
}

// NewLogger builds the process-wide structured logger per LOG_FORMAT/LOG_LEVEL.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// String renders the config with secrets masked, safe for startup logging.
func (c *Config) String() string {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "***"
	}
	return fmt.Sprintf(
		"Config{Port:%d RecognizerEndpoint:%s RecognizerAPIKey:%s TempDir:%s "+
			"ChunkSizeBytes:%d SegmentDurationSec:%d SegmentOverlapSec:%d "+
			"WorkerConcurrency:%d LeaseSeconds:%d S3Bucket:%s S3Region:%s "+
			"PostgresDSN:%s RedisAddr:%s LogFormat:%s LogLevel:%s}",
		c.Port, c.RecognizerEndpoint, mask(c.RecognizerAPIKey), c.TempDir,
		c.ChunkSizeBytes, c.SegmentDurationSec, c.SegmentOverlapSec,
		c.WorkerConcurrency, c.LeaseSeconds, c.S3Bucket, c.S3Region,
		mask(c.PostgresDSN), c.RedisAddr, c.LogFormat, c.LogLevel,
	)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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
