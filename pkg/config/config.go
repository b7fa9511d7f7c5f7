// Package config loads process configuration from the environment and
// policy profiles from YAML.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every environment key.
const EnvPrefix = "AVRT_"

// Config holds server and CLI configuration.
type Config struct {
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:":8080"`

	// DatabaseURL selects Postgres. Empty means lite mode: SQLite under DataDir.
	DatabaseURL string `env:"DATABASE_URL"`
	DataDir     string `env:"DATA_DIR" envDefault:"data"`

	PolicyProfile string `env:"POLICY_PROFILE"`

	// Overrides applied on top of the policy profile when set.
	SafetyThreshold    *float64 `env:"SAFETY_THRESHOLD"`
	IntegrityThreshold *float64 `env:"INTEGRITY_THRESHOLD"`
	EthicsThreshold    *float64 `env:"ETHICS_THRESHOLD"`
	CompositeThreshold *float64 `env:"COMPOSITE_THRESHOLD"`
	RequiredConfidence *float64 `env:"REQUIRED_CONFIDENCE"`

	// PIIPenalty is subtracted from ethics per category of personal data
	// found in the output. Zero disables detection.
	PIIPenalty float64 `env:"PII_PENALTY" envDefault:"0"`

	AppendTimeout  time.Duration `env:"APPEND_TIMEOUT" envDefault:"5s"`
	RecentMaxLimit int           `env:"RECENT_MAX_LIMIT" envDefault:"1000"`
	VerifyOnStart  bool          `env:"VERIFY_ON_START" envDefault:"false"`

	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"40"`
	RedisAddr      string  `env:"REDIS_ADDR"`
	RedisPassword  string  `env:"REDIS_PASSWORD"`
	RedisDB        int     `env:"REDIS_DB" envDefault:"0"`

	JWTSecret string `env:"JWT_SECRET"`
	JWTIssuer string `env:"JWT_ISSUER"`

	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","`

	OTelEnabled  bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTelEndpoint string  `env:"OTEL_ENDPOINT" envDefault:"localhost:4317"`
	OTelSample   float64 `env:"OTEL_SAMPLE_RATE" envDefault:"1.0"`

	ArchiveType       string `env:"ARCHIVE_TYPE" envDefault:"fs"`
	ArchiveDir        string `env:"ARCHIVE_DIR"`
	ArchiveS3Bucket   string `env:"ARCHIVE_S3_BUCKET"`
	ArchiveS3Region   string `env:"ARCHIVE_S3_REGION" envDefault:"us-east-1"`
	ArchiveS3Endpoint string `env:"ARCHIVE_S3_ENDPOINT"`
	ArchiveGCSBucket  string `env:"ARCHIVE_GCS_BUCKET"`
	ArchivePrefix     string `env:"ARCHIVE_PREFIX" envDefault:"bundles/"`

	OpenAIAPIKey      string `env:"OPENAI_API_KEY"`
	TranscribeModel   string `env:"TRANSCRIBE_MODEL" envDefault:"whisper-1"`
	TranscribeBaseURL string `env:"TRANSCRIBE_BASE_URL"`
}

// Load parses AVRT_* environment variables and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log format %q: want json or text", c.LogFormat))
	}
	if c.DatabaseURL == "" && c.DataDir == "" {
		errs = append(errs, errors.New("DATA_DIR is required in lite mode"))
	}
	for name, v := range map[string]*float64{
		"SAFETY_THRESHOLD":    c.SafetyThreshold,
		"INTEGRITY_THRESHOLD": c.IntegrityThreshold,
		"ETHICS_THRESHOLD":    c.EthicsThreshold,
		"COMPOSITE_THRESHOLD": c.CompositeThreshold,
	} {
		if v != nil && (*v < 0 || *v > 100) {
			errs = append(errs, fmt.Errorf("%s=%v out of range [0,100]", name, *v))
		}
	}
	if c.RequiredConfidence != nil && (*c.RequiredConfidence <= 0 || *c.RequiredConfidence > 1) {
		errs = append(errs, fmt.Errorf("REQUIRED_CONFIDENCE=%v out of range (0,1]", *c.RequiredConfidence))
	}
	if c.PIIPenalty < 0 || c.PIIPenalty > 100 {
		errs = append(errs, fmt.Errorf("PII_PENALTY=%v out of range [0,100]", c.PIIPenalty))
	}
	if c.AppendTimeout <= 0 {
		errs = append(errs, errors.New("APPEND_TIMEOUT must be positive"))
	}
	if c.RecentMaxLimit <= 0 {
		errs = append(errs, errors.New("RECENT_MAX_LIMIT must be positive"))
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		errs = append(errs, errors.New("rate limit values must not be negative"))
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 32 bytes"))
	}
	switch c.ArchiveType {
	case "fs", "s3", "gcs":
	default:
		errs = append(errs, fmt.Errorf("ARCHIVE_TYPE %q: want fs, s3 or gcs", c.ArchiveType))
	}
	return errors.Join(errs...)
}

// LiteMode reports whether the ledger runs on the local SQLite file.
func (c *Config) LiteMode() bool { return c.DatabaseURL == "" }

// SQLitePath is the lite-mode database file.
func (c *Config) SQLitePath() string { return filepath.Join(c.DataDir, "avrt.db") }

// ArchivePath is the filesystem archive root.
func (c *Config) ArchivePath() string {
	if c.ArchiveDir != "" {
		return c.ArchiveDir
	}
	return filepath.Join(c.DataDir, "archive")
}

// Level returns the configured slog level.
func (c *Config) Level() slog.Level {
	l, _ := ParseLevel(c.LogLevel)
	return l
}

// ParseLevel accepts debug, info, warn/warning and error in any case.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}
