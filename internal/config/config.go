// Package config loads runtime settings from the environment, with an
// optional .env file for local development.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// BaseURL is the Whoop API host; overridable for scripted test remotes.
	BaseURL      string
	ClientID     string
	ClientSecret string
	RedirectURI  string

	// CredentialsDSN locates the credential store (file path, file://,
	// memory:// or postgres://). Ignored when CredentialsJSON is set.
	CredentialsDSN string
	// CredentialsJSON is the raw credential map injected through a CI
	// secret; when non-empty it takes precedence over CredentialsDSN.
	CredentialsJSON string

	// DataDir holds the per-subject CSV stores and JSON exports.
	DataDir string

	SyncInterval   time.Duration
	IntervalJitter float64
	PassTimeout    time.Duration
	SubjectDelay   time.Duration

	LogLevel string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		BaseURL:         getEnv("WHOOP_API_BASE_URL", "https://api.prod.whoop.com"),
		ClientID:        os.Getenv("WHOOP_CLIENT_ID"),
		ClientSecret:    os.Getenv("WHOOP_CLIENT_SECRET"),
		RedirectURI:     os.Getenv("WHOOP_REDIRECT_URI"),
		CredentialsDSN:  getEnv("WHOOP_CREDENTIALS_DSN", ".whoop_credentials_batch.json"),
		CredentialsJSON: os.Getenv("WHOOP_BATCH_CREDENTIALS"),
		DataDir:         getEnv("WHOOP_DATA_DIR", "data"),
		SyncInterval:    getDurationEnv("WHOOP_SYNC_INTERVAL", 6*time.Hour),
		IntervalJitter:  getFloatEnv("WHOOP_SYNC_JITTER", 0.1),
		PassTimeout:     getDurationEnv("WHOOP_PASS_TIMEOUT", 15*time.Minute),
		SubjectDelay:    getDurationEnv("WHOOP_SUBJECT_DELAY", 5*time.Second),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ClientID == "" || c.ClientSecret == "" {
		return errors.New("WHOOP_CLIENT_ID and WHOOP_CLIENT_SECRET are required")
	}
	if c.CredentialsJSON == "" && c.CredentialsDSN == "" {
		return errors.New("one of WHOOP_CREDENTIALS_DSN or WHOOP_BATCH_CREDENTIALS is required")
	}
	if c.IntervalJitter < 0 || c.IntervalJitter > 1 {
		return fmt.Errorf("WHOOP_SYNC_JITTER must be within [0, 1], got %v", c.IntervalJitter)
	}
	if c.SyncInterval <= 0 {
		return errors.New("WHOOP_SYNC_INTERVAL must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getFloatEnv(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
