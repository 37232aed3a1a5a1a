package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("WHOOP_CLIENT_ID", "client")
	t.Setenv("WHOOP_CLIENT_SECRET", "secret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://api.prod.whoop.com", cfg.BaseURL)
	assert.Equal(t, ".whoop_credentials_batch.json", cfg.CredentialsDSN)
	assert.Equal(t, "data", cfg.DataDir)
	assert.Equal(t, 6*time.Hour, cfg.SyncInterval)
	assert.Equal(t, 5*time.Second, cfg.SubjectDelay)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("WHOOP_CLIENT_ID", "client")
	t.Setenv("WHOOP_CLIENT_SECRET", "secret")
	t.Setenv("WHOOP_SYNC_INTERVAL", "30m")
	t.Setenv("WHOOP_SYNC_JITTER", "0.25")
	t.Setenv("WHOOP_DATA_DIR", "/tmp/whoop")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, cfg.SyncInterval)
	assert.Equal(t, 0.25, cfg.IntervalJitter)
	assert.Equal(t, "/tmp/whoop", cfg.DataDir)
}

func TestValidateRequiresClientCredentials(t *testing.T) {
	cfg := &Config{CredentialsDSN: "creds.json", SyncInterval: time.Hour}
	assert.Error(t, cfg.Validate())

	cfg.ClientID = "client"
	cfg.ClientSecret = "secret"
	assert.NoError(t, cfg.Validate())
}

func TestValidateJitterRange(t *testing.T) {
	cfg := &Config{
		ClientID:       "client",
		ClientSecret:   "secret",
		CredentialsDSN: "creds.json",
		SyncInterval:   time.Hour,
		IntervalJitter: 1.5,
	}
	assert.Error(t, cfg.Validate())
}
