package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExampleConfigParses(t *testing.T) {
	cfg, err := Parse([]byte(ExampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "https://example.supabase.co", cfg.Backend.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.Backend.Timeout)
	assert.Equal(t, 10.0, cfg.Backend.RequestsPerSecond)
	assert.Equal(t, cfg.Backend.BaseURL, cfg.Realtime.BaseURL)
	assert.Equal(t, 25*time.Second, cfg.Realtime.HeartbeatInterval)
	assert.Equal(t, int64(10*1024*1024), cfg.Upload.MaxBytes)
	assert.Equal(t, 3, cfg.Upload.MaxAttempts)
	assert.True(t, cfg.Upload.Compress)
	assert.Equal(t, 50, cfg.Session.PageSize)
	assert.Equal(t, 3*time.Second, cfg.Session.TypingIdle)
	assert.Equal(t, "chatsync.db", cfg.Cache.Path)
	require.NotNil(t, cfg.Logging.MinLevel)
	assert.Equal(t, zerolog.InfoLevel, *cfg.Logging.MinLevel)
	assert.False(t, cfg.HasSession())
}

func TestPostProcessDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
backend:
    base_url: http://localhost:54321
    user_id: u1
    refresh_token: r1
metrics:
    enabled: true
`))
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Session.PageSize)
	assert.Equal(t, 30*time.Second, cfg.Session.WriteTimeout)
	assert.Equal(t, 3*time.Second, cfg.Session.TypingIdle)
	assert.Equal(t, "127.0.0.1:9090", cfg.Metrics.Listen)
	assert.True(t, cfg.HasSession())
}

func TestPostProcessRejectsBadBaseURL(t *testing.T) {
	_, err := Parse([]byte("backend:\n    api_key: x\n"))
	assert.ErrorContains(t, err, "base_url is required")

	_, err = Parse([]byte("backend:\n    base_url: not a url\n"))
	assert.ErrorContains(t, err, "not a valid URL")
}

func TestLoadFillsMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend:
    base_url: http://localhost:54321
    api_key: anon
upload:
    max_attempts: 5
`), 0600))

	cfg, err := Load(path, false)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:54321", cfg.Backend.BaseURL)
	assert.Equal(t, "anon", cfg.Backend.APIKey)
	assert.Equal(t, 5, cfg.Upload.MaxAttempts)
	// Taken from the example config.
	assert.Equal(t, 1920, cfg.Upload.MaxDimension)
	assert.Equal(t, "message_reactions", cfg.Realtime.ReactionsTable)
}
