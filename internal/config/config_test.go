package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.WorkerConcurrency)
	assert.Equal(t, 3*time.Second, cfg.DispatchPerItemDelay)
	assert.Equal(t, 3, cfg.DispatchMaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.SendTimeout)
	assert.Equal(t, "first", cfg.TemplateSelection)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "12")
	t.Setenv("DISPATCH_PER_ITEM_DELAY", "250ms")
	t.Setenv("TEMPLATE_SELECTION", "RANDOM")
	t.Setenv("TRACKING_BASE_URL", "https://t.example.com/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.WorkerConcurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.DispatchPerItemDelay)
	assert.Equal(t, "random", cfg.TemplateSelection)
	assert.Equal(t, "https://t.example.com", cfg.TrackingBaseURL)
}

func TestLoad_RejectsZeroConcurrency(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "0")
	_, err := Load()
	require.Error(t, err)
}

func TestLoad_DatabaseURLFromParts(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_USER", "u")
	t.Setenv("DB_PASSWORD", "p")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("DB_NAME", "camp")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@db:6543/camp?sslmode=disable", cfg.DatabaseURL)
}
