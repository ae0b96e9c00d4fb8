package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 32 raw bytes, accepted as-is by crypto.ParseKey.
const testKey = "0123456789abcdefghijklmnopqrstuv"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", testKey)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis://localhost:6379", cfg.Redis.URL)
	assert.Equal(t, 10, cfg.Runner.MaxConcurrentJobs)
	assert.Equal(t, 3, cfg.Runner.MaxJobsPerUser)
	assert.Equal(t, "/tmp/repobox", cfg.Runner.TempDir)
	assert.True(t, cfg.AI.Enabled)
	assert.Equal(t, 8090, cfg.Server.Port)
	assert.NotEmpty(t, cfg.Runner.ID, "runner id is generated when unset")
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", testKey)
	t.Setenv("REDIS_URL", "redis://redis:6380")
	t.Setenv("RUNNER_ID", "runner-7")
	t.Setenv("MAX_CONCURRENT_JOBS", "2")
	t.Setenv("AI_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis://redis:6380", cfg.Redis.URL)
	assert.Equal(t, "runner-7", cfg.Runner.ID)
	assert.Equal(t, 2, cfg.Runner.MaxConcurrentJobs)
	assert.False(t, cfg.AI.Enabled)
}

func TestLoadRejectsMissingEncryptionKey(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encryption key")
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", testKey)
	t.Setenv("MAX_CONCURRENT_JOBS", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maxConcurrentJobs")
}
