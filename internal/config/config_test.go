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

	assert.Equal(t, 3331, cfg.Port)
	assert.Equal(t, "redis://localhost:6379", cfg.RedisURL)
	assert.Equal(t, "*", cfg.CORSAllowOrigins)
	assert.Empty(t, cfg.WSAuthToken)
	assert.Equal(t, 60*time.Second, cfg.WorkerHeartbeatTTL)
	assert.Equal(t, 60*time.Second, cfg.JanitorInterval)
	assert.Equal(t, 30*time.Minute, cfg.MaxJobAge)
	assert.Equal(t, 20, cfg.ClaimScanDepth)
	assert.EqualValues(t, 1<<20, cfg.MaxMessageBytes)
	assert.True(t, cfg.IsDev())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("APP_ENV", "prod")
	t.Setenv("WS_AUTH_TOKEN", "s3cret")
	t.Setenv("WORKER_HEARTBEAT_TTL", "90s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.True(t, cfg.IsProd())
	assert.Equal(t, "s3cret", cfg.WSAuthToken)
	assert.Equal(t, 90*time.Second, cfg.WorkerHeartbeatTTL)
}

func TestValidate(t *testing.T) {
	cfg := Config{Port: 3331, RedisURL: "redis://localhost:6379"}
	assert.NoError(t, cfg.Validate())

	cfg.Port = 0
	assert.Error(t, cfg.Validate())

	cfg.Port = 70000
	assert.Error(t, cfg.Validate())

	cfg = Config{Port: 3331, RedisURL: "  "}
	assert.Error(t, cfg.Validate())
}
