package trolley_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trolleyworks/trolley"
)

func TestDefaultConfig(t *testing.T) {
	cfg := trolley.DefaultConfig()

	assert.Equal(t, 100, cfg.SnapshotEvery)
	assert.Equal(t, 3, cfg.SnapshotKeep)
	assert.Equal(t, 100*time.Millisecond, cfg.RestartSeed)
	assert.Equal(t, 30*time.Second, cfg.RestartCap)
	assert.Equal(t, 0.2, cfg.RestartJitter)
	assert.Equal(t, 8, cfg.MaxRestarts)
}

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := trolley.FromEnv()
	require.NoError(t, err)
	assert.Equal(t, trolley.DefaultConfig(), cfg)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("TROLLEY_SNAPSHOT_EVERY", "10")
	t.Setenv("TROLLEY_RESTART_SEED", "250ms")
	t.Setenv("TROLLEY_MAX_RESTARTS", "1")

	cfg, err := trolley.FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.SnapshotEvery)
	assert.Equal(t, 250*time.Millisecond, cfg.RestartSeed)
	assert.Equal(t, 1, cfg.MaxRestarts)

	// untouched fields keep their defaults
	assert.Equal(t, 3, cfg.SnapshotKeep)
}
