package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 300, cfg.ShardsPerGroup)
	assert.Equal(t, []string{"default"}, cfg.ShardGroups)
	assert.Equal(t, 4096, cfg.EntityMailboxCapacity)
	assert.Equal(t, time.Minute, cfg.EntityMaxIdleTime)
	assert.Equal(t, 15*time.Second, cfg.EntityTerminationTimeout)
	assert.Equal(t, 35*time.Second, cfg.ShardLockExpiration)
	assert.Equal(t, 0.02, cfg.RebalanceRate)
	assert.Equal(t, "0.0.0.0:8081", cfg.RunnerAddr())
}

func TestLoadEnvOverridesDefault(t *testing.T) {
	t.Setenv("MERIDIAN_SHARDSPERGROUP", "4")
	t.Setenv("MERIDIAN_RUNNERADDRESS_PORT", "9090")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.ShardsPerGroup)
	assert.Equal(t, 9090, cfg.RunnerPort)
}
