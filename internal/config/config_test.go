package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigMatchesSpecDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 1<<20, cfg.Protocol.MaxFrameBytes)
	assert.Equal(t, 15000, cfg.Protocol.HeartbeatIntervalMs)
	assert.Equal(t, 3, cfg.Session.IdleMissedHeartbeats)
	assert.Equal(t, 60000, cfg.Session.AntiReplayWindowMs)
	assert.Equal(t, 8, cfg.Scheduler.TenantWeightGold)
	assert.Equal(t, 4, cfg.Scheduler.TenantWeightSilver)
	assert.Equal(t, 1, cfg.Scheduler.TenantWeightBronze)
	assert.Equal(t, 30000, cfg.Shutdown.DrainTimeoutMs)
	require.NoError(t, cfg.Validate())
}

func TestShutdownSplitIs40_30_30(t *testing.T) {
	cfg := ShutdownConfig{DrainTimeoutMs: 30000}
	stop, drain, force := cfg.Split()
	assert.Equal(t, 12*time.Second, stop)
	assert.Equal(t, 9*time.Second, drain)
	assert.Equal(t, 9*time.Second, force)
	assert.Equal(t, 30*time.Second, stop+drain+force)
}

func TestLoadFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("ATP_SCHEDULER_WEIGHT_GOLD", "16")
	t.Setenv("ATP_ROUTING_STRATEGY", "ucb")

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())
	assert.Equal(t, 16, cfg.Scheduler.TenantWeightGold)
	assert.Equal(t, "ucb", cfg.Routing.Strategy)
}

func TestFunctionalOptionsOverrideEnv(t *testing.T) {
	t.Setenv("ATP_ROUTING_STRATEGY", "ucb")

	cfg, err := New(WithRoutingStrategy("greedy"), WithSchedulerWeights(10, 5, 1))
	require.NoError(t, err)
	assert.Equal(t, "greedy", cfg.Routing.Strategy)
	assert.Equal(t, 10, cfg.Scheduler.TenantWeightGold)
}

func TestValidateRejectsBadWeightOrdering(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Scheduler.TenantWeightSilver = cfg.Scheduler.TenantWeightGold
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownRoutingStrategy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Routing.Strategy = "random"
	require.Error(t, cfg.Validate())
}

func TestWithConfigFileLoadsYAMLOverlay(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "atp-*.yaml")
	require.NoError(t, err)
	_, err = f.WriteString("routing:\n  strategy: ucb\nscheduler:\n  tenant_weight_gold: 12\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	cfg, err := New(WithConfigFile(f.Name()))
	require.NoError(t, err)
	assert.Equal(t, "ucb", cfg.Routing.Strategy)
	assert.Equal(t, 12, cfg.Scheduler.TenantWeightGold)
}
