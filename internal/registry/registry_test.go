package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIsIdempotentUnlessCapabilityChanges(t *testing.T) {
	r := New(DefaultConfig(), nil)
	cap := Capability{TaskTypes: []string{"chat"}, MaxTokens: 4096}

	rec := r.Register("openai-gpt4", cap)
	assert.Equal(t, 1, rec.Version)

	rec = r.Register("openai-gpt4", cap)
	assert.Equal(t, 1, rec.Version, "re-advertising the same capability must not bump the version")

	cap.MaxTokens = 8192
	rec = r.Register("openai-gpt4", cap)
	assert.Equal(t, 2, rec.Version, "a material capability change bumps the version")
}

func TestListCompatibleFiltersByTaskTypeAndFeatures(t *testing.T) {
	r := New(DefaultConfig(), nil)
	r.Register("a", Capability{TaskTypes: []string{"chat"}, Features: []string{"streaming"}})
	r.Register("b", Capability{TaskTypes: []string{"summarize"}})

	out := r.ListCompatible("chat", nil, 0, []string{"streaming"}, time.Now())
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].Name)
}

func TestReadyRequiresFreshHealthWithinSLO(t *testing.T) {
	now := time.Now()
	r := New(DefaultConfig(), func() time.Time { return now })
	r.Register("a", Capability{TaskTypes: []string{"chat"}})

	assert.False(t, r.Ready("a", now), "no health reading yet means not ready")

	r.UpdateHealth("a", 100, 0.01)
	assert.True(t, r.Ready("a", now))

	stale := now.Add(2 * time.Minute)
	assert.False(t, r.Ready("a", stale), "health older than the staleness window is not ready")
}

func TestStalenessFactorDecaysLinearlyToZero(t *testing.T) {
	now := time.Now()
	r := New(DefaultConfig(), func() time.Time { return now })
	r.Register("a", Capability{})
	r.UpdateHealth("a", 50, 0.0)

	assert.Equal(t, 1.0, r.StalenessFactor("a", now))
	mid := now.Add(DefaultConfig().StalenessWindow + DefaultConfig().StalenessWindow/2)
	f := r.StalenessFactor("a", mid)
	assert.Greater(t, f, 0.0)
	assert.Less(t, f, 1.0)

	veryStale := now.Add(3 * DefaultConfig().StalenessWindow)
	assert.Equal(t, 0.0, r.StalenessFactor("a", veryStale))
}

func TestEWMAHealthSmoothsSamples(t *testing.T) {
	r := New(DefaultConfig(), nil)
	r.Register("a", Capability{})

	r.UpdateHealth("a", 100, 0.0)
	r.UpdateHealth("a", 500, 1.0)

	rec, ok := r.Get("a")
	require.True(t, ok)
	assert.InDelta(t, 0.2*500+0.8*100, rec.Health.P95LatencyMs, 0.001)
}

func TestAdapterBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultBreakerConfig()
	cfg.FMax = 3
	cfg.VolumeThreshold = 1
	ab, err := NewAdapterBreaker("flaky", cfg, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_ = ab.Execute(context.Background(), func() error { return assert.AnError })
	}
	assert.Equal(t, "open", ab.State())
	assert.False(t, ab.AllowsTraffic())
}

func TestRegistryReadyConsultsAttachedBreaker(t *testing.T) {
	now := time.Now()
	r := New(DefaultConfig(), func() time.Time { return now })
	r.Register("a", Capability{})
	r.UpdateHealth("a", 10, 0.0)

	cfg := DefaultBreakerConfig()
	cfg.FMax = 1
	cfg.VolumeThreshold = 1
	ab, err := NewAdapterBreaker("a", cfg, nil)
	require.NoError(t, err)
	r.AttachBreaker("a", ab)

	assert.True(t, r.Ready("a", now))
	_ = ab.Execute(context.Background(), func() error { return assert.AnError })
	assert.False(t, r.Ready("a", now), "an Open breaker must fail the readiness gate")
}
