package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelmesh/atprouter/core"
	"github.com/modelmesh/atprouter/internal/atp"
	"github.com/modelmesh/atprouter/internal/ports"
	"github.com/modelmesh/atprouter/internal/registry"
	"github.com/modelmesh/atprouter/internal/routing"
)

type fakeAdapter struct {
	name    string
	chunks  []ports.AdapterChunk
	failErr error
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Estimate(ctx context.Context, meta atp.Meta, payload []byte) (ports.AdapterEstimate, error) {
	return ports.AdapterEstimate{}, nil
}

func (f *fakeAdapter) Stream(ctx context.Context, meta atp.Meta, payload []byte) (<-chan ports.AdapterChunk, error) {
	if f.failErr != nil {
		return nil, f.failErr
	}
	ch := make(chan ports.AdapterChunk, len(f.chunks))
	for _, c := range f.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (f *fakeAdapter) Health(ctx context.Context) (ports.AdapterHealth, error) {
	return ports.AdapterHealth{Healthy: true}, nil
}

func newTestBreaker(t *testing.T) *registry.AdapterBreaker {
	t.Helper()
	b, err := registry.NewAdapterBreaker("test-adapter", registry.DefaultBreakerConfig(), &core.NoOpLogger{})
	require.NoError(t, err)
	return b
}

func TestDispatchDeliversFragmentsAndRecordsUsage(t *testing.T) {
	adapter := &fakeAdapter{
		name: "good",
		chunks: []ports.AdapterChunk{
			{Payload: []byte("hel"), Final: false},
			{Payload: []byte("lo"), Final: true, Usage: ports.AdapterUsage{Tokens: 42, USDMicros: 100}},
		},
	}
	sink := make(chan ports.Observation, 4)
	d := New(DefaultConfig(),
		func(name string) (ports.Adapter, bool) { return adapter, name == "good" },
		nil, nil, sink)

	budget := atp.NewBudget(atp.Window{MaxParallel: 4, MaxTokens: 1000, MaxUSDMicros: 10000})
	var received []string
	res, err := d.Dispatch(context.Background(), "sess-1", routing.RouteDecision{Champion: "good"},
		atp.Meta{}, []byte("payload"), budget, 5, 1000,
		func(c ports.AdapterChunk) error {
			received = append(received, string(c.Payload))
			return nil
		})

	require.NoError(t, err)
	assert.True(t, res.Succeeded)
	assert.Equal(t, "good", res.AdapterName)
	assert.Equal(t, 42, res.Usage.Tokens)
	assert.Equal(t, []string{"hel", "lo"}, received)

	select {
	case obs := <-sink:
		assert.True(t, obs.Succeeded)
		assert.Equal(t, "good", obs.AdapterName)
	default:
		t.Fatal("expected an Observation to be emitted")
	}
}

func TestDispatchFailsOverToChallengerOnChampionError(t *testing.T) {
	failing := &fakeAdapter{name: "flaky", failErr: assertErr("boom")}
	working := &fakeAdapter{name: "backup", chunks: []ports.AdapterChunk{{Final: true, Usage: ports.AdapterUsage{Tokens: 5}}}}

	lookup := func(name string) (ports.Adapter, bool) {
		switch name {
		case "flaky":
			return failing, true
		case "backup":
			return working, true
		default:
			return nil, false
		}
	}
	d := New(DefaultConfig(), lookup, nil, nil, make(chan ports.Observation, 4))
	budget := atp.NewBudget(atp.Window{MaxParallel: 4, MaxTokens: 1000, MaxUSDMicros: 10000})

	res, err := d.Dispatch(context.Background(), "sess-2",
		routing.RouteDecision{Champion: "flaky", Challenger: "backup"},
		atp.Meta{}, nil, budget, 5, 1000, nil)

	require.NoError(t, err)
	assert.True(t, res.Succeeded)
	assert.True(t, res.FailedOver)
	assert.Equal(t, "backup", res.AdapterName)
}

func TestDispatchReturnsErrorWhenNoFailoverAvailable(t *testing.T) {
	failing := &fakeAdapter{name: "flaky", failErr: assertErr("boom")}
	d := New(DefaultConfig(), func(name string) (ports.Adapter, bool) { return failing, name == "flaky" },
		nil, nil, make(chan ports.Observation, 4))
	budget := atp.NewBudget(atp.Window{MaxParallel: 4, MaxTokens: 1000, MaxUSDMicros: 10000})

	_, err := d.Dispatch(context.Background(), "sess-3", routing.RouteDecision{Champion: "flaky"},
		atp.Meta{}, nil, budget, 5, 1000, nil)
	require.Error(t, err)
}

func TestDispatchRejectsWhenTTLExhausted(t *testing.T) {
	d := New(DefaultConfig(), func(string) (ports.Adapter, bool) { return nil, false }, nil, nil, nil)
	_, err := d.Dispatch(context.Background(), "sess-4", routing.RouteDecision{Champion: "x"},
		atp.Meta{}, nil, atp.NewBudget(atp.Window{}), 0, 1000, nil)
	require.Error(t, err)
	var atpErr *atp.Error
	require.ErrorAs(t, err, &atpErr)
	assert.Equal(t, atp.CodeScope, atpErr.Code)
}

func TestDispatchRespectsOpenBreaker(t *testing.T) {
	adapter := &fakeAdapter{name: "good", chunks: []ports.AdapterChunk{{Final: true}}}
	breaker := newTestBreaker(t)
	// Force the breaker open by exhausting the volume/failure thresholds.
	for i := 0; i < registry.DefaultBreakerConfig().VolumeThreshold+registry.DefaultBreakerConfig().FMax; i++ {
		_ = breaker.Execute(context.Background(), func() error { return assertErr("fail") })
	}
	require.False(t, breaker.AllowsTraffic())

	d := New(DefaultConfig(),
		func(name string) (ports.Adapter, bool) { return adapter, true },
		func(name string) (*registry.AdapterBreaker, bool) { return breaker, true },
		nil, make(chan ports.Observation, 4))
	budget := atp.NewBudget(atp.Window{MaxParallel: 4, MaxTokens: 1000, MaxUSDMicros: 10000})

	_, err := d.Dispatch(context.Background(), "sess-5", routing.RouteDecision{Champion: "good"},
		atp.Meta{}, nil, budget, 5, 1000, nil)
	require.Error(t, err)
	var atpErr *atp.Error
	require.ErrorAs(t, err, &atpErr)
	assert.Equal(t, atp.CodeCircuitOpen, atpErr.Code)
}

func TestShadowDispatchNeverBlocksOnFailure(t *testing.T) {
	failing := &fakeAdapter{name: "shadow-flaky", failErr: assertErr("boom")}
	d := New(DefaultConfig(), func(name string) (ports.Adapter, bool) { return failing, true }, nil, nil, make(chan ports.Observation, 4))

	done := make(chan struct{})
	go func() {
		d.ShadowDispatch(context.Background(), "sess-6", "shadow-flaky", atp.Meta{}, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("ShadowDispatch did not return promptly on adapter error")
	}
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
