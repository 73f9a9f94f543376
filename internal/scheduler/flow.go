package scheduler

import (
	"context"
	"time"

	"github.com/modelmesh/atprouter/internal/atp"
	"github.com/modelmesh/atprouter/internal/metrics"
)

// FlowConfig mirrors the flow.* option group (spec.md §6, §4.7).
type FlowConfig struct {
	AIMDAlpha               float64
	AIMDBeta                float64
	MinWindow               atp.Window
	BusyReductionFactor     float64
	BusyGracePeriod         time.Duration
	AdditiveIntervalTokens  int
	AdditiveIntervalUSD     int64
	ObservationInterval     time.Duration
	WindowUpdateMinDelta    float64
	WindowUpdateMinInterval time.Duration

	// Metrics records the emitted AIMD window size. Nil disables it.
	Metrics metrics.Recorder
}

// DefaultFlowConfig matches spec.md §4.7's stated defaults.
func DefaultFlowConfig() FlowConfig {
	return FlowConfig{
		AIMDAlpha:               1.0,
		AIMDBeta:                0.5,
		MinWindow:               atp.Window{MaxParallel: 1, MaxTokens: 256, MaxUSDMicros: 100},
		BusyReductionFactor:     0.5,
		BusyGracePeriod:         200 * time.Millisecond,
		AdditiveIntervalTokens:  512,
		AdditiveIntervalUSD:     1000,
		ObservationInterval:     time.Second,
		WindowUpdateMinDelta:    0.10,
		WindowUpdateMinInterval: 250 * time.Millisecond,
	}
}

// FlowState is the Flow Controller's per-session AIMD state (spec.md §4.7).
type FlowState struct {
	cfg FlowConfig

	current      atp.Window
	agentSuggest atp.Window

	lastAdditive     time.Time
	busySince        time.Time
	inBusy           bool
	lastEmitted      atp.Window
	lastEmittedAt    time.Time
}

// NewFlowState seeds flow state from the router-configured starting window.
func NewFlowState(cfg FlowConfig, routerWindow atp.Window, now time.Time) *FlowState {
	fs := &FlowState{
		cfg:          cfg,
		current:      routerWindow,
		agentSuggest: routerWindow,
		lastAdditive: now,
	}
	fs.lastEmitted = fs.Effective()
	fs.lastEmittedAt = now
	return fs
}

// Effective returns min(router-configured W, agent-suggested W) (spec.md §4.7).
func (fs *FlowState) Effective() atp.Window {
	return fs.current.Min(fs.agentSuggest)
}

// SetAgentSuggestion updates the agent-advertised window from a CONTROL frame.
func (fs *FlowState) SetAgentSuggestion(w atp.Window) {
	fs.agentSuggest = w
}

// OnBusy applies the multiplicative BUSY reduction, honoring the grace
// period before a repeat BUSY is treated as newly reversible (spec.md
// §4.7: "respects a grace period... before considering the status
// reversible").
func (fs *FlowState) OnBusy(now time.Time) {
	if fs.inBusy && now.Sub(fs.busySince) < fs.cfg.BusyGracePeriod {
		return
	}
	fs.inBusy = true
	fs.busySince = now
	fs.current = fs.scale(fs.current, fs.cfg.BusyReductionFactor)
}

// OnReady clears the BUSY state, allowing additive increase to resume.
func (fs *FlowState) OnReady(now time.Time) {
	fs.inBusy = false
}

// MaybeAdditiveIncrease applies one additive-increase step if a full
// observation interval has elapsed without a congestion signal (spec.md
// §4.7).
func (fs *FlowState) MaybeAdditiveIncrease(now time.Time) bool {
	if fs.inBusy {
		return false
	}
	if now.Sub(fs.lastAdditive) < fs.cfg.ObservationInterval {
		return false
	}
	fs.current.MaxParallel += int(fs.cfg.AIMDAlpha)
	fs.current.MaxTokens += fs.cfg.AdditiveIntervalTokens
	fs.current.MaxUSDMicros += fs.cfg.AdditiveIntervalUSD
	fs.lastAdditive = now
	return true
}

// OnCongestionSignal applies the multiplicative decrease on an ECN mark,
// SLO-latency breach, or busy/high-watermark signal (spec.md §4.7).
func (fs *FlowState) OnCongestionSignal(now time.Time) {
	fs.current = fs.scale(fs.current, fs.cfg.AIMDBeta)
}

func (fs *FlowState) scale(w atp.Window, factor float64) atp.Window {
	scaled := atp.Window{
		MaxParallel:  int(float64(w.MaxParallel) * factor),
		MaxTokens:    int(float64(w.MaxTokens) * factor),
		MaxUSDMicros: int64(float64(w.MaxUSDMicros) * factor),
	}
	if scaled.MaxParallel < fs.cfg.MinWindow.MaxParallel {
		scaled.MaxParallel = fs.cfg.MinWindow.MaxParallel
	}
	if scaled.MaxTokens < fs.cfg.MinWindow.MaxTokens {
		scaled.MaxTokens = fs.cfg.MinWindow.MaxTokens
	}
	if scaled.MaxUSDMicros < fs.cfg.MinWindow.MaxUSDMicros {
		scaled.MaxUSDMicros = fs.cfg.MinWindow.MaxUSDMicros
	}
	return scaled
}

// ShouldEmitWindowUpdate reports whether a WINDOW_UPDATE should be sent
// now: the effective window changed by more than min_delta, or
// min_interval has elapsed since the last emission, whichever first
// (spec.md §4.7).
func (fs *FlowState) ShouldEmitWindowUpdate(now time.Time) bool {
	eff := fs.Effective()
	if now.Sub(fs.lastEmittedAt) >= fs.cfg.WindowUpdateMinInterval {
		return true
	}
	return fs.deltaExceeds(fs.lastEmitted, eff, fs.cfg.WindowUpdateMinDelta)
}

// MarkEmitted records that a WINDOW_UPDATE was just sent for the current
// effective window.
func (fs *FlowState) MarkEmitted(now time.Time) {
	fs.lastEmitted = fs.Effective()
	fs.lastEmittedAt = now
	if fs.cfg.Metrics != nil {
		fs.cfg.Metrics.Histogram(context.Background(), metrics.MetricAIMDWindow, float64(fs.lastEmitted.MaxParallel), "field", "max_parallel")
	}
}

func (fs *FlowState) deltaExceeds(a, b atp.Window, threshold float64) bool {
	rel := func(x, y int) bool {
		if x == 0 {
			return y != 0
		}
		d := float64(y-x) / float64(x)
		if d < 0 {
			d = -d
		}
		return d > threshold
	}
	relI64 := func(x, y int64) bool {
		if x == 0 {
			return y != 0
		}
		d := float64(y-x) / float64(x)
		if d < 0 {
			d = -d
		}
		return d > threshold
	}
	return rel(a.MaxParallel, b.MaxParallel) || rel(a.MaxTokens, b.MaxTokens) || relI64(a.MaxUSDMicros, b.MaxUSDMicros)
}

// ECNMark reports whether outgoing frames should carry the ECN flag: queue
// wait p95 has crossed the high watermark (spec.md §4.7).
func ECNMark(queueWaitP95 time.Duration, highWatermark time.Duration) bool {
	return queueWaitP95 >= highWatermark
}
