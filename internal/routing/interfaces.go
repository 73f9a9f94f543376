// Package routing implements the Routing Engine (spec.md §4.5): the
// constraint filter, adapter scoring, the three selection-policy bandits
// (Thompson sampling, contextual UCB, greedy/epsilon-greedy), and
// champion/challenger shadow promotion. It is grounded on
// pkg/routing's Router/RoutingPlan/RoutingCache shapes, restructured
// around single-adapter selection instead of multi-step LLM workflow
// planning.
package routing

import "time"

// Candidate is one adapter's state as seen by the constraint filter and
// scorer: registry-sourced health/capability facts plus a per-request
// cost estimate (spec.md §4.5 inputs).
type Candidate struct {
	Name string

	SupportsFeatures []string
	DataScopes       []string

	P95LatencyMs        int64
	EstimatedCostMicros int64
	ErrorRate           float64
	Staleness           float64 // registry.StalenessFactor output, 1.0 fresh .. 0.0 stale
	BreakerOpen         bool
	CarbonIntensity     float64 // optional, 0 when unknown/unused

	// QualityMean is the adapter's predicted quality, used by Score and as
	// a rank tie-break (spec.md §4.5). The bandits keep their own reward
	// statistics and do not read it.
	QualityMean float64
}

// Request is what the Routing Engine needs to pick an adapter (spec.md
// §4.5 "Inputs").
type Request struct {
	TenantID         string
	TaskType         string
	RequiredFeatures []string
	DataScope        []string
	LatencySLOMs     int64
	MaxUSDMicros     int64
	QualityTier      string
	AllowedAdapters  []string // tenant allowlist; empty means unrestricted
}

// Weights are the per-tenant-policy scoring weights (spec.md §4.5
// defaults: quality 0.4, latency 0.2, cost 0.3, carbon/other 0.1).
type Weights struct {
	Quality float64
	Latency float64
	Cost    float64
	Carbon  float64
}

// DefaultWeights matches spec.md §4.5's stated defaults.
func DefaultWeights() Weights {
	return Weights{Quality: 0.4, Latency: 0.2, Cost: 0.3, Carbon: 0.1}
}

// Strategy names the configured selection policy (spec.md §6 routing.strategy).
type Strategy string

const (
	StrategyThompson Strategy = "thompson"
	StrategyUCB      Strategy = "ucb"
	StrategyGreedy   Strategy = "greedy"
)

// RouteDecision is the Routing Engine's output (spec.md §3, §4.5).
type RouteDecision struct {
	Champion       string
	Challenger     string // empty when no shadow challenger was chosen
	Score          float64
	Reason         string
	DecidedAt      time.Time
	RejectedCount  int // candidates eliminated by the constraint filter
}

// latencyReward is spec.md §4.5's piecewise reward shape: 1 at or below
// SLO, decaying linearly to 0 at 2×SLO, floored at 0 beyond that. Reward
// uses it; Score has its own inverse-latency term.
func latencyReward(actualMs, sloMs int64) float64 {
	if sloMs <= 0 {
		return 1
	}
	if actualMs <= sloMs {
		return 1
	}
	twice := 2 * sloMs
	if actualMs >= twice {
		return 0
	}
	return 1 - float64(actualMs-sloMs)/float64(twice-sloMs)
}

// Reward computes spec.md §4.5's reward for an Observation:
// reward = w_q·quality + w_l·latency_reward − w_c·cost_normalized,
// clipped to [0,1]. qualityScore and costNormalized are both expected in
// [0,1]; a failed outcome gets a reward of 0.
func Reward(w Weights, qualityScore float64, actualLatencyMs, sloMs int64, costNormalized float64, succeeded bool) float64 {
	if !succeeded {
		return 0
	}
	r := w.Quality*qualityScore + w.Latency*latencyReward(actualLatencyMs, sloMs) - w.Cost*costNormalized
	if r < 0 {
		r = 0
	}
	if r > 1 {
		r = 1
	}
	return r
}
