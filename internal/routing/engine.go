package routing

import (
	"context"
	"math/rand"
	"time"

	"github.com/modelmesh/atprouter/internal/atp"
	"github.com/modelmesh/atprouter/internal/metrics"
)

// Bandit is a selection-policy implementation (spec.md §4.5: Thompson
// sampling, contextual UCB, or greedy/epsilon-greedy).
type Bandit interface {
	// Select picks one feasible candidate's name.
	Select(candidates []Candidate) (string, error)
	// Update folds an observed reward back into the policy's posterior
	// for the given adapter (spec.md §4.5 "Reward computation").
	Update(adapter string, reward float64, succeeded bool)
}

// EngineConfig bundles the Routing Engine's tunables (spec.md §6 routing.*).
type EngineConfig struct {
	Weights            Weights
	ShadowProbability  float64
	StalenessThreshold time.Duration

	// Metrics records routing decisions (champion, challenger presence).
	// Nil disables instrumentation.
	Metrics metrics.Recorder
}

// DefaultEngineConfig matches spec.md §4.5's stated defaults.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{Weights: DefaultWeights(), ShadowProbability: 0.05}
}

// Engine is the Routing Engine (spec.md §4.5): constraint filter,
// scorer, bandit-driven selection, and champion/challenger shadow pick.
type Engine struct {
	cfg    EngineConfig
	bandit Bandit
	rng    *rand.Rand
}

// New builds an Engine around the given bandit policy. rng defaults to a
// time-seeded source if nil; pass a fixed-seed *rand.Rand in tests for
// deterministic shadow selection.
func New(cfg EngineConfig, bandit Bandit, rng *rand.Rand) *Engine {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Engine{cfg: cfg, bandit: bandit, rng: rng}
}

// Filter applies spec.md §4.5's hard gates, in the stated order: feature
// compatibility, latency SLO feasibility, cost cap, data_scope
// compatibility, tenant allowlist, breaker not Open, health not stale
// beyond threshold.
func (e *Engine) Filter(req Request, candidates []Candidate) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if !hasAllFeatures(c.SupportsFeatures, req.RequiredFeatures) {
			continue
		}
		if req.LatencySLOMs > 0 && c.P95LatencyMs > req.LatencySLOMs {
			continue
		}
		if req.MaxUSDMicros > 0 && c.EstimatedCostMicros > req.MaxUSDMicros {
			continue
		}
		if !dataScopeCompatible(c.DataScopes, req.DataScope) {
			continue
		}
		if !tenantAllowed(req.AllowedAdapters, c.Name) {
			continue
		}
		if c.BreakerOpen {
			continue
		}
		if c.Staleness <= 0 {
			continue
		}
		out = append(out, c)
	}
	return out
}

func hasAllFeatures(supported, required []string) bool {
	for _, r := range required {
		found := false
		for _, s := range supported {
			if s == r {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func dataScopeCompatible(adapterScopes, requestScopes []string) bool {
	if len(requestScopes) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(adapterScopes))
	for _, s := range adapterScopes {
		set[s] = struct{}{}
	}
	for _, s := range requestScopes {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}

func tenantAllowed(allowlist []string, name string) bool {
	if len(allowlist) == 0 {
		return true
	}
	for _, a := range allowlist {
		if a == name {
			return true
		}
	}
	return false
}

// Score computes spec.md §4.5's weighted combination of normalized
// inverse-cost, inverse-latency (with staleness penalty), predicted
// quality, and optional carbon intensity.
func (e *Engine) Score(c Candidate) float64 {
	invCost := 1.0
	if c.EstimatedCostMicros > 0 {
		invCost = 1.0 / (1.0 + float64(c.EstimatedCostMicros)/1_000_000)
	}
	invLatency := 1.0
	if c.P95LatencyMs > 0 {
		invLatency = (1.0 / (1.0 + float64(c.P95LatencyMs)/1000.0)) * c.Staleness
	}
	carbonTerm := 1.0
	if c.CarbonIntensity > 0 {
		carbonTerm = 1.0 / (1.0 + c.CarbonIntensity)
	}
	w := e.cfg.Weights
	return w.Quality*c.QualityMean + w.Latency*invLatency + w.Cost*invCost + w.Carbon*carbonTerm
}

// rank sorts feasible candidates by Score descending, applying spec.md
// §4.5's tie-break order: lower staleness age (i.e. higher freshness),
// higher freshness-weighted quality, lower variance — approximated here
// since this engine does not track per-candidate reward variance
// separately from QualityMean, by (a) higher Staleness, (b) higher
// QualityMean.
func (e *Engine) rank(candidates []Candidate) []Candidate {
	scored := make([]Candidate, len(candidates))
	copy(scored, candidates)
	scores := make(map[string]float64, len(scored))
	for _, c := range scored {
		scores[c.Name] = e.Score(c)
	}
	for i := 1; i < len(scored); i++ {
		for j := i; j > 0; j-- {
			a, b := scored[j-1], scored[j]
			if less(scores[a.Name], scores[b.Name], a, b) {
				scored[j-1], scored[j] = scored[j], scored[j-1]
				continue
			}
			break
		}
	}
	return scored
}

func less(scoreA, scoreB float64, a, b Candidate) bool {
	if scoreA != scoreB {
		return scoreA < scoreB
	}
	if a.Staleness != b.Staleness {
		return a.Staleness < b.Staleness
	}
	return a.QualityMean < b.QualityMean
}

// Route selects a champion (and, with probability ShadowProbability, a
// challenger) from the feasible, ready candidate set (spec.md §4.5).
// EADAPTER is returned if no candidate survives the constraint filter.
func (e *Engine) Route(req Request, candidates []Candidate, now time.Time) (RouteDecision, error) {
	feasible := e.Filter(req, candidates)
	if len(feasible) == 0 {
		return RouteDecision{}, atp.NewError(atp.CodeNoAdapter, "", "no feasible adapter satisfies constraints")
	}

	championName, err := e.bandit.Select(feasible)
	if err != nil {
		return RouteDecision{}, atp.NewError(atp.CodeNoAdapter, "", err.Error())
	}

	ranked := e.rank(feasible)
	var championScore float64
	for _, c := range ranked {
		if c.Name == championName {
			championScore = e.Score(c)
			break
		}
	}

	decision := RouteDecision{
		Champion:      championName,
		Score:         championScore,
		Reason:        "bandit selection within feasible set",
		DecidedAt:     now,
		RejectedCount: len(candidates) - len(feasible),
	}

	if len(feasible) > 1 && e.rng.Float64() < e.cfg.ShadowProbability {
		for _, c := range ranked {
			if c.Name != championName {
				decision.Challenger = c.Name
				break
			}
		}
	}

	if e.cfg.Metrics != nil {
		shadowed := "false"
		if decision.Challenger != "" {
			shadowed = "true"
		}
		e.cfg.Metrics.Counter(context.Background(), metrics.MetricRoutingDecision, 1,
			"champion", decision.Champion, "shadowed", shadowed)
	}

	return decision, nil
}
