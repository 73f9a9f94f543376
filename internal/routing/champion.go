package routing

import "sync"

// PromotionConfig bundles the champion/challenger promotion thresholds
// (spec.md §9 Open Question #2, resolved as an AND of all three
// criteria; see DESIGN.md).
type PromotionConfig struct {
	WinRateThreshold float64 // θ
	MinTrials        int     // N_min
	CostSavingsMin   float64 // s
	SafetyTolerance  float64 // allowed challenger-error-rate excess over champion
}

// DefaultPromotionConfig matches spec.md §4.5's stated defaults.
func DefaultPromotionConfig() PromotionConfig {
	return PromotionConfig{
		WinRateThreshold: 0.55,
		MinTrials:        200,
		CostSavingsMin:   0.10,
		SafetyTolerance:  0.02,
	}
}

// pairStats accumulates one champion/challenger pair's shadow trial
// outcomes (spec.md §4.5 "Shadow execution... its output is scored but
// not returned").
type pairStats struct {
	trials       int
	challengerWins int
	championCostSum      float64
	challengerCostSum    float64
	championErrorCount   int
	challengerErrorCount int
}

func (p *pairStats) winRate() float64 {
	if p.trials == 0 {
		return 0
	}
	return float64(p.challengerWins) / float64(p.trials)
}

func (p *pairStats) costSavings() float64 {
	if p.championCostSum == 0 {
		return 0
	}
	return (p.championCostSum - p.challengerCostSum) / p.championCostSum
}

func (p *pairStats) championErrorRate() float64 {
	if p.trials == 0 {
		return 0
	}
	return float64(p.championErrorCount) / float64(p.trials)
}

func (p *pairStats) challengerErrorRate() float64 {
	if p.trials == 0 {
		return 0
	}
	return float64(p.challengerErrorCount) / float64(p.trials)
}

// ChampionTracker accumulates shadow-execution outcomes per (champion,
// challenger) pair and decides promotion/demotion (spec.md §4.5, §9).
type ChampionTracker struct {
	cfg PromotionConfig

	mu    sync.Mutex
	pairs map[string]*pairStats
}

// NewChampionTracker builds a tracker with the given promotion thresholds.
func NewChampionTracker(cfg PromotionConfig) *ChampionTracker {
	return &ChampionTracker{cfg: cfg, pairs: make(map[string]*pairStats)}
}

func pairKey(champion, challenger string) string { return champion + "\x00" + challenger }

// RecordShadowTrial records one shadow-execution comparison: whether the
// challenger's scored output beat the champion's on this request, and
// each side's actual cost/error outcome.
func (t *ChampionTracker) RecordShadowTrial(champion, challenger string, challengerWon bool, championCostMicros, challengerCostMicros int64, championErrored, challengerErrored bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := pairKey(champion, challenger)
	p, ok := t.pairs[key]
	if !ok {
		p = &pairStats{}
		t.pairs[key] = p
	}
	p.trials++
	if challengerWon {
		p.challengerWins++
	}
	p.championCostSum += float64(championCostMicros)
	p.challengerCostSum += float64(challengerCostMicros)
	if championErrored {
		p.championErrorCount++
	}
	if challengerErrored {
		p.challengerErrorCount++
	}
}

// ShouldPromote reports whether the challenger meets every one of
// spec.md §4.5/§9's promotion criteria: win-rate ≥ θ over N ≥ N_min
// trials, AND cost savings ≥ s, AND no safety regression beyond
// tolerance.
func (t *ChampionTracker) ShouldPromote(champion, challenger string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pairs[pairKey(champion, challenger)]
	if !ok || p.trials < t.cfg.MinTrials {
		return false
	}
	if p.winRate() < t.cfg.WinRateThreshold {
		return false
	}
	if p.costSavings() < t.cfg.CostSavingsMin {
		return false
	}
	if p.challengerErrorRate() > p.championErrorRate()+t.cfg.SafetyTolerance {
		return false
	}
	return true
}

// ShouldDemote is the symmetric negation used when evaluating whether an
// already-promoted champion should revert: the *former* challenger (now
// champion) loses its title if the *former* champion (now challenger in
// the reversed pair) would itself qualify for promotion.
func (t *ChampionTracker) ShouldDemote(currentChampion, previousChampion string) bool {
	return t.ShouldPromote(currentChampion, previousChampion)
}

// Trials returns the trial count recorded for a pair, for observability.
func (t *ChampionTracker) Trials(champion, challenger string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pairs[pairKey(champion, challenger)]
	if !ok {
		return 0
	}
	return p.trials
}
