package routing

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// betaPosterior is a per-adapter Beta(α, β) posterior over the
// probability the adapter produces a successful/rewarding response
// (spec.md §4.5 Thompson sampling: "Prior α=β=1 by default").
type betaPosterior struct {
	alpha, beta float64
}

// ThompsonBandit implements spec.md §4.5's Thompson sampling selection
// policy: sample θ_a from each feasible adapter's Beta posterior and
// pick argmax θ. No library in the retrieved pack vendors a Beta-
// distribution sampler (grep across _examples found none), so the
// Marsaglia-Tsang Gamma-ratio construction below is implemented against
// math/rand directly — the one standard-library-only piece of the
// routing engine, justified by the absence of a grounded alternative.
type ThompsonBandit struct {
	mu         sync.Mutex
	rng        *rand.Rand
	posteriors map[string]*betaPosterior
}

// NewThompsonBandit builds a Thompson sampling bandit. rng defaults to a
// fresh source if nil.
func NewThompsonBandit(rng *rand.Rand) *ThompsonBandit {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &ThompsonBandit{rng: rng, posteriors: make(map[string]*betaPosterior)}
}

func (t *ThompsonBandit) posterior(name string) *betaPosterior {
	p, ok := t.posteriors[name]
	if !ok {
		p = &betaPosterior{alpha: 1, beta: 1}
		t.posteriors[name] = p
	}
	return p
}

// Select samples each feasible candidate's Beta posterior and returns
// the argmax.
func (t *ThompsonBandit) Select(candidates []Candidate) (string, error) {
	if len(candidates) == 0 {
		return "", fmt.Errorf("no candidates to select from")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	best := candidates[0].Name
	bestSample := -1.0
	for _, c := range candidates {
		p := t.posterior(c.Name)
		sample := sampleBeta(t.rng, p.alpha, p.beta)
		if sample > bestSample {
			bestSample = sample
			best = c.Name
		}
	}
	return best, nil
}

// Update folds a reward observation into the adapter's Beta posterior:
// reward is treated as a Bernoulli success probability (clipped to
// [0,1] per spec.md §4.5), incrementing alpha by reward and beta by
// (1-reward). A hard failure always counts as a full Bernoulli failure.
func (t *ThompsonBandit) Update(adapter string, reward float64, succeeded bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.posterior(adapter)
	if !succeeded {
		p.beta++
		return
	}
	if reward < 0 {
		reward = 0
	}
	if reward > 1 {
		reward = 1
	}
	p.alpha += reward
	p.beta += 1 - reward
}

// sampleBeta draws from Beta(alpha, beta) via two independent Gamma(., 1)
// draws: X ~ Gamma(alpha,1), Y ~ Gamma(beta,1), X/(X+Y) ~ Beta(alpha,beta).
func sampleBeta(rng *rand.Rand, alpha, beta float64) float64 {
	x := sampleGamma(rng, alpha)
	y := sampleGamma(rng, beta)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

// sampleGamma implements the Marsaglia-Tsang method for shape >= 1,
// boosting shape < 1 via Gamma(a) = Gamma(a+1) * U^(1/a).
func sampleGamma(rng *rand.Rand, shape float64) float64 {
	if shape < 1 {
		u := rng.Float64()
		return sampleGamma(rng, shape+1) * math.Pow(u, 1/shape)
	}
	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}

// contextualStats accumulates a UCB adapter's running mean reward and
// pull count within one context bucket (spec.md §4.5 "task_type one-hot,
// prompt-length bucket, latency-SLO bucket, time-of-day").
type contextualStats struct {
	pulls int
	mean  float64
}

// UCBBandit implements an upper-confidence-bound policy of the shape
// "argmax μ̂ + c·√(exploration term)". It keeps one running mean reward
// and pull count per adapter under a single empty context key; no request
// context or feature vector is used, and there is no LinUCB matrix form.
type UCBBandit struct {
	mu         sync.Mutex
	c          float64 // exploration coefficient
	totalPulls int
	stats      map[string]map[string]*contextualStats // adapter -> context key -> stats
}

// NewUCBBandit builds a contextual-UCB bandit with exploration
// coefficient c (spec.md §4.5 default left to the caller; 1.0 is a
// common choice and is what DefaultEngineConfig implicitly assumes).
func NewUCBBandit(c float64) *UCBBandit {
	return &UCBBandit{c: c, stats: make(map[string]map[string]*contextualStats)}
}

func (u *UCBBandit) statsFor(adapter, ctxKey string) *contextualStats {
	byCtx, ok := u.stats[adapter]
	if !ok {
		byCtx = make(map[string]*contextualStats)
		u.stats[adapter] = byCtx
	}
	s, ok := byCtx[ctxKey]
	if !ok {
		s = &contextualStats{}
		byCtx[ctxKey] = s
	}
	return s
}

// Select picks argmax(mean + c·sqrt(ln(totalPulls+1)/(pulls+1))), tie-
// broken by lowest EstimatedCostMicros (spec.md §4.5).
func (u *UCBBandit) Select(candidates []Candidate) (string, error) {
	if len(candidates) == 0 {
		return "", fmt.Errorf("no candidates to select from")
	}
	u.mu.Lock()
	defer u.mu.Unlock()

	best := candidates[0]
	bestScore := math.Inf(-1)
	for _, c := range candidates {
		s := u.statsFor(c.Name, "")
		explore := u.c * math.Sqrt(math.Log(float64(u.totalPulls+1))/float64(s.pulls+1))
		score := s.mean + explore
		if score > bestScore || (score == bestScore && c.EstimatedCostMicros < best.EstimatedCostMicros) {
			bestScore = score
			best = c
		}
	}
	return best.Name, nil
}

// Update records a pull's reward for the adapter's running mean.
func (u *UCBBandit) Update(adapter string, reward float64, succeeded bool) {
	if !succeeded {
		reward = 0
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	s := u.statsFor(adapter, "")
	s.pulls++
	u.totalPulls++
	s.mean += (reward - s.mean) / float64(s.pulls)
}

// GreedyBandit implements spec.md §4.5's epsilon-greedy policy: argmax
// empirical mean reward, with epsilon probability of uniform exploration.
type GreedyBandit struct {
	mu      sync.Mutex
	epsilon float64
	rng     *rand.Rand
	stats   map[string]*contextualStats
}

// NewGreedyBandit builds an epsilon-greedy bandit. rng defaults to a
// fresh source if nil.
func NewGreedyBandit(epsilon float64, rng *rand.Rand) *GreedyBandit {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &GreedyBandit{epsilon: epsilon, rng: rng, stats: make(map[string]*contextualStats)}
}

func (g *GreedyBandit) statFor(name string) *contextualStats {
	s, ok := g.stats[name]
	if !ok {
		s = &contextualStats{}
		g.stats[name] = s
	}
	return s
}

// Select returns a uniformly random candidate with probability epsilon,
// otherwise the argmax empirical mean reward.
func (g *GreedyBandit) Select(candidates []Candidate) (string, error) {
	if len(candidates) == 0 {
		return "", fmt.Errorf("no candidates to select from")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.rng.Float64() < g.epsilon {
		return candidates[g.rng.Intn(len(candidates))].Name, nil
	}
	best := candidates[0]
	bestMean := math.Inf(-1)
	for _, c := range candidates {
		s := g.statFor(c.Name)
		if s.mean > bestMean {
			bestMean = s.mean
			best = c
		}
	}
	return best.Name, nil
}

// Update records a pull's reward for the adapter's running mean.
func (g *GreedyBandit) Update(adapter string, reward float64, succeeded bool) {
	if !succeeded {
		reward = 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.statFor(adapter)
	s.pulls++
	s.mean += (reward - s.mean) / float64(s.pulls)
}
