// Package registry implements the Adapter Registry & Health component
// (spec.md §4.3): capability advertisement/versioning, EWMA health
// tracking with a staleness penalty, the readiness gate, and
// list_compatible queries. Per-adapter circuit breaking (spec.md §4.4)
// lives alongside it in breaker.go.
package registry

import (
	"sort"
	"sync"
	"time"
)

// Capability describes what an adapter advertises it can do (spec.md
// §4.3 "validates the capability schema"), grounded on core.Capability's
// advertise-by-name shape but narrowed to the fields the Routing Engine's
// constraint filter actually consults.
type Capability struct {
	TaskTypes          []string
	Languages          []string
	MaxTokens          int
	Features           []string
	DataScopes         []string
	EstimatedUSDMicros int64
	EstimatedLatencyMs int64
}

// satisfies reports whether this capability covers a request's stated
// needs (spec.md §4.3 list_compatible inputs).
func (c Capability) satisfies(taskType string, languages []string, maxTokens int, features []string) bool {
	if taskType != "" && !containsStr(c.TaskTypes, taskType) {
		return false
	}
	if maxTokens > 0 && c.MaxTokens > 0 && c.MaxTokens < maxTokens {
		return false
	}
	for _, l := range languages {
		if len(c.Languages) > 0 && !containsStr(c.Languages, l) {
			return false
		}
	}
	for _, f := range features {
		if !containsStr(c.Features, f) {
			return false
		}
	}
	return true
}

func containsStr(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

// HealthRecord is the registry's EWMA-smoothed view of an adapter's
// recent behavior (spec.md §4.3).
type HealthRecord struct {
	P95LatencyMs float64
	ErrorRate    float64
	UpdatedAt    time.Time
}

// Record is what the registry stores per adapter: its advertised
// capability, version, and most recent health reading.
type Record struct {
	Name       string
	Version    int
	Capability Capability
	Health     HealthRecord
	registered time.Time
}

// Config bundles the registry's tunables (spec.md §4.3, §6 registry.*).
type Config struct {
	EWMAAlpha        float64
	StalenessWindow  time.Duration
	SLOLatencyMs     int64
	SLOErrorRate     float64
}

// DefaultConfig matches spec.md §4.3's stated defaults.
func DefaultConfig() Config {
	return Config{
		EWMAAlpha:       0.2,
		StalenessWindow: 30 * time.Second,
		SLOLatencyMs:    2000,
		SLOErrorRate:    0.1,
	}
}

// BreakerState is the minimal view the registry needs from a breaker to
// compute readiness, satisfied by *AdapterBreaker (breaker.go).
type BreakerState interface {
	AllowsTraffic() bool
}

// Registry tracks adapter capabilities and health (spec.md §4.3). It is
// read-mostly: lookups take the read lock, mutations (registration,
// health updates) take the write lock, matching spec.md §5's "Registry
// and health: read-mostly, guarded by reader/writer lock" guidance.
type Registry struct {
	cfg      Config
	mu       sync.RWMutex
	records  map[string]*Record
	breakers map[string]BreakerState
	clock    func() time.Time
}

// New creates a Registry. clock defaults to time.Now if nil, overridable
// in tests.
func New(cfg Config, clock func() time.Time) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		cfg:      cfg,
		records:  make(map[string]*Record),
		breakers: make(map[string]BreakerState),
		clock:    clock,
	}
}

// Register advertises or re-advertises an adapter. Re-advertisement with
// an unchanged Capability is idempotent; a material change bumps Version
// (spec.md §4.3).
func (r *Registry) Register(name string, cap Capability) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	existing, ok := r.records[name]
	if !ok {
		rec := &Record{Name: name, Version: 1, Capability: cap, registered: now}
		r.records[name] = rec
		return rec
	}
	if !capabilityEqual(existing.Capability, cap) {
		existing.Version++
	}
	existing.Capability = cap
	return existing
}

func capabilityEqual(a, b Capability) bool {
	if a.MaxTokens != b.MaxTokens || a.EstimatedUSDMicros != b.EstimatedUSDMicros || a.EstimatedLatencyMs != b.EstimatedLatencyMs {
		return false
	}
	if len(a.TaskTypes) != len(b.TaskTypes) || len(a.Languages) != len(b.Languages) ||
		len(a.Features) != len(b.Features) || len(a.DataScopes) != len(b.DataScopes) {
		return false
	}
	same := func(x, y []string) bool {
		for i := range x {
			if x[i] != y[i] {
				return false
			}
		}
		return true
	}
	return same(a.TaskTypes, b.TaskTypes) && same(a.Languages, b.Languages) &&
		same(a.Features, b.Features) && same(a.DataScopes, b.DataScopes)
}

// AttachBreaker associates a per-adapter breaker with the registry so
// readiness can consult its state (spec.md §4.3 readiness gate).
func (r *Registry) AttachBreaker(name string, b BreakerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers[name] = b
}

// UpdateHealth folds a new (p95 latency, error rate) sample into the
// adapter's EWMA health record (spec.md §4.3).
func (r *Registry) UpdateHealth(name string, p95LatencyMs int64, errorRate float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[name]
	if !ok {
		return
	}
	now := r.clock()
	a := r.cfg.EWMAAlpha
	if rec.Health.UpdatedAt.IsZero() {
		rec.Health = HealthRecord{P95LatencyMs: float64(p95LatencyMs), ErrorRate: errorRate, UpdatedAt: now}
		return
	}
	rec.Health.P95LatencyMs = a*float64(p95LatencyMs) + (1-a)*rec.Health.P95LatencyMs
	rec.Health.ErrorRate = a*errorRate + (1-a)*rec.Health.ErrorRate
	rec.Health.UpdatedAt = now
}

// StalenessFactor returns the multiplicative penalty F applied to
// routing scores when Δt since the last health update exceeds the
// staleness window (spec.md §4.3): 1.0 when fresh, decaying linearly to
// 0 at 2×window, consistent with the Routing Engine's own piecewise
// latency-reward shape (spec.md §4.5 reward computation).
func (r *Registry) StalenessFactor(name string, now time.Time) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[name]
	if !ok || rec.Health.UpdatedAt.IsZero() {
		return 0
	}
	age := now.Sub(rec.Health.UpdatedAt)
	if age <= r.cfg.StalenessWindow {
		return 1.0
	}
	twice := 2 * r.cfg.StalenessWindow
	if age >= twice {
		return 0
	}
	return 1 - float64(age-r.cfg.StalenessWindow)/float64(twice-r.cfg.StalenessWindow)
}

// Ready reports whether an adapter satisfies spec.md §4.3's readiness
// gate: health present within the staleness window, p95 and error rate
// within SLO, and the breaker not Open.
func (r *Registry) Ready(name string, now time.Time) bool {
	r.mu.RLock()
	rec, ok := r.records[name]
	breaker, hasBreaker := r.breakers[name]
	r.mu.RUnlock()

	if !ok || rec.Health.UpdatedAt.IsZero() {
		return false
	}
	if now.Sub(rec.Health.UpdatedAt) > r.cfg.StalenessWindow {
		return false
	}
	if int64(rec.Health.P95LatencyMs) > r.cfg.SLOLatencyMs {
		return false
	}
	if rec.Health.ErrorRate > r.cfg.SLOErrorRate {
		return false
	}
	if hasBreaker && !breaker.AllowsTraffic() {
		return false
	}
	return true
}

// Candidate is one entry returned from ListCompatible: the adapter
// record plus its staleness-adjusted fitness, ordering left unapplied
// (spec.md §4.3: "Ordering is not yet applied; that is the Routing
// Engine's job").
type Candidate struct {
	Name       string
	Capability Capability
	Health     HealthRecord
	Ready      bool
	Staleness  float64
}

// ListCompatible returns adapters whose advertised capability satisfies
// the given task_type/languages/max_tokens/features (spec.md §4.3).
// Results are returned in a stable name order; callers needing a
// specific priority order route through internal/routing.
func (r *Registry) ListCompatible(taskType string, languages []string, maxTokens int, features []string, now time.Time) []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Candidate
	for name, rec := range r.records {
		if !rec.Capability.satisfies(taskType, languages, maxTokens, features) {
			continue
		}
		out = append(out, Candidate{
			Name:       name,
			Capability: rec.Capability,
			Health:     rec.Health,
			Ready:      r.readyLocked(rec, name, now),
			Staleness:  r.stalenessLocked(rec, now),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) readyLocked(rec *Record, name string, now time.Time) bool {
	if rec.Health.UpdatedAt.IsZero() || now.Sub(rec.Health.UpdatedAt) > r.cfg.StalenessWindow {
		return false
	}
	if int64(rec.Health.P95LatencyMs) > r.cfg.SLOLatencyMs || rec.Health.ErrorRate > r.cfg.SLOErrorRate {
		return false
	}
	if b, ok := r.breakers[name]; ok && !b.AllowsTraffic() {
		return false
	}
	return true
}

func (r *Registry) stalenessLocked(rec *Record, now time.Time) float64 {
	if rec.Health.UpdatedAt.IsZero() {
		return 0
	}
	age := now.Sub(rec.Health.UpdatedAt)
	if age <= r.cfg.StalenessWindow {
		return 1.0
	}
	twice := 2 * r.cfg.StalenessWindow
	if age >= twice {
		return 0
	}
	return 1 - float64(age-r.cfg.StalenessWindow)/float64(twice-r.cfg.StalenessWindow)
}

// Get returns the record for name, if registered.
func (r *Registry) Get(name string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[name]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Names returns all registered adapter names in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.records))
	for n := range r.records {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
