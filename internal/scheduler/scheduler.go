// Package scheduler implements the Fair Scheduler (spec.md §4.6): QoS-aware
// admission control, weighted deficit round robin across tenants,
// starvation detection with temporary weight boosting, and gold-over-
// bronze preemption.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/modelmesh/atprouter/internal/atp"
	"github.com/modelmesh/atprouter/internal/metrics"
)

// Config mirrors the scheduler.* option group (spec.md §6).
type Config struct {
	WeightGold, WeightSilver, WeightBronze int
	GlobalConcurrencyCap                   int
	TenantConcurrencyCap                   int
	QueueHighWatermark                     int
	QueueLowWatermark                      int
	StarvationP95Threshold                 time.Duration
	SilverPreemptsBronzeWaitThreshold       time.Duration
	StarvationBoostFactor                  int

	// Metrics records queue depth, starvation, and preemption events.
	// Nil (the zero value) disables instrumentation.
	Metrics metrics.Recorder
}

// DefaultConfig matches spec.md §6's stated defaults.
func DefaultConfig() Config {
	return Config{
		WeightGold: 8, WeightSilver: 4, WeightBronze: 1,
		GlobalConcurrencyCap:              256,
		TenantConcurrencyCap:              32,
		QueueHighWatermark:                100,
		QueueLowWatermark:                 20,
		StarvationP95Threshold:            2 * time.Second,
		SilverPreemptsBronzeWaitThreshold: time.Second,
		StarvationBoostFactor:             2,
	}
}

// Request is one pending or executing unit of admission (spec.md §4.6).
type Request struct {
	ID                 string
	SessionID          string
	TenantID           string
	QoS                atp.QoS
	EstimatedTokens    int
	EstimatedUSDMicros int64
	Budget             *atp.Budget
	EnqueuedAt         time.Time
}

// executing tracks a request that has been admitted and is in flight,
// needed so Preempt can find the oldest bronze/silver occupant.
type executing struct {
	req       Request
	startedAt time.Time
}

type tenantQueues struct {
	gold, silver, bronze []Request
	deficit               map[atp.QoS]int
	boostUntil             map[atp.QoS]time.Time
	waitSamples            map[atp.QoS][]time.Duration

	// roundDeficit is the tenant's remaining service quantum for the
	// current deficit-round-robin round, topped up from the weight of
	// whichever tier it was serving when the round began (spec.md §4.6).
	roundDeficit int
}

func newTenantQueues() *tenantQueues {
	return &tenantQueues{
		deficit:     map[atp.QoS]int{},
		boostUntil:  map[atp.QoS]time.Time{},
		waitSamples: map[atp.QoS][]time.Duration{},
	}
}

// Scheduler is the Fair Scheduler coordinator. All mutable state is behind
// a single mutex, matching spec.md §5's single-writer discipline.
type Scheduler struct {
	cfg Config

	mu            sync.Mutex
	tenants       map[string]*tenantQueues
	tenantOrder   []string
	rrCursor      int
	globalInFlight int
	executing     map[string]*executing
	preempted     []Request

	events []Event
}

// Event is a notable scheduler occurrence surfaced for logging/telemetry.
type Event struct {
	Kind      string // "starvation", "preempt"
	TenantID  string
	QoS       atp.QoS
	At        time.Time
}

// New constructs a Scheduler.
func New(cfg Config) *Scheduler {
	return &Scheduler{cfg: cfg, tenants: map[string]*tenantQueues{}, executing: map[string]*executing{}}
}

func (s *Scheduler) tenant(id string) *tenantQueues {
	t, ok := s.tenants[id]
	if !ok {
		t = newTenantQueues()
		s.tenants[id] = t
		s.tenantOrder = append(s.tenantOrder, id)
	}
	return t
}

// weight returns a tier's effective weight, including any active
// starvation boost (spec.md §4.6: "temporarily boosts its weight").
func (s *Scheduler) weight(t *tenantQueues, qos atp.QoS, now time.Time) int {
	base := map[atp.QoS]int{atp.QoSGold: s.cfg.WeightGold, atp.QoSSilver: s.cfg.WeightSilver, atp.QoSBronze: s.cfg.WeightBronze}[qos]
	if until, ok := t.boostUntil[qos]; ok && now.Before(until) {
		return base * s.cfg.StarvationBoostFactor
	}
	return base
}

// Enqueue admits a request into its tenant/tier queue, returning EBUSY if
// the queue is already at the high watermark (spec.md §4.6 admission
// rule iv).
func (s *Scheduler) Enqueue(req Request, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tenant(req.TenantID)
	q := s.queueFor(t, req.QoS)
	if len(*q) >= s.cfg.QueueHighWatermark {
		return atp.NewError(atp.CodeBusy, req.SessionID, "queue depth exceeds high watermark")
	}
	req.EnqueuedAt = now
	*q = append(*q, req)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.Gauge(context.Background(), metrics.MetricSchedulerQueueDepth, float64(len(*q)),
			"tenant", req.TenantID, "qos", string(req.QoS))
	}
	return nil
}

func (s *Scheduler) queueFor(t *tenantQueues, qos atp.QoS) *[]Request {
	switch qos {
	case atp.QoSGold:
		return &t.gold
	case atp.QoSSilver:
		return &t.silver
	default:
		return &t.bronze
	}
}

// Admit performs the full spec.md §4.6 admission check for the head of a
// tenant/tier queue and, on success, moves it from queued to executing.
// It returns (nil, nil) when nothing is eligible to run yet (caller should
// retry the scheduling loop), a taxonomy error when the head request is
// blocked, or the admitted Request.
func (s *Scheduler) Admit(now time.Time) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tenantID, qos, req, ok := s.selectNextLocked(now)
	if !ok {
		return nil, nil
	}

	if !req.Budget.Preflight(req.EstimatedTokens, req.EstimatedUSDMicros) {
		s.popHeadLocked(tenantID, qos)
		return nil, atp.NewError(atp.CodeWindow, req.SessionID, "triplet window insufficient for request")
	}

	if s.globalInFlight >= s.cfg.GlobalConcurrencyCap || s.tenantInFlight(tenantID) >= s.cfg.TenantConcurrencyCap {
		switch qos {
		case atp.QoSGold:
			// Gold is never preempted by the scheduler, and always preempts
			// bronze to get a slot (spec.md §4.6).
			if _, ok := s.preemptOldestLocked(atp.QoSBronze, now); !ok {
				return nil, atp.NewError(atp.CodeBusy, req.SessionID, "no admission slot and no preemptable bronze work")
			}
			s.recordEvent(Event{Kind: "preempt", TenantID: tenantID, QoS: atp.QoSGold, At: now})
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.Counter(context.Background(), metrics.MetricSchedulerPreempt, 1, "qos", string(atp.QoSGold))
			}
		case atp.QoSSilver:
			// Silver may only preempt bronze once its own wait has exceeded
			// the configured threshold (spec.md §4.6).
			if now.Sub(req.EnqueuedAt) < s.cfg.SilverPreemptsBronzeWaitThreshold {
				return nil, atp.NewError(atp.CodeBusy, req.SessionID, "concurrency cap reached")
			}
			if _, ok := s.preemptOldestLocked(atp.QoSBronze, now); !ok {
				return nil, atp.NewError(atp.CodeBusy, req.SessionID, "no admission slot and no preemptable bronze work")
			}
			s.recordEvent(Event{Kind: "preempt", TenantID: tenantID, QoS: atp.QoSSilver, At: now})
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.Counter(context.Background(), metrics.MetricSchedulerPreempt, 1, "qos", string(atp.QoSSilver))
			}
		default:
			return nil, atp.NewError(atp.CodeBusy, req.SessionID, "concurrency cap reached")
		}
	}

	req.Budget.Reserve(req.EstimatedTokens, req.EstimatedUSDMicros)
	s.popHeadLocked(tenantID, qos)
	s.globalInFlight++
	s.executing[req.ID] = &executing{req: req, startedAt: now}

	t := s.tenants[tenantID]
	t.waitSamples[qos] = append(t.waitSamples[qos], now.Sub(req.EnqueuedAt))
	s.checkStarvationLocked(tenantID, qos, now)

	return &req, nil
}

// selectNextLocked runs deficit round robin across tenants: the tenant at
// rrCursor keeps serving (highest-priority nonempty tier first, gold >
// silver > bronze) until its round quantum is exhausted or it has no more
// backlog, at which point the cursor advances and the next tenant's
// quantum is topped up from its head tier's weight (spec.md §4.6).
func (s *Scheduler) selectNextLocked(now time.Time) (tenantID string, qos atp.QoS, req Request, ok bool) {
	n := len(s.tenantOrder)
	for i := 0; i < n; i++ {
		idx := (s.rrCursor + i) % n
		tid := s.tenantOrder[idx]
		t := s.tenants[tid]

		q, queue, headOK := s.headTierLocked(t)
		if !headOK {
			if idx == s.rrCursor {
				s.rrCursor = (idx + 1) % n
			}
			continue
		}

		if t.roundDeficit <= 0 {
			t.roundDeficit += s.weight(t, q, now)
		}
		if t.roundDeficit <= 0 {
			s.rrCursor = (idx + 1) % n
			continue
		}

		t.roundDeficit--
		head := (*queue)[0]
		if t.roundDeficit <= 0 {
			s.rrCursor = (idx + 1) % n
		} else {
			s.rrCursor = idx
		}
		return tid, q, head, true
	}
	return "", "", Request{}, false
}

// headTierLocked returns the highest-priority nonempty queue for a tenant.
func (s *Scheduler) headTierLocked(t *tenantQueues) (atp.QoS, *[]Request, bool) {
	for _, q := range []atp.QoS{atp.QoSGold, atp.QoSSilver, atp.QoSBronze} {
		queue := s.queueFor(t, q)
		if len(*queue) > 0 {
			return q, queue, true
		}
	}
	return "", nil, false
}

func (s *Scheduler) popHeadLocked(tenantID string, qos atp.QoS) {
	t := s.tenants[tenantID]
	q := s.queueFor(t, qos)
	if len(*q) > 0 {
		*q = (*q)[1:]
	}
}

func (s *Scheduler) tenantInFlight(tenantID string) int {
	n := 0
	for _, e := range s.executing {
		if e.req.TenantID == tenantID {
			n++
		}
	}
	return n
}

// preemptOldestLocked reclaims the oldest-started executing request at the
// given tier, signalling EPREEMPT is the caller's responsibility (it is
// given the request back via DrainPreempted so it can notify the owning
// session).
func (s *Scheduler) preemptOldestLocked(qos atp.QoS, now time.Time) (string, bool) {
	var oldestID string
	var oldestAt time.Time
	for id, e := range s.executing {
		if e.req.QoS != qos {
			continue
		}
		if oldestID == "" || e.startedAt.Before(oldestAt) {
			oldestID, oldestAt = id, e.startedAt
		}
	}
	if oldestID == "" {
		return "", false
	}
	victim := s.executing[oldestID]
	delete(s.executing, oldestID)
	s.globalInFlight--
	victim.req.Budget.Release()
	s.preempted = append(s.preempted, victim.req)
	return oldestID, true
}

// Release returns an admitted request's slot after completion (spec.md
// §4.8 dispatcher finishing a request).
func (s *Scheduler) Release(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.executing[requestID]; ok {
		delete(s.executing, requestID)
		s.globalInFlight--
		e.req.Budget.Release()
	}
}

// DrainPreempted returns and clears the set of requests preempted since
// the last call, for the Dispatcher to notify with EPREEMPT.
func (s *Scheduler) DrainPreempted() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.preempted
	s.preempted = nil
	return out
}

// checkStarvationLocked computes the tier's p95 wait time over recent
// samples and, if it exceeds the configured threshold, boosts the tier's
// weight for a cooldown window and records a starvation Event (spec.md
// §4.6).
func (s *Scheduler) checkStarvationLocked(tenantID string, qos atp.QoS, now time.Time) {
	t := s.tenants[tenantID]
	samples := t.waitSamples[qos]
	if len(samples) > 50 {
		samples = samples[len(samples)-50:]
		t.waitSamples[qos] = samples
	}
	if len(samples) < 5 {
		return
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	p95 := sorted[(len(sorted)*95)/100]
	if p95 > s.cfg.StarvationP95Threshold {
		t.boostUntil[qos] = now.Add(5 * time.Second)
		s.recordEvent(Event{Kind: "starvation", TenantID: tenantID, QoS: qos, At: now})
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.Counter(context.Background(), metrics.MetricSchedulerStarvation, 1,
				"tenant", tenantID, "qos", string(qos))
		}
	}
}

func (s *Scheduler) recordEvent(e Event) {
	s.events = append(s.events, e)
}

// DrainEvents returns and clears accumulated scheduler events.
func (s *Scheduler) DrainEvents() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.events
	s.events = nil
	return out
}

// JainsIndex computes Jain's fairness index over per-tenant throughput
// samples (spec.md §4.6): J = (Σxᵢ)² / (n·Σxᵢ²).
func JainsIndex(throughput map[string]float64) float64 {
	n := float64(len(throughput))
	if n == 0 {
		return 1
	}
	var sum, sumSq float64
	for _, x := range throughput {
		sum += x
		sumSq += x * x
	}
	if sumSq == 0 {
		return 1
	}
	return (sum * sum) / (n * sumSq)
}
