package atp

import (
	"sync"
	"time"
)

// State is a session's lifecycle state (spec.md §4.2).
type State int

const (
	StateHandshaking State = iota
	StateOpen
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Principal identifies the authenticated owner of a session, produced by
// the external Auth port.
type Principal struct {
	ID       string
	TenantID string
}

// Budget tracks a session's remaining triplet-window counters (spec.md §3).
// Invariant: remaining_tokens >= 0 and remaining_usd_micros >= 0 at all
// times; Preflight enforces this by denying rather than clamping.
type Budget struct {
	mu                sync.Mutex
	remainingTokens   int
	remainingUSDMicro int64
	remainingParallel int
}

// NewBudget creates a Budget seeded from a triplet window.
func NewBudget(w Window) *Budget {
	return &Budget{
		remainingTokens:   w.MaxTokens,
		remainingUSDMicro: w.MaxUSDMicros,
		remainingParallel: w.MaxParallel,
	}
}

// Preflight checks whether a request of the given size would drive any
// counter negative, without mutating state if it would (spec.md §8
// "Preflight budget" property).
func (b *Budget) Preflight(tokens int, usdMicros int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remainingTokens-tokens >= 0 && b.remainingUSDMicro-usdMicros >= 0 && b.remainingParallel > 0
}

// Reserve atomically preflights and, on success, decrements the counters
// and one unit of parallelism. Returns false (no mutation) on failure.
func (b *Budget) Reserve(tokens int, usdMicros int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remainingTokens-tokens < 0 || b.remainingUSDMicro-usdMicros < 0 || b.remainingParallel <= 0 {
		return false
	}
	b.remainingTokens -= tokens
	b.remainingUSDMicro -= usdMicros
	b.remainingParallel--
	return true
}

// Release returns one unit of parallelism (tokens/usd are not refunded:
// they were actually estimated-spent, not merely reserved for a slot).
func (b *Budget) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remainingParallel++
}

// Remaining returns a snapshot window of what's left.
func (b *Budget) Remaining() Window {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Window{MaxParallel: b.remainingParallel, MaxTokens: b.remainingTokens, MaxUSDMicros: b.remainingUSDMicro}
}

// AdjustParallel shifts the remaining parallel slots by delta, flooring at
// zero, and leaves the token/usd counters as-is.
func (b *Budget) AdjustParallel(delta int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remainingParallel += delta
	if b.remainingParallel < 0 {
		b.remainingParallel = 0
	}
}

// HeartbeatState tracks liveness for one side of a session (spec.md §4.2).
type HeartbeatState struct {
	Interval      time.Duration
	MissedAllowed int
	lastSeen      time.Time
	missed        int
}

// NewHeartbeatState creates heartbeat tracking state.
func NewHeartbeatState(interval time.Duration, missedAllowed int, now time.Time) *HeartbeatState {
	return &HeartbeatState{Interval: interval, MissedAllowed: missedAllowed, lastSeen: now}
}

// Received resets the missed counter on any inbound heartbeat (or any
// frame, per spec.md's "three missed heartbeats" framing -- receipt of
// other traffic is evidence of liveness too in this implementation).
func (h *HeartbeatState) Received(now time.Time) {
	h.lastSeen = now
	h.missed = 0
}

// CheckMissed counts the full intervals elapsed since the last sighting as
// misses, without mutating state, and returns true once they reach
// MissedAllowed, meaning the session should be marked stale (EIDLE).
func (h *HeartbeatState) CheckMissed(now time.Time) bool {
	if now.Sub(h.lastSeen) < h.Interval {
		return false
	}
	// Every full interval since lastSeen without a reset counts as one miss.
	elapsed := now.Sub(h.lastSeen)
	missesSince := int(elapsed / h.Interval)
	return h.missed+missesSince >= h.MissedAllowed
}

// Session owns per-session mutable state: sequence counters, reassembly
// buffers, heartbeat timers, send/recv windows, QoS tier, and budget
// counters (spec.md §3 Session, §4.2 Session Manager).
type Session struct {
	mu sync.RWMutex

	ID              string
	Principal       Principal
	QoS             QoS
	Encoding        Encoding
	Features        map[string]bool
	State           State
	ResumptionToken string

	Budget    *Budget
	Heartbeat *HeartbeatState
	Replay    *ReplayCache

	streams map[string]*Stream

	createdAt time.Time
}

// NewSession constructs a session in StateHandshaking.
func NewSession(id string, p Principal, qos QoS, enc Encoding, window Window, now time.Time, heartbeatInterval time.Duration, missedAllowed int, replayWindow time.Duration) *Session {
	return &Session{
		ID:        id,
		Principal: p,
		QoS:       qos,
		Encoding:  enc,
		Features:  map[string]bool{},
		State:     StateHandshaking,
		Budget:    NewBudget(window),
		Heartbeat: NewHeartbeatState(heartbeatInterval, missedAllowed, now),
		Replay:    NewReplayCache(replayWindow),
		streams:   map[string]*Stream{},
		createdAt: now,
	}
}

// Open transitions HANDSHAKING -> OPEN.
func (s *Session) Open() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State == StateHandshaking {
		s.State = StateOpen
	}
}

// Drain transitions OPEN -> DRAINING.
func (s *Session) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State == StateOpen {
		s.State = StateDraining
	}
}

// Close transitions to CLOSED from any state.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StateClosed
}

// CurrentState returns the session's state under lock.
func (s *Session) CurrentState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

// Stream returns (creating if needed) the named stream's reassembly state.
func (s *Session) Stream(streamID string, cfg ReassemblyConfig) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[streamID]
	if !ok {
		st = NewStream(streamID, cfg)
		s.streams[streamID] = st
	}
	return st
}

// StreamCount returns the number of active streams, used by drain logic to
// know when a session has no more in-flight work.
func (s *Session) StreamCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.streams)
}

// RemoveStream drops a completed/terminated stream's state.
func (s *Session) RemoveStream(streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, streamID)
}

// HandshakeOffer is what a client proposes at connection time (spec.md §4.2).
type HandshakeOffer struct {
	Encodings        []Encoding
	Features         []string
	MaxFrameBytes    int
	HeartbeatMs      int
	AntiReplayMs     int
	IdentityMaterial []byte
}

// HandshakeAccept is the negotiated result.
type HandshakeAccept struct {
	Encoding      Encoding
	Features      []string
	MaxFrameBytes int
	HeartbeatMs   int
	AntiReplayMs  int
}

// Negotiate picks the session's encoding and feature set from a client
// offer and server-supported set, failing with EHANDSHAKE when there is no
// common encoding (spec.md §4.2 "no common feature set").
func Negotiate(offer HandshakeOffer, serverEncodings []Encoding, serverFeatures map[string]bool, defaultMaxFrame int, defaultHeartbeatMs, defaultAntiReplayMs int) (*HandshakeAccept, error) {
	var chosen Encoding
	for _, want := range offer.Encodings {
		for _, have := range serverEncodings {
			if want == have {
				chosen = want
				break
			}
		}
		if chosen != "" {
			break
		}
	}
	if chosen == "" {
		return nil, NewError(CodeHandshake, "", "no common encoding")
	}

	var common []string
	for _, f := range offer.Features {
		if serverFeatures[f] {
			common = append(common, f)
		}
	}

	maxFrame := offer.MaxFrameBytes
	if maxFrame <= 0 || maxFrame > defaultMaxFrame {
		maxFrame = defaultMaxFrame
	}
	heartbeat := offer.HeartbeatMs
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatMs
	}
	antiReplay := offer.AntiReplayMs
	if antiReplay <= 0 {
		antiReplay = defaultAntiReplayMs
	}

	return &HandshakeAccept{
		Encoding:      chosen,
		Features:      common,
		MaxFrameBytes: maxFrame,
		HeartbeatMs:   heartbeat,
		AntiReplayMs:  antiReplay,
	}, nil
}
