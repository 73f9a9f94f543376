package atp

import (
	"context"
	"sync"
	"time"

	"github.com/modelmesh/atprouter/internal/idgen"
	"github.com/modelmesh/atprouter/internal/metrics"
)

// ManagerConfig mirrors the protocol.* and session.* option group of
// spec.md §6.
type ManagerConfig struct {
	Encodings          []Encoding
	Features           map[string]bool
	MaxFrameBytes      int
	HeartbeatInterval  time.Duration
	HeartbeatsMissed   int
	AntiReplayWindow   time.Duration
	Reassembly         ReassemblyConfig

	// Metrics records per-frame counters keyed by frame type. Nil
	// disables instrumentation.
	Metrics metrics.Recorder
}

// DefaultManagerConfig matches the defaults named in spec.md §6.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Encodings:         []Encoding{EncodingJSON, EncodingBinary},
		Features:          map[string]bool{"resumption": true, "shadow": true},
		MaxFrameBytes:     MaxFrameBytes,
		HeartbeatInterval: 15 * time.Second,
		HeartbeatsMissed:  3,
		AntiReplayWindow:  60 * time.Second,
		Reassembly:        DefaultReassemblyConfig(),
	}
}

// Manager is the Session Manager (spec.md §4.2): it owns every live
// Session, handles handshakes, routes inbound frames through reassembly
// and anti-replay, and tracks heartbeat liveness.
type Manager struct {
	cfg ManagerConfig
	gen idgen.Generator
	clk idgen.Clock

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager constructs a Session Manager.
func NewManager(cfg ManagerConfig, gen idgen.Generator, clk idgen.Clock) *Manager {
	return &Manager{cfg: cfg, gen: gen, clk: clk, sessions: map[string]*Session{}}
}

// Handshake negotiates and opens a new session for an authenticated
// principal, returning the accept terms the caller sends back as a
// HANDSHAKE_ACK frame.
func (m *Manager) Handshake(p Principal, qos QoS, window Window, offer HandshakeOffer) (*Session, *HandshakeAccept, error) {
	accept, err := Negotiate(offer, m.cfg.Encodings, m.cfg.Features, m.cfg.MaxFrameBytes, int(m.cfg.HeartbeatInterval/time.Millisecond), int(m.cfg.AntiReplayWindow/time.Millisecond))
	if err != nil {
		return nil, nil, err
	}

	now := m.clk.Now()
	id := m.gen.NewSessionID()
	s := NewSession(id, p, qos, accept.Encoding, window, now,
		time.Duration(accept.HeartbeatMs)*time.Millisecond, m.cfg.HeartbeatsMissed,
		time.Duration(accept.AntiReplayMs)*time.Millisecond)
	s.Open()

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	return s, accept, nil
}

// Get returns a live session by ID.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Drop removes a closed session from tracking.
func (m *Manager) Drop(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// Deliver runs an inbound frame through anti-replay and, for DATA frames,
// the owning stream's reassembly buffer. It returns the frames now
// deliverable to the application layer in order, and any taxonomy error
// the caller should translate into an ERROR frame.
func (m *Manager) Deliver(s *Session, f *Frame, now time.Time) ([]*Frame, error) {
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.Counter(context.Background(), metrics.MetricFramesTotal, 1, "type", string(f.Type))
	}
	if !s.Replay.Check(f.Nonce, now) {
		return nil, NewError(CodeReplay, s.ID, "nonce already seen within anti-replay window")
	}
	s.Heartbeat.Received(now)

	if f.Type != TypeData {
		return []*Frame{f}, nil
	}

	stream := s.Stream(f.StreamID, m.cfg.Reassembly)
	deliverable, duplicate := stream.Accept(f, now)
	if duplicate {
		return nil, nil
	}
	return deliverable, nil
}

// SweepIdle scans all sessions for heartbeat staleness, returning the IDs
// that have exceeded their missed-heartbeat allowance (spec.md §4.2: three
// missed heartbeats => session considered dead, EIDLE).
func (m *Manager) SweepIdle(now time.Time) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var idle []string
	for id, s := range m.sessions {
		if s.CurrentState() == StateClosed {
			continue
		}
		if s.Heartbeat.CheckMissed(now) {
			idle = append(idle, id)
		}
	}
	return idle
}

// SweepGaps scans every session's streams for expired gap timers, invoking
// onExpire(sessionID, streamID, nextSeq) once per stream whose gap timer
// fired so the caller can emit ESEQ_RETRY and decide on retransmission vs.
// skip.
func (m *Manager) SweepGaps(now time.Time, onExpire func(sessionID, streamID string, nextSeq uint64)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, s := range m.sessions {
		s.mu.RLock()
		for streamID, stream := range s.streams {
			if stream.CheckGap(now) {
				onExpire(id, streamID, stream.NextSeq)
			}
		}
		s.mu.RUnlock()
	}
}

// SessionCount reports the number of tracked sessions, for tests and
// lifecycle diagnostics.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
