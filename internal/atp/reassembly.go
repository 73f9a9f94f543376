package atp

import (
	"sort"
	"sync"
	"time"
)

// ReassemblyConfig controls gap-timer behavior for a stream's reassembly
// buffer (spec.md §4.2 "Reassembly").
type ReassemblyConfig struct {
	GapTimeout time.Duration
}

// DefaultReassemblyConfig matches spec.md's stated default.
func DefaultReassemblyConfig() ReassemblyConfig {
	return ReassemblyConfig{GapTimeout: 200 * time.Millisecond}
}

// fragment is one received DATA frame awaiting ordered delivery.
type fragment struct {
	frame      *Frame
	receivedAt time.Time
}

// Stream holds one (session, stream) pair's ordered-delivery state: the
// next expected msg_seq, an out-of-order buffer keyed by msg_seq, a
// duplicate counter, and the gap timer's deadline.
//
// Invariant: NextSeq only advances by Accept draining contiguous buffered
// fragments; it never skips ahead except via SkipGap, which the caller
// invokes after CheckGap reports an expired gap timer.
type Stream struct {
	mu sync.Mutex

	ID     string
	cfg    ReassemblyConfig
	NextSeq uint64
	buffer  map[uint64]fragment
	dupCount int

	gapOpenedAt time.Time
	gapPending  bool
}

// NewStream creates reassembly state for a stream, expecting msg_seq to
// start at 0.
func NewStream(id string, cfg ReassemblyConfig) *Stream {
	if cfg.GapTimeout <= 0 {
		cfg = DefaultReassemblyConfig()
	}
	return &Stream{ID: id, cfg: cfg, buffer: map[uint64]fragment{}}
}

// Accept ingests a DATA frame's msg_seq, returning the list of frames now
// deliverable in order (possibly empty, possibly more than one if this
// frame fills a gap), and whether the frame was a duplicate (already
// delivered or already buffered).
func (s *Stream) Accept(f *Frame, now time.Time) (deliverable []*Frame, duplicate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.MsgSeq < s.NextSeq {
		s.dupCount++
		return nil, true
	}
	if _, exists := s.buffer[f.MsgSeq]; exists {
		s.dupCount++
		return nil, true
	}

	s.buffer[f.MsgSeq] = fragment{frame: f, receivedAt: now}

	for {
		frag, ok := s.buffer[s.NextSeq]
		if !ok {
			break
		}
		deliverable = append(deliverable, frag.frame)
		delete(s.buffer, s.NextSeq)
		s.NextSeq++
	}

	if len(s.buffer) == 0 {
		s.gapPending = false
	} else if !s.gapPending {
		s.gapPending = true
		s.gapOpenedAt = now
	}

	return deliverable, false
}

// DuplicateCount returns the number of frames dropped as duplicates so far.
func (s *Stream) DuplicateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dupCount
}

// PendingSeqs returns the out-of-order buffered sequence numbers, sorted,
// for diagnostics and tests.
func (s *Stream) PendingSeqs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, 0, len(s.buffer))
	for seq := range s.buffer {
		out = append(out, seq)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CheckGap reports whether the gap timer has expired while frames remain
// buffered out of order, meaning msg_seq == NextSeq was never filled in
// time. The caller (session manager) should emit ESEQ_RETRY for NextSeq
// and may choose to skip it depending on policy; this method does not
// mutate NextSeq itself.
func (s *Stream) CheckGap(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.gapPending {
		return false
	}
	return now.Sub(s.gapOpenedAt) >= s.cfg.GapTimeout
}

// SkipGap forcibly advances NextSeq past a msg_seq that timed out,
// re-running delivery in case later fragments are now contiguous. Used
// when the session manager decides to drop a permanently-missing fragment
// after ESEQ_RETRY exhausts its retries.
func (s *Stream) SkipGap(now time.Time) (deliverable []*Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buffer[s.NextSeq]; !ok {
		s.NextSeq++
	}
	for {
		frag, ok := s.buffer[s.NextSeq]
		if !ok {
			break
		}
		deliverable = append(deliverable, frag.frame)
		delete(s.buffer, s.NextSeq)
		s.NextSeq++
	}
	if len(s.buffer) == 0 {
		s.gapPending = false
	} else {
		s.gapOpenedAt = now
	}
	return deliverable
}
