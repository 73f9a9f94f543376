package atp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dataFrame(seq uint64) *Frame {
	return &Frame{Type: TypeData, MsgSeq: seq, Payload: []byte(`{}`)}
}

func TestStreamAcceptInOrder(t *testing.T) {
	s := NewStream("strm_1", DefaultReassemblyConfig())
	now := time.Now()

	deliverable, dup := s.Accept(dataFrame(0), now)
	require.False(t, dup)
	require.Len(t, deliverable, 1)
	assert.EqualValues(t, 0, deliverable[0].MsgSeq)

	deliverable, dup = s.Accept(dataFrame(1), now)
	require.False(t, dup)
	require.Len(t, deliverable, 1)
	assert.EqualValues(t, 1, deliverable[0].MsgSeq)
}

func TestStreamAcceptHealsOutOfOrder(t *testing.T) {
	s := NewStream("strm_1", DefaultReassemblyConfig())
	now := time.Now()

	// Frame 2 arrives before frame 1: buffered, nothing deliverable yet.
	deliverable, dup := s.Accept(dataFrame(2), now)
	require.False(t, dup)
	assert.Empty(t, deliverable)
	assert.Equal(t, []uint64{2}, s.PendingSeqs())

	// Frame 0 arrives: delivers 0 only (1 still missing).
	deliverable, dup = s.Accept(dataFrame(0), now)
	require.False(t, dup)
	require.Len(t, deliverable, 1)
	assert.EqualValues(t, 0, deliverable[0].MsgSeq)

	// Frame 1 arrives: heals the gap, delivering 1 and 2 together.
	deliverable, dup = s.Accept(dataFrame(1), now)
	require.False(t, dup)
	require.Len(t, deliverable, 2)
	assert.EqualValues(t, 1, deliverable[0].MsgSeq)
	assert.EqualValues(t, 2, deliverable[1].MsgSeq)
	assert.Empty(t, s.PendingSeqs())
}

func TestStreamAcceptDetectsDuplicates(t *testing.T) {
	s := NewStream("strm_1", DefaultReassemblyConfig())
	now := time.Now()

	_, dup := s.Accept(dataFrame(0), now)
	require.False(t, dup)

	// Re-delivery of an already-accepted seq.
	_, dup = s.Accept(dataFrame(0), now)
	assert.True(t, dup)

	// Buffered-but-not-yet-delivered seq repeated.
	_, _ = s.Accept(dataFrame(3), now)
	_, dup = s.Accept(dataFrame(3), now)
	assert.True(t, dup)

	assert.Equal(t, 2, s.DuplicateCount())
}

func TestStreamGapTimerExpiresAndSkip(t *testing.T) {
	cfg := ReassemblyConfig{GapTimeout: 200 * time.Millisecond}
	s := NewStream("strm_1", cfg)
	now := time.Now()

	_, _ = s.Accept(dataFrame(1), now) // seq 0 missing
	assert.False(t, s.CheckGap(now))

	later := now.Add(201 * time.Millisecond)
	assert.True(t, s.CheckGap(later))

	deliverable := s.SkipGap(later)
	require.Len(t, deliverable, 1)
	assert.EqualValues(t, 1, deliverable[0].MsgSeq)
	assert.EqualValues(t, 2, s.NextSeq)
}
