package observation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelmesh/atprouter/internal/ports"
)

type fakeBandit struct {
	mu      sync.Mutex
	updates []string
}

func (f *fakeBandit) Update(adapter string, reward float64, succeeded bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, adapter)
}

type fakeExternalSink struct {
	mu    sync.Mutex
	batch []ports.Observation
}

func (f *fakeExternalSink) Record(ctx context.Context, obs []ports.Observation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batch = append(f.batch, obs...)
	return nil
}

func (f *fakeExternalSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batch)
}

func TestRecordUpdatesBanditImmediately(t *testing.T) {
	bandit := &fakeBandit{}
	reward := func(o ports.Observation) (string, float64, bool) { return o.AdapterName, 1.0, o.Succeeded }
	s := New(Config{BufferSize: 10, FlushInterval: time.Hour, FlushBatchSize: 10}, nil, reward, bandit, nil)
	defer s.Stop()

	s.Record(ports.Observation{AdapterName: "a", Succeeded: true})
	bandit.mu.Lock()
	defer bandit.mu.Unlock()
	require.Len(t, bandit.updates, 1)
	assert.Equal(t, "a", bandit.updates[0])
}

func TestRecordDropsOldestOnOverflow(t *testing.T) {
	s := New(Config{BufferSize: 3, FlushInterval: time.Hour, FlushBatchSize: 10}, nil, nil, nil, nil)
	defer s.Stop()

	for i := 0; i < 5; i++ {
		s.Record(ports.Observation{AdapterName: "a"})
	}
	stats := s.Stats()
	assert.Equal(t, 3, stats.Buffered)
	assert.Equal(t, int64(2), stats.Lost)
}

func TestDrainReturnsInFIFOOrderAndEmptiesBuffer(t *testing.T) {
	s := New(Config{BufferSize: 10, FlushInterval: time.Hour, FlushBatchSize: 10}, nil, nil, nil, nil)
	defer s.Stop()

	s.Record(ports.Observation{AdapterName: "first"})
	s.Record(ports.Observation{AdapterName: "second"})

	drained := s.Drain(10)
	require.Len(t, drained, 2)
	assert.Equal(t, "first", drained[0].AdapterName)
	assert.Equal(t, "second", drained[1].AdapterName)
	assert.Equal(t, 0, s.Stats().Buffered)
}

func TestFlushLoopDeliversToExternalSink(t *testing.T) {
	ext := &fakeExternalSink{}
	s := New(Config{BufferSize: 10, FlushInterval: 10 * time.Millisecond, FlushBatchSize: 10}, nil, nil, nil, ext)
	defer s.Stop()

	s.Record(ports.Observation{AdapterName: "a"})

	require.Eventually(t, func() bool { return ext.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestStopFlushesRemainingObservations(t *testing.T) {
	ext := &fakeExternalSink{}
	s := New(Config{BufferSize: 10, FlushInterval: time.Hour, FlushBatchSize: 10}, nil, nil, nil, ext)
	s.Record(ports.Observation{AdapterName: "a"})
	s.Stop()
	assert.Equal(t, 1, ext.count())
}
