// Package observation implements the Observation Sink (spec.md §4.9): a
// bounded in-process buffer that accumulates routed-request outcomes,
// feeds them to the Routing Engine's bandits as reward updates, and
// periodically flushes a batch to an external ports.ObservationSink.
// Grounded on pkg/telemetry's ticker+stopChan periodic-flush idiom
// (cardinality.go's cleanupLoop) and core's sync.Mutex-guarded buffer
// discipline.
package observation

import (
	"context"
	"sync"
	"time"

	"github.com/modelmesh/atprouter/core"
	"github.com/modelmesh/atprouter/internal/ports"
)

// Config bundles the sink's tunables (spec.md §4.9, §6).
type Config struct {
	BufferSize     int
	FlushInterval  time.Duration
	FlushBatchSize int
}

// DefaultConfig matches spec.md §4.9's stated defaults.
func DefaultConfig() Config {
	return Config{BufferSize: 10_000, FlushInterval: time.Second, FlushBatchSize: 500}
}

// RewardFunc computes a bandit reward from one Observation, letting the
// sink stay decoupled from internal/routing's weight configuration.
type RewardFunc func(ports.Observation) (adapter string, reward float64, succeeded bool)

// BanditUpdater is satisfied by every internal/routing Bandit;
// cmd/atprouter passes its routing bandit directly.
type BanditUpdater interface {
	Update(adapter string, reward float64, succeeded bool)
}

// Sink is the spec.md §4.9 component: a bounded append-only ring buffer
// with drop-oldest overflow and a periodic background flush.
type Sink struct {
	cfg    Config
	logger core.Logger
	reward RewardFunc
	bandit BanditUpdater
	ext    ports.ObservationSink

	mu       sync.Mutex
	buf      []ports.Observation
	head     int
	size     int
	lost     int64
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds a Sink. bandit and ext may be nil (reward updates and/or
// external durability are then simply skipped).
func New(cfg Config, logger core.Logger, reward RewardFunc, bandit BanditUpdater, ext ports.ObservationSink) *Sink {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	s := &Sink{
		cfg:    cfg,
		logger: logger,
		reward: reward,
		bandit: bandit,
		ext:    ext,
		buf:    make([]ports.Observation, cfg.BufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

// Record appends an Observation, immediately folding its reward into the
// bandit (low latency matters for routing quality) and enqueuing it for
// the next periodic flush to the external sink. Overflow drops the
// oldest buffered entry and increments the loss counter (spec.md §4.9:
// "bounded append-only buffer... overflow drops the oldest").
func (s *Sink) Record(obs ports.Observation) {
	if s.reward != nil && s.bandit != nil {
		adapter, reward, succeeded := s.reward(obs)
		if adapter != "" {
			s.bandit.Update(adapter, reward, succeeded)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	idx := (s.head + s.size) % len(s.buf)
	if s.size == len(s.buf) {
		s.head = (s.head + 1) % len(s.buf)
		s.lost++
	} else {
		s.size++
	}
	s.buf[idx] = obs
}

// Drain pulls up to n buffered observations in FIFO order, removing them.
func (s *Sink) Drain(n int) []ports.Observation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.size {
		n = s.size
	}
	out := make([]ports.Observation, n)
	for i := 0; i < n; i++ {
		out[i] = s.buf[(s.head+i)%len(s.buf)]
	}
	s.head = (s.head + n) % len(s.buf)
	s.size -= n
	return out
}

// Stats reports the sink's current depth and lifetime loss count.
type Stats struct {
	Buffered int
	Lost     int64
}

// Stats returns the sink's current buffered count and total losses.
func (s *Sink) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Buffered: s.size, Lost: s.lost}
}

// Stop halts the background flush loop and blocks until it exits.
func (s *Sink) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

func (s *Sink) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flushOnce(context.Background())
		case <-s.stopCh:
			s.flushOnce(context.Background())
			return
		}
	}
}

func (s *Sink) flushOnce(ctx context.Context) {
	if s.ext == nil {
		return
	}
	batch := s.Drain(s.cfg.FlushBatchSize)
	if len(batch) == 0 {
		return
	}
	if err := s.ext.Record(ctx, batch); err != nil {
		s.logger.Error("observation flush failed", map[string]interface{}{
			"count": len(batch),
			"error": err.Error(),
		})
	}
}
