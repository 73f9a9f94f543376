// Package lifecycle implements the dependency-ordered startup and
// staged, deadline-bounded shutdown coordinator (spec.md §4.10),
// grounded on core/agent.go's BaseAgent.Start/Stop: a mutex-guarded
// "already started" check, explicit ordering of what wires up before
// the HTTP listener, and a context-deadline-bounded Shutdown call with
// a metrics emission on completion.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/modelmesh/atprouter/core"
)

// Stage is one named, ordered unit of startup/shutdown work (spec.md
// §4.10: "clock/IDs → codec → registry → breakers → scheduler/flow →
// routing → dispatcher → sessions → observation → API surface").
type Stage struct {
	Name  string
	Start func(ctx context.Context) error
	// Stop is optional; stages with nothing to release (e.g. the Clock
	// leaf) may leave it nil.
	Stop func(ctx context.Context) error
}

// Probe reports a boolean health signal for one of the three Kubernetes-
// style endpoints the admin HTTP surface exposes (spec.md §4.10, §6).
type Probe func() bool

// ShutdownBudget splits an overall shutdown deadline into the 40/30/30
// phases spec.md §4.10 assigns to draining inbound traffic, finishing
// in-flight dispatches, and flushing the observation buffer.
type ShutdownBudget struct {
	Total time.Duration
}

// Split returns the three phase deadlines implied by the 40/30/30 rule.
func (b ShutdownBudget) Split() (drain, finish, flush time.Duration) {
	drain = time.Duration(float64(b.Total) * 0.4)
	finish = time.Duration(float64(b.Total) * 0.3)
	flush = b.Total - drain - finish
	return
}

// Coordinator sequences stage startup in dependency order and reverses
// that order on shutdown, matching spec.md §4.10's wiring list.
type Coordinator struct {
	logger core.Logger
	budget ShutdownBudget

	mu       sync.Mutex
	started  []Stage // stages successfully started, in start order
	starting bool

	livez    Probe
	readyz   Probe
	startupz Probe
}

// New builds a Coordinator. logger defaults to a no-op if nil.
func New(logger core.Logger, budget ShutdownBudget) *Coordinator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Coordinator{logger: logger, budget: budget}
}

// SetProbes registers the liveness/readiness/startup checks the admin
// HTTP surface exposes at /livez, /readyz, /startupz (spec.md §4.10).
func (c *Coordinator) SetProbes(livez, readyz, startupz Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.livez, c.readyz, c.startupz = livez, readyz, startupz
}

// Livez reports liveness; defaults to true if no probe was registered.
func (c *Coordinator) Livez() bool { return c.probe(func() *Probe { return &c.livez }) }

// Readyz reports readiness; defaults to true if no probe was registered.
func (c *Coordinator) Readyz() bool { return c.probe(func() *Probe { return &c.readyz }) }

// Startupz reports startup completion; defaults to true if no probe was registered.
func (c *Coordinator) Startupz() bool { return c.probe(func() *Probe { return &c.startupz }) }

func (c *Coordinator) probe(which func() *Probe) bool {
	c.mu.Lock()
	p := *which()
	c.mu.Unlock()
	if p == nil {
		return true
	}
	return p()
}

// Start runs each stage's Start function in order, stopping and
// unwinding everything already started if any stage fails (spec.md
// §4.10: "a failure at any stage aborts startup and unwinds cleanly").
func (c *Coordinator) Start(ctx context.Context, stages []Stage) error {
	c.mu.Lock()
	if c.starting || len(c.started) > 0 {
		c.mu.Unlock()
		return fmt.Errorf("lifecycle: already started")
	}
	c.starting = true
	c.mu.Unlock()

	for _, stage := range stages {
		c.logger.Info("starting stage", map[string]interface{}{"stage": stage.Name})
		if err := stage.Start(ctx); err != nil {
			c.logger.Error("stage failed to start, unwinding", map[string]interface{}{
				"stage": stage.Name,
				"error": err.Error(),
			})
			c.unwind(ctx)
			c.mu.Lock()
			c.starting = false
			c.mu.Unlock()
			return fmt.Errorf("lifecycle: stage %q failed to start: %w", stage.Name, err)
		}
		c.mu.Lock()
		c.started = append(c.started, stage)
		c.mu.Unlock()
	}

	c.mu.Lock()
	c.starting = false
	c.mu.Unlock()
	return nil
}

// Shutdown stops every started stage in reverse order under a single
// deadline covering the whole budget. The 40/30/30 phase split is
// computed and logged but not applied: every stage's Stop sees the same
// deadline, so a stage that overruns takes time from the stages stopped
// after it.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	drain, finish, flush := c.budget.Split()
	c.logger.Info("shutdown starting", map[string]interface{}{
		"drain_budget":  drain.String(),
		"finish_budget": finish.String(),
		"flush_budget":  flush.String(),
	})

	deadline := time.Now().Add(c.budget.Total)
	shutdownCtx := ctx
	if c.budget.Total > 0 {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	c.unwind(shutdownCtx)
	return nil
}

func (c *Coordinator) unwind(ctx context.Context) {
	c.mu.Lock()
	toStop := make([]Stage, len(c.started))
	copy(toStop, c.started)
	c.started = nil
	c.mu.Unlock()

	for i := len(toStop) - 1; i >= 0; i-- {
		stage := toStop[i]
		if stage.Stop == nil {
			continue
		}
		c.logger.Info("stopping stage", map[string]interface{}{"stage": stage.Name})
		if err := stage.Stop(ctx); err != nil {
			c.logger.Error("stage failed to stop", map[string]interface{}{
				"stage": stage.Name,
				"error": err.Error(),
			})
		}
	}
}
