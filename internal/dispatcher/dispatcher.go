// Package dispatcher implements the Dispatcher (spec.md §4.8):
// translating an admitted request into adapter calls, streaming
// fragments back, emitting Observations, and failing over to a second
// adapter chosen by the Routing Engine. It is grounded on
// resilience/retry.go's context-aware retry/backoff discipline and
// pkg/telemetry's span-enrichment idiom, generalized from "LLM prompt
// in, text out" to "streamed fragments with per-token usage counters".
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelmesh/atprouter/internal/atp"
	"github.com/modelmesh/atprouter/internal/ports"
	"github.com/modelmesh/atprouter/internal/registry"
	"github.com/modelmesh/atprouter/internal/routing"
)

// Config bundles the Dispatcher's tunables (spec.md §4.8, §5).
type Config struct {
	CancellationGrace time.Duration
	ShadowBudget      time.Duration
}

// DefaultConfig matches spec.md §4.8/§5's stated defaults.
func DefaultConfig() Config {
	return Config{CancellationGrace: 200 * time.Millisecond, ShadowBudget: 2 * time.Second}
}

// Result is the terminal outcome of a dispatch, carrying everything the
// Session Manager needs to emit a terminal frame and the caller needs
// for budget reconciliation (spec.md §4.8(e)-(f)).
type Result struct {
	AdapterName string
	Usage       ports.AdapterUsage
	Succeeded   bool
	ErrorCode   atp.Code
	FailedOver  bool
}

// AdapterLookup resolves an adapter by name, the boundary between the
// Dispatcher and whatever wires concrete adapters/*.go implementations
// together (spec.md §1 scopes concrete providers out of the core).
type AdapterLookup func(name string) (ports.Adapter, bool)

// BreakerLookup resolves the per-adapter breaker the Dispatcher must
// consult before issuing a call (spec.md §4.8(a), §4.4).
type BreakerLookup func(name string) (*registry.AdapterBreaker, bool)

// Dispatcher is the spec.md §4.8 component.
type Dispatcher struct {
	cfg      Config
	adapters AdapterLookup
	breakers BreakerLookup
	router   *routing.Engine
	sink     chan ports.Observation
}

// New builds a Dispatcher. sink receives one Observation per dispatched
// request (including shadow trials), matching the bounded-buffer
// Observation Sink it feeds (spec.md §4.9).
func New(cfg Config, adapters AdapterLookup, breakers BreakerLookup, router *routing.Engine, sink chan ports.Observation) *Dispatcher {
	return &Dispatcher{cfg: cfg, adapters: adapters, breakers: breakers, router: router, sink: sink}
}

// FragmentHandler receives streamed adapter output as it arrives
// (spec.md §4.8(e): "stream back fragments... updating session budgets").
type FragmentHandler func(ports.AdapterChunk) error

// Dispatch runs spec.md §4.8's full sequence for one admitted request:
// TTL check, breaker check, budget decrement, adapter invocation under a
// deadline of 2×SLO, fragment streaming, failover on adapter failure,
// Observation emission, and breaker state update.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string, decision routing.RouteDecision, meta atp.Meta, payload []byte, budget *atp.Budget, ttl int, sloMs int64, onFragment FragmentHandler) (Result, error) {
	if ttl <= 0 {
		return Result{}, atp.NewError(atp.CodeScope, "", "TTL exhausted before dispatch")
	}

	res, err := d.tryAdapter(ctx, sessionID, decision.Champion, meta, payload, budget, sloMs, onFragment, false)
	if err == nil {
		return res, nil
	}

	if decision.Challenger == "" {
		return res, err
	}
	failoverRes, failoverErr := d.tryAdapter(ctx, sessionID, decision.Challenger, meta, payload, budget, sloMs, onFragment, false)
	if failoverErr != nil {
		return res, err
	}
	failoverRes.FailedOver = true
	return failoverRes, nil
}

// ShadowDispatch runs the challenger on the same request in the calling
// goroutine and discards its output (spec.md §4.8 "Shadow execution").
// It never affects the caller-visible result; errors are swallowed after
// being recorded as a failed Observation, which carries no shadow marker.
// Shadow runs are bounded by cfg.ShadowBudget.
func (d *Dispatcher) ShadowDispatch(ctx context.Context, sessionID, challenger string, meta atp.Meta, payload []byte) {
	if challenger == "" {
		return
	}
	shadowCtx, cancel := context.WithTimeout(ctx, d.cfg.ShadowBudget)
	defer cancel()

	budget := atp.NewBudget(atp.Window{MaxParallel: 1, MaxTokens: 1 << 30, MaxUSDMicros: 1 << 30})
	_, _ = d.tryAdapter(shadowCtx, sessionID, challenger, meta, payload, budget, 0, nil, true)
}

func (d *Dispatcher) tryAdapter(ctx context.Context, sessionID, name string, meta atp.Meta, payload []byte, budget *atp.Budget, sloMs int64, onFragment FragmentHandler, shadow bool) (Result, error) {
	adapter, ok := d.adapters(name)
	if !ok {
		return Result{}, atp.NewError(atp.CodeNoAdapter, "", fmt.Sprintf("adapter %q not registered", name))
	}

	var breaker *registry.AdapterBreaker
	if d.breakers != nil {
		breaker, _ = d.breakers(name)
	}
	if breaker != nil && !breaker.AllowsTraffic() {
		d.emit(sessionID, name, false, atp.CodeCircuitOpen, ports.AdapterUsage{}, shadow)
		return Result{}, atp.NewError(atp.CodeCircuitOpen, "", fmt.Sprintf("adapter %q breaker open", name))
	}

	deadline := time.Duration(sloMs) * time.Millisecond * 2
	callCtx := ctx
	var cancel context.CancelFunc
	if deadline > 0 {
		callCtx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	var usage ports.AdapterUsage
	var chunks <-chan ports.AdapterChunk
	var streamErr error

	runCall := func() error {
		var err error
		chunks, err = adapter.Stream(callCtx, meta, payload)
		if err != nil {
			return err
		}
		for chunk := range chunks {
			if onFragment != nil {
				if herr := onFragment(chunk); herr != nil {
					return herr
				}
			}
			usage = chunk.Usage
			if chunk.Final {
				break
			}
		}
		return nil
	}

	if breaker != nil {
		streamErr = breaker.Execute(callCtx, runCall)
	} else {
		streamErr = runCall()
	}

	succeeded := streamErr == nil
	if succeeded && budget != nil {
		budget.Reserve(usage.Tokens, usage.USDMicros)
	}

	code := atp.Code("")
	if !succeeded {
		code = classify(streamErr)
	}
	d.emit(sessionID, name, succeeded, code, usage, shadow)

	if !succeeded {
		return Result{AdapterName: name, Usage: usage, Succeeded: false, ErrorCode: code}, streamErr
	}
	return Result{AdapterName: name, Usage: usage, Succeeded: true}, nil
}

func classify(err error) atp.Code {
	if err == nil {
		return ""
	}
	var atpErr *atp.Error
	if errors.As(err, &atpErr) {
		return atpErr.Code
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return atp.CodeTimeout
	default:
		return atp.CodeInternal
	}
}

func (d *Dispatcher) emit(sessionID, adapterName string, succeeded bool, code atp.Code, usage ports.AdapterUsage, shadow bool) {
	if d.sink == nil {
		return
	}
	obs := ports.Observation{
		SessionID:   sessionID,
		AdapterName: adapterName,
		Succeeded:   succeeded,
		ErrorCode:   string(code),
		Usage:       usage,
		RecordedAt:  time.Now(),
	}
	select {
	case d.sink <- obs:
	default:
		// Observation Sink applies its own bounded-buffer drop-oldest
		// policy (spec.md §4.9); a full channel here means the sink's
		// consumer loop is behind, so we drop rather than block the
		// dispatch path.
	}
}
