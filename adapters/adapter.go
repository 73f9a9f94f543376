// Package adapters wraps the teacher's ai.AIClient provider implementations
// (openai, anthropic, gemini, bedrock, mock) behind internal/ports.Adapter,
// the uniform boundary the Dispatcher invokes (spec.md §4.3, §4.8). Each
// wrapper is grounded on the concrete provider's GenerateResponse/
// StreamResponse methods in ai/providers/*/client.go; none of the provider
// clients speak ports.Adapter directly since that interface belongs to the
// control plane, not the teacher's agent framework.
package adapters

import (
	"context"
	"sync"
	"time"

	"github.com/modelmesh/atprouter/ai"
	"github.com/modelmesh/atprouter/core"
	"github.com/modelmesh/atprouter/internal/atp"
	"github.com/modelmesh/atprouter/internal/ports"
)

// Config describes the static cost/latency model and generation defaults
// for one adapter instance. Values are estimates the routing engine uses
// for candidate scoring (spec.md §4.5); actual usage is reported by the
// dispatcher after a real call completes.
type Config struct {
	Name        string
	Model       string
	Temperature float32
	MaxTokens   int

	// CostPerPromptTokenMicros and CostPerCompletionTokenMicros price a
	// single token in USD micros (1e-6 USD), used to estimate and report
	// AdapterUsage.USDMicros.
	CostPerPromptTokenMicros     int64
	CostPerCompletionTokenMicros int64

	// BaselineLatencyMs seeds Estimate() before any real call has been
	// observed; once a call completes, Estimate() uses the adapter's own
	// blended latency instead, so this only matters at cold start. Health()
	// does not read it.
	BaselineLatencyMs int64
}

// streamer is satisfied by the openai/anthropic/gemini provider clients,
// whose StreamResponse delivers core.StreamChunk values through a
// callback. mock.Client does not implement it, so Stream() falls back to
// a single synthesized chunk built from GenerateResponse.
type streamer interface {
	StreamResponse(ctx context.Context, prompt string, options *core.AIOptions, callback core.StreamCallback) (*core.AIResponse, error)
}

// clientAdapter adapts one ai.AIClient to ports.Adapter. It tracks a
// rolling health snapshot from its own call outcomes so Health() reports
// something useful even before the registry's EWMA has enough samples.
type clientAdapter struct {
	cfg      Config
	client   ai.AIClient
	streamer streamer

	mu        sync.Mutex
	calls     int64
	errors    int64
	lastP95Ms int64
	observed  time.Time
}

// New wraps client (any ai.AIClient) as a ports.Adapter. If client also
// implements StreamResponse with the teacher's core.StreamCallback
// signature, Stream() relays genuine incremental chunks; otherwise it
// synthesizes a single final chunk from GenerateResponse.
func New(cfg Config, client ai.AIClient) ports.Adapter {
	a := &clientAdapter{cfg: cfg, client: client}
	if s, ok := client.(streamer); ok {
		a.streamer = s
	}
	return a
}

func (a *clientAdapter) Name() string { return a.cfg.Name }

func (a *clientAdapter) Estimate(ctx context.Context, meta atp.Meta, payload []byte) (ports.AdapterEstimate, error) {
	tokens := estimateTokens(payload)
	maxTokens := a.cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}
	estCompletion := maxTokens
	cost := int64(tokens)*a.cfg.CostPerPromptTokenMicros + int64(estCompletion)*a.cfg.CostPerCompletionTokenMicros

	a.mu.Lock()
	latency := a.lastP95Ms
	a.mu.Unlock()
	if latency == 0 {
		latency = a.cfg.BaselineLatencyMs
	}

	return ports.AdapterEstimate{
		EstimatedTokens:    tokens + estCompletion,
		EstimatedUSDMicros: cost,
		EstimatedLatencyMs: latency,
		SupportsStreaming:  a.streamer != nil,
	}, nil
}

func (a *clientAdapter) Stream(ctx context.Context, meta atp.Meta, payload []byte) (<-chan ports.AdapterChunk, error) {
	options := &core.AIOptions{
		Model:       a.cfg.Model,
		Temperature: a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
	}
	prompt := string(payload)
	out := make(chan ports.AdapterChunk, 4)
	start := time.Now()

	if a.streamer != nil {
		go a.runStreaming(ctx, prompt, options, start, out)
		return out, nil
	}
	go a.runSingleShot(ctx, prompt, options, start, out)
	return out, nil
}

func (a *clientAdapter) runStreaming(ctx context.Context, prompt string, options *core.AIOptions, start time.Time, out chan<- ports.AdapterChunk) {
	defer close(out)
	var lastUsage core.TokenUsage
	resp, err := a.streamer.StreamResponse(ctx, prompt, options, func(chunk core.StreamChunk) error {
		if chunk.Usage != nil {
			lastUsage = *chunk.Usage
		}
		select {
		case out <- ports.AdapterChunk{Payload: []byte(chunk.Content), Final: !chunk.Delta}:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		a.recordOutcome(false, latency)
		return
	}
	if resp != nil {
		lastUsage = resp.Usage
	}
	a.recordOutcome(true, latency)
	select {
	case out <- ports.AdapterChunk{Final: true, Usage: a.usageFromTokens(lastUsage)}:
	case <-ctx.Done():
	}
}

func (a *clientAdapter) runSingleShot(ctx context.Context, prompt string, options *core.AIOptions, start time.Time, out chan<- ports.AdapterChunk) {
	defer close(out)
	resp, err := a.client.GenerateResponse(ctx, prompt, options)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		a.recordOutcome(false, latency)
		return
	}
	a.recordOutcome(true, latency)
	chunk := ports.AdapterChunk{
		Payload: []byte(resp.Content),
		Final:   true,
		Usage:   a.usageFromTokens(resp.Usage),
	}
	select {
	case out <- chunk:
	case <-ctx.Done():
	}
}

func (a *clientAdapter) usageFromTokens(usage core.TokenUsage) ports.AdapterUsage {
	return ports.AdapterUsage{
		Tokens:    usage.TotalTokens,
		USDMicros: int64(usage.PromptTokens)*a.cfg.CostPerPromptTokenMicros + int64(usage.CompletionTokens)*a.cfg.CostPerCompletionTokenMicros,
	}
}

func (a *clientAdapter) Health(ctx context.Context) (ports.AdapterHealth, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	errorRate := 0.0
	if a.calls > 0 {
		errorRate = float64(a.errors) / float64(a.calls)
	}
	return ports.AdapterHealth{
		Healthy:      errorRate < 0.5,
		ErrorRate:    errorRate,
		P95LatencyMs: a.lastP95Ms,
		ObservedAt:   a.observed,
	}, nil
}

func (a *clientAdapter) recordOutcome(succeeded bool, latencyMs int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if !succeeded {
		a.errors++
	}
	// Simple blended estimate rather than a true percentile: cheap to
	// maintain per-adapter and refined by the registry's own EWMA
	// (internal/registry.Registry.UpdateHealth) once real traffic flows.
	if a.lastP95Ms == 0 {
		a.lastP95Ms = latencyMs
	} else {
		a.lastP95Ms = (a.lastP95Ms*4 + latencyMs) / 5
	}
	a.observed = time.Now()
}

// estimateTokens approximates token count from payload size using the
// common ~4-bytes-per-token heuristic, avoiding a dependency on any
// provider-specific tokenizer for a pre-dispatch estimate.
func estimateTokens(payload []byte) int {
	n := len(payload) / 4
	if n < 1 {
		n = 1
	}
	return n
}
