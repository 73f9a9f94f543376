//go:build bedrock
// +build bedrock

package adapters

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/modelmesh/atprouter/ai/providers/bedrock"
	"github.com/modelmesh/atprouter/core"
	"github.com/modelmesh/atprouter/internal/atp"
	"github.com/modelmesh/atprouter/internal/ports"
)

// bedrockAdapter wraps *bedrock.Client directly rather than going through
// the shared streamer interface in adapter.go: Bedrock's StreamResponse
// delivers raw string deltas over a chan<- string (spec.md §4.8 adapter
// boundary only cares that Stream() yields ports.AdapterChunk, not how
// the underlying SDK shapes its own stream).
type bedrockAdapter struct {
	cfg    Config
	client *bedrock.Client

	mu        sync.Mutex
	calls     int64
	errors    int64
	lastP95Ms int64
	observed  time.Time
}

// NewBedrock wraps AWS Bedrock's Converse/ConverseStream API client as a
// ports.Adapter. Built only with the "bedrock" build tag, matching
// ai/providers/bedrock's own tag, since the AWS SDK dependency is opt-in.
func NewBedrock(cfg Config, awsCfg aws.Config, region string, logger core.Logger) ports.Adapter {
	return &bedrockAdapter{
		cfg:    cfg,
		client: bedrock.NewClient(awsCfg, region, logger),
	}
}

func (a *bedrockAdapter) Name() string { return a.cfg.Name }

func (a *bedrockAdapter) Estimate(ctx context.Context, meta atp.Meta, payload []byte) (ports.AdapterEstimate, error) {
	tokens := estimateTokens(payload)
	maxTokens := a.cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}
	cost := int64(tokens)*a.cfg.CostPerPromptTokenMicros + int64(maxTokens)*a.cfg.CostPerCompletionTokenMicros

	a.mu.Lock()
	latency := a.lastP95Ms
	a.mu.Unlock()
	if latency == 0 {
		latency = a.cfg.BaselineLatencyMs
	}
	return ports.AdapterEstimate{
		EstimatedTokens:    tokens + maxTokens,
		EstimatedUSDMicros: cost,
		EstimatedLatencyMs: latency,
		SupportsStreaming:  true,
	}, nil
}

func (a *bedrockAdapter) Stream(ctx context.Context, meta atp.Meta, payload []byte) (<-chan ports.AdapterChunk, error) {
	options := &core.AIOptions{
		Model:       a.cfg.Model,
		Temperature: a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
	}
	out := make(chan ports.AdapterChunk, 4)
	deltas := make(chan string, 16)
	start := time.Now()

	go func() {
		err := a.client.StreamResponse(ctx, string(payload), options, deltas)
		latency := time.Since(start).Milliseconds()
		a.recordOutcome(err == nil, latency)
	}()

	go func() {
		defer close(out)
		for delta := range deltas {
			select {
			case out <- ports.AdapterChunk{Payload: []byte(delta)}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- ports.AdapterChunk{Final: true}:
		case <-ctx.Done():
		}
	}()

	return out, nil
}

func (a *bedrockAdapter) Health(ctx context.Context) (ports.AdapterHealth, error) {
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

func (a *bedrockAdapter) recordOutcome(succeeded bool, latencyMs int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if !succeeded {
		a.errors++
	}
	if a.lastP95Ms == 0 {
		a.lastP95Ms = latencyMs
	} else {
		a.lastP95Ms = (a.lastP95Ms*4 + latencyMs) / 5
	}
	a.observed = time.Now()
}
