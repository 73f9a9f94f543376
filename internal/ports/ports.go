// Package ports declares the external boundaries the control plane depends
// on as interfaces only: authentication, policy, adapters, observation
// sinks, and the Secrets leaf (the Clock and ID generator leaves live in
// internal/idgen). Concrete
// implementations live under adapters/ and internal/registry.
package ports

import (
	"context"
	"time"

	"github.com/modelmesh/atprouter/internal/atp"
)

// AuthResult is what an Auth port returns for a successful authentication.
type AuthResult struct {
	Principal atp.Principal
	Scopes    []string
}

// Auth authenticates inbound handshake identity material (spec.md §6).
type Auth interface {
	Authenticate(ctx context.Context, identityMaterial []byte) (AuthResult, error)
}

// PolicyDecision is the result of an authorization check.
type PolicyDecision struct {
	Allowed bool
	Reason  string
}

// Policy authorizes a principal's request against scope/risk constraints
// (spec.md §4.8 dispatcher preflight, §7 ESCOPE).
type Policy interface {
	Authorize(ctx context.Context, principal atp.Principal, meta atp.Meta) (PolicyDecision, error)
}

// AdapterEstimate is a provider's cost/latency estimate for a candidate
// request, used by the routing engine's constraint filter and scorer.
type AdapterEstimate struct {
	EstimatedTokens      int
	EstimatedUSDMicros   int64
	EstimatedLatencyMs   int64
	SupportsStreaming    bool
}

// AdapterChunk is one unit of a streamed adapter response.
type AdapterChunk struct {
	Payload []byte
	Final   bool
	Usage   AdapterUsage
}

// AdapterUsage reports actual consumption, filled on the final chunk.
type AdapterUsage struct {
	Tokens      int
	USDMicros   int64
	LatencyMs   int64
}

// AdapterHealth is a point-in-time health reading (spec.md §4.3 EWMA input).
type AdapterHealth struct {
	Healthy       bool
	ErrorRate     float64
	P95LatencyMs  int64
	ObservedAt    time.Time
}

// Adapter is the uniform boundary the Dispatcher invokes regardless of the
// underlying model provider (spec.md §4.3, §4.8).
type Adapter interface {
	Name() string
	Estimate(ctx context.Context, meta atp.Meta, payload []byte) (AdapterEstimate, error)
	Stream(ctx context.Context, meta atp.Meta, payload []byte) (<-chan AdapterChunk, error)
	Health(ctx context.Context) (AdapterHealth, error)
}

// Observation is one routed-request outcome record (spec.md §4.9).
type Observation struct {
	ID            string
	SessionID     string
	AdapterName   string
	PolicyVersion string
	Reward        float64
	Usage         AdapterUsage
	Succeeded     bool
	ErrorCode     string
	RecordedAt    time.Time
}

// ObservationSink is the external durable (or best-effort) destination for
// Observations, separate from the in-process bounded buffer that feeds it
// (spec.md §4.9: "a bounded append-only buffer... flushed periodically").
type ObservationSink interface {
	Record(ctx context.Context, obs []Observation) error
}

// Secrets resolves credential material by name (e.g. provider API keys),
// kept as a port so adapters never read environment variables directly.
type Secrets interface {
	Get(ctx context.Context, name string) (string, error)
}
