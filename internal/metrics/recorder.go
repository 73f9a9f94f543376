// Package metrics defines the optional instrumentation seam the ATP
// pipeline (internal/atp, internal/scheduler, internal/routing,
// internal/dispatcher) records frame/queue/breaker/AIMD measurements
// through, without importing OpenTelemetry directly.
package metrics

import "context"

// Recorder records counters, gauges, and histograms for the ATP pipeline.
// A nil Recorder is valid everywhere it's consumed: every call site
// nil-checks before recording, so instrumentation stays optional and the
// domain packages don't carry a hard OTel dependency.
type Recorder interface {
	Counter(ctx context.Context, name string, value int64, labels ...string)
	Gauge(ctx context.Context, name string, value float64, labels ...string)
	Histogram(ctx context.Context, name string, value float64, labels ...string)
}
