package metrics

import (
	"context"

	"github.com/modelmesh/atprouter/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ATP-domain metric names (spec.md §4.2/§4.6/§4.7/§4.8 counters/histograms
// for frame counts, scheduler queue depth, breaker state, AIMD window
// size), named in the same "<domain>.<measurement>" style as
// pkg/telemetry/metrics.go's agent.* constants.
const (
	MetricFramesTotal        = "atp.frames.total"
	MetricSchedulerQueueDepth = "atp.scheduler.queue_depth"
	MetricSchedulerStarvation = "atp.scheduler.starvation_boost"
	MetricSchedulerPreempt    = "atp.scheduler.preempt"
	MetricBreakerState        = "atp.breaker.state"
	MetricAIMDWindow          = "atp.flow.aimd_window"
	MetricRoutingDecision     = "atp.routing.decision"
)

// OTelRecorder implements Recorder on top of pkg/telemetry's
// MetricInstruments, the same OTel meter/exporter wiring
// resilience/metrics_otel.go's OTelMetricsCollector uses for circuit
// breaker metrics.
type OTelRecorder struct {
	instruments *telemetry.MetricInstruments
}

// NewOTelRecorder creates a Recorder backed by an OTel meter named
// meterName (e.g. "atprouter-atp", "atprouter-scheduler").
func NewOTelRecorder(meterName string) *OTelRecorder {
	return &OTelRecorder{instruments: telemetry.NewMetricInstruments(meterName)}
}

func toAttrs(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}

func (o *OTelRecorder) Counter(ctx context.Context, name string, value int64, labels ...string) {
	_ = o.instruments.RecordCounter(ctx, name, value, metric.WithAttributes(toAttrs(labels)...))
}

// Gauge records a point-in-time value as a histogram sample, the same
// approach resilience/metrics_otel.go's RecordStateChange takes for
// circuit-breaker state: a true OTel ObservableGauge needs a callback
// registered up front, which doesn't fit a per-event value like this one.
func (o *OTelRecorder) Gauge(ctx context.Context, name string, value float64, labels ...string) {
	_ = o.instruments.RecordHistogram(ctx, name, value, metric.WithAttributes(toAttrs(labels)...))
}

func (o *OTelRecorder) Histogram(ctx context.Context, name string, value float64, labels ...string) {
	_ = o.instruments.RecordHistogram(ctx, name, value, metric.WithAttributes(toAttrs(labels)...))
}
