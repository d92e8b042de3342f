// Package observe provides the gateway's observability primitives:
// OpenTelemetry metrics with a Prometheus exporter bridge so the standard
// /metrics endpoint keeps working.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for all gateway metrics.
const meterName = "github.com/voxgate/voxgate"

// Metrics holds all OTel instruments for the gateway. All fields are safe for
// concurrent use — the underlying OTel types handle their own
// synchronisation.
type Metrics struct {
	// FramesProcessed counts binary audio frames that made it through the
	// pipeline. Attribute: transport.
	FramesProcessed metric.Int64Counter

	// FramesDropped counts frames rejected by the codec (short header,
	// truncated payload) or failed in decode. Attribute: reason.
	FramesDropped metric.Int64Counter

	// FlushBytes counts PCM bytes handed to the STT collaborator.
	FlushBytes metric.Int64Counter

	// VADTransitions counts speech onset/offset events. Attribute: edge
	// ("onset" or "offset").
	VADTransitions metric.Int64Counter

	// MessagesDispatched counts JSON control messages by type and status.
	MessagesDispatched metric.Int64Counter

	// CollaboratorErrors counts STT/TTS/LLM call failures. Attribute: kind.
	CollaboratorErrors metric.Int64Counter

	// ActiveConnections tracks the live connection-pool population.
	ActiveConnections metric.Int64UpDownCounter

	// Evictions counts pool evictions and replacements. Attribute: reason.
	Evictions metric.Int64Counter

	// HandshakeDuration tracks transport handshake latency.
	HandshakeDuration metric.Float64Histogram

	// DispatchDuration tracks JSON message handling latency by type.
	DispatchDuration metric.Float64Histogram
}

// latencyBuckets defines histogram boundaries (seconds) sized for
// handshake/dispatch latencies.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// NewMetrics creates a fully initialised [Metrics] using the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesProcessed, err = m.Int64Counter("voxgate.frames.processed",
		metric.WithDescription("Binary audio frames processed, by transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voxgate.frames.dropped",
		metric.WithDescription("Binary audio frames dropped, by reason."),
	); err != nil {
		return nil, err
	}
	if met.FlushBytes, err = m.Int64Counter("voxgate.flush.bytes",
		metric.WithDescription("PCM bytes flushed to the STT collaborator."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.VADTransitions, err = m.Int64Counter("voxgate.vad.transitions",
		metric.WithDescription("Voice-activity onset/offset events."),
	); err != nil {
		return nil, err
	}
	if met.MessagesDispatched, err = m.Int64Counter("voxgate.messages.dispatched",
		metric.WithDescription("JSON control messages dispatched, by type and status."),
	); err != nil {
		return nil, err
	}
	if met.CollaboratorErrors, err = m.Int64Counter("voxgate.collaborator.errors",
		metric.WithDescription("STT/TTS/LLM collaborator call failures, by kind."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("voxgate.connections.active",
		metric.WithDescription("Live connections in the pool."),
	); err != nil {
		return nil, err
	}
	if met.Evictions, err = m.Int64Counter("voxgate.connections.evictions",
		metric.WithDescription("Pool evictions and replacements, by reason."),
	); err != nil {
		return nil, err
	}
	if met.HandshakeDuration, err = m.Float64Histogram("voxgate.handshake.duration",
		metric.WithDescription("Transport handshake latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DispatchDuration, err = m.Float64Histogram("voxgate.dispatch.duration",
		metric.WithDescription("JSON control-message handling latency by type."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics], creating it on first
// call from the global meter provider. Panics if instrument creation fails
// (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordDispatch records one handled control message.
func (m *Metrics) RecordDispatch(ctx context.Context, msgType, status string) {
	m.MessagesDispatched.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", msgType),
		attribute.String("status", status),
	))
}

// RecordFrameDropped records one dropped binary frame.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordCollaboratorError records one failed collaborator call.
func (m *Metrics) RecordCollaboratorError(ctx context.Context, kind string) {
	m.CollaboratorErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
