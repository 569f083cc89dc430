// Package observe provides application-wide observability primitives for
// Murmur: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [Setup] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Murmur metrics.
const meterName = "github.com/MrWong99/murmur"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SynthesisDuration tracks how long one segment takes to synthesize and
	// decode.
	SynthesisDuration metric.Float64Histogram

	// ReplyFirstChunk tracks the delay between a user utterance and the first
	// reply text chunk from the reply source.
	ReplyFirstChunk metric.Float64Histogram

	// --- Playback ---

	// SegmentsEnqueued counts segments accepted by the playback queue.
	SegmentsEnqueued metric.Int64Counter

	// SegmentsPlayed counts segments whose playback completed.
	SegmentsPlayed metric.Int64Counter

	// SegmentsDropped counts segments removed without being played. Use with
	// attribute:
	//   attribute.String("reason", ...)  // synthesis, decode, sink, interrupt
	SegmentsDropped metric.Int64Counter

	// --- Segmentation ---

	// SegmenterSegments counts segments emitted by the text segmenter. Use
	// with attribute:
	//   attribute.String("reason", ...)  // boundary, overflow, stale, final
	SegmenterSegments metric.Int64Counter

	// --- Capture ---

	// CaptureRestarts counts recognizer restarts. Use with attribute:
	//   attribute.String("cause", ...)  // end, error
	CaptureRestarts metric.Int64Counter

	// CaptureErrors counts recognizer errors. Use with attribute:
	//   attribute.String("kind", ...)
	CaptureErrors metric.Int64Counter

	// Utterances counts final user utterances delivered to the host.
	Utterances metric.Int64Counter

	// BargeIns counts interruptions of playback by the user.
	BargeIns metric.Int64Counter

	// --- Session ---

	// SessionTransitions counts session state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	SessionTransitions metric.Int64Counter

	// ActiveSessions tracks the number of sessions that are not OFF.
	ActiveSessions metric.Int64UpDownCounter

	// --- Providers ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks admin request time, labelled by "route"
	// (the mux pattern) and "status".
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SynthesisDuration, err = m.Float64Histogram("murmur.synthesis.duration",
		metric.WithDescription("Latency of synthesizing and decoding one segment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ReplyFirstChunk, err = m.Float64Histogram("murmur.reply.first_chunk",
		metric.WithDescription("Delay between a user utterance and the first reply chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Playback counters.
	if met.SegmentsEnqueued, err = m.Int64Counter("murmur.segments.enqueued",
		metric.WithDescription("Total segments accepted by the playback queue."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsPlayed, err = m.Int64Counter("murmur.segments.played",
		metric.WithDescription("Total segments played to completion."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsDropped, err = m.Int64Counter("murmur.segments.dropped",
		metric.WithDescription("Total segments dropped without playback by reason."),
	); err != nil {
		return nil, err
	}
	if met.SegmenterSegments, err = m.Int64Counter("murmur.segmenter.segments",
		metric.WithDescription("Total segments emitted by the text segmenter by reason."),
	); err != nil {
		return nil, err
	}

	// Capture counters.
	if met.CaptureRestarts, err = m.Int64Counter("murmur.capture.restarts",
		metric.WithDescription("Total recognizer restarts by cause."),
	); err != nil {
		return nil, err
	}
	if met.CaptureErrors, err = m.Int64Counter("murmur.capture.errors",
		metric.WithDescription("Total recognizer errors by kind."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("murmur.utterances",
		metric.WithDescription("Total final user utterances."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("murmur.bargeins",
		metric.WithDescription("Total playback interruptions by the user."),
	); err != nil {
		return nil, err
	}

	// Session.
	if met.SessionTransitions, err = m.Int64Counter("murmur.session.transitions",
		metric.WithDescription("Total session state transitions by source and target state."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("murmur.active_sessions",
		metric.WithDescription("Number of voice sessions that are not OFF."),
	); err != nil {
		return nil, err
	}

	// Providers.
	if met.ProviderRequests, err = m.Int64Counter("murmur.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("murmur.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("murmur.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordSegmentDropped records a dropped segment with its reason.
func (m *Metrics) RecordSegmentDropped(ctx context.Context, reason string) {
	m.SegmentsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSegmenterSegment records a segment emitted by the text segmenter.
func (m *Metrics) RecordSegmenterSegment(ctx context.Context, reason string) {
	m.SegmenterSegments.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordCaptureRestart records a scheduled recognizer restart.
func (m *Metrics) RecordCaptureRestart(ctx context.Context, cause string) {
	m.CaptureRestarts.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", cause)))
}

// RecordCaptureError records a recognizer error of the given kind.
func (m *Metrics) RecordCaptureError(ctx context.Context, kind string) {
	m.CaptureErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordTransition records a session state change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.SessionTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}
