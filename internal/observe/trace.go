package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/murmur"

// Span names of the voice pipeline.
const (
	SpanSynthesize = "playback.synthesize"
	SpanReplyTurn  = "reply.turn"
)

// Span attribute keys shared by pipeline spans.
const (
	SegmentIDKey = attribute.Key("segment_id")
	TurnKey      = attribute.Key("turn")
)

// Tracer returns the murmur tracer from the global TracerProvider, so spans
// follow whatever [Setup] installed.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartSegmentSpan starts a [SpanSynthesize] span for one playback segment.
func StartSegmentSpan(ctx context.Context, segmentID string) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanSynthesize, trace.WithAttributes(SegmentIDKey.String(segmentID)))
}

// StartTurnSpan starts a [SpanReplyTurn] span for one reply turn.
func StartTurnSpan(ctx context.Context, turn uint64) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanReplyTurn, trace.WithAttributes(TurnKey.Int64(int64(turn))))
}

// CorrelationID returns the trace ID of the span in ctx, or "" without one.
// The admin middleware echoes it as [CorrelationHeader].
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger, tagged with trace_id and span_id when
// ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
