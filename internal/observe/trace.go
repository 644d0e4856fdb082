package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/satellite"

// Span attribute keys shared by the assistant and the control API.
const (
	AttrSessionID  = attribute.Key("session.id")
	AttrContinuous = attribute.Key("session.continuous")
	AttrOutcome    = attribute.Key("session.outcome")
)

// Tracer returns the satellite tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on the satellite tracer. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartSessionSpan starts the span covering one assistant session, from
// wake-word wait to the end of the response. When ctx carries a span (a
// session started through the control API) the session becomes its child,
// otherwise it is a new trace.
func StartSessionSpan(ctx context.Context, sessionID string, continuous bool) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "assistant.session",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrSessionID.String(sessionID),
			AttrContinuous.Bool(continuous),
		),
	)
}

// EndSessionSpan records the outcome and ends span. A non-nil err marks the
// span failed.
func EndSessionSpan(span trace.Span, outcome string, err error) {
	span.SetAttributes(AttrOutcome.String(outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID returns the trace ID in ctx, or "" without a valid span.
// The control API sends it back in X-Correlation-ID so a request can be
// matched with the session it started.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id from ctx
// attached. Without a span it is the default logger unchanged.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
