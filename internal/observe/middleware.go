package observe

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// CorrelationHeader carries the trace ID of a control request back to the
// caller.
const CorrelationHeader = "X-Correlation-ID"

// unmatchedRoute labels requests the mux had no pattern for, keeping the
// route label bounded.
const unmatchedRoute = "unmatched"

// responseWriter records what the handler wrote.
type responseWriter struct {
	http.ResponseWriter
	code    int
	written int64
}

func (w *responseWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.written += int64(n)
	return n, err
}

// Unwrap lets [http.ResponseController] reach the underlying writer.
func (w *responseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Middleware instruments the satellite's HTTP surface. Each request gets a
// server span continuing any incoming W3C traceparent, and the response
// carries the trace ID in [CorrelationHeader]. Durations are recorded per
// route, where the route is the [http.ServeMux] pattern that matched.
// Requests for the quiet paths (probes, scrapes) are logged at debug level.
func Middleware(m *Metrics, quiet ...string) func(http.Handler) http.Handler {
	in := &instrumentation{
		m:     m,
		prop:  propagation.TraceContext{},
		quiet: make(map[string]bool, len(quiet)),
	}
	for _, p := range quiet {
		in.quiet[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			in.serve(next, w, r)
		})
	}
}

type instrumentation struct {
	m     *Metrics
	prop  propagation.TextMapPropagator
	quiet map[string]bool
}

func (in *instrumentation) serve(next http.Handler, w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := in.prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := StartSpan(ctx, "HTTP "+r.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
		),
	)
	defer span.End()

	cid := CorrelationID(ctx)
	if cid != "" {
		w.Header().Set(CorrelationHeader, cid)
	}
	in.prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

	rw := &responseWriter{ResponseWriter: w, code: http.StatusOK}
	r = r.WithContext(ctx)
	// ServeMux stores the matched pattern on the request it is given.
	next.ServeHTTP(rw, r)

	route := r.Pattern
	if route == "" {
		route = unmatchedRoute
	} else {
		span.SetName(route)
		span.SetAttributes(semconv.HTTPRoute(route))
	}
	span.SetAttributes(semconv.HTTPResponseStatusCode(rw.code))

	elapsed := time.Since(start)
	in.m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(
			attribute.String("route", route),
			attribute.String("code", strconv.Itoa(rw.code)),
		),
	)

	level := slog.LevelInfo
	switch {
	case in.quiet[r.URL.Path]:
		level = slog.LevelDebug
	case rw.code >= http.StatusInternalServerError:
		level = slog.LevelWarn
	}
	slog.LogAttrs(ctx, level, "http request",
		slog.String("trace_id", cid),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", rw.code),
		slog.Int64("bytes", rw.written),
		slog.Duration("duration", elapsed),
	)
}
