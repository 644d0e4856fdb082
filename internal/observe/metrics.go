// Package observe holds the satellite's telemetry: OpenTelemetry
// instruments, the session span, trace-aware logging and the HTTP
// middleware. Metrics leave the process through the Prometheus exporter
// installed by [InitProvider] and are served on /metrics.
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/satellite"

// Metrics holds the satellite's instruments. Safe for concurrent use.
type Metrics struct {
	SessionDuration     metric.Float64Histogram // Idle to Ended, by "outcome"
	ResponseLatency     metric.Float64Histogram // Finalize to first server reply
	HTTPRequestDuration metric.Float64Histogram // by "route" and "code"

	PhaseTransitions metric.Int64Counter // by entered "phase"
	FramesSent       metric.Int64Counter
	FramesDropped    metric.Int64Counter // by "reason": device, queue
	WakeWords        metric.Int64Counter // by "source": local, remote
	TTSChunks        metric.Int64Counter
	AutomationRuns   metric.Int64Counter // by "trigger" and "status"
	ConnectAttempts  metric.Int64Counter // by "status"
	SessionErrors    metric.Int64Counter // by "kind" and "code"

	ActiveSessions     metric.Int64UpDownCounter
	TransportConnected metric.Int64UpDownCounter
}

// Histogram boundaries in seconds.
var (
	latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}
	sessionBuckets = []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120}
)

// NewMetrics creates the instruments on mp. Tests pass a provider backed by a
// ManualReader; the daemon uses [DefaultMetrics].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := builder{m: mp.Meter(meterName)}
	met := &Metrics{
		SessionDuration: b.histogram("satellite.session.duration",
			"Duration of voice sessions by outcome.", sessionBuckets),
		ResponseLatency: b.histogram("satellite.response.latency",
			"Time from end of utterance to the first server response.", latencyBuckets),
		HTTPRequestDuration: b.histogram("satellite.http.request.duration",
			"Control and probe request time by route.", latencyBuckets),

		PhaseTransitions: b.counter("satellite.phase.transitions", "Phases entered."),
		FramesSent:       b.counter("satellite.frames.sent", "Microphone frames accepted by the transport."),
		FramesDropped:    b.counter("satellite.frames.dropped", "Microphone frames lost by reason."),
		WakeWords:        b.counter("satellite.wake_word.detections", "Wake-word detections by source."),
		TTSChunks:        b.counter("satellite.tts.chunks", "Synthesized speech chunks received."),
		AutomationRuns:   b.counter("satellite.automation.runs", "Automation commands by trigger and status."),
		ConnectAttempts:  b.counter("satellite.transport.connect_attempts", "Server dials by status."),
		SessionErrors:    b.counter("satellite.session.errors", "Failed sessions by error kind and code."),

		ActiveSessions:     b.gauge("satellite.active_sessions", "1 while a voice session exists."),
		TransportConnected: b.gauge("satellite.transport.connected", "1 while the server link is up."),
	}
	if err := errors.Join(b.errs...); err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", err)
	}
	return met, nil
}

// builder collects instrument creation errors so NewMetrics reports them
// together.
type builder struct {
	m    metric.Meter
	errs []error
}

func (b *builder) histogram(name, desc string, buckets []float64) metric.Float64Histogram {
	h, err := b.m.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(buckets...),
	)
	b.errs = append(b.errs, err)
	return h
}

func (b *builder) counter(name, desc string) metric.Int64Counter {
	c, err := b.m.Int64Counter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

func (b *builder) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := b.m.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return g
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide instruments on the global meter
// provider. Call it after [InitProvider] so they reach the exporter.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		if defaultMetrics, err = NewMetrics(otel.GetMeterProvider()); err != nil {
			panic(err)
		}
	})
	return defaultMetrics
}

// RecordPhase records entry into phase.
func (m *Metrics) RecordPhase(ctx context.Context, phase string) {
	m.PhaseTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", phase)))
}

// RecordFrameDropped records a lost frame.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordWakeWord records a wake-word detection.
func (m *Metrics) RecordWakeWord(ctx context.Context, source string) {
	m.WakeWords.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordSessionEnd records a finished session's duration by outcome.
func (m *Metrics) RecordSessionEnd(ctx context.Context, outcome string, d time.Duration) {
	m.SessionDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordSessionError records a failed session.
func (m *Metrics) RecordSessionError(ctx context.Context, kind, code string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("code", code),
		),
	)
}

// RecordAutomationRun records one automation command execution.
func (m *Metrics) RecordAutomationRun(ctx context.Context, trigger, status string) {
	m.AutomationRuns.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("trigger", trigger),
			attribute.String("status", status),
		),
	)
}

// RecordConnectAttempt records one dial to the server.
func (m *Metrics) RecordConnectAttempt(ctx context.Context, status string) {
	m.ConnectAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// SetConnected moves the connected gauge by one in the direction of up.
// Callers must only report changes.
func (m *Metrics) SetConnected(ctx context.Context, up bool) {
	if up {
		m.TransportConnected.Add(ctx, 1)
		return
	}
	m.TransportConnected.Add(ctx, -1)
}
