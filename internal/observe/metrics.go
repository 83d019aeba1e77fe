// Package observe provides application-wide observability primitives for
// nexuslive: OpenTelemetry metrics, tracing, trace-aware structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [Setup]
// bridges them to a Prometheus registry so they can be scraped from the
// standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all nexuslive metrics.
const meterName = "github.com/MrWong99/nexuslive"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks how long session start (microphone, speaker, and
	// remote channel acquisition) takes. Attributes: provider, status.
	ConnectDuration metric.Float64Histogram

	// FirstAudioLatency tracks the time from the first microphone frame
	// captured after the remote last spoke to the first synthesized chunk of
	// the reply.
	FirstAudioLatency metric.Float64Histogram

	// --- Counters ---

	// FramesSent counts microphone frames forwarded to the remote.
	FramesSent metric.Int64Counter

	// FramesDropped counts microphone frames not forwarded. Attribute: reason.
	FramesDropped metric.Int64Counter

	// ChunksScheduled counts synthesized chunks placed on the playback
	// timeline.
	ChunksScheduled metric.Int64Counter

	// PlaybackSeconds accumulates the duration of scheduled audio.
	PlaybackSeconds metric.Float64Counter

	// DecodeErrors counts inbound chunks dropped because they failed to
	// decode.
	DecodeErrors metric.Int64Counter

	// Interruptions counts barge-in interrupts signalled by the remote.
	Interruptions metric.Int64Counter

	// TranscriptEntries counts finalized transcript entries. Attribute: role.
	TranscriptEntries metric.Int64Counter

	// StatusTransitions counts session status changes. Attribute: status.
	StatusTransitions metric.Int64Counter

	// SessionErrors counts fatal session failures. Attribute: kind.
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-session latencies.
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
	if met.ConnectDuration, err = m.Float64Histogram("nexuslive.session.connect.duration",
		metric.WithDescription("Latency of acquiring devices and the remote channel."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstAudioLatency, err = m.Float64Histogram("nexuslive.session.first_audio.latency",
		metric.WithDescription("Latency from forwarded user audio to the first reply chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.FramesSent, "nexuslive.capture.frames.sent", "Microphone frames forwarded to the remote."},
		{&met.FramesDropped, "nexuslive.capture.frames.dropped", "Microphone frames not forwarded, by reason."},
		{&met.ChunksScheduled, "nexuslive.playback.chunks", "Synthesized chunks scheduled for playback."},
		{&met.DecodeErrors, "nexuslive.playback.decode_errors", "Inbound chunks dropped after a decode failure."},
		{&met.Interruptions, "nexuslive.playback.interruptions", "Barge-in interrupts signalled by the remote."},
		{&met.TranscriptEntries, "nexuslive.transcript.entries", "Finalized transcript entries by role."},
		{&met.StatusTransitions, "nexuslive.session.status_transitions", "Session status changes by target status."},
		{&met.SessionErrors, "nexuslive.session.errors", "Fatal session failures by kind."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.PlaybackSeconds, err = m.Float64Counter("nexuslive.playback.seconds",
		metric.WithDescription("Total duration of scheduled synthesized audio."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("nexuslive.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("nexuslive.http.request.duration",
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

// RecordConnect records the duration of a session start attempt.
func (m *Metrics) RecordConnect(ctx context.Context, provider, status string, d time.Duration) {
	m.ConnectDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordFrameDropped records one microphone frame that was not forwarded.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordChunkScheduled records one scheduled playback chunk of duration d.
func (m *Metrics) RecordChunkScheduled(ctx context.Context, d time.Duration) {
	m.ChunksScheduled.Add(ctx, 1)
	m.PlaybackSeconds.Add(ctx, d.Seconds())
}

// RecordTranscriptEntry records one finalized transcript entry.
func (m *Metrics) RecordTranscriptEntry(ctx context.Context, role string) {
	m.TranscriptEntries.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// RecordStatus records a transition into status.
func (m *Metrics) RecordStatus(ctx context.Context, status string) {
	m.StatusTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordSessionError records a fatal session failure of the given kind.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
