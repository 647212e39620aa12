// Package observe provides observability primitives for the voice-activation
// pipeline: OpenTelemetry metric instruments and a Prometheus exporter bridge
// so that metrics can be scraped via the standard /metrics endpoint.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all pipeline metrics.
const meterName = "github.com/kawaz/voice-agent"

// Metrics holds all OpenTelemetry metric instruments for the pipeline.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// FramesPublished counts audio frames published on the bus.
	FramesPublished metric.Int64Counter

	// FramesDropped counts frames dropped under subscriber backpressure.
	// Use with attribute.String("subscriber", ...).
	FramesDropped metric.Int64Counter

	// Detections counts threshold-crossing wake-phrase detections.
	// Use with attributes: language, phrase.
	Detections metric.Int64Counter

	// DetectionsDiscarded counts detections that lost arbitration or arrived
	// while the controller was not armed. Use with attributes: language, reason.
	DetectionsDiscarded metric.Int64Counter

	// Triggers counts authoritative triggers emitted by the arbitrator.
	// Use with attribute.String("language", ...).
	Triggers metric.Int64Counter

	// DetectorErrors counts per-frame detector processing errors.
	// Use with attribute.String("detector", ...).
	DetectorErrors metric.Int64Counter

	// DegradedDetectors tracks the number of detector instances currently
	// excluded from the fan-out.
	DegradedDetectors metric.Int64UpDownCounter

	// TranscriptionDuration tracks speech-to-text latency per request.
	TranscriptionDuration metric.Float64Histogram

	// TranscriptionOutcomes counts resolved transcription requests.
	// Use with attribute.String("outcome", ...).
	TranscriptionOutcomes metric.Int64Counter

	// PipelineState records the controller's current state as a numeric code.
	PipelineState metric.Int64Gauge
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// batch transcription of short utterance windows.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesPublished, err = m.Int64Counter("voiceagent.bus.frames_published",
		metric.WithDescription("Total audio frames published on the frame bus."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voiceagent.bus.frames_dropped",
		metric.WithDescription("Frames dropped under subscriber backpressure, by subscriber."),
	); err != nil {
		return nil, err
	}
	if met.Detections, err = m.Int64Counter("voiceagent.wake.detections",
		metric.WithDescription("Wake-phrase detections crossing the sensitivity threshold, by language and phrase."),
	); err != nil {
		return nil, err
	}
	if met.DetectionsDiscarded, err = m.Int64Counter("voiceagent.wake.detections_discarded",
		metric.WithDescription("Detections discarded during arbitration, by language and reason."),
	); err != nil {
		return nil, err
	}
	if met.Triggers, err = m.Int64Counter("voiceagent.wake.triggers",
		metric.WithDescription("Authoritative triggers emitted by the arbitrator, by language."),
	); err != nil {
		return nil, err
	}
	if met.DetectorErrors, err = m.Int64Counter("voiceagent.wake.detector_errors",
		metric.WithDescription("Per-frame detector processing errors, by detector."),
	); err != nil {
		return nil, err
	}
	if met.DegradedDetectors, err = m.Int64UpDownCounter("voiceagent.wake.degraded_detectors",
		metric.WithDescription("Detector instances currently excluded from the frame fan-out."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionDuration, err = m.Float64Histogram("voiceagent.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscriptionOutcomes, err = m.Int64Counter("voiceagent.stt.outcomes",
		metric.WithDescription("Resolved transcription requests by outcome."),
	); err != nil {
		return nil, err
	}
	if met.PipelineState, err = m.Int64Gauge("voiceagent.pipeline.state",
		metric.WithDescription("Controller state as a numeric code (0=idle through 5=shutting_down)."),
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

// RecordOutcome records one resolved transcription request.
func (m *Metrics) RecordOutcome(ctx context.Context, outcome string, seconds float64) {
	m.TranscriptionOutcomes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
	m.TranscriptionDuration.Record(ctx, seconds)
}

// RecordDetection records one threshold-crossing detection.
func (m *Metrics) RecordDetection(ctx context.Context, language, phrase string) {
	m.Detections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("language", language),
		attribute.String("phrase", phrase),
	))
}

// RecordDiscarded records a detection that lost arbitration or arrived while
// the controller was not armed.
func (m *Metrics) RecordDiscarded(ctx context.Context, language, reason string) {
	m.DetectionsDiscarded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("language", language),
		attribute.String("reason", reason),
	))
}
