// Package observe provides application-wide observability primitives for
// Callgist: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
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

// meterName is the instrumentation scope name used for all Callgist metrics.
const meterName = "github.com/callgist/callgist"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// NormalizeDuration tracks audio normalization latency per artifact.
	NormalizeDuration metric.Float64Histogram

	// AnalyzeDuration tracks audio quality analysis latency per artifact.
	AnalyzeDuration metric.Float64Histogram

	// TranscribeDuration tracks speech-to-text transcription latency per
	// artifact.
	TranscribeDuration metric.Float64Histogram

	// ExtractDuration tracks LLM insight extraction latency per session.
	ExtractDuration metric.Float64Histogram

	// SyncDuration tracks CRM synchronization latency per session,
	// including retries.
	SyncDuration metric.Float64Histogram

	// --- Counters ---

	// PipelineRuns counts completed pipeline runs. Use with attribute:
	//   attribute.String("status", ...)  // "completed" or "error"
	PipelineRuns metric.Int64Counter

	// ArtifactsProcessed counts audio artifacts by outcome. Use with attribute:
	//   attribute.String("status", ...)  // "transcribed" or "skipped"
	ArtifactsProcessed metric.Int64Counter

	// MaskedSpans counts text spans replaced by the redactor.
	MaskedSpans metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of non-terminal call sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Audio and
// LLM stages routinely run for several seconds, so the upper buckets are
// stretched compared to typical request-latency defaults.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.NormalizeDuration, err = m.Float64Histogram("callgist.normalize.duration",
		metric.WithDescription("Latency of audio normalization per artifact."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AnalyzeDuration, err = m.Float64Histogram("callgist.analyze.duration",
		metric.WithDescription("Latency of audio quality analysis per artifact."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscribeDuration, err = m.Float64Histogram("callgist.transcribe.duration",
		metric.WithDescription("Latency of speech-to-text transcription per artifact."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ExtractDuration, err = m.Float64Histogram("callgist.extract.duration",
		metric.WithDescription("Latency of LLM insight extraction per session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SyncDuration, err = m.Float64Histogram("callgist.sync.duration",
		metric.WithDescription("Latency of CRM synchronization per session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.PipelineRuns, err = m.Int64Counter("callgist.pipeline.runs",
		metric.WithDescription("Total pipeline runs by terminal status."),
	); err != nil {
		return nil, err
	}
	if met.ArtifactsProcessed, err = m.Int64Counter("callgist.artifacts.processed",
		metric.WithDescription("Total audio artifacts by processing outcome."),
	); err != nil {
		return nil, err
	}
	if met.MaskedSpans, err = m.Int64Counter("callgist.redact.masked_spans",
		metric.WithDescription("Total text spans replaced by the redactor."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("callgist.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("callgist.active_sessions",
		metric.WithDescription("Number of non-terminal call sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("callgist.http.request.duration",
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

// RecordPipelineRun is a convenience method that records a pipeline run
// counter increment with its terminal status.
func (m *Metrics) RecordPipelineRun(ctx context.Context, status string) {
	m.PipelineRuns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordArtifact is a convenience method that records an artifact processing
// outcome counter increment.
func (m *Metrics) RecordArtifact(ctx context.Context, status string) {
	m.ArtifactsProcessed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordMaskedSpans is a convenience method that records the number of spans
// the redactor replaced in one transcript.
func (m *Metrics) RecordMaskedSpans(ctx context.Context, n int) {
	if n <= 0 {
		return
	}
	m.MaskedSpans.Add(ctx, int64(n))
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
