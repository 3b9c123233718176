// Package observe provides application-wide observability primitives for
// echoscribe: OpenTelemetry metrics, tracing, structured logging, and HTTP
// middleware that ties them together.
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

// meterName is the instrumentation scope name used for all echoscribe metrics.
const meterName = "github.com/MrWong99/echoscribe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// StageDuration tracks wall-clock time per pipeline stage. Use with
	// attribute.String("stage", "chunk"|"transcribe"|"diarize"|"merge").
	StageDuration metric.Float64Histogram

	// JobDuration tracks end-to-end job processing time.
	JobDuration metric.Float64Histogram

	// --- Counters ---

	// JobsFinished counts terminal jobs. Use with attributes:
	//   attribute.String("state", "completed"|"failed"|"cancelled")
	JobsFinished metric.Int64Counter

	// ChunksProcessed counts chunks leaving the transcriber. Use with:
	//   attribute.String("outcome", "ok"|"cached"|"silent"|"failed")
	ChunksProcessed metric.Int64Counter

	// AdmissionDeferrals counts governor deferrals at dispatch.
	AdmissionDeferrals metric.Int64Counter

	// ProviderRequests counts external provider calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// RunningJobs tracks the number of jobs currently running.
	RunningJobs metric.Int64UpDownCounter

	// QueuedJobs tracks the number of jobs waiting for admission.
	QueuedJobs metric.Int64UpDownCounter

	// PledgedMemoryGB tracks memory pledged to running jobs.
	PledgedMemoryGB metric.Float64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// stageBuckets defines histogram bucket boundaries (in seconds) sized for
// per-chunk stage latencies up to long whisper runs.
var stageBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// jobBuckets covers whole-job processing from short clips to multi-hour
// recordings.
var jobBuckets = []float64{
	1, 5, 15, 60, 300, 900, 1800, 3600, 7200,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.StageDuration, err = m.Float64Histogram("echoscribe.stage.duration",
		metric.WithDescription("Wall-clock time per pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stageBuckets...),
	); err != nil {
		return nil, err
	}
	if met.JobDuration, err = m.Float64Histogram("echoscribe.job.duration",
		metric.WithDescription("End-to-end job processing time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(jobBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.JobsFinished, err = m.Int64Counter("echoscribe.jobs.finished",
		metric.WithDescription("Total terminal jobs by final state."),
	); err != nil {
		return nil, err
	}
	if met.ChunksProcessed, err = m.Int64Counter("echoscribe.chunks.processed",
		metric.WithDescription("Total chunks processed by outcome."),
	); err != nil {
		return nil, err
	}
	if met.AdmissionDeferrals, err = m.Int64Counter("echoscribe.admission.deferrals",
		metric.WithDescription("Total governor admission deferrals."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("echoscribe.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("echoscribe.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.RunningJobs, err = m.Int64UpDownCounter("echoscribe.jobs.running",
		metric.WithDescription("Number of jobs currently running."),
	); err != nil {
		return nil, err
	}
	if met.QueuedJobs, err = m.Int64UpDownCounter("echoscribe.jobs.queued",
		metric.WithDescription("Number of jobs waiting for admission."),
	); err != nil {
		return nil, err
	}
	if met.PledgedMemoryGB, err = m.Float64UpDownCounter("echoscribe.memory.pledged",
		metric.WithDescription("Memory pledged to running jobs."),
		metric.WithUnit("GBy"),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("echoscribe.http.request.duration",
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

// RecordStage records one stage completion with its wall-clock duration.
func (m *Metrics) RecordStage(ctx context.Context, stage string, seconds float64) {
	m.StageDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordJobFinished records a terminal job with its final state and total
// processing time.
func (m *Metrics) RecordJobFinished(ctx context.Context, state string, seconds float64) {
	m.JobsFinished.Add(ctx, 1,
		metric.WithAttributes(attribute.String("state", state)),
	)
	if seconds > 0 {
		m.JobDuration.Record(ctx, seconds)
	}
}

// RecordChunk records one chunk leaving the transcriber by outcome.
func (m *Metrics) RecordChunk(ctx context.Context, outcome string) {
	m.ChunksProcessed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
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
