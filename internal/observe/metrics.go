// Package observe provides observability primitives for the pipeline:
// OpenTelemetry metrics, the Prometheus exporter bridge, HTTP middleware,
// and the periodic worker snapshot logger.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all pipeline metrics.
const meterName = "github.com/posaudio/upsell-pipeline"

// Metrics holds all OpenTelemetry metric instruments for the pipeline.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// StageDuration tracks per-item processing latency. Use with attributes:
	//   attribute.String("stage", "vad"|"asr"|"analysis"), attribute.String("status", ...)
	StageDuration metric.Float64Histogram

	// UploadDuration tracks chunk upload handling latency on the ingest API.
	UploadDuration metric.Float64Histogram

	// --- Counters ---

	// ItemsProcessed counts finished queue items. Use with attributes:
	//   attribute.String("stage", ...), attribute.String("status", "done"|"error"|"skipped")
	ItemsProcessed metric.Int64Counter

	// ItemsRequeued counts stuck rows returned to the queue by the sweeper.
	// Use with attribute.String("stage", ...).
	ItemsRequeued metric.Int64Counter

	// ChunksAccepted counts successfully stored uploads.
	ChunksAccepted metric.Int64Counter

	// UploadRejects counts rejected uploads. Use with
	// attribute.String("reason", "auth"|"too_large"|"validation").
	UploadRejects metric.Int64Counter

	// BytesStored sums the size of accepted chunk blobs.
	BytesStored metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Stages
// range from sub-second uploads to minute-scale ASR passes.
var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.StageDuration, err = m.Float64Histogram("pipeline.stage.duration",
		metric.WithDescription("Per-item processing latency by stage and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UploadDuration, err = m.Float64Histogram("pipeline.upload.duration",
		metric.WithDescription("Chunk upload handling latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ItemsProcessed, err = m.Int64Counter("pipeline.items.processed",
		metric.WithDescription("Finished queue items by stage and status."),
	); err != nil {
		return nil, err
	}
	if met.ItemsRequeued, err = m.Int64Counter("pipeline.items.requeued",
		metric.WithDescription("Stuck rows returned to the queue by the recovery sweeper."),
	); err != nil {
		return nil, err
	}
	if met.ChunksAccepted, err = m.Int64Counter("pipeline.chunks.accepted",
		metric.WithDescription("Successfully stored chunk uploads."),
	); err != nil {
		return nil, err
	}
	if met.UploadRejects, err = m.Int64Counter("pipeline.upload.rejects",
		metric.WithDescription("Rejected chunk uploads by reason."),
	); err != nil {
		return nil, err
	}
	if met.BytesStored, err = m.Int64Counter("pipeline.bytes.stored",
		metric.WithDescription("Total bytes of accepted chunk blobs."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("pipeline.http.request.duration",
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

// RecordItem records one finished queue item: the counter increment and the
// stage-latency histogram sample, with the standard attribute set.
func (m *Metrics) RecordItem(ctx context.Context, stage, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("status", status),
	)
	m.ItemsProcessed.Add(ctx, 1, attrs)
	m.StageDuration.Record(ctx, seconds, attrs)
}

// RecordRequeued records stuck rows returned to the queue.
func (m *Metrics) RecordRequeued(ctx context.Context, stage string, n int64) {
	if n <= 0 {
		return
	}
	m.ItemsRequeued.Add(ctx, n,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordUploadReject records a rejected upload with its reason.
func (m *Metrics) RecordUploadReject(ctx context.Context, reason string) {
	m.UploadRejects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordChunkAccepted records a stored upload and its blob size.
func (m *Metrics) RecordChunkAccepted(ctx context.Context, sizeBytes int64) {
	m.ChunksAccepted.Add(ctx, 1)
	m.BytesStored.Add(ctx, sizeBytes)
}
