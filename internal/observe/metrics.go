// Package observe provides application-wide observability primitives for
// Parrot: OpenTelemetry metrics with a Prometheus exporter bridge.
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Parrot metrics.
const meterName = "github.com/HG-ha/Parrot"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// GenerationDuration tracks end-to-end audio synthesis latency. Use with
	// attributes:
	//   attribute.String("mode", ...), attribute.String("transport", ...)
	GenerationDuration metric.Float64Histogram

	// StoreQueryDuration tracks database query latency. Use with attributes:
	//   attribute.String("entity", ...), attribute.String("op", ...)
	StoreQueryDuration metric.Float64Histogram

	// --- Counters ---

	// Generations counts synthesis requests. Use with attributes:
	//   attribute.String("mode", ...), attribute.String("status", ...)
	Generations metric.Int64Counter

	// ProcessStarts counts model process launch attempts. Use with attribute:
	//   attribute.String("status", ...)
	ProcessStarts metric.Int64Counter

	// DownloadBytes accumulates bytes fetched during model acquisition.
	DownloadBytes metric.Int64Counter

	// --- Gauges ---

	// ModelUp tracks whether the supervised model process is serving (0 or 1).
	ModelUp metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Synthesis
// of long texts on CPU can take tens of seconds, so the upper buckets reach
// well past typical HTTP latencies.
var latencyBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// queryBuckets defines histogram bucket boundaries (in seconds) for local
// database queries.
var queryBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.GenerationDuration, err = m.Float64Histogram("parrot.generation.duration",
		metric.WithDescription("End-to-end audio synthesis latency by mode and transport."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StoreQueryDuration, err = m.Float64Histogram("parrot.store.query.duration",
		metric.WithDescription("Database query latency by entity and operation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(queryBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Generations, err = m.Int64Counter("parrot.generations",
		metric.WithDescription("Total synthesis requests by mode and status."),
	); err != nil {
		return nil, err
	}
	if met.ProcessStarts, err = m.Int64Counter("parrot.process.starts",
		metric.WithDescription("Total model process launch attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.DownloadBytes, err = m.Int64Counter("parrot.download.bytes",
		metric.WithDescription("Bytes fetched during model acquisition."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ModelUp, err = m.Int64UpDownCounter("parrot.model.up",
		metric.WithDescription("Whether the supervised model process is serving."),
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

// RecordGeneration records one finished synthesis request: a counter
// increment plus a latency observation with the standard attribute set.
func (m *Metrics) RecordGeneration(ctx context.Context, mode, transport, status string, d time.Duration) {
	m.Generations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("status", status),
		),
	)
	m.GenerationDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("transport", transport),
		),
	)
}

// RecordStoreQuery records one database query latency observation.
func (m *Metrics) RecordStoreQuery(entity, op string, d time.Duration) {
	m.StoreQueryDuration.Record(context.Background(), d.Seconds(),
		metric.WithAttributes(
			attribute.String("entity", entity),
			attribute.String("op", op),
		),
	)
}

// RecordProcessStart records one model process launch attempt.
func (m *Metrics) RecordProcessStart(ctx context.Context, status string) {
	m.ProcessStarts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// SetModelUp flips the model-serving gauge between 0 and 1.
func (m *Metrics) SetModelUp(ctx context.Context, up bool) {
	if up {
		m.ModelUp.Add(ctx, 1)
	} else {
		m.ModelUp.Add(ctx, -1)
	}
}
