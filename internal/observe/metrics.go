// Package observe provides application-wide observability primitives for
// ndisrc: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all ndisrc metrics.
const meterName = "github.com/MrWong99/ndisrc"

// Loss reasons recorded on [Metrics.FramesLost].
const (
	LossNone  = "none"
	LossError = "error"
	LossOther = "other"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture counters ---

	// Buffers counts buffers produced. Use with attribute:
	//   attribute.String("source", ...)
	Buffers metric.Int64Counter

	// Bytes counts PCM payload bytes produced. Use with attribute:
	//   attribute.String("source", ...)
	Bytes metric.Int64Counter

	// EmptyBuffers counts zero-length keepalive buffers emitted when the
	// loss threshold is 0.
	EmptyBuffers metric.Int64Counter

	// FramesLost counts poll attempts that returned no audio. Use with attributes:
	//   attribute.String("source", ...), attribute.String("reason", LossNone|LossError|LossOther)
	FramesLost metric.Int64Counter

	// FramesStale counts audio frames discarded for being at or before the
	// connection's time zero.
	FramesStale metric.Int64Counter

	// StreamClosed counts exhausted loss budgets.
	StreamClosed metric.Int64Counter

	// --- Latency ---

	// CaptureDuration tracks how long one create call blocked on the network.
	CaptureDuration metric.Float64Histogram

	// --- Gauges ---

	// ActiveSources tracks the number of started sources.
	ActiveSources metric.Int64UpDownCounter

	// ActiveReceivers tracks the number of open network receivers.
	ActiveReceivers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// captureBuckets defines histogram bucket boundaries (in seconds) around the
// typical 10-20 ms frame cadence and the 1 s poll timeout.
var captureBuckets = []float64{
	0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.Buffers, err = m.Int64Counter("ndisrc.buffers",
		metric.WithDescription("Total buffers produced by source."),
	); err != nil {
		return nil, err
	}
	if met.Bytes, err = m.Int64Counter("ndisrc.bytes",
		metric.WithDescription("Total PCM bytes produced by source."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.EmptyBuffers, err = m.Int64Counter("ndisrc.empty_buffers",
		metric.WithDescription("Total zero-length buffers emitted in place of missing frames."),
	); err != nil {
		return nil, err
	}
	if met.FramesLost, err = m.Int64Counter("ndisrc.frames_lost",
		metric.WithDescription("Total poll attempts without an audio frame by source and reason."),
	); err != nil {
		return nil, err
	}
	if met.FramesStale, err = m.Int64Counter("ndisrc.frames_stale",
		metric.WithDescription("Total audio frames discarded as older than the connection origin."),
	); err != nil {
		return nil, err
	}
	if met.StreamClosed, err = m.Int64Counter("ndisrc.stream_closed",
		metric.WithDescription("Total streams declared closed after the loss budget ran out."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.CaptureDuration, err = m.Float64Histogram("ndisrc.capture.duration",
		metric.WithDescription("Time a create call spent waiting for an audio frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(captureBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSources, err = m.Int64UpDownCounter("ndisrc.active_sources",
		metric.WithDescription("Number of started sources."),
	); err != nil {
		return nil, err
	}
	if met.ActiveReceivers, err = m.Int64UpDownCounter("ndisrc.active_receivers",
		metric.WithDescription("Number of open network receivers."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("ndisrc.http.request.duration",
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

// RecordBuffer records one produced buffer of n bytes for source.
func (m *Metrics) RecordBuffer(ctx context.Context, source string, n int) {
	attrs := metric.WithAttributes(attribute.String("source", source))
	m.Buffers.Add(ctx, 1, attrs)
	m.Bytes.Add(ctx, int64(n), attrs)
}

// RecordEmptyBuffer records one zero-length keepalive buffer for source.
func (m *Metrics) RecordEmptyBuffer(ctx context.Context, source string) {
	m.EmptyBuffers.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordFrameLost records one poll attempt without audio.
func (m *Metrics) RecordFrameLost(ctx context.Context, source, reason string) {
	m.FramesLost.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("reason", reason),
		),
	)
}

// RecordFrameStale records one audio frame discarded as too old.
func (m *Metrics) RecordFrameStale(ctx context.Context, source string) {
	m.FramesStale.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordStreamClosed records an exhausted loss budget for source.
func (m *Metrics) RecordStreamClosed(ctx context.Context, source string) {
	m.StreamClosed.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordCapture records the blocking span of one create call.
func (m *Metrics) RecordCapture(ctx context.Context, source string, d time.Duration) {
	m.CaptureDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("source", source)))
}
