package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWhere returns the value of the data point of the int64 sum name whose
// attribute key equals value.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	t.Fatalf("metric %q has no data point with %s=%s", name, key, value)
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordBuffer(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordBuffer(ctx, "studio-a", 1920)
	m.RecordBuffer(ctx, "studio-a", 1920)
	m.RecordBuffer(ctx, "studio-b", 960)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "ndisrc.buffers", "source", "studio-a"); got != 2 {
		t.Errorf("buffers = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "ndisrc.bytes", "source", "studio-a"); got != 3840 {
		t.Errorf("bytes = %d, want 3840", got)
	}
	if got := sumWhere(t, rm, "ndisrc.bytes", "source", "studio-b"); got != 960 {
		t.Errorf("bytes = %d, want 960", got)
	}
}

func TestRecordFrameLost_ByReason(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFrameLost(ctx, "s", LossNone)
	m.RecordFrameLost(ctx, "s", LossNone)
	m.RecordFrameLost(ctx, "s", LossError)

	rm := collect(t, reader)
	if got := sumWhere(t, rm, "ndisrc.frames_lost", "reason", LossNone); got != 2 {
		t.Errorf("none = %d, want 2", got)
	}
	if got := sumWhere(t, rm, "ndisrc.frames_lost", "reason", LossError); got != 1 {
		t.Errorf("error = %d, want 1", got)
	}
}

func TestSingleCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordEmptyBuffer(ctx, "s")
	m.RecordFrameStale(ctx, "s")
	m.RecordStreamClosed(ctx, "s")

	rm := collect(t, reader)
	for _, name := range []string{"ndisrc.empty_buffers", "ndisrc.frames_stale", "ndisrc.stream_closed"} {
		t.Run(name, func(t *testing.T) {
			if got := sumWhere(t, rm, name, "source", "s"); got != 1 {
				t.Errorf("%s = %d, want 1", name, got)
			}
		})
	}
}

func TestRecordCapture(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCapture(ctx, "s", 10*time.Millisecond)
	m.RecordCapture(ctx, "s", time.Second)

	rm := collect(t, reader)
	met := findMetric(rm, "ndisrc.capture.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 2 {
		t.Errorf("sample count = %d, want 2", got)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	// UpDownCounters are additive, so we simulate Set(n) as Add(n).
	m.ActiveSources.Add(ctx, 1)
	m.ActiveSources.Add(ctx, 1)
	m.ActiveReceivers.Add(ctx, 3)
	m.ActiveReceivers.Add(ctx, -1)

	rm := collect(t, reader)

	gauges := []struct {
		name string
		want int64
	}{
		{"ndisrc.active_sources", 2},
		{"ndisrc.active_receivers", 2},
	}

	for _, tc := range gauges {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", tc.name)
			}
			if len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.want {
				t.Errorf("gauge value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "ndisrc.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
