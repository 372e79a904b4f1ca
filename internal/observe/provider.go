package observe

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// Resource attribute keys describing what an ndisrc process captures. They
// appear as labels of the Prometheus target_info series.
const (
	AttrReceiverType = attribute.Key("ndisrc.receiver.type")
	AttrSourceCount  = attribute.Key("ndisrc.source.count")
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName is the service name reported in telemetry. Default: "ndisrc".
	ServiceName string

	// ServiceVersion is the service version reported in telemetry.
	ServiceVersion string

	// InstanceID identifies this process. Default: a random UUID, so that two
	// ndisrc processes scraped by one Prometheus stay apart.
	InstanceID string

	// ReceiverType and SourceCount describe the configured capture setup.
	ReceiverType string
	SourceCount  int

	// Registerer receives the exporter's collector. Default:
	// [prometheus.DefaultRegisterer], which promhttp.Handler serves.
	Registerer prometheus.Registerer

	// TraceExporter is an optional span exporter. When nil, spans are
	// recorded but not exported.
	TraceExporter sdktrace.SpanExporter
}

func (c *ProviderConfig) withDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "ndisrc"
	}
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	if c.Registerer == nil {
		c.Registerer = prometheus.DefaultRegisterer
	}
}

// newResource describes the process: service identity plus the capture
// setup attributes.
func newResource(cfg ProviderConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.ServiceInstanceID(cfg.InstanceID),
		AttrSourceCount.Int(cfg.SourceCount),
	}
	if cfg.ReceiverType != "" {
		attrs = append(attrs, AttrReceiverType.String(cfg.ReceiverType))
	}
	return resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
}

// InitProvider registers a meter provider backed by the Prometheus exporter
// and a tracer provider as the global OTel providers. The returned function
// flushes and closes both.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	cfg.withDefaults()

	res, err := newResource(cfg)
	if err != nil {
		return nil, err
	}

	promExp, err := promexporter.New(promexporter.WithRegisterer(cfg.Registerer))
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx), tp.Shutdown(ctx))
	}, nil
}
