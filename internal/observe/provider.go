package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// serviceName is reported as service.name on every metric and span.
const serviceName = "murmur"

// TelemetryConfig configures [Setup].
type TelemetryConfig struct {
	// Version is reported as service.version.
	Version string

	// Registerer receives the Prometheus bridge collector. Nil means
	// [prometheus.DefaultRegisterer].
	Registerer prometheus.Registerer

	// SpanExporter receives finished spans in batches. Nil keeps spans
	// in-process, which still gives log lines their trace_id.
	SpanExporter sdktrace.SpanExporter

	// SampleRatio is the share of new traces that are sampled. Zero samples
	// every trace; child spans follow their parent either way.
	SampleRatio float64
}

// Telemetry owns the meter and tracer providers of a murmur process.
type Telemetry struct {
	// Metrics is bound to the Prometheus-backed meter provider.
	Metrics *Metrics

	meters *sdkmetric.MeterProvider
	tracer *sdktrace.TracerProvider
}

// Setup installs murmur's meter and tracer providers and the W3C trace
// context propagator as the OTel globals.
func Setup(cfg TelemetryConfig) (*Telemetry, error) {
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(cfg.Version),
	))
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}

	var bridge []promexporter.Option
	if cfg.Registerer != nil {
		bridge = append(bridge, promexporter.WithRegisterer(cfg.Registerer))
	}
	reader, err := promexporter.New(bridge...)
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus bridge: %w", err)
	}
	meters := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))

	m, err := NewMetrics(meters)
	if err != nil {
		_ = meters.Shutdown(context.Background())
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	}
	if cfg.SpanExporter != nil {
		opts = append(opts, sdktrace.WithBatcher(cfg.SpanExporter))
	}
	tracer := sdktrace.NewTracerProvider(opts...)

	otel.SetMeterProvider(meters)
	otel.SetTracerProvider(tracer)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Telemetry{Metrics: m, meters: meters, tracer: tracer}, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// Shutdown flushes pending spans and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.tracer.Shutdown(ctx), t.meters.Shutdown(ctx))
}
