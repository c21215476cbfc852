package observe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName is reported as service.name. Default: "sesli".
	ServiceName string

	ServiceVersion string

	// SampleRatio is the fraction of root traces that are sampled. Spans
	// with a sampled remote parent are always kept. Values outside (0, 1]
	// sample everything.
	SampleRatio float64

	// TraceExporter receives finished spans. When nil and OTLPEndpoint is
	// set, an OTLP/gRPC exporter is created; otherwise spans are recorded
	// without being exported.
	TraceExporter sdktrace.SpanExporter

	// OTLPEndpoint is the host:port of an OTLP/gRPC collector.
	OTLPEndpoint string

	// OTLPInsecure disables TLS towards OTLPEndpoint.
	OTLPInsecure bool

	// Registry receives the Prometheus collectors. Nil creates a fresh
	// registry with the Go runtime and process collectors.
	Registry *prometheus.Registry
}

// Telemetry owns the SDK providers created by [InitProvider].
type Telemetry struct {
	MeterProvider  *sdkmetric.MeterProvider
	TracerProvider *sdktrace.TracerProvider

	// Metrics is bound to MeterProvider.
	Metrics *Metrics

	registry *prometheus.Registry
}

// Handler serves the Prometheus exposition of every metric recorded through
// t.MeterProvider.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{Registry: t.registry})
}

// Shutdown flushes pending spans and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.TracerProvider.Shutdown(ctx),
		t.MeterProvider.Shutdown(ctx),
	)
}

// InitProvider builds a meter provider backed by a Prometheus exporter and a
// tracer provider with a parent-based ratio sampler, and installs both as
// the OTel globals together with the W3C trace context propagator.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "sesli"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	exp, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exp),
	)

	sampler := sdktrace.AlwaysSample()
	if r := cfg.SampleRatio; r > 0 && r < 1 {
		sampler = sdktrace.TraceIDRatioBased(r)
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	}
	exporter := cfg.TraceExporter
	if exporter == nil && cfg.OTLPEndpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		// The gRPC connection is established lazily, so an unreachable
		// collector does not block startup.
		exporter, err = otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("observe: otlp trace exporter: %w", err), mp.Shutdown(ctx))
		}
	}
	if exporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	m, err := NewMetrics(mp)
	if err != nil {
		return nil, errors.Join(err, tp.Shutdown(ctx), mp.Shutdown(ctx))
	}

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Telemetry{
		MeterProvider:  mp,
		TracerProvider: tp,
		Metrics:        m,
		registry:       reg,
	}, nil
}
