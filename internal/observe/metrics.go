// Package observe provides application-wide observability primitives for
// sesli: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] and served from the
// configured metrics path. A package-level default
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

// meterName is the instrumentation scope name used for all sesli metrics.
const meterName = "github.com/MrWong99/sesli"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TranscriptionDuration tracks the time from request start until the
	// transcript is available, including audio fetch and provider failover.
	TranscriptionDuration metric.Float64Histogram

	// ExecutionDuration tracks action handler latency. Use with attribute:
	//   attribute.String("action", ...)
	ExecutionDuration metric.Float64Histogram

	// MatchConfidence records the winning similarity score of every accepted
	// match.
	MatchConfidence metric.Float64Histogram

	// --- Counters ---

	// Invocations counts logged invocations. Use with attribute:
	//   attribute.String("status", "success"|"failed"|"rejected")
	Invocations metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// CircuitTransitions counts circuit breaker state changes. Use with
	// attributes: attribute.String("provider", ...), attribute.String("state", ...)
	CircuitTransitions metric.Int64Counter

	// RateLimited counts requests rejected by the per-tenant rate limiter.
	RateLimited metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// PersistenceErrors counts best-effort writes that did not land. Use
	// with attribute: attribute.String("op", "append_log"|"update_stats")
	PersistenceErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// request-scoped latencies. Cloud transcription dominates the upper end.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// confidenceBuckets covers the [0, 1] similarity range with extra resolution
// around typical acceptance thresholds.
var confidenceBuckets = []float64{
	0.5, 0.6, 0.7, 0.75, 0.8, 0.85, 0.9, 0.95, 0.99, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscriptionDuration, err = m.Float64Histogram("sesli.transcription.duration",
		metric.WithDescription("Latency from request start until the transcript is available."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ExecutionDuration, err = m.Float64Histogram("sesli.execution.duration",
		metric.WithDescription("Latency of action handler execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MatchConfidence, err = m.Float64Histogram("sesli.match.confidence",
		metric.WithDescription("Similarity score of accepted command matches."),
		metric.WithExplicitBucketBoundaries(confidenceBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Invocations, err = m.Int64Counter("sesli.invocations",
		metric.WithDescription("Total voice command invocations by outcome status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("sesli.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.CircuitTransitions, err = m.Int64Counter("sesli.provider.circuit.transitions",
		metric.WithDescription("Total circuit breaker state changes by provider and new state."),
	); err != nil {
		return nil, err
	}
	if met.RateLimited, err = m.Int64Counter("sesli.http.rate_limited",
		metric.WithDescription("Total requests rejected by the per-tenant rate limiter."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("sesli.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.PersistenceErrors, err = m.Int64Counter("sesli.persistence.errors",
		metric.WithDescription("Total best-effort persistence failures by operation."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("sesli.http.request.duration",
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

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordInvocation counts one logged invocation.
func (m *Metrics) RecordInvocation(ctx context.Context, status string) {
	m.Invocations.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordPersistenceError counts one failed best-effort write.
func (m *Metrics) RecordPersistenceError(ctx context.Context, op string) {
	m.PersistenceErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordCircuitTransition counts one breaker state change. Intended as the
// CircuitBreakerConfig.OnStateChange hook.
func (m *Metrics) RecordCircuitTransition(provider, state string) {
	m.CircuitTransitions.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("state", state),
		),
	)
}
