package observe

import (
	"context"
	"testing"

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

// sumByAttr returns the value of the Sum data point whose attribute key has
// the given value, or -1 when absent.
func sumByAttr(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
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
	return -1
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"sesli.transcription.duration", m.TranscriptionDuration},
		{"sesli.execution.duration", m.ExecutionDuration},
		{"sesli.match.confidence", m.MatchConfidence},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.823)
		tc.h.Record(ctx, 0.956)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestProviderRequestsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "openai", "stt", "ok")
	m.RecordProviderRequest(ctx, "openai", "stt", "ok")
	m.RecordProviderRequest(ctx, "openai", "stt", "error")

	rm := collect(t, reader)
	if got := sumByAttr(t, rm, "sesli.provider.requests", "status", "ok"); got != 2 {
		t.Errorf("status=ok count = %d, want 2", got)
	}
	if got := sumByAttr(t, rm, "sesli.provider.requests", "status", "error"); got != 1 {
		t.Errorf("status=error count = %d, want 1", got)
	}
}

func TestProviderErrorsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordProviderError(context.Background(), "whisper", "stt")

	rm := collect(t, reader)
	if got := sumByAttr(t, rm, "sesli.provider.errors", "provider", "whisper"); got != 1 {
		t.Errorf("counter value = %d, want 1", got)
	}
}

func TestInvocationsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordInvocation(ctx, "success")
	m.RecordInvocation(ctx, "rejected")
	m.RecordInvocation(ctx, "rejected")

	rm := collect(t, reader)
	if got := sumByAttr(t, rm, "sesli.invocations", "status", "rejected"); got != 2 {
		t.Errorf("rejected = %d, want 2", got)
	}
	if got := sumByAttr(t, rm, "sesli.invocations", "status", "success"); got != 1 {
		t.Errorf("success = %d, want 1", got)
	}
}

func TestPersistenceErrorsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordPersistenceError(context.Background(), "update_stats")

	rm := collect(t, reader)
	if got := sumByAttr(t, rm, "sesli.persistence.errors", "op", "update_stats"); got != 1 {
		t.Errorf("update_stats = %d, want 1", got)
	}
}

func TestCircuitTransitionsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordCircuitTransition("openai", "open")

	rm := collect(t, reader)
	if got := sumByAttr(t, rm, "sesli.provider.circuit.transitions", "state", "open"); got != 1 {
		t.Errorf("state=open = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}

func TestAttr(t *testing.T) {
	kv := Attr("status", "ok")
	if string(kv.Key) != "status" || kv.Value.AsString() != "ok" {
		t.Errorf("Attr = %v, want status=ok", kv)
	}
}
