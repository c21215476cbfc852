package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type middlewareHarness struct {
	handler http.Handler
	reader  *sdkmetric.ManualReader
	spans   *tracetest.InMemoryExporter
}

// newHarness wraps a mux resembling the server's routes in the middleware
// with in-memory metric and span sinks.
func newHarness(t *testing.T) *middlewareHarness {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/voice-commands", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return &middlewareHarness{handler: Middleware(m)(mux), reader: reader, spans: exp}
}

func (h *middlewareHarness) do(method, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *middlewareHarness) durationPoints(t *testing.T) []metricdata.HistogramDataPoint[float64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "sesli.http.request.duration")
	if met == nil {
		t.Fatal("sesli.http.request.duration not recorded")
	}
	return met.Data.(metricdata.Histogram[float64]).DataPoints
}

func TestMiddleware_RouteAndStatusLabels(t *testing.T) {
	h := newHarness(t)
	h.do(http.MethodPost, "/v1/voice-commands", nil)

	points := h.durationPoints(t)
	if len(points) != 1 {
		t.Fatalf("data points = %d, want 1", len(points))
	}
	attrs := points[0].Attributes
	if v, _ := attrs.Value("path"); v.AsString() != "POST /v1/voice-commands" {
		t.Errorf("path = %q, want the mux pattern", v.AsString())
	}
	if v, _ := attrs.Value("status"); v.AsInt64() != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", v.AsInt64())
	}

	spans := h.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	got := map[string]string{}
	for _, a := range spans[0].Attributes {
		got[string(a.Key)] = a.Value.Emit()
	}
	if got["http.route"] != "POST /v1/voice-commands" || got["http.response.status_code"] != "429" {
		t.Errorf("span attributes = %v", got)
	}
}

func TestMiddleware_UnmatchedPathsShareLabel(t *testing.T) {
	h := newHarness(t)
	for _, p := range []string{"/a", "/v1/other", "/admin?x=1"} {
		h.do(http.MethodGet, p, nil)
	}

	points := h.durationPoints(t)
	if len(points) != 1 {
		t.Fatalf("data points = %d, want 1", len(points))
	}
	if v, _ := points[0].Attributes.Value("path"); v.AsString() != "unmatched" {
		t.Errorf("path = %q, want unmatched", v.AsString())
	}
	if points[0].Count != 3 {
		t.Errorf("count = %d, want 3", points[0].Count)
	}
}

func TestMiddleware_CorrelationID(t *testing.T) {
	const parent = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"

	tests := []struct {
		name   string
		header http.Header
		want   string
	}{
		{name: "new trace"},
		{name: "continued trace", header: http.Header{"Traceparent": {parent}}, want: "4bf92f3577b34da6a3ce929d0e0e4736"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			rec := h.do(http.MethodGet, "/healthz", tt.header)

			cid := rec.Header().Get(CorrelationHeader)
			if len(cid) != 32 {
				t.Fatalf("%s = %q, want a 32 char trace id", CorrelationHeader, cid)
			}
			if tt.want != "" && cid != tt.want {
				t.Errorf("%s = %q, want %q", CorrelationHeader, cid, tt.want)
			}
			if tp := rec.Header().Get("Traceparent"); !strings.Contains(tp, cid) {
				t.Errorf("traceparent %q does not carry %s", tp, cid)
			}
		})
	}
}

func TestMiddleware_ProbesLogAtDebug(t *testing.T) {
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(orig) })

	h := newHarness(t)
	h.do(http.MethodGet, "/healthz", nil)
	if buf.Len() != 0 {
		t.Errorf("probe logged at info: %s", buf.String())
	}

	h.do(http.MethodPost, "/v1/voice-commands", nil)
	out := buf.String()
	if !strings.Contains(out, "request completed") || !strings.Contains(out, "status=429") {
		t.Errorf("api request log = %q", out)
	}
}
