package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// installTracer routes the global tracer to an in-memory exporter for the
// duration of the test.
func installTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without span = %q, want empty", got)
	}

	installTracer(t)
	seen := map[string]bool{}
	for range 50 {
		ctx, span := StartSpan(context.Background(), "pipeline.handle")
		cid := CorrelationID(ctx)
		span.End()
		if len(cid) != 32 || strings.Trim(cid, "0123456789abcdef") != "" {
			t.Fatalf("CorrelationID = %q, want 32 lowercase hex chars", cid)
		}
		if seen[cid] {
			t.Fatalf("duplicate correlation id %s", cid)
		}
		seen[cid] = true
	}
}

func TestStartSpan_NestsUnderParent(t *testing.T) {
	exp := installTracer(t)

	ctx, parent := StartSpan(context.Background(), "pipeline.handle")
	_, child := StartSpan(ctx, "pipeline.transcribe")
	child.End()
	parent.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Name != "pipeline.transcribe" || spans[1].Name != "pipeline.handle" {
		t.Errorf("span names = %q, %q", spans[0].Name, spans[1].Name)
	}
	if spans[0].Parent.SpanID() != spans[1].SpanContext.SpanID() {
		t.Error("transcribe span is not a child of handle span")
	}
	if spans[0].InstrumentationScope.Name != tracerName {
		t.Errorf("scope = %q, want %q", spans[0].InstrumentationScope.Name, tracerName)
	}
}

func TestLogger(t *testing.T) {
	buf := captureLogs(t)
	Logger(context.Background()).Info("no span")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log without span carries trace_id: %s", buf.String())
	}

	installTracer(t)
	buf.Reset()
	ctx, span := StartSpan(context.Background(), "pipeline.match")
	defer span.End()
	Logger(ctx).Info("matched", "confidence", 0.91)

	out := buf.String()
	if !strings.Contains(out, "trace_id="+CorrelationID(ctx)) || !strings.Contains(out, "span_id=") {
		t.Errorf("log output missing trace attributes: %s", out)
	}
}

func TestEndSpan_RecordsError(t *testing.T) {
	exp := installTracer(t)

	_, ok := StartSpan(context.Background(), "pipeline.execute")
	EndSpan(ok, nil)
	_, failed := StartSpan(context.Background(), "pipeline.transcribe")
	EndSpan(failed, errors.New("all providers unavailable"))

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Status.Code == codes.Error {
		t.Error("successful stage marked as error")
	}
	if spans[1].Status.Code != codes.Error || spans[1].Status.Description != "all providers unavailable" {
		t.Errorf("failed stage status = %+v", spans[1].Status)
	}
	if len(spans[1].Events) == 0 {
		t.Error("failed stage has no recorded error event")
	}
}
