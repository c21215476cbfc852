package transcribe_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/sesli/internal/observe"
	"github.com/MrWong99/sesli/internal/resilience"
	"github.com/MrWong99/sesli/internal/transcribe"
	"github.com/MrWong99/sesli/pkg/provider/stt"
	"github.com/MrWong99/sesli/pkg/provider/stt/mock"
)

func testMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func group(providers map[string]stt.Transcriber, order ...string) *resilience.FallbackGroup[stt.Transcriber] {
	g := resilience.NewFallbackGroup[stt.Transcriber](resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: time.Hour},
	})
	for _, name := range order {
		g.Add(name, providers[name])
	}
	return g
}

func TestNew_RequiresProvider(t *testing.T) {
	if _, err := transcribe.New(nil); err == nil {
		t.Error("expected error for nil group")
	}
	if _, err := transcribe.New(group(nil)); err == nil {
		t.Error("expected error for empty group")
	}
}

func TestTranscribe_InlineAudio(t *testing.T) {
	primary := &mock.Transcriber{Text: "  bugünkü siparişleri göster "}
	m, _ := testMetrics(t)
	a, err := transcribe.New(group(map[string]stt.Transcriber{"openai": primary}, "openai"),
		transcribe.WithMetrics(m), transcribe.WithDefaultLanguage("tr"))
	if err != nil {
		t.Fatal(err)
	}

	res, err := a.Transcribe(context.Background(), transcribe.Source{Data: []byte("clip"), ContentType: "audio/webm"}, "")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "bugünkü siparişleri göster" || res.Provider != "openai" {
		t.Errorf("got %+v", res)
	}
	call := primary.TranscribeCalls[0]
	if call.Language != "tr" {
		t.Errorf("language = %q, want default tr", call.Language)
	}
	if string(call.Audio.Data) != "clip" || call.Audio.ContentType != "audio/webm" {
		t.Errorf("audio = %+v", call.Audio)
	}
}

func TestTranscribe_FailoverReportsProvider(t *testing.T) {
	primary := &mock.Transcriber{Err: errors.New("503 from upstream")}
	secondary := &mock.Transcriber{Text: "açık destek talepleri"}
	m, reader := testMetrics(t)
	a, _ := transcribe.New(group(map[string]stt.Transcriber{"openai": primary, "whisper": secondary}, "openai", "whisper"),
		transcribe.WithMetrics(m))

	res, err := a.Transcribe(context.Background(), transcribe.Source{Data: []byte("clip")}, "tr")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Provider != "whisper" {
		t.Errorf("provider = %q, want whisper", res.Provider)
	}
	if primary.CallCount() != 1 || secondary.CallCount() != 1 {
		t.Errorf("calls = %d/%d, want 1/1", primary.CallCount(), secondary.CallCount())
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	var errorsSeen int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "sesli.provider.errors" {
				continue
			}
			for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
				errorsSeen += dp.Value
			}
		}
	}
	if errorsSeen != 1 {
		t.Errorf("provider errors = %d, want 1", errorsSeen)
	}
}

func TestTranscribe_AllProvidersFail(t *testing.T) {
	boom := errors.New("boom")
	a, _ := transcribe.New(group(map[string]stt.Transcriber{
		"a": &mock.Transcriber{Err: boom},
		"b": &mock.Transcriber{Err: boom},
	}, "a", "b"))

	_, err := a.Transcribe(context.Background(), transcribe.Source{Data: []byte("clip")}, "")
	if !errors.Is(err, resilience.ErrAllFailed) || !errors.Is(err, boom) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping boom", err)
	}
}

func TestTranscribe_EmptyTranscriptIsNotAnError(t *testing.T) {
	a, _ := transcribe.New(group(map[string]stt.Transcriber{"a": &mock.Transcriber{Text: ""}}, "a"))
	res, err := a.Transcribe(context.Background(), transcribe.Source{Data: []byte("silence")}, "")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "" || res.Provider != "a" {
		t.Errorf("got %+v", res)
	}
}

func TestTranscribe_InvalidSources(t *testing.T) {
	tr := &mock.Transcriber{Text: "x"}
	a, _ := transcribe.New(group(map[string]stt.Transcriber{"a": tr}, "a"))

	if _, err := a.Transcribe(context.Background(), transcribe.Source{}, ""); !errors.Is(err, transcribe.ErrNoAudio) {
		t.Errorf("empty source: err = %v, want ErrNoAudio", err)
	}
	if _, err := a.Transcribe(context.Background(), transcribe.Source{Data: []byte{1}, URL: "https://x/a.wav"}, ""); err == nil {
		t.Error("expected error when both data and url are set")
	}
	if _, err := a.Transcribe(context.Background(), transcribe.Source{URL: "https://x/a.wav"}, ""); err == nil {
		t.Error("expected error for url source without a fetcher")
	}
	if tr.CallCount() != 0 {
		t.Errorf("provider called %d times for invalid sources", tr.CallCount())
	}
}

func TestTranscribe_URLSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "audio/ogg; codecs=opus")
		_, _ = w.Write([]byte("ogg-bytes"))
	}))
	defer srv.Close()

	tr := &mock.Transcriber{Text: "stoku azalan ürünler"}
	a, _ := transcribe.New(group(map[string]stt.Transcriber{"a": tr}, "a"),
		transcribe.WithFetcher(transcribe.NewFetcher(transcribe.WithAllowedHosts("127.0.0.1"))))

	res, err := a.Transcribe(context.Background(), transcribe.Source{URL: srv.URL + "/clip", Tenant: "t1"}, "tr")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "stoku azalan ürünler" {
		t.Errorf("text = %q", res.Text)
	}
	got := tr.TranscribeCalls[0].Audio
	if string(got.Data) != "ogg-bytes" || got.ContentType != "audio/ogg" {
		t.Errorf("audio = {%q %q}, want ogg-bytes audio/ogg", got.Data, got.ContentType)
	}
}

func TestTranscribe_CancelledContext(t *testing.T) {
	tr := &mock.Transcriber{TranscribeFunc: func(ctx context.Context, _ stt.Audio, _ string) (string, error) {
		return "", ctx.Err()
	}}
	second := &mock.Transcriber{Text: "never"}
	a, _ := transcribe.New(group(map[string]stt.Transcriber{"a": tr, "b": second}, "a", "b"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.Transcribe(ctx, transcribe.Source{Data: []byte{1}}, ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if second.CallCount() != 0 {
		t.Error("failover continued after cancellation")
	}
}
