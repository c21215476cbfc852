package app_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/sesli/internal/app"
	"github.com/MrWong99/sesli/internal/command"
	"github.com/MrWong99/sesli/internal/config"
	"github.com/MrWong99/sesli/internal/observe"
	"github.com/MrWong99/sesli/internal/resilience"
	"github.com/MrWong99/sesli/internal/store/memstore"
	"github.com/MrWong99/sesli/pkg/provider/stt"
	"github.com/MrWong99/sesli/pkg/provider/stt/mock"
)

const testSecret = "0123456789abcdef0123456789abcdef"

const seedYAML = `
commands:
  - id: cmd-stock
    command_text: stok durumunu göster
    variations: [düşük stoklu ürünler]
    action_type: SHOW_LOW_STOCK
    target_page: /products
    min_confidence: 0.8
    is_active: true
  - id: cmd-tickets
    command_text: açık talepleri göster
    action_type: SHOW_OPEN_TICKETS
    target_page: /support
    min_confidence: 0.8
    is_active: true
`

const fixtureYAML = `
profiles:
  - {user_id: u-1, tenant_id: t1}
products:
  - {id: p1, tenant_id: t1, name: Kalem, sku: K-1, stock_quantity: 2, price: 10, is_active: true}
  - {id: p2, tenant_id: t1, name: Defter, sku: D-1, stock_quantity: 50, price: 25, is_active: true}
  - {id: p3, tenant_id: t2, name: Silgi, sku: S-1, stock_quantity: 1, price: 5, is_active: true}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Auth.HMACSecret = testSecret
	cfg.Store.SeedFile = writeFile(t, dir, "commands.yaml", seedYAML)
	cfg.Store.FixtureFile = writeFile(t, dir, "fixture.yaml", fixtureYAML)
	cfg.Transcription.Providers = []config.ProviderEntry{{Name: "mock"}}
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
	return cfg
}

func providers(tr stt.Transcriber) *resilience.FallbackGroup[stt.Transcriber] {
	g := resilience.NewFallbackGroup[stt.Transcriber](resilience.FallbackConfig{})
	g.Add("mock", tr)
	return g
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader())))
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	return m
}

func bearer(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	claims["exp"] = jwt.NewNumericDate(time.Now().Add(time.Hour))
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return "Bearer " + s
}

func voiceRequest(t *testing.T, h http.Handler, authz string) *httptest.ResponseRecorder {
	t.Helper()
	body := `{"audio_base64":"` + base64.StdEncoding.EncodeToString([]byte("pcm")) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/voice-commands", strings.NewReader(body))
	req.Header.Set("Authorization", authz)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestApp_EndToEnd(t *testing.T) {
	st := memstore.New()
	tr := &mock.Transcriber{Text: "Stok durumunu göster"}
	a, err := app.New(context.Background(), testConfig(t), providers(tr),
		app.WithStore(st),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	// No tenant claim: resolved through the fixture's profiles.
	rec := voiceRequest(t, a.Handler(), bearer(t, jwt.MapClaims{"sub": "u-1"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Success        bool   `json:"success"`
		MatchedCommand string `json:"matched_command"`
		Action         string `json:"action"`
		Result         struct {
			Count *int `json:"count"`
		} `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Success || body.Action != "SHOW_LOW_STOCK" {
		t.Errorf("got %+v, want success SHOW_LOW_STOCK", body)
	}
	if body.Result.Count == nil || *body.Result.Count != 1 {
		t.Errorf("low stock count = %v, want 1", body.Result.Count)
	}

	logs := st.Logs()
	if len(logs) != 1 {
		t.Fatalf("logs = %d, want 1", len(logs))
	}
	if logs[0].Status != command.StatusSuccess || logs[0].TenantID != "t1" || logs[0].RecognitionProvider != "mock" {
		t.Errorf("log = %+v", logs[0])
	}
	cmd, err := st.Command(context.Background(), "cmd-stock")
	if err != nil {
		t.Fatalf("Command: %v", err)
	}
	if cmd.TotalUses != 1 || cmd.SuccessCount != 1 {
		t.Errorf("stats = %d/%d, want 1/1", cmd.TotalUses, cmd.SuccessCount)
	}
	if got := tr.CallCount(); got != 1 {
		t.Errorf("transcriber calls = %d, want 1", got)
	}
}

func TestApp_UnknownUserIsNotFound(t *testing.T) {
	a, err := app.New(context.Background(), testConfig(t), providers(&mock.Transcriber{Text: "x"}),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	rec := voiceRequest(t, a.Handler(), bearer(t, jwt.MapClaims{"sub": "stranger"}))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestApp_TranscriptionOutageIs502(t *testing.T) {
	tr := &mock.Transcriber{Err: errors.New("upstream 503")}
	a, err := app.New(context.Background(), testConfig(t), providers(tr), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	rec := voiceRequest(t, a.Handler(), bearer(t, jwt.MapClaims{"sub": "u-9", "tenant_id": "t1"}))
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "upstream 503") {
		t.Errorf("internal error leaked: %s", rec.Body.String())
	}
}

func TestApp_HealthAndMetricsRoutes(t *testing.T) {
	metricsHit := false
	a, err := app.New(context.Background(), testConfig(t), providers(&mock.Transcriber{}),
		app.WithMetrics(testMetrics(t)),
		app.WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			metricsHit = true
			w.WriteHeader(http.StatusOK)
		})),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: status = %d, body %s", path, rec.Code, rec.Body.String())
		}
	}
	if !metricsHit {
		t.Error("metrics handler was not called")
	}
}

func TestApp_SQLiteStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = config.StoreSQLite
	cfg.Store.DSN = filepath.Join(t.TempDir(), "sesli.db")

	a, err := app.New(context.Background(), cfg, providers(&mock.Transcriber{Text: "açık talepleri göster"}),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	rec := voiceRequest(t, a.Handler(), bearer(t, jwt.MapClaims{"sub": "u-1"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"action":"SHOW_OPEN_TICKETS"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestApp_BadSeedFileFailsNew(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.SeedFile = writeFile(t, t.TempDir(), "bad.yaml", "commands:\n  - id: x\n    action_type: NAVIGATE\n    min_confidence: 2\n")
	if _, err := app.New(context.Background(), cfg, providers(&mock.Transcriber{}), app.WithMetrics(testMetrics(t))); err == nil {
		t.Fatal("expected error for invalid seed file")
	}
}

func TestApp_ServeStopsOnCancel(t *testing.T) {
	a, err := app.New(context.Background(), testConfig(t), providers(&mock.Transcriber{}), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer a.Shutdown(context.Background())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestApp_ShutdownIsIdempotent(t *testing.T) {
	a, err := app.New(context.Background(), testConfig(t), providers(&mock.Transcriber{}), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
