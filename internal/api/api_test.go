package api_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrWong99/sesli/internal/action"
	"github.com/MrWong99/sesli/internal/api"
	"github.com/MrWong99/sesli/internal/auth"
	"github.com/MrWong99/sesli/internal/command"
	"github.com/MrWong99/sesli/internal/pipeline"
	"github.com/MrWong99/sesli/internal/transcribe"
)

var secret = []byte("api-test-secret")

type stubPipeline struct {
	out  pipeline.Outcome
	err  error
	reqs []pipeline.Request
}

func (p *stubPipeline) Handle(_ context.Context, req pipeline.Request) (pipeline.Outcome, error) {
	p.reqs = append(p.reqs, req)
	return p.out, p.err
}

func token(t *testing.T, tenant string) string {
	t.Helper()
	c := jwt.MapClaims{"sub": "user-1", "exp": jwt.NewNumericDate(time.Now().Add(time.Hour))}
	if tenant != "" {
		c["tenant_id"] = tenant
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(secret)
	require.NoError(t, err)
	return s
}

func newServer(t *testing.T, p api.Pipeline, opts ...api.Option) http.Handler {
	t.Helper()
	a, err := auth.New(secret)
	require.NoError(t, err)
	s, err := api.New(p, a, opts...)
	require.NoError(t, err)
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

func post(t *testing.T, h http.Handler, tok, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, api.VoiceCommandsPath, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m), rec.Body.String())
	return m
}

func audioBody() string {
	return `{"audio_base64":"` + base64.StdEncoding.EncodeToString([]byte("RIFFfake")) + `","language":"tr"}`
}

func matchedCommand() *command.Command {
	return &command.Command{
		ID: "cmd-001", CommandText: "bugünkü siparişleri göster",
		ActionType: command.ActionShowDailyOrders, TargetPage: "/orders",
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	a, err := auth.New(secret)
	require.NoError(t, err)
	_, err = api.New(nil, a)
	assert.Error(t, err)
	_, err = api.New(&stubPipeline{}, nil)
	assert.Error(t, err)
}

func TestVoiceCommand_Success(t *testing.T) {
	count := 2
	p := &stubPipeline{out: pipeline.Outcome{
		Status:     command.StatusSuccess,
		Transcript: "bugünkü siparişleri göster",
		Command:    matchedCommand(),
		Confidence: 1,
		Result: &action.Result{
			Action: command.ActionShowDailyOrders, Count: &count,
			Message: "Bugün 2 sipariş alındı.", NavigateTo: "/orders",
		},
		ExecutionTime: 12 * time.Millisecond,
	}}
	h := newServer(t, p)

	rec := post(t, h, token(t, "t1"), audioBody())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "bugünkü siparişleri göster", body["matched_command"])
	assert.Equal(t, "SHOW_DAILY_ORDERS", body["action"])
	assert.EqualValues(t, 1, body["confidence"])
	assert.EqualValues(t, 12, body["execution_time_ms"])
	result := body["result"].(map[string]any)
	assert.EqualValues(t, 2, result["count"])
	assert.Equal(t, "/orders", result["navigateTo"])

	require.Len(t, p.reqs, 1)
	got := p.reqs[0]
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "t1", got.TenantID)
	assert.Equal(t, "tr", got.Language)
	assert.Equal(t, []byte("RIFFfake"), got.Source.Data)
	assert.False(t, got.ReceivedAt.IsZero())
}

func TestVoiceCommand_AudioURL(t *testing.T) {
	p := &stubPipeline{out: pipeline.Outcome{Status: command.StatusRejected}}
	h := newServer(t, p)

	rec := post(t, h, token(t, "t1"), `{"audio_url":"s3://bucket/clip.wav"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, p.reqs, 1)
	assert.Equal(t, "s3://bucket/clip.wav", p.reqs[0].Source.URL)
	assert.Empty(t, p.reqs[0].Source.Data)
	assert.Empty(t, p.reqs[0].Language)
}

func TestVoiceCommand_NoMatch(t *testing.T) {
	p := &stubPipeline{out: pipeline.Outcome{
		Status:      command.StatusRejected,
		Transcript:  "hava nasıl",
		Message:     pipeline.NoMatchMessage,
		Suggestions: []string{"a", "b", "c"},
	}}
	rec := post(t, newServer(t, p), token(t, "t1"), audioBody())
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "hava nasıl", body["transcript"])
	assert.Equal(t, pipeline.NoMatchMessage, body["message"])
	assert.Equal(t, []any{"a", "b", "c"}, body["suggestions"])
	assert.NotContains(t, body, "matched_command")
}

func TestVoiceCommand_NoMatchEmptySuggestions(t *testing.T) {
	p := &stubPipeline{out: pipeline.Outcome{Status: command.StatusRejected, Message: pipeline.NoMatchMessage}}
	rec := post(t, newServer(t, p), token(t, "t1"), audioBody())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{}, decode(t, rec)["suggestions"])
}

func TestVoiceCommand_InvalidBodies(t *testing.T) {
	h := newServer(t, &stubPipeline{})
	audio := base64.StdEncoding.EncodeToString([]byte("x"))

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"empty object", `{}`},
		{"both sources", `{"audio_base64":"` + audio + `","audio_url":"https://a/b.wav"}`},
		{"bad base64", `{"audio_base64":"***"}`},
		{"unsupported scheme", `{"audio_url":"ftp://host/clip.wav"}`},
		{"unknown field", `{"audio_base64":"` + audio + `","speaker":"me"}`},
		{"bad language", `{"audio_base64":"` + audio + `","language":"Turkish!"}`},
		{"wrong type", `{"audio_base64":42}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, h, token(t, "t1"), tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			body := decode(t, rec)
			assert.Equal(t, "invalid_request", body["error"])
			assert.NotEmpty(t, body["details"])
		})
	}
}

func TestVoiceCommand_BodyTooLarge(t *testing.T) {
	h := newServer(t, &stubPipeline{}, api.WithMaxBodyBytes(16))
	rec := post(t, h, token(t, "t1"), audioBody())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVoiceCommand_Unauthenticated(t *testing.T) {
	p := &stubPipeline{}
	rec := post(t, newServer(t, p), "", audioBody())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
	assert.Equal(t, "unauthorized", decode(t, rec)["error"])
	assert.Empty(t, p.reqs)
}

func TestVoiceCommand_TenantNotFound(t *testing.T) {
	p := &stubPipeline{}
	rec := post(t, newServer(t, p), token(t, ""), audioBody())
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "tenant_not_found", decode(t, rec)["error"])
	assert.Empty(t, p.reqs)
}

func TestVoiceCommand_PipelineErrors(t *testing.T) {
	internal := errors.New("dial tcp 10.0.0.3:5432: connection refused")
	tests := []struct {
		name    string
		err     error
		status  int
		code    string
		matched string
	}{
		{"transcription", &pipeline.TranscriptionError{Err: internal}, http.StatusBadGateway, "transcription_failed", ""},
		{"audio url not allowed", &pipeline.TranscriptionError{Err: fmt.Errorf("%w: host %q", transcribe.ErrAudioURLNotAllowed, "10.0.0.3")},
			http.StatusBadRequest, "invalid_request", ""},
		{"registry", &pipeline.RegistryError{Err: internal}, http.StatusInternalServerError, "registry_unavailable", ""},
		{"execution", &pipeline.ExecutionError{Command: matchedCommand(), Err: internal},
			http.StatusInternalServerError, "execution_failed", "bugünkü siparişleri göster"},
		{"unknown", internal, http.StatusInternalServerError, "internal_error", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(t, newServer(t, &stubPipeline{err: tt.err}), token(t, "t1"), audioBody())
			assert.Equal(t, tt.status, rec.Code)
			assert.NotContains(t, rec.Body.String(), "10.0.0.3")

			body := decode(t, rec)
			assert.Equal(t, tt.code, body["error"])
			if tt.matched != "" {
				assert.Equal(t, tt.matched, body["matched_command"])
			} else {
				assert.NotContains(t, body, "matched_command")
			}
		})
	}
}

func TestVoiceCommand_RateLimited(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	rl := api.NewRateLimiter(1, 2, api.WithLimiterClock(func() time.Time { return now }))
	p := &stubPipeline{out: pipeline.Outcome{Status: command.StatusRejected}}
	h := newServer(t, p, api.WithRateLimiter(rl))

	for i := 0; i < 2; i++ {
		rec := post(t, h, token(t, "t1"), audioBody())
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := post(t, h, token(t, "t1"), audioBody())
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decode(t, rec)["error"])

	// Another tenant has its own bucket.
	rec = post(t, h, token(t, "t2"), audioBody())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, p.reqs, 3)
}

func TestVoiceCommand_MethodNotAllowed(t *testing.T) {
	h := newServer(t, &stubPipeline{})
	req := httptest.NewRequest(http.MethodGet, api.VoiceCommandsPath, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
