// Package api exposes the voice command pipeline over HTTP.
//
// A single route, POST /v1/voice-commands, accepts inline base64 audio or an
// audio URL, authenticates the caller, applies the tenant's rate limit and
// runs the pipeline. Pipeline errors are mapped to status codes here; the
// response never carries raw internal error text.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MrWong99/sesli/internal/action"
	"github.com/MrWong99/sesli/internal/auth"
	"github.com/MrWong99/sesli/internal/command"
	"github.com/MrWong99/sesli/internal/observe"
	"github.com/MrWong99/sesli/internal/pipeline"
	"github.com/MrWong99/sesli/internal/transcribe"
)

// VoiceCommandsPath is the route of the pipeline endpoint.
const VoiceCommandsPath = "/v1/voice-commands"

const defaultMaxBodyBytes = 16 << 20

var _ Pipeline = (*pipeline.Orchestrator)(nil)

// Pipeline handles one authenticated request.
type Pipeline interface {
	Handle(ctx context.Context, req pipeline.Request) (pipeline.Outcome, error)
}

// Option configures a [Server].
type Option func(*Server)

// WithRateLimiter enables per-tenant rate limiting.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Server) {
		s.limiter = rl
	}
}

// WithMaxBodyBytes caps the request body size. Default: 16 MiB.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBody = n
		}
	}
}

// WithClock overrides time.Now. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// Server serves the voice command API.
type Server struct {
	pipeline Pipeline
	auth     *auth.Authenticator
	limiter  *RateLimiter
	maxBody  int64
	now      func() time.Time
}

// New returns a Server. Both p and a are required; there is no
// unauthenticated mode.
func New(p Pipeline, a *auth.Authenticator, opts ...Option) (*Server, error) {
	if p == nil {
		return nil, errors.New("api: pipeline is required")
	}
	if a == nil {
		return nil, errors.New("api: authenticator is required")
	}
	s := &Server{
		pipeline: p,
		auth:     a,
		maxBody:  defaultMaxBodyBytes,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	authn := auth.Middleware(s.auth, s.writeError)
	mux.Handle("POST "+VoiceCommandsPath, authn(http.HandlerFunc(s.handleVoiceCommand)))
}

type successResponse struct {
	Success         bool               `json:"success"`
	Transcript      string             `json:"transcript"`
	MatchedCommand  string             `json:"matched_command"`
	Confidence      float64            `json:"confidence"`
	Action          command.ActionType `json:"action"`
	Result          *action.Result     `json:"result"`
	ExecutionTimeMs int64              `json:"execution_time_ms"`
}

type noMatchResponse struct {
	Success     bool     `json:"success"`
	Transcript  string   `json:"transcript"`
	Message     string   `json:"message"`
	Suggestions []string `json:"suggestions"`
}

type errorResponse struct {
	Error          string `json:"error"`
	Details        string `json:"details"`
	MatchedCommand string `json:"matched_command,omitempty"`
}

func (s *Server) handleVoiceCommand(w http.ResponseWriter, r *http.Request) {
	received := s.now()
	ctx := r.Context()

	id, ok := auth.FromContext(ctx)
	if !ok {
		s.writeError(w, r, auth.ErrUnauthenticated)
		return
	}

	if s.limiter.Enabled() && !s.limiter.Allow(ctx, id.TenantID) {
		w.Header().Set("Retry-After", s.limiter.RetryAfter())
		writeJSON(w, http.StatusTooManyRequests, errorResponse{
			Error:   "rate_limited",
			Details: "too many voice commands, slow down",
		})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, badRequest("body exceeds %d bytes", tooLarge.Limit))
			return
		}
		s.writeError(w, r, badRequest("could not read body"))
		return
	}
	req, src, err := decodeRequest(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out, err := s.pipeline.Handle(ctx, pipeline.Request{
		UserID:     id.UserID,
		TenantID:   id.TenantID,
		Source:     src,
		Language:   req.Language,
		ReceivedAt: received,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if out.Status != command.StatusSuccess {
		suggestions := out.Suggestions
		if suggestions == nil {
			suggestions = []string{}
		}
		writeJSON(w, http.StatusOK, noMatchResponse{
			Success:     false,
			Transcript:  out.Transcript,
			Message:     out.Message,
			Suggestions: suggestions,
		})
		return
	}
	writeJSON(w, http.StatusOK, successResponse{
		Success:         true,
		Transcript:      out.Transcript,
		MatchedCommand:  out.Command.CommandText,
		Confidence:      out.Confidence,
		Action:          out.Command.ActionType,
		Result:          out.Result,
		ExecutionTimeMs: out.ExecutionTime.Milliseconds(),
	})
}

// writeError maps err to a status code and a sanitised body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		status int
		resp   errorResponse
		bad    *badRequestError
		te     *pipeline.TranscriptionError
		re     *pipeline.RegistryError
		ee     *pipeline.ExecutionError
	)
	switch {
	case errors.As(err, &bad):
		status = http.StatusBadRequest
		resp = errorResponse{Error: "invalid_request", Details: bad.msg}
	case errors.Is(err, auth.ErrUnauthenticated):
		status = http.StatusUnauthorized
		resp = errorResponse{Error: "unauthorized", Details: "a valid bearer token is required"}
		w.Header().Set("WWW-Authenticate", `Bearer realm="sesli"`)
	case errors.Is(err, auth.ErrTenantNotFound):
		status = http.StatusNotFound
		resp = errorResponse{Error: "tenant_not_found", Details: "no tenant is associated with this user"}
	case errors.Is(err, transcribe.ErrAudioURLNotAllowed):
		status = http.StatusBadRequest
		resp = errorResponse{Error: "invalid_request", Details: "audio_url is not allowed"}
	case errors.As(err, &te):
		status = http.StatusBadGateway
		resp = errorResponse{Error: "transcription_failed", Details: "speech recognition failed"}
	case errors.As(err, &ee):
		status = http.StatusInternalServerError
		resp = errorResponse{
			Error:          "execution_failed",
			Details:        "the command was understood but could not be executed",
			MatchedCommand: ee.Command.CommandText,
		}
	case errors.As(err, &re):
		status = http.StatusInternalServerError
		resp = errorResponse{Error: "registry_unavailable", Details: "commands could not be loaded"}
	default:
		status = http.StatusInternalServerError
		resp = errorResponse{Error: "internal_error", Details: "internal error"}
	}

	log := observe.Logger(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("voice command failed", "status", status, "err", err)
	} else {
		log.Info("voice command rejected", "status", status, "err", err)
	}
	writeJSON(w, status, resp)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal_error","details":"encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(data, '\n'))
}
