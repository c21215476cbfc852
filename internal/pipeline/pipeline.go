// Package pipeline runs one voice command request end to end:
//
//	RECEIVED → TRANSCRIBED → MATCHED? → EXECUTED → LOGGED
//
// The [Orchestrator] transcribes the request audio, loads the tenant's
// candidate commands, selects the best match, executes it, and hands the
// outcome to the recorder. Every request produces exactly one invocation log
// row, whichever branch it ends in.
//
// The orchestrator holds no per-request state and is safe for concurrent
// use. Retries are not performed here; the transcription adapter may fail
// over between providers but the pipeline calls it once.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/sesli/internal/action"
	"github.com/MrWong99/sesli/internal/command"
	"github.com/MrWong99/sesli/internal/matcher"
	"github.com/MrWong99/sesli/internal/observe"
	"github.com/MrWong99/sesli/internal/recorder"
	"github.com/MrWong99/sesli/internal/transcribe"
)

const defaultSuggestionLimit = 3

// NoMatchMessage is returned to the caller when no command reached its
// confidence threshold.
const NoMatchMessage = "Komut anlaşılamadı. Aşağıdaki komutlardan birini deneyebilirsiniz."

// Compile-time checks that the production collaborators fit.
var (
	_ Transcriber = (*transcribe.Adapter)(nil)
	_ Executor    = (*action.Dispatcher)(nil)
	_ Recorder    = (*recorder.Recorder)(nil)
)

// Transcriber turns request audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, src transcribe.Source, language string) (transcribe.Result, error)
}

// Executor runs a matched command for a tenant.
type Executor interface {
	Execute(ctx context.Context, cmd *command.Command, tenantID string) (action.Result, error)
}

// Recorder persists the outcome of an invocation. Record must not fail the
// request; persistence problems are its own concern.
type Recorder interface {
	Record(ctx context.Context, entry command.InvocationLog) command.InvocationLog
}

// Request is one authenticated voice command.
type Request struct {
	UserID   string
	TenantID string
	Source   transcribe.Source
	// Language is the transcription hint. Empty uses the adapter default.
	Language string
	// ReceivedAt is the request start; recognition time is measured from
	// it. Zero means "now".
	ReceivedAt time.Time
}

// Outcome is the result of a request that reached a decision. Status is
// success or rejected; failures are returned as errors instead.
type Outcome struct {
	Status     command.Status
	Transcript string
	Provider   string

	// Command and Confidence are set on success.
	Command    *command.Command
	Confidence float64
	Result     *action.Result

	// Suggestions holds the canonical texts offered after a rejection.
	Suggestions []string
	Message     string

	RecognitionTime time.Duration
	ExecutionTime   time.Duration

	// LogID is the id of the invocation log row.
	LogID string
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithMatcher replaces the default Turkish-folding matcher.
func WithMatcher(m *matcher.Matcher) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.matcher = m
		}
	}
}

// WithSuggestionLimit sets how many command texts are offered after a
// rejection. Default: 3.
func WithSuggestionLimit(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.suggestionLimit = n
		}
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithClock overrides time.Now. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// Orchestrator wires the pipeline stages together.
type Orchestrator struct {
	stt      Transcriber
	registry command.Registry
	executor Executor
	recorder Recorder

	matcher         *matcher.Matcher
	suggestionLimit int
	metrics         *observe.Metrics
	now             func() time.Time
}

// New returns an Orchestrator. All collaborators are required.
func New(stt Transcriber, registry command.Registry, executor Executor, rec Recorder, opts ...Option) (*Orchestrator, error) {
	switch {
	case stt == nil:
		return nil, errors.New("pipeline: transcriber is required")
	case registry == nil:
		return nil, errors.New("pipeline: registry is required")
	case executor == nil:
		return nil, errors.New("pipeline: executor is required")
	case rec == nil:
		return nil, errors.New("pipeline: recorder is required")
	}
	o := &Orchestrator{
		stt:             stt,
		registry:        registry,
		executor:        executor,
		recorder:        rec,
		matcher:         matcher.New(),
		suggestionLimit: defaultSuggestionLimit,
		metrics:         observe.DefaultMetrics(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Handle runs req through the pipeline. A matched and executed command or a
// rejection yields an Outcome and a nil error. Transcription, registry and
// execution failures yield a *TranscriptionError, *RegistryError or
// *ExecutionError. In every case one invocation log row has been handed to
// the recorder before Handle returns.
func (o *Orchestrator) Handle(ctx context.Context, req Request) (out Outcome, err error) {
	ctx, span := observe.StartSpan(ctx, "pipeline.handle", trace.WithAttributes(
		attribute.String("tenant_id", req.TenantID),
	))
	defer func() { observe.EndSpan(span, err) }()

	start := req.ReceivedAt
	if start.IsZero() {
		start = o.now()
	}
	entry := command.InvocationLog{
		TenantID: req.TenantID,
		UserID:   req.UserID,
	}

	// RECEIVED → TRANSCRIBED
	tr, err := o.transcribe(ctx, req)
	if err != nil {
		entry.Status = command.StatusFailed
		entry.ErrorMessage = command.Ptr(err.Error())
		o.record(ctx, entry)
		return Outcome{}, &TranscriptionError{Err: err}
	}
	recognition := o.now().Sub(start)
	o.metrics.TranscriptionDuration.Record(ctx, recognition.Seconds())

	entry.Transcript = tr.Text
	entry.RecognitionProvider = tr.Provider
	entry.RecognitionTimeMs = command.Ptr(recognition.Milliseconds())
	span.SetAttributes(attribute.String("provider", tr.Provider))

	candidates, err := o.registry.ActiveCommands(ctx, req.TenantID)
	if err != nil {
		entry.Status = command.StatusFailed
		entry.ErrorMessage = command.Ptr(err.Error())
		o.record(ctx, entry)
		return Outcome{}, &RegistryError{Err: err}
	}
	command.SortCandidates(candidates)

	// TRANSCRIBED → MATCHED?
	match := o.match(ctx, tr.Text, candidates)
	if !match.Matched() {
		entry.Status = command.StatusRejected
		logged := o.record(ctx, entry)
		return Outcome{
			Status:          command.StatusRejected,
			Transcript:      tr.Text,
			Provider:        tr.Provider,
			Suggestions:     command.Suggestions(candidates, o.suggestionLimit),
			Message:         NoMatchMessage,
			RecognitionTime: recognition,
			LogID:           logged.ID,
		}, nil
	}

	cmd := match.Command
	o.metrics.MatchConfidence.Record(ctx, match.Confidence)
	entry.CommandID = command.Ptr(cmd.ID)
	entry.MatchedCommandText = command.Ptr(cmd.CommandText)
	entry.ConfidenceScore = match.Confidence
	entry.ActionTaken = command.Ptr(string(cmd.ActionType))

	// MATCHED → EXECUTED
	res, elapsed, err := o.execute(ctx, cmd, req.TenantID)
	if err != nil {
		entry.Status = command.StatusFailed
		entry.ErrorMessage = command.Ptr(err.Error())
		o.record(ctx, entry)
		return Outcome{}, &ExecutionError{Command: cmd, Err: err}
	}

	// EXECUTED → LOGGED
	entry.Status = command.StatusSuccess
	entry.ExecutionTimeMs = command.Ptr(elapsed.Milliseconds())
	if raw, merr := json.Marshal(res); merr == nil {
		entry.ExecutionResult = raw
	} else {
		observe.Logger(ctx).Warn("encode execution result", "command_id", cmd.ID, "err", merr)
	}
	logged := o.record(ctx, entry)

	return Outcome{
		Status:          command.StatusSuccess,
		Transcript:      tr.Text,
		Provider:        tr.Provider,
		Command:         cmd,
		Confidence:      match.Confidence,
		Result:          &res,
		RecognitionTime: recognition,
		ExecutionTime:   elapsed,
		LogID:           logged.ID,
	}, nil
}

func (o *Orchestrator) transcribe(ctx context.Context, req Request) (res transcribe.Result, err error) {
	ctx, span := observe.StartSpan(ctx, "pipeline.transcribe")
	defer func() { observe.EndSpan(span, err) }()
	src := req.Source
	src.Tenant = req.TenantID
	return o.stt.Transcribe(ctx, src, req.Language)
}

func (o *Orchestrator) match(ctx context.Context, transcript string, candidates []command.Command) matcher.Result {
	_, span := observe.StartSpan(ctx, "pipeline.match", trace.WithAttributes(
		attribute.Int("candidates", len(candidates)),
	))
	defer span.End()

	res := o.matcher.Match(transcript, candidates)
	if res.Matched() {
		span.SetAttributes(
			attribute.String("command_id", res.Command.ID),
			attribute.Float64("confidence", res.Confidence),
		)
	}
	return res
}

func (o *Orchestrator) execute(ctx context.Context, cmd *command.Command, tenantID string) (res action.Result, elapsed time.Duration, err error) {
	ctx, span := observe.StartSpan(ctx, "pipeline.execute", trace.WithAttributes(
		attribute.String("action", string(cmd.ActionType)),
	))
	defer func() { observe.EndSpan(span, err) }()

	start := o.now()
	res, err = o.executor.Execute(ctx, cmd, tenantID)
	elapsed = o.now().Sub(start)
	o.metrics.ExecutionDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("action", string(cmd.ActionType))))
	return res, elapsed, err
}

func (o *Orchestrator) record(ctx context.Context, entry command.InvocationLog) command.InvocationLog {
	ctx, span := observe.StartSpan(ctx, "pipeline.record", trace.WithAttributes(
		attribute.String("status", string(entry.Status)),
	))
	defer span.End()
	return o.recorder.Record(ctx, entry)
}
