// Package transcribe turns the audio of a voice command request into text.
//
// The [Adapter] accepts either inline audio bytes or a URL (http, https or
// s3), downloads the clip when needed, and submits it to the configured
// speech-to-text providers in order. Each provider sits behind its own
// circuit breaker; a provider that keeps failing is skipped until its breaker
// half-opens again. The name of the provider that produced the transcript is
// returned alongside the text so it can be written to the invocation log.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/sesli/internal/observe"
	"github.com/MrWong99/sesli/internal/resilience"
	"github.com/MrWong99/sesli/pkg/provider/stt"
)

// ErrNoAudio is returned when a [Source] carries neither bytes nor a URL.
var ErrNoAudio = errors.New("transcribe: no audio provided")

// Source is the audio of one request. Exactly one of Data and URL is set.
type Source struct {
	Data        []byte
	ContentType string
	URL         string

	// Tenant is the requesting tenant. URL sources are fetched on its
	// behalf.
	Tenant string
}

// Result is a successful transcription.
type Result struct {
	Text string
	// Provider is the name of the backend that produced Text.
	Provider string
}

// Option configures an [Adapter].
type Option func(*Adapter)

// WithFetcher sets the downloader used for URL sources. Without it URL
// sources are rejected.
func WithFetcher(f *Fetcher) Option {
	return func(a *Adapter) {
		a.fetcher = f
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Adapter) {
		if m != nil {
			a.metrics = m
		}
	}
}

// WithDefaultLanguage sets the language hint used when the caller passes
// none. Default: "tr".
func WithDefaultLanguage(lang string) Option {
	return func(a *Adapter) {
		if lang != "" {
			a.language = lang
		}
	}
}

// Adapter transcribes request audio with provider failover.
// It is safe for concurrent use.
type Adapter struct {
	group    *resilience.FallbackGroup[stt.Transcriber]
	fetcher  *Fetcher
	metrics  *observe.Metrics
	language string
}

// New returns an Adapter over group. group must contain at least one
// provider.
func New(group *resilience.FallbackGroup[stt.Transcriber], opts ...Option) (*Adapter, error) {
	if group == nil || group.Len() == 0 {
		return nil, errors.New("transcribe: at least one provider is required")
	}
	a := &Adapter{
		group:    group,
		metrics:  observe.DefaultMetrics(),
		language: "tr",
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Transcribe resolves src to audio bytes and returns the first successful
// transcript. An empty transcript from a provider is a valid result: the
// clip simply contained no recognisable speech.
func (a *Adapter) Transcribe(ctx context.Context, src Source, language string) (Result, error) {
	audio, err := a.resolve(ctx, src)
	if err != nil {
		return Result{}, err
	}
	if language == "" {
		language = a.language
	}

	text, provider, err := resilience.Do(ctx, a.group,
		func(ctx context.Context, name string, t stt.Transcriber) (string, error) {
			start := time.Now()
			text, err := t.Transcribe(ctx, audio, language)
			status := "ok"
			if err != nil {
				status = "error"
				if !errors.Is(err, context.Canceled) {
					a.metrics.RecordProviderError(ctx, name, "stt")
				}
			}
			a.metrics.RecordProviderRequest(ctx, name, "stt", status)
			observe.Logger(ctx).Debug("stt attempt",
				"provider", name,
				"status", status,
				"duration", time.Since(start),
			)
			return text, err
		})
	if err != nil {
		return Result{}, fmt.Errorf("transcribe: %w", err)
	}
	return Result{Text: strings.TrimSpace(text), Provider: provider}, nil
}

// Providers returns the configured provider names in try order.
func (a *Adapter) Providers() []string {
	return a.group.Names()
}

func (a *Adapter) resolve(ctx context.Context, src Source) (stt.Audio, error) {
	switch {
	case len(src.Data) > 0 && src.URL != "":
		return stt.Audio{}, errors.New("transcribe: both audio bytes and url provided")
	case len(src.Data) > 0:
		return stt.Audio{Data: src.Data, ContentType: src.ContentType}, nil
	case src.URL != "":
		if a.fetcher == nil {
			return stt.Audio{}, errors.New("transcribe: audio urls are not enabled")
		}
		data, ct, err := a.fetcher.Fetch(ctx, src.Tenant, src.URL)
		if err != nil {
			return stt.Audio{}, err
		}
		if len(data) == 0 {
			return stt.Audio{}, ErrNoAudio
		}
		if src.ContentType != "" {
			ct = src.ContentType
		}
		return stt.Audio{Data: data, ContentType: ct}, nil
	default:
		return stt.Audio{}, ErrNoAudio
	}
}
