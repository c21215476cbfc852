// Package mock provides a test double for the stt.Transcriber interface.
//
// Use Transcriber to feed a controlled transcript (or error) to the caller and
// to inspect which audio clips and language hints were delivered.
//
// Example:
//
//	tr := &mock.Transcriber{Text: "bugünkü siparişleri göster"}
//	text, _ := tr.Transcribe(ctx, stt.Audio{Data: clip}, "tr")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/sesli/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Transcriber.Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Audio is a copy of the clip passed to Transcribe.
	Audio stt.Audio
	// Language is the language hint passed to Transcribe.
	Language string
}

// Transcriber is a mock implementation of stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// Text is returned by every successful Transcribe call.
	Text string

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// TranscribeFunc, if set, overrides Text and Err.
	TranscribeFunc func(ctx context.Context, audio stt.Audio, language string) (string, error)

	// TranscribeCalls records every call to Transcribe.
	TranscribeCalls []TranscribeCall
}

// Transcribe records the call and returns Text, Err.
func (m *Transcriber) Transcribe(ctx context.Context, audio stt.Audio, language string) (string, error) {
	m.mu.Lock()
	cp := audio
	cp.Data = append([]byte(nil), audio.Data...)
	m.TranscribeCalls = append(m.TranscribeCalls, TranscribeCall{Ctx: ctx, Audio: cp, Language: language})
	fn, text, err := m.TranscribeFunc, m.Text, m.Err
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, audio, language)
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (m *Transcriber) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.TranscribeCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (m *Transcriber) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TranscribeCalls = nil
}

// Ensure Transcriber implements stt.Transcriber at compile time.
var _ stt.Transcriber = (*Transcriber)(nil)
