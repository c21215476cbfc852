// Package stt defines the Transcriber interface for Speech-to-Text backends.
//
// A Transcriber wraps a batch transcription service (OpenAI Whisper API, a
// local whisper.cpp server, ...) and turns one complete audio clip into text.
// Voice commands are short, so there is no streaming session: the whole clip
// is submitted in a single request and the provider returns the final
// transcript.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrEmptyAudio is returned by providers when asked to transcribe a clip
// without any bytes.
var ErrEmptyAudio = errors.New("stt: audio is empty")

// Audio is one complete recorded clip.
type Audio struct {
	// Data holds the encoded audio bytes (webm, ogg, wav, mp3, ...) or raw
	// 16-bit little-endian PCM when ContentType is ContentTypePCM.
	Data []byte

	// ContentType is the MIME type of Data. Empty means unknown; providers
	// then fall back to their own default.
	ContentType string

	// Filename is an optional file name hint. Some providers infer the
	// container format from the extension.
	Filename string
}

// ContentTypePCM marks Data as headerless 16 kHz mono 16-bit PCM.
const ContentTypePCM = "audio/l16"

// Transcriber is the abstraction over any STT backend.
type Transcriber interface {
	// Transcribe returns the text spoken in audio. language is a BCP-47 or
	// ISO-639-1 hint such as "tr"; empty lets the provider auto-detect.
	//
	// A clip that contains no recognisable speech yields an empty string and
	// a nil error. Transport, authentication and decoding failures are
	// returned as errors.
	Transcribe(ctx context.Context, audio Audio, language string) (string, error)
}

// FilenameOrDefault returns a.Filename or a name derived from the content
// type.
func (a Audio) FilenameOrDefault() string {
	if a.Filename != "" {
		return a.Filename
	}
	switch a.ContentType {
	case "audio/webm":
		return "audio.webm"
	case "audio/ogg", "audio/opus":
		return "audio.ogg"
	case "audio/mpeg", "audio/mp3":
		return "audio.mp3"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return "audio.m4a"
	case "audio/flac":
		return "audio.flac"
	default:
		return "audio.wav"
	}
}
