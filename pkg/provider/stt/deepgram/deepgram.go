// Package deepgram provides a Deepgram-backed STT provider that submits a
// complete voice command clip over the Deepgram live WebSocket API.
//
// Each call dials /v1/listen, writes the clip as binary frames, sends a
// CloseStream control message and collects the final results until Deepgram
// reports the stream metadata or closes the connection normally.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/sesli/pkg/provider/stt"
)

const (
	defaultEndpoint   = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "tr"
	defaultSampleRate = 16000

	// frameSize is the number of audio bytes written per binary message.
	frameSize = 8 << 10

	readLimit = 1 << 20
)

var _ stt.Transcriber = (*Provider)(nil)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithLanguage sets the language used when the caller passes no hint.
// Defaults to "tr".
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the sample rate declared for headerless PCM clips.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		if rate > 0 {
			p.sampleRate = rate
		}
	}
}

// WithEndpoint overrides the listen endpoint. ws, wss, http and https URLs
// are accepted.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		if endpoint != "" {
			p.endpoint = endpoint
		}
	}
}

// Provider implements stt.Transcriber backed by Deepgram.
type Provider struct {
	apiKey     string
	endpoint   string
	model      string
	language   string
	sampleRate int
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		endpoint:   defaultEndpoint,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe implements stt.Transcriber.
func (p *Provider) Transcribe(ctx context.Context, audio stt.Audio, language string) (string, error) {
	if len(audio.Data) == 0 {
		return "", fmt.Errorf("deepgram: %w", stt.ErrEmptyAudio)
	}
	wsURL, err := p.buildURL(audio, language)
	if err != nil {
		return "", fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return "", fmt.Errorf("deepgram: dial: %w", err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	var segments []string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for data := audio.Data; len(data) > 0; {
			n := min(len(data), frameSize)
			if err := conn.Write(gctx, websocket.MessageBinary, data[:n]); err != nil {
				return fmt.Errorf("deepgram: write audio: %w", err)
			}
			data = data[n:]
		}
		if err := conn.Write(gctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
			return fmt.Errorf("deepgram: close stream: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		segments, err = readFinals(gctx, conn)
		return err
	})
	if err := g.Wait(); err != nil {
		return "", err
	}

	conn.Close(websocket.StatusNormalClosure, "")
	return strings.Join(segments, " "), nil
}

// readFinals collects the final transcript segments in arrival order until
// the Metadata message or a normal close ends the stream.
func readFinals(ctx context.Context, conn *websocket.Conn) ([]string, error) {
	var segments []string
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return segments, nil
			}
			return nil, fmt.Errorf("deepgram: read: %w", err)
		}

		var resp response
		if err := json.Unmarshal(msg, &resp); err != nil {
			return nil, fmt.Errorf("deepgram: decode message: %w", err)
		}
		switch resp.Type {
		case "Results":
			if !resp.IsFinal || len(resp.Channel.Alternatives) == 0 {
				continue
			}
			if text := strings.TrimSpace(resp.Channel.Alternatives[0].Transcript); text != "" {
				segments = append(segments, text)
			}
		case "Metadata":
			return segments, nil
		case "Error":
			return nil, fmt.Errorf("deepgram: server error: %s", resp.Description)
		}
	}
}

// buildURL returns the listen URL for one clip. Containerised audio is left
// for Deepgram to detect; PCM needs its encoding and rate spelled out.
func (p *Provider) buildURL(audio stt.Audio, language string) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	if language == "" {
		language = p.language
	}

	q := u.Query()
	q.Set("model", p.model)
	if language != "" {
		q.Set("language", language)
	}
	q.Set("punctuate", "false")
	q.Set("interim_results", "false")
	if strings.EqualFold(audio.ContentType, stt.ContentTypePCM) {
		q.Set("encoding", "linear16")
		q.Set("sample_rate", strconv.Itoa(p.sampleRate))
		q.Set("channels", "1")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// response is the subset of a Deepgram live message that is read.
type response struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	Description string `json:"description"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}
