package api

import (
	"bytes"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/MrWong99/sesli/internal/transcribe"
)

//go:embed request.schema.json
var requestSchemaJSON string

const requestSchemaURL = "https://sesli.schemas.local/v1/voice-command-request.schema.json"

// requestSchema is compiled once; the embedded document is part of the
// binary so a compile failure is a programming error.
var requestSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(requestSchemaURL, strings.NewReader(requestSchemaJSON)); err != nil {
		panic("api: load request schema: " + err.Error())
	}
	s, err := c.Compile(requestSchemaURL)
	if err != nil {
		panic("api: compile request schema: " + err.Error())
	}
	return s
}

// voiceCommandRequest is the body of POST /v1/voice-commands.
type voiceCommandRequest struct {
	AudioBase64 string `json:"audio_base64"`
	AudioURL    string `json:"audio_url"`
	ContentType string `json:"content_type"`
	Language    string `json:"language"`
}

// badRequestError carries a client-facing explanation of why a body was
// rejected.
type badRequestError struct {
	msg string
}

func (e *badRequestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &badRequestError{msg: fmt.Sprintf(format, args...)}
}

// decodeRequest validates body against the request schema and converts it
// into an audio source.
func decodeRequest(body []byte) (voiceCommandRequest, transcribe.Source, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return voiceCommandRequest{}, transcribe.Source{}, badRequest("body is not valid JSON")
	}
	if err := requestSchema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return voiceCommandRequest{}, transcribe.Source{}, badRequest("%s", strings.Join(leafMessages(ve), "; "))
		}
		return voiceCommandRequest{}, transcribe.Source{}, badRequest("body does not match the request schema")
	}

	var req voiceCommandRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return voiceCommandRequest{}, transcribe.Source{}, badRequest("body is not valid JSON")
	}

	src := transcribe.Source{URL: req.AudioURL, ContentType: req.ContentType}
	if req.AudioBase64 != "" {
		data, err := base64.StdEncoding.DecodeString(req.AudioBase64)
		if err != nil {
			return voiceCommandRequest{}, transcribe.Source{}, badRequest("audio_base64 is not valid base64")
		}
		if len(data) == 0 {
			return voiceCommandRequest{}, transcribe.Source{}, badRequest("audio_base64 is empty")
		}
		src.Data = data
	}
	return req, src, nil
}

// leafMessages flattens a validation error tree into "location: message"
// lines. Schema URLs are left out.
func leafMessages(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return []string{loc + ": " + ve.Message}
	}
	var out []string
	for _, c := range ve.Causes {
		out = append(out, leafMessages(c)...)
	}
	return out
}
