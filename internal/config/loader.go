package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// KnownProviders lists the transcription providers that ship with sesli.
// Used by [Validate] to warn about unrecognised provider names.
var KnownProviders = []string{"openai", "whisper", "deepgram"}

// minSecretLen is the HS256 key length below which a warning is logged.
const minSecretLen = 32

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must not be negative"))
	}
	if cfg.Server.MaxBodyBytes < 0 {
		errs = append(errs, errors.New("server.max_body_bytes must not be negative"))
	}
	if rl := cfg.Server.RateLimit; rl.RequestsPerSecond < 0 || rl.Burst < 0 {
		errs = append(errs, errors.New("server.rate_limit values must not be negative"))
	} else if rl.RequestsPerSecond == 0 {
		slog.Warn("server.rate_limit.requests_per_second is 0; per-tenant rate limiting is disabled")
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Auth
	switch {
	case cfg.Auth.HMACSecret == "":
		errs = append(errs, errors.New("auth.hmac_secret is required"))
	case len(cfg.Auth.HMACSecret) < minSecretLen:
		slog.Warn("auth.hmac_secret is shorter than recommended", "min_bytes", minSecretLen)
	}
	if cfg.Auth.Leeway < 0 {
		errs = append(errs, errors.New("auth.leeway must not be negative"))
	}

	// Store
	if !cfg.Store.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("store.driver %q is invalid; valid values: memory, sqlite, postgres", cfg.Store.Driver))
	}
	if (cfg.Store.Driver == StoreSQLite || cfg.Store.Driver == StorePostgres) && cfg.Store.DSN == "" {
		errs = append(errs, fmt.Errorf("store.dsn is required when driver is %s", cfg.Store.Driver))
	}
	if cfg.Store.Driver == StoreMemory && cfg.Store.SeedFile == "" {
		slog.Warn("store.driver is memory and no seed_file is set; no commands will match")
	}

	// Transcription
	errs = append(errs, validateProviders(cfg.Transcription.Providers)...)
	if _, err := language.Parse(cfg.Transcription.DefaultLanguage); cfg.Transcription.DefaultLanguage != "" && err != nil {
		errs = append(errs, fmt.Errorf("transcription.default_language %q is not a BCP 47 tag: %w", cfg.Transcription.DefaultLanguage, err))
	}
	if cb := cfg.Transcription.CircuitBreaker; cb.MaxFailures < 0 || cb.HalfOpenMax < 0 || cb.ResetTimeout < 0 {
		errs = append(errs, errors.New("transcription.circuit_breaker values must not be negative"))
	}
	if au := cfg.Transcription.AudioURL; au.MaxBytes < 0 || au.Timeout < 0 {
		errs = append(errs, errors.New("transcription.audio_url values must not be negative"))
	}
	if au := cfg.Transcription.AudioURL; au.Enabled && len(au.AllowedHosts) == 0 && len(au.AllowedBuckets) == 0 {
		errs = append(errs, errors.New("transcription.audio_url.enabled requires allowed_hosts or allowed_buckets"))
	}

	// Pipeline
	if cfg.Pipeline.SuggestionLimit < 0 {
		errs = append(errs, errors.New("pipeline.suggestion_limit must not be negative"))
	}
	if _, err := language.Parse(cfg.Pipeline.CaseLanguage); cfg.Pipeline.CaseLanguage != "" && err != nil {
		errs = append(errs, fmt.Errorf("pipeline.case_language %q is not a BCP 47 tag: %w", cfg.Pipeline.CaseLanguage, err))
	}

	// Actions
	if _, err := time.LoadLocation(cfg.Actions.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("actions.timezone %q: %w", cfg.Actions.Timezone, err))
	}
	if cfg.Actions.LowStockThreshold < 0 {
		errs = append(errs, errors.New("actions.low_stock_threshold must not be negative"))
	}
	if cfg.Actions.ListLimit <= 0 {
		errs = append(errs, errors.New("actions.list_limit must be positive"))
	}

	// Telemetry
	if p := cfg.Telemetry.MetricsPath; p != "" && !strings.HasPrefix(p, "/") {
		errs = append(errs, fmt.Errorf("telemetry.metrics_path %q must start with /", p))
	}
	if r := cfg.Telemetry.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("telemetry.trace_sample_ratio %.2f is out of range [0, 1]", r))
	}

	return errors.Join(errs...)
}

func validateProviders(entries []ProviderEntry) []error {
	if len(entries) == 0 {
		return []error{errors.New("transcription.providers must list at least one provider")}
	}
	var errs []error
	seen := make(map[string]int, len(entries))
	for i, e := range entries {
		prefix := fmt.Sprintf("transcription.providers[%d]", i)
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[e.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of transcription.providers[%d]", prefix, e.Name, prev))
		}
		seen[e.Name] = i
		if e.Name == "whisper" && e.BaseURL == "" {
			errs = append(errs, fmt.Errorf("%s: whisper requires base_url", prefix))
		}
		if e.Name == "deepgram" && e.APIKey == "" {
			errs = append(errs, fmt.Errorf("%s: deepgram requires api_key", prefix))
		}
		if e.Name == "openai" && e.APIKey == "" {
			slog.Warn("openai provider has no api_key; requests will be rejected unless the base_url needs none", "index", i)
		}
		validateProviderName(e.Name)
	}
	return errs
}

// validateProviderName logs a warning if name is not one of [KnownProviders].
func validateProviderName(name string) {
	if slices.Contains(KnownProviders, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"name", name,
		"known", KnownProviders,
	)
}

// Location returns the zone of [ActionsConfig.Timezone]. Validation
// guarantees it loads; UTC is the fallback.
func (a ActionsConfig) Location() *time.Location {
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// CaseTag returns the parsed [PipelineConfig.CaseLanguage]. Turkish is the
// fallback.
func (p PipelineConfig) CaseTag() language.Tag {
	tag, err := language.Parse(p.CaseLanguage)
	if err != nil {
		return language.Turkish
	}
	return tag
}
