// Package config provides the configuration schema, loader, and provider
// registry for the sesli voice command service.
package config

import "time"

// LogLevel controls log verbosity for the sesli server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// StoreDriver selects the persistence backend.
type StoreDriver string

const (
	// StoreMemory keeps everything in process memory. Nothing survives a
	// restart; intended for development and demos.
	StoreMemory StoreDriver = "memory"

	// StoreSQLite uses an embedded SQLite database file.
	StoreSQLite StoreDriver = "sqlite"

	// StorePostgres uses a PostgreSQL server.
	StorePostgres StoreDriver = "postgres"
)

// IsValid reports whether d is a recognised store driver.
func (d StoreDriver) IsValid() bool {
	switch d {
	case StoreMemory, StoreSQLite, StorePostgres:
		return true
	}
	return false
}

// Config is the root configuration structure for sesli.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Store         StoreConfig         `yaml:"store"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Actions       ActionsConfig       `yaml:"actions"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It is the only setting applied on hot
	// reload.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFormat selects text or JSON log output.
	LogFormat LogFormat `yaml:"log_format"`

	// ShutdownTimeout bounds graceful shutdown of in-flight requests.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MaxBodyBytes caps the size of a voice command request body.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// RateLimitConfig is the per-tenant token bucket. A zero rate disables
// limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// AuthConfig configures bearer token validation.
type AuthConfig struct {
	// HMACSecret signs HS256 tokens. Required.
	HMACSecret string `yaml:"hmac_secret"`

	// Issuer and Audience, when set, must match the iss and aud claims.
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`

	// TenantClaim names the claim holding the tenant id. Tokens without it
	// fall back to the profiles table.
	TenantClaim string `yaml:"tenant_claim"`

	// Leeway tolerates clock skew on exp and nbf.
	Leeway time.Duration `yaml:"leeway"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Driver StoreDriver `yaml:"driver"`

	// DSN is the connection string. For sqlite it is a file path or
	// "file::memory:"; for postgres a libpq URL.
	DSN string `yaml:"dsn"`

	// SeedFile is an optional YAML file of commands imported at startup.
	SeedFile string `yaml:"seed_file"`

	// FixtureFile is an optional YAML file of profiles and tenant business
	// rows loaded at startup. Intended for demos and local testing.
	FixtureFile string `yaml:"fixture_file"`
}

// TranscriptionConfig configures speech-to-text.
type TranscriptionConfig struct {
	// DefaultLanguage is the language hint used when a request carries none.
	DefaultLanguage string `yaml:"default_language"`

	// Providers are tried in order; later entries are fallbacks.
	Providers []ProviderEntry `yaml:"providers"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	AudioURL       AudioURLConfig       `yaml:"audio_url"`
}

// ProviderEntry is the configuration of one transcription backend. The Name
// field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai", "whisper", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint. For whisper it
	// is the address of the whisper.cpp server and is required.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "whisper-1").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// CircuitBreakerConfig tunes the per-provider breakers.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// AudioURLConfig controls downloading of audio_url sources.
type AudioURLConfig struct {
	// Enabled allows requests to reference audio by URL.
	Enabled bool `yaml:"enabled"`

	// MaxBytes caps a downloaded clip.
	MaxBytes int64 `yaml:"max_bytes"`

	// Timeout bounds a single download.
	Timeout time.Duration `yaml:"timeout"`

	// S3Region and S3Endpoint configure s3:// sources. An empty endpoint uses
	// AWS; set it for MinIO or LocalStack.
	S3Region   string `yaml:"s3_region"`
	S3Endpoint string `yaml:"s3_endpoint"`

	// AllowedHosts lists the hosts http(s) sources may point at. A leading
	// "*." matches any subdomain.
	AllowedHosts []string `yaml:"allowed_hosts"`

	// AllowedBuckets lists the buckets s3 sources may name.
	AllowedBuckets []string `yaml:"allowed_buckets"`

	// TenantPrefix restricts s3 keys to "<tenant_id>/..." of the requesting
	// tenant.
	TenantPrefix bool `yaml:"tenant_prefix"`
}

// PipelineConfig tunes matching.
type PipelineConfig struct {
	// SuggestionLimit is how many command texts are offered after a
	// rejection.
	SuggestionLimit int `yaml:"suggestion_limit"`

	// CaseLanguage is the BCP 47 tag used for case folding (e.g., "tr").
	CaseLanguage string `yaml:"case_language"`
}

// ActionsConfig tunes the action handlers.
type ActionsConfig struct {
	// Timezone is the IANA zone that defines "today" for daily reports.
	Timezone string `yaml:"timezone"`

	// LowStockThreshold is the stock level at or below which a product is
	// reported as low.
	LowStockThreshold int `yaml:"low_stock_threshold"`

	// ListLimit caps rows returned in action results.
	ListLimit int `yaml:"list_limit"`
}

// TelemetryConfig controls metrics exposure.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`

	// MetricsPath is where Prometheus metrics are served. Empty disables
	// the endpoint.
	MetricsPath string `yaml:"metrics_path"`

	// TraceSampleRatio is the fraction of new traces that are sampled.
	// Requests carrying a sampled parent are always recorded.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`

	// OTLPEndpoint is the host:port of an OTLP/gRPC trace collector. Empty
	// keeps spans in process.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// Default returns a config with every optional field at its default.
// [LoadFromReader] decodes on top of it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			LogLevel:        LogInfo,
			LogFormat:       LogFormatText,
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    16 << 20,
		},
		Auth: AuthConfig{
			TenantClaim: "tenant_id",
		},
		Store: StoreConfig{
			Driver: StoreMemory,
		},
		Transcription: TranscriptionConfig{
			DefaultLanguage: "tr",
			CircuitBreaker: CircuitBreakerConfig{
				MaxFailures:  5,
				ResetTimeout: 30 * time.Second,
				HalfOpenMax:  3,
			},
			AudioURL: AudioURLConfig{
				MaxBytes: 25 << 20,
				Timeout:  15 * time.Second,
			},
		},
		Pipeline: PipelineConfig{
			SuggestionLimit: 3,
			CaseLanguage:    "tr",
		},
		Actions: ActionsConfig{
			Timezone:          "Europe/Istanbul",
			LowStockThreshold: 10,
			ListLimit:         20,
		},
		Telemetry: TelemetryConfig{
			ServiceName:      "sesli",
			MetricsPath:      "/metrics",
			TraceSampleRatio: 1,
		},
	}
}
