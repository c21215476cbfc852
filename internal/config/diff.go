package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	// LogLevelChanged is applied in place via the logger's level var.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired names the top-level sections that changed but are
	// only read at startup.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !serverEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Auth != new.Auth {
		d.RestartRequired = append(d.RestartRequired, "auth")
	}
	if old.Store != new.Store {
		d.RestartRequired = append(d.RestartRequired, "store")
	}
	if !transcriptionEqual(old.Transcription, new.Transcription) {
		d.RestartRequired = append(d.RestartRequired, "transcription")
	}
	if old.Pipeline != new.Pipeline {
		d.RestartRequired = append(d.RestartRequired, "pipeline")
	}
	if old.Actions != new.Actions {
		d.RestartRequired = append(d.RestartRequired, "actions")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

func serverEqual(a, b ServerConfig) bool {
	tlsA, tlsB := a.TLS, b.TLS
	a.TLS, b.TLS = nil, nil
	if a != b {
		return false
	}
	switch {
	case tlsA == nil && tlsB == nil:
		return true
	case tlsA == nil || tlsB == nil:
		return false
	default:
		return *tlsA == *tlsB
	}
}

func transcriptionEqual(a, b TranscriptionConfig) bool {
	if a.DefaultLanguage != b.DefaultLanguage ||
		a.CircuitBreaker != b.CircuitBreaker ||
		!reflect.DeepEqual(a.AudioURL, b.AudioURL) ||
		len(a.Providers) != len(b.Providers) {
		return false
	}
	for i := range a.Providers {
		pa, pb := a.Providers[i], b.Providers[i]
		if pa.Name != pb.Name || pa.APIKey != pb.APIKey || pa.BaseURL != pb.BaseURL || pa.Model != pb.Model {
			return false
		}
		if (len(pa.Options) > 0 || len(pb.Options) > 0) && !reflect.DeepEqual(pa.Options, pb.Options) {
			return false
		}
	}
	return true
}
