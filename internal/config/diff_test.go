package config_test

import (
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/sesli/internal/config"
)

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return cfg
}

func TestDiff_NoChange(t *testing.T) {
	t.Parallel()
	a := mustLoad(t, fullYAML)
	b := mustLoad(t, fullYAML)

	d := config.Diff(a, b)
	if d.LogLevelChanged {
		t.Error("LogLevelChanged should be false")
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired: got %v, want none", d.RestartRequired)
	}
}

func TestDiff_LogLevelOnly(t *testing.T) {
	t.Parallel()
	a := mustLoad(t, fullYAML)
	b := mustLoad(t, strings.Replace(fullYAML, "log_level: debug", "log_level: warn", 1))

	d := config.Diff(a, b)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogWarn {
		t.Errorf("got LogLevelChanged=%v NewLogLevel=%q, want true/warn", d.LogLevelChanged, d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level change must not require restart, got %v", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	a := mustLoad(t, fullYAML)

	tests := []struct {
		name    string
		from    string
		to      string
		section string
	}{
		{"listen addr", `listen_addr: ":9090"`, `listen_addr: ":9191"`, "server"},
		{"issuer", "issuer: sesli-auth", "issuer: other", "auth"},
		{"dsn", "dsn: /var/lib/sesli/sesli.db", "dsn: /tmp/x.db", "store"},
		{"provider option", "sample_rate: 16000", "sample_rate: 8000", "transcription"},
		{"suggestions", "suggestion_limit: 5", "suggestion_limit: 2", "pipeline"},
		{"timezone", "timezone: Europe/Istanbul", "timezone: UTC", "actions"},
		{"metrics path", "metrics_path: /internal/metrics", "metrics_path: /m", "telemetry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := mustLoad(t, strings.Replace(fullYAML, tt.from, tt.to, 1))
			d := config.Diff(a, b)
			if !slices.Contains(d.RestartRequired, tt.section) {
				t.Errorf("RestartRequired: got %v, want %q", d.RestartRequired, tt.section)
			}
			if len(d.RestartRequired) != 1 {
				t.Errorf("only %q should change, got %v", tt.section, d.RestartRequired)
			}
		})
	}
}
