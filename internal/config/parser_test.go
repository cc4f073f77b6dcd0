package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
daemon:
  log_level: debug
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Daemon.LogLevel != "debug" {
		t.Fatalf("log_level = %q", cfg.Daemon.LogLevel)
	}
	if cfg.Lifecycle.ThresholdSeconds != 3600 {
		t.Fatalf("threshold default = %d, want 3600", cfg.Lifecycle.ThresholdSeconds)
	}
	if cfg.ProbeInterval() != 20*time.Second {
		t.Fatalf("probe interval default = %v, want 20s", cfg.ProbeInterval())
	}
	if cfg.ScanInterval() != time.Second {
		t.Fatalf("scan interval default = %v, want 1s", cfg.ScanInterval())
	}
	if cfg.Placement.MaxCandidates != 3 {
		t.Fatalf("max candidates default = %d, want 3", cfg.Placement.MaxCandidates)
	}
}

func TestLoadConfigEnvExpansion(t *testing.T) {
	t.Setenv("TEST_AGENT_HOST", "10.0.0.7")
	path := writeConfig(t, `
lifecycle:
  agent_host: ${TEST_AGENT_HOST}
  agent_port: 9771
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Lifecycle.AgentHost != "10.0.0.7" {
		t.Fatalf("agent_host = %q, want expanded env value", cfg.Lifecycle.AgentHost)
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"zero threshold", "lifecycle:\n  threshold_seconds: 0\n"},
		{"negative agent port", "lifecycle:\n  agent_port: -1\n"},
		{"zero probe interval", "placement:\n  probe_interval_seconds: 0\n"},
		{"zero scan interval", "lifecycle:\n  scan_interval_ms: 0\n"},
		{"incomplete database", "database:\n  host: http://localhost:8086\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.content)
			if _, err := LoadConfig(path); err == nil {
				t.Fatalf("config accepted: %s", tc.content)
			}
		})
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	if err := validateConfig(Default()); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}
