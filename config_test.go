package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"servers": [{"id": "fs", "command": ["fs-server"]}]
	}`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LogLevel != DefaultLogLevel {
		t.Fatalf("expected default log level %q, got %q", DefaultLogLevel, cfg.LogLevel)
	}
	if cfg.ResponseTimeout.Duration() != DefaultResponseTimeout {
		t.Fatalf("expected default response timeout, got %v", cfg.ResponseTimeout.Duration())
	}
	if cfg.Separator() != DefaultToolSeparator {
		t.Fatalf("expected default separator, got %q", cfg.Separator())
	}
	if cfg.Servers[0].StartupTimeout.Duration() != DefaultStartupTimeout {
		t.Fatalf("expected default startup timeout, got %v", cfg.Servers[0].StartupTimeout.Duration())
	}
	if cfg.Servers[0].StdioMode != StdioModeAuto {
		t.Fatalf("expected default stdio mode auto, got %q", cfg.Servers[0].StdioMode)
	}
}

func TestLoadConfigRejectsEmptyServers(t *testing.T) {
	path := writeConfig(t, `{"servers": []}`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for empty servers list")
	}
}

func TestLoadConfigRejectsDuplicateServerIDs(t *testing.T) {
	path := writeConfig(t, `{
		"servers": [
			{"id": "fs", "command": ["a"]},
			{"id": "fs", "command": ["b"]}
		]
	}`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for duplicate server ids")
	}
}

func TestLoadConfigRejectsServerIDContainingSeparator(t *testing.T) {
	path := writeConfig(t, `{
		"servers": [{"id": "fs::a", "command": ["fs-server"]}]
	}`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for server id containing separator")
	}
}

func TestLoadConfigRejectsBadStdioMode(t *testing.T) {
	path := writeConfig(t, `{
		"servers": [{"id": "fs", "command": ["fs-server"], "stdio_mode": "carrier-pigeon"}]
	}`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for invalid stdio mode")
	}
}

func TestLoadConfigHonorsAlternativeSeparator(t *testing.T) {
	path := writeConfig(t, `{
		"tool_separator": "__",
		"servers": [{"id": "fs", "command": ["fs-server"]}]
	}`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Separator() != SeparatorSafe {
		t.Fatalf("expected safe separator, got %q", cfg.Separator())
	}
}

func TestDurationSecondsRoundTrip(t *testing.T) {
	path := writeConfig(t, `{
		"response_timeout": 5.5,
		"servers": [{"id": "fs", "command": ["fs-server"]}]
	}`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ResponseTimeout.Duration().Seconds() != 5.5 {
		t.Fatalf("expected 5.5s response timeout, got %v", cfg.ResponseTimeout.Duration())
	}
}
