package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"api_base":"https://tb.example.dev","user_id":"u1","token":"tok"}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LaunchTimeoutSeconds != 30 {
		t.Fatalf("launch timeout default %d", cfg.LaunchTimeoutSeconds)
	}
	if cfg.MaxViewersPerTask != 10 {
		t.Fatalf("viewer cap default %d", cfg.MaxViewersPerTask)
	}
	if got := cfg.ResolvedStreamURL(); got != "https://tb.example.dev/stream?user_id=u1" {
		t.Fatalf("stream url %q", got)
	}
}

func TestLoadMissingFileHasHint(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err == nil || !strings.Contains(err.Error(), "hint") {
		t.Fatalf("expected hint in error, got %v", err)
	}
}

func TestLoadRejectsIncompleteConfig(t *testing.T) {
	path := writeConfig(t, `{"api_base":"https://tb.example.dev"}`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "user_id") {
		t.Fatalf("expected user_id error, got %v", err)
	}

	path = writeConfig(t, `{"user_id":"u1"}`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "api_base") {
		t.Fatalf("expected api_base error, got %v", err)
	}

	path = writeConfig(t, `{"api_base":"not a url","user_id":"u1"}`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for relative api_base")
	}
}

func TestTokenEnvOverride(t *testing.T) {
	path := writeConfig(t, `{"api_base":"https://tb.example.dev","user_id":"u1","token":"from-file"}`)
	t.Setenv("TBWATCH_TOKEN", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Token != "from-env" {
		t.Fatalf("token %q, want env override", cfg.Token)
	}
}

func TestExplicitStreamURLWins(t *testing.T) {
	path := writeConfig(t, `{"api_base":"https://tb.example.dev","user_id":"u1","stream_url":"wss://tb.example.dev/stream?user_id=u1"}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := cfg.ResolvedStreamURL(); got != "wss://tb.example.dev/stream?user_id=u1" {
		t.Fatalf("stream url %q", got)
	}
}
