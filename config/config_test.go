package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, ".acpbridge", "config.yaml")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadLayers(t *testing.T) {
	home := t.TempDir()
	wd := t.TempDir()
	writeConfig(t, home, "llm: anthropic\nmodel: claude-sonnet\nagent:\n  command: user-agent\n")
	writeConfig(t, wd, "agent:\n  command: gemini\n  args: [\"--experimental-acp\"]\nbridge:\n  turn_timeout: 5s\n")

	cfg, err := loadLayers(home, wd, "")
	if err != nil {
		t.Fatalf("loadLayers: %v", err)
	}
	if cfg.LLMClient != "anthropic" {
		t.Errorf("LLMClient = %q, want user-level value", cfg.LLMClient)
	}
	if cfg.Agent.Command != "gemini" || len(cfg.Agent.Args) != 1 {
		t.Errorf("Agent = %+v, want project-level override", cfg.Agent)
	}
	if cfg.Bridge.TurnTimeout != 5*time.Second {
		t.Errorf("TurnTimeout = %v", cfg.Bridge.TurnTimeout)
	}
	if cfg.Bridge.RequestTimeout != DefaultRequestTimeout {
		t.Errorf("RequestTimeout default not applied: %v", cfg.Bridge.RequestTimeout)
	}
	if !cfg.AutoApprove() {
		t.Errorf("auto approve should default to true")
	}
}

func TestExplicitConfigWins(t *testing.T) {
	dir := t.TempDir()
	explicit := filepath.Join(dir, "bridge.yaml")
	body := "agent:\n  endpoint: http://localhost:9000/acp\nsafety:\n  auto_approve: false\n  protected_paths: [\"**/.env\"]\n"
	if err := os.WriteFile(explicit, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadLayers("", t.TempDir(), explicit)
	if err != nil {
		t.Fatalf("loadLayers: %v", err)
	}
	if cfg.AutoApprove() {
		t.Errorf("auto approve should be disabled")
	}
	if cfg.Bridge.TurnTimeout != DefaultTurnTimeout {
		t.Errorf("TurnTimeout = %v, want default", cfg.Bridge.TurnTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Errorf("expected error for missing backend")
	}
	cfg.Agent = AgentConfig{Command: "a", Endpoint: "http://b"}
	if err := cfg.Validate(); err == nil {
		t.Errorf("expected error for both command and endpoint")
	}
	cfg.Agent = AgentConfig{Command: "a", Framing: "xml"}
	if err := cfg.Validate(); err == nil {
		t.Errorf("expected error for unknown framing")
	}
}

func TestCommandAllowlist(t *testing.T) {
	cfg := &Config{AllowedCommands: []string{"^ls"}, Safety: SafetyConfig{AllowedCommands: []string{"^git status"}}}
	got := cfg.CommandAllowlist()
	if len(got) != 2 || got[0] != "^ls" || got[1] != "^git status" {
		t.Errorf("CommandAllowlist = %v", got)
	}
}
