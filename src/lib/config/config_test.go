package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.Addr != ":7700" || cfg.AgentCmd != "claude" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.Respawn.IdleTimeoutMs != 45_000 {
		t.Errorf("respawn defaults not applied: %+v", cfg.Respawn)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codeman.yaml")
	content := "addr: \":9000\"\nrespawn:\n  idleTimeoutMs: 60000\n  completionConfirmMs: 5000\n  noOutputTimeoutMs: 120000\n  cooldownMs: 15000\n  interStepDelayMs: 120\n  aiIdleCheckTimeoutMs: 30000\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":9000" {
		t.Errorf("addr = %s", cfg.Addr)
	}
	if cfg.Respawn.IdleTimeoutMs != 60_000 {
		t.Errorf("idleTimeoutMs = %d", cfg.Respawn.IdleTimeoutMs)
	}
}

func TestEnvOverridesWin(t *testing.T) {
	t.Setenv("CODEMAN_ADDR", ":8123")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != ":8123" {
		t.Errorf("env override lost: %s", cfg.Addr)
	}
}

func TestOutOfRangeTimingRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codeman.yaml")
	if err := os.WriteFile(path, []byte("respawn:\n  idleTimeoutMs: 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("absurd timing accepted")
	}
}
