package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoader_LoadValidConfig(t *testing.T) {
	dir := t.TempDir()
	content := `
server:
  host: 0.0.0.0
  port: 9999
agent:
  model: gpt-4o
security:
  approval_timeout: 5m
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(dir, nil)
	cfg, err := l.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("host = %q, want 0.0.0.0", cfg.Server.Host)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Agent.Model != "gpt-4o" {
		t.Errorf("model = %q, want gpt-4o", cfg.Agent.Model)
	}
	if cfg.Security.ApprovalTimeout != 5*time.Minute {
		t.Errorf("approval_timeout = %v, want 5m", cfg.Security.ApprovalTimeout)
	}
	// Unspecified fields keep defaults.
	if cfg.Agent.ClassifierModel != "gpt-4o-mini" {
		t.Errorf("classifier_model = %q, want default gpt-4o-mini", cfg.Agent.ClassifierModel)
	}
}

func TestLoader_MissingFileYieldsDefaults(t *testing.T) {
	l := NewLoader(t.TempDir(), nil)
	cfg, err := l.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	def := DefaultConfig()
	if cfg.Server.Port != def.Server.Port {
		t.Errorf("port = %d, want default %d", cfg.Server.Port, def.Server.Port)
	}
	if cfg.Security.ApprovalTimeout != 10*time.Minute {
		t.Errorf("approval_timeout = %v, want 10m", cfg.Security.ApprovalTimeout)
	}
}

func TestLoader_InvalidYAMLKeepsRunningConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 4000\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(dir, nil)
	if _, err := l.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if err := os.WriteFile(path, []byte("server: [not: valid"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := l.Reload(); err == nil {
		t.Fatal("Reload should fail on malformed YAML")
	}
	if got := l.Get().Server.Port; got != 4000 {
		t.Errorf("running config lost after failed reload: port = %d, want 4000", got)
	}
}

func TestLoader_GetBeforeLoad(t *testing.T) {
	l := NewLoader(t.TempDir(), nil)
	if l.Get() == nil {
		t.Fatal("Get returned nil before Load")
	}
}

func TestEnsureDataDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "carapace-data")
	created, err := EnsureDataDir(dir)
	if err != nil {
		t.Fatalf("EnsureDataDir failed: %v", err)
	}
	if len(created) != 2 {
		t.Errorf("created = %v, want config.yaml and rules.yaml", created)
	}
	for _, name := range []string{"config.yaml", "rules.yaml"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s not seeded: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "sessions")); err != nil {
		t.Errorf("sessions dir not created: %v", err)
	}

	// Second call is a no-op.
	created, err = EnsureDataDir(dir)
	if err != nil {
		t.Fatalf("second EnsureDataDir failed: %v", err)
	}
	if len(created) != 0 {
		t.Errorf("second call created %v, want nothing", created)
	}
}
