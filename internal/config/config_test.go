package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Transport.Type != "memory" {
		t.Errorf("transport = %q, want memory", cfg.Transport.Type)
	}
	if want := []int{10, 10, 20, 20, 50}; len(cfg.Stream.Gradient) != len(want) {
		t.Errorf("gradient = %v, want %v", cfg.Stream.Gradient, want)
	}
	if cfg.Stream.BatchTimeout() != time.Second {
		t.Errorf("batch timeout = %v, want 1s", cfg.Stream.BatchTimeout())
	}
	if cfg.Stream.RetryAttempts != 3 || cfg.Stream.RetryBase() != 100*time.Millisecond || cfg.Stream.RetryMax() != 2*time.Second {
		t.Errorf("retry config = %d/%v/%v", cfg.Stream.RetryAttempts, cfg.Stream.RetryBase(), cfg.Stream.RetryMax())
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9999
transport:
  type: redis
  url: redis://localhost:6379/1
stream:
  gradient: [5, 15]
  batch_timeout_ms: 250
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d, want file value", cfg.Server.Port)
	}
	if cfg.Transport.Type != "redis" || cfg.Transport.URL != "redis://localhost:6379/1" {
		t.Errorf("transport = %+v", cfg.Transport)
	}
	if len(cfg.Stream.Gradient) != 2 || cfg.Stream.Gradient[0] != 5 {
		t.Errorf("gradient = %v, want [5 15]", cfg.Stream.Gradient)
	}
	if cfg.Stream.BatchTimeout() != 250*time.Millisecond {
		t.Errorf("batch timeout = %v", cfg.Stream.BatchTimeout())
	}
	// Untouched keys keep their defaults.
	if cfg.Stream.RetryAttempts != 3 {
		t.Errorf("retry attempts = %d, want default", cfg.Stream.RetryAttempts)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9999\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("STREAMD_SERVER_PORT", "7777")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7777 {
		t.Errorf("port = %d, want env value 7777", cfg.Server.Port)
	}
}

func TestMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want default", cfg.Server.Port)
	}
}
