package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_EnvSubstitution(t *testing.T) {
	os.Setenv("TEST_REDIS_URL", "redis://localhost:6380/2")
	defer os.Unsetenv("TEST_REDIS_URL")

	configContent := `
storage:
  backend: redis
  redis:
    url: ${TEST_REDIS_URL}
`
	tmpFile, err := os.CreateTemp("", "config_*.yaml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.Write([]byte(configContent)); err != nil {
		t.Fatalf("Failed to write to temp file: %v", err)
	}
	tmpFile.Close()

	cfg, err := Load(tmpFile.Name())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Storage.Backend != "redis" {
		t.Errorf("Expected backend redis, got %s", cfg.Storage.Backend)
	}
	if cfg.Storage.Redis.URL != "redis://localhost:6380/2" {
		t.Errorf("Expected URL redis://localhost:6380/2, got %s", cfg.Storage.Redis.URL)
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("Expected default backend memory, got %s", cfg.Storage.Backend)
	}
	if cfg.Registry.Policy != "round-robin" {
		t.Errorf("Expected default policy round-robin, got %s", cfg.Registry.Policy)
	}
	if cfg.Registry.Health.Interval != 30*time.Second {
		t.Errorf("Expected default health interval 30s, got %s", cfg.Registry.Health.Interval)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("Expected default max attempts 3, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Sessions.ExpirationHours != 24 {
		t.Errorf("Expected default expiration 24h, got %d", cfg.Sessions.ExpirationHours)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Expected default level info, got %s", cfg.Logging.Level)
	}
}

func TestParse_DurationStrings(t *testing.T) {
	cfg, err := Parse([]byte(`
retry:
  initial_delay: 500ms
  max_delay: 30s
registry:
  health:
    probe_timeout: 2s
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Retry.InitialDelay != 500*time.Millisecond {
		t.Errorf("Expected 500ms, got %s", cfg.Retry.InitialDelay)
	}
	if cfg.Retry.MaxDelay != 30*time.Second {
		t.Errorf("Expected 30s, got %s", cfg.Retry.MaxDelay)
	}
	if cfg.Registry.Health.ProbeTimeout != 2*time.Second {
		t.Errorf("Expected 2s, got %s", cfg.Registry.Health.ProbeTimeout)
	}
}

func TestParse_RejectsUnknownBackend(t *testing.T) {
	_, err := Parse([]byte("storage:\n  backend: etcd\n"))
	if err == nil {
		t.Fatal("Expected error for unknown backend, got nil")
	}
}

func TestParse_ValidatesSeedInstances(t *testing.T) {
	_, err := Parse([]byte(`
instances:
  - name: gpu-a
    host: 10.0.0.5
    port: 99999
`))
	if err == nil {
		t.Fatal("Expected error for out-of-range port, got nil")
	}
}
