package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Auth.PINLength != 4 {
		t.Errorf("Expected PIN length 4, got %d", cfg.Auth.PINLength)
	}
	if cfg.Auth.LockoutThreshold != 5 {
		t.Errorf("Expected lockout threshold 5, got %d", cfg.Auth.LockoutThreshold)
	}
	if cfg.SessionTimeout() != 30*time.Minute {
		t.Errorf("Expected 30m session timeout, got %v", cfg.SessionTimeout())
	}
	if cfg.CacheTTL() != 5*time.Minute {
		t.Errorf("Expected 5m cache TTL, got %v", cfg.CacheTTL())
	}
	if cfg.SyncInterval() != 5*time.Minute {
		t.Errorf("Expected 5m sync interval, got %v", cfg.SyncInterval())
	}
	if cfg.Ledger.Enabled {
		t.Error("Ledger should be disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config failed validation: %v", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Auth.PINLength != 4 {
		t.Error("Missing file did not fall back to defaults")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vaultcore.yaml")
	content := `
data_dir: /tmp/vc-test
auth:
  pin_length: 6
  lockout_threshold: 3
ledger:
  enabled: true
  url: nats://ledger.example.org:4222
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.DataDir != "/tmp/vc-test" {
		t.Errorf("Unexpected data dir %q", cfg.DataDir)
	}
	if cfg.Auth.PINLength != 6 || cfg.Auth.LockoutThreshold != 3 {
		t.Errorf("Overrides not applied: %+v", cfg.Auth)
	}
	// Untouched sections keep their defaults.
	if cfg.Auth.SessionTimeoutMinutes != 30 {
		t.Errorf("Default lost on partial override: %d", cfg.Auth.SessionTimeoutMinutes)
	}
	if !cfg.Ledger.Enabled || cfg.Ledger.URL != "nats://ledger.example.org:4222" {
		t.Errorf("Ledger overrides not applied: %+v", cfg.Ledger)
	}
	if cfg.Ledger.Subject != "ledger.audit.submit" {
		t.Errorf("Ledger subject default lost: %q", cfg.Ledger.Subject)
	}
}

func TestLoadConfigRejectsWeakSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vaultcore.yaml")
	content := `
auth:
  pin_length: 2
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("Expected validation error for 2-digit PIN")
	}
}

func TestLoadConfigBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vaultcore.yaml")
	if err := os.WriteFile(path, []byte("auth: ["), 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("Expected parse error")
	}
}
