// Package config loads the device configuration from YAML, falling back
// to safe defaults when no file is present.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full device configuration.
type Config struct {
	// DataDir is the root directory for the database and secret store.
	DataDir string `yaml:"data_dir"`

	// Auth configuration
	Auth AuthConfig `yaml:"auth"`

	// Vault configuration
	Vault VaultConfig `yaml:"vault"`

	// Ledger configuration
	Ledger LedgerConfig `yaml:"ledger"`

	// Sealing configuration
	Sealing SealingConfig `yaml:"sealing"`

	// Backup configuration
	Backup BackupConfig `yaml:"backup"`
}

// AuthConfig holds PIN and session settings.
type AuthConfig struct {
	PINLength             int `yaml:"pin_length"`
	LockoutThreshold      int `yaml:"lockout_threshold"`
	SessionTimeoutMinutes int `yaml:"session_timeout_minutes"`
}

// VaultConfig holds record cache settings.
type VaultConfig struct {
	CacheSize       int `yaml:"cache_size"`
	CacheTTLMinutes int `yaml:"cache_ttl_minutes"`
}

// LedgerConfig holds audit queue and sync settings.
type LedgerConfig struct {
	Enabled             bool   `yaml:"enabled"`
	URL                 string `yaml:"url"`
	Subject             string `yaml:"subject"`
	CredentialsFile     string `yaml:"credentials_file"`
	RequestTimeoutMs    int    `yaml:"request_timeout_ms"`
	ReconnectWaitMs     int    `yaml:"reconnect_wait_ms"`
	MaxReconnects       int    `yaml:"max_reconnects"`
	SyncIntervalMinutes int    `yaml:"sync_interval_minutes"`
}

// SealingConfig selects how the secret store is sealed at rest. When a
// KMS key ARN is set, sealing goes through KMS; otherwise a local
// device-derived key is used.
type SealingConfig struct {
	KMSKeyARN string `yaml:"kms_key_arn"`
	Region    string `yaml:"region"`
}

// BackupConfig holds export settings.
type BackupConfig struct {
	S3Bucket string `yaml:"s3_bucket"`
	Region   string `yaml:"region"`
}

// LoadConfig loads configuration from a YAML file. Defaults are used for
// anything the file does not set; a missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values that would weaken the security posture.
func (c *Config) Validate() error {
	if c.Auth.PINLength < 4 {
		return fmt.Errorf("config: pin_length must be at least 4")
	}
	if c.Auth.LockoutThreshold < 1 {
		return fmt.Errorf("config: lockout_threshold must be at least 1")
	}
	if c.Auth.SessionTimeoutMinutes < 1 {
		return fmt.Errorf("config: session_timeout_minutes must be at least 1")
	}
	if c.Vault.CacheSize < 1 {
		return fmt.Errorf("config: cache_size must be at least 1")
	}
	return nil
}

// SessionTimeout returns the session timeout as a duration.
func (c *Config) SessionTimeout() time.Duration {
	return time.Duration(c.Auth.SessionTimeoutMinutes) * time.Minute
}

// CacheTTL returns the record cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Vault.CacheTTLMinutes) * time.Minute
}

// SyncInterval returns the ledger sync interval as a duration.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Ledger.SyncIntervalMinutes) * time.Minute
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "/var/lib/vaultcore",
		Auth: AuthConfig{
			PINLength:             4,
			LockoutThreshold:      5,
			SessionTimeoutMinutes: 30,
		},
		Vault: VaultConfig{
			CacheSize:       100,
			CacheTTLMinutes: 5,
		},
		Ledger: LedgerConfig{
			Enabled:             false,
			URL:                 "nats://127.0.0.1:4222",
			Subject:             "ledger.audit.submit",
			RequestTimeoutMs:    10000,
			ReconnectWaitMs:     2000,
			MaxReconnects:       -1, // Unlimited
			SyncIntervalMinutes: 5,
		},
		Backup: BackupConfig{
			Region: "us-east-1",
		},
	}
}
