// Package config loads DenIM daemon/client configuration. It keeps the
// teacher's DefaultConfig-plus-LoadConfig shape
// (daemon/config/config.go) but replaces the teacher's "simplified, just
// returns default" stub with real YAML parsing via gopkg.in/yaml.v3, since
// spec.md's configuration surface (the q ratio, buffer retention, lock
// TTLs) needs to be operator-tunable rather than compiled in.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Deniable-IM/denim/internal/validation"
)

// Config holds daemon and client configuration.
type Config struct {
	QUICAddress   string `yaml:"quic_address"`
	RedisAddress  string `yaml:"redis_address"`
	BoltPath      string `yaml:"bolt_path"`
	KeysDirectory string `yaml:"keys_directory"`

	// Q is the default bandwidth ratio between deniable appendix size and
	// overt payload size (spec.md §3, the q-bandwidth rule).
	Q float32 `yaml:"q"`

	PersistLockTTLSeconds int `yaml:"persist_lock_ttl_seconds"`
	BufferRetentionDays   int `yaml:"buffer_retention_days"`
	PageSize              int `yaml:"page_size"`

	EventBufferSize int `yaml:"event_buffer_size"`
	WorkerCount     int `yaml:"worker_count"`
}

// PersistLockTTL returns PersistLockTTLSeconds as a time.Duration.
func (c *Config) PersistLockTTL() time.Duration {
	return time.Duration(c.PersistLockTTLSeconds) * time.Second
}

// BufferRetention returns BufferRetentionDays as a time.Duration.
func (c *Config) BufferRetention() time.Duration {
	return time.Duration(c.BufferRetentionDays) * 24 * time.Hour
}

// DefaultConfig returns the built-in defaults, used whenever a key is
// absent from a loaded config file.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	keysDir := filepath.Join(homeDir, ".local", "share", "denim", "keys")

	return &Config{
		QUICAddress:           ":4433",
		RedisAddress:          "127.0.0.1:6379",
		BoltPath:              filepath.Join(homeDir, ".local", "share", "denim", "denim.db"),
		KeysDirectory:         keysDir,
		Q:                     0.6,
		PersistLockTTLSeconds: 30,
		BufferRetentionDays:   31,
		PageSize:              100,
		EventBufferSize:       100,
		WorkerCount:           8,
	}
}

// LoadConfig reads YAML configuration from configPath and overlays it on
// top of DefaultConfig. A missing file is not an error: the defaults are
// returned unchanged, the same fallback behavior the teacher's stub always
// exhibited.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	if configPath == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", configPath, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", configPath, err)
	}
	return cfg, Validate(cfg)
}

// Validate checks invariants LoadConfig can't express through YAML
// unmarshaling alone.
func Validate(c *Config) error {
	if err := validation.ValidateQ(c.Q); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("config: page_size must be positive, got %d", c.PageSize)
	}
	if c.PersistLockTTLSeconds <= 0 {
		return fmt.Errorf("config: persist_lock_ttl_seconds must be positive, got %d", c.PersistLockTTLSeconds)
	}
	if c.BufferRetentionDays <= 0 {
		return fmt.Errorf("config: buffer_retention_days must be positive, got %d", c.BufferRetentionDays)
	}
	return nil
}
