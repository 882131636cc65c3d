package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Q != DefaultConfig().Q {
		t.Fatalf("expected default q, got %v", cfg.Q)
	}
}

func TestLoadConfigEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.PageSize != DefaultConfig().PageSize {
		t.Fatalf("expected default page size, got %d", cfg.PageSize)
	}
}

func TestLoadConfigOverlaysYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "denim.yaml")
	yamlContent := "q: 0.3\nredis_address: \"redis.internal:6380\"\n"
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Q != 0.3 {
		t.Fatalf("expected overlay q=0.3, got %v", cfg.Q)
	}
	if cfg.RedisAddress != "redis.internal:6380" {
		t.Fatalf("expected overlay redis address, got %q", cfg.RedisAddress)
	}
	// Fields absent from the YAML keep their defaults.
	if cfg.PageSize != DefaultConfig().PageSize {
		t.Fatalf("expected default page size to survive overlay, got %d", cfg.PageSize)
	}
}

func TestLoadConfigRejectsInvalidQ(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "denim.yaml")
	if err := os.WriteFile(path, []byte("q: 1.5\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected validation error for q outside (0, 1]")
	}
}

func TestPersistLockTTLConversion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PersistLockTTLSeconds = 45
	if cfg.PersistLockTTL().Seconds() != 45 {
		t.Fatalf("expected 45s, got %v", cfg.PersistLockTTL())
	}
}
