package config

import (
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("AUTH_API_BASE_URL", "http://localhost:8081")
	t.Setenv("STORAGE_POLICY", StorageVolatile)

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8090" {
		t.Fatalf("expected default server port, got %q", cfg.ServerPort)
	}
	if cfg.LockoutMaxAttempts != 3 {
		t.Fatalf("expected default lockout attempts 3, got %d", cfg.LockoutMaxAttempts)
	}
	if cfg.LockoutSeconds != 300 {
		t.Fatalf("expected default lockout window 300s, got %d", cfg.LockoutSeconds)
	}
	if cfg.SessionExchange != "transfa.session" {
		t.Fatalf("expected default session exchange, got %q", cfg.SessionExchange)
	}
	if cfg.TokenExpiryMarginSeconds != 60 {
		t.Fatalf("expected default expiry margin 60s, got %d", cfg.TokenExpiryMarginSeconds)
	}
}

func TestLoadConfig_RequiresAuthAPIBaseURL(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("AUTH_API_BASE_URL", "")
	t.Setenv("STORAGE_POLICY", StorageVolatile)

	_, err := LoadConfig(t.TempDir())
	if err == nil {
		t.Fatal("expected missing AUTH_API_BASE_URL error")
	}
	if !strings.Contains(err.Error(), "AUTH_API_BASE_URL") {
		t.Fatalf("expected error to name the missing key, got %v", err)
	}
}

func TestLoadConfig_DurablePolicyRequiresRedisAndSealKey(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("AUTH_API_BASE_URL", "http://localhost:8081")
	t.Setenv("STORAGE_POLICY", StorageDurable)
	t.Setenv("REDIS_URL", "")
	t.Setenv("SESSION_SEAL_KEY", "")

	if _, err := LoadConfig(t.TempDir()); err == nil || !strings.Contains(err.Error(), "REDIS_URL") {
		t.Fatalf("expected REDIS_URL requirement, got %v", err)
	}

	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	if _, err := LoadConfig(t.TempDir()); err == nil || !strings.Contains(err.Error(), "SESSION_SEAL_KEY") {
		t.Fatalf("expected SESSION_SEAL_KEY requirement, got %v", err)
	}
}

func TestLoadConfig_RejectsUnknownStoragePolicy(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("AUTH_API_BASE_URL", "http://localhost:8081")
	t.Setenv("STORAGE_POLICY", "sometimes")

	if _, err := LoadConfig(t.TempDir()); err == nil || !strings.Contains(err.Error(), "STORAGE_POLICY") {
		t.Fatalf("expected storage policy validation error, got %v", err)
	}
}
