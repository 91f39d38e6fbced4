package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/briangreenhill/apiconn/storage"
)

var allVars = []string{
	"BASE_URL", "CACHE_EXPIRY", "HTTP_TIMEOUT", "HTTP_REVALIDATE", "LOG_LEVEL", "GATEWAY_ADDR",
	"STORAGE_BACKEND", "STORAGE_DIR", "STORAGE_KEY",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "DATABASE_URL",
}

// clearEnv unsets every APICONN_ variable for the duration of the test
func clearEnv(t *testing.T) {
	t.Helper()
	for _, v := range allVars {
		key := Prefix + v
		if old, ok := os.LookupEnv(key); ok {
			t.Cleanup(func() { _ = os.Setenv(key, old) })
		} else {
			t.Cleanup(func() { _ = os.Unsetenv(key) })
		}
		_ = os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.BaseURL != "http://localhost:5000/" {
		t.Errorf("Expected default base url, got '%s'", cfg.BaseURL)
	}
	if cfg.CacheExpiry != time.Minute {
		t.Errorf("Expected expiry 1m, got %s", cfg.CacheExpiry)
	}
	if cfg.HTTPTimeout != 0 {
		t.Errorf("Expected no timeout, got %s", cfg.HTTPTimeout)
	}
	if cfg.Revalidate {
		t.Error("Revalidation should be off by default")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected log level info, got '%s'", cfg.LogLevel)
	}
	if cfg.GatewayAddr != ":8080" {
		t.Errorf("Expected gateway addr :8080, got '%s'", cfg.GatewayAddr)
	}
	if cfg.Storage.Backend != storage.BackendFile || cfg.Storage.Key != "user" {
		t.Errorf("Unexpected storage defaults: %+v", cfg.Storage)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults should validate: %v", err)
	}
}

func TestLoad(t *testing.T) {
	clearEnv(t)
	t.Setenv("APICONN_BASE_URL", "https://api.example.com/v1")
	t.Setenv("APICONN_CACHE_EXPIRY", "5m")
	t.Setenv("APICONN_HTTP_TIMEOUT", "10s")
	t.Setenv("APICONN_HTTP_REVALIDATE", "true")
	t.Setenv("APICONN_LOG_LEVEL", "debug")
	t.Setenv("APICONN_STORAGE_BACKEND", "Redis")
	t.Setenv("APICONN_REDIS_ADDR", "localhost:6379")
	t.Setenv("APICONN_REDIS_DB", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.BaseURL != "https://api.example.com/v1/" {
		t.Errorf("Expected trailing slash to be added, got '%s'", cfg.BaseURL)
	}
	if cfg.CacheExpiry != 5*time.Minute {
		t.Errorf("Expected expiry 5m, got %s", cfg.CacheExpiry)
	}
	if cfg.HTTPTimeout != 10*time.Second {
		t.Errorf("Expected timeout 10s, got %s", cfg.HTTPTimeout)
	}
	if !cfg.Revalidate {
		t.Error("Revalidation should be on")
	}
	if cfg.Storage.Backend != storage.BackendRedis {
		t.Errorf("Expected backend to be lower-cased, got '%s'", cfg.Storage.Backend)
	}
	if !cfg.HasRedis() {
		t.Error("Should have Redis configured")
	}
	if cfg.HasPostgres() {
		t.Error("Should not have Postgres configured")
	}

	opts := cfg.StorageOptions()
	if opts.RedisAddr != "localhost:6379" || opts.RedisDB != 3 {
		t.Errorf("Unexpected storage options: %+v", opts)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Should validate: %v", err)
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	clearEnv(t)
	t.Setenv("APICONN_CACHE_EXPIRY", "soon")

	if _, err := Load(); err == nil {
		t.Error("Expected error for invalid APICONN_CACHE_EXPIRY")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			BaseURL:     "http://localhost:5000/",
			CacheExpiry: time.Minute,
			LogLevel:    "info",
			Storage:     StorageConfig{Backend: storage.BackendMemory, Key: "user"},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"relative base", func(c *Config) { c.BaseURL = "/api/" }, "BASE_URL"},
		{"ftp base", func(c *Config) { c.BaseURL = "ftp://host/" }, "BASE_URL"},
		{"zero expiry", func(c *Config) { c.CacheExpiry = 0 }, "CACHE_EXPIRY"},
		{"negative timeout", func(c *Config) { c.HTTPTimeout = -time.Second }, "HTTP_TIMEOUT"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "LOG_LEVEL"},
		{"empty key", func(c *Config) { c.Storage.Key = "" }, "STORAGE_KEY"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "etcd" }, "STORAGE_BACKEND"},
		{"redis without addr", func(c *Config) { c.Storage.Backend = storage.BackendRedis }, "REDIS_ADDR"},
		{"postgres without url", func(c *Config) { c.Storage.Backend = storage.BackendPostgres }, "DATABASE_URL"},
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("Base config should validate: %v", err)
	}
	for _, tt := range tests {
		cfg := valid()
		tt.mutate(cfg)
		err := cfg.Validate()
		if err == nil {
			t.Errorf("%s: expected an error", tt.name)
			continue
		}
		if !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: error %q should mention %s", tt.name, err, tt.want)
		}
	}

	// several problems are reported together
	cfg := valid()
	cfg.CacheExpiry = 0
	cfg.LogLevel = "loud"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "CACHE_EXPIRY") || !strings.Contains(err.Error(), "LOG_LEVEL") {
		t.Errorf("Expected both problems to be reported, got %v", err)
	}
}
