// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/apiconn/storage"
)

// Prefix is prepended to every variable name.
const Prefix = "APICONN_"

// Config holds all application configuration
type Config struct {
	BaseURL     string        `env:"BASE_URL" envDefault:"http://localhost:5000/"`
	CacheExpiry time.Duration `env:"CACHE_EXPIRY" envDefault:"60s"`
	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"0"`
	Revalidate  bool          `env:"HTTP_REVALIDATE"`
	LogLevel    string        `env:"LOG_LEVEL" envDefault:"info"`
	GatewayAddr string        `env:"GATEWAY_ADDR" envDefault:":8080"`

	Storage StorageConfig
}

// StorageConfig selects where the session is kept between runs
type StorageConfig struct {
	Backend       string `env:"STORAGE_BACKEND" envDefault:"file"`
	Dir           string `env:"STORAGE_DIR"` // empty means ~/.apiconn
	Key           string `env:"STORAGE_KEY" envDefault:"user"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	DatabaseURL   string `env:"DATABASE_URL"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: Prefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	cfg.Storage.Backend = strings.ToLower(cfg.Storage.Backend)
	return cfg, nil
}

// Validate checks values the environment parser cannot
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("%sBASE_URL must be an absolute http(s) url, got %q", Prefix, c.BaseURL))
	}
	if c.CacheExpiry <= 0 {
		errs = append(errs, fmt.Errorf("%sCACHE_EXPIRY must be positive, got %s", Prefix, c.CacheExpiry))
	}
	if c.HTTPTimeout < 0 {
		errs = append(errs, fmt.Errorf("%sHTTP_TIMEOUT must not be negative, got %s", Prefix, c.HTTPTimeout))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("%sLOG_LEVEL: %w", Prefix, err))
	}
	if c.Storage.Key == "" {
		errs = append(errs, fmt.Errorf("%sSTORAGE_KEY must not be empty", Prefix))
	}

	switch c.Storage.Backend {
	case storage.BackendFile, storage.BackendMemory:
	case storage.BackendRedis:
		if !c.HasRedis() {
			errs = append(errs, fmt.Errorf("%sREDIS_ADDR is required for the redis backend", Prefix))
		}
	case storage.BackendPostgres:
		if !c.HasPostgres() {
			errs = append(errs, fmt.Errorf("%sDATABASE_URL is required for the postgres backend", Prefix))
		}
	default:
		errs = append(errs, fmt.Errorf("%sSTORAGE_BACKEND %q is not one of file, memory, redis, postgres", Prefix, c.Storage.Backend))
	}
	return errors.Join(errs...)
}

// HasRedis returns true if a Redis server is configured
func (c *Config) HasRedis() bool {
	return c.Storage.RedisAddr != ""
}

// HasPostgres returns true if a Postgres database is configured
func (c *Config) HasPostgres() bool {
	return c.Storage.DatabaseURL != ""
}

// StorageOptions converts the storage settings for storage.Open.
func (c *Config) StorageOptions() storage.Options {
	return storage.Options{
		Backend:       c.Storage.Backend,
		Dir:           c.Storage.Dir,
		RedisAddr:     c.Storage.RedisAddr,
		RedisPassword: c.Storage.RedisPassword,
		RedisDB:       c.Storage.RedisDB,
		DatabaseURL:   c.Storage.DatabaseURL,
	}
}
