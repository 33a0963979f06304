// Danbooru Gateway - Image Search Request Processing Gateway
// Copyright 2026 Booru Tools
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/booru-tools/danbooru-gateway

// Package config loads gateway configuration using Koanf v2 with layered
// sources: struct defaults, an optional YAML file, then environment
// variables (highest priority). Environment variables use the GATEWAY_
// prefix with underscores as nesting separators, e.g.
// GATEWAY_REDIS_ADDR -> redis.addr.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/danbooru-gateway/config.yaml",
	"/etc/danbooru-gateway/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "GATEWAY_CONFIG_PATH"

// envPrefix namespaces the gateway's environment variables.
const envPrefix = "GATEWAY_"

// Config is the root configuration.
type Config struct {
	APIs     []string       `koanf:"apis"`
	Redis    RedisConfig    `koanf:"redis"`
	Cache    CacheConfig    `koanf:"cache"`
	Worker   WorkerConfig   `koanf:"worker"`
	DLQ      DLQConfig      `koanf:"dlq"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Auth     AuthConfig     `koanf:"auth"`
	Ops      OpsConfig      `koanf:"ops"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// RedisConfig addresses the stream/lock/limit datastore.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	PoolSize int    `koanf:"pool_size"`
}

// CacheConfig selects and tunes the response cache backend.
type CacheConfig struct {
	// Backend is "redis", "memcached" or "memory".
	Backend        string        `koanf:"backend"`
	TTL            time.Duration `koanf:"ttl"`
	MemcachedAddrs []string      `koanf:"memcached_addrs"`
}

// WorkerConfig tunes the consumer pool.
type WorkerConfig struct {
	Concurrency   int           `koanf:"concurrency"`
	BlockTimeout  time.Duration `koanf:"block_timeout"`
	BatchSize     int64         `koanf:"batch_size"`
	DedupTTL      time.Duration `koanf:"dedup_ttl"`
	LockTTL       time.Duration `koanf:"lock_ttl"`
	RateLimit     int           `koanf:"rate_limit"`
	RateWindow    time.Duration `koanf:"rate_window"`
	MaxBackoff    time.Duration `koanf:"max_backoff"`
	ClaimMinIdle  time.Duration `koanf:"claim_min_idle"`
	ClaimInterval time.Duration `koanf:"claim_interval"`
}

// DLQConfig tunes the dead-letter queue.
type DLQConfig struct {
	// Mode is "encrypted" or "privacy".
	Mode string `koanf:"mode"`

	// EncryptionKey is 64 hex characters (AES-256). Required in
	// encrypted mode. A passphrase may be supplied instead.
	EncryptionKey string `koanf:"encryption_key"`
	Passphrase    string `koanf:"passphrase"`

	MaxRetries  int           `koanf:"max_retries"`
	DedupWindow time.Duration `koanf:"dedup_window"`
}

// UpstreamConfig addresses the image provider.
type UpstreamConfig struct {
	BaseURL     string        `koanf:"base_url"`
	Username    string        `koanf:"username"`
	APIKey      string        `koanf:"api_key"`
	Timeout     time.Duration `koanf:"timeout"`
	MaxAttempts int           `koanf:"max_attempts"`
	MaxBackoff  time.Duration `koanf:"max_backoff"`
}

// AuthConfig controls producer authentication.
type AuthConfig struct {
	RequireAuth bool   `koanf:"require_auth"`
	HMACSecret  string `koanf:"hmac_secret"`
}

// OpsConfig tunes the operational HTTP server.
type OpsConfig struct {
	Addr            string        `koanf:"addr"`
	RateLimit       int           `koanf:"rate_limit"`
	RateWindow      time.Duration `koanf:"rate_window"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig tunes zerolog output.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns the built-in defaults. They are applied first,
// then overridden by the config file and environment variables.
func defaultConfig() *Config {
	return &Config{
		APIs: []string{"danbooru"},
		Redis: RedisConfig{
			Addr:     "127.0.0.1:6379",
			Password: "",
			DB:       0,
			PoolSize: 10,
		},
		Cache: CacheConfig{
			Backend:        "redis",
			TTL:            time.Hour,
			MemcachedAddrs: []string{"127.0.0.1:11211"},
		},
		Worker: WorkerConfig{
			Concurrency:   5,
			BlockTimeout:  5 * time.Second,
			BatchSize:     10,
			DedupTTL:      24 * time.Hour,
			LockTTL:       60 * time.Second,
			RateLimit:     60,
			RateWindow:    time.Minute,
			MaxBackoff:    30 * time.Second,
			ClaimMinIdle:  time.Minute,
			ClaimInterval: 30 * time.Second,
		},
		DLQ: DLQConfig{
			Mode:        "encrypted",
			MaxRetries:  5,
			DedupWindow: time.Hour,
		},
		Upstream: UpstreamConfig{
			BaseURL:     "https://danbooru.donmai.us",
			Timeout:     10 * time.Second,
			MaxAttempts: 3,
			MaxBackoff:  30 * time.Second,
		},
		Auth: AuthConfig{
			RequireAuth: false,
		},
		Ops: OpsConfig{
			Addr:            ":8960",
			RateLimit:       100,
			RateWindow:      time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load builds the configuration from defaults, file and environment.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	envProvider := env.Provider(envPrefix, ".", envTransform)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// envTransform maps GATEWAY_REDIS_ADDR to redis.addr. The first segment
// becomes the section; the rest join with underscores to match the koanf
// tags above.
func envTransform(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	parts := strings.SplitN(s, "_", 2)
	if len(parts) == 1 {
		return parts[0]
	}
	return parts[0] + "." + parts[1]
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths lists fields parsed as comma-separated slices when set
// from the environment.
var sliceConfigPaths = []string{
	"apis",
	"cache.memcached_addrs",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}
		s, ok := val.(string)
		if !ok {
			continue
		}
		parts := strings.Split(s, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if err := k.Set(path, out); err != nil {
			return fmt.Errorf("set slice field %s: %w", path, err)
		}
	}
	return nil
}

// hexKeyPattern matches a 64-hex-character AES-256 key.
var hexKeyPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// Validate enforces startup invariants. Misconfigured upstream credentials
// and a bad encryption key fail fast rather than at first use.
func (c *Config) Validate() error {
	if len(c.APIs) == 0 {
		return fmt.Errorf("at least one api prefix is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}

	switch c.Cache.Backend {
	case "redis", "memcached", "memory":
	default:
		return fmt.Errorf("cache.backend must be redis, memcached or memory, got %q", c.Cache.Backend)
	}
	if c.Cache.Backend == "memcached" && len(c.Cache.MemcachedAddrs) == 0 {
		return fmt.Errorf("cache.memcached_addrs is required for the memcached backend")
	}

	if c.Worker.LockTTL < 30*time.Second || c.Worker.LockTTL > 300*time.Second {
		return fmt.Errorf("worker.lock_ttl must be between 30s and 300s, got %s", c.Worker.LockTTL)
	}
	if c.Worker.RateLimit < 0 {
		return fmt.Errorf("worker.rate_limit must not be negative")
	}

	switch c.DLQ.Mode {
	case "encrypted":
		if c.DLQ.EncryptionKey == "" && c.DLQ.Passphrase == "" {
			return fmt.Errorf("dlq.encryption_key or dlq.passphrase is required in encrypted mode")
		}
		if c.DLQ.EncryptionKey != "" && !hexKeyPattern.MatchString(c.DLQ.EncryptionKey) {
			return fmt.Errorf("dlq.encryption_key must be 64 hex characters")
		}
	case "privacy":
	default:
		return fmt.Errorf("dlq.mode must be encrypted or privacy, got %q", c.DLQ.Mode)
	}

	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if (c.Upstream.Username == "") != (c.Upstream.APIKey == "") {
		return fmt.Errorf("upstream.username and upstream.api_key must be set together")
	}

	if c.Auth.RequireAuth && c.Auth.HMACSecret == "" {
		return fmt.Errorf("auth.hmac_secret is required when auth.require_auth is set")
	}

	return nil
}
