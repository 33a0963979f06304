// Danbooru Gateway - Image Search Request Processing Gateway
// Copyright 2026 Booru Tools
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/booru-tools/danbooru-gateway

// Package main is the entry point for the gateway.
//
// The gateway reads image-search jobs off Redis request streams, runs each
// through deduplication, locking, validation and rate limiting, fetches a
// result from the upstream provider, and publishes the outcome on the
// response stream. Failures route through an encrypted dead-letter queue
// with bounded retries.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables (GATEWAY_ prefix)
//   - Config file (config.yaml, or GATEWAY_CONFIG_PATH)
//   - Built-in defaults
//
// Minimal production setup:
//
//	export GATEWAY_REDIS_ADDR=redis:6379
//	export GATEWAY_DLQ_ENCRYPTION_KEY=$(openssl rand -hex 32)
//	export GATEWAY_UPSTREAM_USERNAME=bot
//	export GATEWAY_UPSTREAM_API_KEY=secret
//	./danbooru-gateway
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger graceful shutdown: the workers stop reading,
// in-flight jobs run to ACK or DLQ, locks are released, and the ops
// server drains within its shutdown timeout.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/booru-tools/danbooru-gateway/internal/cache"
	"github.com/booru-tools/danbooru-gateway/internal/config"
	"github.com/booru-tools/danbooru-gateway/internal/crypto"
	"github.com/booru-tools/danbooru-gateway/internal/dlq"
	"github.com/booru-tools/danbooru-gateway/internal/lock"
	"github.com/booru-tools/danbooru-gateway/internal/logging"
	"github.com/booru-tools/danbooru-gateway/internal/ops"
	"github.com/booru-tools/danbooru-gateway/internal/ratelimit"
	"github.com/booru-tools/danbooru-gateway/internal/streams"
	"github.com/booru-tools/danbooru-gateway/internal/supervisor"
	"github.com/booru-tools/danbooru-gateway/internal/upstream"
	"github.com/booru-tools/danbooru-gateway/internal/validation"
	"github.com/booru-tools/danbooru-gateway/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().
		Strs("apis", cfg.APIs).
		Str("redis", cfg.Redis.Addr).
		Str("cache_backend", cfg.Cache.Backend).
		Str("dlq_mode", cfg.DLQ.Mode).
		Msg("Starting danbooru-gateway")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	defer func() {
		if err := rdb.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing Redis client")
		}
	}()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logging.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unreachable")
	}

	cipher, err := buildCipher(cfg.DLQ)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize DLQ cipher")
	}

	backend, err := buildCacheBackend(cfg.Cache, rdb)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize cache backend")
	}

	logger := logging.Component("gateway")
	respCache := cache.New(backend, cfg.Cache.TTL, logging.Component("cache"))
	pub := streams.NewPublisher(rdb, logging.Component("streams"))
	limiter := ratelimit.NewLimiter(rdb, logging.Component("ratelimit"))
	locks := lock.NewManager(rdb, logging.Component("lock"))
	validator := validation.New(cfg.Auth.HMACSecret, cfg.Auth.RequireAuth)

	dlqCfg := dlq.Config{
		Mode:        dlq.Mode(cfg.DLQ.Mode),
		MaxRetries:  cfg.DLQ.MaxRetries,
		DedupWindow: cfg.DLQ.DedupWindow,
	}

	slogger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	tree := supervisor.NewTree(slogger, supervisor.DefaultTreeConfig())

	writers := make(map[string]*dlq.Writer, len(cfg.APIs))
	breakers := make(map[string]ops.BreakerReporter, len(cfg.APIs))

	for _, api := range cfg.APIs {
		fetcher := upstream.NewFetcher(upstream.Config{
			BaseURL:     cfg.Upstream.BaseURL,
			Username:    cfg.Upstream.Username,
			APIKey:      cfg.Upstream.APIKey,
			API:         api,
			Timeout:     cfg.Upstream.Timeout,
			MaxAttempts: cfg.Upstream.MaxAttempts,
			MaxBackoff:  cfg.Upstream.MaxBackoff,
		}, respCache, logging.Component("upstream"))
		breakers[api] = fetcher

		writer := dlq.NewWriter(rdb, pub, cipher, dlqCfg, logging.Component("dlq"))
		writers[api] = writer

		processor := worker.NewProcessor(
			worker.Config{
				API:           api,
				Concurrency:   cfg.Worker.Concurrency,
				Block:         cfg.Worker.BlockTimeout,
				BatchSize:     cfg.Worker.BatchSize,
				DedupTTL:      cfg.Worker.DedupTTL,
				LockTTL:       cfg.Worker.LockTTL,
				RateLimit:     cfg.Worker.RateLimit,
				RateWindow:    cfg.Worker.RateWindow,
				MaxBackoff:    cfg.Worker.MaxBackoff,
				ClaimMinIdle:  cfg.Worker.ClaimMinIdle,
				ClaimInterval: cfg.Worker.ClaimInterval,
			},
			rdb, pub, validator, limiter, locks, fetcher, writer, respCache,
			logging.Component("worker"),
		)
		tree.AddPipelineService(worker.NewPool(rdb, processor, logging.Component("worker")))

		tree.AddDLQService(dlq.NewConsumer(rdb, writer, dlq.ConsumerConfig{
			API:      api,
			Consumer: hostnameConsumer(),
		}, logging.Component("dlq")))
	}

	tree.AddOpsService(ops.New(
		ops.Config{
			Addr:            cfg.Ops.Addr,
			RateLimit:       cfg.Ops.RateLimit,
			RateWindow:      cfg.Ops.RateWindow,
			ShutdownTimeout: cfg.Ops.ShutdownTimeout,
		},
		rdb, limiter, respCache, writers, breakers,
		logging.Component("ops"),
	))

	logger.Info().Msg("Supervisor tree starting")
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Fatal().Err(err).Msg("Supervisor tree failed")
	}

	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		for _, svc := range report {
			logger.Warn().Str("service", svc.Name).Msg("Service did not stop within timeout")
		}
	}
	logger.Info().Msg("Shutdown complete")
}

// buildCipher constructs the DLQ cipher from the configured key or
// passphrase. Privacy mode runs without one.
func buildCipher(cfg config.DLQConfig) (*crypto.Cipher, error) {
	switch {
	case cfg.Mode == "privacy":
		return nil, nil
	case cfg.EncryptionKey != "":
		return crypto.NewCipher(cfg.EncryptionKey)
	default:
		return crypto.NewCipherFromPassphrase(cfg.Passphrase)
	}
}

// buildCacheBackend selects the response cache backend.
func buildCacheBackend(cfg config.CacheConfig, rdb *redis.Client) (cache.Backend, error) {
	switch cfg.Backend {
	case "redis":
		return cache.NewRedisBackend(rdb), nil
	case "memcached":
		return cache.NewMemcachedBackend(cfg.MemcachedAddrs...), nil
	case "memory":
		return cache.NewMemoryBackend(cfg.TTL), nil
	default:
		return nil, errors.New("unknown cache backend " + cfg.Backend)
	}
}

// hostnameConsumer derives a stable consumer name for this instance.
func hostnameConsumer() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "dlq-consumer-1"
	}
	return "dlq-" + host
}
