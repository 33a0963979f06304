// Danbooru Gateway - Image Search Request Processing Gateway
// Copyright 2026 Booru Tools
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/booru-tools/danbooru-gateway

// Package worker implements the consumer pool that drains request streams.
//
// Each message runs a fixed pipeline: dedup marker, DLQ duplicate probe,
// query lock, validation, rate limit, upstream fetch, response publish.
// Failures publish an error response and land on the DLQ; the message is
// acknowledged in every case except a failed DLQ write, which leaves the
// entry pending so the reclaim scanner can redeliver it after restart.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/booru-tools/danbooru-gateway/internal/cache"
	"github.com/booru-tools/danbooru-gateway/internal/crypto"
	"github.com/booru-tools/danbooru-gateway/internal/dlq"
	"github.com/booru-tools/danbooru-gateway/internal/lock"
	"github.com/booru-tools/danbooru-gateway/internal/metrics"
	"github.com/booru-tools/danbooru-gateway/internal/ratelimit"
	"github.com/booru-tools/danbooru-gateway/internal/streams"
	"github.com/booru-tools/danbooru-gateway/internal/upstream"
	"github.com/booru-tools/danbooru-gateway/internal/validation"
)

// PostFetcher is the upstream dependency of the processor.
type PostFetcher interface {
	FetchPosts(ctx context.Context, query string, limit int, random bool) (*upstream.Post, error)
}

// Config holds processing settings for one api.
type Config struct {
	// API is the stream namespace.
	API string

	// Concurrency is the number of parallel consumers. Default 5.
	Concurrency int

	// Block bounds each XREADGROUP wait. Default 5s.
	Block time.Duration

	// BatchSize bounds entries per read. Default 10.
	BatchSize int64

	// DedupTTL is the processed-marker lifetime. Default 24h.
	DedupTTL time.Duration

	// LockTTL bounds one worker's exclusive hold on a query. Default 60s.
	LockTTL time.Duration

	// RateLimit is the per-client request budget per RateWindow. Default 60.
	RateLimit int

	// RateWindow is the limiter window. Default 1m.
	RateWindow time.Duration

	// MaxBackoff caps the honored per-job backoffDelay. Default 30s.
	MaxBackoff time.Duration

	// ClaimMinIdle is the pending age before a crashed worker's entry is
	// reclaimed. Default 1m.
	ClaimMinIdle time.Duration

	// ClaimInterval paces the reclaim scanner. Default 30s.
	ClaimInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 24 * time.Hour
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 60 * time.Second
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 60
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Minute
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.ClaimMinIdle <= 0 {
		c.ClaimMinIdle = time.Minute
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = 30 * time.Second
	}
}

// lockRetry settings for the query lock.
const (
	lockRetryAttempts = 3
	lockRetryInitial  = 100 * time.Millisecond
)

// Processor runs the per-message pipeline.
type Processor struct {
	cfg       Config
	rdb       redis.Cmdable
	pub       *streams.Publisher
	validator *validation.Validator
	limiter   *ratelimit.Limiter
	locks     *lock.Manager
	fetcher   PostFetcher
	dlqWriter *dlq.Writer
	respCache *cache.ResponseCache
	logger    zerolog.Logger
}

// NewProcessor creates a Processor. respCache may be nil to disable the
// success write-through.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewProcessor(
	cfg Config,
	rdb redis.Cmdable,
	pub *streams.Publisher,
	validator *validation.Validator,
	limiter *ratelimit.Limiter,
	locks *lock.Manager,
	fetcher PostFetcher,
	dlqWriter *dlq.Writer,
	respCache *cache.ResponseCache,
	logger zerolog.Logger,
) *Processor {
	cfg.applyDefaults()
	return &Processor{
		cfg:       cfg,
		rdb:       rdb,
		pub:       pub,
		validator: validator,
		limiter:   limiter,
		locks:     locks,
		fetcher:   fetcher,
		dlqWriter: dlqWriter,
		respCache: respCache,
		logger:    logger,
	}
}

// Process runs one message through the pipeline. The returned bool reports
// whether the message should be acknowledged; false means the entry must
// stay pending (DLQ write failed).
func (p *Processor) Process(ctx context.Context, msg redis.XMessage) bool {
	api := p.cfg.API
	start := time.Now()
	metrics.JobsConsumed.WithLabelValues(api).Inc()
	metrics.JobsInFlight.WithLabelValues(api).Inc()
	defer metrics.JobsInFlight.WithLabelValues(api).Dec()

	env, err := streams.ParseJobEnvelope(msg.Values)
	if err != nil {
		jobID := jobIdentity(env)
		p.publishError(ctx, jobID, streams.CodeInvalidDTO, "Malformed request entry")
		metrics.RecordJob(api, "error", time.Since(start))
		return true
	}

	// The producer's jobId is the correlation identity on responses and
	// the dedup marker; a fresh UUID stands in when the producer sent
	// none. Validation separately checks a server-assigned UUID.
	jobID := jobIdentity(env)
	serverID := uuid.NewString()
	logger := p.logger.With().Str("api", api).Str("job_id", jobID).Logger()

	// Retried jobs carry the delay the DLQ consumer computed for them.
	if env.BackoffDelayMS > 0 {
		delay := time.Duration(env.BackoffDelayMS) * time.Millisecond
		if delay > p.cfg.MaxBackoff {
			delay = p.cfg.MaxBackoff
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}

	queryHash := crypto.SHA256Hex(env.Query)

	// Layer 1: processed marker. Exactly one worker wins a given jobId.
	won, err := p.rdb.SetNX(ctx, streams.ProcessedKey(jobID), "1", p.cfg.DedupTTL).Result()
	if err != nil {
		logger.Warn().Err(err).Msg("processed marker write failed, continuing")
	} else if !won {
		logger.Debug().Msg("job already processed, skipping")
		metrics.DuplicatesSkipped.WithLabelValues(api, "processed").Inc()
		metrics.RecordJob(api, "duplicate", time.Since(start))
		return true
	}

	// Layer 3: windowed DLQ probe.
	if p.dlqWriter.DedupCheck(ctx, api, env.Query, jobID) {
		logger.Info().Msg("duplicate request detected in DLQ window")
		metrics.DuplicatesSkipped.WithLabelValues(api, "dlq").Inc()
		p.publishError(ctx, jobID, streams.CodeDuplicate, "Duplicate request detected")
		metrics.RecordJob(api, "duplicate", time.Since(start))
		return true
	}

	// Layer 2: query lock.
	lockKey := streams.QueryLockKey(api, queryHash)
	token, acquired, err := p.locks.AcquireWithRetry(ctx, lockKey, p.cfg.LockTTL, lockRetryAttempts, lockRetryInitial)
	if err != nil && !errors.Is(err, lock.ErrNotAcquired) {
		logger.Warn().Err(err).Msg("lock acquisition failed")
	}
	if !acquired {
		metrics.LockAcquisitions.WithLabelValues(api, "contended").Inc()
		metrics.DuplicatesSkipped.WithLabelValues(api, "lock").Inc()
		p.publishError(ctx, jobID, streams.CodeDuplicate, "Query currently being processed")
		metrics.RecordJob(api, "skipped", time.Since(start))
		return true
	}
	metrics.LockAcquisitions.WithLabelValues(api, "acquired").Inc()
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, rerr := p.locks.Release(releaseCtx, lockKey, token); rerr != nil {
			logger.Warn().Err(rerr).Msg("lock release failed")
		}
	}()

	outcome, ack := p.runGuarded(ctx, logger, jobID, serverID, env)
	metrics.RecordJob(api, outcome, time.Since(start))
	return ack
}

// runGuarded executes the fallible pipeline steps with a single outer
// recovery: any panic publishes an INTERNAL error and routes to the DLQ.
func (p *Processor) runGuarded(ctx context.Context, logger zerolog.Logger, jobID, serverID string, env streams.JobEnvelope) (outcome string, ack bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("pipeline panic recovered")
			message := fmt.Sprintf("Internal error: %v", r)
			p.publishError(ctx, jobID, streams.CodeInternal, message)
			outcome = "error"
			ack = p.routeToDLQ(ctx, logger, jobID, string(streams.CodeInternal)+":"+message, env.Query, env.RetryCount)
		}
	}()

	api := p.cfg.API

	// Validation.
	res := p.validator.Validate(serverID, env)
	if !res.Valid {
		p.publishError(ctx, jobID, res.Code, res.Message)
		// A second probe covers the race where an identical job failed
		// into the DLQ while this one was in flight.
		if p.dlqWriter.DedupCheck(ctx, api, env.Query, jobID) {
			metrics.DuplicatesSkipped.WithLabelValues(api, "dlq").Inc()
			return "duplicate", true
		}
		return "error", p.routeToDLQ(ctx, logger, jobID, res.ErrorString(), env.Query, env.RetryCount)
	}

	// Rate limit.
	allowed, err := p.limiter.CheckSlidingWindow(ctx, api, env.ClientID, p.cfg.RateLimit, ratelimit.Window(p.cfg.RateWindow))
	if err != nil {
		logger.Warn().Err(err).Msg("rate limit check failed, allowing")
	} else if !allowed {
		metrics.RateLimitRejections.WithLabelValues(api, "minute").Inc()
		p.publishError(ctx, jobID, streams.CodeRateLimit, "Rate limit exceeded")
		return "error", true
	}

	// An identical random request inside the cache TTL reuses the first
	// answer instead of re-rolling upstream.
	ref := cache.Ref{API: api, Query: env.Query, Random: true, Limit: 1}
	if p.respCache != nil {
		var cached streams.Response
		hit, cerr := p.respCache.Get(ctx, ref, &cached)
		if cerr != nil {
			logger.Warn().Err(cerr).Msg("response cache read failed")
		} else if hit {
			metrics.CacheHits.WithLabelValues(api, "response").Inc()
			cached.JobID = jobID
			if _, err := p.pub.PublishResponse(ctx, api, &cached); err != nil {
				logger.Error().Err(err).Msg("cached response publish failed")
				message := fmt.Sprintf("Internal error: %v", err)
				return "error", p.routeToDLQ(ctx, logger, jobID, string(streams.CodeInternal)+":"+message, env.Query, env.RetryCount)
			}
			metrics.ResponsesPublished.WithLabelValues(api, "success").Inc()
			logger.Info().Int64("post_id", cached.ID).Msg("job served from response cache")
			return "success", true
		}
		metrics.CacheMisses.WithLabelValues(api, "response").Inc()
	}

	// Upstream fetch. Jobs always request one random post.
	fetchStart := time.Now()
	post, err := p.fetcher.FetchPosts(ctx, env.Query, 1, true)
	switch {
	case errors.Is(err, upstream.ErrNoPosts):
		metrics.RecordUpstream(api, "empty", time.Since(fetchStart))
		message := fmt.Sprintf("No posts found for query: %s", env.Query)
		p.publishError(ctx, jobID, streams.CodeUpstreamEmpty, message)
		return "error", p.routeToDLQ(ctx, logger, jobID, message, env.Query, env.RetryCount)
	case errors.Is(err, upstream.ErrCircuitOpen):
		metrics.RecordUpstream(api, "circuit_open", time.Since(fetchStart))
		message := "API error: upstream circuit breaker open"
		p.publishError(ctx, jobID, streams.CodeUpstreamError, message)
		return "error", p.routeToDLQ(ctx, logger, jobID, message, env.Query, env.RetryCount)
	case err != nil:
		metrics.RecordUpstream(api, "error", time.Since(fetchStart))
		message := fmt.Sprintf("API error: %v", err)
		p.publishError(ctx, jobID, streams.CodeUpstreamError, message)
		return "error", p.routeToDLQ(ctx, logger, jobID, message, env.Query, env.RetryCount)
	}
	metrics.RecordUpstream(api, "success", time.Since(fetchStart))

	// Success response plus write-through cache so an identical random
	// request within the TTL reuses this answer.
	resp := buildSuccess(jobID, post)
	if _, err := p.pub.PublishResponse(ctx, api, resp); err != nil {
		logger.Error().Err(err).Msg("response publish failed")
		message := fmt.Sprintf("Internal error: %v", err)
		return "error", p.routeToDLQ(ctx, logger, jobID, string(streams.CodeInternal)+":"+message, env.Query, env.RetryCount)
	}
	metrics.ResponsesPublished.WithLabelValues(api, "success").Inc()

	if p.respCache != nil {
		if err := p.respCache.Set(ctx, ref, resp); err != nil {
			logger.Warn().Err(err).Msg("response cache write failed")
		}
	}

	logger.Info().Int64("post_id", post.ID).Msg("job processed")
	return "success", true
}

// routeToDLQ appends the failure to the DLQ and clears both per-jobId
// markers (processed and dedup) so a later retry of the same jobId is not
// self-blocked at either layer. Returns false when the DLQ write fails:
// the message must stay pending.
func (p *Processor) routeToDLQ(ctx context.Context, logger zerolog.Logger, jobID, errorMessage, query string, retryCount int) bool {
	if _, err := p.dlqWriter.AddToDLQ(ctx, p.cfg.API, jobID, errorMessage, query, retryCount); err != nil {
		logger.Error().Err(err).Msg("DLQ write failed, leaving message pending")
		return false
	}
	metrics.DLQEntriesAdded.WithLabelValues(p.cfg.API).Inc()
	if err := p.rdb.Del(ctx, streams.ProcessedKey(jobID), streams.DedupJobKey(jobID)).Err(); err != nil {
		logger.Warn().Err(err).Msg("job marker cleanup failed")
	}
	return true
}

func (p *Processor) publishError(ctx context.Context, jobID string, code streams.ErrorCode, message string) {
	resp := streams.NewError(jobID, code, message, p.cfg.API)
	if _, err := p.pub.PublishResponse(ctx, p.cfg.API, resp); err != nil {
		p.logger.Error().Err(err).Str("job_id", jobID).Msg("error response publish failed")
		return
	}
	metrics.ResponsesPublished.WithLabelValues(p.cfg.API, "error").Inc()
	metrics.RecordError(p.cfg.API, string(code))
}

// jobIdentity picks the correlation identity: the producer's jobId when
// present, otherwise a fresh UUID.
func jobIdentity(env streams.JobEnvelope) string {
	if env.JobID != "" {
		return env.JobID
	}
	return uuid.NewString()
}

// buildSuccess maps a sanitized provider post onto the response envelope.
func buildSuccess(jobID string, post *upstream.Post) *streams.Response {
	resp := streams.NewSuccess(jobID)
	resp.ImageURL = post.FileURL
	resp.Author = post.TagStringArtist
	resp.Tags = strings.Fields(post.TagStringGeneral)
	resp.Rating = post.Rating
	resp.Source = post.Source
	resp.Copyright = post.TagStringCopyright
	resp.ID = post.ID
	resp.Characters = strings.Fields(post.TagStringCharacter)
	return resp
}
