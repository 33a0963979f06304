// Danbooru Gateway - Image Search Request Processing Gateway
// Copyright 2026 Booru Tools
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/booru-tools/danbooru-gateway

package dlq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/booru-tools/danbooru-gateway/internal/crypto"
	"github.com/booru-tools/danbooru-gateway/internal/streams"
)

// retryableFragments mark provider failures worth another attempt. Anything
// else on the DLQ is considered permanent.
var retryableFragments = []string{
	"No posts found",
	"Rate limit",
	"API error",
}

// IsRetryable classifies a DLQ error message.
func IsRetryable(errorMessage string) bool {
	for _, fragment := range retryableFragments {
		if strings.Contains(errorMessage, fragment) {
			return true
		}
	}
	return false
}

// ConsumerConfig holds DLQ consumer settings.
type ConsumerConfig struct {
	// API is the stream namespace this consumer drains.
	API string

	// Consumer is this instance's name within the consumer group.
	Consumer string

	// Block bounds each XREADGROUP wait. Default 5s.
	Block time.Duration

	// BatchSize bounds entries per read. Default 10.
	BatchSize int64

	// IdleDelay paces the loop after a processed batch. Default 2s.
	IdleDelay time.Duration

	// ErrorDelay paces the loop after a read error. Default 5s.
	ErrorDelay time.Duration
}

func (c *ConsumerConfig) applyDefaults() {
	if c.Consumer == "" {
		c.Consumer = "dlq-consumer-1"
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.IdleDelay <= 0 {
		c.IdleDelay = 2 * time.Second
	}
	if c.ErrorDelay <= 0 {
		c.ErrorDelay = 5 * time.Second
	}
}

// Consumer drains the DLQ stream of one api, re-enqueueing retryable
// entries and promoting the rest to the dead queue. It runs as a
// supervised service and returns only when its context is canceled.
type Consumer struct {
	rdb    *redis.Client
	writer *Writer
	cfg    ConsumerConfig
	logger zerolog.Logger
}

// NewConsumer creates a Consumer.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewConsumer(rdb *redis.Client, writer *Writer, cfg ConsumerConfig, logger zerolog.Logger) *Consumer {
	cfg.applyDefaults()
	return &Consumer{
		rdb:    rdb,
		writer: writer,
		cfg:    cfg,
		logger: logger.With().Str("component", "dlq-consumer").Str("api", cfg.API).Logger(),
	}
}

// String implements fmt.Stringer for supervisor logs.
func (c *Consumer) String() string {
	return "dlq-consumer-" + strings.ToLower(c.cfg.API)
}

// Serve runs the consume loop until ctx is canceled.
func (c *Consumer) Serve(ctx context.Context) error {
	stream := streams.Name(c.cfg.API, streams.KindDLQ)
	group := streams.DLQGroup(c.cfg.API)

	if err := c.ensureGroup(ctx, stream, group); err != nil {
		return err
	}
	c.logger.Info().Str("stream", stream).Str("group", group).Msg("DLQ consumer started")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: c.cfg.Consumer,
			Streams:  []string{stream, ">"},
			Count:    c.cfg.BatchSize,
			Block:    c.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			c.logger.Error().Err(err).Msg("DLQ read failed")
			if !sleepCtx(ctx, c.cfg.ErrorDelay) {
				return ctx.Err()
			}
			continue
		}

		processed := 0
		for _, s := range res {
			for _, msg := range s.Messages {
				c.handleEntry(ctx, stream, group, msg)
				processed++
			}
		}
		if processed > 0 {
			if !sleepCtx(ctx, c.cfg.IdleDelay) {
				return ctx.Err()
			}
		}
	}
}

// ensureGroup creates the consumer group, tolerating concurrent creation.
func (c *Consumer) ensureGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create DLQ consumer group %s: %w", group, err)
	}
	return nil
}

// handleEntry routes one DLQ entry: retry, promote to dead, or discard
// when malformed. The writer's retry path deletes the entry from the
// stream on success and promotion paths delete it here; an entry whose
// handling failed transiently is left pending for the next pass.
func (c *Consumer) handleEntry(ctx context.Context, stream, group string, msg redis.XMessage) {
	logger := c.logger.With().Str("stream_id", msg.ID).Logger()

	entry, err := streams.ParseDLQEntry(msg.Values)
	if err != nil {
		logger.Warn().Err(err).Msg("discarding malformed DLQ entry")
		c.ackAndDelete(ctx, stream, group, msg.ID)
		return
	}
	logger = logger.With().Str("job_id", entry.JobID).Int("retry_count", entry.RetryCount).Logger()

	switch {
	case !IsRetryable(entry.ErrorMessage) || entry.RetryCount >= c.writer.MaxRetries():
		finalError := entry.OriginalError
		if finalError == "" {
			finalError = "Max retries exceeded"
		}
		if _, err := c.writer.PromoteToDead(ctx, c.cfg.API, entry, finalError); err != nil {
			// Leave the entry pending so the next pass retries the promotion.
			logger.Error().Err(err).Msg("dead queue promotion failed")
			return
		}
		c.ackAndDelete(ctx, stream, group, msg.ID)

	case entry.EncryptedQuery == "":
		// Privacy mode stored no payload, so the retry path cannot run.
		finalError := fmt.Sprintf("Retry skipped due to privacy masking (attempt %d)", entry.RetryCount+1)
		if _, err := c.writer.PromoteToDead(ctx, c.cfg.API, entry, finalError); err != nil {
			logger.Error().Err(err).Msg("dead queue promotion failed")
			return
		}
		c.ackAndDelete(ctx, stream, group, msg.ID)

	default:
		err := c.writer.RetryFromDLQ(ctx, c.cfg.API, entry.JobID, entry.RetryCount, msg.ID)
		switch {
		case err == nil:
			// RetryFromDLQ removed the stream entry itself.
			c.ack(ctx, stream, group, msg.ID)
		case errors.Is(err, ErrEntryNotFound):
			logger.Debug().Msg("DLQ entry already handled")
			c.ack(ctx, stream, group, msg.ID)
		case isTerminalRetryFailure(err):
			logger.Warn().Err(err).Msg("DLQ retry failed, promoting to dead queue")
			if _, perr := c.writer.PromoteToDead(ctx, c.cfg.API, entry, err.Error()); perr != nil {
				logger.Error().Err(perr).Msg("dead queue promotion failed")
				return
			}
			c.ackAndDelete(ctx, stream, group, msg.ID)
		default:
			// Transient infrastructure failure (Redis hiccup, missing
			// cipher): the entry stays pending for the next pass.
			logger.Error().Err(err).Msg("DLQ retry failed transiently, leaving entry pending")
		}
	}
}

// isTerminalRetryFailure reports whether a retry error is a verdict on the
// entry itself rather than a failure of the retry machinery. Terminal
// entries go to the dead queue; everything else stays pending.
func isTerminalRetryFailure(err error) bool {
	return errors.Is(err, ErrMaxRetriesExceeded) ||
		errors.Is(err, ErrEncryptedFieldAbsent) ||
		errors.Is(err, ErrHashMismatch) ||
		errors.Is(err, ErrDuplicateRetry) ||
		errors.Is(err, crypto.ErrDecryptionFailed)
}

func (c *Consumer) ack(ctx context.Context, stream, group, id string) {
	if err := c.rdb.XAck(ctx, stream, group, id).Err(); err != nil {
		c.logger.Warn().Err(err).Str("stream_id", id).Msg("xack failed")
	}
}

func (c *Consumer) ackAndDelete(ctx context.Context, stream, group, id string) {
	c.ack(ctx, stream, group, id)
	if err := c.rdb.XDel(ctx, stream, id).Err(); err != nil {
		c.logger.Warn().Err(err).Str("stream_id", id).Msg("xdel failed")
	}
}

// sleepCtx sleeps for d or until ctx is done. Returns false on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
