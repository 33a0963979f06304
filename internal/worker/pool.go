// Danbooru Gateway - Image Search Request Processing Gateway
// Copyright 2026 Booru Tools
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/booru-tools/danbooru-gateway

package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/booru-tools/danbooru-gateway/internal/metrics"
	"github.com/booru-tools/danbooru-gateway/internal/streams"
)

// Pool drives a consumer group over one api's request stream. It runs as a
// supervised service: Serve blocks until the context is canceled, then
// waits for in-flight messages to finish before returning.
type Pool struct {
	rdb       *redis.Client
	processor *Processor
	cfg       Config
	logger    zerolog.Logger
}

// NewPool creates a Pool sharing the processor's configuration.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewPool(rdb *redis.Client, processor *Processor, logger zerolog.Logger) *Pool {
	return &Pool{
		rdb:       rdb,
		processor: processor,
		cfg:       processor.cfg,
		logger:    logger.With().Str("component", "worker-pool").Str("api", processor.cfg.API).Logger(),
	}
}

// String implements fmt.Stringer for supervisor logs.
func (p *Pool) String() string {
	return "worker-pool-" + strings.ToLower(p.cfg.API)
}

// Serve runs the consumer loops and the pending-entry reclaimer until ctx
// is canceled. Graceful drain: loops stop reading on cancellation and the
// final batch runs to completion before Serve returns.
func (p *Pool) Serve(ctx context.Context) error {
	stream := streams.Name(p.cfg.API, streams.KindRequests)
	group := streams.Group(p.cfg.API)

	if err := p.ensureGroup(ctx, stream, group); err != nil {
		return err
	}
	p.logger.Info().
		Str("stream", stream).
		Str("group", group).
		Int("concurrency", p.cfg.Concurrency).
		Msg("worker pool started")

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		consumer := fmt.Sprintf("worker-%d", i+1)
		go func() {
			defer wg.Done()
			p.consumeLoop(ctx, stream, group, consumer)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reclaimLoop(ctx, stream, group)
	}()

	wg.Wait()
	p.logger.Info().Msg("worker pool drained")
	return ctx.Err()
}

func (p *Pool) ensureGroup(ctx context.Context, stream, group string) error {
	err := p.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", group, err)
	}
	return nil
}

// consumeLoop reads and processes messages for one consumer name.
func (p *Pool) consumeLoop(ctx context.Context, stream, group, consumer string) {
	logger := p.logger.With().Str("consumer", consumer).Logger()

	for {
		if ctx.Err() != nil {
			return
		}

		res, err := p.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    p.cfg.BatchSize,
			Block:    p.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			logger.Error().Err(err).Msg("stream read failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, s := range res {
			for _, msg := range s.Messages {
				p.handle(ctx, stream, group, msg, logger)
			}
		}
	}
}

// handle processes one message and acknowledges it unless the processor
// reports the entry must stay pending. Processing finishes even when the
// pool is shutting down, so the drain never abandons an in-flight job.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func (p *Pool) handle(ctx context.Context, stream, group string, msg redis.XMessage, logger zerolog.Logger) {
	procCtx := context.WithoutCancel(ctx)
	if !p.processor.Process(procCtx, msg) {
		logger.Warn().Str("stream_id", msg.ID).Msg("message left pending")
		return
	}
	if err := p.rdb.XAck(procCtx, stream, group, msg.ID).Err(); err != nil {
		logger.Warn().Err(err).Str("stream_id", msg.ID).Msg("xack failed")
	}
}

// reclaimLoop periodically claims entries that have been pending longer
// than ClaimMinIdle (a crashed worker's leftovers) and runs them through
// the pipeline again. The processed marker makes redelivery harmless.
func (p *Pool) reclaimLoop(ctx context.Context, stream, group string) {
	ticker := time.NewTicker(p.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		start := "0-0"
		for {
			msgs, next, err := p.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   stream,
				Group:    group,
				Consumer: "reclaimer",
				MinIdle:  p.cfg.ClaimMinIdle,
				Start:    start,
				Count:    100,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				p.logger.Warn().Err(err).Msg("pending reclaim failed")
				break
			}
			for _, msg := range msgs {
				metrics.PendingReclaimed.WithLabelValues(p.cfg.API).Inc()
				p.handle(ctx, stream, group, msg, p.logger)
			}
			if next == "0-0" || len(msgs) == 0 {
				break
			}
			start = next
		}
	}
}
