// Danbooru Gateway - Image Search Request Processing Gateway
// Copyright 2026 Booru Tools
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/booru-tools/danbooru-gateway

// Package ratelimit implements the per-client sliding window limiter.
//
// The window is a single Redis counter keyed to a wall-clock bucket: one
// server-side Lua script increments the counter, sets the TTL on the first
// increment only, and compares against the limit. INCR and EXPIRE run as
// one atomic unit, so concurrent checks can never leave the counter
// without a TTL.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// windowScript is the atomic counter-window primitive. KEYS[1] is the
// counter, ARGV[1] the limit, ARGV[2] the window in seconds. Returns 1
// when the caller is within the limit (current <= limit), 0 otherwise.
var windowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
	redis.call("EXPIRE", KEYS[1], ARGV[2])
end
if current <= tonumber(ARGV[1]) then
	return 1
end
return 0
`)

// Window is a named counter window size.
type Window time.Duration

// Supported window sizes for CheckSlidingWindow.
const (
	Minute Window = Window(60 * time.Second)
	Hour   Window = Window(3600 * time.Second)
	Day    Window = Window(86400 * time.Second)
)

// GlobalIdentifier is used when a job carries no client ID.
const GlobalIdentifier = "global"

// Stats describes the current state of one rate counter.
type Stats struct {
	Key     string
	Current int64
	TTL     time.Duration
}

// Limiter checks counter windows against Redis.
type Limiter struct {
	rdb    redis.Cmdable
	logger zerolog.Logger
}

// NewLimiter creates a Limiter.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewLimiter(rdb redis.Cmdable, logger zerolog.Logger) *Limiter {
	return &Limiter{rdb: rdb, logger: logger}
}

// key builds the counter key. The API prefix is always lowercased.
func key(api, identifier string) string {
	return fmt.Sprintf("rate:%s:%s", strings.ToLower(api), identifier)
}

// Check runs the atomic window check for one identifier. The counter is
// incremented even when the result is a rejection; current == limit is
// allowed, current > limit rejects. A limit of zero rejects immediately
// without touching the counter.
func (l *Limiter) Check(ctx context.Context, identifier, api string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return false, nil
	}

	allowed, err := windowScript.Run(ctx, l.rdb, []string{key(api, identifier)},
		limit, int(window.Seconds())).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit check for %s: %w", key(api, identifier), err)
	}
	return allowed == 1, nil
}

// CheckSlidingWindow checks one of the named windows for a client, falling
// back to the global identifier when clientID is empty.
func (l *Limiter) CheckSlidingWindow(ctx context.Context, api, clientID string, limit int, window Window) (bool, error) {
	id := clientID
	if id == "" {
		id = GlobalIdentifier
	}
	return l.Check(ctx, id, api, limit, time.Duration(window))
}

// CheckComposite runs the window script for every identifier in one
// pipeline and reports blocked iff any individual result is over-limit.
// Every identifier is still incremented even when another one denies;
// this side effect across all keys is deliberate and relied upon by
// existing counters; do not short-circuit it.
func (l *Limiter) CheckComposite(ctx context.Context, api string, identifiers []string, limit int, window time.Duration) (bool, error) {
	if len(identifiers) == 0 {
		return true, nil
	}
	if limit <= 0 {
		return false, nil
	}

	pipe := l.rdb.Pipeline()
	cmds := make([]*redis.Cmd, 0, len(identifiers))
	for _, id := range identifiers {
		cmds = append(cmds, windowScript.Eval(ctx, pipe, []string{key(api, id)},
			limit, int(window.Seconds())))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("composite rate limit for %s: %w", api, err)
	}

	allowed := true
	for i, cmd := range cmds {
		n, err := cmd.Int()
		if err != nil {
			return false, fmt.Errorf("composite rate limit result for %s: %w", identifiers[i], err)
		}
		if n != 1 {
			allowed = false
		}
	}
	return allowed, nil
}

// Stats returns the current counter value and remaining TTL for an
// identifier. A missing counter reports zero.
func (l *Limiter) Stats(ctx context.Context, api, identifier string) (Stats, error) {
	k := key(api, identifier)
	stats := Stats{Key: k}

	current, err := l.rdb.Get(ctx, k).Int64()
	if err != nil {
		if err == redis.Nil {
			return stats, nil
		}
		return stats, fmt.Errorf("rate limit stats for %s: %w", k, err)
	}
	stats.Current = current

	ttl, err := l.rdb.TTL(ctx, k).Result()
	if err != nil {
		return stats, fmt.Errorf("rate limit ttl for %s: %w", k, err)
	}
	stats.TTL = ttl
	return stats, nil
}

// Reset deletes the counter for an identifier (admin operation).
func (l *Limiter) Reset(ctx context.Context, api, identifier string) error {
	if err := l.rdb.Del(ctx, key(api, identifier)).Err(); err != nil {
		return fmt.Errorf("rate limit reset for %s: %w", key(api, identifier), err)
	}
	l.logger.Info().Str("api", api).Str("identifier", identifier).Msg("rate limit counter reset")
	return nil
}
