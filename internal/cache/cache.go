// Danbooru Gateway - Image Search Request Processing Gateway
// Copyright 2026 Booru Tools
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/booru-tools/danbooru-gateway

package cache

import (
	"context"
	"errors"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// ResponseCache stores JSON-encoded values under deterministic keys.
// Entries are immutable for their TTL.
type ResponseCache struct {
	backend Backend
	ttl     time.Duration
	logger  zerolog.Logger
}

// New creates a ResponseCache with the given default TTL.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func New(backend Backend, ttl time.Duration, logger zerolog.Logger) *ResponseCache {
	return &ResponseCache{backend: backend, ttl: ttl, logger: logger}
}

// Get loads the cached value for ref into out. A corrupt entry (JSON that
// no longer decodes) is deleted and reported as a miss, never as an error.
func (c *ResponseCache) Get(ctx context.Context, ref Ref, out interface{}) (bool, error) {
	key := ref.Key()
	raw, found, err := c.backend.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	if err := json.Unmarshal(raw, out); err != nil {
		c.logger.Warn().Str("key", key).Err(err).Msg("corrupt cache entry deleted")
		if derr := c.backend.Delete(ctx, key); derr != nil {
			c.logger.Warn().Str("key", key).Err(derr).Msg("failed to delete corrupt cache entry")
		}
		return false, nil
	}
	return true, nil
}

// Set stores the value for ref, optionally overriding the default TTL.
func (c *ResponseCache) Set(ctx context.Context, ref Ref, value interface{}, ttl ...time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	expiry := c.ttl
	if len(ttl) > 0 && ttl[0] > 0 {
		expiry = ttl[0]
	}
	return c.backend.Set(ctx, ref.Key(), raw, expiry)
}

// Delete removes the entry for ref.
func (c *ResponseCache) Delete(ctx context.Context, ref Ref) error {
	return c.backend.Delete(ctx, ref.Key())
}

// Invalidate removes all keys matching a wildcard pattern and returns the
// count. Backends without pattern support yield 0 with a warning.
func (c *ResponseCache) Invalidate(ctx context.Context, pattern string) (int, error) {
	n, err := c.backend.DeletePattern(ctx, pattern)
	if err != nil {
		if errors.Is(err, ErrPatternUnsupported) {
			c.logger.Warn().Str("pattern", pattern).Msg("cache backend does not support pattern invalidation")
			return 0, nil
		}
		return n, err
	}
	c.logger.Debug().Str("pattern", pattern).Int("deleted", n).Msg("cache invalidated")
	return n, nil
}

// InvalidateByPrefix removes every cached entry of an API.
func (c *ResponseCache) InvalidateByPrefix(ctx context.Context, api string) (int, error) {
	return c.Invalidate(ctx, PrefixPattern(api))
}

// GetOrSet returns the cached value for ref, or calls fetch on a miss.
// Non-nil fetch results are cached with the given TTL; nil results are NOT
// cached so a later request retries the fetch.
func GetOrSet[T any](ctx context.Context, c *ResponseCache, ref Ref, fetch func(context.Context) (*T, error), ttl ...time.Duration) (*T, error) {
	var cached T
	hit, err := c.Get(ctx, ref, &cached)
	if err != nil {
		return nil, err
	}
	if hit {
		return &cached, nil
	}

	value, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, nil
	}
	if err := c.Set(ctx, ref, value, ttl...); err != nil {
		c.logger.Warn().Str("key", ref.Key()).Err(err).Msg("cache write-through failed")
	}
	return value, nil
}
