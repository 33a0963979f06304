// Danbooru Gateway - Image Search Request Processing Gateway
// Copyright 2026 Booru Tools
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/booru-tools/danbooru-gateway

package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// MemcachedBackend stores cache entries in memcached. Memcached has no key
// enumeration, so DeletePattern reports ErrPatternUnsupported and pattern
// invalidation degrades to a no-op upstream.
type MemcachedBackend struct {
	client *memcache.Client
}

// NewMemcachedBackend creates a memcached backend over the given servers.
func NewMemcachedBackend(servers ...string) *MemcachedBackend {
	return &MemcachedBackend{client: memcache.New(servers...)}
}

// Get implements Backend.
func (b *MemcachedBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	item, err := b.client.Get(key)
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("memcached get %s: %w", key, err)
	}
	return item.Value, true, nil
}

// Set implements Backend.
func (b *MemcachedBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	item := &memcache.Item{
		Key:        key,
		Value:      value,
		Expiration: int32(ttl.Seconds()),
	}
	if err := b.client.Set(item); err != nil {
		return fmt.Errorf("memcached set %s: %w", key, err)
	}
	return nil
}

// Delete implements Backend.
func (b *MemcachedBackend) Delete(_ context.Context, key string) error {
	if err := b.client.Delete(key); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return fmt.Errorf("memcached delete %s: %w", key, err)
	}
	return nil
}

// DeletePattern implements Backend.
func (b *MemcachedBackend) DeletePattern(context.Context, string) (int, error) {
	return 0, ErrPatternUnsupported
}
