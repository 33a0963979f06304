// Danbooru Gateway - Image Search Request Processing Gateway
// Copyright 2026 Booru Tools
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/booru-tools/danbooru-gateway

package cache

import (
	"context"
	"path"
	"sync"
	"time"
)

// memoryEntry is one cached value with its expiry.
type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryBackend is a thread-safe in-process cache with TTL support. It is
// used for single-node deployments and tests; pattern invalidation is
// supported with shell-style wildcards.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	done    chan struct{}
	once    sync.Once
}

// NewMemoryBackend creates a memory backend with a background sweeper that
// removes expired entries every interval (default 1 minute when zero).
func NewMemoryBackend(sweepInterval time.Duration) *MemoryBackend {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	b := &MemoryBackend{
		entries: make(map[string]memoryEntry),
		done:    make(chan struct{}),
	}
	go b.sweepLoop(sweepInterval)
	return b
}

// Get implements Backend.
func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.RLock()
	entry, exists := b.entries[key]
	b.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		b.mu.Lock()
		delete(b.entries, key)
		b.mu.Unlock()
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Set implements Backend.
func (b *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	copied := append([]byte(nil), value...)
	b.mu.Lock()
	b.entries[key] = memoryEntry{value: copied, expiresAt: time.Now().Add(ttl)}
	b.mu.Unlock()
	return nil
}

// Delete implements Backend.
func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	delete(b.entries, key)
	b.mu.Unlock()
	return nil
}

// DeletePattern implements Backend with shell-style wildcard matching.
func (b *MemoryBackend) DeletePattern(_ context.Context, pattern string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	deleted := 0
	for key := range b.entries {
		ok, err := path.Match(pattern, key)
		if err != nil {
			return deleted, err
		}
		if ok {
			delete(b.entries, key)
			deleted++
		}
	}
	return deleted, nil
}

// Close stops the background sweeper.
func (b *MemoryBackend) Close() {
	b.once.Do(func() { close(b.done) })
}

func (b *MemoryBackend) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			now := time.Now()
			b.mu.Lock()
			for key, entry := range b.entries {
				if now.After(entry.expiresAt) {
					delete(b.entries, key)
				}
			}
			b.mu.Unlock()
		}
	}
}
