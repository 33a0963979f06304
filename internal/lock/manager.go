// Danbooru Gateway - Image Search Request Processing Gateway
// Copyright 2026 Booru Tools
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/booru-tools/danbooru-gateway

// Package lock implements token-owned TTL locks on Redis.
//
// A lock is a key holding an opaque owner token with a TTL. Acquisition is
// SET NX EX; extension and release are compare-and-set Lua scripts so that
// a worker can never extend or delete a lock it no longer owns. WithLock
// runs a function under a lock with a heartbeat that keeps extending the
// TTL while the function is in flight.
package lock

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// releaseScript atomically deletes the key iff it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript atomically refreshes the TTL iff the key still holds our token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("EXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// ErrNotAcquired is returned by WithLock when the lock could not be taken.
var ErrNotAcquired = errors.New("lock not acquired")

// Stats holds cumulative lock manager counters.
type Stats struct {
	Acquired          int64
	Contended         int64
	Released          int64
	Heartbeats        int64
	HeartbeatFailures int64
}

// Manager acquires, extends and releases locks on a Redis client.
type Manager struct {
	rdb    redis.Cmdable
	logger zerolog.Logger

	acquired          atomic.Int64
	contended         atomic.Int64
	released          atomic.Int64
	heartbeats        atomic.Int64
	heartbeatFailures atomic.Int64
}

// NewManager creates a lock Manager.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewManager(rdb redis.Cmdable, logger zerolog.Logger) *Manager {
	return &Manager{rdb: rdb, logger: logger}
}

// Acquire attempts a single atomic set-if-absent with TTL. On success it
// returns the opaque owner token and true; on contention it returns false.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := m.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		m.contended.Add(1)
		return "", false, nil
	}
	m.acquired.Add(1)
	return token, true, nil
}

// AcquireWithRetry retries Acquire up to attempts times with exponential
// backoff starting at initial (100ms doubles to 200ms, 400ms, ...).
func (m *Manager) AcquireWithRetry(ctx context.Context, key string, ttl time.Duration, attempts int, initial time.Duration) (string, bool, error) {
	if attempts < 1 {
		attempts = 1
	}
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx)

	var (
		token string
		ok    bool
	)
	err := backoff.Retry(func() error {
		var aerr error
		token, ok, aerr = m.Acquire(ctx, key, ttl)
		if aerr != nil {
			return backoff.Permanent(aerr)
		}
		if !ok {
			return ErrNotAcquired
		}
		return nil
	}, policy)
	if err != nil {
		if errors.Is(err, ErrNotAcquired) {
			return "", false, nil
		}
		return "", false, err
	}
	return token, ok, nil
}

// Extend refreshes the TTL of a lock we own. Returns false when the lock
// has expired or is owned by someone else.
func (m *Manager) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	res, err := extendScript.Run(ctx, m.rdb, []string{key}, token, int(ttl.Seconds())).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Release deletes a lock we own. Returns false when the lock already
// expired or is owned by someone else; a second release is a no-op.
func (m *Manager) Release(ctx context.Context, key, token string) (bool, error) {
	res, err := releaseScript.Run(ctx, m.rdb, []string{key}, token).Int()
	if err != nil {
		return false, err
	}
	if res == 1 {
		m.released.Add(1)
		return true, nil
	}
	return false, nil
}

// WithLock acquires the lock, runs fn under it with a heartbeat extending
// the TTL every heartbeat interval, and always releases afterwards.
// Returns ErrNotAcquired when the lock is held elsewhere. Release errors
// are logged but never override fn's result.
func (m *Manager) WithLock(ctx context.Context, key string, ttl, heartbeat time.Duration, fn func(ctx context.Context) error) error {
	token, ok, err := m.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAcquired
	}

	stopHeartbeat := m.startHeartbeat(ctx, key, token, ttl, heartbeat)
	defer func() {
		stopHeartbeat()
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, rerr := m.Release(releaseCtx, key, token); rerr != nil {
			m.logger.Warn().Err(rerr).Str("key", key).Msg("lock release failed")
		}
	}()

	return fn(ctx)
}

// startHeartbeat extends the lock every interval until the returned stop
// function is called. A failed extension is logged; the operation keeps
// running and may complete with an expired lock.
func (m *Manager) startHeartbeat(ctx context.Context, key, token string, ttl, interval time.Duration) func() {
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := m.Extend(ctx, key, token, ttl)
				m.heartbeats.Add(1)
				if err != nil || !ok {
					m.heartbeatFailures.Add(1)
					m.logger.Warn().
						Err(err).
						Bool("owned", ok).
						Str("key", key).
						Msg("lock heartbeat failed")
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// Stats returns a snapshot of the manager's counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Acquired:          m.acquired.Load(),
		Contended:         m.contended.Load(),
		Released:          m.released.Load(),
		Heartbeats:        m.heartbeats.Load(),
		HeartbeatFailures: m.heartbeatFailures.Load(),
	}
}
