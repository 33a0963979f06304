// Danbooru Gateway - Image Search Request Processing Gateway
// Copyright 2026 Booru Tools
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/booru-tools/danbooru-gateway

package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewManager(client, zerolog.Nop()), mr
}

func TestAcquireRelease(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	token, ok, err := m.Acquire(ctx, "lock:query:danbooru:abc", 30*time.Second)
	if err != nil || !ok {
		t.Fatalf("Acquire: ok=%v err=%v", ok, err)
	}
	if token == "" {
		t.Fatal("expected non-empty token")
	}

	released, err := m.Release(ctx, "lock:query:danbooru:abc", token)
	if err != nil || !released {
		t.Fatalf("Release: ok=%v err=%v", released, err)
	}

	// Second release is a no-op returning false.
	released, err = m.Release(ctx, "lock:query:danbooru:abc", token)
	if err != nil {
		t.Fatal(err)
	}
	if released {
		t.Error("second release should return false")
	}
}

func TestAcquireContention(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, ok, err := m.Acquire(ctx, "k", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first Acquire: ok=%v err=%v", ok, err)
	}
	_, ok, err = m.Acquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("second Acquire on held lock must fail")
	}

	stats := m.Stats()
	if stats.Acquired != 1 || stats.Contended != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestReleaseWrongToken(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, ok, err := m.Acquire(ctx, "k", time.Minute)
	if err != nil || !ok {
		t.Fatal("acquire failed")
	}

	released, err := m.Release(ctx, "k", "not-the-token")
	if err != nil {
		t.Fatal(err)
	}
	if released {
		t.Error("release with wrong token must not delete the lock")
	}

	// The real owner can still be observed.
	if _, ok, _ := m.Acquire(ctx, "k", time.Minute); ok {
		t.Error("lock should still be held")
	}
}

func TestExtend(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	token, ok, err := m.Acquire(ctx, "k", 10*time.Second)
	if err != nil || !ok {
		t.Fatal("acquire failed")
	}

	extended, err := m.Extend(ctx, "k", token, time.Minute)
	if err != nil || !extended {
		t.Fatalf("Extend: ok=%v err=%v", extended, err)
	}
	if ttl := mr.TTL("k"); ttl != time.Minute {
		t.Errorf("TTL after extend = %v, want 1m", ttl)
	}

	extended, err = m.Extend(ctx, "k", "wrong-token", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if extended {
		t.Error("extend with wrong token must fail")
	}
}

func TestAcquireExpiry(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	_, ok, err := m.Acquire(ctx, "k", 5*time.Second)
	if err != nil || !ok {
		t.Fatal("acquire failed")
	}

	mr.FastForward(6 * time.Second)

	if _, ok, _ := m.Acquire(ctx, "k", 5*time.Second); !ok {
		t.Error("lock should be acquirable after TTL expiry")
	}
}

func TestAcquireWithRetryEventuallySucceeds(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	// Hold the lock, then free it from another goroutine after a short delay.
	token, ok, err := m.Acquire(ctx, "k", time.Minute)
	if err != nil || !ok {
		t.Fatal("acquire failed")
	}
	go func() {
		time.Sleep(150 * time.Millisecond)
		mr.Del("k")
		_ = token
	}()

	_, ok, err = m.AcquireWithRetry(ctx, "k", time.Minute, 3, 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("expected retry to acquire after release")
	}
}

func TestAcquireWithRetryGivesUp(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, ok, err := m.Acquire(ctx, "k", time.Minute); err != nil || !ok {
		t.Fatal("acquire failed")
	}

	start := time.Now()
	_, ok, err := m.AcquireWithRetry(ctx, "k", time.Minute, 3, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected retry to fail while lock is held")
	}
	// 2 retries after the initial attempt: 10ms + 20ms of backoff.
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("retries returned too fast: %v", elapsed)
	}
}

func TestWithLockRunsAndReleases(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	ran := false
	err := m.WithLock(ctx, "k", time.Minute, 0, func(ctx context.Context) error {
		ran = true
		if !mr.Exists("k") {
			t.Error("lock key should exist inside fn")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Error("fn did not run")
	}
	if mr.Exists("k") {
		t.Error("lock must be released after WithLock")
	}
}

func TestWithLockNotAcquired(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if _, ok, err := m.Acquire(ctx, "k", time.Minute); err != nil || !ok {
		t.Fatal("acquire failed")
	}

	err := m.WithLock(ctx, "k", time.Minute, 0, func(ctx context.Context) error {
		t.Error("fn must not run when lock is held elsewhere")
		return nil
	})
	if !errors.Is(err, ErrNotAcquired) {
		t.Errorf("expected ErrNotAcquired, got %v", err)
	}
}

func TestWithLockPropagatesFnError(t *testing.T) {
	m, mr := newTestManager(t)
	ctx := context.Background()

	sentinel := errors.New("boom")
	err := m.WithLock(ctx, "k", time.Minute, 0, func(ctx context.Context) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("expected fn error, got %v", err)
	}
	if mr.Exists("k") {
		t.Error("lock must be released even when fn fails")
	}
}

func TestExclusivityUnderContention(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	var mu sync.Mutex
	var holders int
	var maxHolders int

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithLock(ctx, "contended", time.Minute, 0, func(ctx context.Context) error {
				mu.Lock()
				holders++
				if holders > maxHolders {
					maxHolders = holders
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				holders--
				mu.Unlock()
				return nil
			})
			if err != nil && !errors.Is(err, ErrNotAcquired) {
				t.Errorf("WithLock: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxHolders > 1 {
		t.Errorf("at most one goroutine may hold the lock, saw %d", maxHolders)
	}
}
