// Danbooru Gateway - Image Search Request Processing Gateway
// Copyright 2026 Booru Tools
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/booru-tools/danbooru-gateway

package cache

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type post struct {
	FileURL string `json:"file_url"`
	Rating  string `json:"rating"`
}

func newRedisCache(t *testing.T) (*ResponseCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(NewRedisBackend(client), time.Hour, zerolog.Nop()), mr
}

func newMemoryCache(t *testing.T) *ResponseCache {
	t.Helper()
	backend := NewMemoryBackend(time.Minute)
	t.Cleanup(backend.Close)
	return New(backend, time.Hour, zerolog.Nop())
}

func TestNormalize(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Hatsune_Miku  1girl", "hatsune_miku 1girl"},
		{"  miku  ", "miku"},
		{"a\t b\n c", "a b c"},
		{"ALREADY lower", "already lower"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestKeyDeterministic(t *testing.T) {
	a := Ref{API: "danbooru", Query: "Hatsune_Miku  1girl", Random: true, Limit: 5, Tags: []string{"b", "a"}}
	b := Ref{API: "Danbooru", Query: "hatsune_miku 1girl", Random: true, Limit: 5, Tags: []string{"a", "b"}}
	if a.Key() != b.Key() {
		t.Errorf("equivalent refs must produce identical keys:\n%s\n%s", a.Key(), b.Key())
	}
}

func TestKeyGrammar(t *testing.T) {
	base := Ref{API: "danbooru", Query: "miku"}
	key := base.Key()
	if !strings.HasPrefix(key, "cache:danbooru:posts:") {
		t.Errorf("unexpected key prefix: %s", key)
	}
	if strings.Contains(key, ":limit:") || strings.Contains(key, ":seed:") || strings.Contains(key, ":tag:") {
		t.Errorf("bare ref must have no optional components: %s", key)
	}
	if strings.Contains(key, "miku") {
		t.Errorf("plaintext query leaked into key: %s", key)
	}

	withLimit := Ref{API: "danbooru", Query: "miku", Limit: 3}
	if !strings.Contains(withLimit.Key(), ":limit:3") {
		t.Errorf("limit component missing: %s", withLimit.Key())
	}

	withSeed := Ref{API: "danbooru", Query: "miku", Random: true}
	seedKey := withSeed.Key()
	idx := strings.Index(seedKey, ":seed:")
	if idx < 0 {
		t.Fatalf("seed component missing: %s", seedKey)
	}
	seed := seedKey[idx+len(":seed:"):]
	if len(seed) != 16 {
		t.Errorf("seed must be 16 hex chars, got %q", seed)
	}

	withTags := Ref{API: "danbooru", Query: "miku", Tags: []string{"vocaloid"}}
	if !strings.Contains(withTags.Key(), ":tag:") {
		t.Errorf("tag component missing: %s", withTags.Key())
	}

	// Distinct inputs produce distinct keys.
	keys := map[string]bool{
		base.Key():      true,
		withLimit.Key(): true,
		seedKey:         true,
		withTags.Key():  true,
	}
	if len(keys) != 4 {
		t.Errorf("expected 4 distinct keys, got %d", len(keys))
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	c, _ := newRedisCache(t)
	ctx := context.Background()
	ref := Ref{API: "danbooru", Query: "miku", Limit: 1}

	want := post{FileURL: "https://example.com/image.jpg", Rating: "s"}
	if err := c.Set(ctx, ref, want); err != nil {
		t.Fatal(err)
	}

	var got post
	hit, err := c.Get(ctx, ref, &got)
	if err != nil {
		t.Fatal(err)
	}
	if !hit {
		t.Fatal("expected cache hit")
	}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestTTLExpiry(t *testing.T) {
	c, mr := newRedisCache(t)
	ctx := context.Background()
	ref := Ref{API: "danbooru", Query: "miku"}

	if err := c.Set(ctx, ref, post{FileURL: "u"}, 10*time.Second); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(11 * time.Second)

	var got post
	hit, err := c.Get(ctx, ref, &got)
	if err != nil {
		t.Fatal(err)
	}
	if hit {
		t.Error("expected miss after TTL expiry")
	}
}

func TestCorruptEntryDeletedAndMiss(t *testing.T) {
	c, mr := newRedisCache(t)
	ctx := context.Background()
	ref := Ref{API: "danbooru", Query: "miku"}

	if err := mr.Set(ref.Key(), "{not json"); err != nil {
		t.Fatal(err)
	}

	var got post
	hit, err := c.Get(ctx, ref, &got)
	if err != nil {
		t.Fatalf("corrupt entry must read as miss, got error: %v", err)
	}
	if hit {
		t.Error("corrupt entry must not be a hit")
	}
	if mr.Exists(ref.Key()) {
		t.Error("corrupt entry must be deleted")
	}
}

func TestGetOrSetCachesNonNil(t *testing.T) {
	c, _ := newRedisCache(t)
	ctx := context.Background()
	ref := Ref{API: "danbooru", Query: "miku"}

	calls := 0
	fetch := func(ctx context.Context) (*post, error) {
		calls++
		return &post{FileURL: "fetched"}, nil
	}

	got, err := GetOrSet(ctx, c, ref, fetch)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.FileURL != "fetched" {
		t.Fatalf("unexpected result: %+v", got)
	}

	// Second call is served from cache.
	got, err = GetOrSet(ctx, c, ref, fetch)
	if err != nil {
		t.Fatal(err)
	}
	if got.FileURL != "fetched" {
		t.Errorf("unexpected cached result: %+v", got)
	}
	if calls != 1 {
		t.Errorf("fetch called %d times, want 1", calls)
	}
}

func TestGetOrSetNilNotCached(t *testing.T) {
	c, mr := newRedisCache(t)
	ctx := context.Background()
	ref := Ref{API: "danbooru", Query: "no_results"}

	fetch := func(ctx context.Context) (*post, error) { return nil, nil }
	got, err := GetOrSet(ctx, c, ref, fetch)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
	if mr.Exists(ref.Key()) {
		t.Error("nil results must not be cached")
	}
}

func TestGetOrSetFetchError(t *testing.T) {
	c, _ := newRedisCache(t)
	ctx := context.Background()

	sentinel := errors.New("upstream down")
	_, err := GetOrSet(ctx, c, Ref{API: "danbooru", Query: "q"}, func(ctx context.Context) (*post, error) {
		return nil, sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("expected fetch error, got %v", err)
	}
}

func TestInvalidatePattern(t *testing.T) {
	c, _ := newRedisCache(t)
	ctx := context.Background()

	refs := []Ref{
		{API: "danbooru", Query: "a"},
		{API: "danbooru", Query: "b"},
		{API: "gelbooru", Query: "c"},
	}
	for _, ref := range refs {
		if err := c.Set(ctx, ref, post{FileURL: "u"}); err != nil {
			t.Fatal(err)
		}
	}

	n, err := c.InvalidateByPrefix(ctx, "danbooru")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("invalidated %d keys, want 2", n)
	}

	var got post
	if hit, _ := c.Get(ctx, refs[2], &got); !hit {
		t.Error("other api's entries must survive")
	}
}

func TestMemoryBackendPatternAndTTL(t *testing.T) {
	c := newMemoryCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, Ref{API: "danbooru", Query: "a"}, post{FileURL: "u"}); err != nil {
		t.Fatal(err)
	}
	n, err := c.InvalidateByPrefix(ctx, "danbooru")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("invalidated %d, want 1", n)
	}
}

func TestPatternUnsupportedDegradesToZero(t *testing.T) {
	backend := &patternlessBackend{}
	c := New(backend, time.Hour, zerolog.Nop())

	n, err := c.Invalidate(context.Background(), "cache:danbooru:*")
	if err != nil {
		t.Fatalf("unsupported pattern must not surface an error: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 deletions, got %d", n)
	}
}

// patternlessBackend simulates a backend without key enumeration.
type patternlessBackend struct{}

func (p *patternlessBackend) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, nil
}
func (p *patternlessBackend) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (p *patternlessBackend) Delete(context.Context, string) error                     { return nil }
func (p *patternlessBackend) DeletePattern(context.Context, string) (int, error) {
	return 0, ErrPatternUnsupported
}
