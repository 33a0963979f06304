// Danbooru Gateway - Image Search Request Processing Gateway
// Copyright 2026 Booru Tools
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/booru-tools/danbooru-gateway

package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/booru-tools/danbooru-gateway/internal/cache"
)

const postJSON = `{"data":[{
	"id": 42,
	"file_url": "https://example.com/image.jpg",
	"rating": "s",
	"source": "https://example.com/source",
	"tag_string_artist": "artist_name",
	"tag_string_general": "1girl solo",
	"tag_string_copyright": "vocaloid",
	"tag_string_character": "hatsune_miku"
}]}`

func newFetcher(t *testing.T, serverURL string, opts ...func(*Config)) *Fetcher {
	t.Helper()
	cfg := Config{
		BaseURL:     serverURL,
		Username:    "bot",
		APIKey:      "key",
		API:         "danbooru",
		Timeout:     2 * time.Second,
		MaxAttempts: 3,
		MaxBackoff:  50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return NewFetcher(cfg, nil, zerolog.Nop())
}

func TestFetchPostsSuccess(t *testing.T) {
	var gotPath, gotQuery string
	var gotAuth bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("tags")
		_, _, gotAuth = r.BasicAuth()
		w.Write([]byte(postJSON))
	}))
	defer srv.Close()

	f := newFetcher(t, srv.URL)
	post, err := f.FetchPosts(context.Background(), "hatsune_miku 1girl", 1, true)
	if err != nil {
		t.Fatal(err)
	}

	if gotPath != "/posts.json" {
		t.Errorf("path = %s", gotPath)
	}
	if gotQuery != "hatsune_miku 1girl" {
		t.Errorf("tags = %s", gotQuery)
	}
	if !gotAuth {
		t.Error("expected Basic auth")
	}
	if post.FileURL != "https://example.com/image.jpg" || post.Rating != "s" || post.ID != 42 {
		t.Errorf("unexpected post: %+v", post)
	}
	if post.TagStringArtist != "artist_name" {
		t.Errorf("artist = %s", post.TagStringArtist)
	}
}

func TestFetchPostsEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	f := newFetcher(t, srv.URL)
	_, err := f.FetchPosts(context.Background(), "no_such_tag", 1, true)
	if !errors.Is(err, ErrNoPosts) {
		t.Errorf("expected ErrNoPosts, got %v", err)
	}
}

func TestRetryOn500ThenSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(postJSON))
	}))
	defer srv.Close()

	f := newFetcher(t, srv.URL)
	post, err := f.FetchPosts(context.Background(), "miku", 1, true)
	if err != nil {
		t.Fatal(err)
	}
	if post == nil || calls.Load() != 3 {
		t.Errorf("expected success on third attempt, calls=%d", calls.Load())
	}
}

func TestRetryHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	var firstRetry time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		firstRetry = time.Now()
		w.Write([]byte(postJSON))
	}))
	defer srv.Close()

	start := time.Now()
	f := newFetcher(t, srv.URL, func(c *Config) { c.MaxBackoff = 5 * time.Second })
	if _, err := f.FetchPosts(context.Background(), "miku", 1, true); err != nil {
		t.Fatal(err)
	}
	if elapsed := firstRetry.Sub(start); elapsed < time.Second {
		t.Errorf("retry came after %v, expected >= 1s per Retry-After", elapsed)
	}
}

func TestRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := newFetcher(t, srv.URL)
	_, err := f.FetchPosts(context.Background(), "miku", 1, true)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestNonRetryableStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newFetcher(t, srv.URL)
	_, err := f.FetchPosts(context.Background(), "miku", 1, true)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("404 must not be retried, got %d attempts", calls.Load())
	}
}

func TestSanitization(t *testing.T) {
	dirty := `{"data":[{
		"id": 1,
		"file_url": "https://example.com/image.jpg",
		"rating": "s",
		"source": "javascript:alert(1)",
		"tag_string_artist": "<script>alert('xss')</script>artist",
		"tag_string_general": "1girl <b>bold</b>"
	}]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(dirty))
	}))
	defer srv.Close()

	f := newFetcher(t, srv.URL)
	post, err := f.FetchPosts(context.Background(), "miku", 1, true)
	if err != nil {
		t.Fatal(err)
	}

	if post.TagStringArtist != "alert(&#39;xss&#39;)artist" {
		t.Errorf("artist not sanitized: %q", post.TagStringArtist)
	}
	if post.TagStringGeneral != "1girl bold" {
		t.Errorf("general tags not sanitized: %q", post.TagStringGeneral)
	}
	if post.Source != "" {
		t.Errorf("javascript source must be dropped: %q", post.Source)
	}
	if post.FileURL != "https://example.com/image.jpg" {
		t.Errorf("clean URL must pass through: %q", post.FileURL)
	}
}

func TestCircuitBreakerOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newFetcher(t, srv.URL, func(c *Config) {
		c.BreakerFailureThreshold = 2
		c.MaxAttempts = 10
	})

	_, err := f.FetchPosts(context.Background(), "miku", 1, true)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen once threshold is hit, got %v", err)
	}
	if f.BreakerState() != "open" {
		t.Errorf("breaker state = %s, want open", f.BreakerState())
	}
}

func TestNonRandomUsesCache(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(postJSON))
	}))
	defer srv.Close()

	backend := cache.NewMemoryBackend(time.Minute)
	t.Cleanup(backend.Close)
	responseCache := cache.New(backend, time.Hour, zerolog.Nop())

	cfg := Config{
		BaseURL: srv.URL, Username: "bot", APIKey: "key", API: "danbooru",
		Timeout: time.Second, MaxAttempts: 1,
	}
	f := NewFetcher(cfg, responseCache, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		post, err := f.FetchPosts(ctx, "miku", 1, false)
		if err != nil {
			t.Fatal(err)
		}
		if post.ID != 42 {
			t.Errorf("unexpected post: %+v", post)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("non-random fetch should hit upstream once, got %d", calls.Load())
	}

	// Random fetches bypass the post cache.
	if _, err := f.FetchPosts(ctx, "miku", 1, true); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Errorf("random fetch must bypass the cache, calls=%d", calls.Load())
	}
}
