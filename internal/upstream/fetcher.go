// Danbooru Gateway - Image Search Request Processing Gateway
// Copyright 2026 Booru Tools
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/booru-tools/danbooru-gateway

// Package upstream implements the HTTP client for the image provider.
//
// The fetcher retries transient failures (network timeouts, 429, 5xx)
// honoring Retry-After when the provider sends it, falling back to
// exponential backoff with jitter. A circuit breaker sheds load when the
// provider is down. Non-random fetches consult the response cache first
// and write through on success.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/rs/zerolog"

	"github.com/booru-tools/danbooru-gateway/internal/cache"
)

var (
	// ErrNoPosts is returned when the provider answers with an empty data set.
	ErrNoPosts = errors.New("upstream returned no posts")

	// ErrCircuitOpen is returned while the breaker is shedding load.
	ErrCircuitOpen = errors.New("upstream circuit breaker open")
)

// Post is one provider post, sanitized for downstream use.
type Post struct {
	ID                 int64  `json:"id"`
	FileURL            string `json:"file_url"`
	Rating             string `json:"rating"`
	Source             string `json:"source"`
	TagStringArtist    string `json:"tag_string_artist"`
	TagStringGeneral   string `json:"tag_string_general"`
	TagStringCopyright string `json:"tag_string_copyright"`
	TagStringCharacter string `json:"tag_string_character"`
}

// apiResponse is the provider's JSON envelope.
type apiResponse struct {
	Data []Post `json:"data"`
}

// Config holds fetcher settings.
type Config struct {
	// BaseURL is the provider root, e.g. "https://danbooru.donmai.us".
	BaseURL string

	// Username and APIKey are the Basic auth credentials.
	Username string
	APIKey   string

	// API is the api prefix this fetcher serves (cache key namespace).
	API string

	// Timeout is the hard per-request timeout. Default 10s.
	Timeout time.Duration

	// MaxAttempts bounds retries per fetch. Default 3.
	MaxAttempts int

	// MaxBackoff caps the delay between attempts. Default 30s.
	MaxBackoff time.Duration

	// BreakerFailureThreshold is the consecutive-failure count that opens
	// the circuit. Default 5.
	BreakerFailureThreshold uint32
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.BreakerFailureThreshold == 0 {
		c.BreakerFailureThreshold = 5
	}
}

// statusError is a non-2xx provider reply, carrying any Retry-After hint.
type statusError struct {
	status     int
	retryAfter time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("upstream status %d", e.status)
}

// retryable reports whether the attempt may be repeated.
func (e *statusError) retryable() bool {
	return e.status == http.StatusTooManyRequests || e.status >= 500
}

// Fetcher fetches posts from the provider.
type Fetcher struct {
	cfg     Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[[]Post]
	cache   *cache.ResponseCache
	logger  zerolog.Logger
}

// NewFetcher creates a Fetcher. responseCache may be nil to disable the
// cache integration.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewFetcher(cfg Config, responseCache *cache.ResponseCache, logger zerolog.Logger) *Fetcher {
	cfg.applyDefaults()

	breaker := gobreaker.NewCircuitBreaker[[]Post](gobreaker.Settings{
		Name:    cfg.API + "-upstream",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailureThreshold
		},
	})

	return &Fetcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		cache:   responseCache,
		logger:  logger,
	}
}

// BreakerState reports the circuit breaker state for readiness checks.
func (f *Fetcher) BreakerState() string {
	return f.breaker.State().String()
}

// FetchPosts retrieves one post for the query. limit defaults to 1 and
// random to the caller's choice. Returns ErrNoPosts when the provider has
// nothing for the query, and a wrapped error when retries are exhausted or
// the failure is not retryable.
//
// When a cache is configured and random is false the cache is consulted
// first and written through on success. Random fetches bypass the post
// cache; their reproducibility is handled at the response layer.
func (f *Fetcher) FetchPosts(ctx context.Context, query string, limit int, random bool) (*Post, error) {
	if limit <= 0 {
		limit = 1
	}

	if !random && f.cache != nil {
		ref := cache.Ref{API: f.cfg.API, Query: query, Random: false, Limit: limit}
		return cache.GetOrSet(ctx, f.cache, ref, func(ctx context.Context) (*Post, error) {
			return f.fetchWithRetry(ctx, query, limit, random)
		})
	}
	return f.fetchWithRetry(ctx, query, limit, random)
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, query string, limit int, random bool) (*Post, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = f.cfg.MaxBackoff
	bo.MaxElapsedTime = 0

	var lastErr error
	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		posts, err := f.fetchOnce(ctx, query, limit, random)
		if err == nil {
			if len(posts) == 0 {
				return nil, ErrNoPosts
			}
			post := posts[0]
			post.sanitize()
			return &post, nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrCircuitOpen
		}

		retryAfter, ok := retryDelay(err)
		if !ok {
			return nil, fmt.Errorf("upstream fetch: %w", err)
		}
		lastErr = err

		if attempt == f.cfg.MaxAttempts {
			break
		}
		delay := retryAfter
		if delay <= 0 {
			delay = bo.NextBackOff()
		}
		if delay > f.cfg.MaxBackoff {
			delay = f.cfg.MaxBackoff
		}
		f.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("upstream fetch failed, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("upstream retries exhausted: %w", lastErr)
}

// fetchOnce performs one HTTP round trip under the circuit breaker.
func (f *Fetcher) fetchOnce(ctx context.Context, query string, limit int, random bool) ([]Post, error) {
	return f.breaker.Execute(func() ([]Post, error) {
		endpoint, err := f.buildURL(query, limit, random)
		if err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(f.cfg.Username, f.cfg.APIKey)
		req.Header.Set("Accept", "application/json")

		resp, err := f.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, &statusError{
				status:     resp.StatusCode,
				retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			}
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return nil, err
		}
		var parsed apiResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, fmt.Errorf("decode upstream response: %w", err)
		}
		return parsed.Data, nil
	})
}

func (f *Fetcher) buildURL(query string, limit int, random bool) (string, error) {
	base, err := url.Parse(f.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	base.Path = "/posts.json"

	params := url.Values{}
	params.Set("tags", query)
	params.Set("limit", strconv.Itoa(limit))
	if random {
		params.Set("random", "true")
	}
	base.RawQuery = params.Encode()
	return base.String(), nil
}

// retryDelay classifies an attempt error. It returns the provider-supplied
// delay (zero when absent) and whether the attempt may be retried.
func retryDelay(err error) (time.Duration, bool) {
	var se *statusError
	if errors.As(err, &se) {
		return se.retryAfter, se.retryable()
	}

	// Network-level timeouts are retryable.
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return 0, true
	}
	return 0, false
}

// parseRetryAfter understands the delay-seconds form of the header.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
