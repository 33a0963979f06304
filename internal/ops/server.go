// Danbooru Gateway - Image Search Request Processing Gateway
// Copyright 2026 Booru Tools
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/booru-tools/danbooru-gateway

// Package ops serves the operational HTTP surface: liveness and readiness
// probes, Prometheus metrics, and a small rate-limited admin API for
// inspecting rate counters, invalidating caches and retrying DLQ entries.
package ops

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/booru-tools/danbooru-gateway/internal/cache"
	"github.com/booru-tools/danbooru-gateway/internal/dlq"
	"github.com/booru-tools/danbooru-gateway/internal/ratelimit"
	"github.com/booru-tools/danbooru-gateway/internal/streams"
)

// BreakerReporter exposes the upstream circuit state for readiness.
type BreakerReporter interface {
	BreakerState() string
}

// Config holds ops server settings.
type Config struct {
	Addr            string
	RateLimit       int
	RateWindow      time.Duration
	ShutdownTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8960"
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 100
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Minute
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// Server is the operational HTTP server.
type Server struct {
	cfg       Config
	rdb       *redis.Client
	limiter   *ratelimit.Limiter
	respCache *cache.ResponseCache
	writers   map[string]*dlq.Writer
	breakers  map[string]BreakerReporter
	logger    zerolog.Logger
}

// New creates a Server. writers and breakers are keyed by api prefix.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func New(
	cfg Config,
	rdb *redis.Client,
	limiter *ratelimit.Limiter,
	respCache *cache.ResponseCache,
	writers map[string]*dlq.Writer,
	breakers map[string]BreakerReporter,
	logger zerolog.Logger,
) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg:       cfg,
		rdb:       rdb,
		limiter:   limiter,
		respCache: respCache,
		writers:   writers,
		breakers:  breakers,
		logger:    logger.With().Str("component", "ops").Logger(),
	}
}

// String implements fmt.Stringer for supervisor logs.
func (s *Server) String() string {
	return "ops-server"
}

// Routes builds the handler tree.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/admin", func(r chi.Router) {
		r.Use(httprate.LimitByIP(s.cfg.RateLimit, s.cfg.RateWindow))

		r.Get("/ratelimit/{api}/{identifier}", s.handleRateLimitStats)
		r.Delete("/ratelimit/{api}/{identifier}", s.handleRateLimitReset)
		r.Post("/cache/{api}/invalidate", s.handleCacheInvalidate)
		r.Post("/dlq/{api}/retry/{streamID}", s.handleDLQRetry)
	})

	return r
}

// Serve runs the HTTP server until ctx is canceled, then shuts down
// gracefully within the configured timeout.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("ops server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports datastore connectivity and per-api breaker state.
// An open breaker degrades readiness but does not fail it: the gateway
// can still drain, dedupe and answer from cache.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	type readiness struct {
		Status   string            `json:"status"`
		Redis    string            `json:"redis"`
		Breakers map[string]string `json:"breakers,omitempty"`
	}

	out := readiness{Status: "ok", Redis: "ok", Breakers: map[string]string{}}
	status := http.StatusOK

	if err := s.rdb.Ping(r.Context()).Err(); err != nil {
		out.Status = "unavailable"
		out.Redis = err.Error()
		status = http.StatusServiceUnavailable
	}
	for api, b := range s.breakers {
		state := b.BreakerState()
		out.Breakers[api] = state
		if state == "open" && out.Status == "ok" {
			out.Status = "degraded"
		}
	}
	writeJSON(w, status, out)
}

func (s *Server) handleRateLimitStats(w http.ResponseWriter, r *http.Request) {
	api := chi.URLParam(r, "api")
	identifier := chi.URLParam(r, "identifier")

	stats, err := s.limiter.Stats(r.Context(), api, identifier)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key":         stats.Key,
		"current":     stats.Current,
		"ttl_seconds": int64(stats.TTL.Seconds()),
	})
}

func (s *Server) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	api := chi.URLParam(r, "api")
	identifier := chi.URLParam(r, "identifier")

	if err := s.limiter.Reset(r.Context(), api, identifier); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info().Str("api", api).Str("identifier", identifier).Msg("rate counter reset")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	api := chi.URLParam(r, "api")

	removed, err := s.respCache.InvalidateByPrefix(r.Context(), api)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info().Str("api", api).Int("removed", removed).Msg("cache invalidated")
	writeJSON(w, http.StatusOK, map[string]interface{}{"removed": removed})
}

// handleDLQRetry re-enqueues one DLQ entry on demand, bypassing the
// consumer's pacing. The entry is looked up to recover its jobId and
// retryCount before the writer's retry path runs.
func (s *Server) handleDLQRetry(w http.ResponseWriter, r *http.Request) {
	api := strings.ToLower(chi.URLParam(r, "api"))
	streamID := chi.URLParam(r, "streamID")

	writer, ok := s.writers[api]
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown api"))
		return
	}

	entries, err := s.rdb.XRange(r.Context(), streams.Name(api, streams.KindDLQ), streamID, streamID).Result()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if len(entries) == 0 {
		writeError(w, http.StatusNotFound, dlq.ErrEntryNotFound)
		return
	}
	entry, err := streams.ParseDLQEntry(entries[0].Values)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	if err := writer.RetryFromDLQ(r.Context(), api, entry.JobID, entry.RetryCount, streamID); err != nil {
		status := http.StatusConflict
		if errors.Is(err, dlq.ErrEntryNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	s.logger.Info().Str("api", api).Str("job_id", entry.JobID).Msg("DLQ entry retried via admin API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "retried", "jobId": entry.JobID})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
