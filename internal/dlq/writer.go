// Danbooru Gateway - Image Search Request Processing Gateway
// Copyright 2026 Booru Tools
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/booru-tools/danbooru-gateway

// Package dlq implements the dead-letter queue: encrypted enqueue of failed
// jobs, the retry state machine back onto the request stream, promotion to
// the dead queue, and the windowed duplicate probe used by the worker.
//
// Two storage modes exist and are fixed per process at startup:
//
//   - ModeEncrypted stores the query AES-256-GCM encrypted next to its
//     SHA-256 hash, which enables safe retry.
//   - ModePrivacy stores only the hash. Entries cannot be retried and are
//     promoted straight to the dead queue when they come up.
//
// The modes are never mixed within one api.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/booru-tools/danbooru-gateway/internal/crypto"
	"github.com/booru-tools/danbooru-gateway/internal/streams"
)

// Mode selects how DLQ entries protect the query text.
type Mode string

const (
	// ModeEncrypted stores an encrypted query payload; retry is possible.
	ModeEncrypted Mode = "encrypted"
	// ModePrivacy stores only the query hash; retry is skipped.
	ModePrivacy Mode = "privacy"
)

// Failure strings of the retry state machine.
var (
	// ErrMissingEncryptionKey is returned when a DLQ write or retry needs
	// the cipher and none is configured.
	ErrMissingEncryptionKey = errors.New("missing encryption key")

	// ErrMaxRetriesExceeded is returned when retryCount has reached the cap.
	ErrMaxRetriesExceeded = errors.New("max DLQ retries exceeded")

	// ErrEntryNotFound is returned when the DLQ entry is gone.
	ErrEntryNotFound = errors.New("DLQ entry not found")

	// ErrEncryptedFieldAbsent is returned when an entry has no payload to
	// decrypt (privacy-mode entry hit the encrypted retry path).
	ErrEncryptedFieldAbsent = errors.New("encrypted query field absent")

	// ErrHashMismatch is returned when the decrypted query does not hash to
	// the stored fingerprint.
	ErrHashMismatch = errors.New("query hash mismatch")

	// ErrDuplicateRetry is returned when the dedup probe matches during retry.
	ErrDuplicateRetry = errors.New("Duplicate job detected during retry")
)

// maxRetryBackoff caps the re-enqueue backoff delay.
const maxRetryBackoff = 60000 * time.Millisecond

// Config holds writer settings.
type Config struct {
	Mode        Mode
	MaxRetries  int
	DedupWindow time.Duration
}

// Writer appends DLQ and dead entries and runs the retry path.
type Writer struct {
	rdb    redis.Cmdable
	pub    *streams.Publisher
	cipher *crypto.Cipher
	cfg    Config
	logger zerolog.Logger
}

// NewWriter creates a Writer. cipher may be nil only in ModePrivacy.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewWriter(rdb redis.Cmdable, pub *streams.Publisher, cipher *crypto.Cipher, cfg Config, logger zerolog.Logger) *Writer {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = time.Hour
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeEncrypted
	}
	return &Writer{rdb: rdb, pub: pub, cipher: cipher, cfg: cfg, logger: logger}
}

// Mode reports the configured storage mode.
func (w *Writer) Mode() Mode {
	return w.cfg.Mode
}

// MaxRetries reports the configured retry cap.
func (w *Writer) MaxRetries() int {
	return w.cfg.MaxRetries
}

// AddToDLQ appends a failed job to the api's DLQ stream. In encrypted mode
// the query is stored AES-GCM encrypted; ErrMissingEncryptionKey is
// returned when no cipher is configured.
func (w *Writer) AddToDLQ(ctx context.Context, api, jobID, errorMessage, query string, retryCount int) (string, error) {
	entry := streams.DLQEntry{
		JobID:        jobID,
		ErrorMessage: errorMessage,
		QueryHash:    crypto.SHA256Hex(query),
		RetryCount:   retryCount,
		APIPrefix:    strings.ToLower(api),
		EnqueuedAt:   time.Now().UnixMilli(),
		QueryLength:  len(query),
	}

	if w.cfg.Mode == ModeEncrypted {
		if w.cipher == nil {
			return "", ErrMissingEncryptionKey
		}
		encrypted, err := w.cipher.Encrypt(query)
		if err != nil {
			return "", fmt.Errorf("encrypt query for DLQ: %w", err)
		}
		entry.EncryptedQuery = encrypted
	}

	id, err := w.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streams.Name(api, streams.KindDLQ),
		Values: entry.Values(),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd DLQ entry for job %s: %w", jobID, err)
	}

	w.logger.Info().
		Str("api", api).
		Str("job_id", jobID).
		Int("retry_count", retryCount).
		Str("error", errorMessage).
		Msg("job moved to DLQ")
	return id, nil
}

// MoveToDeadQueue appends a terminal entry to the api's dead stream.
func (w *Writer) MoveToDeadQueue(ctx context.Context, api, jobID, errorMessage, query, finalError string) (string, error) {
	entry := streams.DLQEntry{
		JobID:        jobID,
		ErrorMessage: errorMessage,
		QueryHash:    crypto.SHA256Hex(query),
		APIPrefix:    strings.ToLower(api),
		EnqueuedAt:   time.Now().UnixMilli(),
		QueryLength:  len(query),
	}
	if w.cfg.Mode == ModeEncrypted && w.cipher != nil {
		encrypted, err := w.cipher.Encrypt(query)
		if err != nil {
			return "", fmt.Errorf("encrypt query for dead queue: %w", err)
		}
		entry.EncryptedQuery = encrypted
	}
	return w.promote(ctx, api, entry, finalError)
}

// PromoteToDead copies an existing DLQ entry onto the dead stream with a
// final error and the promotion timestamp. The encrypted payload and hash
// are carried over verbatim.
func (w *Writer) PromoteToDead(ctx context.Context, api string, entry streams.DLQEntry, finalError string) (string, error) {
	return w.promote(ctx, api, entry, finalError)
}

func (w *Writer) promote(ctx context.Context, api string, entry streams.DLQEntry, finalError string) (string, error) {
	dead := streams.DeadEntry{
		DLQEntry:   entry,
		FinalError: finalError,
		MovedAt:    time.Now().UnixMilli(),
	}
	id, err := w.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streams.Name(api, streams.KindDead),
		Values: dead.Values(),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd dead entry for job %s: %w", entry.JobID, err)
	}

	w.logger.Warn().
		Str("api", api).
		Str("job_id", entry.JobID).
		Str("final_error", finalError).
		Msg("job moved to dead queue")
	return id, nil
}

// DedupCheck reports whether the query already appears in the api's DLQ
// within the dedup window, and marks the jobId as considered. Probe errors
// are swallowed and reported as "not a duplicate" so a flaky probe can
// never block processing.
func (w *Writer) DedupCheck(ctx context.Context, api, query, jobID string) bool {
	// Cross-job marker: a second look at the same jobId within the window
	// is itself a duplicate.
	ok, err := w.rdb.SetNX(ctx, streams.DedupJobKey(jobID), "1", w.cfg.DedupWindow).Result()
	if err != nil {
		w.logger.Warn().Err(err).Str("job_id", jobID).Msg("dedup marker write failed, allowing")
		return false
	}
	if !ok {
		return true
	}
	return w.duplicateInWindow(ctx, api, crypto.SHA256Hex(query), "")
}

// duplicateInWindow scans the DLQ stream for an entry with the given query
// hash inside the dedup window. excludeID skips the caller's own entry so
// a retry never matches itself.
func (w *Writer) duplicateInWindow(ctx context.Context, api, queryHash, excludeID string) bool {
	start := fmt.Sprintf("%d-0", time.Now().Add(-w.cfg.DedupWindow).UnixMilli())
	entries, err := w.rdb.XRangeN(ctx, streams.Name(api, streams.KindDLQ), start, "+", 100).Result()
	if err != nil {
		w.logger.Warn().Err(err).Str("api", api).Msg("DLQ dedup probe failed, allowing")
		return false
	}

	for _, e := range entries {
		if e.ID == excludeID {
			continue
		}
		parsed, perr := streams.ParseDLQEntry(e.Values)
		if perr != nil {
			continue
		}
		if parsed.QueryHash == queryHash {
			return true
		}
	}
	return false
}

// RetryFromDLQ re-enqueues a DLQ entry onto the request stream and removes
// the original. The stored payload is decrypted and verified against the
// hash before anything is re-enqueued (integrity gate); the dedup probe
// runs on the decrypted query so an identical in-flight job cancels the
// retry.
func (w *Writer) RetryFromDLQ(ctx context.Context, api, jobID string, retryCount int, streamID string) error {
	if w.cipher == nil {
		return ErrMissingEncryptionKey
	}
	if retryCount >= w.cfg.MaxRetries {
		return ErrMaxRetriesExceeded
	}

	stream := streams.Name(api, streams.KindDLQ)
	entries, err := w.rdb.XRange(ctx, stream, streamID, streamID).Result()
	if err != nil {
		return fmt.Errorf("fetch DLQ entry %s: %w", streamID, err)
	}
	if len(entries) == 0 {
		return ErrEntryNotFound
	}

	entry, err := streams.ParseDLQEntry(entries[0].Values)
	if err != nil {
		return err
	}
	if entry.EncryptedQuery == "" {
		return ErrEncryptedFieldAbsent
	}

	query, err := w.cipher.Decrypt(entry.EncryptedQuery)
	if err != nil {
		return fmt.Errorf("decrypt DLQ payload: %w", err)
	}
	if crypto.SHA256Hex(query) != entry.QueryHash {
		return ErrHashMismatch
	}

	// The jobId marker set during original processing must not veto its
	// own retry, so only the windowed hash scan runs here, excluding the
	// entry being retried.
	if w.duplicateInWindow(ctx, api, entry.QueryHash, streamID) {
		return ErrDuplicateRetry
	}

	newCount := retryCount + 1
	backoffDelay := time.Duration(1000<<uint(retryCount)) * time.Millisecond
	if backoffDelay > maxRetryBackoff {
		backoffDelay = maxRetryBackoff
	}

	env := streams.JobEnvelope{
		JobID:          jobID,
		Query:          query,
		APIPrefix:      strings.ToLower(api),
		RetryCount:     newCount,
		BackoffDelayMS: backoffDelay.Milliseconds(),
	}
	if _, err := w.pub.EnqueueJob(ctx, api, env); err != nil {
		return fmt.Errorf("re-enqueue job %s: %w", jobID, err)
	}

	if err := w.rdb.XDel(ctx, stream, streamID).Err(); err != nil {
		return fmt.Errorf("xdel retried DLQ entry %s: %w", streamID, err)
	}

	w.logger.Info().
		Str("api", api).
		Str("job_id", jobID).
		Int("retry_count", newCount).
		Dur("backoff", backoffDelay).
		Msg("DLQ entry re-enqueued for retry")
	return nil
}
