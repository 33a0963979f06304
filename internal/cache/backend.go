// Danbooru Gateway - Image Search Request Processing Gateway
// Copyright 2026 Booru Tools
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/booru-tools/danbooru-gateway

package cache

import (
	"context"
	"errors"
	"time"
)

// Backend is the storage interface behind the response cache. Values are
// opaque byte slices; TTL handling is the backend's responsibility.
type Backend interface {
	// Get retrieves a value. found is false on a miss.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)

	// Set stores a value with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// DeletePattern removes all keys matching a wildcard pattern and
	// returns how many were deleted. Backends without pattern support
	// return ErrPatternUnsupported.
	DeletePattern(ctx context.Context, pattern string) (int, error)
}

// ErrPatternUnsupported is returned by backends that cannot enumerate keys
// (memcached). Callers treat it as "0 deleted" with a warning.
var ErrPatternUnsupported = errors.New("pattern invalidation not supported by this backend")
