// Danbooru Gateway - Image Search Request Processing Gateway
// Copyright 2026 Booru Tools
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/booru-tools/danbooru-gateway

package crypto

import (
	"crypto/hmac"
	"crypto/md5" //nolint:gosec // cache key fingerprinting, not a security boundary
	"crypto/sha256"
	"encoding/hex"
)

// SHA256Hex returns the lowercase hex SHA-256 digest of s.
// Used for query fingerprints in locks, DLQ entries and dedup probes.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// MD5Hex returns the lowercase hex MD5 digest of s.
// Used only for cache key components where collision resistance against an
// adversary is not required.
func MD5Hex(s string) string {
	sum := md5.Sum([]byte(s)) //nolint:gosec // see above
	return hex.EncodeToString(sum[:])
}

// HMACSHA256Hex returns the lowercase hex HMAC-SHA-256 of payload under secret.
func HMACSHA256Hex(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC reports whether the provided hex MAC authenticates payload under
// secret. Comparison is constant-time.
func VerifyHMAC(secret, payload, providedHex string) bool {
	expected := HMACSHA256Hex(secret, payload)
	return hmac.Equal([]byte(expected), []byte(providedHex))
}
