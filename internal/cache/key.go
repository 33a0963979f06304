// Danbooru Gateway - Image Search Request Processing Gateway
// Copyright 2026 Booru Tools
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/booru-tools/danbooru-gateway

// Package cache provides the response cache feeding the worker pipeline:
// deterministic structured keys, a pluggable backend (redis, memcached,
// in-memory) and pattern invalidation where the backend supports it.
package cache

import (
	"fmt"
	"sort"
	"strings"

	"github.com/booru-tools/danbooru-gateway/internal/crypto"
)

// Ref identifies one cacheable request. Identical refs always produce
// identical keys; the plaintext query never appears in a key.
type Ref struct {
	API    string
	Query  string
	Random bool
	Limit  int
	Tags   []string
}

// Key renders the deterministic cache key:
//
//	cache:{api}:posts:{md5(normalize(query))}
//	   [:limit:{N}]             when a limit is supplied
//	   [:seed:{seed16}]         when random is requested
//	   [:tag:{md5(sortedTags)}] when tags are supplied
//
// The seed component is the first 16 hex characters of
// sha256(normalizedQuery|limit|sortedTags), which makes identical random
// requests reproducible within the cache TTL: same inputs, same cached
// answer. The sorted-tag hash lets writers invalidate by tag pattern.
func (r Ref) Key() string {
	query := Normalize(r.Query)

	var b strings.Builder
	b.WriteString("cache:")
	b.WriteString(strings.ToLower(r.API))
	b.WriteString(":posts:")
	b.WriteString(crypto.MD5Hex(query))

	if r.Limit > 0 {
		fmt.Fprintf(&b, ":limit:%d", r.Limit)
	}

	sortedTags := append([]string(nil), r.Tags...)
	sort.Strings(sortedTags)
	joined := strings.Join(sortedTags, ",")

	if r.Random {
		seed := crypto.SHA256Hex(fmt.Sprintf("%s|%d|%s", query, r.Limit, joined))[:16]
		b.WriteString(":seed:")
		b.WriteString(seed)
	}

	if len(sortedTags) > 0 {
		b.WriteString(":tag:")
		b.WriteString(crypto.MD5Hex(joined))
	}

	return b.String()
}

// Normalize canonicalizes a query for key derivation: trim, lowercase,
// collapse internal whitespace runs to a single space.
func Normalize(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// PrefixPattern returns the wildcard pattern covering every key of an API.
func PrefixPattern(api string) string {
	return "cache:" + strings.ToLower(api) + ":*"
}
