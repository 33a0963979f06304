// Danbooru Gateway - Image Search Request Processing Gateway
// Copyright 2026 Booru Tools
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/booru-tools/danbooru-gateway

// Package streams defines the on-the-wire envelopes of the gateway and the
// naming scheme of its Redis streams, plus a small publisher for appending
// jobs and responses.
package streams

import "strings"

// Kind identifies one of the four streams an API prefix owns.
type Kind string

const (
	// KindRequests is the inbound job stream.
	KindRequests Kind = "requests"
	// KindResponses is the outcome stream.
	KindResponses Kind = "responses"
	// KindDLQ is the dead-letter stream of retryable failures.
	KindDLQ Kind = "dlq"
	// KindDead is the terminal stream of exhausted or permanent failures.
	KindDead Kind = "dead"
)

// Name returns the stream key for an API prefix and kind.
//
// Requests and responses use "{api}:{kind}" while DLQ and dead use
// "{api}-{kind}". The discrepancy is historical and preserved for
// on-the-wire compatibility with existing deployments; this helper is the
// single place that knows about it.
func Name(api string, kind Kind) string {
	api = strings.ToLower(api)
	switch kind {
	case KindDLQ, KindDead:
		return api + "-" + string(kind)
	default:
		return api + ":" + string(kind)
	}
}

// Group returns the consumer-group name for the request stream of an API.
func Group(api string) string {
	return strings.ToLower(api) + "-group"
}

// DLQGroup returns the consumer-group name for the DLQ stream of an API.
func DLQGroup(api string) string {
	return strings.ToLower(api) + "-dlq-group"
}

// ProcessedKey returns the job-level dedup marker key.
func ProcessedKey(jobID string) string {
	return "processed:" + jobID
}

// QueryLockKey returns the query-level lock key for a hashed query.
func QueryLockKey(api, queryHash string) string {
	return "lock:query:" + strings.ToLower(api) + ":" + queryHash
}

// DedupJobKey returns the cross-job DLQ dedup marker key.
func DedupJobKey(jobID string) string {
	return "dedup:job:" + jobID
}
