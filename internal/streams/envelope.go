// Danbooru Gateway - Image Search Request Processing Gateway
// Copyright 2026 Booru Tools
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/booru-tools/danbooru-gateway

package streams

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrorCode classifies error outcomes surfaced on the response stream.
type ErrorCode string

const (
	// CodeInvalidDTO indicates structural validation failed.
	CodeInvalidDTO ErrorCode = "INVALID_DTO"
	// CodeAuthFailed indicates a missing or wrong HMAC.
	CodeAuthFailed ErrorCode = "AUTH_FAILED"
	// CodeRateLimit indicates the limiter rejected the job.
	CodeRateLimit ErrorCode = "RATE_LIMIT"
	// CodeDuplicate indicates a DLQ or job-level duplicate.
	CodeDuplicate ErrorCode = "DUPLICATE"
	// CodeUpstreamEmpty indicates the fetch returned no posts (retryable via DLQ).
	CodeUpstreamEmpty ErrorCode = "UPSTREAM_EMPTY"
	// CodeUpstreamError indicates a non-retryable upstream failure.
	CodeUpstreamError ErrorCode = "UPSTREAM_ERROR"
	// CodeInternal indicates an unhandled error.
	CodeInternal ErrorCode = "INTERNAL"
	// CodeCustomError indicates an application-defined validation failure.
	CodeCustomError ErrorCode = "CUSTOM_ERROR"
)

// JobEnvelope is one entry on a request stream. It is immutable after
// enqueue. The producer-supplied JobID is not trusted for deduplication;
// the worker assigns a fresh server-side ID when it reads the entry.
type JobEnvelope struct {
	JobID          string
	Query          string
	ClientID       string
	APIKey         string
	APIPrefix      string
	RetryCount     int
	BackoffDelayMS int64
}

// Values renders the envelope as stream fields for XADD.
func (e JobEnvelope) Values() map[string]interface{} {
	values := map[string]interface{}{
		"jobId": e.JobID,
		"query": e.Query,
	}
	if e.ClientID != "" {
		values["clientId"] = e.ClientID
	}
	if e.APIKey != "" {
		values["apiKey"] = e.APIKey
	}
	if e.APIPrefix != "" {
		values["apiPrefix"] = e.APIPrefix
	}
	if e.RetryCount > 0 {
		values["retryCount"] = strconv.Itoa(e.RetryCount)
	}
	if e.BackoffDelayMS > 0 {
		values["backoffDelay"] = strconv.FormatInt(e.BackoffDelayMS, 10)
	}
	return values
}

// ErrMissingQuery is returned when a request entry carries no query field.
var ErrMissingQuery = errors.New("request entry missing query field")

// ParseJobEnvelope decodes the fields of a request stream entry.
func ParseJobEnvelope(values map[string]interface{}) (JobEnvelope, error) {
	env := JobEnvelope{
		JobID:     fieldString(values, "jobId"),
		Query:     fieldString(values, "query"),
		ClientID:  fieldString(values, "clientId"),
		APIKey:    fieldString(values, "apiKey"),
		APIPrefix: fieldString(values, "apiPrefix"),
	}
	if env.Query == "" {
		return env, ErrMissingQuery
	}
	env.RetryCount = int(fieldInt(values, "retryCount"))
	env.BackoffDelayMS = fieldInt(values, "backoffDelay")
	return env, nil
}

// Response is the tagged outcome envelope published for every accepted job:
// exactly one of success or error.
type Response struct {
	Type  string `json:"type"`
	JobID string `json:"jobId"`

	// Success fields.
	ImageURL   string   `json:"imageUrl,omitempty"`
	Author     string   `json:"author,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Rating     string   `json:"rating,omitempty"`
	Source     string   `json:"source,omitempty"`
	Copyright  string   `json:"copyright,omitempty"`
	ID         int64    `json:"id,omitempty"`
	Characters []string `json:"characters,omitempty"`

	// Error fields.
	Error     string    `json:"error,omitempty"`
	Code      ErrorCode `json:"code,omitempty"`
	APIPrefix string    `json:"apiPrefix,omitempty"`

	// Timestamp is stamped (unix milliseconds) by the publisher.
	Timestamp int64 `json:"timestamp"`
}

// NewSuccess builds a success response for a job.
func NewSuccess(jobID string) *Response {
	return &Response{Type: "success", JobID: jobID}
}

// NewError builds an error response for a job.
func NewError(jobID string, code ErrorCode, message, apiPrefix string) *Response {
	return &Response{
		Type:      "error",
		JobID:     jobID,
		Error:     message,
		Code:      code,
		APIPrefix: apiPrefix,
	}
}

// IsSuccess reports whether the response is the success variant.
func (r *Response) IsSuccess() bool {
	return r.Type == "success"
}

// DLQEntry is one entry on a DLQ stream. The query is never stored in
// plaintext: EncryptedQuery decrypts to a string whose SHA-256 equals
// QueryHash.
type DLQEntry struct {
	JobID          string
	ErrorMessage   string
	EncryptedQuery string
	QueryHash      string
	RetryCount     int
	APIPrefix      string
	EnqueuedAt     int64
	QueryLength    int
	OriginalError  string
}

// Values renders the entry as stream fields for XADD.
func (e DLQEntry) Values() map[string]interface{} {
	values := map[string]interface{}{
		"jobId":       e.JobID,
		"error":       e.ErrorMessage,
		"queryHash":   e.QueryHash,
		"retryCount":  strconv.Itoa(e.RetryCount),
		"apiPrefix":   e.APIPrefix,
		"enqueuedAt":  strconv.FormatInt(e.EnqueuedAt, 10),
		"queryLength": strconv.Itoa(e.QueryLength),
	}
	if e.EncryptedQuery != "" {
		values["encryptedQuery"] = e.EncryptedQuery
	}
	if e.OriginalError != "" {
		values["originalError"] = e.OriginalError
	}
	return values
}

// ErrMalformedDLQEntry is returned when required DLQ fields are absent.
var ErrMalformedDLQEntry = errors.New("dlq entry missing required fields")

// ParseDLQEntry decodes the fields of a DLQ stream entry.
// jobId, error, queryHash and retryCount are required.
func ParseDLQEntry(values map[string]interface{}) (DLQEntry, error) {
	entry := DLQEntry{
		JobID:          fieldString(values, "jobId"),
		ErrorMessage:   fieldString(values, "error"),
		EncryptedQuery: fieldString(values, "encryptedQuery"),
		QueryHash:      fieldString(values, "queryHash"),
		APIPrefix:      fieldString(values, "apiPrefix"),
		OriginalError:  fieldString(values, "originalError"),
	}
	if entry.JobID == "" || entry.ErrorMessage == "" || entry.QueryHash == "" {
		return entry, ErrMalformedDLQEntry
	}
	if _, ok := values["retryCount"]; !ok {
		return entry, ErrMalformedDLQEntry
	}
	entry.RetryCount = int(fieldInt(values, "retryCount"))
	entry.EnqueuedAt = fieldInt(values, "enqueuedAt")
	entry.QueryLength = int(fieldInt(values, "queryLength"))
	return entry, nil
}

// DeadEntry is a DLQ entry that has been promoted to the dead queue.
type DeadEntry struct {
	DLQEntry
	FinalError string
	MovedAt    int64
}

// Values renders the entry as stream fields for XADD.
func (e DeadEntry) Values() map[string]interface{} {
	values := e.DLQEntry.Values()
	values["finalError"] = e.FinalError
	values["movedAt"] = strconv.FormatInt(e.MovedAt, 10)
	return values
}

func fieldString(values map[string]interface{}, key string) string {
	v, ok := values[key]
	if !ok {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	default:
		return fmt.Sprintf("%v", v)
	}
}

func fieldInt(values map[string]interface{}, key string) int64 {
	s := fieldString(values, key)
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
