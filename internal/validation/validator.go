// Danbooru Gateway - Image Search Request Processing Gateway
// Copyright 2026 Booru Tools
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/booru-tools/danbooru-gateway

// Package validation provides structural validation and HMAC authentication
// of job envelopes using go-playground/validator v10.
//
// A thread-safe singleton validator instance carries the custom validators
// for the gateway's restricted query alphabet and client identifiers.
// Validation never panics and never raises for control flow: the outcome is
// a tagged Result that the worker turns into a response-stream record.
package validation

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/booru-tools/danbooru-gateway/internal/crypto"
	"github.com/booru-tools/danbooru-gateway/internal/streams"
)

var (
	// queryPattern is the restricted query alphabet: word characters,
	// whitespace, dashes, commas, colons and parentheses, 1..100 chars.
	queryPattern = regexp.MustCompile(`^(?i)[\w\s\-,:()]{1,100}$`)

	// clientIDPattern restricts client identifiers.
	clientIDPattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,50}$`)
)

// JobRequest is the validated form of a job envelope. JobID is the
// server-assigned UUID, never the producer's.
type JobRequest struct {
	JobID     string `validate:"required,uuid"`
	Query     string `validate:"required,searchquery"`
	ClientID  string `validate:"omitempty,gatewayclientid"`
	APIKey    string `validate:"omitempty,max=100"`
	APIPrefix string
}

// Result is the tagged outcome of validating one envelope: either a valid
// DTO or an error code with a message.
type Result struct {
	Valid   bool
	DTO     *JobRequest
	Code    streams.ErrorCode
	Message string
}

// ErrorString renders the wire form "CODE:message" used on error responses.
func (r Result) ErrorString() string {
	return fmt.Sprintf("%s:%s", r.Code, r.Message)
}

// singleton validator instance
var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// getValidator returns the singleton validator with custom rules registered.
func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())

		// Registration only fails for empty tags or nil funcs.
		_ = validate.RegisterValidation("searchquery", func(fl validator.FieldLevel) bool {
			return queryPattern.MatchString(fl.Field().String())
		})
		_ = validate.RegisterValidation("gatewayclientid", func(fl validator.FieldLevel) bool {
			return clientIDPattern.MatchString(fl.Field().String())
		})
	})
	return validate
}

// Validator validates job envelopes. When a shared secret is configured and
// auth is required, envelopes must carry a valid HMAC in their apiKey field.
type Validator struct {
	hmacSecret  string
	requireAuth bool
}

// New creates a Validator. requireAuth is ignored when secret is empty.
func New(hmacSecret string, requireAuth bool) *Validator {
	return &Validator{
		hmacSecret:  hmacSecret,
		requireAuth: requireAuth && hmacSecret != "",
	}
}

// Validate checks the envelope structurally and, when configured,
// authenticates it. jobID is the server-assigned UUID for this attempt.
func (v *Validator) Validate(jobID string, env streams.JobEnvelope) Result {
	dto := &JobRequest{
		JobID:     jobID,
		Query:     env.Query,
		ClientID:  env.ClientID,
		APIKey:    env.APIKey,
		APIPrefix: env.APIPrefix,
	}

	if err := getValidator().Struct(dto); err != nil {
		return Result{
			Valid:   false,
			Code:    streams.CodeInvalidDTO,
			Message: describeValidationError(err),
		}
	}

	if v.requireAuth {
		if env.APIKey == "" {
			return Result{Valid: false, Code: streams.CodeAuthFailed, Message: "Missing API key"}
		}
		if !crypto.VerifyHMAC(v.hmacSecret, CanonicalPayload(env), env.APIKey) {
			return Result{Valid: false, Code: streams.CodeAuthFailed, Message: "Invalid authentication"}
		}
	}

	return Result{Valid: true, DTO: dto}
}

// CanonicalPayload is the byte string the producer signs: the envelope
// fields that identify the request, joined by newlines in a fixed order.
// The server-assigned jobId is deliberately excluded because the producer
// cannot know it.
func CanonicalPayload(env streams.JobEnvelope) string {
	return env.Query + "\n" + env.ClientID + "\n" + env.APIPrefix
}

// Sign computes the HMAC a producer should place in the apiKey field.
func Sign(secret string, env streams.JobEnvelope) string {
	return crypto.HMACSHA256Hex(secret, CanonicalPayload(env))
}

// describeValidationError flattens validator errors into one message.
func describeValidationError(err error) string {
	errs, ok := err.(validator.ValidationErrors)
	if !ok || len(errs) == 0 {
		return "invalid request"
	}
	fe := errs[0]
	switch fe.Field() {
	case "JobID":
		return "jobId must be a valid UUID"
	case "Query":
		return "query must be 1-100 characters from the allowed alphabet"
	case "ClientID":
		return "clientId must be 1-50 alphanumeric or underscore characters"
	case "APIKey":
		return "apiKey must be at most 100 characters"
	default:
		return fmt.Sprintf("field %s failed validation", fe.Field())
	}
}
