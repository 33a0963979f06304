// Danbooru Gateway - Image Search Request Processing Gateway
// Copyright 2026 Booru Tools
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/booru-tools/danbooru-gateway

package validation

import (
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/booru-tools/danbooru-gateway/internal/streams"
)

func validEnvelope() streams.JobEnvelope {
	return streams.JobEnvelope{
		JobID:     "client-supplied",
		Query:     "hatsune_miku 1girl",
		ClientID:  "u1",
		APIPrefix: "danbooru",
	}
}

func TestValidateAcceptsWellFormedEnvelope(t *testing.T) {
	v := New("", false)
	res := v.Validate(uuid.NewString(), validEnvelope())
	if !res.Valid {
		t.Fatalf("expected valid, got %s", res.ErrorString())
	}
	if res.DTO == nil || res.DTO.Query != "hatsune_miku 1girl" {
		t.Errorf("unexpected DTO: %+v", res.DTO)
	}
}

func TestValidateQueryAlphabet(t *testing.T) {
	v := New("", false)
	jobID := uuid.NewString()

	valid := []string{
		"hatsune_miku",
		"a b c",
		"tag-1,tag-2",
		"rating:safe (solo)",
		strings.Repeat("a", 100),
	}
	for _, q := range valid {
		env := validEnvelope()
		env.Query = q
		if res := v.Validate(jobID, env); !res.Valid {
			t.Errorf("query %q should be valid: %s", q, res.ErrorString())
		}
	}

	invalid := []string{
		"",
		strings.Repeat("a", 101),
		"<script>alert(1)</script>",
		"query;drop table",
		"miku!",
		"tag|pipe",
	}
	for _, q := range invalid {
		env := validEnvelope()
		env.Query = q
		res := v.Validate(jobID, env)
		if res.Valid {
			t.Errorf("query %q should be invalid", q)
			continue
		}
		if res.Code != streams.CodeInvalidDTO {
			t.Errorf("query %q: code = %s, want INVALID_DTO", q, res.Code)
		}
	}
}

func TestValidateClientID(t *testing.T) {
	v := New("", false)
	jobID := uuid.NewString()

	for _, id := range []string{"", "u1", "User_123", strings.Repeat("a", 50)} {
		env := validEnvelope()
		env.ClientID = id
		if res := v.Validate(jobID, env); !res.Valid {
			t.Errorf("clientId %q should be valid: %s", id, res.ErrorString())
		}
	}
	for _, id := range []string{"has space", "has-dash", strings.Repeat("a", 51)} {
		env := validEnvelope()
		env.ClientID = id
		if res := v.Validate(jobID, env); res.Valid {
			t.Errorf("clientId %q should be invalid", id)
		}
	}
}

func TestValidateJobID(t *testing.T) {
	v := New("", false)
	res := v.Validate("not-a-uuid", validEnvelope())
	if res.Valid {
		t.Error("non-UUID jobId must fail")
	}
	if res.Code != streams.CodeInvalidDTO {
		t.Errorf("code = %s, want INVALID_DTO", res.Code)
	}
}

func TestValidateAPIKeyLength(t *testing.T) {
	v := New("", false)
	env := validEnvelope()
	env.APIKey = strings.Repeat("a", 101)
	if res := v.Validate(uuid.NewString(), env); res.Valid {
		t.Error("apiKey over 100 chars must fail")
	}
}

func TestAuthRequiredMissingKey(t *testing.T) {
	v := New("shared-secret", true)
	env := validEnvelope()
	env.APIKey = ""

	res := v.Validate(uuid.NewString(), env)
	if res.Valid {
		t.Fatal("missing key must fail when auth is required")
	}
	if res.Code != streams.CodeAuthFailed || res.Message != "Missing API key" {
		t.Errorf("got %s, want AUTH_FAILED:Missing API key", res.ErrorString())
	}
}

func TestAuthValidSignature(t *testing.T) {
	secret := "shared-secret"
	v := New(secret, true)

	env := validEnvelope()
	env.APIKey = Sign(secret, env)

	res := v.Validate(uuid.NewString(), env)
	if !res.Valid {
		t.Errorf("signed envelope should validate: %s", res.ErrorString())
	}
}

func TestAuthInvalidSignature(t *testing.T) {
	v := New("shared-secret", true)

	env := validEnvelope()
	env.APIKey = Sign("wrong-secret", env)

	res := v.Validate(uuid.NewString(), env)
	if res.Valid {
		t.Fatal("wrong signature must fail")
	}
	if res.Code != streams.CodeAuthFailed || res.Message != "Invalid authentication" {
		t.Errorf("got %s, want AUTH_FAILED:Invalid authentication", res.ErrorString())
	}
	if res.ErrorString() != "AUTH_FAILED:Invalid authentication" {
		t.Errorf("wire form = %q", res.ErrorString())
	}
}

func TestAuthDisabledWithoutSecret(t *testing.T) {
	// requireAuth without a secret cannot authenticate anything; it is
	// treated as disabled rather than rejecting every job.
	v := New("", true)
	if res := v.Validate(uuid.NewString(), validEnvelope()); !res.Valid {
		t.Errorf("auth should be disabled without a secret: %s", res.ErrorString())
	}
}
