// Danbooru Gateway - Image Search Request Processing Gateway
// Copyright 2026 Booru Tools
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/booru-tools/danbooru-gateway

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordJob(t *testing.T) {
	before := testutil.ToFloat64(JobsProcessed.WithLabelValues("testapi", "success"))
	RecordJob("testapi", "success", 120*time.Millisecond)
	after := testutil.ToFloat64(JobsProcessed.WithLabelValues("testapi", "success"))
	if after != before+1 {
		t.Errorf("counter = %v, want %v", after, before+1)
	}
}

func TestRecordError(t *testing.T) {
	before := testutil.ToFloat64(JobErrors.WithLabelValues("testapi", "RATE_LIMIT"))
	RecordError("testapi", "RATE_LIMIT")
	after := testutil.ToFloat64(JobErrors.WithLabelValues("testapi", "RATE_LIMIT"))
	if after != before+1 {
		t.Errorf("counter = %v, want %v", after, before+1)
	}
}

func TestSetBreakerState(t *testing.T) {
	for state, want := range map[string]float64{
		"closed":    0,
		"open":      1,
		"half-open": 2,
		"unknown":   0,
	} {
		SetBreakerState("testapi", state)
		got := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("testapi"))
		if got != want {
			t.Errorf("state %q: gauge = %v, want %v", state, got, want)
		}
	}
}
