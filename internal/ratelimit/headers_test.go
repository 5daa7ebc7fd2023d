package ratelimit

import (
	"testing"

	"github.com/relaydocs/spacesync/models"
)

func TestApplyHeadersCaseInsensitiveAliases(t *testing.T) {
	var state models.RateLimitState
	headers := map[string]string{
		"X-RateLimit-Limit":     "100",
		"x-ratelimit-remaining": "42",
	}
	applyHeaders(&state, headers, 1000)

	if state.Limit != 100 || state.Remaining != 42 {
		t.Fatalf("got limit=%d remaining=%d, want 100/42", state.Limit, state.Remaining)
	}
}

func TestApplyHeadersResetHeuristicAbsoluteVsRelative(t *testing.T) {
	var state models.RateLimitState

	// Relative seconds-from-now.
	applyHeaders(&state, map[string]string{"x-ratelimit-reset": "30"}, 1_000_000)
	if state.ResetAtMs != 1_000_000+30_000 {
		t.Fatalf("relative reset: got %d, want %d", state.ResetAtMs, 1_000_000+30_000)
	}

	// Absolute epoch-seconds (above the 1e9 floor).
	applyHeaders(&state, map[string]string{"x-ratelimit-reset": "2000000000"}, 1_000_000)
	if state.ResetAtMs != 2_000_000_000*1000 {
		t.Fatalf("absolute reset: got %d, want %d", state.ResetAtMs, int64(2_000_000_000)*1000)
	}
}

func TestApplyHeadersRetryAfter(t *testing.T) {
	var state models.RateLimitState
	applyHeaders(&state, map[string]string{"Retry-After": "2"}, 5000)
	if state.RetryAfterAtMs != 7000 {
		t.Fatalf("got retryAfterAtMs=%d, want 7000", state.RetryAfterAtMs)
	}

	// A subsequent update without retry-after clears the prior deadline.
	applyHeaders(&state, map[string]string{"x-ratelimit-limit": "10"}, 8000)
	if state.RetryAfterAtMs != 0 {
		t.Fatalf("expected retryAfterAtMs cleared, got %d", state.RetryAfterAtMs)
	}
}

func TestApplyHeadersParseFailureRetainsPriorAndIncrementsCounter(t *testing.T) {
	state := models.RateLimitState{Limit: 50, Remaining: 10}
	applyHeaders(&state, map[string]string{"x-ratelimit-remaining": "not-a-number"}, 1000)

	if state.Remaining != 10 {
		t.Fatalf("remaining should be retained on parse failure, got %d", state.Remaining)
	}
	if state.HeaderParseErrors != 1 {
		t.Fatalf("HeaderParseErrors = %d, want 1", state.HeaderParseErrors)
	}
}

func TestApplyHeadersClampsRemainingToLimit(t *testing.T) {
	state := models.RateLimitState{Limit: 10, Remaining: 10}
	applyHeaders(&state, map[string]string{"x-ratelimit-remaining": "15"}, 1000)
	if state.Remaining != 10 {
		t.Fatalf("remaining should clamp to limit, got %d", state.Remaining)
	}
}

func TestApplyHeadersNeverPanicsOnMissingHeaders(t *testing.T) {
	var state models.RateLimitState
	applyHeaders(&state, nil, 1000)
	applyHeaders(&state, map[string]string{}, 1000)
}
