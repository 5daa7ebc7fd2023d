package ratelimit

import (
	"strconv"
	"strings"
	"time"

	"github.com/relaydocs/spacesync/models"
)

// headerNames (below) lists the case-insensitive header names this parser
// understands. The source API's x-ratelimit-reset field is observed to
// carry both absolute epoch-seconds and relative-seconds values; the
// 1e9 heuristic below (absoluteSecondsFloor) retains that ambiguity
// rather than guessing which API the caller is pointed at. Flagged as
// API-specific in the original spec's Open Questions.
const absoluteSecondsFloor = 1e9

var headerNames = struct {
	limit      []string
	remaining  []string
	reset      []string
	retryAfter []string
}{
	limit:      []string{"x-ratelimit-limit"},
	remaining:  []string{"x-ratelimit-remaining"},
	reset:      []string{"x-ratelimit-reset"},
	retryAfter: []string{"retry-after"},
}

// lookup performs a case-insensitive header lookup across the given aliases.
func lookup(headers map[string]string, aliases []string) (string, bool) {
	if headers == nil {
		return "", false
	}
	for _, alias := range aliases {
		for k, v := range headers {
			if strings.EqualFold(k, alias) {
				return v, true
			}
		}
	}
	return "", false
}

// applyHeaders parses the rate-limit header variants into state. On
// parse failure it retains the prior valid value for that field and
// increments HeaderParseErrors; it never panics on absent headers.
//
// nowMs is the monotonic clock reading used to resolve the reset header
// when it carries a relative-seconds value.
func applyHeaders(state *models.RateLimitState, headers map[string]string, nowMs int64) {
	updated := false

	if raw, ok := lookup(headers, headerNames.limit); ok {
		if v, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && v > 0 {
			state.Limit = v
			updated = true
		} else {
			state.HeaderParseErrors++
		}
	}

	if raw, ok := lookup(headers, headerNames.remaining); ok {
		if v, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && v >= 0 {
			state.Remaining = v
			updated = true
		} else {
			state.HeaderParseErrors++
		}
	}

	if raw, ok := lookup(headers, headerNames.reset); ok {
		if v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			if v > absoluteSecondsFloor {
				state.ResetAtMs = int64(v * 1000)
			} else {
				state.ResetAtMs = nowMs + int64(v*1000)
			}
			updated = true
		} else {
			state.HeaderParseErrors++
		}
	}

	if raw, ok := lookup(headers, headerNames.retryAfter); ok {
		if v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			state.RetryAfterAtMs = nowMs + int64(v*1000)
			updated = true
		} else {
			state.HeaderParseErrors++
		}
	} else {
		state.RetryAfterAtMs = 0
	}

	// Maintain the 0 <= remaining <= limit invariant whenever both fields
	// are known, clamping rather than rejecting the update outright.
	if state.Limit > 0 && state.Remaining > state.Limit {
		state.Remaining = state.Limit
	}

	if updated {
		state.LastHeaderUpdateMs = nowMs
	}
}

// processEpoch anchors monotonicMs: time.Since compares the monotonic
// reading time.Now() attaches to both values, so the elapsed component
// can't jump backward on an NTP step the way time.Now().UnixMilli()
// alone can. processEpochUnixMs keeps the result numerically in
// epoch-ms terms so it stays comparable with the absolute-epoch reset
// deadlines applyHeaders can produce from x-ratelimit-reset.
var processEpoch = time.Now()
var processEpochUnixMs = processEpoch.UnixMilli()

// monotonicMs returns a monotonic-clock millisecond reading suitable for
// scheduling decisions (never wall-clock, per the design notes).
func monotonicMs() int64 {
	return processEpochUnixMs + time.Since(processEpoch).Milliseconds()
}
