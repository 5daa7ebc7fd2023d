// Package retry implements the retry policy (C10): error
// classification, backoff scheduling, and retry-budget enforcement for
// calls made against the paginated source.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/pkg/errors"

	"github.com/relaydocs/spacesync/models"
)

// Category classifies an error for the purposes of deciding whether,
// and how aggressively, to retry.
type Category int

const (
	CategoryRateLimited Category = iota
	CategoryUnauthorized
	CategoryForbidden
	CategoryNotFound
	CategoryValidation
	CategoryNetwork
	CategoryOther
)

func (c Category) String() string {
	switch c {
	case CategoryRateLimited:
		return "rate_limited"
	case CategoryUnauthorized:
		return "unauthorized"
	case CategoryForbidden:
		return "forbidden"
	case CategoryNotFound:
		return "not_found"
	case CategoryValidation:
		return "validation_error"
	case CategoryNetwork:
		return "network"
	default:
		return "other"
	}
}

// Classified is the result of classifying an API error: its category,
// severity, and whether the policy should attempt a retry at all.
type Classified struct {
	Category  Category
	Severity  models.ErrorSeverity
	Retryable bool
	Fatal     bool
}

// Classifier maps a raw error (and, when available, an HTTP-equivalent
// status code) to a Classified verdict. A nil StatusFunc is treated as
// "no status known": every error falls through to the network check
// (timeouts classify as CategoryNetwork) and otherwise to CategoryOther.
type Classifier struct {
	// StatusFunc extracts an HTTP-equivalent status code from err, or
	// 0 if none is known. Calls against the same httpapi client set
	// this to unwrap the concrete transport error type.
	StatusFunc func(err error) int
}

// Classify applies the classification table from the retry-policy
// design: 429 is rate-limited/high/retryable; 401/403 are
// fatal/high/non-retryable; 404 is medium/non-retryable; validation
// failures are medium/non-retryable; everything else that looks like a
// transport problem is network/medium/retryable, and anything
// unrecognized is low/retryable until the attempt budget is spent.
func (c Classifier) Classify(err error) Classified {
	status := 0
	if c.StatusFunc != nil {
		status = c.StatusFunc(err)
	}

	switch status {
	case 429:
		return Classified{Category: CategoryRateLimited, Severity: models.SeverityHigh, Retryable: true}
	case 401:
		return Classified{Category: CategoryUnauthorized, Severity: models.SeverityHigh, Retryable: false, Fatal: true}
	case 403:
		return Classified{Category: CategoryForbidden, Severity: models.SeverityHigh, Retryable: false, Fatal: true}
	case 404:
		return Classified{Category: CategoryNotFound, Severity: models.SeverityMedium, Retryable: false}
	case 422, 400:
		return Classified{Category: CategoryValidation, Severity: models.SeverityMedium, Retryable: false}
	}

	if isNetworkError(err) {
		return Classified{Category: CategoryNetwork, Severity: models.SeverityMedium, Retryable: true}
	}
	return Classified{Category: CategoryOther, Severity: models.SeverityLow, Retryable: true}
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.DeadlineExceeded) || isTimeoutOrReset(err)
}

// isTimeoutOrReset recognizes the handful of stdlib net error shapes
// that indicate a transport-level failure rather than an API-level
// rejection, without importing net for a type switch here — callers
// that know their transport may set a more precise StatusFunc instead.
func isTimeoutOrReset(err error) bool {
	type timeout interface{ Timeout() bool }
	var t timeout
	if errors.As(err, &t) {
		return t.Timeout()
	}
	return false
}

// Policy executes an operation under the classification table above,
// retrying per the exponential backoff schedule until the operation
// succeeds, a non-retryable/fatal error is classified, or the attempt
// budget is exhausted.
type Policy struct {
	Classifier Classifier
	// MaxAttempts is the total number of tries, including the first.
	// Defaults to 3.
	MaxAttempts int
	// BaseDelay is the backoff schedule's base; defaults to 500ms.
	BaseDelay time.Duration
	// Rand lets tests substitute a deterministic random source for
	// jitter; left nil, math/rand's package-level source is used.
	Rand *rand.Rand
}

const maxBackoff = 60 * time.Second

func (p Policy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return 3
	}
	return p.MaxAttempts
}

func (p Policy) baseDelay() time.Duration {
	if p.BaseDelay <= 0 {
		return 500 * time.Millisecond
	}
	return p.BaseDelay
}

func (p Policy) jitter() float64 {
	if p.Rand != nil {
		return p.Rand.Float64() * 0.25
	}
	return rand.Float64() * 0.25
}

// backoffDelay implements baseDelay * 2^attempt * (1 + jitter), capped
// at 60s. attempt is zero-based (the delay before the *second* try).
func (p Policy) backoffDelay(attempt int) time.Duration {
	d := float64(p.baseDelay()) * math.Pow(2, float64(attempt)) * (1 + p.jitter())
	if d > float64(maxBackoff) {
		d = float64(maxBackoff)
	}
	return time.Duration(d)
}

// Result carries the outcome of Run, including enough detail for the
// caller to build an ErrorRecord if the operation ultimately failed.
type Result struct {
	Err        error
	Classified Classified
	Attempts   int
}

// Run executes op, retrying per the classification and backoff rules.
// onRetryAfter, if non-zero, overrides the computed backoff for the
// immediately following attempt — callers pass the Retry-After header
// value surfaced alongside a 429, if any.
func (p Policy) Run(ctx context.Context, onRetryAfter func(err error) time.Duration, op func(ctx context.Context) error) Result {
	var lastErr error
	var lastClass Classified

	for attempt := 0; attempt < p.maxAttempts(); attempt++ {
		if attempt > 0 {
			delay := p.backoffDelay(attempt - 1)
			if onRetryAfter != nil {
				if ra := onRetryAfter(lastErr); ra > 0 {
					delay = ra
				}
			}
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return Result{Err: ctx.Err(), Classified: lastClass, Attempts: attempt}
			}
		}

		err := op(ctx)
		if err == nil {
			return Result{Attempts: attempt + 1}
		}

		lastErr = err
		lastClass = p.Classifier.Classify(err)

		if lastClass.Fatal || !lastClass.Retryable {
			return Result{Err: errors.WithStack(err), Classified: lastClass, Attempts: attempt + 1}
		}
	}

	return Result{Err: errors.WithStack(lastErr), Classified: lastClass, Attempts: p.maxAttempts()}
}
