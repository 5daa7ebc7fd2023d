// Package ratelimit implements the adaptive rate-limit/concurrency
// controller (C1 sliding-window counter, C2 rate-limit header state,
// C3 the controller itself) described in the export core design.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/relaydocs/spacesync/internal/logger"
	"github.com/relaydocs/spacesync/models"
)

const (
	severityLowFactor    = 1.2
	severityMediumFactor = 1.5
	severityHighFactor   = 2.0
	maxBackoffMultiplier = 32.0
)

// Stats is a copy-on-read snapshot of the controller's current state.
type Stats struct {
	RecommendedConcurrency int
	BackoffMultiplier      float64
	RateLimit              models.RateLimitState
	RequestsLastMinute     int
	ErrorRate              float64
	SuccessRate            float64
	AvgResponseTimeMs      float64
	FallbackMode           bool
}

// Controller is the adaptive controller (C3). All public methods are
// safe for concurrent use; internal state is guarded by one mutex.
//
// A coarse golang.org/x/time/rate token bucket runs underneath the
// custom wait-time formula as a second line of defense: bursts that
// slip between header updates are still metered by a simple per-second
// cap, the same role the teacher's global openAIRateLimiter played for
// the token budget of a single upstream API.
type Controller struct {
	mu sync.Mutex

	cfg   models.ControllerConfig
	win   *window
	state models.RateLimitState

	recommended       int
	backoffMultiplier float64
	consecutiveErrors int
	lastRequestMs     int64
	lastAdjustmentMs  int64

	coarse *rate.Limiter

	log logger.Logger
}

// New builds a Controller from the given config. Zero-valued fields in
// cfg are replaced with documented defaults.
func New(cfg models.ControllerConfig, log logger.Logger) *Controller {
	cfg = fillDefaults(cfg)
	if log == nil {
		log = logger.NewNoOpLogger()
	}
	return &Controller{
		cfg:               cfg,
		win:               newWindow(cfg.SampleSize),
		state:             models.RateLimitState{Limit: 1, Remaining: 1},
		recommended:       cfg.InitialConcurrency,
		backoffMultiplier: 1.0,
		coarse:            rate.NewLimiter(rate.Limit(cfg.InitialConcurrency), cfg.InitialConcurrency*2),
		log:               log,
	}
}

func fillDefaults(cfg models.ControllerConfig) models.ControllerConfig {
	d := models.DefaultControllerConfig()
	if cfg.InitialConcurrency <= 0 {
		cfg.InitialConcurrency = d.InitialConcurrency
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = d.MaxConcurrency
	}
	if cfg.MinConcurrency <= 0 {
		cfg.MinConcurrency = d.MinConcurrency
	}
	if cfg.IncreaseThreshold <= 0 {
		cfg.IncreaseThreshold = d.IncreaseThreshold
	}
	if cfg.DecreaseThreshold <= 0 {
		cfg.DecreaseThreshold = d.DecreaseThreshold
	}
	if cfg.AdjustmentCooldownMs <= 0 {
		cfg.AdjustmentCooldownMs = d.AdjustmentCooldownMs
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = d.SampleSize
	}
	if cfg.ErrorRateCeil <= 0 {
		cfg.ErrorRateCeil = d.ErrorRateCeil
	}
	if cfg.SuccessRateFloor <= 0 {
		cfg.SuccessRateFloor = d.SuccessRateFloor
	}
	if cfg.BaseIntervalMs <= 0 {
		cfg.BaseIntervalMs = d.BaseIntervalMs
	}
	if cfg.MaxHeaderErrors <= 0 {
		cfg.MaxHeaderErrors = d.MaxHeaderErrors
	}
	return cfg
}

// Slot blocks until the caller may issue one request, per the
// wait-time formula: retry-after, then reset-exhaustion, then the max
// of the dynamic backoff wait and the sliding-window wait. It also
// runs the (at most) once-per-cooldown concurrency adjustment.
func (c *Controller) Slot(ctx context.Context) error {
	c.mu.Lock()
	wait := c.computeWait()
	c.adjustConcurrency()
	c.mu.Unlock()

	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := c.coarse.Wait(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.lastRequestMs = monotonicMs()
	c.mu.Unlock()
	return nil
}

// computeWait implements the five-step wait-time formula. Caller must
// hold c.mu.
func (c *Controller) computeWait() time.Duration {
	now := monotonicMs()

	// 1. Honor an explicit retry-after deadline.
	if c.state.RetryAfterAtMs > 0 && now < c.state.RetryAfterAtMs {
		return time.Duration(c.state.RetryAfterAtMs-now) * time.Millisecond
	}

	// 2. Remaining exhausted and the reset hasn't arrived yet.
	if c.state.Remaining == 0 && c.state.ResetAtMs > 0 && now < c.state.ResetAtMs {
		wait := c.state.ResetAtMs - now + 100
		// Optimistically restore remaining so the next header update,
		// if late or dropped, doesn't wedge every subsequent call.
		c.state.Remaining = c.state.Limit
		return time.Duration(wait) * time.Millisecond
	}

	// 3. Dynamic wait from the backoff multiplier.
	dynamicWait := int64(float64(c.cfg.BaseIntervalMs)*c.backoffMultiplier) - (now - c.lastRequestMs)
	if dynamicWait < 0 {
		dynamicWait = 0
	}

	// 4. Sliding-window wait.
	windowWait := int64(0)
	if c.state.Limit > 0 && c.win.requestsSince(now-60000) >= c.state.Limit {
		oldest := c.win.oldestTimestamp()
		if oldest > 0 {
			exitAt := oldest + 60000
			if exitAt > now {
				windowWait = exitAt - now + 100
			} else {
				windowWait = 100
			}
		}
	}

	wait := dynamicWait
	if windowWait > wait {
		wait = windowWait
	}
	return time.Duration(wait) * time.Millisecond
}

// OnResponse feeds one completed call's headers and timing into the
// controller. In fallback mode (too many header parse failures in a
// row) the recommended concurrency collapses to MinConcurrency until
// the next header update parses cleanly.
func (c *Controller) OnResponse(headers map[string]string, responseTimeMs int, wasError bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := monotonicMs()
	errsBefore := c.state.HeaderParseErrors
	applyHeaders(&c.state, headers, now)

	if c.state.HeaderParseErrors > errsBefore && c.state.HeaderParseErrors >= c.cfg.MaxHeaderErrors {
		c.recommended = c.cfg.MinConcurrency
		c.log.Warn("rate limit header parsing failed %d times; entering fallback mode", c.state.HeaderParseErrors)
	} else if c.state.HeaderParseErrors == errsBefore && errsBefore > 0 {
		// A clean update recovers from fallback mode.
		c.state.HeaderParseErrors = 0
	}

	c.win.record(now, responseTimeMs, wasError)
}

// OnError adjusts the backoff multiplier upward and, for a high
// severity error, halves recommended concurrency immediately (floored
// at MinConcurrency).
func (c *Controller) OnError(severity models.ErrorSeverity) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.consecutiveErrors++
	factor := severityLowFactor
	switch severity {
	case models.SeverityMedium:
		factor = severityMediumFactor
	case models.SeverityHigh:
		factor = severityHighFactor
	}

	c.backoffMultiplier = math.Min(maxBackoffMultiplier, math.Pow(1.5, float64(c.consecutiveErrors))*factor)

	if severity == models.SeverityHigh {
		c.recommended = max(c.cfg.MinConcurrency, c.recommended/2)
	}
}

// OnSuccess decays the backoff multiplier toward 1 and clears the
// consecutive-error counter.
func (c *Controller) OnSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.backoffMultiplier = math.Max(1, c.backoffMultiplier*0.9)
	c.consecutiveErrors = 0
}

// RecommendedConcurrency returns the current target.
func (c *Controller) RecommendedConcurrency() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recommended
}

// adjustConcurrency runs the increase/decrease decision. Caller must
// hold c.mu. Decrease wins when both conditions hold in the same tick.
func (c *Controller) adjustConcurrency() {
	now := monotonicMs()
	if now-c.lastAdjustmentMs < c.cfg.AdjustmentCooldownMs {
		return
	}
	if c.win.count() < c.cfg.SampleSize/2 {
		return
	}

	errRate := c.win.errorRate()
	successRate := c.win.successRate()
	avgRT := c.win.averageResponseTime()
	consecutiveErrors := c.win.consecutiveFromHead(true)
	consecutiveSuccesses := c.win.consecutiveFromHead(false)

	shouldDecrease := errRate > c.cfg.ErrorRateCeil ||
		(c.state.Limit > 0 && float64(c.state.Remaining) < float64(c.state.Limit)*0.1) ||
		consecutiveErrors >= 3 ||
		avgRT > 5000

	shouldIncrease := !shouldDecrease &&
		errRate < c.cfg.ErrorRateCeil &&
		successRate > c.cfg.SuccessRateFloor &&
		(c.state.Limit == 0 || float64(c.state.Remaining) > float64(c.state.Limit)*0.3) &&
		consecutiveSuccesses >= 10 &&
		c.recommended < c.cfg.MaxConcurrency

	if shouldDecrease {
		step := max(1, c.recommended*int(c.cfg.DecreaseThreshold*100)/100)
		c.recommended = max(c.cfg.MinConcurrency, c.recommended-step)
		c.lastAdjustmentMs = now
		c.log.Debug("concurrency decreased to %d (errRate=%.3f remaining=%d/%d consecutiveErrors=%d avgRT=%.0fms)",
			c.recommended, errRate, c.state.Remaining, c.state.Limit, consecutiveErrors, avgRT)
	} else if shouldIncrease {
		step := max(1, c.recommended*int(c.cfg.IncreaseThreshold*100)/100)
		c.recommended = min(c.cfg.MaxConcurrency, c.recommended+step)
		c.lastAdjustmentMs = now
		c.log.Debug("concurrency increased to %d (errRate=%.3f successRate=%.3f consecutiveSuccesses=%d)",
			c.recommended, errRate, successRate, consecutiveSuccesses)
	}
}

// Stats returns a copy-on-read snapshot; it never blocks on Slot/adjustment work.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		RecommendedConcurrency: c.recommended,
		BackoffMultiplier:      c.backoffMultiplier,
		RateLimit:              c.state,
		RequestsLastMinute:     c.win.requestsSince(monotonicMs() - 60000),
		ErrorRate:              c.win.errorRate(),
		SuccessRate:            c.win.successRate(),
		AvgResponseTimeMs:      c.win.averageResponseTime(),
		FallbackMode:           c.state.HeaderParseErrors >= c.cfg.MaxHeaderErrors,
	}
}
