// Package eta implements the ETA estimator (C9): a recency- and
// position-weighted moving average over recent throughput samples,
// with a confidence score for the estimate.
package eta

import (
	"math"
	"time"
)

const (
	defaultMaxSamples = 10
	sampleMaxAgeMs    = 60000
	recencyHalfLifeMs = 30000
)

// Sample is one throughput observation.
type Sample struct {
	TimestampMs      int64
	SpeedItemsPerSec float64
}

// Estimate is the result of an Update call.
type Estimate struct {
	// ETA is the estimated remaining duration. Unknown is true when
	// avgSpeed could not be computed (no samples, or zero speed).
	ETA     time.Duration
	Unknown bool
	// Confidence is in [0,1].
	Confidence float64
}

// Estimator keeps a bounded window of recent {timestamp, speed}
// samples and derives a weighted-average speed and confidence on every
// Update.
type Estimator struct {
	maxSamples    int
	samples       []Sample
	prevProcessed int
	prevTimeMs    int64
	total         int
	haveFirst     bool

	nowFunc func() int64
}

// Option configures an Estimator at construction.
type Option func(*Estimator)

// WithMaxSamples overrides the default sample window size (M, default 10).
func WithMaxSamples(m int) Option {
	return func(e *Estimator) {
		if m > 0 {
			e.maxSamples = m
		}
	}
}

// withNowFunc lets tests substitute a deterministic clock; unexported
// because production callers always want wall time.
func withNowFunc(f func() int64) Option {
	return func(e *Estimator) { e.nowFunc = f }
}

// New builds an Estimator for a run expected to process total items.
func New(total int, opts ...Option) *Estimator {
	e := &Estimator{
		maxSamples: defaultMaxSamples,
		total:      total,
		nowFunc:    func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Update records a new processed-count observation and recomputes the
// estimate. processed must be non-decreasing across calls.
func (e *Estimator) Update(processed int) Estimate {
	now := e.nowFunc()

	if e.haveFirst {
		dtSec := float64(now-e.prevTimeMs) / 1000.0
		if dtSec > 0 {
			instantSpeed := float64(processed-e.prevProcessed) / dtSec
			e.samples = append(e.samples, Sample{TimestampMs: now, SpeedItemsPerSec: instantSpeed})
		}
	}
	e.haveFirst = true
	e.prevProcessed = processed
	e.prevTimeMs = now

	e.evictStale(now)

	avgSpeed, stdDev := e.weightedAverage(now)
	remaining := e.total - processed
	if remaining < 0 {
		remaining = 0
	}

	est := Estimate{}
	if avgSpeed > 0 {
		est.ETA = time.Duration(float64(remaining)/avgSpeed*1000) * time.Millisecond
	} else {
		est.Unknown = true
	}
	est.Confidence = e.confidence(avgSpeed, stdDev, processed)
	return est
}

func (e *Estimator) evictStale(now int64) {
	cutoff := now - sampleMaxAgeMs
	kept := e.samples[:0]
	for _, s := range e.samples {
		if s.TimestampMs >= cutoff {
			kept = append(kept, s)
		}
	}
	e.samples = kept
	if len(e.samples) > e.maxSamples {
		e.samples = e.samples[len(e.samples)-e.maxSamples:]
	}
}

// weightedAverage computes Σ(speed_i × recencyWeight_i × positionWeight_i) / Σweights
// and the unweighted standard deviation of the speed samples around that
// weighted mean, for use in the confidence formula.
func (e *Estimator) weightedAverage(now int64) (avg, stdDev float64) {
	n := len(e.samples)
	if n == 0 {
		return 0, 0
	}

	var weightedSum, weightSum float64
	for i, s := range e.samples {
		ageMs := float64(now - s.TimestampMs)
		recencyWeight := math.Exp(-ageMs / recencyHalfLifeMs)
		positionWeight := float64(i+1) / float64(n)
		w := recencyWeight * positionWeight
		weightedSum += s.SpeedItemsPerSec * w
		weightSum += w
	}
	if weightSum == 0 {
		return 0, 0
	}
	avg = weightedSum / weightSum

	var sqDiff float64
	for _, s := range e.samples {
		d := s.SpeedItemsPerSec - avg
		sqDiff += d * d
	}
	stdDev = math.Sqrt(sqDiff / float64(n))
	return avg, stdDev
}

// confidence implements 0.4*(1 - min(stdDev/avgSpeed,1)) + 0.3*min(N/10,1) + 0.3*(processed/total).
func (e *Estimator) confidence(avgSpeed, stdDev float64, processed int) float64 {
	variabilityTerm := 0.0
	if avgSpeed > 0 {
		ratio := stdDev / avgSpeed
		if ratio > 1 {
			ratio = 1
		}
		variabilityTerm = 0.4 * (1 - ratio)
	}

	sampleTerm := 0.3 * math.Min(float64(len(e.samples))/10.0, 1.0)

	progressTerm := 0.0
	if e.total > 0 {
		progressTerm = 0.3 * (float64(processed) / float64(e.total))
		if progressTerm > 0.3 {
			progressTerm = 0.3
		}
	}

	c := variabilityTerm + sampleTerm + progressTerm
	if c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	return c
}
