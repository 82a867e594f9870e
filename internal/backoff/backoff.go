// Package backoff implements jittered exponential backoff for retryable
// operations. Its one caller is the Redis broker's Send, which retries
// transient errors.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy bounds how many times an operation may be retried and over what
// delay range. Zero values fall back to the defaults noted below.
type Policy struct {
	MaxAttempts int
	Retryable   func(err error) bool

	MinDelay   time.Duration // default 1s
	MaxDelay   time.Duration // default 30s
	JitterFrac float64       // default 0.20
}

// ShouldRetry reports whether another attempt is allowed for the given
// attempt count and observed error.
func ShouldRetry(p Policy, attempts int, err error) bool {
	if p.MaxAttempts <= 0 || attempts >= p.MaxAttempts {
		return false
	}
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

// Compute returns the jittered delay before the next attempt, exponential
// in the attempt count and clamped to [MinDelay, MaxDelay].
func Compute(p Policy, attempts int) time.Duration {
	minD := p.MinDelay
	maxD := p.MaxDelay
	jitter := p.JitterFrac
	if minD <= 0 {
		minD = 1 * time.Second
	}
	if maxD <= 0 {
		maxD = 30 * time.Second
	}
	if jitter <= 0 {
		jitter = 0.20
	}
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(minD) * math.Pow(2, float64(attempts-1)))
	if d > maxD {
		d = maxD
	}
	delta := float64(d) * jitter
	low := float64(d) - delta
	high := float64(d) + delta
	if low < 0 {
		low = 0
	}
	return time.Duration(low + rand.Float64()*(high-low))
}
