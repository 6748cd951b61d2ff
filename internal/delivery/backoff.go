// SPDX-License-Identifier: Apache-2.0

// Package delivery implements the reliable webhook pipeline: enqueue
// fan-out, leased claiming, signed HTTP attempts, and retry scheduling.
package delivery

import (
	"math/rand"
	"time"
)

// BackoffPolicy computes retry delays: exponential doubling from Base,
// capped at Max, plus up to JitterFraction of the delay so synchronized
// failures spread out. Delays are monotonically non-decreasing until
// the cap.
type BackoffPolicy struct {
	Base           time.Duration
	Max            time.Duration
	JitterFraction float64
}

func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Base:           5 * time.Second,
		Max:            10 * time.Minute,
		JitterFraction: 0.2,
	}
}

// Delay returns the wait before attempt n+1, given that attempt n
// (zero-based) just failed.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = 5 * time.Second
	}
	max := p.Max
	if max <= 0 {
		max = 10 * time.Minute
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	if delay > max {
		delay = max
	}

	if p.JitterFraction > 0 {
		jitter := time.Duration(rand.Float64() * p.JitterFraction * float64(delay))
		delay += jitter
	}
	return delay
}

// NextRetryAt returns the wall-clock time of the next attempt.
func (p BackoffPolicy) NextRetryAt(now time.Time, attempt int) time.Time {
	return now.Add(p.Delay(attempt))
}
