// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package retry computes the backoff delays used between failed refresh attempts.
package retry

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Default values of the Policy fields.
const (
	DefaultMaxAttempts       = 3
	DefaultInitialDelay      = 100 * time.Millisecond
	DefaultMaxDelay          = 30 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultJitterFraction    = 0.1
)

// Policy describes exponential backoff with jitter.
//
// The delay for attempt n is min(InitialDelay * BackoffMultiplier^(n-1), MaxDelay) scaled by a
// uniformly random factor in [1-JitterFraction, 1+JitterFraction]. The result never exceeds MaxDelay.
type Policy struct {
	// MaxAttempts is the number of consecutive failures after which retrying stops.
	MaxAttempts uint
	// InitialDelay is the delay after the first failure.
	InitialDelay time.Duration
	// MaxDelay caps every computed delay.
	MaxDelay time.Duration
	// BackoffMultiplier is the growth factor between consecutive delays. Must be >= 1.
	BackoffMultiplier float64
	// JitterFraction is the relative random perturbation applied to each delay, in [0, 1).
	JitterFraction float64
}

// Default returns the Policy used when none is configured.
func Default() Policy {
	return Policy{
		MaxAttempts:       DefaultMaxAttempts,
		InitialDelay:      DefaultInitialDelay,
		MaxDelay:          DefaultMaxDelay,
		BackoffMultiplier: DefaultBackoffMultiplier,
		JitterFraction:    DefaultJitterFraction,
	}
}

// Validate checks that the policy fields are in range.
func (p Policy) Validate() error {
	var errs []error
	if p.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("maxAttempts must be at least 1"))
	}
	if p.InitialDelay <= 0 {
		errs = append(errs, fmt.Errorf("initialDelay must be positive, got %s", p.InitialDelay))
	}
	if p.MaxDelay < p.InitialDelay {
		errs = append(errs, fmt.Errorf("maxDelay %s must not be less than initialDelay %s", p.MaxDelay, p.InitialDelay))
	}
	if p.BackoffMultiplier < 1 || math.IsNaN(p.BackoffMultiplier) || math.IsInf(p.BackoffMultiplier, 0) {
		errs = append(errs, fmt.Errorf("backoffMultiplier must be a finite value >= 1, got %v", p.BackoffMultiplier))
	}
	if p.JitterFraction < 0 || p.JitterFraction >= 1 || math.IsNaN(p.JitterFraction) {
		errs = append(errs, fmt.Errorf("jitterFraction must be in [0, 1), got %v", p.JitterFraction))
	}
	return errors.Join(errs...)
}

// Exhausted reports whether failures consecutive failures use up the retry budget.
func (p Policy) Exhausted(failures uint) bool {
	return failures >= p.MaxAttempts
}

// BaseDelay returns the delay for attempt before jitter is applied. attempt is 1-indexed and
// zero is treated as one.
func (p Policy) BaseDelay(attempt uint) time.Duration {
	if attempt == 0 {
		attempt = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// DelayFor returns the jittered delay to wait after the attempt-th consecutive failure.
// It is safe for concurrent use.
func (p Policy) DelayFor(attempt uint) time.Duration {
	return p.delayFor(attempt, rand.Float64)
}

// delayFor is DelayFor with an injectable source of uniform values in [0, 1).
func (p Policy) delayFor(attempt uint, uniform func() float64) time.Duration {
	base := p.BaseDelay(attempt)
	if p.JitterFraction <= 0 {
		return base
	}
	factor := 1 - p.JitterFraction + 2*p.JitterFraction*uniform()
	d := float64(base) * factor
	if d >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}
