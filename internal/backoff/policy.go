// Package backoff provides the reconnect delay policy: capped exponential
// backoff with additive jitter.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for reconnect delay calculation.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Cap bounds the exponential portion of the delay.
	Cap time.Duration
	// Jitter is the upper bound of the random additive component.
	Jitter time.Duration
}

// DefaultPolicy returns the reference reconnect policy: 1s base, 30s cap,
// up to 1s of jitter.
func DefaultPolicy() Policy {
	return Policy{
		Base:   time.Second,
		Cap:    30 * time.Second,
		Jitter: time.Second,
	}
}

// Delay calculates the delay before retry number attempt. Attempt numbers
// start at 0, so the first retry waits roughly Base.
func Delay(policy Policy, attempt int) time.Duration {
	return DelayWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand calculates the delay using a provided random value in
// [0.0, 1.0). The formula is min(base * 2^attempt, cap) + jitter*random.
// Tests pass a fixed randomValue for deterministic results.
func DelayWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	if policy.Base <= 0 {
		policy.Base = DefaultPolicy().Base
	}
	if policy.Cap <= 0 {
		policy.Cap = DefaultPolicy().Cap
	}
	exp := math.Max(float64(attempt), 0)

	base := float64(policy.Base) * math.Pow(2, exp)
	if base > float64(policy.Cap) {
		base = float64(policy.Cap)
	}

	jitter := float64(policy.Jitter) * randomValue

	return time.Duration(base + jitter)
}
