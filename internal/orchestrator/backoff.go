package orchestrator

import (
	"math/rand"
	"time"

	"github.com/maestro-run/maestro/pkg/maestro"
)

// NextDelay computes the delay before retry attempt (1-indexed) under
// policy: minDelay * factor^(attempt-1), capped at maxDelay unless
// maxDelay is zero (unbounded, the documented default shorthand), with
// optional jitter uniformly sampled from [0.75*base, 1.25*base] to avoid
// synchronized retry storms across runs that failed at the same instant.
func NextDelay(policy maestro.RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := policy.Factor
	if factor <= 0 {
		factor = 2.0
	}
	min := policy.MinDelay
	if min <= 0 {
		min = time.Second
	}

	delay := float64(min)
	for i := 1; i < attempt; i++ {
		delay *= factor
	}
	d := time.Duration(delay)
	if max := policy.MaxDelay; max > 0 && d > max {
		d = max
	}

	if policy.Jitter {
		base := float64(d)
		d = time.Duration(base*0.75 + rand.Float64()*base*0.5)
	}
	return d
}
