package dispatch

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy controls how a transient failure is retried. DockerBrain
// uses it for daemon-level container create/start/wait failures, without
// the teacher's tier-escalation concept (this module has no notion of a
// dispatch tier).
type RetryPolicy struct {
	MaxRetries    int
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
}

// DefaultRetryPolicy returns a sane default for transient Docker daemon
// errors, as used by NewDockerBrain.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		InitialDelay:  1 * time.Second,
		BackoffFactor: 2.0,
		MaxDelay:      30 * time.Second,
	}
}

// NextRetry calculates the next delay and whether to retry at all, given
// the current retry count for this operation.
func (p RetryPolicy) NextRetry(attempt int) (delay time.Duration, shouldRetry bool) {
	if attempt < 0 {
		attempt = 0
	}
	if p.MaxRetries <= attempt {
		return 0, false
	}
	return backoffDelayWithFactor(attempt+1, p.InitialDelay, p.MaxDelay, p.BackoffFactor), true
}

// backoffDelayWithFactor returns base * factor^(retries-1) capped at
// maxDelay, with up to 10% jitter.
func backoffDelayWithFactor(retries int, base, maxDelay time.Duration, factor float64) time.Duration {
	if retries <= 0 || base <= 0 {
		return 0
	}
	if factor < 1.0 {
		factor = 1.0
	}

	backoff := float64(base) * math.Pow(factor, float64(retries-1))
	if math.IsNaN(backoff) || math.IsInf(backoff, 0) {
		if maxDelay > 0 {
			backoff = float64(maxDelay)
		} else {
			backoff = float64(base)
		}
	}
	if backoff < float64(base) {
		backoff = float64(base)
	}

	jitter := 1.0 + (rand.Float64() * 0.1)
	delay := time.Duration(backoff * jitter)
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
