package flow

import (
	"math/rand"
	"time"
)

// RetryPolicy defines automatic retry configuration for transient step
// failures.
//
// When a step execution fails, the retry policy determines whether the
// failure is retryable and how long to wait before the next attempt.
// Exponential backoff with jitter is used to avoid thundering herd problems.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of execution attempts (including the
	// initial attempt). Must be >= 1. A value of 1 means no retries.
	MaxAttempts int

	// BaseDelay is the base delay for exponential backoff between retries.
	// The actual delay is computed as: min(BaseDelay * 2^attempt, MaxDelay) + jitter.
	BaseDelay time.Duration

	// MaxDelay is the maximum delay cap for exponential backoff.
	// Must be >= BaseDelay when both are set.
	MaxDelay time.Duration

	// Retryable decides whether an error is worth another attempt. If nil,
	// IsRetryable is used: rate-limited, network, timeout, and unavailable
	// errors retry; validation and internal errors do not.
	Retryable func(error) bool
}

// DefaultRetryPolicy returns the policy applied to steps that do not
// configure their own: three attempts, 1s base, 30s cap, kind-classified
// retryability.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// ShouldRetry reports whether another attempt is warranted for err at the
// given zero-based attempt number.
func (rp *RetryPolicy) ShouldRetry(attempt int, err error) bool {
	if err == nil || attempt+1 >= rp.MaxAttempts {
		return false
	}
	if rp.Retryable != nil {
		return rp.Retryable(err)
	}
	return IsRetryable(err)
}

// Validate checks the policy configuration:
//   - MaxAttempts must be >= 1 (1 means no retries, just the initial attempt)
//   - If both MaxDelay and BaseDelay are > 0, MaxDelay must be >= BaseDelay
//     (MaxDelay == 0 is treated as "no maximum delay cap")
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return Errorf(KindValidation, "policy.validate", "MaxAttempts must be >= 1, got %d", rp.MaxAttempts)
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return Errorf(KindValidation, "policy.validate", "MaxDelay (%v) must be >= BaseDelay (%v)", rp.MaxDelay, rp.BaseDelay)
	}
	return nil
}

// computeBackoff calculates the delay before retrying a failed step
// execution using exponential backoff with jitter:
//
//	delay = min(base * 2^attempt, maxDelay) + jitter(0, base)
//
// The exponential component doubles the delay with each retry, reducing
// load on failing services. Jitter randomizes retry timing across
// concurrent instances to avoid synchronized retry storms.
//
// Example delays with base=1s, maxDelay=30s:
//   - attempt 0: 1s + jitter(0, 1s) = 1-2s
//   - attempt 1: 2s + jitter(0, 1s) = 2-3s
//   - attempt 2: 4s + jitter(0, 1s) = 4-5s
//   - attempt 10: 30s + jitter(0, 1s) = 30-31s (capped)
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	// Guard the shift: past the cap the exact exponent no longer matters.
	if attempt > 30 {
		attempt = 30
	}
	exponentialDelay := base * (1 << attempt)
	if maxDelay > 0 && exponentialDelay > maxDelay {
		exponentialDelay = maxDelay
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- jitter for retry timing, not security
	}

	return exponentialDelay + jitter
}
