package flow

import (
	"errors"
	"math/rand"
	"testing"
	"time"
)

func TestRetryPolicyShouldRetry(t *testing.T) {
	rp := DefaultRetryPolicy()

	tests := []struct {
		name    string
		attempt int
		err     error
		want    bool
	}{
		{"nil error", 0, nil, false},
		{"network error first attempt", 0, Errorf(KindNetwork, "op", "conn reset"), true},
		{"rate limited", 0, Errorf(KindRateLimited, "op", "429"), true},
		{"timeout", 1, Errorf(KindTimeout, "op", "deadline"), true},
		{"unavailable", 1, Errorf(KindUnavailable, "op", "503"), true},
		{"validation never retries", 0, Errorf(KindValidation, "op", "bad input"), false},
		{"not found never retries", 0, Errorf(KindNotFound, "op", "missing"), false},
		{"internal never retries", 0, Errorf(KindInternal, "op", "bug"), false},
		{"budget exhausted never retries", 0, Errorf(KindBudgetExhausted, "op", "empty"), false},
		{"attempts exhausted", 2, Errorf(KindNetwork, "op", "conn reset"), false},
		{"unclassified defaults to external", 0, errors.New("plain"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rp.ShouldRetry(tt.attempt, tt.err); got != tt.want {
				t.Errorf("ShouldRetry(%d, %v) = %v, want %v", tt.attempt, tt.err, got, tt.want)
			}
		})
	}

	t.Run("custom retryable predicate wins", func(t *testing.T) {
		custom := &RetryPolicy{MaxAttempts: 3, Retryable: func(error) bool { return true }}
		if !custom.ShouldRetry(0, Errorf(KindValidation, "op", "usually fatal")) {
			t.Error("custom predicate should allow retry")
		}
	})
}

func TestRetryPolicyValidate(t *testing.T) {
	tests := []struct {
		name string
		rp   RetryPolicy
		ok   bool
	}{
		{"defaults", *DefaultRetryPolicy(), true},
		{"single attempt", RetryPolicy{MaxAttempts: 1}, true},
		{"zero attempts", RetryPolicy{MaxAttempts: 0}, false},
		{"max below base", RetryPolicy{MaxAttempts: 3, BaseDelay: time.Minute, MaxDelay: time.Second}, false},
		{"zero max delay means uncapped", RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rp.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestComputeBackoff(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	base := time.Second
	maxDelay := 30 * time.Second

	t.Run("exponential growth within jitter bounds", func(t *testing.T) {
		for attempt := 0; attempt < 4; attempt++ {
			d := computeBackoff(attempt, base, maxDelay, rng)
			lower := base * (1 << attempt)
			upper := lower + base
			if d < lower || d > upper {
				t.Errorf("attempt %d: delay %v outside [%v, %v]", attempt, d, lower, upper)
			}
		}
	})

	t.Run("cap applies", func(t *testing.T) {
		d := computeBackoff(10, base, maxDelay, rng)
		if d < maxDelay || d > maxDelay+base {
			t.Errorf("capped delay %v outside [%v, %v]", d, maxDelay, maxDelay+base)
		}
	})

	t.Run("huge attempt does not overflow", func(t *testing.T) {
		d := computeBackoff(100, base, maxDelay, rng)
		if d < maxDelay || d > maxDelay+base {
			t.Errorf("delay %v outside cap bounds", d)
		}
	})
}
