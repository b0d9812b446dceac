package statemachine

import (
	"math/rand"
	"strings"
	"time"
)

// sleep is a package-level indirection over time.Sleep so tests can run
// retry loops without real delays.
var sleep = time.Sleep

// classify decides whether err should be retried: an error
// matching NonRetriableErrors is NON_RETRIABLE regardless of
// RetriableErrors; an error matching neither list defaults to RETRIABLE.
func classify(policy RetryPolicy, err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, frag := range policy.NonRetriableErrors {
		if frag != "" && strings.Contains(msg, frag) {
			return false
		}
	}
	for _, frag := range policy.RetriableErrors {
		if frag != "" && strings.Contains(msg, frag) {
			return true
		}
	}
	return true
}

// backoffDelay computes the wait before attempt (1-indexed) per policy's
// shape, with +/-20% jitter, capped at MaxDelay.
func backoffDelay(policy RetryPolicy, attempt int) time.Duration {
	base := policy.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	var d time.Duration
	switch policy.Backoff {
	case BackoffExponential:
		d = base << uint(attempt-1)
	case BackoffLinear:
		d = base * time.Duration(attempt)
	default:
		d = base
	}
	if policy.MaxDelay > 0 && d > policy.MaxDelay {
		d = policy.MaxDelay
	}
	jitterFrac := 0.8 + rand.Float64()*0.4 // [0.8, 1.2)
	return time.Duration(float64(d) * jitterFrac)
}

// runWithRetry executes fn, retrying per policy while classify(err) is
// true, up to policy.MaxAttempts total attempts. OnRetry, if set, fires
// between attempts and never aborts the loop.
func runWithRetry(policy RetryPolicy, sleep func(time.Duration), fn func(attempt int) error) error {
	max := policy.MaxAttempts
	if max <= 0 {
		max = 1
	}
	var lastErr error
	for attempt := 1; attempt <= max; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == max || !classify(policy, err) {
			return lastErr
		}
		if policy.OnRetry != nil {
			func() {
				defer func() { _ = recover() }()
				policy.OnRetry(attempt, err)
			}()
		}
		if sleep != nil {
			sleep(backoffDelay(policy, attempt))
		}
	}
	return lastErr
}
