package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/conveyr/conveyr/pkg/schema"
)

// IsRetryableError classifies whether an error should be retried.
// Retryable by default: network errors, timeouts, context.DeadlineExceeded.
// Non-retryable: validation errors, auth failures, typed FlowErrors with
// non-retryable codes, and context.Canceled (the run is shutting down).
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// A step deadline is retryable; a cancelled run is not.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		return flowErr.IsRetryable() && flowErr.Recoverable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common transient patterns from untyped errors.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// ComputeBackoff calculates the delay before retry attempt n (0-based): base
// delay scaled by multiplier^attempt, capped at the policy maximum.
func ComputeBackoff(policy RecoveryPolicy, attempt int) time.Duration {
	if policy.BaseDelay <= 0 {
		return 0
	}
	delay := float64(policy.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= policy.Multiplier
	}
	d := time.Duration(delay)
	if policy.MaxDelay > 0 && d > policy.MaxDelay {
		d = policy.MaxDelay
	}
	return d
}

// WaitForBackoff sleeps for the computed backoff or returns early when the
// context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
