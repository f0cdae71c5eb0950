// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"time"
)

// RetryPolicy parameterizes every network-facing call, including replay
type RetryPolicy struct {
	MaxAttempts int           // Total attempts including the first (<=1 disables retries)
	BackoffMin  time.Duration // Delay before the second attempt
	BackoffMax  time.Duration // Upper bound for the exponential delay
	CallTimeout time.Duration // Per-attempt timeout (0 = none)
}

// DefaultRetryPolicy returns the policy used when none is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BackoffMin:  500 * time.Millisecond,
		BackoffMax:  10 * time.Second,
		CallTimeout: 30 * time.Second,
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts are
// exhausted or ctx is done. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.BackoffMin

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = p.call(ctx, fn)
		if err == nil || !IsRetryable(err) || attempt == attempts {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		if serr := SleepWithContext(ctx, backoff); serr != nil {
			return err
		}
		backoff *= 2
		if p.BackoffMax > 0 && backoff > p.BackoffMax {
			backoff = p.BackoffMax
		}
	}
	return err
}

func (p RetryPolicy) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.CallTimeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, p.CallTimeout)
	defer cancel()
	return fn(callCtx)
}

// SleepWithContext sleeps for d or until ctx is done
func SleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
