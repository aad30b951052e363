// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/AleutianAI/AleutianDoctor/services/doctor/config"
)

// RetryResult contains the outcome of a retry operation.
type RetryResult struct {
	// Attempts is the number of attempts made.
	Attempts int

	// TotalDuration is the total time spent including waits.
	TotalDuration time.Duration

	// LastError is the error from the last attempt (nil if successful).
	LastError error
}

// RetryableFunc is one attempt. attempt starts at 1.
type RetryableFunc func(ctx context.Context, attempt int) error

// Retry executes fn with exponential backoff.
//
// Inputs:
//   - ctx: Context for cancellation. Must not be nil.
//   - cfg: Retry configuration.
//   - fn: The function to execute and potentially retry.
//
// Outputs:
//   - RetryResult: Statistics about the retry operation.
//   - error: The last error if all attempts failed, nil on success.
//
// Only errors accepted by IsRetryable are retried. A Retry-After hint on a
// *ProviderError replaces the computed backoff when it is longer, capped at
// cfg.MaxRetryAfter.
func Retry(ctx context.Context, cfg config.RetryConfig, fn RetryableFunc) (RetryResult, error) {
	start := time.Now()
	result := RetryResult{}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	backoff := cfg.InitialBackoff

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			result.LastError = err
			result.TotalDuration = time.Since(start)
			return result, err
		}

		err := fn(ctx, attempt)
		if err == nil {
			result.LastError = nil
			result.TotalDuration = time.Since(start)
			return result, nil
		}
		result.LastError = err

		if !IsRetryable(err) || attempt == maxAttempts {
			break
		}

		wait := calculateBackoff(backoff, cfg.JitterFactor)
		if hint := retryAfter(err); hint > wait {
			if cfg.MaxRetryAfter > 0 && hint > cfg.MaxRetryAfter {
				hint = cfg.MaxRetryAfter
			}
			wait = max(wait, hint)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(start)
			return result, ctx.Err()
		case <-timer.C:
		}

		backoff = nextBackoff(backoff, cfg.BackoffFactor, cfg.MaxBackoff)
	}

	result.TotalDuration = time.Since(start)
	return result, result.LastError
}

// calculateBackoff spreads base over [base*(1-jitter), base*(1+jitter)].
func calculateBackoff(base time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return base
	}
	jitter := (rand.Float64()*2 - 1) * jitterFactor
	return time.Duration(float64(base) * (1.0 + jitter))
}

func nextBackoff(current time.Duration, factor float64, limit time.Duration) time.Duration {
	if factor < 1 {
		factor = 1
	}
	next := time.Duration(float64(current) * factor)
	if limit > 0 && next > limit {
		return limit
	}
	return next
}
