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
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

var (
	// ErrRateLimited is returned when the rate limiter refuses a call.
	ErrRateLimited = errors.New("rate limited")

	// ErrStreamInterrupted is returned when a stream fails after at least
	// one chunk was delivered. Such failures are never retried.
	ErrStreamInterrupted = errors.New("stream interrupted")

	// ErrUnknownClass is returned for a call class with no limiter.
	ErrUnknownClass = errors.New("unknown call class")
)

// ProviderError is a failed provider call.
type ProviderError struct {
	// StatusCode is the HTTP status, or 0 for transport failures.
	StatusCode int

	// RetryAfter is the server's Retry-After hint, zero when absent.
	RetryAfter time.Duration

	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode == 0 {
		return fmt.Sprintf("provider error: %s", msg)
	}
	return fmt.Sprintf("provider error: status %d: %s", e.StatusCode, msg)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is transient.
func (e *ProviderError) Retryable() bool {
	switch e.StatusCode {
	case 0:
		return !errors.Is(e.Err, context.Canceled) && !errors.Is(e.Err, context.DeadlineExceeded)
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// IsRetryable determines whether err should trigger another attempt.
//
// Interrupted streams, context errors and anything that is not a provider
// or network failure are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrStreamInterrupted) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// retryAfter extracts a Retry-After hint from err.
func retryAfter(err error) time.Duration {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}
