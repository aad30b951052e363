// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resilience guards outbound provider calls with rate limiting,
// bounded concurrency and retries.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianDoctor/services/doctor/config"
)

var (
	callOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "doctor_provider_calls_total",
		Help: "Logical provider calls by class and outcome.",
	}, []string{"class", "outcome"})

	callAttempts = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "doctor_provider_call_attempts",
		Help:    "Attempts per logical provider call.",
		Buckets: []float64{1, 2, 3, 4, 5, 8},
	}, []string{"class"})
)

type idempotencyKey struct{}

// WithIdempotencyKey attaches key to ctx.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKey{}, key)
}

// IdempotencyKey returns the key of the logical call ctx belongs to.
func IdempotencyKey(ctx context.Context) (string, bool) {
	k, ok := ctx.Value(idempotencyKey{}).(string)
	return k, ok && k != ""
}

// StreamFunc performs one streaming attempt, passing each chunk to emit.
type StreamFunc func(ctx context.Context, emit func(chunk string) error) error

// Client wraps one logical outbound call with admission, a concurrency
// slot and retries.
//
// Thread Safety: safe for concurrent use.
type Client struct {
	rate   *RateLimiter
	slots  *ConcurrencyLimiter
	retry  config.RetryConfig
	logger *slog.Logger
}

// NewClient creates a client from the resilience configuration.
func NewClient(cfg config.ResilienceConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		rate:   NewRateLimiter(cfg),
		slots:  NewConcurrencyLimiter(cfg.MaxConcurrent),
		retry:  cfg.Retry,
		logger: logger.With(slog.String("component", "resilience")),
	}
}

// RateLimiter returns the client's rate limiter.
func (c *Client) RateLimiter() *RateLimiter { return c.rate }

// Concurrency returns the client's concurrency limiter.
func (c *Client) Concurrency() *ConcurrencyLimiter { return c.slots }

// Do runs fn as one logical call of class.
//
// # Description
//
// Admission is checked once per logical call: a refused call returns
// ErrRateLimited without invoking fn. The call then waits for a
// concurrency slot and runs fn under Retry. Every attempt sees the same
// idempotency key through IdempotencyKey(ctx).
//
// # Outputs
//
//   - error: ErrRateLimited, a context error, or fn's last error.
func (c *Client) Do(ctx context.Context, class Class, fn func(ctx context.Context) error) error {
	return c.run(ctx, class, func(ctx context.Context, _ int) error {
		return fn(ctx)
	})
}

// Stream runs a streaming call. Chunks are passed to onChunk as they
// arrive. A failure before the first chunk is retried like Do; a failure
// after it is wrapped in ErrStreamInterrupted and returned at once, leaving
// delivered chunks as they are.
func (c *Client) Stream(ctx context.Context, class Class, fn StreamFunc, onChunk func(chunk string) error) error {
	delivered := false
	emit := func(chunk string) error {
		delivered = true
		return onChunk(chunk)
	}
	return c.run(ctx, class, func(ctx context.Context, _ int) error {
		err := fn(ctx, emit)
		if err != nil && delivered {
			return fmt.Errorf("%w: %w", ErrStreamInterrupted, err)
		}
		return err
	})
}

func (c *Client) run(ctx context.Context, class Class, fn RetryableFunc) error {
	if _, ok := c.rate.buckets[class]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClass, class)
	}
	if !c.rate.Allow(class) {
		callOutcomes.WithLabelValues(string(class), "rate_limited").Inc()
		return fmt.Errorf("%w: %s", ErrRateLimited, class)
	}

	release, err := c.slots.Acquire(ctx)
	if err != nil {
		callOutcomes.WithLabelValues(string(class), "canceled").Inc()
		return err
	}
	defer release()

	key := uuid.NewString()
	ctx = WithIdempotencyKey(ctx, key)
	logger := c.logger.With(slog.String("class", string(class)), slog.String("idempotency_key", key))

	result, err := Retry(ctx, c.retry, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			logger.Info("retrying provider call", slog.Int("attempt", attempt))
		}
		return fn(ctx, attempt)
	})
	callAttempts.WithLabelValues(string(class)).Observe(float64(result.Attempts))

	switch {
	case err == nil:
		callOutcomes.WithLabelValues(string(class), "ok").Inc()
	case errors.Is(err, ErrStreamInterrupted):
		callOutcomes.WithLabelValues(string(class), "interrupted").Inc()
		logger.Warn("stream interrupted", slog.String("error", err.Error()))
	default:
		callOutcomes.WithLabelValues(string(class), "error").Inc()
		logger.Warn("provider call failed",
			slog.Int("attempts", result.Attempts),
			slog.String("error", err.Error()))
	}
	return err
}
