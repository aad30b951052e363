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
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianDoctor/services/doctor/config"
)

// Class is a rate-limit class of outbound calls.
type Class string

const (
	// ClassCore covers model completions.
	ClassCore Class = "core"

	// ClassLight covers cheap calls such as model listings and health probes.
	ClassLight Class = "light"
)

// RateLimiter is a continuously refilled token bucket per call class.
//
// Thread Safety: safe for concurrent use.
type RateLimiter struct {
	buckets map[Class]*rate.Limiter
}

// NewRateLimiter creates buckets for the core and light classes.
func NewRateLimiter(cfg config.ResilienceConfig) *RateLimiter {
	return &RateLimiter{buckets: map[Class]*rate.Limiter{
		ClassCore:  rate.NewLimiter(rate.Limit(cfg.Core.PerSecond), cfg.Core.Burst),
		ClassLight: rate.NewLimiter(rate.Limit(cfg.Light.PerSecond), cfg.Light.Burst),
	}}
}

// Allow takes one token from class without waiting. Unknown classes are
// refused.
func (r *RateLimiter) Allow(class Class) bool {
	b, ok := r.buckets[class]
	if !ok {
		return false
	}
	return b.Allow()
}

// Tokens returns the tokens currently available to class.
func (r *RateLimiter) Tokens(class Class) float64 {
	b, ok := r.buckets[class]
	if !ok {
		return 0
	}
	return b.Tokens()
}

// ConcurrencyLimiter bounds the number of in-flight calls.
//
// Thread Safety: safe for concurrent use.
type ConcurrencyLimiter struct {
	sem      *semaphore.Weighted
	max      int64
	inFlight atomic.Int64
}

// NewConcurrencyLimiter allows at most max calls at once. Values below one
// are raised to one.
func NewConcurrencyLimiter(max int64) *ConcurrencyLimiter {
	if max < 1 {
		max = 1
	}
	return &ConcurrencyLimiter{sem: semaphore.NewWeighted(max), max: max}
}

// Acquire waits for a slot. The returned release is safe to call more than
// once.
func (c *ConcurrencyLimiter) Acquire(ctx context.Context) (release func(), err error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return c.held(), nil
}

// TryAcquire takes a slot only if one is free.
func (c *ConcurrencyLimiter) TryAcquire() (release func(), ok bool) {
	if !c.sem.TryAcquire(1) {
		return nil, false
	}
	return c.held(), true
}

// InFlight returns the number of held slots.
func (c *ConcurrencyLimiter) InFlight() int64 {
	return c.inFlight.Load()
}

// Max returns the slot count.
func (c *ConcurrencyLimiter) Max() int64 {
	return c.max
}

func (c *ConcurrencyLimiter) held() func() {
	c.inFlight.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			c.inFlight.Add(-1)
			c.sem.Release(1)
		})
	}
}
