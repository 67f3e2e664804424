// BiliClaw - Bilibili Keyword Harvesting Pipeline
// Copyright 2026 The BiliClaw Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/biliclaw/biliclaw

// Package ratelimit provides the single global token bucket that governs
// every outbound request to the upstream API.
//
// The bucket refills at Rate tokens per second up to Capacity. A token is
// acquired before every attempt of every call, retries included, so retried
// calls pay the same rate cost as fresh ones. Rate and capacity are
// adjustable at runtime, which lets an operator slow the harvester down
// mid-run when the upstream starts pushing back.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/biliclaw/biliclaw/internal/metrics"
)

// Defaults chosen to stay under the upstream's anti-abuse thresholds.
const (
	DefaultRate     = 2.0
	DefaultCapacity = 5
)

// Bucket is a token bucket safe for concurrent use by all workers.
type Bucket struct {
	lim *rate.Limiter
}

// New creates a bucket with the given refill rate (tokens per second) and
// capacity (burst size). Non-positive arguments fall back to the defaults.
func New(r float64, capacity int) *Bucket {
	if r <= 0 {
		r = DefaultRate
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bucket{lim: rate.NewLimiter(rate.Limit(r), capacity)}
}

// Acquire blocks until n tokens are available or the context is cancelled.
// Concurrent rate reductions lengthen the wait rather than under-deducting.
func (b *Bucket) Acquire(ctx context.Context, n int) error {
	start := time.Now()
	if err := b.lim.WaitN(ctx, n); err != nil {
		return err
	}
	if waited := time.Since(start); waited > 0 {
		metrics.RateLimitWaitSeconds.Add(waited.Seconds())
	}
	return nil
}

// TryAcquire takes n tokens without blocking. It reports whether the tokens
// were available.
func (b *Bucket) TryAcquire(n int) bool {
	return b.lim.AllowN(time.Now(), n)
}

// SetRate adjusts the refill rate at runtime. Tokens accumulated under the
// old rate are preserved.
func (b *Bucket) SetRate(r float64) {
	if r > 0 {
		b.lim.SetLimit(rate.Limit(r))
	}
}

// SetCapacity adjusts the bucket capacity at runtime.
func (b *Bucket) SetCapacity(capacity int) {
	if capacity > 0 {
		b.lim.SetBurst(capacity)
	}
}

// Rate returns the current refill rate in tokens per second.
func (b *Bucket) Rate() float64 {
	return float64(b.lim.Limit())
}

// Capacity returns the current bucket capacity.
func (b *Bucket) Capacity() int {
	return b.lim.Burst()
}
