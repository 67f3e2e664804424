// BiliClaw - Bilibili Keyword Harvesting Pipeline
// Copyright 2026 The BiliClaw Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/biliclaw/biliclaw

package bili

import (
	"context"
	"math/rand"
	"time"

	"github.com/biliclaw/biliclaw/internal/logging"
	"github.com/biliclaw/biliclaw/internal/metrics"
)

// RetryConfig bounds the per-call retry loop.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryConfig returns the standard policy: up to 3 retries with
// jittered exponential backoff capped at 30 seconds.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// backoff returns the delay before retry number attempt (0-based):
// min(base * 2^attempt + uniform(0,1s), cap).
func (rc RetryConfig) backoff(attempt int) time.Duration {
	d := rc.BaseDelay * time.Duration(1<<uint(attempt))
	d += time.Duration(rand.Float64() * float64(time.Second))
	if d > rc.MaxDelay {
		d = rc.MaxDelay
	}
	return d
}

// withRetry runs fn under the session's retry policy. A rate limiter token
// is acquired before every attempt, retries included, so retried calls pay
// the same rate cost as fresh ones. Credential-related envelope errors mark
// the session's credential failed before the backoff sleep.
func withRetry[T any](ctx context.Context, s *Session, endpoint string, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	rc := s.c.retry

	for attempt := 0; attempt <= rc.MaxRetries; attempt++ {
		if err := s.c.limiter.Acquire(ctx, 1); err != nil {
			return zero, err
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if code, ok := IsCredentialError(err); ok {
			s.c.pool.MarkFailure(s.credential, false)
			metrics.RecordCredentialFailure(code)
		}

		if attempt == rc.MaxRetries {
			break
		}
		metrics.RecordRetry(endpoint)
		logging.Debug().
			Str("endpoint", endpoint).
			Int("attempt", attempt+1).
			Err(err).
			Msg("upstream call failed, backing off")

		select {
		case <-time.After(rc.backoff(attempt)):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	return zero, lastErr
}
