// BiliClaw - Bilibili Keyword Harvesting Pipeline
// Copyright 2026 The BiliClaw Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/biliclaw/biliclaw

package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/biliclaw/biliclaw/internal/metrics"
)

// popTimeout is the dequeue poll interval. Workers re-check their upstream
// producers-done latch after each timed-out poll, never before a poll, so a
// producer cannot slip an item in between the check and the dequeue.
const popTimeout = 2 * time.Second

// Queue is a bounded multi-producer multi-consumer work queue. Push blocks
// for backpressure; TryPush is for producers that must not stall.
type Queue[T any] struct {
	name string
	ch   chan T
}

// NewQueue creates a queue with the given capacity.
func NewQueue[T any](name string, size int) *Queue[T] {
	if size <= 0 {
		size = 1024
	}
	return &Queue[T]{name: name, ch: make(chan T, size)}
}

// Push enqueues v, blocking until space is available or ctx is cancelled.
func (q *Queue[T]) Push(ctx context.Context, v T) error {
	select {
	case q.ch <- v:
		metrics.QueueDepth.WithLabelValues(q.name).Set(float64(len(q.ch)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPush enqueues v without blocking and reports whether it fit.
func (q *Queue[T]) TryPush(v T) bool {
	select {
	case q.ch <- v:
		metrics.QueueDepth.WithLabelValues(q.name).Set(float64(len(q.ch)))
		return true
	default:
		return false
	}
}

// Pop dequeues one item, waiting up to popTimeout. The second return is
// false on timeout or cancellation.
func (q *Queue[T]) Pop(ctx context.Context) (T, bool) {
	var zero T
	t := time.NewTimer(popTimeout)
	defer t.Stop()

	select {
	case v := <-q.ch:
		metrics.QueueDepth.WithLabelValues(q.name).Set(float64(len(q.ch)))
		return v, true
	case <-t.C:
		return zero, false
	case <-ctx.Done():
		return zero, false
	}
}

// Len returns the current queue depth.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Latch is a one-shot broadcast event. A stage sets its latch when the last
// of its workers exits; downstream stages poll Done after failed dequeues.
type Latch struct {
	once sync.Once
	ch   chan struct{}
}

// NewLatch returns an unset latch.
func NewLatch() *Latch {
	return &Latch{ch: make(chan struct{})}
}

// Set releases the latch. Safe to call more than once.
func (l *Latch) Set() {
	l.once.Do(func() { close(l.ch) })
}

// Done reports whether the latch has been set.
func (l *Latch) Done() bool {
	select {
	case <-l.ch:
		return true
	default:
		return false
	}
}

// Wait blocks until the latch is set or ctx is cancelled.
func (l *Latch) Wait(ctx context.Context) error {
	select {
	case <-l.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
