// BiliClaw - Bilibili Keyword Harvesting Pipeline
// Copyright 2026 The BiliClaw Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/biliclaw/biliclaw

package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestTryAcquireBurst(t *testing.T) {
	b := New(1.0, 5)

	for i := 0; i < 5; i++ {
		if !b.TryAcquire(1) {
			t.Fatalf("acquire %d within capacity failed", i+1)
		}
	}
	if b.TryAcquire(1) {
		t.Error("acquire beyond capacity succeeded without waiting")
	}
}

func TestAcquireBlocksUntilRefill(t *testing.T) {
	b := New(50.0, 1)

	// Drain the bucket, then a blocking acquire must wait ~1/50s.
	if !b.TryAcquire(1) {
		t.Fatal("initial token missing")
	}

	start := time.Now()
	if err := b.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 10*time.Millisecond {
		t.Errorf("Acquire returned after %v, expected >= 10ms wait", elapsed)
	}
}

func TestAcquireContextCancellation(t *testing.T) {
	b := New(0.1, 1)
	b.TryAcquire(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := b.Acquire(ctx, 1); err == nil {
		t.Error("Acquire succeeded despite cancelled context")
	}
}

// Parallel acquires beyond capacity must collectively wait at least
// (total - capacity) / rate. With rate=100, capacity=5, 20 acquires the
// floor is 150ms.
func TestParallelAcquireBound(t *testing.T) {
	b := New(100.0, 5)

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.Acquire(context.Background(), 1); err != nil {
				t.Errorf("Acquire: %v", err)
			}
		}()
	}
	wg.Wait()

	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("20 acquires finished in %v, expected >= 150ms", elapsed)
	}
}

func TestSetRateTakesEffect(t *testing.T) {
	b := New(1.0, 1)
	b.TryAcquire(1)

	b.SetRate(200.0)
	if got := b.Rate(); got != 200.0 {
		t.Fatalf("Rate() = %v after SetRate(200), want 200", got)
	}

	start := time.Now()
	if err := b.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Acquire under raised rate took %v, expected well under 100ms", elapsed)
	}
}

func TestDefaultsApplied(t *testing.T) {
	b := New(0, 0)
	if b.Rate() != DefaultRate {
		t.Errorf("Rate() = %v, want default %v", b.Rate(), DefaultRate)
	}
	if b.Capacity() != DefaultCapacity {
		t.Errorf("Capacity() = %v, want default %v", b.Capacity(), DefaultCapacity)
	}
}
