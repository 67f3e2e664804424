// BiliClaw - Bilibili Keyword Harvesting Pipeline
// Copyright 2026 The BiliClaw Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/biliclaw/biliclaw

package pipeline

import (
	"context"
	"testing"
	"time"
)

func TestQueuePushPop(t *testing.T) {
	q := NewQueue[int]("test", 4)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if err := q.Push(ctx, i); err != nil {
			t.Fatalf("Push(%d): %v", i, err)
		}
	}
	if q.Len() != 3 {
		t.Errorf("Len() = %d", q.Len())
	}

	for i := 1; i <= 3; i++ {
		v, ok := q.Pop(ctx)
		if !ok || v != i {
			t.Fatalf("Pop() = %d, %v; want %d", v, ok, i)
		}
	}
}

func TestQueueTryPushFull(t *testing.T) {
	q := NewQueue[string]("test", 1)
	if !q.TryPush("a") {
		t.Fatal("TryPush into empty queue failed")
	}
	if q.TryPush("b") {
		t.Error("TryPush into full queue succeeded")
	}
}

func TestQueuePushBlocksUntilSpace(t *testing.T) {
	q := NewQueue[int]("test", 1)
	ctx := context.Background()
	if err := q.Push(ctx, 1); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- q.Push(ctx, 2) }()

	select {
	case <-done:
		t.Fatal("Push into full queue returned before space freed")
	case <-time.After(50 * time.Millisecond):
	}

	if _, ok := q.Pop(ctx); !ok {
		t.Fatal("Pop failed")
	}
	if err := <-done; err != nil {
		t.Fatalf("blocked Push: %v", err)
	}
}

func TestQueuePushCancelled(t *testing.T) {
	q := NewQueue[int]("test", 1)
	if err := q.Push(context.Background(), 1); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Push(ctx, 2); err == nil {
		t.Error("Push into full queue ignored cancellation")
	}
}

func TestQueuePopTimesOut(t *testing.T) {
	q := NewQueue[int]("test", 1)

	start := time.Now()
	_, ok := q.Pop(context.Background())
	if ok {
		t.Fatal("Pop on empty queue returned a value")
	}
	if elapsed := time.Since(start); elapsed < popTimeout/2 {
		t.Errorf("Pop returned after %v, expected ~%v poll", elapsed, popTimeout)
	}
}

func TestLatch(t *testing.T) {
	l := NewLatch()
	if l.Done() {
		t.Fatal("fresh latch reports done")
	}

	l.Set()
	l.Set() // idempotent
	if !l.Done() {
		t.Fatal("set latch reports not done")
	}
	if err := l.Wait(context.Background()); err != nil {
		t.Fatalf("Wait on set latch: %v", err)
	}
}

func TestChunkCoversAll(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e"}
	seen := make(map[string]int)
	for i := 0; i < 2; i++ {
		for _, id := range chunk(ids, 2, i) {
			seen[id]++
		}
	}
	if len(seen) != 5 {
		t.Errorf("chunks cover %d of 5 ids", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("id %s appears %d times across chunks", id, n)
		}
	}
}
