// BiliClaw - Bilibili Keyword Harvesting Pipeline
// Copyright 2026 The BiliClaw Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/biliclaw/biliclaw

package sink

import (
	"context"
	"sync"
)

// Record is one captured publish.
type Record struct {
	Topic string
	Key   string
	Body  []byte
}

// MemorySink captures publishes in memory. Used by tests and dry runs.
type MemorySink struct {
	mu      sync.Mutex
	records []Record

	// FailKeys makes publishes for the listed keys fail, for testing the
	// ledger-only-after-accept rule.
	FailKeys map[string]error
}

// NewMemorySink returns an empty capture sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) PublishVideo(ctx context.Context, bvid string, body []byte) error {
	return m.publish(TopicVideo, bvid, body)
}

func (m *MemorySink) PublishComment(ctx context.Context, rpid string, body []byte) error {
	return m.publish(TopicComment, rpid, body)
}

func (m *MemorySink) PublishAccount(ctx context.Context, mid string, body []byte) error {
	return m.publish(TopicAccount, mid, body)
}

func (m *MemorySink) publish(topic, key string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.FailKeys[key]; ok {
		return err
	}
	m.records = append(m.records, Record{Topic: topic, Key: key, Body: body})
	return nil
}

// Records returns a copy of everything published so far.
func (m *MemorySink) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// Keys returns the published keys for one topic, in publish order.
func (m *MemorySink) Keys(topic string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, r := range m.records {
		if r.Topic == topic {
			out = append(out, r.Key)
		}
	}
	return out
}

func (m *MemorySink) Close() error { return nil }
