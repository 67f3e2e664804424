// BiliClaw - Bilibili Keyword Harvesting Pipeline
// Copyright 2026 The BiliClaw Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/biliclaw/biliclaw

package sink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/biliclaw/biliclaw/internal/logging"
	"github.com/biliclaw/biliclaw/internal/metrics"
)

// NATSConfig configures the bus publisher.
type NATSConfig struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectBuffer int

	// Circuit breaker over publishes. The breaker opens after
	// FailureThreshold consecutive failures and half-opens after Timeout.
	BreakerThreshold uint32
	BreakerTimeout   time.Duration
}

// DefaultNATSConfig returns the standard publisher settings.
func DefaultNATSConfig(url string) NATSConfig {
	return NATSConfig{
		URL:              url,
		MaxReconnects:    -1,
		ReconnectWait:    2 * time.Second,
		ReconnectBuffer:  8 * 1024 * 1024,
		BreakerThreshold: 5,
		BreakerTimeout:   30 * time.Second,
	}
}

// NATSSink publishes records to NATS JetStream through Watermill. Each
// record's Nats-Msg-Id is "topic:key", so a republish of the same entity
// within the stream's duplicate window is dropped server-side.
type NATSSink struct {
	publisher message.Publisher
	breaker   *gobreaker.CircuitBreaker[any]

	mu     sync.RWMutex
	closed bool
}

// NewNATSSink connects to the bus and prepares the publisher. The target
// stream must exist; see StreamInitializer.
func NewNATSSink(cfg NATSConfig) (*NATSSink, error) {
	wmLogger := watermill.NewStdLogger(false, false)

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.ReconnectBufSize(cfg.ReconnectBuffer),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("bus disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("bus reconnected")
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: false, // stream is pre-created by StreamInitializer
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("create bus publisher: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "sink",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("sink circuit breaker state change")
		},
	})

	return &NATSSink{publisher: pub, breaker: breaker}, nil
}

func (s *NATSSink) PublishVideo(ctx context.Context, bvid string, body []byte) error {
	return s.publish(ctx, TopicVideo, bvid, body)
}

func (s *NATSSink) PublishComment(ctx context.Context, rpid string, body []byte) error {
	return s.publish(ctx, TopicComment, rpid, body)
}

func (s *NATSSink) PublishAccount(ctx context.Context, mid string, body []byte) error {
	return s.publish(ctx, TopicAccount, mid, body)
}

func (s *NATSSink) publish(_ context.Context, topic, key string, body []byte) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return fmt.Errorf("sink is closed")
	}
	s.mu.RUnlock()

	if key == "" {
		return fmt.Errorf("publish to %s without a key", topic)
	}

	msg := message.NewMessage(watermill.NewUUID(), body)
	msg.Metadata.Set(natsgo.MsgIdHdr, topic+":"+key)
	msg.Metadata.Set("key", key)

	_, err := s.breaker.Execute(func() (any, error) {
		return nil, s.publisher.Publish(topic, msg)
	})
	if err != nil {
		metrics.RecordPublishError(topic)
		return fmt.Errorf("publish %s key %s: %w", topic, key, err)
	}
	metrics.RecordPublish(topic)
	return nil
}

// BreakerState reports the current circuit breaker state for monitoring.
func (s *NATSSink) BreakerState() string {
	return s.breaker.State().String()
}

func (s *NATSSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.publisher.Close()
}
