// BiliClaw - Bilibili Keyword Harvesting Pipeline
// Copyright 2026 The BiliClaw Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/biliclaw/biliclaw

// Package sink publishes harvested records to the downstream message bus.
//
// Records flow onto three keyed topics. Emission is at-least-once; the
// entity key doubles as the bus-level message id so the JetStream duplicate
// window absorbs same-run republishes.
package sink

import "context"

// Downstream topics, keyed by primary entity id.
const (
	TopicVideo   = "claw_video"   // key: bvid
	TopicComment = "claw_comment" // key: rpid, first- and second-level
	TopicAccount = "claw_account" // key: mid
)

// Sink is the append seam between pipeline stages and the bus. A stage
// marks an id emitted only after the corresponding Publish returns nil.
type Sink interface {
	PublishVideo(ctx context.Context, bvid string, body []byte) error
	PublishComment(ctx context.Context, rpid string, body []byte) error
	PublishAccount(ctx context.Context, mid string, body []byte) error
	Close() error
}
