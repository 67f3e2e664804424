// BiliClaw - Bilibili Keyword Harvesting Pipeline
// Copyright 2026 The BiliClaw Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/biliclaw/biliclaw

// Package progress persists the harvester's resume state: per-video comment
// cursors, emitted-id sets, and the pending-user-ids ledger.
//
// Two backends implement the same seam: a plain-file layout matching the
// historical sent_records directory, and a Badger key-value store. Stage
// code only sees the Store interface.
package progress

// VideoProgress is the durable comment-paging position for one video.
// Once Done is set the entry is frozen; no later cursor write changes it.
type VideoProgress struct {
	Done   bool   `json:"done"`
	Cursor string `json:"cursor"`
	Aid    int64  `json:"aid,omitempty"`
}

// Store is the durability seam used by the pipeline stages. All methods are
// safe for concurrent use. Mark methods are called only after the sink has
// accepted the corresponding record.
type Store interface {
	// Per-video comment-paging progress.
	Progress(bvid string) (VideoProgress, bool)
	SetProgress(bvid, cursor string, aid int64) error
	MarkDone(bvid string) error
	AllProgress() map[string]VideoProgress

	// Emitted-id ledgers.
	MarkVideoEmitted(bvid string) error
	MarkCommentEmitted(rpid string) error
	MarkAccountEmitted(mid string) error
	VideoEmitted(bvid string) bool
	CommentEmitted(rpid string) bool
	AccountEmitted(mid string) bool

	// Pending user ids: observed but not yet emitted. The rewrite compacts
	// the ledger at shutdown; an empty rewrite removes it entirely.
	AppendPendingMid(mid string) error
	PendingMids() []string
	RewritePendingMids(mids []string) error

	Close() error
}
