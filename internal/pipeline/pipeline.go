// BiliClaw - Bilibili Keyword Harvesting Pipeline
// Copyright 2026 The BiliClaw Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/biliclaw/biliclaw

// Package pipeline links the five harvesting stages: keyword search, video
// detail enrichment, first-level comment paging, second-level reply paging,
// and user profile enrichment.
//
// Stages run concurrently and hand work through bounded queues. Each stage
// raises a producers-done latch when its last worker exits; a downstream
// stage terminates once its input queue drains and the upstream latch is
// set. Cancellation stops new work but the final flush (pending-user
// compaction) always runs.
package pipeline

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/biliclaw/biliclaw/internal/bili"
	"github.com/biliclaw/biliclaw/internal/logging"
	"github.com/biliclaw/biliclaw/internal/progress"
	"github.com/biliclaw/biliclaw/internal/sink"
)

// Config sets the shape of one harvesting run.
type Config struct {
	Keyword string

	SearchWorkers  int // fan-out width over search page ranges
	PagesPerWorker int // pages each search worker requests
	PageSize       int // search page size

	DetailWorkers  int
	CommentWorkers int
	ReplyWorkers   int
	UserWorkers    int

	ReplyPageSize int // second-level page size

	// Politeness delay between comment pages, uniform over [Min, Max].
	DelayMin time.Duration
	DelayMax time.Duration

	QueueSize int

	// ResumePending re-enqueues the pending-user ledger at startup.
	ResumePending bool
}

// DefaultConfig returns a conservative single-keyword run shape.
func DefaultConfig(keyword string) Config {
	return Config{
		Keyword:        keyword,
		SearchWorkers:  2,
		PagesPerWorker: 3,
		PageSize:       50,
		DetailWorkers:  2,
		CommentWorkers: 3,
		ReplyWorkers:   2,
		UserWorkers:    2,
		ReplyPageSize:  20,
		DelayMin:       500 * time.Millisecond,
		DelayMax:       1500 * time.Millisecond,
		QueueSize:      1024,
	}
}

// Stats counts run outcomes. All fields are updated atomically while the
// run is live; read them after Run returns.
type Stats struct {
	VideosEmitted   atomic.Int64
	CommentsEmitted atomic.Int64
	RepliesEmitted  atomic.Int64
	AccountsEmitted atomic.Int64
	Skipped         atomic.Int64
	Errors          atomic.Int64
}

// videoJob is one video headed for the comment stage.
type videoJob struct {
	Bvid string
	Aid  int64
}

// replyJob is one first-level comment whose reply thread needs walking.
type replyJob struct {
	Aid    int64
	Parent bili.Comment
}

// Pipeline owns one harvesting run.
type Pipeline struct {
	cfg    Config
	client *bili.Client
	store  progress.Store
	sink   sink.Sink

	Stats Stats

	videoQueue *Queue[videoJob]
	replyQueue *Queue[replyJob]
	userQueue  *Queue[string]

	videosDone   *Latch
	commentsDone *Latch
	repliesDone  *Latch

	observedMu sync.Mutex
	observed   map[string]struct{}
}

// New wires a pipeline over its collaborators.
func New(cfg Config, client *bili.Client, store progress.Store, out sink.Sink) *Pipeline {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.ReplyPageSize <= 0 {
		cfg.ReplyPageSize = 20
	}
	if cfg.DetailWorkers <= 0 {
		cfg.DetailWorkers = 1
	}
	if cfg.CommentWorkers <= 0 {
		cfg.CommentWorkers = 1
	}
	if cfg.ReplyWorkers <= 0 {
		cfg.ReplyWorkers = 1
	}
	if cfg.UserWorkers <= 0 {
		cfg.UserWorkers = 1
	}
	return &Pipeline{
		cfg:          cfg,
		client:       client,
		store:        store,
		sink:         out,
		videoQueue:   NewQueue[videoJob]("video", cfg.QueueSize),
		replyQueue:   NewQueue[replyJob]("reply", cfg.QueueSize),
		userQueue:    NewQueue[string]("user", cfg.QueueSize),
		videosDone:   NewLatch(),
		commentsDone: NewLatch(),
		repliesDone:  NewLatch(),
		observed:     make(map[string]struct{}),
	}
}

// Run executes the full harvest for the configured keyword and blocks until
// every stage has drained or ctx is cancelled. The pending-user ledger is
// compacted before return on both paths.
func (p *Pipeline) Run(ctx context.Context) error {
	logging.Info().Str("keyword", p.cfg.Keyword).Msg("harvest starting")

	if p.cfg.ResumePending {
		p.resumePending(ctx)
	}

	// Search runs to completion first; it is a bounded fan-out, not a
	// long-lived stage.
	fresh, known := p.runSearch(ctx)
	logging.Info().
		Int("new", len(fresh)).
		Int("already_emitted", len(known)).
		Msg("search complete")

	// The detail stage has one extra producer slot for already-emitted
	// videos: they skip enrichment but still enter the comment stage so
	// interrupted comment walks resume. Folding the forwarder into the
	// stage keeps the producers-done latch honest.
	var wg sync.WaitGroup
	p.startStage(ctx, &wg, "detail", p.cfg.DetailWorkers+1, p.videosDone, func(ctx context.Context, worker int) {
		if worker == p.cfg.DetailWorkers {
			for _, bvid := range known {
				if err := p.videoQueue.Push(ctx, videoJob{Bvid: bvid}); err != nil {
					return
				}
			}
			return
		}
		p.detailWorker(ctx, worker, chunk(fresh, p.cfg.DetailWorkers, worker))
	})
	p.startStage(ctx, &wg, "comments", p.cfg.CommentWorkers, p.commentsDone, p.commentWorker)
	p.startStage(ctx, &wg, "replies", p.cfg.ReplyWorkers, p.repliesDone, p.replyWorker)
	p.startStage(ctx, &wg, "users", p.cfg.UserWorkers, nil, p.userWorker)
	wg.Wait()

	p.flush()
	p.report()
	return ctx.Err()
}

// startStage launches count workers and sets done (if any) when the last
// one exits.
func (p *Pipeline) startStage(ctx context.Context, wg *sync.WaitGroup, name string, count int, done *Latch, fn func(ctx context.Context, worker int)) {
	if count <= 0 {
		count = 1
	}
	var stage sync.WaitGroup
	for i := 0; i < count; i++ {
		wg.Add(1)
		stage.Add(1)
		go func(worker int) {
			defer wg.Done()
			defer stage.Done()
			fn(ctx, worker)
		}(i)
	}
	go func() {
		stage.Wait()
		if done != nil {
			done.Set()
		}
		logging.Debug().Str("stage", name).Msg("stage complete")
	}()
}

// observeMid registers a user id exactly once per run: durable pending
// append first, then the enqueue. A full user queue drops the enqueue; the
// pending ledger recovers the id on the next run.
func (p *Pipeline) observeMid(mid string) {
	if mid == "" || mid == "0" {
		return
	}

	p.observedMu.Lock()
	if _, seen := p.observed[mid]; seen {
		p.observedMu.Unlock()
		return
	}
	p.observed[mid] = struct{}{}
	p.observedMu.Unlock()

	if p.store.AccountEmitted(mid) {
		return
	}
	if err := p.store.AppendPendingMid(mid); err != nil {
		logging.Warn().Err(err).Str("mid", mid).Msg("pending ledger append failed")
	}
	if !p.userQueue.TryPush(mid) {
		logging.Debug().Str("mid", mid).Msg("user queue full, deferred to pending ledger")
	}
}

// resumePending re-enqueues ids left over from a previous run. Every
// unemitted id is registered in observed even when the queue is full, so
// the shutdown compaction keeps ids this run could not reach.
func (p *Pipeline) resumePending(ctx context.Context) {
	mids := p.store.PendingMids()
	for _, mid := range mids {
		if p.store.AccountEmitted(mid) {
			continue
		}
		p.observedMu.Lock()
		p.observed[mid] = struct{}{}
		p.observedMu.Unlock()
		if !p.userQueue.TryPush(mid) {
			logging.Debug().Str("mid", mid).Msg("user queue full, resumed id stays in pending ledger")
		}
	}
	if len(mids) > 0 {
		logging.Info().Int("count", len(mids)).Msg("pending user ids resumed")
	}
}

// flush compacts the pending-user ledger to observed minus emitted. Runs on
// clean completion and on cancellation alike.
func (p *Pipeline) flush() {
	p.observedMu.Lock()
	remaining := make([]string, 0, len(p.observed))
	for mid := range p.observed {
		if !p.store.AccountEmitted(mid) {
			remaining = append(remaining, mid)
		}
	}
	p.observedMu.Unlock()

	if err := p.store.RewritePendingMids(remaining); err != nil {
		logging.Error().Err(err).Msg("pending ledger compaction failed")
		return
	}
	logging.Info().Int("pending", len(remaining)).Msg("pending ledger compacted")
}

func (p *Pipeline) report() {
	logging.Info().
		Int64("videos", p.Stats.VideosEmitted.Load()).
		Int64("comments", p.Stats.CommentsEmitted.Load()).
		Int64("replies", p.Stats.RepliesEmitted.Load()).
		Int64("accounts", p.Stats.AccountsEmitted.Load()).
		Int64("skipped", p.Stats.Skipped.Load()).
		Int64("errors", p.Stats.Errors.Load()).
		Msg("harvest finished")
}

// politeness sleeps a uniform random delay between comment pages.
func (p *Pipeline) politeness(ctx context.Context) {
	if p.cfg.DelayMax <= 0 {
		return
	}
	d := p.cfg.DelayMin
	if span := p.cfg.DelayMax - p.cfg.DelayMin; span > 0 {
		d += time.Duration(rand.Int63n(int64(span)))
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// chunk splits ids into n even slices and returns the i-th.
func chunk(ids []string, n, i int) []string {
	if n <= 0 {
		n = 1
	}
	var out []string
	for j := i; j < len(ids); j += n {
		out = append(out, ids[j])
	}
	return out
}

func formatMid(mid int64) string {
	if mid == 0 {
		return ""
	}
	return strconv.FormatInt(mid, 10)
}

func formatRpid(rpid int64) string {
	return strconv.FormatInt(rpid, 10)
}
