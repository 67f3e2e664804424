// BiliClaw - Bilibili Keyword Harvesting Pipeline
// Copyright 2026 The BiliClaw Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/biliclaw/biliclaw

package pipeline

import (
	"context"
	"sync"

	"github.com/goccy/go-json"

	"github.com/biliclaw/biliclaw/internal/bili"
	"github.com/biliclaw/biliclaw/internal/logging"
	"github.com/biliclaw/biliclaw/internal/metrics"
)

// runSearch fans out over page ranges, dedupes hits by bvid, and splits
// them into videos never emitted before (fresh) and already-emitted ones
// (known). Known videos bypass enrichment but still flow to the comment
// stage so interrupted walks resume.
func (p *Pipeline) runSearch(ctx context.Context) (fresh, known []string) {
	var (
		mu      sync.Mutex
		ordered []string
		seen    = make(map[string]struct{})
	)

	workers := p.cfg.SearchWorkers
	if workers <= 0 {
		workers = 1
	}
	pages := p.cfg.PagesPerWorker
	if pages <= 0 {
		pages = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			s := p.client.NewSession()

			for page := worker*pages + 1; page <= (worker+1)*pages; page++ {
				if ctx.Err() != nil {
					return
				}
				res, err := s.Search(ctx, p.cfg.Keyword, page, p.cfg.PageSize)
				if err != nil {
					p.Stats.Errors.Add(1)
					logging.Warn().
						Int("worker", worker).
						Int("page", page).
						Err(err).
						Msg("search page failed")
					continue
				}

				mu.Lock()
				for _, item := range res.Items {
					if _, dup := seen[item.Bvid]; dup {
						continue
					}
					seen[item.Bvid] = struct{}{}
					ordered = append(ordered, item.Bvid)
				}
				mu.Unlock()

				if res.NumPages > 0 && page >= res.NumPages {
					return
				}
			}
		}(i)
	}
	wg.Wait()

	for _, bvid := range ordered {
		if p.store.VideoEmitted(bvid) {
			known = append(known, bvid)
		} else {
			fresh = append(fresh, bvid)
		}
	}
	return fresh, known
}

// detailWorker enriches its chunk of fresh videos: fetch the full record,
// annotate it with the originating keyword, publish, and hand the video to
// the comment stage.
func (p *Pipeline) detailWorker(ctx context.Context, worker int, bvids []string) {
	s := p.client.NewSession()

	for _, bvid := range bvids {
		if ctx.Err() != nil {
			return
		}

		v, err := s.VideoDetail(ctx, bvid)
		if err != nil {
			p.Stats.Errors.Add(1)
			logging.Warn().Int("worker", worker).Str("bvid", bvid).Err(err).Msg("detail fetch failed")
			continue
		}

		body, err := annotateKeyword(v.Raw, p.cfg.Keyword)
		if err != nil {
			p.Stats.Errors.Add(1)
			logging.Warn().Str("bvid", bvid).Err(err).Msg("record annotation failed")
			continue
		}

		if err := p.sink.PublishVideo(ctx, v.Bvid, body); err != nil {
			p.Stats.Errors.Add(1)
			logging.Warn().Str("bvid", bvid).Err(err).Msg("video publish failed")
			continue
		}
		if err := p.store.MarkVideoEmitted(v.Bvid); err != nil {
			logging.Warn().Str("bvid", bvid).Err(err).Msg("video ledger write failed")
		}
		p.Stats.VideosEmitted.Add(1)
		metrics.RecordProcessed("detail", "emitted")

		p.observeMid(formatMid(v.OwnerMid))
		if err := p.videoQueue.Push(ctx, videoJob{Bvid: v.Bvid, Aid: v.Aid}); err != nil {
			return
		}
	}
}

// commentWorker drains the video queue, walking first-level comments per
// video. It exits once the queue is empty and the detail stage is done.
func (p *Pipeline) commentWorker(ctx context.Context, worker int) {
	s := p.client.NewSession()

	for {
		job, ok := p.videoQueue.Pop(ctx)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			if p.videosDone.Done() && p.videoQueue.Len() == 0 {
				return
			}
			continue
		}
		p.harvestComments(ctx, s, worker, job)
	}
}

// harvestComments pages through one video's first-level comments from the
// persisted cursor. A page error aborts this video's walk; the last durable
// cursor is the resume point for the next run.
func (p *Pipeline) harvestComments(ctx context.Context, s *bili.Session, worker int, job videoJob) {
	prog, tracked := p.store.Progress(job.Bvid)
	if tracked && prog.Done {
		p.Stats.Skipped.Add(1)
		metrics.RecordProcessed("comments", "skipped")
		return
	}

	cursor := prog.Cursor
	aid := prog.Aid
	if aid == 0 {
		aid = job.Aid
	}
	if aid == 0 {
		var err error
		if aid, err = s.VideoAid(ctx, job.Bvid); err != nil {
			p.Stats.Errors.Add(1)
			logging.Warn().Str("bvid", job.Bvid).Err(err).Msg("aid lookup failed")
			return
		}
	}

	for {
		page, err := s.MainComments(ctx, aid, cursor)
		if err != nil {
			p.Stats.Errors.Add(1)
			logging.Warn().
				Int("worker", worker).
				Str("bvid", job.Bvid).
				Str("cursor", cursor).
				Err(err).
				Msg("comment page failed, walk aborted")
			return
		}

		for _, c := range page.Replies {
			p.observeMid(formatMid(c.Mid))
			rpid := formatRpid(c.Rpid)

			if p.store.CommentEmitted(rpid) {
				p.Stats.Skipped.Add(1)
				metrics.RecordProcessed("comments", "skipped")
			} else {
				if err := p.sink.PublishComment(ctx, rpid, c.Raw); err != nil {
					p.Stats.Errors.Add(1)
					logging.Warn().Str("rpid", rpid).Err(err).Msg("comment publish failed")
					continue
				}
				if err := p.store.MarkCommentEmitted(rpid); err != nil {
					logging.Warn().Str("rpid", rpid).Err(err).Msg("comment ledger write failed")
				}
				p.Stats.CommentsEmitted.Add(1)
				metrics.RecordProcessed("comments", "emitted")
			}

			if c.Rcount > 0 {
				if err := p.replyQueue.Push(ctx, replyJob{Aid: aid, Parent: c}); err != nil {
					return
				}
			}
		}

		if page.IsEnd || len(page.Replies) == 0 {
			if err := p.store.MarkDone(job.Bvid); err != nil {
				logging.Warn().Str("bvid", job.Bvid).Err(err).Msg("progress done-mark failed")
			}
			return
		}

		cursor = page.NextCursor
		if err := p.store.SetProgress(job.Bvid, cursor, aid); err != nil {
			logging.Warn().Str("bvid", job.Bvid).Err(err).Msg("progress write failed")
		}

		p.politeness(ctx)
		if ctx.Err() != nil {
			return
		}
	}
}

// replyWorker drains the reply queue, walking second-level threads. It
// exits once the queue is empty and the comment stage is done.
func (p *Pipeline) replyWorker(ctx context.Context, worker int) {
	s := p.client.NewSession()

	for {
		job, ok := p.replyQueue.Pop(ctx)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			if p.commentsDone.Done() && p.replyQueue.Len() == 0 {
				return
			}
			continue
		}
		p.harvestReplies(ctx, s, worker, job)
	}
}

// harvestReplies pages one parent comment's reply thread with 1-based page
// numbers. Already-emitted replies still count toward the fetch total so
// the walk terminates against the server-reported count.
func (p *Pipeline) harvestReplies(ctx context.Context, s *bili.Session, worker int, job replyJob) {
	fetched := 0
	for pn := 1; ; pn++ {
		if ctx.Err() != nil {
			return
		}

		page, err := s.ReplyComments(ctx, job.Aid, job.Parent.Rpid, pn, p.cfg.ReplyPageSize)
		if err != nil {
			p.Stats.Errors.Add(1)
			logging.Warn().
				Int("worker", worker).
				Int64("root", job.Parent.Rpid).
				Err(err).
				Msg("reply page failed")
			return
		}
		if len(page.Replies) == 0 {
			return
		}

		for _, r := range page.Replies {
			p.observeMid(formatMid(r.Mid))
			fetched++
			rpid := formatRpid(r.Rpid)

			if p.store.CommentEmitted(rpid) {
				p.Stats.Skipped.Add(1)
				metrics.RecordProcessed("replies", "skipped")
				continue
			}
			if err := p.sink.PublishComment(ctx, rpid, r.Raw); err != nil {
				p.Stats.Errors.Add(1)
				logging.Warn().Str("rpid", rpid).Err(err).Msg("reply publish failed")
				continue
			}
			if err := p.store.MarkCommentEmitted(rpid); err != nil {
				logging.Warn().Str("rpid", rpid).Err(err).Msg("reply ledger write failed")
			}
			p.Stats.RepliesEmitted.Add(1)
			metrics.RecordProcessed("replies", "emitted")
		}

		if page.TotalCount > 0 && fetched >= page.TotalCount {
			return
		}
		p.politeness(ctx)
	}
}

// userWorker drains the user-id queue, emitting profile cards. It exits
// once the queue is empty and the reply stage is done.
func (p *Pipeline) userWorker(ctx context.Context, worker int) {
	s := p.client.NewSession()

	for {
		mid, ok := p.userQueue.Pop(ctx)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			if p.repliesDone.Done() && p.userQueue.Len() == 0 {
				return
			}
			continue
		}

		if p.store.AccountEmitted(mid) {
			p.Stats.Skipped.Add(1)
			metrics.RecordProcessed("users", "skipped")
			continue
		}

		u, err := s.UserCard(ctx, mid)
		if err != nil {
			p.Stats.Errors.Add(1)
			logging.Warn().Int("worker", worker).Str("mid", mid).Err(err).Msg("user card fetch failed")
			continue
		}
		if err := p.sink.PublishAccount(ctx, mid, u.Raw); err != nil {
			p.Stats.Errors.Add(1)
			logging.Warn().Str("mid", mid).Err(err).Msg("account publish failed")
			continue
		}
		if err := p.store.MarkAccountEmitted(mid); err != nil {
			logging.Warn().Str("mid", mid).Err(err).Msg("account ledger write failed")
		}
		p.Stats.AccountsEmitted.Add(1)
		metrics.RecordProcessed("users", "emitted")
	}
}

// annotateKeyword adds the originating keyword to a record body.
func annotateKeyword(raw json.RawMessage, keyword string) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	m["keyword"] = keyword
	return json.Marshal(m)
}
