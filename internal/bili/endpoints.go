// BiliClaw - Bilibili Keyword Harvesting Pipeline
// Copyright 2026 The BiliClaw Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/biliclaw/biliclaw

package bili

import (
	"context"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
)

// SearchItem is one search hit: the raw record body plus the key the
// pipeline routes on.
type SearchItem struct {
	Bvid string
	Raw  json.RawMessage
}

// SearchResult is one page of keyword search results.
type SearchResult struct {
	Items    []SearchItem
	NumPages int
}

// Video is an enriched video record from the view endpoint.
type Video struct {
	Bvid     string
	Aid      int64
	OwnerMid int64
	Raw      json.RawMessage
}

// Comment is a first- or second-level comment with its routing keys.
type Comment struct {
	Rpid   int64
	Mid    int64
	Rcount int
	Raw    json.RawMessage
}

// MainCommentsPage is one page of first-level comments. NextCursor is the
// opaque offset for the following page; empty means end-of-stream.
type MainCommentsPage struct {
	Replies    []Comment
	NextCursor string
	IsEnd      bool
}

// ReplyPage is one page of second-level replies under a parent comment.
type ReplyPage struct {
	Replies    []Comment
	TotalCount int
}

// User is a profile card keyed by mid.
type User struct {
	Mid string
	Raw json.RawMessage
}

// Search fetches one page of keyword search results.
func (s *Session) Search(ctx context.Context, keyword string, page, pageSize int) (*SearchResult, error) {
	return withRetry(ctx, s, "search", func() (*SearchResult, error) {
		query := encodeQuery(
			[2]string{"keyword", keyword},
			[2]string{"page", strconv.Itoa(page)},
			[2]string{"page_size", strconv.Itoa(pageSize)},
			[2]string{"search_type", "video"},
			[2]string{"order", ""},
		)

		var data struct {
			Result   []json.RawMessage `json:"result"`
			NumPages int               `json:"numPages"`
		}
		if err := s.get(ctx, "search", "/x/web-interface/search/type", query, &data); err != nil {
			return nil, err
		}

		out := &SearchResult{NumPages: data.NumPages}
		for _, raw := range data.Result {
			var keyed struct {
				Bvid string `json:"bvid"`
			}
			if err := json.Unmarshal(raw, &keyed); err != nil || keyed.Bvid == "" {
				continue
			}
			out.Items = append(out.Items, SearchItem{Bvid: keyed.Bvid, Raw: raw})
		}
		return out, nil
	})
}

// VideoDetail fetches the full record for a video.
func (s *Session) VideoDetail(ctx context.Context, bvid string) (*Video, error) {
	return withRetry(ctx, s, "view", func() (*Video, error) {
		query := encodeQuery([2]string{"bvid", bvid})

		var data json.RawMessage
		if err := s.get(ctx, "view", "/x/web-interface/view", query, &data); err != nil {
			return nil, err
		}

		var keyed struct {
			Bvid  string `json:"bvid"`
			Aid   int64  `json:"aid"`
			Owner struct {
				Mid int64 `json:"mid"`
			} `json:"owner"`
		}
		if err := json.Unmarshal(data, &keyed); err != nil {
			return nil, fmt.Errorf("decode view data: %w", err)
		}
		if keyed.Bvid == "" {
			keyed.Bvid = bvid
		}
		return &Video{
			Bvid:     keyed.Bvid,
			Aid:      keyed.Aid,
			OwnerMid: keyed.Owner.Mid,
			Raw:      data,
		}, nil
	})
}

// VideoAid resolves the numeric id required by the comment endpoints.
func (s *Session) VideoAid(ctx context.Context, bvid string) (int64, error) {
	v, err := s.VideoDetail(ctx, bvid)
	if err != nil {
		return 0, err
	}
	if v.Aid == 0 {
		return 0, fmt.Errorf("aid missing for %s", bvid)
	}
	return v.Aid, nil
}

// MainComments fetches one page of first-level comments through the signed
// endpoint. cursor "" requests the first page. IsEnd is forced when the
// server returns an empty next offset.
func (s *Session) MainComments(ctx context.Context, oid int64, cursor string) (*MainCommentsPage, error) {
	return withRetry(ctx, s, "main_comments", func() (*MainCommentsPage, error) {
		mixinKey := s.c.signer.MixinKey(ctx)
		query := commentQuery(oid, cursor, mixinKey, s.c.signer.now().Unix())

		var data struct {
			Replies []json.RawMessage `json:"replies"`
			Cursor  struct {
				IsEnd           bool `json:"is_end"`
				PaginationReply struct {
					NextOffset string `json:"next_offset"`
				} `json:"pagination_reply"`
			} `json:"cursor"`
		}
		if err := s.get(ctx, "main_comments", "/x/v2/reply/wbi/main", query, &data); err != nil {
			return nil, err
		}

		page := &MainCommentsPage{
			NextCursor: data.Cursor.PaginationReply.NextOffset,
			IsEnd:      data.Cursor.IsEnd,
		}
		if page.NextCursor == "" {
			page.IsEnd = true
		}
		page.Replies = decodeComments(data.Replies)
		return page, nil
	})
}

// ReplyComments fetches one page of second-level replies. page is 1-based.
func (s *Session) ReplyComments(ctx context.Context, oid, rootRpid int64, page, pageSize int) (*ReplyPage, error) {
	return withRetry(ctx, s, "reply_comments", func() (*ReplyPage, error) {
		query := encodeQuery(
			[2]string{"oid", strconv.FormatInt(oid, 10)},
			[2]string{"type", "1"},
			[2]string{"root", strconv.FormatInt(rootRpid, 10)},
			[2]string{"pn", strconv.Itoa(page)},
			[2]string{"ps", strconv.Itoa(pageSize)},
		)

		var data struct {
			Replies []json.RawMessage `json:"replies"`
			Page    struct {
				Count int `json:"count"`
			} `json:"page"`
		}
		if err := s.get(ctx, "reply_comments", "/x/v2/reply/reply", query, &data); err != nil {
			return nil, err
		}

		return &ReplyPage{
			Replies:    decodeComments(data.Replies),
			TotalCount: data.Page.Count,
		}, nil
	})
}

// UserCard fetches a user profile card.
func (s *Session) UserCard(ctx context.Context, mid string) (*User, error) {
	return withRetry(ctx, s, "card", func() (*User, error) {
		query := encodeQuery(
			[2]string{"mid", mid},
			[2]string{"photo", "true"},
		)

		var data json.RawMessage
		if err := s.get(ctx, "card", "/x/web-interface/card", query, &data); err != nil {
			return nil, err
		}
		return &User{Mid: mid, Raw: data}, nil
	})
}

// decodeComments extracts routing keys from raw reply bodies. Records
// without an rpid are dropped; they cannot be keyed downstream.
func decodeComments(raws []json.RawMessage) []Comment {
	out := make([]Comment, 0, len(raws))
	for _, raw := range raws {
		var keyed struct {
			Rpid   int64 `json:"rpid"`
			Mid    int64 `json:"mid"`
			Rcount int   `json:"rcount"`
		}
		if err := json.Unmarshal(raw, &keyed); err != nil || keyed.Rpid == 0 {
			continue
		}
		out = append(out, Comment{
			Rpid:   keyed.Rpid,
			Mid:    keyed.Mid,
			Rcount: keyed.Rcount,
			Raw:    raw,
		})
	}
	return out
}
