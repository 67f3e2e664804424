// BiliClaw - Bilibili Keyword Harvesting Pipeline
// Copyright 2026 The BiliClaw Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/biliclaw/biliclaw

package bili

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/biliclaw/biliclaw/internal/credential"
	"github.com/biliclaw/biliclaw/internal/ratelimit"
)

// fastRetry keeps test backoff negligible.
func fastRetry() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func testClient(t *testing.T, srv *httptest.Server, creds ...credential.Credential) *Client {
	t.Helper()
	c := NewClient(Options{
		BaseURL: srv.URL,
		Pool:    credential.NewPool(creds, credential.StrategyRoundRobin),
		Limiter: ratelimit.New(1000, 100),
		Retry:   fastRetry(),
	})
	// Seed the signer cache so signed endpoints do not bootstrap through
	// the stub handler mid-test.
	c.signer.key = strings.Repeat("0", 32)
	c.signer.expiry = time.Now().Add(time.Hour)
	return c
}

func TestSearchParsesResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/x/web-interface/search/type" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("keyword"); got != "golang" {
			t.Errorf("keyword = %q", got)
		}
		fmt.Fprint(w, `{"code":0,"message":"0","data":{"numPages":3,"result":[
			{"bvid":"BV1xx","title":"one"},
			{"bvid":"BV2yy","title":"two"},
			{"title":"keyless, dropped"}
		]}}`)
	}))
	defer srv.Close()

	s := testClient(t, srv).NewSession()
	res, err := s.Search(context.Background(), "golang", 1, 50)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if res.NumPages != 3 {
		t.Errorf("NumPages = %d, want 3", res.NumPages)
	}
	if len(res.Items) != 2 {
		t.Fatalf("items = %d, want 2 (keyless record dropped)", len(res.Items))
	}
	if res.Items[0].Bvid != "BV1xx" || res.Items[1].Bvid != "BV2yy" {
		t.Errorf("item keys = %s, %s", res.Items[0].Bvid, res.Items[1].Bvid)
	}
}

func TestVideoDetailExtractsKeys(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"data":{"bvid":"BV1xx","aid":12345,"owner":{"mid":777},"title":"t"}}`)
	}))
	defer srv.Close()

	s := testClient(t, srv).NewSession()
	v, err := s.VideoDetail(context.Background(), "BV1xx")
	if err != nil {
		t.Fatalf("VideoDetail: %v", err)
	}
	if v.Aid != 12345 || v.OwnerMid != 777 || v.Bvid != "BV1xx" {
		t.Errorf("keys = %+v", v)
	}
	if !strings.Contains(string(v.Raw), `"title":"t"`) {
		t.Error("raw body not preserved")
	}
}

func TestMainCommentsPaging(t *testing.T) {
	var firstQuery, secondQuery string
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			firstQuery = r.URL.RawQuery
			fmt.Fprint(w, `{"code":0,"data":{
				"replies":[{"rpid":11,"mid":100,"rcount":2},{"rpid":12,"mid":101,"rcount":0}],
				"cursor":{"is_end":false,"pagination_reply":{"next_offset":"AA"}}}}`)
		default:
			secondQuery = r.URL.RawQuery
			fmt.Fprint(w, `{"code":0,"data":{
				"replies":[{"rpid":13,"mid":102,"rcount":0}],
				"cursor":{"is_end":true,"pagination_reply":{"next_offset":"BB"}}}}`)
		}
	}))
	defer srv.Close()

	s := testClient(t, srv).NewSession()

	page1, err := s.MainComments(context.Background(), 12345, "")
	if err != nil {
		t.Fatalf("MainComments page 1: %v", err)
	}
	if page1.IsEnd || page1.NextCursor != "AA" {
		t.Errorf("page1 cursor = %q end=%v", page1.NextCursor, page1.IsEnd)
	}
	if len(page1.Replies) != 2 || page1.Replies[0].Rpid != 11 || page1.Replies[0].Rcount != 2 {
		t.Errorf("page1 replies = %+v", page1.Replies)
	}

	page2, err := s.MainComments(context.Background(), 12345, page1.NextCursor)
	if err != nil {
		t.Fatalf("MainComments page 2: %v", err)
	}
	if !page2.IsEnd {
		t.Error("page2 should be end")
	}

	// First page signs and sends an empty seek_rpid; cursor pages omit it.
	if !strings.Contains(firstQuery, "seek_rpid=") {
		t.Errorf("first page query missing seek_rpid: %s", firstQuery)
	}
	if strings.Contains(secondQuery, "seek_rpid") {
		t.Errorf("cursor page query carries seek_rpid: %s", secondQuery)
	}
	if !strings.Contains(secondQuery, "pagination_str=%7B%22offset%22:%22AA%22%7D") {
		t.Errorf("cursor not threaded into page 2 query: %s", secondQuery)
	}
	if !strings.Contains(firstQuery, "w_rid=") || !strings.Contains(firstQuery, "wts=") {
		t.Errorf("signature missing: %s", firstQuery)
	}
}

func TestMainCommentsEmptyOffsetForcesEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"data":{"replies":[],"cursor":{"is_end":false,"pagination_reply":{"next_offset":""}}}}`)
	}))
	defer srv.Close()

	s := testClient(t, srv).NewSession()
	page, err := s.MainComments(context.Background(), 1, "")
	if err != nil {
		t.Fatalf("MainComments: %v", err)
	}
	if !page.IsEnd {
		t.Error("empty next_offset must force IsEnd")
	}
}

func TestReplyComments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("root") != "11" || q.Get("pn") != "2" || q.Get("ps") != "20" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		fmt.Fprint(w, `{"code":0,"data":{"replies":[{"rpid":21,"mid":300}],"page":{"count":41}}}`)
	}))
	defer srv.Close()

	s := testClient(t, srv).NewSession()
	page, err := s.ReplyComments(context.Background(), 12345, 11, 2, 20)
	if err != nil {
		t.Fatalf("ReplyComments: %v", err)
	}
	if page.TotalCount != 41 || len(page.Replies) != 1 || page.Replies[0].Rpid != 21 {
		t.Errorf("page = %+v", page)
	}
}

func TestUserCard(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("photo") != "true" {
			t.Errorf("photo param missing: %s", r.URL.RawQuery)
		}
		fmt.Fprint(w, `{"code":0,"data":{"card":{"mid":"777","name":"someone"}}}`)
	}))
	defer srv.Close()

	s := testClient(t, srv).NewSession()
	u, err := s.UserCard(context.Background(), "777")
	if err != nil {
		t.Fatalf("UserCard: %v", err)
	}
	if u.Mid != "777" || !strings.Contains(string(u.Raw), "someone") {
		t.Errorf("user = %+v", u)
	}
}

// One -352 rejection on the first bound credential must cost exactly one
// retry, mark that credential failed once, and still succeed.
func TestCredentialRotationOnRiskControl(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			fmt.Fprint(w, `{"code":-352,"message":"risk control"}`)
			return
		}
		fmt.Fprint(w, `{"code":0,"data":{"numPages":1,"result":[{"bvid":"BV1xx"}]}}`)
	}))
	defer srv.Close()

	c := testClient(t, srv,
		credential.Credential{Name: "c1", Value: "SESSDATA=1", Enabled: true},
		credential.Credential{Name: "c2", Value: "SESSDATA=2", Enabled: true},
		credential.Credential{Name: "c3", Value: "SESSDATA=3", Enabled: true},
	)

	res, err := c.NewSession().Search(context.Background(), "kw", 1, 50)
	if err != nil {
		t.Fatalf("Search after rotation: %v", err)
	}
	if len(res.Items) != 1 {
		t.Errorf("items = %d, want 1", len(res.Items))
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("upstream calls = %d, want 2 (one retry)", got)
	}
	// One non-permanent mark keeps the credential below its threshold.
	if got := c.pool.Len(); got != 3 {
		t.Errorf("available credentials = %d, want 3", got)
	}
}

func TestRetryExhaustionReturnsError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"code":-400,"message":"bad request"}`)
	}))
	defer srv.Close()

	s := testClient(t, srv).NewSession()
	if _, err := s.Search(context.Background(), "kw", 1, 50); err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if got := calls.Load(); got != 4 {
		t.Errorf("upstream calls = %d, want 4 (initial + 3 retries)", got)
	}
}

func TestRetryCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":-500,"message":"nope"}`)
	}))
	defer srv.Close()

	c := NewClient(Options{
		BaseURL: srv.URL,
		Pool:    credential.NewPool(nil, credential.StrategyRoundRobin),
		Limiter: ratelimit.New(1000, 100),
		Retry:   RetryConfig{MaxRetries: 5, BaseDelay: time.Second, MaxDelay: 30 * time.Second},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.NewSession().Search(ctx, "kw", 1, 50)
	if err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("retry loop did not honor context cancellation during backoff")
	}
}

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.Header.Get("Cookie"), "good") {
			fmt.Fprint(w, `{"code":0,"data":{"isLogin":true}}`)
			return
		}
		fmt.Fprint(w, `{"code":-101,"message":"not logged in"}`)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	ok, err := c.Probe(context.Background(), "SESSDATA=good")
	if err != nil || !ok {
		t.Errorf("Probe(good) = %v, %v", ok, err)
	}
	ok, err = c.Probe(context.Background(), "SESSDATA=stale")
	if err != nil || ok {
		t.Errorf("Probe(stale) = %v, %v", ok, err)
	}
}

func TestFetchWbiKeysFromNav(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Unauthenticated nav rejects in the envelope but carries wbi_img.
		fmt.Fprint(w, `{"code":-101,"message":"not logged in","data":{"wbi_img":{
			"img_url":"https://i0.hdslb.com/bfs/wbi/aaaa1111.png",
			"sub_url":"https://i0.hdslb.com/bfs/wbi/bbbb2222.png"}}}`)
	}))
	defer srv.Close()

	c := testClient(t, srv)
	img, sub, err := c.fetchWbiKeys(context.Background())
	if err != nil {
		t.Fatalf("fetchWbiKeys: %v", err)
	}
	if img != "aaaa1111" || sub != "bbbb2222" {
		t.Errorf("keys = %s, %s", img, sub)
	}
}

// The signer bootstrap is governed by the same token bucket as every other
// outbound request.
func TestFetchWbiKeysPaysRateLimitToken(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, `{"code":0,"data":{"wbi_img":{
			"img_url":"https://i0.hdslb.com/bfs/wbi/aaaa1111.png",
			"sub_url":"https://i0.hdslb.com/bfs/wbi/bbbb2222.png"}}}`)
	}))
	defer srv.Close()

	c := NewClient(Options{
		BaseURL: srv.URL,
		Pool:    credential.NewPool(nil, credential.StrategyRoundRobin),
		Limiter: ratelimit.New(0.001, 1),
		Retry:   fastRetry(),
	})

	// First bootstrap consumes the only token.
	if _, _, err := c.fetchWbiKeys(context.Background()); err != nil {
		t.Fatalf("fetchWbiKeys with a token available: %v", err)
	}
	if calls != 1 {
		t.Fatalf("upstream calls = %d, want 1", calls)
	}

	// Bucket empty: the bootstrap must block on the limiter, not reach the
	// upstream.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, _, err := c.fetchWbiKeys(ctx); err == nil {
		t.Error("fetchWbiKeys succeeded with an empty token bucket")
	}
	if calls != 1 {
		t.Errorf("upstream calls = %d, bootstrap bypassed the limiter", calls)
	}
}
