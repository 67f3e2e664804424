// BiliClaw - Bilibili Keyword Harvesting Pipeline
// Copyright 2026 The BiliClaw Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/biliclaw/biliclaw

// Package bili is the typed client for the upstream web API.
//
// A single Client holds the shared pieces of the request governor: the
// global token bucket, the credential pool, the request signer, and the
// retry policy. Each pipeline worker opens its own Session, which binds one
// credential for its lifetime; upstream rejections are attributed to that
// credential. Sessions are not shared between workers.
package bili

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"

	"github.com/biliclaw/biliclaw/internal/credential"
	"github.com/biliclaw/biliclaw/internal/metrics"
	"github.com/biliclaw/biliclaw/internal/ratelimit"
)

const (
	DefaultBaseURL   = "https://api.bilibili.com"
	DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:147.0) Gecko/20100101 Firefox/147.0"

	defaultReferer = "https://www.bilibili.com"
	requestTimeout = 15 * time.Second
)

// maxErrorBodySize limits how much of a response body is read for error
// reporting.
const maxErrorBodySize = 64 * 1024

// Options configures a Client. Zero fields fall back to defaults; Pool and
// Limiter are required.
type Options struct {
	BaseURL   string
	UserAgent string
	Pool      *credential.Pool
	Limiter   *ratelimit.Bucket
	Retry     RetryConfig
}

// Client is the shared upstream API client. Safe for concurrent use; all
// per-worker state lives in Session.
type Client struct {
	baseURL   string
	userAgent string
	pool      *credential.Pool
	limiter   *ratelimit.Bucket
	signer    *Signer
	retry     RetryConfig
}

// NewClient builds a Client and its signer. The signer bootstraps through
// an unauthenticated nav call on this client.
func NewClient(opts Options) *Client {
	c := &Client{
		baseURL:   opts.BaseURL,
		userAgent: opts.UserAgent,
		pool:      opts.Pool,
		limiter:   opts.Limiter,
		retry:     opts.Retry,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.userAgent == "" {
		c.userAgent = DefaultUserAgent
	}
	if c.retry.MaxRetries == 0 {
		c.retry = DefaultRetryConfig()
	}
	c.signer = NewSigner(c.fetchWbiKeys)
	return c
}

// Signer exposes the client's request signer.
func (c *Client) Signer() *Signer { return c.signer }

// NewSession opens a worker session bound to the next available credential.
// With an empty pool the session runs unauthenticated.
func (c *Client) NewSession() *Session {
	cred, _ := c.pool.Next()
	return &Session{
		c:          c,
		credential: cred,
		http:       &http.Client{Timeout: requestTimeout},
	}
}

// Session is one worker's HTTP session. It owns its http.Client and carries
// the credential bound at creation so failures can be attributed.
type Session struct {
	c          *Client
	credential string
	http       *http.Client
}

// get issues a GET against path?query with the session's headers and
// decodes the response envelope. A non-zero envelope code is returned as
// *APIError; the caller's retry wrapper handles attribution and backoff.
func (s *Session) get(ctx context.Context, endpoint, path, rawQuery string, out any) error {
	start := time.Now()
	err := s.doGet(ctx, path, rawQuery, out)
	switch {
	case err == nil:
		metrics.ObserveAPIRequest(endpoint, "ok", time.Since(start))
	default:
		if _, ok := err.(*APIError); ok {
			metrics.ObserveAPIRequest(endpoint, "api_error", time.Since(start))
		} else {
			metrics.ObserveAPIRequest(endpoint, "transport_error", time.Since(start))
		}
	}
	return err
}

func (s *Session) doGet(ctx context.Context, path, rawQuery string, out any) error {
	reqURL := s.c.baseURL + path
	if rawQuery != "" {
		reqURL += "?" + rawQuery
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	s.setHeaders(req)

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, string(body))
	}

	var env struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	// Data is decoded before the code check: some endpoints (nav without a
	// cookie) reject in the envelope but still carry usable data.
	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode %s data: %w", path, err)
		}
	}
	if env.Code != 0 {
		return &APIError{Code: env.Code, Message: env.Message}
	}
	return nil
}

func (s *Session) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", s.c.userAgent)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Referer", defaultReferer)
	if s.credential != "" {
		req.Header.Set("Cookie", s.credential)
	}
}

// fetchWbiKeys bootstraps the signer through an unauthenticated session.
// The bootstrap pays a limiter token like every other outbound request.
func (c *Client) fetchWbiKeys(ctx context.Context) (string, string, error) {
	if err := c.limiter.Acquire(ctx, 1); err != nil {
		return "", "", err
	}
	s := &Session{c: c, http: &http.Client{Timeout: requestTimeout}}

	var data struct {
		WbiImg struct {
			ImgURL string `json:"img_url"`
			SubURL string `json:"sub_url"`
		} `json:"wbi_img"`
	}
	// The nav endpoint reports a non-zero code without a cookie but still
	// carries wbi_img; tolerate the envelope rejection and keep the data.
	err := s.doGet(ctx, "/x/web-interface/nav", "", &data)
	if err != nil {
		if _, ok := err.(*APIError); !ok {
			return "", "", err
		}
	}
	if data.WbiImg.ImgURL == "" || data.WbiImg.SubURL == "" {
		return "", "", fmt.Errorf("wbi_img missing from nav response")
	}
	return keyFromURL(data.WbiImg.ImgURL), keyFromURL(data.WbiImg.SubURL), nil
}

// Probe checks whether a credential still represents a logged-in session.
// Implements the credential pool's prober seam.
func (c *Client) Probe(ctx context.Context, cred string) (bool, error) {
	if err := c.limiter.Acquire(ctx, 1); err != nil {
		return false, err
	}
	s := &Session{c: c, credential: cred, http: &http.Client{Timeout: requestTimeout}}
	err := s.get(ctx, "nav", "/x/web-interface/nav", "", nil)
	if err != nil {
		if _, ok := err.(*APIError); ok {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// encodeQuery builds a plain (unsigned) query string.
func encodeQuery(pairs ...[2]string) string {
	v := url.Values{}
	for _, p := range pairs {
		v.Set(p[0], p[1])
	}
	return v.Encode()
}
