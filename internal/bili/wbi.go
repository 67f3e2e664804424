// BiliClaw - Bilibili Keyword Harvesting Pipeline
// Copyright 2026 The BiliClaw Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/biliclaw/biliclaw

package bili

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/biliclaw/biliclaw/internal/logging"
)

// mixinKeyEncTab is the fixed permutation applied to the concatenated
// img and sub keys before truncation to 32 characters.
var mixinKeyEncTab = [64]int{
	46, 47, 18, 2, 53, 8, 23, 32, 15, 50, 10, 31, 58, 3, 45, 35,
	27, 43, 5, 49, 33, 9, 42, 19, 29, 28, 14, 39, 12, 38, 41, 13,
	37, 48, 7, 16, 24, 55, 40, 61, 26, 17, 0, 1, 60, 51, 30, 4,
	22, 25, 54, 21, 56, 59, 6, 63, 57, 62, 11, 36, 20, 34, 44, 52,
}

// FallbackMixinKey is used when the bootstrap call cannot be completed.
// Signatures made with it may be rejected, but the walk continues instead
// of stalling.
const FallbackMixinKey = "ea1db124af3c7062474693fa704f4ff8"

// DefaultMixinKeyTTL bounds how long a fetched mixin key is trusted. The
// upstream rotates the underlying keys daily; an hour keeps us well inside
// the rotation window.
const DefaultMixinKeyTTL = time.Hour

// KeyFetcher returns the two 32-hex-character keys published by the nav
// endpoint. Implemented by Client; tests substitute a fake.
type KeyFetcher func(ctx context.Context) (imgKey, subKey string, err error)

// Signer derives and caches the mixin key used to sign first-level comment
// requests. A cached key is returned only while now < expiry; a stale entry
// forces a refetch.
type Signer struct {
	mu       sync.Mutex
	fetch    KeyFetcher
	key      string
	expiry   time.Time
	ttl      time.Duration
	fallback string
	now      func() time.Time
}

// NewSigner creates a signer bootstrapped through fetch.
func NewSigner(fetch KeyFetcher) *Signer {
	return &Signer{
		fetch:    fetch,
		ttl:      DefaultMixinKeyTTL,
		fallback: FallbackMixinKey,
		now:      time.Now,
	}
}

// MixinKey returns a usable mixin key. On cache miss it refetches; on
// bootstrap failure it warns and returns the fallback without caching it,
// so the next call retries the bootstrap.
func (s *Signer) MixinKey(ctx context.Context) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.key != "" && s.now().Before(s.expiry) {
		return s.key
	}

	imgKey, subKey, err := s.fetch(ctx)
	if err != nil || imgKey == "" || subKey == "" {
		logging.Warn().Err(err).Msg("signer bootstrap failed, using fallback mixin key")
		return s.fallback
	}

	s.key = mixinKeyFrom(imgKey, subKey)
	s.expiry = s.now().Add(s.ttl)
	return s.key
}

// mixinKeyFrom permutes the concatenated keys through the fixed table and
// truncates to 32 characters.
func mixinKeyFrom(imgKey, subKey string) string {
	orig := imgKey + subKey
	var b strings.Builder
	b.Grow(32)
	for _, i := range mixinKeyEncTab {
		if i < len(orig) {
			b.WriteByte(orig[i])
		}
		if b.Len() == 32 {
			break
		}
	}
	return b.String()
}

// keyFromURL recovers the 32-hex key from a wbi_img URL by stripping the
// path and the extension.
func keyFromURL(u string) string {
	base := u
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	return base
}

// Sign computes w_rid over a parameter map whose values are already in
// their final encoded form. The canonical string is the ascending
// key-sorted k=v join; signing and transmission must agree on encoding,
// so values are encoded before they reach here and are never re-encoded.
func Sign(params map[string]string, mixinKey string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	b.WriteString(mixinKey)

	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// commentQuery builds the signed query string for the first-level comment
// endpoint. The seek_rpid field is present, empty, on the first page only
// and is omitted entirely on cursor pages; the sign string and the wire
// string follow the same rule. The wire form additionally relaxes %3A back
// to ':' inside pagination_str, matching upstream expectations, while the
// signature is computed over the strictly escaped form.
func commentQuery(oid int64, cursor string, mixinKey string, wts int64) string {
	paginationStr := url.QueryEscape(fmt.Sprintf(`{"offset":"%s"}`, cursor))

	params := map[string]string{
		"mode":           "2",
		"oid":            fmt.Sprintf("%d", oid),
		"pagination_str": paginationStr,
		"plat":           "1",
		"type":           "1",
		"web_location":   "1315875",
		"wts":            fmt.Sprintf("%d", wts),
	}
	if cursor == "" {
		params["seek_rpid"] = ""
	}

	wRid := Sign(params, mixinKey)

	wire := make(map[string]string, len(params)+1)
	for k, v := range params {
		wire[k] = v
	}
	wire["pagination_str"] = strings.ReplaceAll(paginationStr, "%3A", ":")
	wire["w_rid"] = wRid

	keys := make([]string, 0, len(wire))
	for k := range wire {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(wire[k])
	}
	return b.String()
}
