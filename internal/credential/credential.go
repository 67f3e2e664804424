// BiliClaw - Bilibili Keyword Harvesting Pipeline
// Copyright 2026 The BiliClaw Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/biliclaw/biliclaw

// Package credential manages the pool of upstream authentication cookies.
//
// Each worker session binds one credential for its lifetime. The HTTP layer
// reports upstream rejections back to the pool, which counts failures per
// credential and excludes a credential from rotation once its fail count
// reaches the threshold. With no usable credential left, requests proceed
// unauthenticated rather than stalling the pipeline.
package credential

// Upstream reason codes that indicate the bound credential is the problem
// rather than the request.
const (
	CodeNotLoggedIn = -101 // session cookie expired or absent
	CodeRiskControl = -352 // risk-control verification failed
	CodeIntercepted = -412 // request intercepted by anti-abuse layer
)

// IsCredentialCode reports whether an upstream reason code should be
// attributed to the credential bound to the failing session.
func IsCredentialCode(code int) bool {
	switch code {
	case CodeNotLoggedIn, CodeRiskControl, CodeIntercepted:
		return true
	}
	return false
}

// DefaultMaxFails is the failure threshold after which a credential is
// excluded from rotation.
const DefaultMaxFails = 3

// Credential is one pooled cookie with its rotation state. All mutable
// state is owned by the Pool and guarded by its lock.
type Credential struct {
	Name      string
	Value     string
	Enabled   bool
	Valid     bool
	FailCount int
	MaxFails  int
}

// markFailed records one failure and reports whether the credential crossed
// its threshold and was excluded.
func (c *Credential) markFailed() bool {
	c.FailCount++
	if c.FailCount >= c.MaxFails {
		c.Valid = false
		return true
	}
	return false
}

// available reports whether the credential participates in rotation.
func (c *Credential) available() bool {
	return c.Enabled && c.Valid
}
