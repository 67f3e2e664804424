// BiliClaw - Bilibili Keyword Harvesting Pipeline
// Copyright 2026 The BiliClaw Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/biliclaw/biliclaw

package credential

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"

	"github.com/goccy/go-json"

	"github.com/biliclaw/biliclaw/internal/logging"
	"github.com/biliclaw/biliclaw/internal/metrics"
)

// Selection strategies.
const (
	StrategyRoundRobin = "round_robin"
	StrategyRandom     = "random"
)

// Prober checks whether a credential still represents a logged-in session.
// Implemented by the upstream client's nav probe; kept as an interface so
// the pool stays a leaf and tests can substitute a fake.
type Prober interface {
	Probe(ctx context.Context, credential string) (bool, error)
}

// Status is a point-in-time snapshot of pool health.
type Status struct {
	Total    int    `json:"total"`
	Enabled  int    `json:"enabled"`
	Valid    int    `json:"valid"`
	Strategy string `json:"strategy"`
}

// Pool is the process-wide credential set. Selection, failure accounting,
// and validation all serialize on one lock; the pool is small (rarely more
// than a few dozen entries) so O(n) scans under the lock are fine.
type Pool struct {
	mu       sync.Mutex
	creds    []*Credential
	index    int
	strategy string
}

// NewPool creates a pool over the given credentials. Credentials with empty
// values are dropped; MaxFails defaults to DefaultMaxFails when unset.
func NewPool(creds []Credential, strategy string) *Pool {
	if strategy != StrategyRandom {
		strategy = StrategyRoundRobin
	}

	p := &Pool{strategy: strategy}
	for i := range creds {
		c := creds[i]
		if c.Value == "" {
			continue
		}
		if c.MaxFails <= 0 {
			c.MaxFails = DefaultMaxFails
		}
		c.Valid = true
		p.creds = append(p.creds, &c)
	}

	p.updateValidGauge()
	return p
}

// fileFormat mirrors the credentials.json layout:
//
//	{
//	  "settings": {"strategy": "round_robin", "validate_on_load": false, "max_fails": 3},
//	  "credentials": [{"name": "main", "value": "SESSDATA=...", "enabled": true}]
//	}
type fileFormat struct {
	Settings struct {
		Strategy       string `json:"strategy"`
		ValidateOnLoad bool   `json:"validate_on_load"`
		MaxFails       int    `json:"max_fails"`
	} `json:"settings"`
	Credentials []struct {
		Name    string `json:"name"`
		Value   string `json:"value"`
		Enabled *bool  `json:"enabled"`
	} `json:"credentials"`
}

// LoadFile reads a credential pool from a JSON config file. A missing file
// yields an empty pool: the harvester then runs unauthenticated.
func LoadFile(path string) (*Pool, bool, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		logging.Warn().Str("path", path).Msg("credential file not found, running unauthenticated")
		return NewPool(nil, StrategyRoundRobin), false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read credential file: %w", err)
	}

	var ff fileFormat
	if err := json.Unmarshal(raw, &ff); err != nil {
		return nil, false, fmt.Errorf("parse credential file %s: %w", path, err)
	}

	maxFails := ff.Settings.MaxFails
	if maxFails <= 0 {
		maxFails = DefaultMaxFails
	}

	var creds []Credential
	for _, item := range ff.Credentials {
		enabled := item.Enabled == nil || *item.Enabled
		if !enabled || item.Value == "" {
			continue
		}
		creds = append(creds, Credential{
			Name:     item.Name,
			Value:    item.Value,
			Enabled:  true,
			MaxFails: maxFails,
		})
	}

	p := NewPool(creds, ff.Settings.Strategy)
	logging.Info().
		Int("count", len(p.creds)).
		Str("strategy", p.strategy).
		Msg("credential pool loaded")
	return p, ff.Settings.ValidateOnLoad, nil
}

// Next returns the next available credential value. The second return is
// false when no credential is available; callers then proceed without auth.
// Under round-robin the cursor advances exactly once per selection.
func (p *Pool) Next() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	available := p.availableLocked()
	if len(available) == 0 {
		return "", false
	}

	if p.strategy == StrategyRandom {
		return available[rand.Intn(len(available))].Value, true
	}

	p.index %= len(available)
	c := available[p.index]
	p.index++
	return c.Value, true
}

// MarkFailure records a failure against the credential with the given value.
// Permanent failures disable the credential outright; otherwise the fail
// count is incremented and the credential is excluded once it reaches its
// threshold. Unknown values are ignored.
func (p *Pool) MarkFailure(value string, permanent bool) {
	if value == "" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.creds {
		if c.Value != value {
			continue
		}
		if permanent {
			c.Valid = false
			c.Enabled = false
			logging.Warn().Str("credential", c.Name).Msg("credential permanently disabled")
		} else if c.markFailed() {
			logging.Warn().
				Str("credential", c.Name).
				Int("fails", c.FailCount).
				Msg("credential excluded after repeated failures")
		} else {
			logging.Debug().
				Str("credential", c.Name).
				Int("fails", c.FailCount).
				Int("max_fails", c.MaxFails).
				Msg("credential failure recorded")
		}
		break
	}
	p.updateValidGaugeLocked()
}

// Validate probes a single credential and records the result.
func (p *Pool) Validate(ctx context.Context, prober Prober, value string) bool {
	ok, err := prober.Probe(ctx, value)
	if err != nil {
		ok = false
	}

	p.mu.Lock()
	for _, c := range p.creds {
		if c.Value == value {
			c.Valid = ok
			break
		}
	}
	p.updateValidGaugeLocked()
	p.mu.Unlock()

	return ok
}

// ValidateAll probes every enabled credential serially. Called at load time
// when validate_on_load is configured.
func (p *Pool) ValidateAll(ctx context.Context, prober Prober) {
	p.mu.Lock()
	var toCheck []*Credential
	for _, c := range p.creds {
		if c.Enabled {
			toCheck = append(toCheck, c)
		}
	}
	p.mu.Unlock()

	for _, c := range toCheck {
		ok := p.Validate(ctx, prober, c.Value)
		logging.Info().Str("credential", c.Name).Bool("valid", ok).Msg("credential validated")
	}
}

// Status returns a snapshot of pool health.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Status{Total: len(p.creds), Strategy: p.strategy}
	for _, c := range p.creds {
		if c.Enabled {
			s.Enabled++
			if c.Valid {
				s.Valid++
			}
		}
	}
	return s
}

// Len returns the number of currently available credentials.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.availableLocked())
}

func (p *Pool) availableLocked() []*Credential {
	out := make([]*Credential, 0, len(p.creds))
	for _, c := range p.creds {
		if c.available() {
			out = append(out, c)
		}
	}
	return out
}

func (p *Pool) updateValidGauge() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updateValidGaugeLocked()
}

func (p *Pool) updateValidGaugeLocked() {
	metrics.CredentialsValid.Set(float64(len(p.availableLocked())))
}
