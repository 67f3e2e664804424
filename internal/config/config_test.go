// BiliClaw - Bilibili Keyword Harvesting Pipeline
// Copyright 2026 The BiliClaw Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/biliclaw/biliclaw

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// isolate points the config file search at an empty directory so tests
// never pick up a developer's local config.yaml.
func isolate(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(ConfigPathEnvVar, filepath.Join(dir, "nonexistent.yaml"))
	t.Chdir(dir)
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	t.Setenv("CLAW_KEYWORD", "genshin")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Harvest.Keyword != "genshin" {
		t.Errorf("keyword = %q", cfg.Harvest.Keyword)
	}
	if cfg.Harvest.PageSize != 50 {
		t.Errorf("page_size = %d, want 50", cfg.Harvest.PageSize)
	}
	if cfg.RateLimit.Rate != 2.0 || cfg.RateLimit.Capacity != 5 {
		t.Errorf("rate limit = %v/%d, want 2.0/5", cfg.RateLimit.Rate, cfg.RateLimit.Capacity)
	}
	if cfg.Credentials.Path != "credentials.json" {
		t.Errorf("credentials path = %q", cfg.Credentials.Path)
	}
	if cfg.Store.Backend != "file" || cfg.Store.Dir != "sent_records" {
		t.Errorf("store = %q/%q", cfg.Store.Backend, cfg.Store.Dir)
	}
	if cfg.NATS.StreamName != "CLAW" || cfg.NATS.DuplicateWindow != 2*time.Minute {
		t.Errorf("nats stream = %q/%v", cfg.NATS.StreamName, cfg.NATS.DuplicateWindow)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %q/%q", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestLoadMissingKeywordFails(t *testing.T) {
	isolate(t)

	if _, err := Load(); err == nil {
		t.Fatal("Load without a keyword succeeded")
	}
}

func TestLoadYAMLFileOverridesDefaults(t *testing.T) {
	isolate(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
harvest:
  keyword: vtuber
  comment_workers: 6
  delay_min: 100ms
  delay_max: 200ms
rate_limit:
  rate: 0.5
  capacity: 2
store:
  backend: badger
  path: /tmp/claw-badger
nats:
  embedded_server: false
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Harvest.Keyword != "vtuber" || cfg.Harvest.CommentWorkers != 6 {
		t.Errorf("harvest = %q/%d", cfg.Harvest.Keyword, cfg.Harvest.CommentWorkers)
	}
	if cfg.Harvest.DelayMin != 100*time.Millisecond || cfg.Harvest.DelayMax != 200*time.Millisecond {
		t.Errorf("delays = %v/%v", cfg.Harvest.DelayMin, cfg.Harvest.DelayMax)
	}
	if cfg.RateLimit.Rate != 0.5 {
		t.Errorf("rate = %v", cfg.RateLimit.Rate)
	}
	if cfg.Store.Backend != "badger" || cfg.Store.Path != "/tmp/claw-badger" {
		t.Errorf("store = %q/%q", cfg.Store.Backend, cfg.Store.Path)
	}
	// Untouched sections keep their defaults.
	if cfg.Harvest.PageSize != 50 {
		t.Errorf("page_size = %d, want default 50", cfg.Harvest.PageSize)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	isolate(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("harvest:\n  keyword: from_file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("CLAW_KEYWORD", "from_env")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("NATS_URL", "nats://bus.internal:4222")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Harvest.Keyword != "from_env" {
		t.Errorf("keyword = %q, env should win over file", cfg.Harvest.Keyword)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
	if cfg.NATS.URL != "nats://bus.internal:4222" {
		t.Errorf("nats url = %q", cfg.NATS.URL)
	}
}

func TestUnmappedEnvIgnored(t *testing.T) {
	isolate(t)
	t.Setenv("CLAW_KEYWORD", "ok")
	t.Setenv("HARVEST_KEYWORD", "should_be_ignored")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Harvest.Keyword != "ok" {
		t.Errorf("keyword = %q, unmapped variable leaked in", cfg.Harvest.Keyword)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		c := defaultConfig()
		c.Harvest.Keyword = "kw"
		return c
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty keyword", func(c *Config) { c.Harvest.Keyword = "" }},
		{"page size over cap", func(c *Config) { c.Harvest.PageSize = 51 }},
		{"zero rate", func(c *Config) { c.RateLimit.Rate = 0 }},
		{"empty credentials path", func(c *Config) { c.Credentials.Path = "" }},
		{"unknown backend", func(c *Config) { c.Store.Backend = "redis" }},
		{"delay min over max", func(c *Config) {
			c.Harvest.DelayMin = time.Second
			c.Harvest.DelayMax = 100 * time.Millisecond
		}},
		{"file backend without dir", func(c *Config) { c.Store.Dir = "" }},
		{"badger backend without path", func(c *Config) {
			c.Store.Backend = "badger"
			c.Store.Path = ""
		}},
		{"embedded nats without store dir", func(c *Config) { c.NATS.StoreDir = "" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := base()
			tc.mutate(c)
			if err := c.Validate(); err == nil {
				t.Error("Validate accepted invalid config")
			}
		})
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("Validate rejected defaults: %v", err)
	}
}
