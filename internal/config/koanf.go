// BiliClaw - Bilibili Keyword Harvesting Pipeline
// Copyright 2026 The BiliClaw Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/biliclaw/biliclaw

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the config file search order. The first file
// found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/biliclaw/config.yaml",
	"/etc/biliclaw/config.yml",
}

// ConfigPathEnvVar overrides the config file search.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns the built-in defaults. The file and environment
// layers override them.
func defaultConfig() *Config {
	return &Config{
		Harvest: HarvestConfig{
			Keyword:        "",
			SearchWorkers:  2,
			PagesPerWorker: 3,
			PageSize:       50,
			DetailWorkers:  2,
			CommentWorkers: 3,
			ReplyWorkers:   2,
			UserWorkers:    2,
			ReplyPageSize:  20,
			QueueSize:      1024,
			DelayMin:       500 * time.Millisecond,
			DelayMax:       1500 * time.Millisecond,
			ResumePending:  true,
			UserAgent:      "", // empty selects the built-in browser UA
			BaseURL:        "",
		},
		RateLimit: RateLimitConfig{
			Rate:     2.0,
			Capacity: 5,
		},
		Credentials: CredentialsConfig{
			Path:           "credentials.json",
			ValidateOnLoad: false,
		},
		Store: StoreConfig{
			Backend: "file",
			Dir:     "sent_records",
			Path:    "/data/biliclaw/badger",
		},
		NATS: NATSConfig{
			URL:              "nats://127.0.0.1:4222",
			MaxReconnects:    -1,
			ReconnectWait:    2 * time.Second,
			EmbeddedServer:   true,
			StoreDir:         "/data/nats/jetstream",
			MaxMemory:        1 << 30,  // 1GB
			MaxStore:         10 << 30, // 10GB
			StreamName:       "CLAW",
			StreamMaxAge:     7 * 24 * time.Hour,
			DuplicateWindow:  2 * time.Minute,
			BreakerThreshold: 5,
			BreakerTimeout:   30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  "127.0.0.1:9180",
		},
	}
}

// Load builds the configuration from three layers in priority order:
// environment variables, then an optional YAML config file, then the
// built-in defaults. The result is validated before return.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// findConfigFile returns the first existing config file, or empty string.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envMappings maps environment variable names (lowercased) to config
// paths. Unmapped variables are ignored so unrelated environment noise
// never reaches the config tree.
var envMappings = map[string]string{
	// Harvest
	"claw_keyword":          "harvest.keyword",
	"claw_search_workers":   "harvest.search_workers",
	"claw_pages_per_worker": "harvest.pages_per_worker",
	"claw_page_size":        "harvest.page_size",
	"claw_detail_workers":   "harvest.detail_workers",
	"claw_comment_workers":  "harvest.comment_workers",
	"claw_reply_workers":    "harvest.reply_workers",
	"claw_user_workers":     "harvest.user_workers",
	"claw_reply_page_size":  "harvest.reply_page_size",
	"claw_queue_size":       "harvest.queue_size",
	"claw_delay_min":        "harvest.delay_min",
	"claw_delay_max":        "harvest.delay_max",
	"claw_resume_pending":   "harvest.resume_pending",
	"claw_user_agent":       "harvest.user_agent",
	"claw_base_url":         "harvest.base_url",

	// Rate limit
	"rate_limit_rate":     "rate_limit.rate",
	"rate_limit_capacity": "rate_limit.capacity",

	// Credentials
	"credentials_path":     "credentials.path",
	"credentials_validate": "credentials.validate_on_load",

	// Store
	"store_backend": "store.backend",
	"store_dir":     "store.dir",
	"store_path":    "store.path",

	// NATS
	"nats_url":               "nats.url",
	"nats_max_reconnects":    "nats.max_reconnects",
	"nats_reconnect_wait":    "nats.reconnect_wait",
	"nats_embedded":          "nats.embedded_server",
	"nats_store_dir":         "nats.store_dir",
	"nats_max_memory":        "nats.max_memory",
	"nats_max_store":         "nats.max_store",
	"nats_stream_name":       "nats.stream_name",
	"nats_stream_max_age":    "nats.stream_max_age",
	"nats_duplicate_window":  "nats.duplicate_window",
	"nats_breaker_threshold": "nats.breaker_threshold",
	"nats_breaker_timeout":   "nats.breaker_timeout",

	// Logging
	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",

	// Metrics
	"metrics_enabled": "metrics.enabled",
	"metrics_listen":  "metrics.listen",
}

// envTransformFunc maps environment variable names to koanf config paths.
// Unknown names map to the empty string and are skipped.
func envTransformFunc(key string) string {
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
