// BiliClaw - Bilibili Keyword Harvesting Pipeline
// Copyright 2026 The BiliClaw Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/biliclaw/biliclaw

// Package config loads layered runtime configuration: built-in defaults,
// then an optional YAML file, then environment variables. Environment
// variables win.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the full runtime configuration tree.
type Config struct {
	Harvest     HarvestConfig     `koanf:"harvest"`
	RateLimit   RateLimitConfig   `koanf:"rate_limit"`
	Credentials CredentialsConfig `koanf:"credentials"`
	Store       StoreConfig       `koanf:"store"`
	NATS        NATSConfig        `koanf:"nats"`
	Logging     LoggingConfig     `koanf:"logging"`
	Metrics     MetricsConfig     `koanf:"metrics"`
}

// HarvestConfig shapes a single keyword run.
type HarvestConfig struct {
	Keyword        string `koanf:"keyword" validate:"required"`
	SearchWorkers  int    `koanf:"search_workers" validate:"min=1,max=64"`
	PagesPerWorker int    `koanf:"pages_per_worker" validate:"min=1,max=100"`
	PageSize       int    `koanf:"page_size" validate:"min=1,max=50"`
	DetailWorkers  int    `koanf:"detail_workers" validate:"min=1,max=64"`
	CommentWorkers int    `koanf:"comment_workers" validate:"min=1,max=64"`
	ReplyWorkers   int    `koanf:"reply_workers" validate:"min=1,max=64"`
	UserWorkers    int    `koanf:"user_workers" validate:"min=1,max=64"`
	ReplyPageSize  int    `koanf:"reply_page_size" validate:"min=1,max=49"`
	QueueSize      int    `koanf:"queue_size" validate:"min=1"`

	// Politeness delay between comment pages, uniform over [min, max].
	DelayMin time.Duration `koanf:"delay_min" validate:"min=0"`
	DelayMax time.Duration `koanf:"delay_max" validate:"min=0"`

	// ResumePending re-enqueues the pending-user ledger at startup.
	ResumePending bool `koanf:"resume_pending"`

	UserAgent string `koanf:"user_agent"`
	BaseURL   string `koanf:"base_url" validate:"omitempty,url"`
}

// RateLimitConfig bounds the global upstream request rate. All workers
// across all stages share one token bucket.
type RateLimitConfig struct {
	Rate     float64 `koanf:"rate" validate:"gt=0"`
	Capacity int     `koanf:"capacity" validate:"min=1"`
}

// CredentialsConfig locates the cookie pool file. Selection strategy and
// failure thresholds live inside the file itself; ValidateOnLoad here
// forces a liveness probe regardless of the file's setting.
type CredentialsConfig struct {
	Path           string `koanf:"path" validate:"required"`
	ValidateOnLoad bool   `koanf:"validate_on_load"`
}

// StoreConfig selects the resume-state backend.
type StoreConfig struct {
	Backend string `koanf:"backend" validate:"oneof=file badger"`
	Dir     string `koanf:"dir"`  // file backend ledger directory
	Path    string `koanf:"path"` // badger backend database directory
}

// NATSConfig wires the message bus: the publisher connection, the optional
// embedded server, and the stream the pipeline publishes into.
type NATSConfig struct {
	URL             string        `koanf:"url" validate:"required"`
	MaxReconnects   int           `koanf:"max_reconnects"`
	ReconnectWait   time.Duration `koanf:"reconnect_wait" validate:"min=0"`
	EmbeddedServer  bool          `koanf:"embedded_server"`
	StoreDir        string        `koanf:"store_dir"`
	MaxMemory       int64         `koanf:"max_memory"`
	MaxStore        int64         `koanf:"max_store"`
	StreamName      string        `koanf:"stream_name" validate:"required"`
	StreamMaxAge    time.Duration `koanf:"stream_max_age" validate:"min=0"`
	DuplicateWindow time.Duration `koanf:"duplicate_window" validate:"min=0"`

	BreakerThreshold uint32        `koanf:"breaker_threshold"`
	BreakerTimeout   time.Duration `koanf:"breaker_timeout" validate:"min=0"`
}

// LoggingConfig controls the zerolog output.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal panic"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Listen  string `koanf:"listen" validate:"omitempty,hostname_port"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints plus the cross-field rules the tag
// language cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	if c.Harvest.DelayMax > 0 && c.Harvest.DelayMin > c.Harvest.DelayMax {
		return fmt.Errorf("config validation: harvest.delay_min %v exceeds harvest.delay_max %v",
			c.Harvest.DelayMin, c.Harvest.DelayMax)
	}
	if c.Store.Backend == "file" && c.Store.Dir == "" {
		return fmt.Errorf("config validation: store.dir is required for the file backend")
	}
	if c.Store.Backend == "badger" && c.Store.Path == "" {
		return fmt.Errorf("config validation: store.path is required for the badger backend")
	}
	if c.NATS.EmbeddedServer && c.NATS.StoreDir == "" {
		return fmt.Errorf("config validation: nats.store_dir is required with the embedded server")
	}
	return nil
}
