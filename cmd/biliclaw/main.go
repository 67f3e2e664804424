// BiliClaw - Bilibili Keyword Harvesting Pipeline
// Copyright 2026 The BiliClaw Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/biliclaw/biliclaw

// Package main is the entry point for the BiliClaw harvester.
//
// BiliClaw walks Bilibili keyword search results through five stages
// (search, video detail, first-level comments, second-level replies, user
// profiles) and publishes every record to a NATS JetStream message bus.
// Durable resume state lives in a pluggable store so an interrupted run
// continues from the last persisted cursor instead of starting over.
//
// # Startup Order
//
//  1. Configuration: Koanf v2 layered load (env > config.yaml > defaults)
//  2. Logging: zerolog per the logging section
//  3. Metrics: Prometheus endpoint (optional)
//  4. Message bus: embedded NATS server (optional), stream provisioning,
//     publisher with circuit breaker
//  5. Credential pool: cookie file load, optional liveness probe
//  6. Resume store: file ledgers or BadgerDB
//  7. Pipeline: one harvesting run for the configured keyword
//
// # Signal Handling
//
// SIGINT and SIGTERM cancel the run. In-flight page walks stop at the next
// durable cursor, the pending-user ledger is compacted, and the bus is
// drained before exit.
//
// # Example Usage
//
//	export CLAW_KEYWORD=原神
//	export CREDENTIALS_PATH=/etc/biliclaw/credentials.json
//	export NATS_STORE_DIR=/data/nats/jetstream
//	./biliclaw
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/biliclaw/biliclaw/internal/bili"
	"github.com/biliclaw/biliclaw/internal/config"
	"github.com/biliclaw/biliclaw/internal/credential"
	"github.com/biliclaw/biliclaw/internal/logging"
	"github.com/biliclaw/biliclaw/internal/pipeline"
	"github.com/biliclaw/biliclaw/internal/progress"
	"github.com/biliclaw/biliclaw/internal/ratelimit"
	"github.com/biliclaw/biliclaw/internal/sink"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	// Every log line of a run carries the same correlation id so multi-run
	// log archives stay separable.
	runID := uuid.NewString()
	logging.SetLogger(logging.With().Str("run_id", runID).Logger())

	logging.Info().
		Str("keyword", cfg.Harvest.Keyword).
		Str("store", cfg.Store.Backend).
		Str("nats_url", cfg.NATS.URL).
		Msg("Starting BiliClaw")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Enabled {
		startMetricsServer(cfg.Metrics.Listen)
	}

	// Message bus. The embedded server keeps single-host deployments free
	// of an external NATS dependency.
	natsURL := cfg.NATS.URL
	if cfg.NATS.EmbeddedServer {
		embedded, err := sink.NewEmbeddedServer(sink.ServerConfig{
			StoreDir: cfg.NATS.StoreDir,
			MaxMem:   cfg.NATS.MaxMemory,
			MaxStore: cfg.NATS.MaxStore,
		})
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to start embedded NATS server")
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := embedded.Shutdown(shutdownCtx); err != nil {
				logging.Error().Err(err).Msg("Embedded NATS shutdown error")
			}
		}()
		natsURL = embedded.ClientURL()
		logging.Info().Str("url", natsURL).Msg("Embedded NATS server ready")
	}

	streamCfg := sink.DefaultStreamConfig()
	streamCfg.Name = cfg.NATS.StreamName
	streamCfg.MaxAge = cfg.NATS.StreamMaxAge
	streamCfg.DuplicateWindow = cfg.NATS.DuplicateWindow
	if err := sink.ProvisionStream(ctx, natsURL, streamCfg); err != nil {
		logging.Fatal().Err(err).Msg("Failed to provision JetStream stream")
	}

	natsCfg := sink.DefaultNATSConfig(natsURL)
	natsCfg.MaxReconnects = cfg.NATS.MaxReconnects
	natsCfg.ReconnectWait = cfg.NATS.ReconnectWait
	natsCfg.BreakerThreshold = cfg.NATS.BreakerThreshold
	natsCfg.BreakerTimeout = cfg.NATS.BreakerTimeout
	out, err := sink.NewNATSSink(natsCfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to connect publisher to NATS")
	}
	defer func() {
		if err := out.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing publisher")
		}
	}()

	// Credential pool and upstream client. The credentials file carries its
	// own strategy and failure-threshold settings.
	pool, validateOnLoad, err := credential.LoadFile(cfg.Credentials.Path)
	if err != nil {
		logging.Fatal().Err(err).Str("path", cfg.Credentials.Path).Msg("Failed to load credential pool")
	}

	limiter := ratelimit.New(cfg.RateLimit.Rate, cfg.RateLimit.Capacity)
	client := bili.NewClient(bili.Options{
		BaseURL:   cfg.Harvest.BaseURL,
		UserAgent: cfg.Harvest.UserAgent,
		Pool:      pool,
		Limiter:   limiter,
	})

	if validateOnLoad || cfg.Credentials.ValidateOnLoad {
		pool.ValidateAll(ctx, client)
		if pool.Len() == 0 {
			logging.Warn().Msg("No valid credentials after validation, continuing unauthenticated")
		}
	}

	// Resume store.
	store, err := openStore(cfg.Store)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open resume store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing resume store")
		}
	}()

	p := pipeline.New(pipeline.Config{
		Keyword:        cfg.Harvest.Keyword,
		SearchWorkers:  cfg.Harvest.SearchWorkers,
		PagesPerWorker: cfg.Harvest.PagesPerWorker,
		PageSize:       cfg.Harvest.PageSize,
		DetailWorkers:  cfg.Harvest.DetailWorkers,
		CommentWorkers: cfg.Harvest.CommentWorkers,
		ReplyWorkers:   cfg.Harvest.ReplyWorkers,
		UserWorkers:    cfg.Harvest.UserWorkers,
		ReplyPageSize:  cfg.Harvest.ReplyPageSize,
		DelayMin:       cfg.Harvest.DelayMin,
		DelayMax:       cfg.Harvest.DelayMax,
		QueueSize:      cfg.Harvest.QueueSize,
		ResumePending:  cfg.Harvest.ResumePending,
	}, client, store, out)

	if err := p.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logging.Info().Msg("Harvest interrupted, resume state persisted")
			return
		}
		logging.Fatal().Err(err).Msg("Harvest failed")
	}
}

// openStore builds the configured resume-state backend.
func openStore(cfg config.StoreConfig) (progress.Store, error) {
	switch cfg.Backend {
	case "badger":
		return progress.NewBadgerStore(cfg.Path)
	default:
		return progress.NewFileStore(cfg.Dir)
	}
}

// startMetricsServer exposes /metrics on its own listener. Failures are
// logged, not fatal: a harvest without metrics still harvests.
func startMetricsServer(listen string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error().Err(err).Str("listen", listen).Msg("Metrics server stopped")
		}
	}()
	logging.Info().Str("listen", listen).Msg("Metrics endpoint available")
}
