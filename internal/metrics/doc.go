// BiliClaw - Bilibili Keyword Harvesting Pipeline
// Copyright 2026 The BiliClaw Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/biliclaw/biliclaw

// Package metrics provides Prometheus instrumentation for the harvester.
//
// Metrics are registered with the default registry via promauto; expose them
// with promhttp from the entry point when a metrics listener is configured.
package metrics
