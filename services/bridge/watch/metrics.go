// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package watch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for Watch Sessions
// =============================================================================

var (
	sessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lspbridge",
		Subsystem: "watch",
		Name:      "sessions_started_total",
		Help:      "Total watch sessions started",
	})

	// changesReceived counts in-scope diagnostics change events.
	changesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lspbridge",
		Subsystem: "watch",
		Name:      "changes_received_total",
		Help:      "Total in-scope diagnostics changes received",
	})

	// coalesced counts changes absorbed by debouncing or deduplication.
	coalesced = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lspbridge",
		Subsystem: "watch",
		Name:      "changes_coalesced_total",
		Help:      "Total changes folded into a later update or dropped as unchanged",
	})

	// updatesEmitted counts updates written to the sink.
	// Labels: state
	updatesEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lspbridge",
		Subsystem: "watch",
		Name:      "updates_emitted_total",
		Help:      "Total updates emitted",
	}, []string{"state"})

	sinkErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lspbridge",
		Subsystem: "watch",
		Name:      "sink_errors_total",
		Help:      "Total updates the sink failed to accept",
	})

	restarts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lspbridge",
		Subsystem: "watch",
		Name:      "server_restarts_total",
		Help:      "Total restarts of unresponsive servers",
	})

	// filesSynced counts on-disk changes forwarded to servers.
	// Labels: result (ok, error, limited)
	filesSynced = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lspbridge",
		Subsystem: "watch",
		Name:      "files_synced_total",
		Help:      "Total file changes forwarded to language servers",
	}, []string{"result"})
)
