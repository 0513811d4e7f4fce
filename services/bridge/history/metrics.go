// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for the History Store
// =============================================================================

var (
	// entriesRecorded counts committed entries.
	// Labels: trigger
	entriesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lspbridge",
		Subsystem: "history",
		Name:      "entries_recorded_total",
		Help:      "Total history entries committed",
	}, []string{"trigger"})

	// entriesEvicted counts entries removed by retention.
	// Labels: reason (count, age)
	entriesEvicted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lspbridge",
		Subsystem: "history",
		Name:      "entries_evicted_total",
		Help:      "Total history entries evicted by retention",
	}, []string{"reason"})

	// entriesRetained is the number of entries currently held.
	entriesRetained = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lspbridge",
		Subsystem: "history",
		Name:      "entries_retained",
		Help:      "History entries currently retained",
	})

	// backendErrors counts persistence failures.
	// Labels: op (load, put, delete)
	backendErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lspbridge",
		Subsystem: "history",
		Name:      "backend_errors_total",
		Help:      "Total history persistence errors",
	}, []string{"op"})
)
