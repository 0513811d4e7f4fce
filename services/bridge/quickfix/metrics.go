// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package quickfix

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// fixOutcomes counts per-diagnostic outcomes.
	// Labels: status (applied, planned, skipped, failed)
	fixOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lspbridge",
		Subsystem: "quickfix",
		Name:      "outcomes_total",
		Help:      "Total quick-fix outcomes by status",
	}, []string{"status"})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lspbridge",
		Subsystem: "quickfix",
		Name:      "batch_duration_seconds",
		Help:      "Duration of quick-fix batches",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})
)
