// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for LSP operations.
var (
	tracer = otel.Tracer("aleutian.lspbridge.lsp")
	meter  = otel.Meter("aleutian.lspbridge.lsp")
)

// Metrics for LSP operations.
var (
	requestLatency metric.Float64Histogram
	requestTotal   metric.Int64Counter
	serverSpawns   metric.Int64Counter
	publishTotal   metric.Int64Counter
	staleTotal     metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the instruments. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		requestLatency, err = meter.Float64Histogram(
			"lspbridge_lsp_request_duration_seconds",
			metric.WithDescription("Duration of requests sent to language servers"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		requestTotal, err = meter.Int64Counter(
			"lspbridge_lsp_requests_total",
			metric.WithDescription("Requests sent to language servers by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		serverSpawns, err = meter.Int64Counter(
			"lspbridge_lsp_server_spawns_total",
			metric.WithDescription("Language server start attempts"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		publishTotal, err = meter.Int64Counter(
			"lspbridge_lsp_publish_total",
			metric.WithDescription("publishDiagnostics notifications by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		staleTotal, err = meter.Int64Counter(
			"lspbridge_lsp_stale_total",
			metric.WithDescription("Snapshots that carried stale data for a server"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startSpan creates a span for a manager operation.
func startSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Manager."+operation, trace.WithAttributes(attrs...))
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRequestTimeout):
		return "timeout"
	default:
		return "error"
	}
}

// recordRequest records a request round trip.
func recordRequest(ctx context.Context, serverID, method string, d time.Duration, err error) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("server", serverID),
		attribute.String("method", method),
		attribute.String("outcome", outcome(err)),
	)
	requestLatency.Record(ctx, d.Seconds(), attrs)
	requestTotal.Add(ctx, 1, attrs)
}

// recordServerSpawn records a start attempt.
func recordServerSpawn(ctx context.Context, serverID string, success bool) {
	if initMetrics() != nil {
		return
	}
	serverSpawns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("server", serverID),
		attribute.Bool("success", success),
	))
}

// recordPublish records a publishDiagnostics notification.
func recordPublish(serverID string, accepted bool) {
	if initMetrics() != nil {
		return
	}
	publishTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("server", serverID),
		attribute.Bool("accepted", accepted),
	))
}

// recordStale records a stale annotation.
func recordStale(ctx context.Context, serverID string) {
	if initMetrics() != nil {
		return
	}
	staleTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("server", serverID)))
}
