// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wires OpenTelemetry tracing and metrics for lspbridge.
//
// OpenTelemetry is the abstraction: packages call StartSpan or otel.Meter
// directly and the backend is chosen by configuration. Stdout exporters
// write to stderr because stdout carries reports and watch updates.
//
// Usage:
//
//	shutdown, err := telemetry.Init(ctx, telemetry.DefaultConfig())
//	if err != nil {
//	    return fmt.Errorf("init telemetry: %w", err)
//	}
//	defer shutdown(context.Background())
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc/credentials"
)

var (
	// ErrNilContext is returned by Init when ctx is nil.
	ErrNilContext = errors.New("telemetry: nil context")

	// ErrUnknownExporter is returned for an unsupported exporter name.
	ErrUnknownExporter = errors.New("telemetry: unknown exporter")
)

// Exporter names.
const (
	ExporterNone       = "none"
	ExporterStdout     = "stdout"
	ExporterOTLP       = "otlp"
	ExporterPrometheus = "prometheus"
)

// Config controls telemetry behavior.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// TraceExporter is "otlp", "stdout" or "none".
	TraceExporter string

	// MetricExporter is "prometheus", "stdout" or "none". The prometheus
	// exporter registers with Registerer and is scraped through /metrics.
	MetricExporter string

	// OTLPEndpoint is the gRPC receiver for traces. Unless OTLPInsecure
	// is set the connection uses TLS with the system roots.
	OTLPEndpoint string
	OTLPInsecure bool

	// Registerer receives the prometheus collector.
	// Default: prometheus.DefaultRegisterer
	Registerer prometheus.Registerer

	// Writer receives stdout exporter output. Default: os.Stderr
	Writer io.Writer
}

// DefaultConfig returns a configuration with telemetry disabled. The
// standard OTEL_TRACES_EXPORTER, OTEL_METRICS_EXPORTER and
// OTEL_EXPORTER_OTLP_ENDPOINT variables override it.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "lspbridge",
		ServiceVersion: "dev",
		TraceExporter:  getEnvOr("OTEL_TRACES_EXPORTER", ExporterNone),
		MetricExporter: getEnvOr("OTEL_METRICS_EXPORTER", ExporterNone),
		OTLPEndpoint:   getEnvOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:   true,
	}
}

// Init installs the global TracerProvider and MeterProvider.
//
// Outputs:
//
//	func(context.Context) error - Flushes and stops the providers. Must be called.
//	error - Non-nil if an exporter cannot be created.
//
// Thread Safety: Call once at startup.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	res := resource.NewWithAttributes("",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	var stops shutdownChain
	if enabled(cfg.TraceExporter) {
		spans, err := newSpanExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("telemetry traces: %w", err)
		}
		tp := trace.NewTracerProvider(trace.WithBatcher(spans), trace.WithResource(res))
		otel.SetTracerProvider(tp)
		stops = append(stops, tp.Shutdown)
	}

	if enabled(cfg.MetricExporter) {
		reader, err := newMetricReader(cfg)
		if err != nil {
			_ = stops.run(ctx)
			return nil, fmt.Errorf("telemetry metrics: %w", err)
		}
		mp := metric.NewMeterProvider(metric.WithResource(res), metric.WithReader(reader))
		otel.SetMeterProvider(mp)
		stops = append(stops, mp.Shutdown)
	}

	return stops.run, nil
}

// shutdownChain stops providers in registration order and joins errors.
type shutdownChain []func(context.Context) error

func (c shutdownChain) run(ctx context.Context) error {
	errs := make([]error, 0, len(c))
	for _, stop := range c {
		errs = append(errs, stop(ctx))
	}
	return errors.Join(errs...)
}

func enabled(exporter string) bool {
	return exporter != "" && exporter != ExporterNone
}

func newSpanExporter(ctx context.Context, cfg Config) (trace.SpanExporter, error) {
	switch cfg.TraceExporter {
	case ExporterOTLP:
		transport := otlptracegrpc.WithInsecure()
		if !cfg.OTLPInsecure {
			transport = otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, ""))
		}
		exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint), transport)
		if err != nil {
			return nil, fmt.Errorf("otlp exporter for %s: %w", cfg.OTLPEndpoint, err)
		}
		return exp, nil
	case ExporterStdout:
		return stdouttrace.New(stdouttrace.WithWriter(cfg.writer()))
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownExporter, cfg.TraceExporter)
}

// newMetricReader returns a pull reader for prometheus and a periodic
// push reader for stdout.
func newMetricReader(cfg Config) (metric.Reader, error) {
	switch cfg.MetricExporter {
	case ExporterPrometheus:
		reg := cfg.Registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		return promexporter.New(promexporter.WithRegisterer(reg))
	case ExporterStdout:
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(cfg.writer()))
		if err != nil {
			return nil, err
		}
		return metric.NewPeriodicReader(exp), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownExporter, cfg.MetricExporter)
}

func (c Config) writer() io.Writer {
	if c.Writer != nil {
		return c.Writer
	}
	return os.Stderr
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
