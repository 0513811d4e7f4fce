// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the bridge configuration from YAML or TOML files.
package config

import (
	"fmt"
	"time"
)

// Duration is a time.Duration written as "300ms" or "5s" in config files.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// MarshalText renders the duration in Go syntax.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText parses Go duration syntax. A bare "0" is accepted.
func (d *Duration) UnmarshalText(text []byte) error {
	if string(text) == "0" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// Config is the complete bridge configuration.
type Config struct {
	Export    ExportConfig    `yaml:"export" toml:"export" json:"export"`
	Privacy   PrivacyConfig   `yaml:"privacy" toml:"privacy" json:"privacy"`
	QuickFix  QuickFixConfig  `yaml:"quickfix" toml:"quickfix" json:"quickfix"`
	Watch     WatchConfig     `yaml:"watch" toml:"watch" json:"watch"`
	History   HistoryConfig   `yaml:"history" toml:"history" json:"history"`
	LSP       LSPConfig       `yaml:"lsp" toml:"lsp" json:"lsp"`
	Servers   []ServerConfig  `yaml:"servers,omitempty" toml:"servers" json:"servers,omitempty" validate:"dive"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging" json:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry" json:"telemetry"`
	API       APIConfig       `yaml:"api" toml:"api" json:"api"`
}

type ExportConfig struct {
	Format         string `yaml:"format" toml:"format" json:"format" validate:"oneof=json markdown md claude ai"`
	Scope          string `yaml:"scope" toml:"scope" json:"scope" validate:"oneof=workspace file current open errors"`
	IncludeContext bool   `yaml:"include_context" toml:"include_context" json:"include_context"`
	ContextLines   int    `yaml:"context_lines" toml:"context_lines" json:"context_lines" validate:"gte=0,lte=50"`
	LineWidth      int    `yaml:"line_width" toml:"line_width" json:"line_width" validate:"gte=0"`

	// MaxPerFile overrides the privacy level's per-file cap; 0 keeps it.
	MaxPerFile int `yaml:"max_per_file" toml:"max_per_file" json:"max_per_file"`
}

type PrivacyConfig struct {
	Level   string       `yaml:"level" toml:"level" json:"level" validate:"oneof=default strict permissive"`
	Exclude []string     `yaml:"exclude,omitempty" toml:"exclude" json:"exclude,omitempty"`
	Rules   []RuleConfig `yaml:"rules,omitempty" toml:"rules" json:"rules,omitempty" validate:"dive"`
}

// RuleConfig is an extra redaction rule for one level.
type RuleConfig struct {
	Level       string `yaml:"level" toml:"level" json:"level" validate:"oneof=default strict permissive"`
	Name        string `yaml:"name" toml:"name" json:"name" validate:"required"`
	Pattern     string `yaml:"pattern" toml:"pattern" json:"pattern" validate:"required,regexp"`
	Replacement string `yaml:"replacement" toml:"replacement" json:"replacement"`
}

type QuickFixConfig struct {
	Threshold        float64 `yaml:"threshold" toml:"threshold" json:"threshold" validate:"gte=0,lte=1"`
	SuggestThreshold float64 `yaml:"suggest_threshold" toml:"suggest_threshold" json:"suggest_threshold" validate:"gte=0,lte=1,ltefield=Threshold"`
}

type WatchConfig struct {
	Debounce       Duration `yaml:"debounce" toml:"debounce" json:"debounce" validate:"gt=0"`
	HealthInterval Duration `yaml:"health_interval" toml:"health_interval" json:"health_interval" validate:"gte=0"`
	SyncFiles      bool     `yaml:"sync_files" toml:"sync_files" json:"sync_files"`
}

type HistoryConfig struct {
	// Path is the badger directory. Empty keeps history in memory.
	Path       string   `yaml:"path" toml:"path" json:"path"`
	MaxEntries int      `yaml:"max_entries" toml:"max_entries" json:"max_entries" validate:"gte=0"`
	MaxAge     Duration `yaml:"max_age" toml:"max_age" json:"max_age" validate:"gte=0"`
}

type LSPConfig struct {
	StartupTimeout Duration `yaml:"startup_timeout" toml:"startup_timeout" json:"startup_timeout" validate:"gt=0"`
	RequestTimeout Duration `yaml:"request_timeout" toml:"request_timeout" json:"request_timeout" validate:"gt=0"`
	Freshness      Duration `yaml:"freshness" toml:"freshness" json:"freshness" validate:"gte=0"`

	// Settle is the publish quiet period awaited after opening files.
	Settle     Duration `yaml:"settle" toml:"settle" json:"settle" validate:"gte=0"`
	FetchFixes bool     `yaml:"fetch_fixes" toml:"fetch_fixes" json:"fetch_fixes"`

	// MaxOpenFiles bounds the files opened for a workspace-wide export.
	MaxOpenFiles int `yaml:"max_open_files" toml:"max_open_files" json:"max_open_files" validate:"gte=0"`
}

// ServerConfig declares a language server.
type ServerConfig struct {
	ID                    string         `yaml:"id" toml:"id" json:"id" validate:"required"`
	Command               string         `yaml:"command" toml:"command" json:"command" validate:"required"`
	Args                  []string       `yaml:"args,omitempty" toml:"args" json:"args,omitempty"`
	Extensions            []string       `yaml:"extensions" toml:"extensions" json:"extensions" validate:"min=1,dive,startswith=."`
	RootFiles             []string       `yaml:"root_files,omitempty" toml:"root_files" json:"root_files,omitempty"`
	Adapter               string         `yaml:"adapter,omitempty" toml:"adapter" json:"adapter,omitempty"`
	InitializationOptions map[string]any `yaml:"initialization_options,omitempty" toml:"initialization_options" json:"initialization_options,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level" toml:"level" json:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir,omitempty" toml:"dir" json:"dir,omitempty"`
	JSON  bool   `yaml:"json" toml:"json" json:"json"`
}

type TelemetryConfig struct {
	Traces       string `yaml:"traces" toml:"traces" json:"traces" validate:"oneof=none stdout otlp"`
	Metrics      string `yaml:"metrics" toml:"metrics" json:"metrics" validate:"oneof=none stdout prometheus"`
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty" toml:"otlp_endpoint" json:"otlp_endpoint,omitempty" validate:"required_if=Traces otlp"`
	OTLPInsecure bool   `yaml:"otlp_insecure" toml:"otlp_insecure" json:"otlp_insecure"`
}

type APIConfig struct {
	Addr string `yaml:"addr" toml:"addr" json:"addr" validate:"required,hostname_port"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Export: ExportConfig{
			Format:         "claude",
			Scope:          "workspace",
			IncludeContext: true,
			ContextLines:   3,
		},
		Privacy:  PrivacyConfig{Level: "default"},
		QuickFix: QuickFixConfig{Threshold: 0.9, SuggestThreshold: 0.5},
		Watch: WatchConfig{
			Debounce:       Duration(300 * time.Millisecond),
			HealthInterval: Duration(5 * time.Second),
		},
		History: HistoryConfig{
			MaxEntries: 1000,
			MaxAge:     Duration(30 * 24 * time.Hour),
		},
		LSP: LSPConfig{
			StartupTimeout: Duration(30 * time.Second),
			RequestTimeout: Duration(5 * time.Second),
			Settle:         Duration(500 * time.Millisecond),
			FetchFixes:     true,
			MaxOpenFiles:   2000,
		},
		Logging:   LoggingConfig{Level: "info"},
		Telemetry: TelemetryConfig{Traces: "none", Metrics: "none", OTLPInsecure: true},
		API:       APIConfig{Addr: "127.0.0.1:7420"},
	}
}
