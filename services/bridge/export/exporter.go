// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package export renders diagnostic snapshots as JSON, Markdown, or a
// compact format for AI assistants.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/lspbridge/services/bridge/model"
	"github.com/AleutianAI/lspbridge/services/bridge/privacy"
	"github.com/AleutianAI/lspbridge/services/bridge/telemetry"
)

// Format selects the output rendering.
type Format string

const (
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
	FormatClaude   Format = "claude"
)

// ParseFormat converts a CLI or config value to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return FormatJSON, nil
	case "markdown", "md":
		return FormatMarkdown, nil
	case "claude", "ai":
		return FormatClaude, nil
	}
	return "", fmt.Errorf("unknown export format %q (want json, markdown or claude)", s)
}

// DefaultContextLines is the context size the CLI and config start from.
const DefaultContextLines = 3

// Request describes one export. It carries no mutable state.
type Request struct {
	Format         Format
	Scope          model.Scope
	IncludeContext bool

	// ContextLines is the total number of source lines shown around each
	// diagnostic. Zero shows none.
	ContextLines int

	Privacy privacy.Level
}

// Exporter runs scope resolution, context loading, redaction and rendering.
//
// Thread Safety: Safe for concurrent use when Loader is.
type Exporter struct {
	// Filter redacts the report. Nil exports without redaction.
	Filter *privacy.Filter

	// Loader supplies source context. Nil reads from disk.
	Loader ContextLoader

	// OpenFiles are the editor's open files, for the open scope.
	OpenFiles []string

	// LineWidth bounds context lines in the claude format.
	LineWidth int

	// Now stamps reports. Nil means time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// Export renders snapshot according to req.
//
// Outputs:
//
//	string - The rendered report.
//	error - *SelectionError when the scope selects no files, or an
//	  invalid request.
func (e *Exporter) Export(ctx context.Context, snapshot model.Snapshot, req Request) (string, error) {
	report, err := e.Report(ctx, snapshot, req)
	if err != nil {
		return "", err
	}
	return Render(report, req.Format, ClaudeOptions{ContextLines: contextLines(req), LineWidth: e.LineWidth})
}

// Report runs the pipeline up to, but not including, rendering.
func (e *Exporter) Report(ctx context.Context, snapshot model.Snapshot, req Request) (_ Report, err error) {
	ctx, span := telemetry.StartSpan(ctx, "bridge.export", "Exporter.Report",
		trace.WithAttributes(
			attribute.String("format", string(req.Format)),
			attribute.String("scope", req.Scope.String()),
		),
	)
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	if _, err := ParseFormat(string(req.Format)); err != nil {
		return Report{}, err
	}
	if req.ContextLines < 0 {
		return Report{}, fmt.Errorf("context lines must be >= 0, got %d", req.ContextLines)
	}

	selected, err := ResolveScope(snapshot, req.Scope, e.OpenFiles)
	if err != nil {
		return Report{}, err
	}

	if req.IncludeContext {
		selected, err = e.attachContext(ctx, selected, contextLines(req))
		if err != nil {
			return Report{}, err
		}
	}

	level := req.Privacy
	if level == "" {
		level = privacy.LevelDefault
	}
	if e.Filter != nil {
		selected = e.Filter.RedactSnapshot(selected, level)
	} else {
		level = privacy.LevelPermissive
	}

	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	return NewReport(selected, req.Scope, string(level), now()), nil
}

// Render renders an assembled report.
func Render(r Report, format Format, opts ClaudeOptions) (string, error) {
	switch format {
	case FormatJSON:
		return RenderJSON(r)
	case FormatMarkdown:
		return RenderMarkdown(r), nil
	case FormatClaude:
		return RenderClaude(r, opts), nil
	}
	return "", fmt.Errorf("unknown export format %q", format)
}

// attachContext loads context for every diagnostic. A file that cannot be
// read loses its context, not the export.
func (e *Exporter) attachContext(ctx context.Context, s model.Snapshot, n int) (model.Snapshot, error) {
	if n == 0 {
		return s, nil
	}
	loader := e.Loader
	if loader == nil {
		loader = NewFileLoader()
	}
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}

	failed := make(map[string]bool)
	diags := make([]model.Diagnostic, len(s.Diagnostics))
	for i, d := range s.Diagnostics {
		if err := ctx.Err(); err != nil {
			return model.Snapshot{}, err
		}
		diags[i] = d
		if failed[d.FilePath] {
			continue
		}
		lines, err := loader.Lines(d.FilePath, d.Range, n)
		if err != nil {
			failed[d.FilePath] = true
			logger.Debug("context unavailable",
				slog.String("file", d.FilePath),
				slog.String("error", err.Error()))
			continue
		}
		diags[i].Context = lines
		diags[i] = diags[i].Normalize()
	}
	return s.With(diags), nil
}

// contextLines is the context size to load and render. Zero lines turns
// context off even when IncludeContext is set.
func contextLines(req Request) int {
	if !req.IncludeContext {
		return 0
	}
	return req.ContextLines
}
