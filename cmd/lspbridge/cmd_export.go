// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/lspbridge/services/bridge/export"
	"github.com/AleutianAI/lspbridge/services/bridge/history"
	"github.com/AleutianAI/lspbridge/services/bridge/model"
	"github.com/AleutianAI/lspbridge/services/bridge/privacy"
)

// selectionFlags are the scope flags shared by export, watch and quickfix.
type selectionFlags struct {
	scope   string
	file    string
	open    []string
	privacy string
}

func (f *selectionFlags) register(cmd *cobra.Command, withOpen bool) {
	cmd.Flags().StringVarP(&f.scope, "scope", "s", "", "workspace, file, open or errors (default: configured)")
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "the current file, relative to the root; implies --scope file")
	if withOpen {
		cmd.Flags().StringSliceVar(&f.open, "open", nil, "the editor's open files, for --scope open")
	}
	cmd.Flags().StringVarP(&f.privacy, "privacy", "p", "", "permissive, default or strict (default: configured)")
}

// resolve turns the flags into a scope, open file list and privacy level.
func (f *selectionFlags) resolve(a *app) (model.Scope, []string, privacy.Level, error) {
	kind := f.scope
	switch {
	case kind == "" && f.file != "":
		kind = string(model.ScopeFile)
	case kind == "":
		kind = a.cfg.Export.Scope
	}
	scope, err := model.ParseScope(kind, a.absPath(f.file))
	if err != nil {
		return model.Scope{}, nil, "", usageError(err)
	}
	if scope.Kind == model.ScopeFile && scope.File == "" {
		return model.Scope{}, nil, "", usageErrorf("--scope file needs --file")
	}

	levelName := f.privacy
	if levelName == "" {
		levelName = a.cfg.Privacy.Level
	}
	level, err := privacy.ParseLevel(levelName)
	if err != nil {
		return model.Scope{}, nil, "", usageError(err)
	}

	open := make([]string, 0, len(f.open))
	for _, p := range f.open {
		if p = strings.TrimSpace(p); p != "" {
			open = append(open, a.absPath(p))
		}
	}
	return scope, open, level, nil
}

func newExportCmd(a *app) *cobra.Command {
	var (
		sel          selectionFlags
		format       string
		withContext  bool
		noContext    bool
		contextLines int
		output       string
		record       bool
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the workspace diagnostics",
		Long: `Export starts the workspace's language servers, waits for their
diagnostics to settle and renders the selected scope.

Formats:
  json      versioned JSON with a summary block
  markdown  a report grouped by file with source context
  claude    a compact, token-efficient format for AI assistants

Exit codes: 3 when the scope selects no files, 4 when no language server
is available.`,
		Example: `  lspbridge export
  lspbridge export --format json --scope errors -o diagnostics.json
  lspbridge export --scope file --file src/main.rs --privacy strict`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			formatName := format
			if formatName == "" {
				formatName = a.cfg.Export.Format
			}
			f, err := export.ParseFormat(formatName)
			if err != nil {
				return usageError(err)
			}
			scope, open, level, err := sel.resolve(a)
			if err != nil {
				return err
			}
			if withContext && noContext {
				return usageErrorf("--context and --no-context are mutually exclusive")
			}
			include := a.cfg.Export.IncludeContext
			if cmd.Flags().Changed("context") {
				include = withContext
			}
			if noContext {
				include = false
			}
			lines := a.cfg.Export.ContextLines
			if cmd.Flags().Changed("context-lines") {
				if contextLines < 0 {
					return usageErrorf("--context-lines must be >= 0")
				}
				lines = contextLines
			}

			s, err := a.connectSession(ctx)
			if err != nil {
				return err
			}
			defer a.closeSession(s)

			snap, err := s.Collect(ctx, scope, open)
			if err != nil {
				return err
			}
			out, err := s.Exporter(open).Export(ctx, snap, export.Request{
				Format:         f,
				Scope:          scope,
				IncludeContext: include,
				ContextLines:   lines,
				Privacy:        level,
			})
			if err != nil {
				return err
			}

			if record {
				if _, err := s.History.Record(ctx, snap, history.TriggerExport); err != nil {
					a.slog().Warn("history record failed", "error", err)
				}
			}
			return a.writeOutput(output, out)
		},
	}

	sel.register(cmd, true)
	cmd.Flags().StringVar(&format, "format", "", "json, markdown or claude (default: configured)")
	cmd.Flags().BoolVar(&withContext, "context", false, "include source context around each diagnostic")
	cmd.Flags().BoolVar(&noContext, "no-context", false, "omit source context")
	cmd.Flags().IntVar(&contextLines, "context-lines", export.DefaultContextLines, "total lines of context around each diagnostic")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to a file instead of stdout")
	cmd.Flags().BoolVar(&record, "record", false, "record the snapshot in history")
	return cmd
}

// writeOutput writes out to path, or to stdout when path is empty or "-".
func (a *app) writeOutput(path, out string) error {
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	if path == "" || path == "-" {
		_, err := fmt.Fprint(a.stdout, out)
		return err
	}
	path = a.absPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	a.printer(a.stderr).Success(fmt.Sprintf("wrote %s", a.relPath(path)))
	return nil
}
