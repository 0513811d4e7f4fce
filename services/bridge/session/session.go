// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session assembles the bridge components for one workspace: the
// LSP manager, the privacy filter, the history store and the exporter and
// quick-fix engines built on them. The CLI and the HTTP API both run on a
// Session.
package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/AleutianAI/lspbridge/services/bridge/config"
	"github.com/AleutianAI/lspbridge/services/bridge/export"
	"github.com/AleutianAI/lspbridge/services/bridge/history"
	"github.com/AleutianAI/lspbridge/services/bridge/lsp"
	"github.com/AleutianAI/lspbridge/services/bridge/model"
	"github.com/AleutianAI/lspbridge/services/bridge/privacy"
	"github.com/AleutianAI/lspbridge/services/bridge/quickfix"
	"github.com/AleutianAI/lspbridge/services/bridge/watch"
)

// ErrNoServers is returned by Connect when no configured server could be
// started for the workspace. It matches lsp.ErrServerUnavailable.
var ErrNoServers = fmt.Errorf("no language server available: %w", lsp.ErrServerUnavailable)

// DefaultMaxFiles bounds the files opened for a workspace-wide collection.
const DefaultMaxFiles = 2000

// Options configures Open.
type Options struct {
	// Root is the workspace root. Default: the working directory.
	Root string

	Config config.Config

	// MaxFiles bounds the workspace walk.
	// Default: Config.LSP.MaxOpenFiles, then DefaultMaxFiles
	MaxFiles int

	Logger *slog.Logger
}

// Session owns the components serving one workspace.
//
// Thread Safety: Safe for concurrent use after Connect returns.
type Session struct {
	Root    string
	Config  config.Config
	Manager *lsp.Manager
	History *history.Store
	Filter  *privacy.Filter

	maxFiles int
	files    []string
	logger   *slog.Logger
}

// Open builds the components for a workspace without starting servers.
//
// Outputs:
//
//	*Session - The session. Close it to release the history database.
//	error - Non-nil for invalid privacy rules or an unusable history path.
func Open(ctx context.Context, opts Options) (*Session, error) {
	root := opts.Root
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		root = wd
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config

	registry, err := lsp.NewRegistry(cfg.ServerSpecs()...)
	if err != nil {
		return nil, fmt.Errorf("server registry: %w", err)
	}
	mc := cfg.ManagerConfig()
	mc.Logger = logger
	filter, err := privacy.New(cfg.PrivacyOptions(root))
	if err != nil {
		return nil, fmt.Errorf("privacy rules: %w", err)
	}

	s := &Session{
		Root:     root,
		Config:   cfg,
		Manager:  lsp.NewManager(root, registry, mc),
		Filter:   filter,
		maxFiles: opts.MaxFiles,
		logger:   logger,
	}
	if s.maxFiles <= 0 {
		s.maxFiles = cfg.LSP.MaxOpenFiles
	}
	if s.maxFiles <= 0 {
		s.maxFiles = DefaultMaxFiles
	}

	hopts := history.Options{
		MaxEntries: cfg.History.MaxEntries,
		MaxAge:     cfg.HistoryMaxAge(),
		Logger:     logger,
	}
	if path := cfg.History.Path; path != "" {
		if !filepath.IsAbs(path) {
			path = filepath.Join(root, path)
		}
		backend, err := history.OpenBadgerBackend(path, logger)
		if err != nil {
			return nil, fmt.Errorf("open history: %w", err)
		}
		hopts.Backend = backend
	}
	s.History, err = history.New(ctx, hopts)
	if err != nil {
		if hopts.Backend != nil {
			_ = hopts.Backend.Close()
		}
		return nil, fmt.Errorf("load history: %w", err)
	}
	return s, nil
}

// Connect starts every configured server that applies to the workspace
// and owns at least one of its files.
//
// Outputs:
//
//	[]lsp.ConnectResult - One result per attempted server.
//	error - ErrNoServers when none could be started.
func (s *Session) Connect(ctx context.Context) ([]lsp.ConnectResult, error) {
	s.files = WorkspaceFiles(s.Root, s.Manager.Registry().Extensions(), s.maxFiles)

	var specs []lsp.ServerSpec
	for _, spec := range s.Manager.Registry().Specs() {
		if spec.AppliesTo(s.Root) && ownsAny(spec, s.files) {
			specs = append(specs, spec)
		}
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: no configured server matches %s", ErrNoServers, s.Root)
	}

	results := s.Manager.ConnectAll(ctx, specs)
	ok := 0
	for _, r := range results {
		if r.Err != nil {
			s.logger.Warn("language server unavailable",
				slog.String("server", r.ServerID),
				slog.String("error", r.Err.Error()))
			continue
		}
		ok++
	}
	if ok == 0 {
		return results, ErrNoServers
	}
	return results, nil
}

func ownsAny(spec lsp.ServerSpec, files []string) bool {
	for _, f := range files {
		if spec.Owns(f) {
			return true
		}
	}
	return false
}

// Collect opens the files a scope needs, waits for the servers to settle
// and returns the scoped snapshot.
//
// Inputs:
//
//	scope - The selection. File scopes name one file.
//	openFiles - The editor's open files, for the open scope.
func (s *Session) Collect(ctx context.Context, scope model.Scope, openFiles []string) (model.Snapshot, error) {
	var targets []string
	switch scope.Kind {
	case model.ScopeFile:
		if scope.File != "" {
			targets = []string{scope.File}
		}
	case model.ScopeOpen:
		targets = openFiles
	default:
		targets = s.files
	}

	opened := 0
	for _, f := range targets {
		if err := ctx.Err(); err != nil {
			return model.Snapshot{}, err
		}
		if !s.Manager.Owns(f) {
			continue
		}
		if err := s.Manager.OpenDocument(ctx, f); err != nil {
			s.logger.Debug("open document failed",
				slog.String("file", f),
				slog.String("error", err.Error()))
			continue
		}
		opened++
	}
	if opened > 0 && s.Config.LSP.Settle > 0 {
		if err := s.Manager.WaitForSettle(ctx, s.Config.LSP.Settle.D()); err != nil {
			return model.Snapshot{}, err
		}
	}
	return s.Manager.CurrentDiagnostics(ctx, scope)
}

// Exporter returns an exporter over the session's filter.
func (s *Session) Exporter(openFiles []string) *export.Exporter {
	return &export.Exporter{
		Filter:    s.Filter,
		OpenFiles: s.absAll(openFiles),
		LineWidth: s.Config.Export.LineWidth,
		Logger:    s.logger,
	}
}

// QuickFix returns a quick-fix engine applying through the manager.
func (s *Session) QuickFix(opts quickfix.Options) *quickfix.Engine {
	if opts.SuggestThreshold == 0 {
		opts.SuggestThreshold = s.Config.QuickFix.SuggestThreshold
	}
	if opts.Logger == nil {
		opts.Logger = s.logger
	}
	return quickfix.New(s.Manager, opts)
}

// Watch returns a watch engine fed by the manager and recording to the
// session's history.
func (s *Session) Watch(sink watch.Sink, level privacy.Level) *watch.Engine {
	return watch.NewEngine(s.Manager, sink, watch.Options{
		HealthInterval: s.Config.Watch.HealthInterval.D(),
		Filter:         s.Filter,
		Privacy:        level,
		Recorder:       s.History,
		Logger:         s.logger,
	})
}

// Close stops the servers and closes the history store and its database.
func (s *Session) Close(ctx context.Context) error {
	var errs []error
	if err := s.Manager.Shutdown(ctx); err != nil && !errors.Is(err, lsp.ErrManagerClosed) {
		errs = append(errs, fmt.Errorf("shutdown servers: %w", err))
	}
	if err := s.History.Close(); err != nil && !errors.Is(err, history.ErrClosed) {
		errs = append(errs, fmt.Errorf("close history: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Session) absAll(paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		if !filepath.IsAbs(p) {
			p = filepath.Join(s.Root, p)
		}
		out[i] = filepath.Clean(p)
	}
	return out
}

// WorkspaceFiles lists up to limit files below root whose extension is in
// exts, skipping watch.DefaultIgnore directories and hidden directories.
// The result is sorted.
func WorkspaceFiles(root string, exts []string, limit int) []string {
	want := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		want[strings.ToLower(e)] = struct{}{}
	}
	ignore := make(map[string]struct{}, len(watch.DefaultIgnore))
	for _, name := range watch.DefaultIgnore {
		ignore[name] = struct{}{}
	}

	var files []string
	errLimit := errors.New("limit reached")
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path == root {
				return nil
			}
			name := d.Name()
			if _, skip := ignore[name]; skip || strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := want[strings.ToLower(filepath.Ext(path))]; !ok {
			return nil
		}
		files = append(files, path)
		if limit > 0 && len(files) >= limit {
			return errLimit
		}
		return nil
	})
	sort.Strings(files)
	return files
}
