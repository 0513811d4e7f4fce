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
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
)

// Syncer forwards on-disk changes to the owning language servers.
type Syncer interface {
	SyncDocument(ctx context.Context, path string) error
	OwnerIDs(path string) []string
}

// FileSyncOptions configures FileSync.
type FileSyncOptions struct {
	// Debounce is how long to wait for more fs events before syncing.
	// Default: 100ms
	Debounce time.Duration

	// Ignore lists directory or file base names that are never watched.
	// Default: DefaultIgnore
	Ignore []string

	// Rate and Burst bound sync notifications per server.
	// Default: 20/s, burst 10
	Rate  rate.Limit
	Burst int

	Logger *slog.Logger
}

// DefaultIgnore are directories skipped when walking the workspace.
var DefaultIgnore = []string{".git", ".hg", ".svn", "node_modules", "target", "vendor", ".idea", "__pycache__", ".venv", "dist", "build"}

// FileSync watches a workspace tree and tells the owning servers about
// files that changed on disk, so their diagnostics follow saves made
// outside the editor.
//
// Thread Safety: Run must be called once.
type FileSync struct {
	root    string
	target  Syncer
	opts    FileSyncOptions
	ignore  map[string]struct{}
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewFileSync creates a syncer for root. Call Run to start it.
func NewFileSync(root string, target Syncer, opts FileSyncOptions) (*FileSync, error) {
	if target == nil {
		return nil, errors.New("file sync target must not be nil")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 100 * time.Millisecond
	}
	if opts.Ignore == nil {
		opts.Ignore = DefaultIgnore
	}
	if opts.Rate <= 0 {
		opts.Rate = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = 10
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ignore := make(map[string]struct{}, len(opts.Ignore))
	for _, name := range opts.Ignore {
		ignore[name] = struct{}{}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	return &FileSync{
		root:     abs,
		target:   target,
		opts:     opts,
		ignore:   ignore,
		watcher:  w,
		logger:   logger.With(slog.String("component", "filesync")),
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

// Run watches until ctx is done, then releases the fs watcher.
func (s *FileSync) Run(ctx context.Context) error {
	defer s.watcher.Close()
	if err := s.addRecursive(s.root); err != nil {
		return fmt.Errorf("watch %s: %w", s.root, err)
	}

	batch := make(map[string]struct{})
	timer := time.NewTimer(s.opts.Debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-s.watcher.Events:
			if !ok {
				return nil
			}
			if s.ignored(ev.Name) {
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := s.addRecursive(ev.Name); err != nil {
						s.logger.Debug("watch new directory failed", slog.String("dir", ev.Name), slog.String("error", err.Error()))
					}
					continue
				}
			}
			if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
				continue
			}
			batch[ev.Name] = struct{}{}
			timer.Reset(s.opts.Debounce)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("fs watcher error", slog.String("error", err.Error()))

		case <-timer.C:
			paths := make([]string, 0, len(batch))
			for p := range batch {
				paths = append(paths, p)
			}
			batch = make(map[string]struct{})
			sort.Strings(paths)
			for _, p := range paths {
				if ctx.Err() != nil {
					return nil
				}
				s.sync(ctx, p)
			}
		}
	}
}

// sync forwards one path, waiting on each owning server's limiter.
func (s *FileSync) sync(ctx context.Context, path string) {
	owners := s.target.OwnerIDs(path)
	if len(owners) == 0 {
		return
	}
	for _, id := range owners {
		if err := s.limiter(id).Wait(ctx); err != nil {
			filesSynced.WithLabelValues("limited").Inc()
			return
		}
	}
	if err := s.target.SyncDocument(ctx, path); err != nil {
		filesSynced.WithLabelValues("error").Inc()
		s.logger.Debug("sync document failed", slog.String("file", path), slog.String("error", err.Error()))
		return
	}
	filesSynced.WithLabelValues("ok").Inc()
}

func (s *FileSync) limiter(serverID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[serverID]
	if !ok {
		l = rate.NewLimiter(s.opts.Rate, s.opts.Burst)
		s.limiters[serverID] = l
	}
	return l
}

func (s *FileSync) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != s.root && s.ignored(path) {
			return filepath.SkipDir
		}
		return s.watcher.Add(path)
	})
}

// ignored reports whether any element of path below root is ignored.
func (s *FileSync) ignored(path string) bool {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return false
	}
	for dir := rel; dir != "." && dir != string(filepath.Separator); dir = filepath.Dir(dir) {
		if _, ok := s.ignore[filepath.Base(dir)]; ok {
			return true
		}
	}
	return false
}
