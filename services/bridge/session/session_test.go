// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/lspbridge/services/bridge/config"
	"github.com/AleutianAI/lspbridge/services/bridge/history"
	"github.com/AleutianAI/lspbridge/services/bridge/lsp"
	"github.com/AleutianAI/lspbridge/services/bridge/model"
)

func writeTree(t *testing.T, root string, files ...string) {
	t.Helper()
	for _, f := range files {
		p := filepath.Join(root, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("x\n"), 0o644))
	}
}

func fakeServerConfig() config.Config {
	cfg := config.Default()
	cfg.Servers = []config.ServerConfig{{
		ID:         "xyz-ls",
		Command:    "lspbridge-test-no-such-server",
		Extensions: []string{".xyz"},
	}}
	return cfg
}

func TestWorkspaceFiles(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root,
		"main.go",
		"pkg/util.go",
		"pkg/README.md",
		"vendor/dep/dep.go",
		"node_modules/x/index.go",
		".cache/gen.go",
		"sub/UPPER.GO",
	)

	files := WorkspaceFiles(root, []string{".go"}, 0)
	assert.Equal(t, []string{
		filepath.Join(root, "main.go"),
		filepath.Join(root, "pkg", "util.go"),
		filepath.Join(root, "sub", "UPPER.GO"),
	}, files)

	assert.Len(t, WorkspaceFiles(root, []string{".go"}, 2), 2)
	assert.Empty(t, WorkspaceFiles(root, []string{".rs"}, 0))
}

func TestConnect_NoMatchingFiles(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "notes.txt")

	s, err := Open(context.Background(), Options{Root: root, Config: fakeServerConfig()})
	require.NoError(t, err)
	defer s.Close(context.Background())

	_, err = s.Connect(context.Background())
	assert.ErrorIs(t, err, ErrNoServers)
	assert.ErrorIs(t, err, lsp.ErrServerUnavailable)
}

func TestConnect_AllServersUnavailable(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "a.xyz")

	s, err := Open(context.Background(), Options{Root: root, Config: fakeServerConfig()})
	require.NoError(t, err)
	defer s.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	results, err := s.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, lsp.ErrServerUnavailable))
	require.Len(t, results, 1)
	assert.Equal(t, "xyz-ls", results[0].ServerID)
	assert.Error(t, results[0].Err)
}

func TestCollect_NoServers(t *testing.T) {
	root := t.TempDir()
	s, err := Open(context.Background(), Options{Root: root, Config: fakeServerConfig()})
	require.NoError(t, err)
	defer s.Close(context.Background())

	snap, err := s.Collect(context.Background(), model.WorkspaceScope, nil)
	require.NoError(t, err)
	assert.Empty(t, snap.Diagnostics)
	assert.Empty(t, snap.Stale)
}

func TestOpen_PersistentHistory(t *testing.T) {
	root := t.TempDir()
	cfg := fakeServerConfig()
	cfg.History.Path = ".lspbridge/history"

	s, err := Open(context.Background(), Options{Root: root, Config: cfg})
	require.NoError(t, err)
	snap := model.NewSnapshot(root, time.Now(), []string{filepath.Join(root, "a.xyz")}, nil, nil)
	_, err = s.History.Record(context.Background(), snap, history.TriggerManual)
	require.NoError(t, err)
	require.NoError(t, s.Close(context.Background()))

	assert.DirExists(t, filepath.Join(root, ".lspbridge", "history"))

	s, err = Open(context.Background(), Options{Root: root, Config: cfg})
	require.NoError(t, err)
	defer s.Close(context.Background())
	assert.Equal(t, 1, s.History.Len())
}

func TestOpen_InvalidPrivacyRule(t *testing.T) {
	cfg := fakeServerConfig()
	cfg.Privacy.Rules = []config.RuleConfig{{Level: "default", Name: "bad", Pattern: "("}}

	_, err := Open(context.Background(), Options{Root: t.TempDir(), Config: cfg})
	assert.Error(t, err)
}

func TestExporter_ResolvesOpenFiles(t *testing.T) {
	root := t.TempDir()
	s, err := Open(context.Background(), Options{Root: root, Config: fakeServerConfig()})
	require.NoError(t, err)
	defer s.Close(context.Background())

	e := s.Exporter([]string{"src/a.xyz", filepath.Join(root, "b.xyz")})
	assert.Equal(t, []string{
		filepath.Join(root, "src", "a.xyz"),
		filepath.Join(root, "b.xyz"),
	}, e.OpenFiles)
	assert.Same(t, s.Filter, e.Filter)
}
