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
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ServerSpec describes how to reach one language server.
type ServerSpec struct {
	// ID names the server uniquely (e.g., "gopls", "eslint").
	ID string `yaml:"id" toml:"id" json:"id" validate:"required"`

	// Command is the executable name or path.
	Command string `yaml:"command" toml:"command" json:"command" validate:"required"`

	// Args are command-line arguments to pass to the server.
	Args []string `yaml:"args,omitempty" toml:"args" json:"args,omitempty"`

	// Extensions are the file extensions the server owns (e.g., ".go").
	Extensions []string `yaml:"extensions" toml:"extensions" json:"extensions" validate:"min=1"`

	// RootFiles mark a workspace the server applies to (e.g., "go.mod").
	// Empty means the server applies to any workspace with matching files.
	RootFiles []string `yaml:"root_files,omitempty" toml:"root_files" json:"root_files,omitempty"`

	// Adapter selects the diagnostic translator; empty picks one by ID.
	Adapter string `yaml:"adapter,omitempty" toml:"adapter" json:"adapter,omitempty"`

	// InitializationOptions are passed verbatim in the initialize request.
	InitializationOptions map[string]any `yaml:"initialization_options,omitempty" toml:"initialization_options" json:"initialization_options,omitempty"`
}

// Owns reports whether the server handles path by extension.
func (s ServerSpec) Owns(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range s.Extensions {
		if strings.ToLower(e) == ext {
			return true
		}
	}
	return false
}

// AppliesTo reports whether root contains one of s.RootFiles.
func (s ServerSpec) AppliesTo(root string) bool {
	if len(s.RootFiles) == 0 {
		return true
	}
	for _, f := range s.RootFiles {
		if _, err := os.Stat(filepath.Join(root, f)); err == nil {
			return true
		}
	}
	return false
}

// DefaultServerSpecs returns the built-in server table.
func DefaultServerSpecs() []ServerSpec {
	return []ServerSpec{
		{
			ID:         "gopls",
			Command:    "gopls",
			Args:       []string{"serve"},
			Extensions: []string{".go"},
			RootFiles:  []string{"go.mod", "go.work"},
		},
		{
			ID:         "rust-analyzer",
			Command:    "rust-analyzer",
			Extensions: []string{".rs"},
			RootFiles:  []string{"Cargo.toml"},
			Adapter:    "rust-analyzer",
		},
		{
			ID:         "typescript",
			Command:    "typescript-language-server",
			Args:       []string{"--stdio"},
			Extensions: []string{".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs"},
			RootFiles:  []string{"tsconfig.json", "jsconfig.json", "package.json"},
			Adapter:    "typescript",
		},
		{
			ID:         "pyright",
			Command:    "pyright-langserver",
			Args:       []string{"--stdio"},
			Extensions: []string{".py", ".pyi"},
			RootFiles:  []string{"pyproject.toml", "requirements.txt", "setup.py", "pyrightconfig.json"},
			Adapter:    "pyright",
		},
		{
			ID:         "clangd",
			Command:    "clangd",
			Extensions: []string{".c", ".h", ".cc", ".cpp", ".cxx", ".hpp", ".hh"},
			RootFiles:  []string{"compile_commands.json", "CMakeLists.txt", "Makefile"},
		},
	}
}

// Registry indexes server specs by ID and by extension.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]ServerSpec
	byExt map[string][]string // extension -> server IDs, registration order
}

// NewRegistry creates a registry holding specs. Pass DefaultServerSpecs()
// for the built-in table.
func NewRegistry(specs ...ServerSpec) (*Registry, error) {
	r := &Registry{
		byID:  make(map[string]ServerSpec),
		byExt: make(map[string][]string),
	}
	for _, s := range specs {
		if err := r.Register(s); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds or replaces a spec.
func (r *Registry) Register(spec ServerSpec) error {
	if spec.ID == "" || spec.Command == "" {
		return fmt.Errorf("server spec needs id and command: %+v", spec)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byID[spec.ID]; ok {
		for _, ext := range old.Extensions {
			r.byExt[ext] = removeID(r.byExt[ext], spec.ID)
		}
	}
	r.byID[spec.ID] = spec
	for _, ext := range spec.Extensions {
		ext = strings.ToLower(ext)
		r.byExt[ext] = append(r.byExt[ext], spec.ID)
	}
	return nil
}

// Get returns the server spec registered as id.
func (r *Registry) Get(id string) (ServerSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// ForFile returns the IDs of every server owning path's extension.
func (r *Registry) ForFile(path string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byExt[strings.ToLower(filepath.Ext(path))]
	return append([]string(nil), ids...)
}

// Specs returns every spec sorted by ID.
func (r *Registry) Specs() []ServerSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServerSpec, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Extensions returns every registered extension, sorted.
func (r *Registry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byExt))
	for ext, ids := range r.byExt {
		if len(ids) > 0 {
			out = append(out, ext)
		}
	}
	sort.Strings(out)
	return out
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
