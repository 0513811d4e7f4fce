// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

import (
	"fmt"
	"strings"
)

// ScopeKind selects which part of the workspace a request covers.
type ScopeKind string

const (
	// ScopeWorkspace covers every tracked file.
	ScopeWorkspace ScopeKind = "workspace"

	// ScopeFile covers the single current file named by Scope.File.
	ScopeFile ScopeKind = "file"

	// ScopeOpen covers the files open in the caller's editor.
	ScopeOpen ScopeKind = "open"

	// ScopeErrors covers every tracked file but only error diagnostics.
	ScopeErrors ScopeKind = "errors"
)

// Scope is a selection of files. File is only meaningful for ScopeFile.
type Scope struct {
	Kind ScopeKind `json:"kind"`
	File string    `json:"file,omitempty"`
}

// WorkspaceScope is the default scope.
var WorkspaceScope = Scope{Kind: ScopeWorkspace}

// ParseScope converts a CLI or config value to a Scope.
//
// Accepted kinds are workspace, file (alias current), open, and errors
// (alias errors-only).
func ParseScope(kind, file string) (Scope, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "workspace", "all":
		return Scope{Kind: ScopeWorkspace}, nil
	case "file", "current", "current-file":
		return Scope{Kind: ScopeFile, File: file}, nil
	case "open", "open-files":
		return Scope{Kind: ScopeOpen}, nil
	case "errors", "errors-only":
		return Scope{Kind: ScopeErrors}, nil
	}
	return Scope{}, fmt.Errorf("unknown scope %q", kind)
}

// String returns the scope kind, with the file for file scopes.
func (s Scope) String() string {
	if s.Kind == ScopeFile && s.File != "" {
		return string(s.Kind) + ":" + s.File
	}
	return string(s.Kind)
}
