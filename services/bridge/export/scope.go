// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package export

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/AleutianAI/lspbridge/services/bridge/model"
)

// ErrEmptySelection is returned when a scope resolves to no files.
var ErrEmptySelection = errors.New("scope selects no files")

// SelectionError reports which scope came up empty.
type SelectionError struct {
	Scope  model.Scope
	Reason string
}

func (e *SelectionError) Error() string {
	return fmt.Sprintf("%s: scope %s: %s", ErrEmptySelection, e.Scope, e.Reason)
}

func (e *SelectionError) Unwrap() error {
	return ErrEmptySelection
}

// ResolveScope restricts snapshot to scope.
//
// Description:
//
//	Resolution happens before rendering so that every format shares the
//	same selection. Only an empty file set is an error: a selected file
//	without diagnostics is a normal, empty report. A file scope may name a
//	file the snapshot does not track; it is selected anyway.
//
// Inputs:
//
//	snapshot - The captured workspace state.
//	scope - The selection. Relative files are resolved against the root.
//	openFiles - Files open in the caller's editor, for the open scope.
//
// Outputs:
//
//	model.Snapshot - The restricted snapshot.
//	error - *SelectionError wrapping ErrEmptySelection.
func ResolveScope(snapshot model.Snapshot, scope model.Scope, openFiles []string) (model.Snapshot, error) {
	switch scope.Kind {
	case model.ScopeWorkspace, "":
		if len(snapshot.Files) == 0 {
			return model.Snapshot{}, &SelectionError{Scope: scope, Reason: "workspace has no tracked files"}
		}
		return snapshot, nil

	case model.ScopeFile:
		if scope.File == "" {
			return model.Snapshot{}, &SelectionError{Scope: scope, Reason: "no current file"}
		}
		return snapshot.WithFiles([]string{resolvePath(snapshot.Root, scope.File)}), nil

	case model.ScopeOpen:
		if len(openFiles) == 0 {
			return model.Snapshot{}, &SelectionError{Scope: scope, Reason: "no open files"}
		}
		files := make([]string, len(openFiles))
		for i, f := range openFiles {
			files[i] = resolvePath(snapshot.Root, f)
		}
		return snapshot.WithFiles(files), nil

	case model.ScopeErrors:
		if len(snapshot.Files) == 0 {
			return model.Snapshot{}, &SelectionError{Scope: scope, Reason: "workspace has no tracked files"}
		}
		return snapshot.Filter(func(d model.Diagnostic) bool {
			return d.Severity == model.SeverityError
		}), nil
	}
	return model.Snapshot{}, fmt.Errorf("unknown scope kind %q", scope.Kind)
}

func resolvePath(root, path string) string {
	if filepath.IsAbs(path) || root == "" {
		return filepath.Clean(path)
	}
	return filepath.Join(root, path)
}
