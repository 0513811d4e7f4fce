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
	"errors"
	"path/filepath"
	"runtime"
	"testing"
)

func TestPathToURI(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX paths")
	}
	tests := []struct {
		path string
		uri  string
	}{
		{"/home/u/project/main.go", "file:///home/u/project/main.go"},
		{"/tmp/with space/a.rs", "file:///tmp/with%20space/a.rs"},
	}
	for _, tt := range tests {
		if got := PathToURI(tt.path); got != tt.uri {
			t.Errorf("PathToURI(%q) = %q, want %q", tt.path, got, tt.uri)
		}
		if got := URIToPath(tt.uri); got != filepath.FromSlash(tt.path) {
			t.Errorf("URIToPath(%q) = %q, want %q", tt.uri, got, tt.path)
		}
	}
	if got := URIToPath("untitled:Untitled-1"); got != "untitled:Untitled-1" {
		t.Errorf("non-file URI changed: %q", got)
	}
}

func TestByteOffset(t *testing.T) {
	text := "ab\n😀x\r\nlast"
	tests := []struct {
		name    string
		pos     Position
		want    int
		wantErr bool
	}{
		{"start", Position{0, 0}, 0, false},
		{"mid first line", Position{0, 1}, 1, false},
		{"past line end clamps", Position{0, 99}, 2, false},
		{"surrogate pair counts two units", Position{1, 2}, 7, false},
		{"after surrogate pair", Position{1, 3}, 8, false},
		{"CR is not content", Position{1, 9}, 8, false},
		{"last line", Position{2, 4}, len(text), false},
		{"line beyond end", Position{5, 0}, 0, true},
		{"negative", Position{-1, 0}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := byteOffset(text, tt.pos)
			if tt.wantErr {
				if !errors.Is(err, ErrStaleDocument) {
					t.Errorf("err = %v, want ErrStaleDocument", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("byteOffset: %v", err)
			}
			if got != tt.want {
				t.Errorf("byteOffset(%v) = %d, want %d", tt.pos, got, tt.want)
			}
		})
	}

	t.Run("position after trailing newline", func(t *testing.T) {
		got, err := byteOffset("a\nb\n", Position{2, 0})
		if err != nil || got != 4 {
			t.Errorf("byteOffset = %d, %v; want 4", got, err)
		}
	})
}

func TestApplyTextEdits(t *testing.T) {
	text := "let x = 1;\nlet y = 2;\n"

	t.Run("applies edits in any order", func(t *testing.T) {
		got, err := applyTextEdits(text, []TextEdit{
			{Range: Range{Start: Position{1, 4}, End: Position{1, 5}}, NewText: "mut y"},
			{Range: Range{Start: Position{0, 4}, End: Position{0, 5}}, NewText: "mut x"},
		})
		if err != nil {
			t.Fatalf("applyTextEdits: %v", err)
		}
		if want := "let mut x = 1;\nlet mut y = 2;\n"; got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	})

	t.Run("insertions at the same point keep their order", func(t *testing.T) {
		got, err := applyTextEdits("ab", []TextEdit{
			{Range: Range{Start: Position{0, 1}, End: Position{0, 1}}, NewText: "1"},
			{Range: Range{Start: Position{0, 1}, End: Position{0, 1}}, NewText: "2"},
		})
		if err != nil || got != "a12b" {
			t.Errorf("got %q, %v; want a12b", got, err)
		}
	})

	t.Run("overlapping edits are rejected", func(t *testing.T) {
		_, err := applyTextEdits(text, []TextEdit{
			{Range: Range{Start: Position{0, 0}, End: Position{0, 6}}, NewText: ""},
			{Range: Range{Start: Position{0, 4}, End: Position{0, 8}}, NewText: ""},
		})
		if !errors.Is(err, ErrStaleDocument) {
			t.Errorf("err = %v, want ErrStaleDocument", err)
		}
	})
}

func TestLanguageIDFor(t *testing.T) {
	cases := map[string]string{
		"a.go": "go", "b.rs": "rust", "c.tsx": "typescriptreact",
		"d.PY": "python", "e.cpp": "cpp", "f.zig": "zig",
	}
	for path, want := range cases {
		if got := languageIDFor(path); got != want {
			t.Errorf("languageIDFor(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestRegistry(t *testing.T) {
	reg, err := NewRegistry(DefaultServerSpecs()...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if ids := reg.ForFile("/x/main.rs"); len(ids) != 1 || ids[0] != "rust-analyzer" {
		t.Errorf("ForFile(.rs) = %v", ids)
	}
	if ids := reg.ForFile("/x/readme.md"); len(ids) != 0 {
		t.Errorf("ForFile(.md) = %v", ids)
	}

	if err := reg.Register(ServerSpec{ID: "eslint", Command: "vscode-eslint-language-server", Extensions: []string{".ts"}}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if ids := reg.ForFile("a.TS"); len(ids) != 2 {
		t.Errorf("ForFile(.TS) = %v, want typescript and eslint", ids)
	}

	if err := reg.Register(ServerSpec{ID: "eslint", Command: "eslint-ls", Extensions: []string{".js"}}); err != nil {
		t.Fatalf("re-Register: %v", err)
	}
	if ids := reg.ForFile("a.ts"); len(ids) != 1 {
		t.Errorf("replaced spec still owns .ts: %v", ids)
	}
	if err := reg.Register(ServerSpec{ID: "broken"}); err == nil {
		t.Error("expected error for spec without command")
	}

	specs := reg.Specs()
	for i := 1; i < len(specs); i++ {
		if specs[i-1].ID > specs[i].ID {
			t.Fatalf("Specs not sorted: %v", specs)
		}
	}
}

func TestServerSpec_AppliesTo(t *testing.T) {
	root := t.TempDir()
	spec := ServerSpec{ID: "gopls", RootFiles: []string{"go.mod"}}
	if spec.AppliesTo(root) {
		t.Error("AppliesTo without go.mod = true")
	}
	writeFile(t, root, "go.mod", "module x\n")
	if !spec.AppliesTo(root) {
		t.Error("AppliesTo with go.mod = false")
	}
	if !(ServerSpec{}).AppliesTo(root) {
		t.Error("spec without root files should apply everywhere")
	}
}
