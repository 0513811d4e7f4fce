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
	"encoding/json"
	"errors"
	"testing"

	"github.com/AleutianAI/lspbridge/services/bridge/model"
)

func TestAdapterFor(t *testing.T) {
	tests := []struct {
		spec ServerSpec
		want string
	}{
		{ServerSpec{ID: "gopls"}, "generic"},
		{ServerSpec{ID: "rust-analyzer"}, "rust-analyzer"},
		{ServerSpec{ID: "tsserver", Adapter: "TypeScript"}, "typescript"},
		{ServerSpec{ID: "eslint"}, "eslint"},
		{ServerSpec{ID: "x", Adapter: "unknown"}, "generic"},
	}
	for _, tt := range tests {
		if got := AdapterFor(tt.spec).Name(); got != tt.want {
			t.Errorf("AdapterFor(%+v) = %s, want %s", tt.spec, got, tt.want)
		}
	}
}

func TestTranslate(t *testing.T) {
	uri := "file:///w/src/main.rs"

	t.Run("generic fills source and normalizes", func(t *testing.T) {
		raw := diag(3, 9, 2, 0, "", "message with trailing space \n")
		raw.Code = json.RawMessage(`42`)
		got, err := genericAdapter{}.Translate("gopls", PublishDiagnosticsParams{URI: uri, Diagnostics: []Diagnostic{raw}})
		if err != nil {
			t.Fatalf("Translate: %v", err)
		}
		d := got[0]
		if d.Source != "gopls" || d.ServerID != "gopls" {
			t.Errorf("source/server = %q/%q", d.Source, d.ServerID)
		}
		if d.Severity != model.SeverityError {
			t.Errorf("missing severity should default to error, got %v", d.Severity)
		}
		if d.Range.Start.Character != 2 || d.Range.End.Character != 9 {
			t.Errorf("inverted range not repaired: %v", d.Range)
		}
		if d.Message != "message with trailing space" || d.Code != "42" {
			t.Errorf("message/code = %q/%q", d.Message, d.Code)
		}
		if d.FilePath != URIToPath(uri) || d.ID == "" {
			t.Errorf("unexpected diagnostic %+v", d)
		}
	})

	t.Run("non-file URIs are protocol errors", func(t *testing.T) {
		_, err := genericAdapter{}.Translate("x", PublishDiagnosticsParams{URI: "untitled:1"})
		if !errors.Is(err, ErrProtocol) {
			t.Errorf("err = %v, want ErrProtocol", err)
		}
		_, err = genericAdapter{}.Translate("x", PublishDiagnosticsParams{})
		if !errors.Is(err, ErrProtocol) {
			t.Errorf("err = %v, want ErrProtocol", err)
		}
	})

	t.Run("rust-analyzer recovers messages from rendered output", func(t *testing.T) {
		raw := diag(0, 0, 1, 1, "rustc", "")
		raw.Data = json.RawMessage(`{"rendered":"error: mismatched types\n --> src/main.rs:1:1"}`)
		got, err := rustAnalyzerAdapter{}.Translate("rust-analyzer", PublishDiagnosticsParams{URI: uri, Diagnostics: []Diagnostic{raw}})
		if err != nil {
			t.Fatalf("Translate: %v", err)
		}
		if got[0].Message != "mismatched types" {
			t.Errorf("Message = %q", got[0].Message)
		}
	})

	t.Run("typescript prefixes numeric codes", func(t *testing.T) {
		raw := diag(0, 0, 1, 1, "ts", "Type 'string' is not assignable to type 'number'.")
		raw.Code = json.RawMessage(`2322`)
		got, _ := typescriptAdapter{}.Translate("typescript", PublishDiagnosticsParams{URI: "file:///w/a.ts", Diagnostics: []Diagnostic{raw}})
		if got[0].Code != "TS2322" || got[0].Source != "typescript" {
			t.Errorf("code/source = %q/%q", got[0].Code, got[0].Source)
		}
	})

	t.Run("eslint object codes and missing severity", func(t *testing.T) {
		raw := diag(0, 0, 1, 0, "eslint", "Unexpected var")
		raw.Code = json.RawMessage(`{"value":"no-var","target":"https://eslint.org/docs/rules/no-var"}`)
		got, _ := eslintAdapter{}.Translate("eslint", PublishDiagnosticsParams{URI: "file:///w/a.js", Diagnostics: []Diagnostic{raw}})
		if got[0].Code != "no-var" || got[0].Severity != model.SeverityWarning {
			t.Errorf("code/severity = %q/%v", got[0].Code, got[0].Severity)
		}
	})

	t.Run("pyright marks unnecessary code", func(t *testing.T) {
		raw := diag(0, 0, 1, 4, "Pyright", "\"os\" is not accessed")
		raw.Tags = []int{diagnosticTagUnnecessary}
		got, _ := pyrightAdapter{}.Translate("pyright", PublishDiagnosticsParams{URI: "file:///w/a.py", Diagnostics: []Diagnostic{raw}})
		if got[0].Code != "unnecessary" || got[0].Source != "pyright" {
			t.Errorf("code/source = %q/%q", got[0].Code, got[0].Source)
		}
	})
}

func TestWeightedScorer(t *testing.T) {
	s := NewWeightedScorer()
	d := model.Diagnostic{FilePath: "/w/src/lib.rs", Code: "E0384", Severity: model.SeverityError}
	edit := &WorkspaceEdit{Changes: map[string][]TextEdit{"file:///w/src/lib.rs": {{NewText: "mut "}}}}

	preferred := s.Score(d, CodeAction{Title: "make mutable", IsPreferred: true, Edit: edit})
	plain := s.Score(d, CodeAction{Title: "make mutable", Edit: edit})
	command := s.Score(d, CodeAction{Title: "make mutable", Command: json.RawMessage(`"rust-analyzer.fix"`)})

	if !(preferred > plain && plain > command) {
		t.Errorf("expected preferred > edit > command, got %.3f %.3f %.3f", preferred, plain, command)
	}
	for _, v := range []float64{preferred, plain, command} {
		if v < 0 || v > 1 {
			t.Errorf("score %v outside [0,1]", v)
		}
	}

	before := s.Score(d, CodeAction{Edit: edit})
	for i := 0; i < 10; i++ {
		s.RecordOutcome("E0384", false)
	}
	if after := s.Score(d, CodeAction{Edit: edit}); after >= before {
		t.Errorf("failures should lower the score: before %.3f after %.3f", before, after)
	}
}

func TestBestFix(t *testing.T) {
	m := NewManager("/w", nil, DefaultManagerConfig())
	uri := "file:///w/src/lib.rs"
	d := model.Diagnostic{FilePath: "/w/src/lib.rs", Code: "E0384", Severity: model.SeverityError}

	actions := []CodeAction{
		{Title: "refactor", Kind: "refactor.extract", Edit: &WorkspaceEdit{Changes: map[string][]TextEdit{uri: {{NewText: "x"}}}}},
		{Title: "touches two files", Kind: "quickfix", Edit: &WorkspaceEdit{Changes: map[string][]TextEdit{
			uri: {{NewText: "a"}}, "file:///w/src/other.rs": {{NewText: "b"}},
		}}},
		{Title: "make binding mutable", Kind: "quickfix", IsPreferred: true, Edit: &WorkspaceEdit{Changes: map[string][]TextEdit{
			uri: {{Range: Range{Start: Position{4, 8}, End: Position{4, 8}}, NewText: "mut "}},
		}}},
	}
	fix := m.bestFix(uri, d, actions)
	if fix == nil {
		t.Fatal("bestFix returned nil")
	}
	if fix.Title != "make binding mutable" || !fix.Preferred || len(fix.Edits) != 1 {
		t.Errorf("fix = %+v", fix)
	}
	if fix.Edits[0].NewText != "mut " || fix.Confidence <= 0 {
		t.Errorf("fix edits/confidence = %+v / %v", fix.Edits, fix.Confidence)
	}

	if got := m.bestFix(uri, d, actions[:2]); got != nil {
		t.Errorf("expected no usable fix, got %+v", got)
	}

	cmd := m.bestFix(uri, d, []CodeAction{{Title: "organize", Command: json.RawMessage(`{"title":"organize","command":"source.organize","arguments":[1]}`)}})
	if cmd == nil || cmd.Command == nil || cmd.Command.Command != "source.organize" {
		t.Errorf("command fix = %+v", cmd)
	}
}
