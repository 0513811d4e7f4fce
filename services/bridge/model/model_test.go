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
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rng(sl, sc, el, ec int) Range {
	return Range{Start: Position{Line: sl, Character: sc}, End: Position{Line: el, Character: ec}}
}

func TestDiagnosticID(t *testing.T) {
	a := DiagnosticID("a.rs", rng(1, 2, 1, 5), "rustc", "mismatched types")

	assert.Len(t, a, 16)
	assert.Equal(t, a, DiagnosticID("a.rs", rng(1, 2, 1, 5), "rustc", "mismatched types"))
	assert.NotEqual(t, a, DiagnosticID("b.rs", rng(1, 2, 1, 5), "rustc", "mismatched types"))
	assert.NotEqual(t, a, DiagnosticID("a.rs", rng(1, 3, 1, 5), "rustc", "mismatched types"))
	assert.NotEqual(t, a, DiagnosticID("a.rs", rng(1, 2, 1, 5), "clippy", "mismatched types"))
	assert.NotEqual(t, a, DiagnosticID("a.rs", rng(1, 2, 1, 5), "rustc", "other"))
}

func TestNormalize(t *testing.T) {
	d := Diagnostic{
		FilePath:     "x.go",
		Range:        rng(4, 0, 2, 3),
		Severity:     0,
		Source:       "gopls",
		Message:      "boom",
		SuggestedFix: &SuggestedFix{Confidence: 1.7},
	}

	n := d.Normalize()

	assert.Equal(t, rng(2, 3, 4, 0), n.Range)
	assert.True(t, n.Range.Valid())
	assert.Equal(t, SeverityError, n.Severity)
	assert.Equal(t, DiagnosticID("x.go", n.Range, "gopls", "boom"), n.ID)
	assert.Equal(t, 1.0, n.SuggestedFix.Confidence)
	assert.Equal(t, 1.7, d.SuggestedFix.Confidence, "original must not be mutated")
}

func TestNormalize_InvalidUTF8(t *testing.T) {
	d := Diagnostic{
		FilePath:     "/w/a.c",
		Range:        rng(0, 0, 0, 1),
		Severity:     SeverityWarning,
		Source:       "clang\xff",
		Code:         "W\xfe1",
		Message:      "caf\xe9 is unused",
		Context:      []ContextLine{{Number: 1, Text: "/* caf\xe9 */"}},
		SuggestedFix: &SuggestedFix{Title: "remove caf\xe9", Confidence: 0.5},
	}.Normalize()

	assert.Equal(t, "caf\uFFFD is unused", d.Message)
	assert.Equal(t, "clang\uFFFD", d.Source)
	assert.Equal(t, "W\uFFFD1", d.Code)
	assert.Equal(t, "/* caf\uFFFD */", d.Context[0].Text)
	assert.Equal(t, "remove caf\uFFFD", d.SuggestedFix.Title)

	data, err := json.Marshal(d)
	require.NoError(t, err)
	var back Diagnostic
	require.NoError(t, json.Unmarshal(data, &back))
	again, err := json.Marshal(back)
	require.NoError(t, err)
	assert.Equal(t, string(data), string(again))
}

func TestSeverityText(t *testing.T) {
	for _, sev := range []Severity{SeverityError, SeverityWarning, SeverityInformation, SeverityHint} {
		text, err := sev.MarshalText()
		require.NoError(t, err)

		var back Severity
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, sev, back)
	}

	_, err := Severity(9).MarshalText()
	assert.Error(t, err)

	_, err = ParseSeverity("fatal")
	assert.Error(t, err)
}

func TestRangeOverlaps(t *testing.T) {
	tests := []struct {
		name string
		a, b Range
		want bool
	}{
		{"disjoint", rng(0, 0, 0, 3), rng(0, 5, 0, 8), false},
		{"adjacent", rng(0, 0, 0, 3), rng(0, 3, 0, 8), false},
		{"nested", rng(0, 0, 2, 0), rng(1, 0, 1, 4), true},
		{"partial", rng(0, 0, 0, 5), rng(0, 4, 0, 8), true},
		{"insert inside", rng(0, 2, 0, 2), rng(0, 0, 0, 5), true},
		{"insert at edge", rng(0, 5, 0, 5), rng(0, 0, 0, 5), true},
		{"insert outside", rng(0, 7, 0, 7), rng(0, 0, 0, 5), false},
		{"same insertion point", rng(3, 1, 3, 1), rng(3, 1, 3, 1), true},
		{"different insertion points", rng(3, 1, 3, 1), rng(3, 2, 3, 2), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Overlaps(tt.b))
			assert.Equal(t, tt.want, tt.b.Overlaps(tt.a))
		})
	}
}

func TestSuggestedFixValidate(t *testing.T) {
	assert.NoError(t, SuggestedFix{Confidence: 0}.Validate())
	assert.NoError(t, SuggestedFix{Confidence: 1}.Validate())
	assert.ErrorIs(t, SuggestedFix{Confidence: math.NaN()}.Validate(), ErrInvalidConfidence)
	assert.ErrorIs(t, SuggestedFix{Confidence: math.Inf(1)}.Validate(), ErrInvalidConfidence)
	assert.ErrorIs(t, SuggestedFix{Confidence: -0.1}.Validate(), ErrInvalidConfidence)
	assert.Error(t, SuggestedFix{Confidence: 0.5, Edits: []TextEdit{{Range: rng(2, 0, 1, 0)}}}.Validate())
}

func TestSuggestedFixTarget(t *testing.T) {
	fix := SuggestedFix{Edits: []TextEdit{
		{Range: rng(3, 4, 3, 8)},
		{Range: rng(1, 0, 1, 2)},
	}}
	assert.Equal(t, rng(1, 0, 3, 8), fix.Target())
}

func TestDedup(t *testing.T) {
	d := Diagnostic{FilePath: "a.ts", Range: rng(1, 0, 1, 4), Source: "ts", Message: "x"}
	other := d
	other.Source = "eslint"

	out := Dedup([]Diagnostic{d, d, other, d})

	require.Len(t, out, 2)
	assert.Equal(t, "ts", out[0].Source)
	assert.Equal(t, "eslint", out[1].Source)
}

func TestNewSnapshot(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	diags := []Diagnostic{
		{FilePath: "b.rs", Range: rng(5, 0, 5, 1), Severity: SeverityWarning, Source: "rustc", Message: "w"},
		{FilePath: "a.rs", Range: rng(9, 0, 9, 1), Severity: SeverityError, Source: "rustc", Message: "e2"},
		{FilePath: "a.rs", Range: rng(1, 0, 1, 1), Severity: SeverityError, Source: "rustc", Message: "e1"},
		{FilePath: "a.rs", Range: rng(1, 0, 1, 1), Severity: SeverityError, Source: "rustc", Message: "e1"},
	}

	s := NewSnapshot("/ws", at, []string{"c.rs"}, diags, nil)

	assert.Equal(t, []string{"a.rs", "b.rs", "c.rs"}, s.Files)
	require.Len(t, s.Diagnostics, 3)
	assert.Equal(t, "e1", s.Diagnostics[0].Message)
	assert.Equal(t, "e2", s.Diagnostics[1].Message)
	assert.Equal(t, "b.rs", s.Diagnostics[2].FilePath)
	assert.Equal(t, Counts{Errors: 2, Warnings: 1}, s.Counts())
	assert.Equal(t, Counts{}, s.FileCounts()["c.rs"])
	assert.True(t, s.HasFile("c.rs"))
	assert.False(t, s.HasFile("d.rs"))
	assert.NotEmpty(t, s.ID)
}

func TestSnapshotWithFiles(t *testing.T) {
	diags := []Diagnostic{
		{FilePath: "a.rs", Severity: SeverityError, Message: "a"},
		{FilePath: "b.rs", Severity: SeverityError, Message: "b"},
	}
	stale := []StaleServer{{ServerID: "ra", Reason: "timeout", Files: []string{"a.rs", "b.rs"}}}
	s := NewSnapshot("/ws", time.Now(), nil, diags, stale)

	sub := s.WithFiles([]string{"b.rs"})

	assert.Equal(t, []string{"b.rs"}, sub.Files)
	require.Len(t, sub.Diagnostics, 1)
	assert.Equal(t, "b", sub.Diagnostics[0].Message)
	require.Len(t, sub.Stale, 1)
	assert.Equal(t, []string{"b.rs"}, sub.Stale[0].Files)
	assert.Len(t, s.Diagnostics, 2, "original snapshot unchanged")
}

func TestParseScope(t *testing.T) {
	s, err := ParseScope("current", "main.go")
	require.NoError(t, err)
	assert.Equal(t, Scope{Kind: ScopeFile, File: "main.go"}, s)

	s, err = ParseScope("errors-only", "")
	require.NoError(t, err)
	assert.Equal(t, ScopeErrors, s.Kind)

	_, err = ParseScope("nearby", "")
	assert.Error(t, err)
}

func TestDiagnosticJSON(t *testing.T) {
	d := Diagnostic{
		FilePath: "a.rs",
		Range:    rng(0, 1, 0, 2),
		Severity: SeverityHint,
		Source:   "clippy",
		Message:  "consider",
	}.Normalize()

	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"severity":"hint"`)

	var back Diagnostic
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, d, back)
}
