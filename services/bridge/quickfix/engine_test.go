// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package quickfix

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/lspbridge/services/bridge/lsp"
	"github.com/AleutianAI/lspbridge/services/bridge/model"
)

type applyCall struct {
	serverID string
	file     string
	title    string
}

// fakeApplier records ApplyEdit calls and fails titles listed in fail.
type fakeApplier struct {
	mu       sync.Mutex
	calls    []applyCall
	fail     map[string]error
	outcomes map[string][]bool
}

func newApplier() *fakeApplier {
	return &fakeApplier{fail: make(map[string]error), outcomes: make(map[string][]bool)}
}

func (f *fakeApplier) ApplyEdit(_ context.Context, serverID, file string, fix model.SuggestedFix) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, applyCall{serverID: serverID, file: file, title: fix.Title})
	return f.fail[fix.Title]
}

func (f *fakeApplier) RecordFixOutcome(code string, success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[code] = append(f.outcomes[code], success)
}

func (f *fakeApplier) titles(file string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c.file == file {
			out = append(out, c.title)
		}
	}
	return out
}

var testTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func lineRange(line, from, to int) model.Range {
	return model.Range{Start: model.Position{Line: line, Character: from}, End: model.Position{Line: line, Character: to}}
}

func withFix(file string, r model.Range, sev model.Severity, title string, confidence float64) model.Diagnostic {
	d := plain(file, r, sev, title)
	d.Code = "E0001"
	d.SuggestedFix = &model.SuggestedFix{
		Title:      title,
		Confidence: confidence,
		Edits:      []model.TextEdit{{Range: r, NewText: "fixed"}},
	}
	return d
}

func plain(file string, r model.Range, sev model.Severity, msg string) model.Diagnostic {
	return model.Diagnostic{
		FilePath: file,
		Range:    r,
		Severity: sev,
		Source:   "test",
		Message:  msg,
		ServerID: "rust-analyzer",
	}.Normalize()
}

func snapshot(diags ...model.Diagnostic) model.Snapshot {
	return model.NewSnapshot("/w", testTime, nil, diags, nil)
}

func TestApply_ThresholdScenario(t *testing.T) {
	fix := withFix("/w/a.rs", lineRange(3, 4, 9), model.SeverityError, "add semicolon", 0.95)
	w1 := plain("/w/b.rs", lineRange(1, 0, 3), model.SeverityWarning, "unused variable")
	w2 := plain("/w/b.rs", lineRange(7, 0, 3), model.SeverityWarning, "dead code")

	applier := newApplier()
	report, err := New(applier, Options{}).Apply(context.Background(), snapshot(fix, w1, w2), 0.9)
	require.NoError(t, err)

	require.Len(t, report.Entries, 1)
	got := report.Entries[0]
	assert.Equal(t, fix.ID, got.DiagnosticID)
	assert.Equal(t, StatusApplied, got.Status)
	assert.Equal(t, "applied", got.Label())
	_, found := report.Find(w1.ID)
	assert.False(t, found)
	_, found = report.Find(w2.ID)
	assert.False(t, found)

	assert.Equal(t, []string{"add semicolon"}, applier.titles("/w/a.rs"))
	assert.Equal(t, "rust-analyzer", applier.calls[0].serverID)
	assert.Equal(t, Counts{Applied: 1}, report.Counts())
	assert.Equal(t, []bool{true}, applier.outcomes["E0001"])
}

func TestApply_OverlapAppliesOne(t *testing.T) {
	strong := withFix("/w/a.rs", lineRange(2, 0, 10), model.SeverityError, "strong", 0.97)
	weak := withFix("/w/a.rs", lineRange(2, 5, 14), model.SeverityError, "weak", 0.93)

	applier := newApplier()
	report, err := New(applier, Options{}).Apply(context.Background(), snapshot(weak, strong), 0.9)
	require.NoError(t, err)

	s, _ := report.Find(strong.ID)
	w, _ := report.Find(weak.ID)
	assert.Equal(t, StatusApplied, s.Status)
	assert.Equal(t, StatusFailed, w.Status)
	assert.Equal(t, "failed(stale-range)", w.Label())
	assert.Equal(t, []string{"strong"}, applier.titles("/w/a.rs"))
}

func TestApply_ReverseDocumentOrder(t *testing.T) {
	first := withFix("/w/a.rs", lineRange(1, 0, 2), model.SeverityError, "first", 0.99)
	middle := withFix("/w/a.rs", lineRange(5, 0, 2), model.SeverityError, "middle", 0.91)
	last := withFix("/w/a.rs", lineRange(9, 0, 2), model.SeverityError, "last", 0.95)

	applier := newApplier()
	report, err := New(applier, Options{}).Apply(context.Background(), snapshot(first, middle, last), 0.9)
	require.NoError(t, err)

	assert.Equal(t, []string{"last", "middle", "first"}, applier.titles("/w/a.rs"))
	require.Len(t, report.Entries, 3)
	assert.Equal(t, first.ID, report.Entries[0].DiagnosticID, "entries are in document order")
	assert.Equal(t, last.ID, report.Entries[2].DiagnosticID)
}

func TestApply_LowConfidenceIsNotAttempted(t *testing.T) {
	low := withFix("/w/a.rs", lineRange(1, 0, 2), model.SeverityError, "low", 0.4)
	applier := newApplier()
	report, err := New(applier, Options{}).Apply(context.Background(), snapshot(low), 0.9)
	require.NoError(t, err)

	require.Len(t, report.Entries, 1)
	assert.Equal(t, "skipped(low-confidence)", report.Entries[0].Label())
	assert.Empty(t, applier.calls)
}

func TestApply_PartialFailure(t *testing.T) {
	bad := withFix("/w/a.rs", lineRange(1, 0, 2), model.SeverityError, "bad", 0.95)
	good := withFix("/w/a.rs", lineRange(4, 0, 2), model.SeverityError, "good", 0.95)
	other := withFix("/w/c.rs", lineRange(4, 0, 2), model.SeverityError, "other", 0.95)
	gone := withFix("/w/d.rs", lineRange(4, 0, 2), model.SeverityError, "gone", 0.95)

	applier := newApplier()
	applier.fail["bad"] = errors.New("server refused")
	applier.fail["gone"] = lsp.ErrStaleDocument
	report, err := New(applier, Options{}).Apply(context.Background(), snapshot(bad, good, other, gone), 0.9)
	require.NoError(t, err)

	b, _ := report.Find(bad.ID)
	assert.Equal(t, "failed(server refused)", b.Label())
	g, _ := report.Find(good.ID)
	assert.Equal(t, StatusApplied, g.Status)
	o, _ := report.Find(other.ID)
	assert.Equal(t, StatusApplied, o.Status)
	d, _ := report.Find(gone.ID)
	assert.Equal(t, "failed(stale-range)", d.Label())
	assert.Equal(t, Counts{Applied: 2, Failed: 2}, report.Counts())
	ok, failed := countOutcomes(applier.outcomes["E0001"])
	assert.Equal(t, 2, ok)
	assert.Equal(t, 2, failed)
}

func countOutcomes(in []bool) (ok, failed int) {
	for _, v := range in {
		if v {
			ok++
		} else {
			failed++
		}
	}
	return ok, failed
}

func TestApply_Confirm(t *testing.T) {
	maybe := withFix("/w/a.rs", lineRange(1, 0, 2), model.SeverityError, "maybe", 0.7)
	no := withFix("/w/a.rs", lineRange(3, 0, 2), model.SeverityError, "no", 0.6)
	tooLow := withFix("/w/a.rs", lineRange(5, 0, 2), model.SeverityError, "too low", 0.2)

	var asked []string
	confirm := func(_ context.Context, d model.Diagnostic) (bool, error) {
		asked = append(asked, d.SuggestedFix.Title)
		return d.SuggestedFix.Title == "maybe", nil
	}
	applier := newApplier()
	report, err := New(applier, Options{Confirm: confirm}).Apply(context.Background(), snapshot(maybe, no, tooLow), 0.9)
	require.NoError(t, err)

	assert.Equal(t, []string{"maybe", "no"}, asked)
	m, _ := report.Find(maybe.ID)
	assert.Equal(t, StatusApplied, m.Status)
	n, _ := report.Find(no.ID)
	assert.Equal(t, "skipped(declined)", n.Label())
	l, _ := report.Find(tooLow.ID)
	assert.Equal(t, "skipped(low-confidence)", l.Label())
}

func TestApply_ConfirmError(t *testing.T) {
	maybe := withFix("/w/a.rs", lineRange(1, 0, 2), model.SeverityError, "maybe", 0.7)
	confirm := func(context.Context, model.Diagnostic) (bool, error) { return false, errors.New("aborted") }

	_, err := New(newApplier(), Options{Confirm: confirm}).Apply(context.Background(), snapshot(maybe), 0.9)
	assert.ErrorContains(t, err, "aborted")
}

func TestApply_InvalidInput(t *testing.T) {
	e := New(newApplier(), Options{})
	for _, th := range []float64{-0.1, 1.5} {
		_, err := e.Apply(context.Background(), snapshot(), th)
		assert.ErrorIs(t, err, ErrInvalidThreshold)
	}

	_, err := New(nil, Options{}).Apply(context.Background(), snapshot(), 0.5)
	assert.Error(t, err)

	broken := withFix("/w/a.rs", lineRange(1, 0, 2), model.SeverityError, "broken", 0.95)
	broken.SuggestedFix.Edits = nil
	report, err := e.Apply(context.Background(), snapshot(broken), 0.5)
	require.NoError(t, err)
	require.Len(t, report.Entries, 1)
	assert.Equal(t, "failed(invalid-fix)", report.Entries[0].Label())
}

func TestApply_CancelledContext(t *testing.T) {
	fix := withFix("/w/a.rs", lineRange(1, 0, 2), model.SeverityError, "fix", 0.95)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	applier := newApplier()
	report, err := New(applier, Options{}).Apply(ctx, snapshot(fix), 0.9)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, report.Entries[0].Status)
	assert.Empty(t, applier.calls)
}

func TestApply_DryRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.go")
	require.NoError(t, os.WriteFile(path, []byte("package main\n\nfunc main() {\n\tx := 1\n}\n"), 0o644))

	d := plain(path, lineRange(3, 1, 7), model.SeverityError, "x declared and not used")
	d.SuggestedFix = &model.SuggestedFix{
		Title:      "use blank identifier",
		Confidence: 0.95,
		Edits:      []model.TextEdit{{Range: lineRange(3, 1, 2), NewText: "_"}},
	}
	cmd := plain(path, lineRange(0, 0, 7), model.SeverityWarning, "organize imports")
	cmd.SuggestedFix = &model.SuggestedFix{
		Title:      "organize imports",
		Confidence: 0.92,
		Command:    &model.Command{Title: "organize", Command: "source.organizeImports"},
	}

	snap := model.NewSnapshot(dir, testTime, nil, []model.Diagnostic{d, cmd}, nil)
	report, err := New(nil, Options{DryRun: true}).Apply(context.Background(), snap, 0.9)
	require.NoError(t, err)

	assert.True(t, report.DryRun)
	got, _ := report.Find(d.ID)
	assert.Equal(t, StatusPlanned, got.Status)
	assert.Contains(t, got.Diff, "--- a/main.go\n+++ b/main.go\n")
	assert.Contains(t, got.Diff, "-\tx := 1\n+\t_ := 1\n")

	c, _ := report.Find(cmd.ID)
	assert.Equal(t, "planned(server-command)", c.Label())
	assert.Empty(t, c.Diff)
	assert.Equal(t, Counts{Planned: 2}, report.Counts())
}

func TestUnifiedDiff(t *testing.T) {
	before := "a\nb\nc\nd\ne\nf\ng\nh\n"
	after := "a\nb\nc\nd\nE\nf\ng\nh\n"

	got, err := unifiedDiff("x.txt", before, after)
	require.NoError(t, err)
	assert.Equal(t, "--- a/x.txt\n+++ b/x.txt\n@@ -2,7 +2,7 @@\n b\n c\n d\n-e\n+E\n f\n g\n h\n", got)

	same, err := unifiedDiff("x.txt", before, before)
	require.NoError(t, err)
	assert.Empty(t, same)

	inserted, err := unifiedDiff("y.txt", "", "new\n")
	require.NoError(t, err)
	assert.Contains(t, inserted, "@@ -0,0 +1,1 @@\n+new\n")
}
