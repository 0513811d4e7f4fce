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
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/lspbridge/services/bridge/model"
)

// ReportVersion is the version of the JSON report layout.
const ReportVersion = 1

// Summary totals a report.
type Summary struct {
	Total       int `json:"total"`
	Errors      int `json:"errors"`
	Warnings    int `json:"warnings"`
	Information int `json:"information"`
	Hints       int `json:"hints"`
	Files       int `json:"files"`
	Affected    int `json:"files_with_diagnostics"`
}

// FileSummary is the per-file tally of a report.
type FileSummary struct {
	Path   string       `json:"path"`
	Counts model.Counts `json:"counts"`
}

// Report is the format-independent content of an export.
type Report struct {
	Version     int                 `json:"version"`
	Root        string              `json:"root"`
	GeneratedAt time.Time           `json:"generated_at"`
	Scope       string              `json:"scope"`
	Privacy     string              `json:"privacy"`
	Summary     Summary             `json:"summary"`
	Files       []FileSummary       `json:"files"`
	Stale       []model.StaleServer `json:"stale,omitempty"`
	Diagnostics []model.Diagnostic  `json:"diagnostics"`
}

// NewReport builds a report from an already resolved and redacted snapshot.
func NewReport(snapshot model.Snapshot, scope model.Scope, privacy string, at time.Time) Report {
	diags := append([]model.Diagnostic{}, snapshot.Diagnostics...)
	sort.SliceStable(diags, func(i, j int) bool { return model.Less(diags[i], diags[j]) })

	perFile := snapshot.FileCounts()
	files := make([]FileSummary, 0, len(perFile))
	for path, c := range perFile {
		files = append(files, FileSummary{Path: path, Counts: c})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	c := model.CountDiagnostics(diags)
	affected := 0
	for _, f := range files {
		if f.Counts.Total() > 0 {
			affected++
		}
	}
	return Report{
		Version:     ReportVersion,
		Root:        snapshot.Root,
		GeneratedAt: at.UTC(),
		Scope:       scope.String(),
		Privacy:     privacy,
		Summary: Summary{
			Total:       c.Total(),
			Errors:      c.Errors,
			Warnings:    c.Warnings,
			Information: c.Information,
			Hints:       c.Hints,
			Files:       len(files),
			Affected:    affected,
		},
		Files:       files,
		Stale:       snapshot.Stale,
		Diagnostics: diags,
	}
}

// ByFile groups the report's diagnostics in file order. Files without
// diagnostics are left out.
func (r Report) ByFile() []FileGroup {
	var groups []FileGroup
	for _, d := range r.Diagnostics {
		if n := len(groups); n == 0 || groups[n-1].Path != d.FilePath {
			groups = append(groups, FileGroup{Path: d.FilePath})
		}
		g := &groups[len(groups)-1]
		g.Diagnostics = append(g.Diagnostics, d)
		g.Counts.Add(d.Severity)
	}
	return groups
}

// FileGroup is one file's diagnostics.
type FileGroup struct {
	Path        string
	Counts      model.Counts
	Diagnostics []model.Diagnostic
}

// displayPath shortens path relative to root for human formats.
func (r Report) displayPath(path string) string {
	if r.Root == "" || !filepath.IsAbs(path) {
		return filepath.ToSlash(path)
	}
	rel, err := filepath.Rel(r.Root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

// RenderJSON renders the report as indented JSON with a trailing newline.
//
// Diagnostics are ordered by file, range, severity, source and ID, so the
// output of ParseJSON followed by RenderJSON is byte-identical.
func RenderJSON(r Report) (string, error) {
	if r.Files == nil {
		r.Files = []FileSummary{}
	}
	if r.Diagnostics == nil {
		r.Diagnostics = []model.Diagnostic{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	return buf.String(), nil
}

// ParseJSON reads a report produced by RenderJSON.
func ParseJSON(data []byte) (Report, error) {
	var r Report
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&r); err != nil {
		return Report{}, fmt.Errorf("decode report: %w", err)
	}
	if r.Version != ReportVersion {
		return Report{}, fmt.Errorf("unsupported report version %d", r.Version)
	}
	sort.SliceStable(r.Diagnostics, func(i, j int) bool { return model.Less(r.Diagnostics[i], r.Diagnostics[j]) })
	return r, nil
}
