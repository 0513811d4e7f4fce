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
	"sort"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// COUNTS
// =============================================================================

// Counts tallies diagnostics by severity.
type Counts struct {
	Errors      int `json:"errors" msgpack:"e"`
	Warnings    int `json:"warnings" msgpack:"w"`
	Information int `json:"information" msgpack:"i"`
	Hints       int `json:"hints" msgpack:"h"`
}

// Add increments the bucket for sev.
func (c *Counts) Add(sev Severity) {
	switch sev {
	case SeverityError:
		c.Errors++
	case SeverityWarning:
		c.Warnings++
	case SeverityInformation:
		c.Information++
	case SeverityHint:
		c.Hints++
	}
}

// Plus returns the element-wise sum of c and o.
func (c Counts) Plus(o Counts) Counts {
	return Counts{
		Errors:      c.Errors + o.Errors,
		Warnings:    c.Warnings + o.Warnings,
		Information: c.Information + o.Information,
		Hints:       c.Hints + o.Hints,
	}
}

// Total returns the number of counted diagnostics.
func (c Counts) Total() int {
	return c.Errors + c.Warnings + c.Information + c.Hints
}

// CountDiagnostics tallies diags by severity.
func CountDiagnostics(diags []Diagnostic) Counts {
	var c Counts
	for _, d := range diags {
		c.Add(d.Severity)
	}
	return c
}

// =============================================================================
// SNAPSHOT
// =============================================================================

// StaleServer marks data owned by a server that did not answer in time.
//
// Stale is a soft signal: the diagnostics for Files are the last ones the
// server published and may be outdated.
type StaleServer struct {
	ServerID string   `json:"server_id"`
	Reason   string   `json:"reason"`
	Files    []string `json:"files,omitempty"`
}

// Snapshot is the diagnostic state of a workspace at one instant.
//
// Description:
//
//	Files lists every tracked file, including files that currently have no
//	diagnostics, so that scope resolution can distinguish "no diagnostics"
//	from "no such file". Diagnostics are kept sorted with Less.
//
// Thread Safety:
//
//	Immutable by convention. NewSnapshot copies its inputs and the helper
//	methods return new values, so a Snapshot can be shared freely.
type Snapshot struct {
	ID          string        `json:"id"`
	TakenAt     time.Time     `json:"taken_at"`
	Root        string        `json:"root"`
	Files       []string      `json:"files"`
	Diagnostics []Diagnostic  `json:"diagnostics"`
	Stale       []StaleServer `json:"stale,omitempty"`
}

// NewSnapshot builds a snapshot from the given tracked files and diagnostics.
//
// Every diagnostic is normalized and deduplicated, and the file of every
// diagnostic is added to the tracked set.
func NewSnapshot(root string, at time.Time, files []string, diags []Diagnostic, stale []StaleServer) Snapshot {
	normalized := make([]Diagnostic, 0, len(diags))
	fileSet := make(map[string]struct{}, len(files))
	for _, f := range files {
		fileSet[f] = struct{}{}
	}
	for _, d := range diags {
		d = d.Clone().Normalize()
		normalized = append(normalized, d)
		fileSet[d.FilePath] = struct{}{}
	}
	normalized = Dedup(normalized)
	sort.SliceStable(normalized, func(i, j int) bool { return Less(normalized[i], normalized[j]) })

	tracked := make([]string, 0, len(fileSet))
	for f := range fileSet {
		tracked = append(tracked, f)
	}
	sort.Strings(tracked)

	return Snapshot{
		ID:          uuid.NewString(),
		TakenAt:     at,
		Root:        root,
		Files:       tracked,
		Diagnostics: normalized,
		Stale:       cloneStale(stale),
	}
}

// With returns a copy of s whose diagnostics are replaced by diags. Tracked
// files and stale annotations are kept.
func (s Snapshot) With(diags []Diagnostic) Snapshot {
	out := s
	out.Files = append([]string(nil), s.Files...)
	out.Stale = cloneStale(s.Stale)
	out.Diagnostics = make([]Diagnostic, len(diags))
	for i, d := range diags {
		out.Diagnostics[i] = d.Clone()
	}
	sort.SliceStable(out.Diagnostics, func(i, j int) bool { return Less(out.Diagnostics[i], out.Diagnostics[j]) })
	return out
}

// WithFiles returns a copy of s restricted to the given tracked files.
// Diagnostics and stale annotations outside those files are dropped.
func (s Snapshot) WithFiles(files []string) Snapshot {
	keep := make(map[string]struct{}, len(files))
	for _, f := range files {
		keep[f] = struct{}{}
	}
	out := s.Filter(func(d Diagnostic) bool {
		_, ok := keep[d.FilePath]
		return ok
	})
	tracked := make([]string, 0, len(keep))
	for f := range keep {
		tracked = append(tracked, f)
	}
	sort.Strings(tracked)
	out.Files = tracked

	var stale []StaleServer
	for _, st := range out.Stale {
		var owned []string
		for _, f := range st.Files {
			if _, ok := keep[f]; ok {
				owned = append(owned, f)
			}
		}
		if len(owned) > 0 || len(st.Files) == 0 {
			st.Files = owned
			stale = append(stale, st)
		}
	}
	out.Stale = stale
	return out
}

// Filter returns a copy of s holding only the diagnostics accepted by keep.
func (s Snapshot) Filter(keep func(Diagnostic) bool) Snapshot {
	var diags []Diagnostic
	for _, d := range s.Diagnostics {
		if keep(d) {
			diags = append(diags, d)
		}
	}
	return s.With(diags)
}

// ByFile groups diagnostics per file. Every tracked file has an entry.
func (s Snapshot) ByFile() map[string][]Diagnostic {
	out := make(map[string][]Diagnostic, len(s.Files))
	for _, f := range s.Files {
		out[f] = nil
	}
	for _, d := range s.Diagnostics {
		out[d.FilePath] = append(out[d.FilePath], d)
	}
	return out
}

// Counts tallies every diagnostic in the snapshot.
func (s Snapshot) Counts() Counts {
	return CountDiagnostics(s.Diagnostics)
}

// FileCounts tallies diagnostics per tracked file.
func (s Snapshot) FileCounts() map[string]Counts {
	out := make(map[string]Counts, len(s.Files))
	for _, f := range s.Files {
		out[f] = Counts{}
	}
	for _, d := range s.Diagnostics {
		c := out[d.FilePath]
		c.Add(d.Severity)
		out[d.FilePath] = c
	}
	return out
}

// HasFile reports whether path is tracked.
func (s Snapshot) HasFile(path string) bool {
	i := sort.SearchStrings(s.Files, path)
	return i < len(s.Files) && s.Files[i] == path
}

// IsStale reports whether any server contributed stale data.
func (s Snapshot) IsStale() bool {
	return len(s.Stale) > 0
}

func cloneStale(in []StaleServer) []StaleServer {
	if len(in) == 0 {
		return nil
	}
	out := make([]StaleServer, len(in))
	for i, st := range in {
		st.Files = append([]string(nil), st.Files...)
		out[i] = st
	}
	return out
}
