// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package model defines the diagnostic types shared by every bridge component.
//
// Everything here is a plain value. Snapshots are treated as immutable once
// built: helpers return new values instead of mutating their receiver.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

// =============================================================================
// SEVERITY
// =============================================================================

// Severity is the LSP diagnostic severity. Lower values are more severe.
type Severity int

const (
	// SeverityError reports an error.
	SeverityError Severity = 1

	// SeverityWarning reports a warning.
	SeverityWarning Severity = 2

	// SeverityInformation reports an informational message.
	SeverityInformation Severity = 3

	// SeverityHint reports a hint.
	SeverityHint Severity = 4
)

var severityNames = map[Severity]string{
	SeverityError:       "error",
	SeverityWarning:     "warning",
	SeverityInformation: "information",
	SeverityHint:        "hint",
}

// String returns the lowercase severity name.
func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether s is one of the four LSP severities.
func (s Severity) Valid() bool {
	return s >= SeverityError && s <= SeverityHint
}

// Icon returns the glyph used by the text renderers.
func (s Severity) Icon() string {
	switch s {
	case SeverityError:
		return "❌"
	case SeverityWarning:
		return "⚠️"
	case SeverityInformation:
		return "ℹ️"
	case SeverityHint:
		return "💡"
	default:
		return "•"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(text []byte) error {
	parsed, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSeverity converts a severity name (or common abbreviation) to a Severity.
func ParseSeverity(name string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "error", "err", "e":
		return SeverityError, nil
	case "warning", "warn", "w":
		return SeverityWarning, nil
	case "information", "info", "i":
		return SeverityInformation, nil
	case "hint", "h":
		return SeverityHint, nil
	}
	return 0, fmt.Errorf("unknown severity %q", name)
}

// =============================================================================
// POSITIONS
// =============================================================================

// Position is a zero-based line and character offset.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Before reports whether p sorts strictly before o.
func (p Position) Before(o Position) bool {
	if p.Line != o.Line {
		return p.Line < o.Line
	}
	return p.Character < o.Character
}

// Compare returns -1, 0 or 1.
func (p Position) Compare(o Position) int {
	switch {
	case p.Before(o):
		return -1
	case o.Before(p):
		return 1
	default:
		return 0
	}
}

// Range is a span between two positions. End is exclusive.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Valid reports whether Start <= End.
func (r Range) Valid() bool {
	return !r.End.Before(r.Start)
}

// Empty reports whether the range is a zero-width insertion point.
func (r Range) Empty() bool {
	return r.Start == r.End
}

// Normalized returns r with Start and End swapped if they are inverted.
func (r Range) Normalized() Range {
	if r.Valid() {
		return r
	}
	return Range{Start: r.End, End: r.Start}
}

// Union returns the smallest range covering both r and o.
func (r Range) Union(o Range) Range {
	out := r
	if o.Start.Before(out.Start) {
		out.Start = o.Start
	}
	if out.End.Before(o.End) {
		out.End = o.End
	}
	return out
}

// Overlaps reports whether r and o touch the same text.
//
// Ranges are half-open, so [a,b) and [b,c) do not overlap. A zero-width
// range conflicts with a span when it sits inside it or at either edge,
// because an insertion there lands in text the other edit rewrites.
func (r Range) Overlaps(o Range) bool {
	if r.Empty() || o.Empty() {
		if r.Empty() && o.Empty() {
			return r.Start == o.Start
		}
		point, span := r.Start, o
		if o.Empty() {
			point, span = o.Start, r
		}
		return !point.Before(span.Start) && !span.End.Before(point)
	}
	return r.Start.Before(o.End) && o.Start.Before(r.End)
}

// String renders the range as 1-based line:col-line:col.
func (r Range) String() string {
	return fmt.Sprintf("%d:%d-%d:%d", r.Start.Line+1, r.Start.Character+1, r.End.Line+1, r.End.Character+1)
}

// =============================================================================
// FIXES
// =============================================================================

// ErrInvalidConfidence is returned when a confidence is NaN, infinite or outside [0,1].
var ErrInvalidConfidence = errors.New("confidence must be finite and within [0,1]")

// TextEdit replaces the text in Range with NewText.
type TextEdit struct {
	Range   Range  `json:"range"`
	NewText string `json:"new_text"`
}

// Command is a server-side command attached to a code action.
type Command struct {
	Title     string `json:"title"`
	Command   string `json:"command"`
	Arguments []any  `json:"arguments,omitempty"`
}

// SuggestedFix is a structured edit proposed for a diagnostic.
type SuggestedFix struct {
	Title      string     `json:"title,omitempty"`
	Edits      []TextEdit `json:"edits"`
	Confidence float64    `json:"confidence"`
	Preferred  bool       `json:"preferred,omitempty"`
	Command    *Command   `json:"command,omitempty"`
}

// Target returns the range covered by all edits of the fix.
func (f SuggestedFix) Target() Range {
	if len(f.Edits) == 0 {
		return Range{}
	}
	out := f.Edits[0].Range.Normalized()
	for _, e := range f.Edits[1:] {
		out = out.Union(e.Range.Normalized())
	}
	return out
}

// Validate checks the confidence invariant and edit ranges.
func (f SuggestedFix) Validate() error {
	if math.IsNaN(f.Confidence) || math.IsInf(f.Confidence, 0) || f.Confidence < 0 || f.Confidence > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidConfidence, f.Confidence)
	}
	for i, e := range f.Edits {
		if !e.Range.Valid() {
			return fmt.Errorf("edit %d: inverted range %s", i, e.Range)
		}
	}
	return nil
}

// ClampConfidence maps any float onto [0,1]; NaN becomes 0.
func ClampConfidence(c float64) float64 {
	switch {
	case math.IsNaN(c), c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}

// =============================================================================
// DIAGNOSTIC
// =============================================================================

// ContextLine is one line of source surrounding a diagnostic. Number is 1-based.
type ContextLine struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// Diagnostic is a single issue reported for a file range.
type Diagnostic struct {
	ID           string        `json:"id"`
	FilePath     string        `json:"file_path"`
	Range        Range         `json:"range"`
	Severity     Severity      `json:"severity"`
	Source       string        `json:"source"`
	Message      string        `json:"message"`
	Code         string        `json:"code,omitempty"`
	Context      []ContextLine `json:"context,omitempty"`
	SuggestedFix *SuggestedFix `json:"suggested_fix,omitempty"`
	ServerID     string        `json:"server_id,omitempty"`
}

// DiagnosticID derives the stable identifier for a diagnostic.
//
// The message participates through its own hash so that IDs have a fixed
// size regardless of message length.
func DiagnosticID(file string, r Range, source, message string) string {
	msgSum := sha256.Sum256([]byte(message))
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d:%d|%d:%d|%s|%x", file,
		r.Start.Line, r.Start.Character, r.End.Line, r.End.Character,
		source, msgSum[:])
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Normalize repairs an inverted range, defaults an unknown severity to
// error, and fills a missing ID. It returns the repaired copy.
func (d Diagnostic) Normalize() Diagnostic {
	d.Range = d.Range.Normalized()
	d.Message = validUTF8(d.Message)
	d.Source = validUTF8(d.Source)
	d.Code = validUTF8(d.Code)
	if d.Context != nil {
		lines := make([]ContextLine, len(d.Context))
		for i, l := range d.Context {
			lines[i] = ContextLine{Number: l.Number, Text: validUTF8(l.Text)}
		}
		d.Context = lines
	}
	if !d.Severity.Valid() {
		d.Severity = SeverityError
	}
	if d.ID == "" {
		d.ID = DiagnosticID(d.FilePath, d.Range, d.Source, d.Message)
	}
	if d.SuggestedFix != nil {
		fix := *d.SuggestedFix
		fix.Confidence = ClampConfidence(fix.Confidence)
		fix.Title = validUTF8(fix.Title)
		d.SuggestedFix = &fix
	}
	return d
}

// validUTF8 replaces invalid byte sequences with U+FFFD so that text
// survives a JSON encode and decode unchanged.
func validUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "\uFFFD")
}

// Clone returns a deep copy of d.
func (d Diagnostic) Clone() Diagnostic {
	if d.Context != nil {
		d.Context = append([]ContextLine(nil), d.Context...)
	}
	if d.SuggestedFix != nil {
		fix := *d.SuggestedFix
		fix.Edits = append([]TextEdit(nil), fix.Edits...)
		if fix.Command != nil {
			cmd := *fix.Command
			cmd.Arguments = append([]any(nil), cmd.Arguments...)
			fix.Command = &cmd
		}
		d.SuggestedFix = &fix
	}
	return d
}

// Location renders path:line:col with 1-based numbers.
func (d Diagnostic) Location() string {
	return fmt.Sprintf("%s:%d:%d", d.FilePath, d.Range.Start.Line+1, d.Range.Start.Character+1)
}

// Less orders diagnostics by file, range start, range end, severity, source, then ID.
func Less(a, b Diagnostic) bool {
	if a.FilePath != b.FilePath {
		return a.FilePath < b.FilePath
	}
	if c := a.Range.Start.Compare(b.Range.Start); c != 0 {
		return c < 0
	}
	if c := a.Range.End.Compare(b.Range.End); c != 0 {
		return c < 0
	}
	if a.Severity != b.Severity {
		return a.Severity < b.Severity
	}
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	return a.ID < b.ID
}

type dedupKey struct {
	file    string
	rng     Range
	source  string
	message string
}

// Dedup drops diagnostics whose (file, range, source, message) was already
// seen, keeping the first occurrence and the input order.
func Dedup(diags []Diagnostic) []Diagnostic {
	if len(diags) < 2 {
		return diags
	}
	seen := make(map[dedupKey]struct{}, len(diags))
	out := make([]Diagnostic, 0, len(diags))
	for _, d := range diags {
		k := dedupKey{file: d.FilePath, rng: d.Range, source: d.Source, message: d.Message}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, d)
	}
	return out
}
