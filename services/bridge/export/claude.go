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
	"fmt"
	"sort"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/AleutianAI/lspbridge/services/bridge/model"
)

// DefaultLineWidth bounds context lines in the claude format, in cells.
const DefaultLineWidth = 120

// ClaudeOptions tunes the AI-oriented format.
type ClaudeOptions struct {
	// ContextLines keeps at most this many context lines per diagnostic.
	ContextLines int

	// LineWidth truncates context lines to this display width. Zero means
	// DefaultLineWidth.
	LineWidth int
}

// RenderClaude renders a compact report for an AI assistant.
//
// Description:
//
//	A one-line preamble with totals comes first, then stale notices, then
//	files with the most errors first. Unlike RenderMarkdown, which orders
//	files by path, files are ranked by errors then warnings, with ties
//	broken by path so the output is stable. Each diagnostic is a single bullet,
//	optionally followed by its context trimmed around the range.
func RenderClaude(r Report, opts ClaudeOptions) string {
	width := opts.LineWidth
	if width <= 0 {
		width = DefaultLineWidth
	}
	s := r.Summary

	var b strings.Builder
	fmt.Fprintf(&b, "Diagnostics summary: %d total (%d errors, %d warnings, %d information, %d hints) in %d files\n",
		s.Total, s.Errors, s.Warnings, s.Information, s.Hints, s.Affected)
	for _, st := range r.Stale {
		fmt.Fprintf(&b, "Note: %s did not answer (%s); its results may be outdated.\n", st.ServerID, st.Reason)
	}

	groups := r.ByFile()
	if len(groups) == 0 {
		b.WriteString("\nNo diagnostics in scope.\n")
		return b.String()
	}
	sort.SliceStable(groups, func(i, j int) bool {
		a, c := groups[i].Counts, groups[j].Counts
		if a.Errors != c.Errors {
			return a.Errors > c.Errors
		}
		if a.Warnings != c.Warnings {
			return a.Warnings > c.Warnings
		}
		return groups[i].Path < groups[j].Path
	})

	for _, g := range groups {
		fmt.Fprintf(&b, "\n## %s (%s)\n", r.displayPath(g.Path), countPhrase(g.Counts))
		for _, d := range g.Diagnostics {
			fmt.Fprintf(&b, "- L%d:%d %s", d.Range.Start.Line+1, d.Range.Start.Character+1, d.Severity)
			if d.Code != "" {
				fmt.Fprintf(&b, "[%s]", d.Code)
			}
			fmt.Fprintf(&b, ": %s", oneLine(d.Message))
			if d.Source != "" {
				fmt.Fprintf(&b, " (%s)", d.Source)
			}
			b.WriteString("\n")
			if fix := d.SuggestedFix; fix != nil && fix.Title != "" {
				fmt.Fprintf(&b, "  fix %.2f: %s\n", fix.Confidence, oneLine(fix.Title))
			}

			lines := trimContext(d.Context, d.Range, opts.ContextLines)
			if len(lines) == 0 {
				continue
			}
			fmt.Fprintf(&b, "  ```%s\n", fenceFor(d.FilePath))
			for _, line := range lines {
				text := strings.ReplaceAll(line.Text, "\t", "    ")
				if runewidth.StringWidth(text) > width {
					text = runewidth.Truncate(text, width, "…")
				}
				fmt.Fprintf(&b, "  %d: %s\n", line.Number, text)
			}
			b.WriteString("  ```\n")
		}
	}
	return b.String()
}

func countPhrase(c model.Counts) string {
	var parts []string
	add := func(n int, what string) {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, what))
		}
	}
	add(c.Errors, "errors")
	add(c.Warnings, "warnings")
	add(c.Information, "information")
	add(c.Hints, "hints")
	return strings.Join(parts, ", ")
}
