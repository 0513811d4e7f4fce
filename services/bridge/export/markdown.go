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
	"path/filepath"
	"strings"

	"github.com/AleutianAI/lspbridge/services/bridge/model"
)

// fenceLanguages maps extensions to code fence info strings.
var fenceLanguages = map[string]string{
	".go": "go", ".rs": "rust", ".ts": "typescript", ".tsx": "tsx",
	".js": "javascript", ".jsx": "jsx", ".py": "python", ".c": "c",
	".h": "c", ".cc": "cpp", ".cpp": "cpp", ".hpp": "cpp", ".java": "java",
	".rb": "ruby", ".lua": "lua", ".zig": "zig", ".sh": "bash",
}

func fenceFor(path string) string {
	return fenceLanguages[strings.ToLower(filepath.Ext(path))]
}

// RenderMarkdown renders a human-readable report grouped by file.
func RenderMarkdown(r Report) string {
	var b strings.Builder
	b.WriteString("# Diagnostics Report\n\n")
	fmt.Fprintf(&b, "- **Root**: `%s`\n", r.Root)
	fmt.Fprintf(&b, "- **Generated**: %s\n", r.GeneratedAt.Format("2006-01-02 15:04:05 UTC"))
	fmt.Fprintf(&b, "- **Scope**: %s\n", r.Scope)
	fmt.Fprintf(&b, "- **Privacy**: %s\n\n", r.Privacy)

	s := r.Summary
	b.WriteString("## Summary\n\n")
	fmt.Fprintf(&b, "- **Errors**: %d\n", s.Errors)
	fmt.Fprintf(&b, "- **Warnings**: %d\n", s.Warnings)
	fmt.Fprintf(&b, "- **Information**: %d\n", s.Information)
	fmt.Fprintf(&b, "- **Hints**: %d\n", s.Hints)
	fmt.Fprintf(&b, "- **Files Affected**: %d of %d\n\n", s.Affected, s.Files)

	for _, st := range r.Stale {
		fmt.Fprintf(&b, "> ⚠️ Results from `%s` may be outdated (%s)", st.ServerID, st.Reason)
		if len(st.Files) > 0 {
			fmt.Fprintf(&b, ", %d file(s) affected", len(st.Files))
		}
		b.WriteString(".\n\n")
	}

	groups := r.ByFile()
	if len(groups) == 0 {
		b.WriteString("No diagnostics.\n")
		return b.String()
	}
	for _, g := range groups {
		fmt.Fprintf(&b, "## %s\n\n", r.displayPath(g.Path))
		for _, d := range g.Diagnostics {
			writeMarkdownDiagnostic(&b, r, d)
		}
	}
	return b.String()
}

func writeMarkdownDiagnostic(b *strings.Builder, r Report, d model.Diagnostic) {
	fmt.Fprintf(b, "- %s **%s** `%s:%d:%d` %s", d.Severity.Icon(), d.Severity,
		r.displayPath(d.FilePath), d.Range.Start.Line+1, d.Range.Start.Character+1,
		oneLine(d.Message))
	if origin := originOf(d); origin != "" {
		fmt.Fprintf(b, " (%s)", origin)
	}
	b.WriteString("\n")

	if fix := d.SuggestedFix; fix != nil && fix.Title != "" {
		fmt.Fprintf(b, "  - 💡 Suggested fix (confidence %.2f): %s\n", fix.Confidence, oneLine(fix.Title))
	}
	if len(d.Context) > 0 {
		fmt.Fprintf(b, "\n  ```%s\n", fenceFor(d.FilePath))
		width := len(fmt.Sprint(d.Context[len(d.Context)-1].Number))
		for _, line := range d.Context {
			marker := " "
			if line.Number-1 >= d.Range.Start.Line && line.Number-1 <= d.Range.End.Line {
				marker = ">"
			}
			fmt.Fprintf(b, "  %s%*d | %s\n", marker, width, line.Number, line.Text)
		}
		b.WriteString("  ```\n\n")
	}
}

// originOf renders "source code" for a diagnostic.
func originOf(d model.Diagnostic) string {
	switch {
	case d.Source != "" && d.Code != "":
		return d.Source + " " + d.Code
	case d.Code != "":
		return d.Code
	default:
		return d.Source
	}
}

// oneLine collapses a multi-line message onto one line.
func oneLine(s string) string {
	s = strings.TrimSpace(s)
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	return strings.Join(strings.Fields(strings.ReplaceAll(s, "\r", "")), " ")
}
