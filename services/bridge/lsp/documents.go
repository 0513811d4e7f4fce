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
	"fmt"
	"net/url"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/AleutianAI/lspbridge/services/bridge/model"
)

// Document is the bridge's view of a document it opened on a server.
// Edits sent to the server are applied here first so that the version
// and text we report always match what the server holds.
type Document struct {
	URI        string
	Path       string
	LanguageID string
	Version    int
	Text       string
}

// =============================================================================
// URIS
// =============================================================================

// PathToURI converts an absolute file path to a file:// URI.
func PathToURI(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	slashed := filepath.ToSlash(abs)
	if runtime.GOOS == "windows" && !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := url.URL{Scheme: "file", Path: slashed}
	return u.String()
}

// URIToPath converts a file:// URI back to a local path. Non-file URIs are
// returned unchanged.
func URIToPath(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		return uri
	}
	p := u.Path
	if runtime.GOOS == "windows" {
		p = strings.TrimPrefix(p, "/")
	}
	return filepath.FromSlash(p)
}

// =============================================================================
// TEXT EDITING
// =============================================================================

// byteOffset converts an LSP position (UTF-16 units) to a byte offset.
//
// A character past the end of its line is clamped to the line end, as the
// protocol prescribes. A line past the end of the document is an error,
// except the position just after the last line.
func byteOffset(text string, pos Position) (int, error) {
	if pos.Line < 0 || pos.Character < 0 {
		return 0, fmt.Errorf("%w: negative position %d:%d", ErrStaleDocument, pos.Line, pos.Character)
	}

	offset := 0
	for line := 0; line < pos.Line; line++ {
		nl := strings.IndexByte(text[offset:], '\n')
		if nl < 0 {
			if line == pos.Line-1 && pos.Character == 0 {
				return len(text), nil
			}
			return 0, fmt.Errorf("%w: line %d beyond document end", ErrStaleDocument, pos.Line)
		}
		offset += nl + 1
	}

	lineEnd := strings.IndexByte(text[offset:], '\n')
	if lineEnd < 0 {
		lineEnd = len(text)
	} else {
		lineEnd += offset
	}
	// Tolerate CRLF: the \r is not addressable content.
	if lineEnd > offset && text[lineEnd-1] == '\r' {
		lineEnd--
	}

	units := 0
	i := offset
	for i < lineEnd && units < pos.Character {
		r, size := utf8.DecodeRuneInString(text[i:])
		if r >= 0x10000 {
			units += 2
		} else {
			units++
		}
		i += size
	}
	return i, nil
}

// applyTextEdits applies edits that refer to the same original text.
// Overlapping edits are rejected with ErrStaleDocument.
func applyTextEdits(text string, edits []TextEdit) (string, error) {
	type span struct {
		start, end int
		newText    string
	}
	spans := make([]span, 0, len(edits))
	for _, e := range edits {
		start, err := byteOffset(text, e.Range.Start)
		if err != nil {
			return "", err
		}
		end, err := byteOffset(text, e.Range.End)
		if err != nil {
			return "", err
		}
		if end < start {
			return "", fmt.Errorf("%w: inverted edit range", ErrStaleDocument)
		}
		spans = append(spans, span{start: start, end: end, newText: e.NewText})
	}

	sort.SliceStable(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	for i := 1; i < len(spans); i++ {
		if spans[i].start < spans[i-1].end {
			return "", fmt.Errorf("%w: overlapping edits", ErrStaleDocument)
		}
	}

	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, s := range spans {
		b.WriteString(text[last:s.start])
		b.WriteString(s.newText)
		last = s.end
	}
	b.WriteString(text[last:])
	return b.String(), nil
}

// ApplyEdits applies model edits to text the way a server would, with
// UTF-16 positions. Used to preview fixes without sending them.
func ApplyEdits(text string, edits []model.TextEdit) (string, error) {
	converted := make([]TextEdit, len(edits))
	for i, e := range edits {
		converted[i] = TextEdit{Range: fromModelRange(e.Range), NewText: e.NewText}
	}
	return applyTextEdits(text, converted)
}

// languageIDFor maps a file extension to an LSP languageId.
func languageIDFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return "go"
	case ".rs":
		return "rust"
	case ".py", ".pyi":
		return "python"
	case ".ts":
		return "typescript"
	case ".tsx":
		return "typescriptreact"
	case ".js", ".mjs", ".cjs":
		return "javascript"
	case ".jsx":
		return "javascriptreact"
	case ".c", ".h":
		return "c"
	case ".cc", ".cpp", ".cxx", ".hpp", ".hh":
		return "cpp"
	case ".java":
		return "java"
	case ".lua":
		return "lua"
	case ".sh", ".bash":
		return "shellscript"
	default:
		return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	}
}
