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
	"bytes"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// diffContext is the number of unchanged lines around a change.
const diffContext = 3

// unifiedDiff renders the change from before to after as a single-hunk
// unified diff. Fixes are local, so the hunk spans from the first to the
// last changed line.
func unifiedDiff(name, before, after string) (string, error) {
	if before == after {
		return "", nil
	}
	a, b := splitLines(before), splitLines(after)

	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix && a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}

	start := max(0, prefix-diffContext)
	tail := min(suffix, diffContext)
	endA := len(a) - suffix + tail
	endB := len(b) - suffix + tail

	var body bytes.Buffer
	for _, line := range a[start:prefix] {
		body.WriteString(" " + line + "\n")
	}
	for _, line := range a[prefix : len(a)-suffix] {
		body.WriteString("-" + line + "\n")
	}
	for _, line := range b[prefix : len(b)-suffix] {
		body.WriteString("+" + line + "\n")
	}
	for _, line := range a[len(a)-suffix : endA] {
		body.WriteString(" " + line + "\n")
	}

	hunk := &diff.Hunk{
		OrigStartLine: hunkStart(start, endA-start),
		OrigLines:     int32(endA - start),
		NewStartLine:  hunkStart(start, endB-start),
		NewLines:      int32(endB - start),
		Body:          body.Bytes(),
	}
	out, err := diff.PrintFileDiff(&diff.FileDiff{
		OrigName: "a/" + name,
		NewName:  "b/" + name,
		Hunks:    []*diff.Hunk{hunk},
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// hunkStart is the 1-based start line; an empty side names the line
// before it.
func hunkStart(start, lines int) int32 {
	if lines == 0 {
		return int32(start)
	}
	return int32(start + 1)
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
