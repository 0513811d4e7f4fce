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
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/AleutianAI/lspbridge/services/bridge/model"
)

// maxSourceBytes skips context for files too large to be source code.
const maxSourceBytes = 8 << 20

// ContextLoader supplies the source lines around a diagnostic.
type ContextLoader interface {
	Lines(path string, r model.Range, n int) ([]model.ContextLine, error)
}

// ContextLoaderFunc adapts a function to ContextLoader.
type ContextLoaderFunc func(path string, r model.Range, n int) ([]model.ContextLine, error)

// Lines implements ContextLoader.
func (f ContextLoaderFunc) Lines(path string, r model.Range, n int) ([]model.ContextLine, error) {
	return f(path, r, n)
}

// FileLoader reads context from disk, caching each file's lines.
//
// Thread Safety: Safe for concurrent use.
type FileLoader struct {
	mu    sync.Mutex
	files map[string][]string
}

// NewFileLoader returns an empty loader. Use one per export so edits made
// between exports are seen.
func NewFileLoader() *FileLoader {
	return &FileLoader{files: make(map[string][]string)}
}

// Lines implements ContextLoader.
func (l *FileLoader) Lines(path string, r model.Range, n int) ([]model.ContextLine, error) {
	if n <= 0 {
		return nil, nil
	}
	lines, err := l.load(path)
	if err != nil {
		return nil, err
	}
	return window(lines, r, n), nil
}

func (l *FileLoader) load(path string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lines, ok := l.files[path]; ok {
		return lines, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxSourceBytes {
		return nil, fmt.Errorf("%s: %d bytes is too large for context", path, info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), maxSourceBytes)
	for sc.Scan() {
		lines = append(lines, strings.ToValidUTF8(strings.TrimRight(sc.Text(), "\r"), "\uFFFD"))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	l.files[path] = lines
	return lines, nil
}

// window picks n lines centered on r from lines. Numbers are 1-based.
func window(lines []string, r model.Range, n int) []model.ContextLine {
	if n <= 0 || len(lines) == 0 {
		return nil
	}
	first, last := centered(len(lines), r, n)
	out := make([]model.ContextLine, 0, last-first+1)
	for i := first; i <= last; i++ {
		out = append(out, model.ContextLine{Number: i + 1, Text: lines[i]})
	}
	return out
}

// centered returns the inclusive 0-based line span of at most n lines
// centered on r, shifted to stay within total lines.
func centered(total int, r model.Range, n int) (first, last int) {
	if n > total {
		n = total
	}
	mid := (r.Start.Line + r.End.Line) / 2
	first = mid - (n-1)/2
	if first+n > total {
		first = total - n
	}
	if first < 0 {
		first = 0
	}
	return first, first + n - 1
}

// trimContext keeps at most n of the given context lines, centered on r.
func trimContext(lines []model.ContextLine, r model.Range, n int) []model.ContextLine {
	if n <= 0 {
		return nil
	}
	if len(lines) <= n {
		return lines
	}
	// Context numbers are 1-based and contiguous.
	base := lines[0].Number - 1
	shifted := model.Range{
		Start: model.Position{Line: r.Start.Line - base},
		End:   model.Position{Line: r.End.Line - base},
	}
	first, last := centered(len(lines), shifted, n)
	return lines[first : last+1]
}
