// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package privacy redacts sensitive content from diagnostics before they
// leave the process.
package privacy

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/AleutianAI/lspbridge/services/bridge/model"
)

// maxPasses bounds the fixed-point loop. Built-in rules settle in two.
const maxPasses = 8

// Options configures a Filter.
type Options struct {
	// Root is the workspace root used to relativize paths under strict.
	Root string

	// Extra rules run after the built-in rules of their level. Rules for
	// LevelDefault also run under LevelStrict.
	Extra map[Level][]Rule

	// Exclude globs are added to the level's built-in excludes and apply at
	// every level, permissive included.
	Exclude []string

	// MaxPerFile overrides the level's cap. Zero keeps the level default,
	// negative disables the cap.
	MaxPerFile int
}

// Filter redacts diagnostics and snapshots.
//
// Description:
//
//	Redaction is a pure function of (input, level). The Filter is immutable
//	after New and safe for concurrent use without synchronization.
type Filter struct {
	root     string
	rules    map[Level][]Rule
	excludes map[Level][]glob
	caps     map[Level]int
	relative map[Level]bool
}

// New compiles the rule sets and exclude globs for every level.
//
// Outputs:
//
//	*Filter - Ready to use.
//	error - An extra rule or glob did not compile.
func New(opts Options) (*Filter, error) {
	f := &Filter{
		root:     opts.Root,
		rules:    make(map[Level][]Rule, 3),
		excludes: make(map[Level][]glob, 3),
		caps:     make(map[Level]int, 3),
		relative: make(map[Level]bool, 3),
	}
	if f.root != "" {
		if abs, err := filepath.Abs(f.root); err == nil {
			f.root = abs
		}
	}

	extra := make(map[Level][]Rule, len(opts.Extra))
	for level, rules := range opts.Extra {
		compiled := make([]Rule, 0, len(rules))
		for _, r := range rules {
			r := r
			r.re = nil
			if err := r.compile(); err != nil {
				return nil, err
			}
			compiled = append(compiled, r)
		}
		extra[level] = compiled
	}

	var userGlobs []glob
	for _, pattern := range opts.Exclude {
		g, err := compileGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("privacy exclude: %w", err)
		}
		userGlobs = append(userGlobs, g)
	}

	for _, level := range Levels() {
		rules := BuiltinRules(level)
		switch level {
		case LevelDefault:
			rules = append(rules, extra[LevelDefault]...)
		case LevelStrict:
			rules = append(rules, extra[LevelDefault]...)
			rules = append(rules, extra[LevelStrict]...)
		case LevelPermissive:
			rules = append(rules, extra[LevelPermissive]...)
		}
		f.rules[level] = rules

		policy := BuiltinPolicy(level)
		globs := make([]glob, 0, len(policy.Exclude)+len(userGlobs))
		for _, pattern := range policy.Exclude {
			g, err := compileGlob(pattern)
			if err != nil {
				return nil, err
			}
			globs = append(globs, g)
		}
		f.excludes[level] = append(globs, userGlobs...)

		switch {
		case opts.MaxPerFile < 0:
			f.caps[level] = 0
		case opts.MaxPerFile > 0:
			f.caps[level] = opts.MaxPerFile
		default:
			f.caps[level] = policy.MaxPerFile
		}
		f.relative[level] = policy.RelativePaths
	}
	return f, nil
}

// Rules returns a copy of the rule set applied at level.
func (f *Filter) Rules(level Level) []Rule {
	return append([]Rule(nil), f.rules[normalize(level)]...)
}

// RedactText applies the rule set of level to s until it stops changing.
func (f *Filter) RedactText(s string, level Level) string {
	rules := f.rules[normalize(level)]
	if len(rules) == 0 || s == "" {
		return s
	}
	for pass := 0; pass < maxPasses; pass++ {
		next := s
		for i := range rules {
			next = rules[i].apply(next)
		}
		if next == s {
			break
		}
		s = next
	}
	return s
}

// Redact returns a redacted copy of d.
//
// Description:
//
//	The level's rules are applied to the message, every context line, and
//	the suggested fix's title, replacement text and command title. Under
//	strict the file path becomes root-relative, or the base name when the
//	file lies outside the root. Range, severity and ID are never changed,
//	and Redact(Redact(d)) == Redact(d).
func (f *Filter) Redact(d model.Diagnostic, level Level) model.Diagnostic {
	level = normalize(level)
	out := d.Clone()
	if level == LevelPermissive && len(f.rules[level]) == 0 {
		return out
	}

	out.Message = f.RedactText(out.Message, level)
	for i := range out.Context {
		out.Context[i].Text = f.RedactText(out.Context[i].Text, level)
	}
	if out.SuggestedFix != nil {
		out.SuggestedFix.Title = f.RedactText(out.SuggestedFix.Title, level)
		for i := range out.SuggestedFix.Edits {
			out.SuggestedFix.Edits[i].NewText = f.RedactText(out.SuggestedFix.Edits[i].NewText, level)
		}
		if out.SuggestedFix.Command != nil {
			out.SuggestedFix.Command.Title = f.RedactText(out.SuggestedFix.Command.Title, level)
		}
	}
	if f.relative[level] {
		out.FilePath = f.displayPath(out.FilePath)
	}
	return out
}

// RedactSnapshot redacts every diagnostic of s and applies the level's
// snapshot policy.
//
// Description:
//
//	Diagnostics in excluded files are dropped while the files stay tracked.
//	The per-file cap keeps the most severe diagnostics. Under strict the
//	tracked files, stale annotations and root are rewritten the same way
//	as diagnostic paths.
func (f *Filter) RedactSnapshot(s model.Snapshot, level Level) model.Snapshot {
	level = normalize(level)

	var kept []model.Diagnostic
	for _, d := range s.Diagnostics {
		if f.Excluded(d.FilePath, level) {
			continue
		}
		kept = append(kept, d)
	}
	kept = capPerFile(kept, f.caps[level])

	redacted := make([]model.Diagnostic, len(kept))
	for i, d := range kept {
		redacted[i] = f.Redact(d, level)
	}
	out := s.With(redacted)

	if !f.relative[level] {
		return out
	}
	files := make([]string, 0, len(out.Files))
	seen := make(map[string]struct{}, len(out.Files))
	for _, file := range out.Files {
		p := f.displayPath(file)
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		files = append(files, p)
	}
	sort.Strings(files)
	out.Files = files
	for i := range out.Stale {
		for j, file := range out.Stale[i].Files {
			out.Stale[i].Files[j] = f.displayPath(file)
		}
		out.Stale[i].Reason = f.RedactText(out.Stale[i].Reason, level)
	}
	if out.Root != "" {
		out.Root = filepath.Base(out.Root)
	}
	return out
}

// Excluded reports whether diagnostics for path are dropped at level.
func (f *Filter) Excluded(path string, level Level) bool {
	globs := f.excludes[normalize(level)]
	if len(globs) == 0 {
		return false
	}
	rel := path
	if f.root != "" && filepath.IsAbs(path) {
		if r, err := filepath.Rel(f.root, path); err == nil && !strings.HasPrefix(r, "..") {
			rel = r
		}
	}
	for _, g := range globs {
		if g.match(rel) || (rel != path && g.match(path)) {
			return true
		}
	}
	return false
}

// DisplayPath returns path as it appears in output at level: root-relative
// under strict, unchanged otherwise.
func (f *Filter) DisplayPath(path string, level Level) string {
	if normalize(level) != LevelStrict {
		return path
	}
	return f.displayPath(path)
}

// displayPath rewrites an absolute path relative to the root. Relative
// paths are already display paths and come back unchanged.
func (f *Filter) displayPath(path string) string {
	if path == "" || !filepath.IsAbs(path) {
		return path
	}
	if f.root != "" {
		if r, err := filepath.Rel(f.root, path); err == nil && r != "." && !strings.HasPrefix(r, "..") {
			return filepath.ToSlash(r)
		}
	}
	return filepath.Base(path)
}

// capPerFile keeps at most max diagnostics per file, most severe first.
// Zero means unlimited.
func capPerFile(diags []model.Diagnostic, max int) []model.Diagnostic {
	if max <= 0 || len(diags) <= max {
		return diags
	}
	byFile := make(map[string][]model.Diagnostic)
	var order []string
	for _, d := range diags {
		if _, ok := byFile[d.FilePath]; !ok {
			order = append(order, d.FilePath)
		}
		byFile[d.FilePath] = append(byFile[d.FilePath], d)
	}
	out := make([]model.Diagnostic, 0, len(diags))
	for _, file := range order {
		group := byFile[file]
		if len(group) > max {
			sort.SliceStable(group, func(i, j int) bool {
				if group[i].Severity != group[j].Severity {
					return group[i].Severity < group[j].Severity
				}
				return model.Less(group[i], group[j])
			})
			group = group[:max]
		}
		out = append(out, group...)
	}
	return out
}

// normalize maps unknown levels to the default one.
func normalize(level Level) Level {
	switch level {
	case LevelPermissive, LevelStrict:
		return level
	default:
		return LevelDefault
	}
}
