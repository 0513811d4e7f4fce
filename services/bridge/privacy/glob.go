// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package privacy

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// glob is a compiled path pattern supporting *, ?, [...] and ** segments.
type glob struct {
	pattern string
	re      *regexp.Regexp
}

// compileGlob translates a slash-separated glob to an anchored expression.
// "**/" matches zero or more directories, "**" anything, "*" and "?" stay
// within one path segment.
func compileGlob(pattern string) (glob, error) {
	var b strings.Builder
	b.WriteString("^")
	p := filepath.ToSlash(pattern)
	for i := 0; i < len(p); i++ {
		c := p[i]
		switch c {
		case '*':
			if i+1 < len(p) && p[i+1] == '*' {
				if i+2 < len(p) && p[i+2] == '/' {
					b.WriteString("(?:.*/)?")
					i += 2
				} else {
					b.WriteString(".*")
					i++
				}
				continue
			}
			b.WriteString("[^/]*")
		case '?':
			b.WriteString("[^/]")
		case '[':
			end := strings.IndexByte(p[i:], ']')
			if end < 0 {
				return glob{}, fmt.Errorf("glob %q: unterminated character class", pattern)
			}
			class := p[i+1 : i+end]
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			b.WriteString("[" + class + "]")
			i += end
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return glob{}, fmt.Errorf("glob %q: %w", pattern, err)
	}
	return glob{pattern: pattern, re: re}, nil
}

// match reports whether the slash form of path matches. Patterns without a
// slash also match the base name alone.
func (g glob) match(path string) bool {
	p := filepath.ToSlash(path)
	if g.re.MatchString(p) || g.re.MatchString(strings.TrimPrefix(p, "/")) {
		return true
	}
	if !strings.Contains(g.pattern, "/") {
		return g.re.MatchString(filepath.Base(path))
	}
	return false
}
