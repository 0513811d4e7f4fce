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
	"regexp"
	"strings"
	"unicode"
)

// =============================================================================
// LEVELS
// =============================================================================

// Level selects how aggressively diagnostics are redacted.
type Level string

const (
	// LevelPermissive leaves diagnostics untouched.
	LevelPermissive Level = "permissive"

	// LevelDefault removes secret-shaped tokens.
	LevelDefault Level = "default"

	// LevelStrict additionally removes literals, identifiers in quotes,
	// paths, e-mail and IP addresses, and relativizes file paths.
	LevelStrict Level = "strict"
)

// ParseLevel converts a CLI or config value to a Level. Empty means default.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default", "balanced":
		return LevelDefault, nil
	case "strict":
		return LevelStrict, nil
	case "permissive", "minimal", "none", "off":
		return LevelPermissive, nil
	}
	return "", fmt.Errorf("unknown privacy level %q (want default, strict or permissive)", s)
}

// Levels lists every level, least to most aggressive.
func Levels() []Level {
	return []Level{LevelPermissive, LevelDefault, LevelStrict}
}

// =============================================================================
// RULES
// =============================================================================

// Rule is one named redaction pattern.
//
// Replacement may reference capture groups ($1, ${name}). Rules must be
// written so that their own output does not match again with a different
// result, otherwise redaction cannot settle.
type Rule struct {
	Name        string `yaml:"name" toml:"name" json:"name" validate:"required"`
	Pattern     string `yaml:"pattern" toml:"pattern" json:"pattern" validate:"required"`
	Replacement string `yaml:"replacement" toml:"replacement" json:"replacement"`

	re *regexp.Regexp
	// keep vetoes a match; the match is left alone when it returns true.
	keep func(match string) bool
}

// compile prepares the rule's expression.
func (r *Rule) compile() error {
	if r.re != nil {
		return nil
	}
	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		return fmt.Errorf("privacy rule %q: %w", r.Name, err)
	}
	r.re = re
	return nil
}

// apply runs the rule once over s.
func (r *Rule) apply(s string) string {
	if r.keep == nil {
		return r.re.ReplaceAllString(s, r.Replacement)
	}
	return r.re.ReplaceAllStringFunc(s, func(m string) string {
		if r.keep(m) {
			return m
		}
		return r.re.ReplaceAllString(m, r.Replacement)
	})
}

// mustRule builds a compiled built-in rule.
func mustRule(name, pattern, replacement string) Rule {
	r := Rule{Name: name, Pattern: pattern, Replacement: replacement}
	r.re = regexp.MustCompile(pattern)
	return r
}

// secretRules redact secret-shaped content. They are biased toward recall:
// a false positive costs a less useful message, a false negative leaks.
var secretRules = []Rule{
	mustRule("private_key",
		`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`,
		"[REDACTED_PRIVATE_KEY]"),
	mustRule("url_credentials",
		`([a-zA-Z][a-zA-Z0-9+.\-]*://)[^/\s:@]+:[^/\s@]+@`,
		"${1}[REDACTED]@"),
	mustRule("bearer_token",
		`(?i)\b(bearer)\s+[A-Za-z0-9._~+/=\-]{8,}`,
		"${1} [REDACTED_TOKEN]"),
	mustRule("secret_assignment",
		`(?i)\b([a-z0-9_.\-]*(?:api[_\-]?key|apikey|secret|token|passw(?:or)?d|pwd|credential|auth)[a-z0-9_.\-]*)(\s*[=:]\s*)(["']?)([^\s"',;\[][^\s"',;]*)`,
		"${1}${2}${3}[REDACTED]"),
	mustRule("jwt",
		`\beyJ[A-Za-z0-9_\-]+\.eyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]*`,
		"[REDACTED_JWT]"),
	mustRule("provider_key",
		`\bsk-(?:ant-|proj-)?[A-Za-z0-9_\-]{6,}`,
		"[REDACTED_TOKEN]"),
	mustRule("github_token",
		`\b(?:gh[pousr]_[A-Za-z0-9]{20,}|github_pat_[A-Za-z0-9_]{20,})`,
		"[REDACTED_TOKEN]"),
	mustRule("gitlab_token",
		`\bglpat-[A-Za-z0-9_\-]{20,}`,
		"[REDACTED_TOKEN]"),
	mustRule("aws_access_key",
		`\b(?:AKIA|ASIA|ABIA|ACCA)[A-Z0-9]{16}\b`,
		"[REDACTED_TOKEN]"),
	mustRule("slack_token",
		`\bxox[abposr]-[A-Za-z0-9\-]{10,}`,
		"[REDACTED_TOKEN]"),
	mustRule("google_api_key",
		`\bAIza[0-9A-Za-z_\-]{35}`,
		"[REDACTED_TOKEN]"),
	mustRule("hex_blob",
		`\b[a-fA-F0-9]{32,}\b`,
		"[REDACTED_HEX]"),
	withKeep(mustRule("base64_blob",
		`\b[A-Za-z0-9+_\-]{40,}={0,2}`,
		"[REDACTED_BLOB]"), notMixed),
}

// strictRules add literal, identifier, path and address removal. They are
// biased toward precision so messages stay readable.
var strictRules = []Rule{
	mustRule("string_literal",
		`"[^"\n]*"`,
		`"[STRING]"`),
	mustRule("backtick_identifier",
		"`[^`\n]+`",
		"`[IDENT]`"),
	mustRule("quoted_identifier",
		`(^|[^\w])'[^'\n]+'`,
		"${1}'[IDENT]'"),
	mustRule("email",
		`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`,
		"[EMAIL]"),
	mustRule("windows_path",
		`\b[A-Za-z]:\\(?:[^\\\s"'<>|]+\\)*([^\\\s"'<>|]+)`,
		"[PATH]/${1}"),
	mustRule("home_path",
		`~/(?:[^/\s"'()\[\]{}:,]+/)*([^/\s"'()\[\]{}:,]+)`,
		"[PATH]/${1}"),
	mustRule("absolute_path",
		`(^|[\s(\[{"'=,])/(?:[^/\s"'()\[\]{}:,]+/)+([^/\s"'()\[\]{}:,]+)`,
		"${1}[PATH]/${2}"),
	mustRule("ipv4",
		`\b(?:\d{1,3}\.){3}\d{1,3}\b`,
		"[IP]"),
}

func withKeep(r Rule, keep func(string) bool) Rule {
	r.keep = keep
	return r
}

// notMixed keeps long runs that are not a mix of upper case, lower case
// and digits, so long identifiers and numbers survive.
func notMixed(s string) bool {
	var upper, lower, digit bool
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	return !(upper && lower && digit)
}

// BuiltinRules returns the built-in rule set for level, in application order.
func BuiltinRules(level Level) []Rule {
	switch level {
	case LevelStrict:
		out := make([]Rule, 0, len(secretRules)+len(strictRules))
		out = append(out, secretRules...)
		return append(out, strictRules...)
	case LevelPermissive:
		return nil
	default:
		return append([]Rule(nil), secretRules...)
	}
}

// =============================================================================
// POLICIES
// =============================================================================

// Policy is the snapshot-level behavior of a level.
type Policy struct {
	// Exclude globs drop diagnostics for matching files.
	Exclude []string

	// MaxPerFile caps diagnostics per file, most severe first. Zero is unlimited.
	MaxPerFile int

	// RelativePaths rewrites file paths relative to the workspace root.
	RelativePaths bool
}

var baseExcludes = []string{
	"**/.env*",
	"**/secrets/**",
	"**/.git/**",
	"**/node_modules/**",
	"**/*.log",
	"**/dist/**",
	"**/build/**",
}

// BuiltinPolicy returns the built-in policy for level.
func BuiltinPolicy(level Level) Policy {
	switch level {
	case LevelStrict:
		return Policy{
			Exclude:       append(append([]string(nil), baseExcludes...), "**/config/**", "**/.ssh/**", "**/credentials/**"),
			MaxPerFile:    20,
			RelativePaths: true,
		}
	case LevelPermissive:
		return Policy{}
	default:
		return Policy{Exclude: append([]string(nil), baseExcludes...), MaxPerFile: 50}
	}
}
