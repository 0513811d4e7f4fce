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
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/AleutianAI/lspbridge/services/bridge/model"
)

// =============================================================================
// ADAPTER CONTRACT
// =============================================================================

// Adapter translates one server's raw diagnostics into the shared model.
//
// Description:
//
//	Servers disagree on the shape of codes, on whether source is set, and
//	on where the human-readable message lives. Each adapter absorbs the
//	quirks of one server family so nothing above the manager sees them.
//	Adapters are stateless values; the manager keeps one per server ID.
type Adapter interface {
	// Name identifies the adapter in logs and config.
	Name() string

	// Translate converts a publishDiagnostics payload (or a pull report
	// wrapped in one). It fails only when the payload cannot be attributed
	// to a file.
	Translate(serverID string, params PublishDiagnosticsParams) ([]model.Diagnostic, error)
}

// adapters holds the built-in adapters by name.
var adapters = map[string]Adapter{
	"generic":       genericAdapter{},
	"rust-analyzer": rustAnalyzerAdapter{},
	"typescript":    typescriptAdapter{},
	"eslint":        eslintAdapter{},
	"pyright":       pyrightAdapter{},
}

// AdapterFor picks the adapter named by spec.Adapter, falling back to the
// spec ID and then to the generic adapter.
func AdapterFor(spec ServerSpec) Adapter {
	if a, ok := adapters[strings.ToLower(spec.Adapter)]; ok {
		return a
	}
	if a, ok := adapters[strings.ToLower(spec.ID)]; ok {
		return a
	}
	return genericAdapter{}
}

// AdapterNames lists the built-in adapter names.
func AdapterNames() []string {
	return []string{"eslint", "generic", "pyright", "rust-analyzer", "typescript"}
}

// =============================================================================
// SHARED TRANSLATION
// =============================================================================

// rawTransform adjusts one translated diagnostic using the raw payload.
type rawTransform func(raw Diagnostic, d *model.Diagnostic)

func translate(serverID, defaultSource string, params PublishDiagnosticsParams, fix rawTransform) ([]model.Diagnostic, error) {
	if params.URI == "" {
		return nil, fmt.Errorf("%w: publishDiagnostics without uri", ErrProtocol)
	}
	if !strings.HasPrefix(params.URI, "file:") {
		return nil, fmt.Errorf("%w: unsupported uri scheme in %q", ErrProtocol, params.URI)
	}
	path := URIToPath(params.URI)

	out := make([]model.Diagnostic, 0, len(params.Diagnostics))
	for _, raw := range params.Diagnostics {
		d := model.Diagnostic{
			FilePath: path,
			Range:    toModelRange(raw.Range),
			Severity: model.Severity(raw.Severity),
			Source:   strings.TrimSpace(raw.Source),
			Message:  strings.TrimRight(raw.Message, " \n\r\t"),
			Code:     decodeCode(raw.Code),
			ServerID: serverID,
		}
		if d.Source == "" {
			d.Source = defaultSource
		}
		if fix != nil {
			fix(raw, &d)
		}
		out = append(out, d.Normalize())
	}
	return out, nil
}

// decodeCode accepts a number, a string, or an object with a value field.
func decodeCode(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	var obj struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && len(obj.Value) > 0 {
		return decodeCode(obj.Value)
	}
	return ""
}

func toModelRange(r Range) model.Range {
	return model.Range{
		Start: model.Position{Line: r.Start.Line, Character: r.Start.Character},
		End:   model.Position{Line: r.End.Line, Character: r.End.Character},
	}
}

func fromModelRange(r model.Range) Range {
	return Range{
		Start: Position{Line: r.Start.Line, Character: r.Start.Character},
		End:   Position{Line: r.End.Line, Character: r.End.Character},
	}
}

// =============================================================================
// ADAPTERS
// =============================================================================

// genericAdapter follows the protocol to the letter.
type genericAdapter struct{}

func (genericAdapter) Name() string { return "generic" }

func (genericAdapter) Translate(serverID string, params PublishDiagnosticsParams) ([]model.Diagnostic, error) {
	return translate(serverID, serverID, params, nil)
}

// rustAnalyzerAdapter handles rust-analyzer and flycheck (cargo) output.
// Flycheck diagnostics carry the full compiler rendering in data.rendered
// and occasionally an empty message.
type rustAnalyzerAdapter struct{}

func (rustAnalyzerAdapter) Name() string { return "rust-analyzer" }

func (rustAnalyzerAdapter) Translate(serverID string, params PublishDiagnosticsParams) ([]model.Diagnostic, error) {
	return translate(serverID, "rust-analyzer", params, func(raw Diagnostic, d *model.Diagnostic) {
		if d.Message != "" || len(raw.Data) == 0 {
			return
		}
		var data struct {
			Rendered string `json:"rendered"`
		}
		if err := json.Unmarshal(raw.Data, &data); err == nil {
			first, _, _ := strings.Cut(strings.TrimSpace(data.Rendered), "\n")
			d.Message = strings.TrimPrefix(strings.TrimPrefix(first, "error: "), "warning: ")
		}
	})
}

// typescriptAdapter renders numeric compiler codes as TS<n>.
type typescriptAdapter struct{}

func (typescriptAdapter) Name() string { return "typescript" }

func (typescriptAdapter) Translate(serverID string, params PublishDiagnosticsParams) ([]model.Diagnostic, error) {
	return translate(serverID, "typescript", params, func(raw Diagnostic, d *model.Diagnostic) {
		if d.Source == "ts" {
			d.Source = "typescript"
		}
		if _, err := strconv.Atoi(d.Code); err == nil && d.Source == "typescript" {
			d.Code = "TS" + d.Code
		}
	})
}

// eslintAdapter handles vscode-eslint-language-server, which reports codes
// as {value, target} and omits severity for some rules.
type eslintAdapter struct{}

func (eslintAdapter) Name() string { return "eslint" }

func (eslintAdapter) Translate(serverID string, params PublishDiagnosticsParams) ([]model.Diagnostic, error) {
	return translate(serverID, "eslint", params, func(raw Diagnostic, d *model.Diagnostic) {
		if raw.Severity == 0 {
			d.Severity = model.SeverityWarning
		}
	})
}

// pyrightAdapter normalizes the casing of the Pyright source and marks
// "unnecessary" tagged hints with a code so they can be filtered.
type pyrightAdapter struct{}

func (pyrightAdapter) Name() string { return "pyright" }

// diagnosticTagUnnecessary is the LSP tag for unused or unreachable code.
const diagnosticTagUnnecessary = 1

func (pyrightAdapter) Translate(serverID string, params PublishDiagnosticsParams) ([]model.Diagnostic, error) {
	return translate(serverID, "pyright", params, func(raw Diagnostic, d *model.Diagnostic) {
		if strings.EqualFold(d.Source, "pyright") {
			d.Source = "pyright"
		}
		if d.Code != "" {
			return
		}
		for _, tag := range raw.Tags {
			if tag == diagnosticTagUnnecessary {
				d.Code = "unnecessary"
			}
		}
	})
}
