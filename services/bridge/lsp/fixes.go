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
	"context"
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/AleutianAI/lspbridge/services/bridge/model"
)

// =============================================================================
// CONFIDENCE SCORING
// =============================================================================

// FixScorer assigns a confidence in [0,1] to a code action proposed for a
// diagnostic.
type FixScorer interface {
	Score(d model.Diagnostic, action CodeAction) float64
}

// FixOutcomeRecorder learns from applied fixes.
type FixOutcomeRecorder interface {
	RecordOutcome(code string, success bool)
}

// WeightedScorer blends six factors into a confidence score.
//
// Description:
//
//	Factors: how well-known the diagnostic code is, how small the edit
//	is, the historical success rate for the code, how safe the severity
//	is to touch, how reliable fixes are for the file's language, and how
//	much the server itself vouches for the action (preferred flag, edit
//	vs command). Success rates move with an exponential moving average as
//	outcomes are recorded.
//
// Thread Safety:
//
//	Safe for concurrent use.
type WeightedScorer struct {
	mu        sync.RWMutex
	rates     map[string]float64
	languages map[string]float64
}

// successAlpha is the EMA weight given to a new outcome.
const successAlpha = 0.1

// NewWeightedScorer creates a scorer seeded with known code success rates.
func NewWeightedScorer() *WeightedScorer {
	return &WeightedScorer{
		rates: map[string]float64{
			"TS2322": 0.85, // type not assignable
			"TS2339": 0.75, // property does not exist
			"TS2345": 0.80, // argument type mismatch
			"TS1005": 0.95, // expected token
			"TS6133": 0.95, // declared but never read
			"E0308":  0.80, // mismatched types
			"E0384":  0.90, // cannot assign twice
			"E0382":  0.70, // use after move
			"E0596":  0.85, // cannot borrow as mutable

			"unused_imports":   0.95,
			"unused_variables": 0.90,
			"UnusedImport":     0.95,
		},
		languages: map[string]float64{
			"typescript": 0.90,
			"javascript": 0.85,
			"rust":       0.95,
			"python":     0.80,
			"go":         0.85,
		},
	}
}

// Score implements FixScorer.
func (s *WeightedScorer) Score(d model.Diagnostic, action CodeAction) float64 {
	s.mu.RLock()
	pattern := 0.3
	if d.Code != "" {
		pattern = 0.5
		if r, ok := s.rates[d.Code]; ok {
			pattern = r
		}
	}
	language, ok := s.languages[languageIDFor(d.FilePath)]
	if !ok {
		language = 0.5
	}
	s.mu.RUnlock()

	var size int
	if action.Edit != nil {
		for _, edits := range action.Edit.Changes {
			for _, e := range edits {
				size += len(e.NewText)
			}
		}
	}
	var complexity float64
	switch {
	case size <= 20:
		complexity = 0.9
	case size <= 50:
		complexity = 0.8
	case size <= 100:
		complexity = 0.6
	case size <= 200:
		complexity = 0.4
	default:
		complexity = 0.2
	}

	safety := map[model.Severity]float64{
		model.SeverityError:       0.7,
		model.SeverityWarning:     0.8,
		model.SeverityInformation: 0.9,
		model.SeverityHint:        0.95,
	}[d.Severity]

	vouch := 0.5
	switch {
	case action.IsPreferred:
		vouch = 1.0
	case action.Edit != nil:
		vouch = 0.95
	}

	weighted := pattern*0.25 + complexity*0.15 + pattern*0.20 + safety*0.15 + language*0.10 + vouch*0.15
	return model.ClampConfidence(weighted)
}

// RecordOutcome implements FixOutcomeRecorder.
func (s *WeightedScorer) RecordOutcome(code string, success bool) {
	if code == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.rates[code]
	if !ok {
		current = 0.5
	}
	next := current * (1 - successAlpha)
	if success {
		next += successAlpha
	}
	s.rates[code] = next
}

// =============================================================================
// CODE ACTION DISCOVERY
// =============================================================================

// fetchFixes asks the server for quick fixes covering each diagnostic and
// attaches the best-scoring one. Failures leave diagnostics without a fix.
func (m *Manager) fetchFixes(ctx context.Context, srv *Server, uri string, raw []Diagnostic, diags []model.Diagnostic) {
	if len(raw) != len(diags) || !srv.Capabilities().HasCodeActionProvider() {
		return
	}
	for i := range diags {
		reqCtx, cancel := context.WithTimeout(ctx, m.config.RequestTimeout)
		resp, err := srv.Request(reqCtx, "textDocument/codeAction", CodeActionParams{
			TextDocument: TextDocumentIdentifier{URI: uri},
			Range:        raw[i].Range,
			Context: CodeActionContext{
				Diagnostics: []Diagnostic{raw[i]},
				Only:        []string{"quickfix"},
			},
		})
		cancel()
		if err != nil {
			m.logger.Debug("code action request failed",
				"server", srv.ID(), "file", diags[i].FilePath, "error", err)
			continue
		}
		actions, err := parseCodeActions(resp.Result)
		if err != nil {
			m.logger.Warn("dropping unparsable code actions",
				"server", srv.ID(), "error", protocolError(srv.ID(), err))
			continue
		}
		if fix := m.bestFix(uri, diags[i], actions); fix != nil {
			diags[i].SuggestedFix = fix
		}
	}
}

// parseCodeActions decodes a (CodeAction | Command)[] result.
func parseCodeActions(result json.RawMessage) ([]CodeAction, error) {
	if len(result) == 0 || string(result) == "null" {
		return nil, nil
	}
	var actions []CodeAction
	if err := json.Unmarshal(result, &actions); err != nil {
		return nil, err
	}
	return actions, nil
}

// bestFix converts the highest-scoring usable action into a SuggestedFix.
// Only actions whose edits stay inside the diagnostic's own document, or
// that defer to a server command, are usable.
func (m *Manager) bestFix(uri string, d model.Diagnostic, actions []CodeAction) *model.SuggestedFix {
	type candidate struct {
		fix   model.SuggestedFix
		score float64
	}
	var cands []candidate
	for _, a := range actions {
		if a.Kind != "" && !strings.HasPrefix(a.Kind, "quickfix") {
			continue
		}
		fix := model.SuggestedFix{Title: a.Title, Preferred: a.IsPreferred}
		switch {
		case a.Edit != nil:
			edits, ok := editsForURI(*a.Edit, uri)
			if !ok {
				continue
			}
			for _, e := range edits {
				fix.Edits = append(fix.Edits, model.TextEdit{Range: toModelRange(e.Range), NewText: e.NewText})
			}
		case len(a.Command) > 0:
			cmd, ok := decodeCommand(a)
			if !ok {
				continue
			}
			fix.Command = cmd
		default:
			continue
		}
		fix.Confidence = m.scorer.Score(d, a)
		cands = append(cands, candidate{fix: fix, score: fix.Confidence})
	}
	if len(cands) == 0 {
		return nil
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].score > cands[j].score })
	best := cands[0].fix
	return &best
}

// editsForURI returns the edits of we for uri. It fails if the edit also
// touches other documents or performs resource operations.
func editsForURI(we WorkspaceEdit, uri string) ([]TextEdit, bool) {
	if len(we.DocumentChanges) > 0 {
		var out []TextEdit
		for _, raw := range we.DocumentChanges {
			var tde TextDocumentEdit
			if err := json.Unmarshal(raw, &tde); err != nil || tde.TextDocument.URI == "" {
				return nil, false
			}
			if !sameFile(tde.TextDocument.URI, uri) {
				return nil, false
			}
			out = append(out, tde.Edits...)
		}
		return out, len(out) > 0
	}
	if len(we.Changes) != 1 {
		return nil, false
	}
	for u, edits := range we.Changes {
		if !sameFile(u, uri) {
			return nil, false
		}
		return edits, len(edits) > 0
	}
	return nil, false
}

// decodeCommand handles both a CodeAction with a Command object and a bare
// Command returned in place of a CodeAction.
func decodeCommand(a CodeAction) (*model.Command, bool) {
	var nested Command
	if err := json.Unmarshal(a.Command, &nested); err == nil && nested.Command != "" {
		return &model.Command{Title: nested.Title, Command: nested.Command, Arguments: nested.Arguments}, true
	}
	var bare string
	if err := json.Unmarshal(a.Command, &bare); err == nil && bare != "" {
		return &model.Command{Title: a.Title, Command: bare, Arguments: a.Arguments}, true
	}
	return nil, false
}

func sameFile(a, b string) bool {
	return filepath.Clean(URIToPath(a)) == filepath.Clean(URIToPath(b))
}
