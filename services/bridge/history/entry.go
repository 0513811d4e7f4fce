// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/lspbridge/services/bridge/model"
)

// Trigger names what caused an entry to be recorded.
type Trigger string

const (
	TriggerExport   Trigger = "export"
	TriggerWatch    Trigger = "watch"
	TriggerQuickFix Trigger = "quickfix"
	TriggerManual   Trigger = "manual"
)

// ParseTrigger validates a trigger name. Empty means manual.
func ParseTrigger(s string) (Trigger, error) {
	switch t := Trigger(strings.ToLower(strings.TrimSpace(s))); t {
	case "":
		return TriggerManual, nil
	case TriggerExport, TriggerWatch, TriggerQuickFix, TriggerManual:
		return t, nil
	}
	return "", fmt.Errorf("unknown history trigger %q", s)
}

// FileState is the recorded diagnostic state of one file.
type FileState struct {
	Counts model.Counts `json:"counts" msgpack:"c"`

	// Fingerprint identifies the exact diagnostic set. Empty when the file
	// has no diagnostics.
	Fingerprint string `json:"fingerprint,omitempty" msgpack:"f"`
}

// Entry is one committed history record.
//
// A full entry replaces the state of every file; files it does not list
// are considered clean. A partial entry only updates the files it lists.
type Entry struct {
	Seq       uint64               `json:"seq" msgpack:"s"`
	ID        string               `json:"id" msgpack:"id"`
	Timestamp time.Time            `json:"timestamp" msgpack:"t"`
	Trigger   Trigger              `json:"trigger" msgpack:"tr"`
	Partial   bool                 `json:"partial,omitempty" msgpack:"p"`
	Files     map[string]FileState `json:"files" msgpack:"fs"`
}

// Counts sums the counts of every file in the entry.
func (e Entry) Counts() model.Counts {
	var c model.Counts
	for _, st := range e.Files {
		c = c.Plus(st.Counts)
	}
	return c
}

func (e Entry) clone() Entry {
	files := make(map[string]FileState, len(e.Files))
	for f, st := range e.Files {
		files[f] = st
	}
	e.Files = files
	return e
}

// stateOf builds a file state from one file's diagnostics.
func stateOf(diags []model.Diagnostic) FileState {
	if len(diags) == 0 {
		return FileState{}
	}
	ids := make([]string, len(diags))
	for i, d := range diags {
		ids[i] = d.ID
		if ids[i] == "" {
			ids[i] = model.DiagnosticID(d.FilePath, d.Range, d.Source, d.Message)
		}
	}
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(strings.Join(ids, "\n")))
	return FileState{
		Counts:      model.CountDiagnostics(diags),
		Fingerprint: hex.EncodeToString(sum[:8]),
	}
}

// replay walks entries in order and maintains the reconstructed state.
type replay struct {
	state map[string]FileState
}

func newReplay() *replay {
	return &replay{state: make(map[string]FileState)}
}

// apply folds e into the state and returns the files whose fingerprint
// changed.
func (r *replay) apply(e Entry) []string {
	var changed []string
	if !e.Partial {
		for f, prev := range r.state {
			if _, listed := e.Files[f]; !listed {
				if prev.Fingerprint != "" {
					changed = append(changed, f)
				}
				delete(r.state, f)
			}
		}
	}
	for f, st := range e.Files {
		if r.state[f].Fingerprint != st.Fingerprint {
			changed = append(changed, f)
		}
		r.state[f] = st
	}
	return changed
}

// counts returns the current counts for file, or for the workspace when
// file is empty.
func (r *replay) counts(file string) model.Counts {
	if file != "" {
		return r.state[file].Counts
	}
	var c model.Counts
	for _, st := range r.state {
		c = c.Plus(st.Counts)
	}
	return c
}
