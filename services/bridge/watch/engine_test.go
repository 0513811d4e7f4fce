// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package watch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/lspbridge/services/bridge/history"
	"github.com/AleutianAI/lspbridge/services/bridge/lsp"
	"github.com/AleutianAI/lspbridge/services/bridge/model"
	"github.com/AleutianAI/lspbridge/services/bridge/privacy"
)

// fakeSource stands in for the LSP manager.
type fakeSource struct {
	mu        sync.Mutex
	handlers  map[int]lsp.ChangeHandler
	next      int
	health    []lsp.ServerStatus
	restarted []string
}

func newFakeSource(health ...lsp.ServerStatus) *fakeSource {
	return &fakeSource{handlers: make(map[int]lsp.ChangeHandler), health: health}
}

func (f *fakeSource) Subscribe(h lsp.ChangeHandler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := f.next
	f.handlers[id] = h
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, id)
	}
}

func (f *fakeSource) Health() []lsp.ServerStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]lsp.ServerStatus(nil), f.health...)
}

func (f *fakeSource) Restart(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarted = append(f.restarted, id)
	for i := range f.health {
		if f.health[i].ID == id {
			f.health[i].State = lsp.ServerStateReady
		}
	}
	return nil
}

func (f *fakeSource) setState(id string, st lsp.ServerState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.health {
		if f.health[i].ID == id {
			f.health[i].State = st
		}
	}
}

func (f *fakeSource) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

func (f *fakeSource) publish(ev lsp.ChangeEvent) {
	f.mu.Lock()
	hs := make([]lsp.ChangeHandler, 0, len(f.handlers))
	for _, h := range f.handlers {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (f *fakeSource) diagnostics(path string, diags ...model.Diagnostic) {
	f.publish(lsp.ChangeEvent{Kind: lsp.ChangeDiagnostics, ServerID: "fake", FilePath: path, Diagnostics: diags, At: time.Now()})
}

// recordingSink keeps every emitted update.
type recordingSink struct {
	mu      sync.Mutex
	updates []Update
}

func (s *recordingSink) Emit(u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
	return nil
}

func (s *recordingSink) all() []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Update(nil), s.updates...)
}

func (s *recordingSink) withFiles() []Update {
	var out []Update
	for _, u := range s.all() {
		if len(u.Files) > 0 {
			out = append(out, u)
		}
	}
	return out
}

func diag(file string, line int, sev model.Severity, msg string) model.Diagnostic {
	return model.Diagnostic{
		FilePath: file,
		Range:    model.Range{Start: model.Position{Line: line}, End: model.Position{Line: line, Character: 4}},
		Severity: sev,
		Source:   "fake",
		Message:  msg,
	}.Normalize()
}

func startEngine(t *testing.T, src *fakeSource, opts Options, scope model.Scope, debounce time.Duration) (*Engine, *recordingSink) {
	t.Helper()
	if opts.HealthInterval == 0 {
		opts.HealthInterval = -1
	}
	sink := &recordingSink{}
	e := NewEngine(src, sink, opts)
	require.NoError(t, e.Start(context.Background(), scope, debounce))
	t.Cleanup(e.Stop)
	return e, sink
}

func TestEngine_DebounceEmitsFinalState(t *testing.T) {
	src := newFakeSource()
	_, sink := startEngine(t, src, Options{}, model.WorkspaceScope, 80*time.Millisecond)

	src.diagnostics("/w/a.rs", diag("/w/a.rs", 1, model.SeverityError, "first"))
	time.Sleep(10 * time.Millisecond)
	src.diagnostics("/w/a.rs", diag("/w/a.rs", 1, model.SeverityError, "second"))
	time.Sleep(10 * time.Millisecond)
	src.diagnostics("/w/a.rs",
		diag("/w/a.rs", 1, model.SeverityError, "third"),
		diag("/w/a.rs", 3, model.SeverityWarning, "extra"))

	require.Eventually(t, func() bool { return len(sink.withFiles()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	updates := sink.withFiles()
	require.Len(t, updates, 1)
	require.Len(t, updates[0].Files, 1)
	delta := updates[0].Files[0]
	assert.Equal(t, "/w/a.rs", delta.Path)
	require.Len(t, delta.Diagnostics, 2)
	assert.Equal(t, "third", delta.Diagnostics[0].Message)
	assert.Equal(t, StateWatching, updates[0].State)
}

func TestEngine_StopDiscardsPending(t *testing.T) {
	src := newFakeSource()
	sink := &recordingSink{}
	e := NewEngine(src, sink, Options{HealthInterval: -1})
	require.NoError(t, e.Start(context.Background(), model.WorkspaceScope, 50*time.Millisecond))

	src.diagnostics("/w/a.rs", diag("/w/a.rs", 0, model.SeverityError, "pending"))
	e.Stop()
	stoppedAt := len(sink.all())

	time.Sleep(150 * time.Millisecond)
	src.diagnostics("/w/a.rs", diag("/w/a.rs", 0, model.SeverityError, "after stop"))
	time.Sleep(100 * time.Millisecond)

	all := sink.all()
	assert.Len(t, all, stoppedAt, "nothing may be emitted after Stop returns")
	assert.Empty(t, sink.withFiles())
	assert.Equal(t, StateIdle, all[len(all)-1].State)
	assert.Equal(t, StateIdle, e.State())
	assert.Zero(t, src.subscribers())

	e.Stop()
	assert.Len(t, sink.all(), stoppedAt)
}

func TestEngine_SequenceIsContiguous(t *testing.T) {
	src := newFakeSource()
	e, sink := startEngine(t, src, Options{}, model.WorkspaceScope, 20*time.Millisecond)

	files := []string{"/w/a.rs", "/w/b.rs", "/w/c.rs", "/w/d.rs"}
	for i, f := range files {
		src.diagnostics(f, diag(f, i, model.SeverityWarning, "w"))
	}
	require.Eventually(t, func() bool { return len(sink.withFiles()) == len(files) }, time.Second, 5*time.Millisecond)

	session := e.Session()
	for i, u := range sink.all() {
		assert.Equal(t, uint64(i+1), u.Seq)
		assert.Equal(t, session, u.Session)
	}
}

func TestEngine_PerFileOrder(t *testing.T) {
	src := newFakeSource()
	_, sink := startEngine(t, src, Options{}, model.WorkspaceScope, 15*time.Millisecond)

	for i := 0; i < 5; i++ {
		src.diagnostics("/w/a.rs", diag("/w/a.rs", i, model.SeverityError, "step"))
		time.Sleep(40 * time.Millisecond)
	}
	require.Eventually(t, func() bool { return len(sink.withFiles()) == 5 }, time.Second, 5*time.Millisecond)

	for i, u := range sink.withFiles() {
		assert.Equal(t, i, u.Files[0].Diagnostics[0].Range.Start.Line)
	}
}

func TestEngine_UnchangedSetIsNotReemitted(t *testing.T) {
	src := newFakeSource()
	_, sink := startEngine(t, src, Options{}, model.WorkspaceScope, 15*time.Millisecond)

	d := diag("/w/a.rs", 2, model.SeverityError, "same")
	src.diagnostics("/w/a.rs", d)
	require.Eventually(t, func() bool { return len(sink.withFiles()) == 1 }, time.Second, 5*time.Millisecond)

	src.diagnostics("/w/a.rs", d)
	time.Sleep(80 * time.Millisecond)
	assert.Len(t, sink.withFiles(), 1)

	src.diagnostics("/w/a.rs")
	require.Eventually(t, func() bool { return len(sink.withFiles()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, sink.withFiles()[1].Files[0].Diagnostics)
}

func TestEngine_ScopeAndPrivacy(t *testing.T) {
	filter, err := privacy.New(privacy.Options{Root: "/w"})
	require.NoError(t, err)

	src := newFakeSource()
	_, sink := startEngine(t, src, Options{Filter: filter, Privacy: privacy.LevelStrict},
		model.Scope{Kind: model.ScopeErrors}, 15*time.Millisecond)

	src.diagnostics("/w/src/a.rs",
		diag("/w/src/a.rs", 0, model.SeverityError, `token=abcdef123456 in /home/alice/a.rs`),
		diag("/w/src/a.rs", 1, model.SeverityWarning, "unused"))
	require.Eventually(t, func() bool { return len(sink.withFiles()) == 1 }, time.Second, 5*time.Millisecond)

	delta := sink.withFiles()[0].Files[0]
	assert.Equal(t, "src/a.rs", delta.Path)
	require.Len(t, delta.Diagnostics, 1)
	got := delta.Diagnostics[0]
	assert.Equal(t, model.SeverityError, got.Severity)
	assert.Equal(t, "src/a.rs", got.FilePath)
	assert.NotContains(t, got.Message, "abcdef123456")
	assert.NotContains(t, got.Message, "/home/alice")
}

func TestEngine_FileScope(t *testing.T) {
	src := newFakeSource()
	_, sink := startEngine(t, src, Options{}, model.Scope{Kind: model.ScopeFile, File: "/w/b.rs"}, 15*time.Millisecond)

	src.diagnostics("/w/a.rs", diag("/w/a.rs", 0, model.SeverityError, "a"))
	src.diagnostics("/w/b.rs", diag("/w/b.rs", 0, model.SeverityError, "b"))
	require.Eventually(t, func() bool { return len(sink.withFiles()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	updates := sink.withFiles()
	require.Len(t, updates, 1)
	assert.Equal(t, "/w/b.rs", updates[0].Files[0].Path)
}

func TestEngine_DegradedAndRecovered(t *testing.T) {
	src := newFakeSource(lsp.ServerStatus{ID: "rust-analyzer", State: lsp.ServerStateCrashed, Attached: true})
	e, sink := startEngine(t, src, Options{HealthInterval: 10 * time.Millisecond}, model.WorkspaceScope, 15*time.Millisecond)

	require.Eventually(t, func() bool { return e.State() == StateDegraded }, time.Second, 5*time.Millisecond)
	src.setState("rust-analyzer", lsp.ServerStateReady)
	require.Eventually(t, func() bool { return e.State() == StateWatching }, time.Second, 5*time.Millisecond)

	var states []State
	for _, u := range sink.all() {
		assert.Empty(t, u.Files)
		states = append(states, u.State)
	}
	assert.Equal(t, []State{StateWatching, StateDegraded, StateWatching}, states)

	degraded := sink.all()[1]
	require.Len(t, degraded.Stale, 1)
	assert.Equal(t, "rust-analyzer", degraded.Stale[0].ServerID)
	assert.Empty(t, src.restarted, "attached servers are not restarted")
}

func TestEngine_RestartsCrashedServer(t *testing.T) {
	src := newFakeSource(lsp.ServerStatus{ID: "gopls", State: lsp.ServerStateCrashed})
	e, _ := startEngine(t, src, Options{HealthInterval: 10 * time.Millisecond}, model.WorkspaceScope, 15*time.Millisecond)

	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return len(src.restarted) > 0
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "gopls", src.restarted[0])
	assert.Equal(t, StateWatching, e.State())
}

func TestEngine_ServerDownEventDegrades(t *testing.T) {
	src := newFakeSource(lsp.ServerStatus{ID: "pyright", State: lsp.ServerStateReady, Attached: true})
	e, _ := startEngine(t, src, Options{}, model.WorkspaceScope, 15*time.Millisecond)

	src.setState("pyright", lsp.ServerStateCrashed)
	src.publish(lsp.ChangeEvent{Kind: lsp.ChangeServerDown, ServerID: "pyright", Err: errors.New("eof")})
	require.Eventually(t, func() bool { return e.State() == StateDegraded }, time.Second, 5*time.Millisecond)

	src.setState("pyright", lsp.ServerStateReady)
	src.publish(lsp.ChangeEvent{Kind: lsp.ChangeServerUp, ServerID: "pyright"})
	require.Eventually(t, func() bool { return e.State() == StateWatching }, time.Second, 5*time.Millisecond)
}

func TestEngine_RecordsDeltas(t *testing.T) {
	store, err := history.New(context.Background(), history.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	src := newFakeSource()
	_, sink := startEngine(t, src, Options{Recorder: store}, model.WorkspaceScope, 15*time.Millisecond)

	src.diagnostics("/w/a.rs", diag("/w/a.rs", 0, model.SeverityError, "e"))
	require.Eventually(t, func() bool { return store.Len() == 1 }, time.Second, 5*time.Millisecond)

	entry := store.Entries()[0]
	assert.True(t, entry.Partial)
	assert.Equal(t, history.TriggerWatch, entry.Trigger)
	assert.Equal(t, 1, entry.Files["/w/a.rs"].Counts.Errors)
	assert.Len(t, sink.withFiles(), 1)
}

func TestEngine_StartValidation(t *testing.T) {
	src := newFakeSource()
	e := NewEngine(src, &recordingSink{}, Options{HealthInterval: -1})

	err := e.Start(context.Background(), model.WorkspaceScope, 0)
	assert.ErrorIs(t, err, ErrInvalidDebounce)
	assert.Equal(t, StateIdle, e.State())

	require.NoError(t, e.Start(context.Background(), model.WorkspaceScope, time.Second))
	defer e.Stop()
	assert.ErrorIs(t, e.Start(context.Background(), model.WorkspaceScope, time.Second), ErrAlreadyWatching)
}

func TestEngine_RestartAfterStop(t *testing.T) {
	src := newFakeSource()
	sink := &recordingSink{}
	e := NewEngine(src, sink, Options{HealthInterval: -1})

	require.NoError(t, e.Start(context.Background(), model.WorkspaceScope, 10*time.Millisecond))
	first := e.Session()
	e.Stop()
	require.NoError(t, e.Start(context.Background(), model.WorkspaceScope, 10*time.Millisecond))
	defer e.Stop()

	assert.NotEqual(t, first, e.Session())
	all := sink.all()
	assert.Equal(t, uint64(1), all[len(all)-1].Seq, "sequence restarts with each session")
}

func TestNDJSONSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewNDJSONSink(&buf)

	require.NoError(t, sink.Emit(Update{Session: "s", Seq: 1, State: StateWatching}))
	require.NoError(t, sink.Emit(Update{Session: "s", Seq: 2, State: StateWatching,
		Files: []FileDelta{{Path: "/w/a.rs"}}}))

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, []any{}, first["files"])
	assert.NotContains(t, first, "stale")

	var second Update
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, uint64(2), second.Seq)
	require.Len(t, second.Files, 1)
	assert.NotNil(t, second.Files[0].Diagnostics)
	assert.Contains(t, lines[1], `"diagnostics":[]`)
}
