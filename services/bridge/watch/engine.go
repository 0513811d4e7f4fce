// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch turns the language server change stream into debounced,
// sequenced per-file updates.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/lspbridge/services/bridge/history"
	"github.com/AleutianAI/lspbridge/services/bridge/lsp"
	"github.com/AleutianAI/lspbridge/services/bridge/model"
	"github.com/AleutianAI/lspbridge/services/bridge/privacy"
)

// State is the watch session state.
type State string

const (
	StateIdle     State = "idle"
	StateWatching State = "watching"
	StateDegraded State = "degraded"
)

var (
	// ErrAlreadyWatching is returned by Start when a session is running.
	ErrAlreadyWatching = errors.New("watch session already running")

	// ErrInvalidDebounce is returned by Start for a non-positive interval.
	ErrInvalidDebounce = errors.New("debounce interval must be positive")
)

// DefaultHealthInterval is how often server health is polled.
const DefaultHealthInterval = 5 * time.Second

// Source is the change stream and health surface of the LSP manager.
type Source interface {
	Subscribe(handler lsp.ChangeHandler) (unsubscribe func())
	Health() []lsp.ServerStatus
	Restart(ctx context.Context, id string) error
}

// openFileLister is implemented by sources that track open documents.
type openFileLister interface {
	OpenFiles() []string
}

// Recorder stores emitted deltas as partial history entries.
type Recorder interface {
	RecordDelta(ctx context.Context, delta map[string][]model.Diagnostic, trigger history.Trigger) (history.Entry, error)
}

// FileDelta is the new complete diagnostic set of one file.
type FileDelta struct {
	Path        string             `json:"path"`
	Diagnostics []model.Diagnostic `json:"diagnostics"`
}

// Update is one emitted event. Seq increases by one per update within a
// session, so consumers can detect gaps.
type Update struct {
	Session string              `json:"session"`
	Seq     uint64              `json:"seq"`
	State   State               `json:"state"`
	At      time.Time           `json:"at"`
	Files   []FileDelta         `json:"files"`
	Stale   []model.StaleServer `json:"stale,omitempty"`
}

// Sink consumes updates. Emit is called from one goroutine at a time.
type Sink interface {
	Emit(u Update) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(u Update) error

// Emit calls f.
func (f SinkFunc) Emit(u Update) error { return f(u) }

// Options configures an Engine.
type Options struct {
	// HealthInterval is the server health poll period. Zero means
	// DefaultHealthInterval; negative disables polling, server-down
	// events still move the session to degraded.
	HealthInterval time.Duration

	// Filter and Privacy redact every delta before it is emitted. A nil
	// Filter emits diagnostics unchanged.
	Filter  *privacy.Filter
	Privacy privacy.Level

	// OpenFiles are the editor's open files for the open scope. Empty
	// means the files the source has open.
	OpenFiles []string

	// Recorder, when set, records every emitted delta.
	Recorder Recorder

	Logger *slog.Logger
}

// pendingFile is the buffered state of one file awaiting its debounce.
type pendingFile struct {
	timer   *time.Timer
	token   uint64
	diags   []model.Diagnostic
	changes int
}

// Engine is a watch session driver.
//
// Description:
//
//	Every diagnostics change is buffered per file behind its own timer. A
//	new change re-arms the timer, so a file is emitted only after the
//	debounce interval passes with no further changes. A generation counter
//	is bumped by Stop so that a timer callback already running cannot
//	emit once Stop has returned.
//
// Thread Safety:
//
//	Safe for concurrent use. Lock order is emitMu before mu.
type Engine struct {
	source Source
	sink   Sink
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	state       State
	gen         uint64
	token       uint64
	session     string
	scope       model.Scope
	debounce    time.Duration
	pending     map[string]*pendingFile
	last        map[string]string
	down        map[string]string
	unsubscribe func()
	cancel      context.CancelFunc
	ctx         context.Context
	kick        chan struct{}
	loopDone    chan struct{}

	emitMu sync.Mutex
	seq    uint64
}

// NewEngine creates an idle engine.
func NewEngine(source Source, sink Sink, opts Options) *Engine {
	if opts.HealthInterval == 0 {
		opts.HealthInterval = DefaultHealthInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		source: source,
		sink:   sink,
		opts:   opts,
		logger: logger.With(slog.String("component", "watch")),
		state:  StateIdle,
	}
}

// State returns the current session state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Session returns the current session ID, empty when idle.
func (e *Engine) Session() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// Start begins a watch session over scope.
//
// Outputs:
//
//	error - ErrAlreadyWatching when a session is running, or
//	  ErrInvalidDebounce for debounce <= 0.
func (e *Engine) Start(ctx context.Context, scope model.Scope, debounce time.Duration) error {
	if debounce <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidDebounce, debounce)
	}
	if scope.Kind == "" {
		scope = model.WorkspaceScope
	}
	if scope.Kind == model.ScopeFile && scope.File != "" {
		if abs, err := filepath.Abs(scope.File); err == nil {
			scope.File = abs
		}
	}

	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return ErrAlreadyWatching
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.gen++
	e.session = uuid.NewString()
	e.scope = scope
	e.debounce = debounce
	e.pending = make(map[string]*pendingFile)
	e.last = make(map[string]string)
	e.down = make(map[string]string)
	e.ctx = loopCtx
	e.cancel = cancel
	e.kick = make(chan struct{}, 1)
	e.loopDone = make(chan struct{})
	e.state = StateWatching
	e.seq = 0
	gen := e.gen
	u := e.nextUpdateLocked()
	e.mu.Unlock()

	sessionsStarted.Inc()
	e.logger.Info("watch started",
		slog.String("session", u.Session),
		slog.String("scope", scope.String()),
		slog.Duration("debounce", debounce))
	e.emitLocked(u)

	unsubscribe := e.source.Subscribe(func(ev lsp.ChangeEvent) { e.onChange(gen, ev) })
	e.mu.Lock()
	e.unsubscribe = unsubscribe
	kick, done := e.kick, e.loopDone
	e.signalHealthLocked()
	e.mu.Unlock()

	go e.healthLoop(loopCtx, gen, kick, done)
	return nil
}

// Stop ends the session. Pending updates are discarded and their timers
// stopped; no update is emitted after Stop returns except the final idle
// transition, which Stop emits itself. Stop on an idle engine is a no-op.
func (e *Engine) Stop() {
	e.emitMu.Lock()
	e.mu.Lock()
	if e.state == StateIdle {
		e.mu.Unlock()
		e.emitMu.Unlock()
		return
	}
	e.gen++
	e.state = StateIdle
	for path, p := range e.pending {
		p.timer.Stop()
		delete(e.pending, path)
	}
	unsubscribe, cancel, done := e.unsubscribe, e.cancel, e.loopDone
	e.unsubscribe = nil
	u := e.nextUpdateLocked()
	e.session = ""
	e.mu.Unlock()

	unsubscribe()
	cancel()
	e.emitLocked(u)
	e.emitMu.Unlock()

	<-done
	e.logger.Info("watch stopped", slog.String("session", u.Session), slog.Uint64("updates", u.Seq))
}

// onChange buffers a change event. It runs on the manager's dispatch
// goroutine and never blocks.
func (e *Engine) onChange(gen uint64, ev lsp.ChangeEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen || e.state == StateIdle {
		return
	}

	switch ev.Kind {
	case lsp.ChangeServerDown, lsp.ChangeServerUp:
		e.signalHealthLocked()
		return
	case lsp.ChangeDiagnostics:
	default:
		return
	}
	if !e.inScopeLocked(ev.FilePath) {
		return
	}
	changesReceived.Inc()

	p, ok := e.pending[ev.FilePath]
	if !ok {
		p = &pendingFile{}
		e.pending[ev.FilePath] = p
	}
	p.diags = ev.Diagnostics
	p.changes++
	e.token++
	token := e.token
	p.token = token
	if p.timer != nil {
		p.timer.Stop()
	}
	path := ev.FilePath
	p.timer = time.AfterFunc(e.debounce, func() { e.flush(gen, path, token) })
}

// flush emits one file after its debounce elapsed.
func (e *Engine) flush(gen uint64, path string, token uint64) {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()

	e.mu.Lock()
	p, ok := e.pending[path]
	if e.gen != gen || e.state == StateIdle || !ok || p.token != token {
		e.mu.Unlock()
		return
	}
	delete(e.pending, path)
	diags := e.prepareLocked(path, p.diags)
	fp := fingerprint(diags)
	if prev, seen := e.last[path]; seen && prev == fp {
		e.mu.Unlock()
		coalesced.Add(float64(p.changes))
		return
	}
	e.last[path] = fp
	coalesced.Add(float64(p.changes - 1))
	u := e.nextUpdateLocked()
	u.Files = []FileDelta{{Path: e.displayPathLocked(path), Diagnostics: diags}}
	ctx := e.ctx
	e.mu.Unlock()

	e.emitLocked(u)
	if e.opts.Recorder != nil {
		delta := map[string][]model.Diagnostic{path: diags}
		if _, err := e.opts.Recorder.RecordDelta(ctx, delta, history.TriggerWatch); err != nil {
			e.logger.Warn("record watch delta failed", slog.String("file", path), slog.String("error", err.Error()))
		}
	}
}

func (e *Engine) displayPathLocked(path string) string {
	if e.opts.Filter == nil {
		return path
	}
	return e.opts.Filter.DisplayPath(path, e.opts.Privacy)
}

// prepareLocked applies the scope and privacy filters to a file's set.
func (e *Engine) prepareLocked(path string, diags []model.Diagnostic) []model.Diagnostic {
	out := make([]model.Diagnostic, 0, len(diags))
	level := e.opts.Privacy
	if level == "" {
		level = privacy.LevelDefault
	}
	if e.opts.Filter != nil && e.opts.Filter.Excluded(path, level) {
		return out
	}
	for _, d := range diags {
		if e.scope.Kind == model.ScopeErrors && d.Severity != model.SeverityError {
			continue
		}
		if e.opts.Filter != nil {
			d = e.opts.Filter.Redact(d, level)
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool { return model.Less(out[i], out[j]) })
	return out
}

func (e *Engine) inScopeLocked(path string) bool {
	switch e.scope.Kind {
	case model.ScopeFile:
		return e.scope.File == "" || path == e.scope.File
	case model.ScopeOpen:
		open := e.opts.OpenFiles
		if len(open) == 0 {
			lister, ok := e.source.(openFileLister)
			if !ok {
				return true
			}
			open = lister.OpenFiles()
		}
		for _, f := range open {
			if f == path {
				return true
			}
		}
		return false
	}
	return true
}

// nextUpdateLocked assigns the next sequence number. Callers hold emitMu
// and mu.
func (e *Engine) nextUpdateLocked() Update {
	e.seq++
	return Update{
		Session: e.session,
		Seq:     e.seq,
		State:   e.state,
		At:      time.Now().UTC(),
		Files:   []FileDelta{},
		Stale:   e.staleLocked(),
	}
}

func (e *Engine) staleLocked() []model.StaleServer {
	if len(e.down) == 0 {
		return nil
	}
	out := make([]model.StaleServer, 0, len(e.down))
	for id, reason := range e.down {
		out = append(out, model.StaleServer{ServerID: id, Reason: reason})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerID < out[j].ServerID })
	return out
}

// emitLocked writes u to the sink. Callers hold emitMu.
func (e *Engine) emitLocked(u Update) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Emit(u); err != nil {
		sinkErrors.Inc()
		e.logger.Warn("emit update failed", slog.Uint64("seq", u.Seq), slog.String("error", err.Error()))
		return
	}
	updatesEmitted.WithLabelValues(string(u.State)).Inc()
}

func (e *Engine) signalHealthLocked() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// healthLoop polls server health and drives the degraded transitions.
func (e *Engine) healthLoop(ctx context.Context, gen uint64, kick <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	var tick <-chan time.Time
	if e.opts.HealthInterval > 0 {
		ticker := time.NewTicker(e.opts.HealthInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-kick:
		}
		e.checkHealth(ctx, gen)
	}
}

// checkHealth restarts unresponsive servers and emits a state update when
// the session moves between watching and degraded.
func (e *Engine) checkHealth(ctx context.Context, gen uint64) {
	down := make(map[string]string)
	var restart []string
	for _, st := range e.source.Health() {
		if st.State == lsp.ServerStateReady {
			continue
		}
		reason := strings.ToLower(st.State.String())
		if st.Err != "" {
			reason += ": " + st.Err
		}
		down[st.ID] = reason
		if !st.Attached && (st.State == lsp.ServerStateCrashed || st.State == lsp.ServerStateStopped) {
			restart = append(restart, st.ID)
		}
	}

	for _, id := range restart {
		if ctx.Err() != nil {
			return
		}
		restarts.Inc()
		if err := e.source.Restart(ctx, id); err != nil {
			e.logger.Warn("server restart failed", slog.String("server", id), slog.String("error", err.Error()))
			continue
		}
		e.logger.Info("server restarted", slog.String("server", id))
		delete(down, id)
	}

	e.emitMu.Lock()
	defer e.emitMu.Unlock()
	e.mu.Lock()
	if e.gen != gen || e.state == StateIdle {
		e.mu.Unlock()
		return
	}
	e.down = down
	next := StateWatching
	if len(down) > 0 {
		next = StateDegraded
	}
	if next == e.state {
		e.mu.Unlock()
		return
	}
	prev := e.state
	e.state = next
	u := e.nextUpdateLocked()
	e.mu.Unlock()

	e.logger.Info("watch state changed",
		slog.String("from", string(prev)),
		slog.String("to", string(next)),
		slog.Int("unresponsive", len(down)))
	e.emitLocked(u)
}

// fingerprint identifies a diagnostic set by its ordered IDs.
func fingerprint(diags []model.Diagnostic) string {
	var b strings.Builder
	for _, d := range diags {
		b.WriteString(d.ID)
		b.WriteByte(',')
		b.WriteString(d.Message)
		b.WriteByte(0)
	}
	return b.String()
}
