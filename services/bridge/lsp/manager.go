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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/lspbridge/services/bridge/model"
)

// =============================================================================
// MANAGER CONFIG
// =============================================================================

// ManagerConfig configures the LSP manager.
type ManagerConfig struct {
	// StartupTimeout bounds spawn plus initialize for one server.
	StartupTimeout time.Duration

	// RequestTimeout bounds every request and every wait for a server to
	// catch up with document changes.
	RequestTimeout time.Duration

	// Freshness is how long a server's cache stays fresh without a publish.
	// Zero means the cache is fresh until documents change.
	Freshness time.Duration

	// FetchFixes requests quick-fix code actions for published diagnostics.
	FetchFixes bool

	// Scorer assigns confidence to fetched fixes. Nil uses NewWeightedScorer().
	Scorer FixScorer

	// Logger receives manager logs. Nil uses slog.Default().
	Logger *slog.Logger
}

// DefaultManagerConfig returns sensible defaults for the manager.
//
// Description:
//
//	Returns a configuration with:
//	  - StartupTimeout: 30 seconds
//	  - RequestTimeout: 5 seconds
//	  - Freshness: 0 (fresh until a document changes)
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		StartupTimeout: 30 * time.Second,
		RequestTimeout: 5 * time.Second,
	}
}

// =============================================================================
// CHANGE STREAM
// =============================================================================

// ChangeKind classifies change events.
type ChangeKind string

const (
	// ChangeDiagnostics means a file's merged diagnostic set changed.
	ChangeDiagnostics ChangeKind = "diagnostics"

	// ChangeServerDown means a server stopped answering.
	ChangeServerDown ChangeKind = "server-down"

	// ChangeServerUp means a server (re)connected.
	ChangeServerUp ChangeKind = "server-up"
)

// ChangeEvent is delivered to subscribers.
//
// For ChangeDiagnostics, Diagnostics is the complete merged set for
// FilePath across every server, replacing anything seen before.
type ChangeEvent struct {
	Kind        ChangeKind
	ServerID    string
	FilePath    string
	Diagnostics []model.Diagnostic
	Err         error
	At          time.Time
}

// ChangeHandler receives change events. Handlers run on the goroutine that
// produced the event and must not block.
type ChangeHandler func(ChangeEvent)

// ServerStatus is a health report for one server.
type ServerStatus struct {
	ID          string      `json:"id"`
	State       ServerState `json:"state"`
	Attached    bool        `json:"attached"`
	OpenFiles   int         `json:"open_files"`
	LastPublish time.Time   `json:"last_publish,omitempty"`
	Err         string      `json:"error,omitempty"`
}

// ConnectResult reports the outcome of connecting one server.
type ConnectResult struct {
	ServerID string
	Err      error
}

// =============================================================================
// MANAGER
// =============================================================================

// serverEntry is the manager's per-server state.
type serverEntry struct {
	spec     ServerSpec
	adapter  Adapter
	server   *Server
	attached bool

	mu          sync.Mutex
	diags       map[string][]model.Diagnostic // by URI, replaced wholesale
	gen         map[string]uint64             // per-URI publish generation
	dirty       map[string]struct{}           // URIs changed since their last publish
	lastPublish time.Time
	lastErr     error
	changed     chan struct{} // closed and replaced on every publish
}

func newServerEntry(spec ServerSpec) *serverEntry {
	return &serverEntry{
		spec:    spec,
		adapter: AdapterFor(spec),
		diags:   make(map[string][]model.Diagnostic),
		gen:     make(map[string]uint64),
		dirty:   make(map[string]struct{}),
		changed: make(chan struct{}),
	}
}

// Manager owns every language server connection and the live diagnostic
// state built from their notifications.
//
// Description:
//
//	One Manager exists per bridge process and is passed explicitly to the
//	components that need it. Diagnostics are kept per server and per file
//	URI; a publish replaces the server's whole set for that file. Reads
//	merge the per-server sets by concatenation and de-duplicate.
//
// Thread Safety:
//
//	Safe for concurrent use. Each server's stream is read on its own
//	goroutine; a slow or dead server never blocks the others.
type Manager struct {
	config   ManagerConfig
	rootPath string
	registry *Registry
	logger   *slog.Logger
	scorer   FixScorer

	serversMu sync.RWMutex
	servers   map[string]*serverEntry

	// dispatchMu orders store updates with event delivery so subscribers
	// see each file's sets in publish order.
	dispatchMu sync.Mutex
	subsMu     sync.RWMutex
	subs       map[uint64]ChangeHandler
	nextSub    uint64

	lastActivity atomic.Int64 // unix nanos of the last open or publish
	refresh      singleflight.Group

	closed    chan struct{}
	closeOnce sync.Once
}

// NewManager creates a manager for the workspace at rootPath.
//
// Inputs:
//
//	rootPath - Absolute path to the workspace root
//	registry - Server specs used for file ownership; nil means defaults
//	config - Manager configuration
func NewManager(rootPath string, registry *Registry, config ManagerConfig) *Manager {
	if registry == nil {
		registry, _ = NewRegistry(DefaultServerSpecs()...)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Scorer == nil {
		config.Scorer = NewWeightedScorer()
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultManagerConfig().RequestTimeout
	}
	if config.StartupTimeout <= 0 {
		config.StartupTimeout = DefaultManagerConfig().StartupTimeout
	}
	m := &Manager{
		config:   config,
		rootPath: rootPath,
		registry: registry,
		logger:   config.Logger.With(slog.String("component", "lsp.manager")),
		scorer:   config.Scorer,
		servers:  make(map[string]*serverEntry),
		subs:     make(map[uint64]ChangeHandler),
		closed:   make(chan struct{}),
	}
	m.lastActivity.Store(time.Now().UnixNano())
	return m
}

// RootPath returns the workspace root.
func (m *Manager) RootPath() string { return m.rootPath }

// Registry returns the server spec registry.
func (m *Manager) Registry() *Registry { return m.registry }

// Scorer returns the fix scorer in use.
func (m *Manager) Scorer() FixScorer { return m.scorer }

// =============================================================================
// CONNECTING
// =============================================================================

// Connect starts a language server process and registers it.
//
// Description:
//
//	Spawns spec.Command in the workspace root and negotiates capabilities
//	within StartupTimeout. A server already connected under spec.ID is
//	left alone.
//
// Errors:
//
//	ServerUnavailable - binary missing, spawn failure, handshake failure or timeout
//	ProtocolError - the server's initialize result could not be parsed
//	ErrManagerClosed - Shutdown was called
func (m *Manager) Connect(ctx context.Context, spec ServerSpec) error {
	return m.connect(ctx, spec, nil)
}

// Attach registers a server reachable over an existing transport.
func (m *Manager) Attach(ctx context.Context, spec ServerSpec, conn io.ReadWriteCloser) error {
	if conn == nil {
		return fmt.Errorf("conn must not be nil")
	}
	return m.connect(ctx, spec, conn)
}

func (m *Manager) connect(ctx context.Context, spec ServerSpec, conn io.ReadWriteCloser) error {
	if ctx == nil {
		return fmt.Errorf("ctx must not be nil")
	}
	select {
	case <-m.closed:
		return ErrManagerClosed
	default:
	}

	m.serversMu.Lock()
	if e, ok := m.servers[spec.ID]; ok && e.server != nil && e.server.State() == ServerStateReady {
		m.serversMu.Unlock()
		return nil
	}
	entry, ok := m.servers[spec.ID]
	if !ok {
		entry = newServerEntry(spec)
		m.servers[spec.ID] = entry
	}
	m.serversMu.Unlock()

	if _, known := m.registry.Get(spec.ID); !known {
		if err := m.registry.Register(spec); err != nil {
			return unavailable(spec.ID, err)
		}
	}

	ctx, span := startSpan(ctx, "Connect", attribute.String("lsp.server", spec.ID))
	defer span.End()

	srv := NewServer(spec, m.rootPath, m.hooksFor(entry), m.config.Logger)
	startCtx, cancel := context.WithTimeout(ctx, m.config.StartupTimeout)
	defer cancel()

	var err error
	if conn != nil {
		err = srv.Attach(startCtx, conn)
	} else {
		err = srv.Start(startCtx)
	}

	entry.mu.Lock()
	entry.lastErr = err
	if err == nil {
		entry.server = srv
		entry.attached = conn != nil
	}
	entry.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		m.logger.Warn("Language server unavailable",
			slog.String("server", spec.ID), slog.String("error", err.Error()))
		return err
	}
	m.emit(ChangeEvent{Kind: ChangeServerUp, ServerID: spec.ID, At: time.Now()})
	return nil
}

// ConnectAll connects every spec concurrently. One server failing does not
// affect the others; each outcome is reported in spec order.
func (m *Manager) ConnectAll(ctx context.Context, specs []ServerSpec) []ConnectResult {
	results := make([]ConnectResult, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	for i, spec := range specs {
		i, spec := i, spec
		g.Go(func() error {
			results[i] = ConnectResult{ServerID: spec.ID, Err: m.Connect(gctx, spec)}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// hooksFor routes a server's traffic back into the manager.
func (m *Manager) hooksFor(entry *serverEntry) ServerHooks {
	return ServerHooks{
		Notify: func(method string, params json.RawMessage) {
			m.handleNotification(entry, method, params)
		},
		Request: func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
			return m.handleServerRequest(ctx, entry, method, params)
		},
		Exit: func(err error) {
			entry.mu.Lock()
			entry.lastErr = err
			entry.mu.Unlock()
			m.emit(ChangeEvent{Kind: ChangeServerDown, ServerID: entry.spec.ID, Err: err, At: time.Now()})
		},
	}
}

// Restart replaces a crashed or stopped spawned server and reopens the
// documents the old instance had open.
func (m *Manager) Restart(ctx context.Context, id string) error {
	entry, err := m.entry(id)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	old, attached := entry.server, entry.attached
	entry.mu.Unlock()

	if attached {
		return unavailable(id, errors.New("attached servers cannot be restarted"))
	}
	var reopen []string
	if old != nil {
		if old.State() == ServerStateReady {
			return nil
		}
		reopen = old.OpenPaths()
		_ = old.Shutdown(ctx)
	}

	if err := m.Connect(ctx, entry.spec); err != nil {
		return err
	}
	for _, path := range reopen {
		if err := m.openOn(entry, path); err != nil {
			m.logger.Debug("reopen after restart failed", slog.String("file", path), slog.String("error", err.Error()))
		}
	}
	return nil
}

// Shutdown stops every server. The manager cannot be reused.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closeOnce.Do(func() { close(m.closed) })

	m.serversMu.Lock()
	entries := make([]*serverEntry, 0, len(m.servers))
	for _, e := range m.servers {
		entries = append(entries, e)
	}
	m.serversMu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			e.mu.Lock()
			srv := e.server
			e.mu.Unlock()
			if srv == nil {
				return nil
			}
			return srv.Shutdown(gctx)
		})
	}
	return g.Wait()
}

// Health reports the state of every registered server, sorted by ID.
func (m *Manager) Health() []ServerStatus {
	m.serversMu.RLock()
	entries := make([]*serverEntry, 0, len(m.servers))
	for _, e := range m.servers {
		entries = append(entries, e)
	}
	m.serversMu.RUnlock()

	out := make([]ServerStatus, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		st := ServerStatus{ID: e.spec.ID, Attached: e.attached, LastPublish: e.lastPublish, State: ServerStateStopped}
		if e.server != nil {
			st.State = e.server.State()
			st.OpenFiles = len(e.server.OpenPaths())
		}
		if e.lastErr != nil {
			st.Err = e.lastErr.Error()
		}
		e.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// =============================================================================
// DOCUMENTS
// =============================================================================

// OpenDocument opens path on every connected server that owns it.
//
// Outputs:
//
//	error - ErrNoOwningServer when no connected server owns the file,
//	        or the read/notify failure
func (m *Manager) OpenDocument(ctx context.Context, path string) error {
	path = m.absPath(path)
	owners := m.owners(path)
	if len(owners) == 0 {
		return fmt.Errorf("%w: %s", ErrNoOwningServer, path)
	}
	var errs []error
	for _, e := range owners {
		if err := m.openOn(e, path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) openOn(e *serverEntry, path string) error {
	text, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	e.mu.Lock()
	srv := e.server
	e.mu.Unlock()
	if srv == nil {
		return ErrServerNotRunning
	}
	return m.sendText(e, srv, path, string(text), srv.OpenDocument)
}

// sendText delivers text for path through send, marking the file as
// awaiting a publish first when the server will actually see a change.
func (m *Manager) sendText(e *serverEntry, srv *Server, path, text string, send func(path, text string) error) error {
	doc, open := srv.Document(path)
	if open && (doc.Text == text || srv.Capabilities().SyncKind() == 0) {
		return send(path, text)
	}
	undo := m.expect(e, PathToURI(path))
	if err := send(path, text); err != nil {
		undo()
		return err
	}
	return nil
}

// SyncDocument tells the owning servers that path changed on disk. A
// deleted file is closed and its diagnostics are cleared.
func (m *Manager) SyncDocument(ctx context.Context, path string) error {
	path = m.absPath(path)
	owners := m.owners(path)
	if len(owners) == 0 {
		return fmt.Errorf("%w: %s", ErrNoOwningServer, path)
	}

	text, readErr := os.ReadFile(path)
	uri := PathToURI(path)
	var errs []error
	for _, e := range owners {
		e.mu.Lock()
		srv := e.server
		e.mu.Unlock()
		if srv == nil {
			continue
		}
		if readErr != nil {
			if errors.Is(readErr, os.ErrNotExist) {
				if err := srv.CloseDocument(path); err != nil {
					errs = append(errs, err)
				}
				m.store(e, uri, m.nextGen(e, uri), nil)
				continue
			}
			errs = append(errs, readErr)
			continue
		}
		if err := m.sendText(e, srv, path, string(text), srv.ChangeDocument); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OpenFiles returns every document open on any server, sorted.
func (m *Manager) OpenFiles() []string {
	seen := make(map[string]struct{})
	for _, e := range m.entries() {
		e.mu.Lock()
		srv := e.server
		e.mu.Unlock()
		if srv == nil {
			continue
		}
		for _, p := range srv.OpenPaths() {
			seen[p] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Owns reports whether a connected server owns path.
func (m *Manager) Owns(path string) bool {
	return len(m.owners(m.absPath(path))) > 0
}

// OwnerIDs returns the IDs of the connected servers that own path.
func (m *Manager) OwnerIDs(path string) []string {
	owners := m.owners(m.absPath(path))
	ids := make([]string, 0, len(owners))
	for _, e := range owners {
		ids = append(ids, e.spec.ID)
	}
	sort.Strings(ids)
	return ids
}

// WaitForSettle blocks until no document was opened and no diagnostics
// were published for quiet, or ctx is done.
func (m *Manager) WaitForSettle(ctx context.Context, quiet time.Duration) error {
	for {
		last := time.Unix(0, m.lastActivity.Load())
		wait := quiet - time.Since(last)
		if wait <= 0 {
			return nil
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// =============================================================================
// NOTIFICATIONS AND SERVER REQUESTS
// =============================================================================

func (m *Manager) handleNotification(e *serverEntry, method string, params json.RawMessage) {
	switch method {
	case "textDocument/publishDiagnostics":
		m.handlePublish(e, params)
	case "window/logMessage", "window/showMessage":
		var msg struct {
			Type    int    `json:"type"`
			Message string `json:"message"`
		}
		if json.Unmarshal(params, &msg) == nil {
			m.logger.Debug("server message", slog.String("server", e.spec.ID),
				slog.Int("type", msg.Type), slog.String("message", msg.Message))
		}
	}
}

// handlePublish translates a publish and replaces the server's set for
// the file. Unparsable payloads are dropped for this cycle.
func (m *Manager) handlePublish(e *serverEntry, params json.RawMessage) {
	var p PublishDiagnosticsParams
	if err := json.Unmarshal(params, &p); err != nil {
		recordPublish(e.spec.ID, false)
		m.logger.Warn("Dropping diagnostics",
			slog.String("error", protocolError(e.spec.ID, fmt.Errorf("decode publishDiagnostics: %w", err)).Error()))
		return
	}
	diags, err := e.adapter.Translate(e.spec.ID, p)
	if err != nil {
		recordPublish(e.spec.ID, false)
		m.logger.Warn("Dropping diagnostics", slog.String("error", protocolError(e.spec.ID, err).Error()))
		return
	}
	recordPublish(e.spec.ID, true)
	m.lastActivity.Store(time.Now().UnixNano())

	gen := m.nextGen(e, p.URI)

	e.mu.Lock()
	srv := e.server
	e.mu.Unlock()
	if m.config.FetchFixes && srv != nil && len(diags) > 0 && srv.Capabilities().HasCodeActionProvider() {
		// Code action requests are answered through this same read loop,
		// so they must not be awaited here.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), m.config.RequestTimeout*time.Duration(len(diags)+1))
			defer cancel()
			m.fetchFixes(ctx, srv, p.URI, p.Diagnostics, diags)
			m.store(e, p.URI, gen, diags)
		}()
		return
	}
	m.store(e, p.URI, gen, diags)
}

func (m *Manager) nextGen(e *serverEntry, uri string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gen[uri]++
	return e.gen[uri]
}

// store replaces the server's set for uri unless a newer publish for the
// same file has already been accepted, then notifies subscribers.
func (m *Manager) store(e *serverEntry, uri string, gen uint64, diags []model.Diagnostic) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	e.mu.Lock()
	if e.gen[uri] != gen {
		e.mu.Unlock()
		return
	}
	if len(diags) == 0 {
		delete(e.diags, uri)
	} else {
		e.diags[uri] = diags
	}
	delete(e.dirty, uri)
	e.lastPublish = time.Now()
	close(e.changed)
	e.changed = make(chan struct{})
	e.mu.Unlock()

	path := URIToPath(uri)
	m.deliver(ChangeEvent{
		Kind:        ChangeDiagnostics,
		ServerID:    e.spec.ID,
		FilePath:    path,
		Diagnostics: m.mergedFor(uri),
		At:          time.Now(),
	})
}

// handleServerRequest answers requests the server sends to the client.
func (m *Manager) handleServerRequest(ctx context.Context, e *serverEntry, method string, params json.RawMessage) (interface{}, error) {
	switch method {
	case "workspace/applyEdit":
		var p ApplyWorkspaceEditParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &LSPError{Code: -32602, Message: "invalid applyEdit params"}
		}
		if err := m.applyWorkspaceEdit(e, p.Edit); err != nil {
			return ApplyWorkspaceEditResult{Applied: false, FailureReason: err.Error()}, nil
		}
		return ApplyWorkspaceEditResult{Applied: true}, nil
	case "workspace/configuration":
		var p struct {
			Items []json.RawMessage `json:"items"`
		}
		_ = json.Unmarshal(params, &p)
		return make([]interface{}, len(p.Items)), nil
	case "client/registerCapability", "client/unregisterCapability",
		"window/workDoneProgress/create", "window/showMessageRequest",
		"workspace/diagnostic/refresh":
		return nil, nil
	}
	return nil, &LSPError{Code: -32601, Message: "method not supported by client: " + method}
}

// applyWorkspaceEdit applies a server-requested edit to the open document
// overlay. Resource operations are refused.
func (m *Manager) applyWorkspaceEdit(e *serverEntry, we WorkspaceEdit) error {
	e.mu.Lock()
	srv := e.server
	e.mu.Unlock()
	if srv == nil {
		return ErrServerNotRunning
	}

	byURI := make(map[string][]TextEdit)
	for uri, edits := range we.Changes {
		byURI[uri] = append(byURI[uri], edits...)
	}
	for _, raw := range we.DocumentChanges {
		var tde TextDocumentEdit
		if err := json.Unmarshal(raw, &tde); err != nil || tde.TextDocument.URI == "" {
			return errors.New("resource operations are not supported")
		}
		byURI[tde.TextDocument.URI] = append(byURI[tde.TextDocument.URI], tde.Edits...)
	}

	uris := make([]string, 0, len(byURI))
	for uri := range byURI {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	for _, uri := range uris {
		path := URIToPath(uri)
		if _, open := srv.Document(path); !open {
			if err := m.openOn(e, path); err != nil {
				return err
			}
		}
		undo := m.expect(e, uri)
		if err := srv.applyDocumentEdits(uri, byURI[uri]); err != nil {
			undo()
			return err
		}
	}
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

// CurrentDiagnostics returns the latest snapshot restricted to scope.
//
// Description:
//
//	Servers whose cache is fresh are answered from the cache. A server
//	with documents changed since its last publish is given RequestTimeout
//	to catch up, through a pull request when it supports one and by
//	waiting for its next publish otherwise. A server that misses the
//	deadline, or is not ready, contributes its last known diagnostics and
//	a Stale annotation listing the files it owns. Concurrent callers
//	share one refresh per server.
//
// Thread Safety:
//
//	Safe for concurrent use.
func (m *Manager) CurrentDiagnostics(ctx context.Context, scope model.Scope) (model.Snapshot, error) {
	if ctx == nil {
		return model.Snapshot{}, fmt.Errorf("ctx must not be nil")
	}
	ctx, span := startSpan(ctx, "CurrentDiagnostics", attribute.String("lsp.scope", scope.String()))
	defer span.End()

	entries := m.entries()
	staleReasons := make([]string, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	for i, e := range entries {
		i, e := i, e
		g.Go(func() error {
			v, _, _ := m.refresh.Do(e.spec.ID, func() (interface{}, error) {
				return m.refreshEntry(gctx, e), nil
			})
			staleReasons[i] = v.(string)
			return nil
		})
	}
	_ = g.Wait()

	files := make(map[string]struct{})
	var diags []model.Diagnostic
	var stale []model.StaleServer
	for i, e := range entries {
		e.mu.Lock()
		owned := make(map[string]struct{})
		for uri, set := range e.diags {
			owned[URIToPath(uri)] = struct{}{}
			diags = append(diags, set...)
		}
		srv := e.server
		e.mu.Unlock()
		if srv != nil {
			for _, p := range srv.OpenPaths() {
				owned[p] = struct{}{}
			}
		}
		for p := range owned {
			files[p] = struct{}{}
		}
		if staleReasons[i] != "" {
			st := model.StaleServer{ServerID: e.spec.ID, Reason: staleReasons[i]}
			for p := range owned {
				st.Files = append(st.Files, p)
			}
			sort.Strings(st.Files)
			stale = append(stale, st)
			recordStale(ctx, e.spec.ID)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].ServerID < stale[j].ServerID })

	tracked := make([]string, 0, len(files))
	for f := range files {
		tracked = append(tracked, f)
	}
	snap := model.NewSnapshot(m.rootPath, time.Now(), tracked, diags, stale)
	scope.File = m.absPath(scope.File)
	return restrict(snap, scope, m.OpenFiles()), nil
}

// restrict applies scope to a snapshot built from every server.
func restrict(s model.Snapshot, scope model.Scope, open []string) model.Snapshot {
	switch scope.Kind {
	case model.ScopeFile:
		if scope.File == "" {
			return s.WithFiles(nil)
		}
		return s.WithFiles([]string{scope.File})
	case model.ScopeOpen:
		return s.WithFiles(open)
	case model.ScopeErrors:
		return s.Filter(func(d model.Diagnostic) bool { return d.Severity == model.SeverityError })
	default:
		return s
	}
}

// refreshEntry brings one server's cache up to date. It returns a stale
// reason, or "" when the cache can be trusted.
func (m *Manager) refreshEntry(ctx context.Context, e *serverEntry) string {
	e.mu.Lock()
	srv := e.server
	dirty := make([]string, 0, len(e.dirty))
	for uri := range e.dirty {
		dirty = append(dirty, uri)
	}
	expired := m.config.Freshness > 0 && !e.lastPublish.IsZero() && time.Since(e.lastPublish) > m.config.Freshness
	e.mu.Unlock()

	if srv == nil {
		return "not connected"
	}
	if st := srv.State(); st != ServerStateReady {
		return "server " + st.String()
	}
	if len(dirty) == 0 && !expired {
		return ""
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.RequestTimeout)
	defer cancel()

	if srv.Capabilities().HasDiagnosticProvider() {
		targets := dirty
		if expired {
			targets = nil
			for _, p := range srv.OpenPaths() {
				targets = append(targets, PathToURI(p))
			}
		}
		if err := m.pull(ctx, e, srv, targets); err != nil {
			m.logger.Warn("Serving stale diagnostics",
				slog.String("server", e.spec.ID), slog.String("error", err.Error()))
			return "pull failed: " + outcome(err)
		}
		return ""
	}

	if len(dirty) == 0 {
		return ""
	}
	for {
		e.mu.Lock()
		pending := len(e.dirty) > 0
		changed := e.changed
		e.mu.Unlock()
		if !pending {
			return ""
		}
		select {
		case <-ctx.Done():
			m.logger.Warn("Serving stale diagnostics",
				slog.String("server", e.spec.ID), slog.String("reason", "timeout waiting for publish"))
			return "timeout"
		case <-changed:
		}
	}
}

// pull requests textDocument/diagnostic for each URI and stores the results.
func (m *Manager) pull(ctx context.Context, e *serverEntry, srv *Server, uris []string) error {
	for _, uri := range uris {
		resp, err := srv.Request(ctx, "textDocument/diagnostic", DocumentDiagnosticParams{
			TextDocument: TextDocumentIdentifier{URI: uri},
		})
		if err != nil {
			return err
		}
		var report DocumentDiagnosticReport
		if err := json.Unmarshal(resp.Result, &report); err != nil {
			return protocolError(e.spec.ID, fmt.Errorf("decode diagnostic report: %w", err))
		}
		gen := m.nextGen(e, uri)
		if report.Kind == "unchanged" {
			e.mu.Lock()
			keep := e.diags[uri]
			e.mu.Unlock()
			m.store(e, uri, gen, keep)
			continue
		}
		diags, err := e.adapter.Translate(e.spec.ID, PublishDiagnosticsParams{URI: uri, Diagnostics: report.Items})
		if err != nil {
			return protocolError(e.spec.ID, err)
		}
		m.store(e, uri, gen, diags)
	}
	return nil
}

// mergedFor concatenates every server's set for uri and de-duplicates.
func (m *Manager) mergedFor(uri string) []model.Diagnostic {
	var out []model.Diagnostic
	for _, e := range m.entries() {
		e.mu.Lock()
		for _, d := range e.diags[uri] {
			out = append(out, d.Clone())
		}
		e.mu.Unlock()
	}
	out = model.Dedup(out)
	sort.SliceStable(out, func(i, j int) bool { return model.Less(out[i], out[j]) })
	return out
}

// =============================================================================
// EDITS
// =============================================================================

// ApplyEdit asks the owning server to perform fix on file.
//
// Description:
//
//	serverID selects the server that proposed the fix; empty picks the
//	first connected owner of file. Calls for the same server are
//	serialized. A fix that carries a server command is executed through
//	workspace/executeCommand, and the server's resulting applyEdit is
//	accepted into the open document. Plain edits are applied to the open
//	document and sent as one versioned didChange. The bridge never writes
//	the file itself.
//
// Errors:
//
//	ErrNoOwningServer - no connected server owns file
//	ErrStaleDocument - the edit does not fit the current document text
//	ErrRequestTimeout - the server did not answer within RequestTimeout
func (m *Manager) ApplyEdit(ctx context.Context, serverID, file string, fix model.SuggestedFix) error {
	if ctx == nil {
		return fmt.Errorf("ctx must not be nil")
	}
	file = m.absPath(file)
	ctx, span := startSpan(ctx, "ApplyEdit",
		attribute.String("lsp.server", serverID), attribute.String("lsp.file_path", file))
	defer span.End()

	e, err := m.ownerFor(serverID, file)
	if err != nil {
		return err
	}
	e.mu.Lock()
	srv := e.server
	e.mu.Unlock()
	if srv == nil || srv.State() != ServerStateReady {
		return fmt.Errorf("%s: %w", e.spec.ID, ErrServerNotRunning)
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.RequestTimeout)
	defer cancel()

	srv.editMu.Lock()
	defer srv.editMu.Unlock()

	if _, open := srv.Document(file); !open {
		if err := m.openOn(e, file); err != nil {
			return err
		}
	}

	if fix.Command != nil && srv.Capabilities().HasExecuteCommandProvider() {
		_, err := srv.Request(ctx, "workspace/executeCommand", ExecuteCommandParams{
			Command:   fix.Command.Command,
			Arguments: fix.Command.Arguments,
		})
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("execute %s: %w", fix.Command.Command, err)
		}
		return nil
	}
	if len(fix.Edits) == 0 {
		return errors.New("fix has no edits and no executable command")
	}

	edits := make([]TextEdit, len(fix.Edits))
	for i, te := range fix.Edits {
		edits[i] = TextEdit{Range: fromModelRange(te.Range), NewText: te.NewText}
	}
	undo := m.expect(e, PathToURI(file))
	if err := srv.applyDocumentEdits(PathToURI(file), edits); err != nil {
		undo()
		span.RecordError(err)
		return err
	}
	return nil
}

// RecordFixOutcome feeds an apply result back into the scorer when it learns.
func (m *Manager) RecordFixOutcome(code string, success bool) {
	if r, ok := m.scorer.(FixOutcomeRecorder); ok {
		r.RecordOutcome(code, success)
	}
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

// Subscribe registers handler for change events and returns a function
// that unregisters it. Events for one file arrive in publish order.
func (m *Manager) Subscribe(handler ChangeHandler) (unsubscribe func()) {
	m.subsMu.Lock()
	m.nextSub++
	id := m.nextSub
	m.subs[id] = handler
	m.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, id)
			m.subsMu.Unlock()
		})
	}
}

// emit delivers a server event under the dispatch lock.
func (m *Manager) emit(ev ChangeEvent) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()
	m.deliver(ev)
}

// deliver calls every handler. Callers hold dispatchMu.
func (m *Manager) deliver(ev ChangeEvent) {
	m.subsMu.RLock()
	handlers := make([]ChangeHandler, 0, len(m.subs))
	for _, h := range m.subs {
		handlers = append(handlers, h)
	}
	m.subsMu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

func (m *Manager) entries() []*serverEntry {
	m.serversMu.RLock()
	defer m.serversMu.RUnlock()
	out := make([]*serverEntry, 0, len(m.servers))
	for _, e := range m.servers {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].spec.ID < out[j].spec.ID })
	return out
}

func (m *Manager) entry(id string) (*serverEntry, error) {
	m.serversMu.RLock()
	defer m.serversMu.RUnlock()
	e, ok := m.servers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, id)
	}
	return e, nil
}

// owners returns the connected entries whose spec owns path.
func (m *Manager) owners(path string) []*serverEntry {
	var out []*serverEntry
	for _, e := range m.entries() {
		e.mu.Lock()
		connected := e.server != nil
		e.mu.Unlock()
		if connected && e.spec.Owns(path) {
			out = append(out, e)
		}
	}
	return out
}

func (m *Manager) ownerFor(serverID, file string) (*serverEntry, error) {
	if serverID != "" {
		e, err := m.entry(serverID)
		if err != nil {
			return nil, err
		}
		return e, nil
	}
	owners := m.owners(file)
	if len(owners) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoOwningServer, file)
	}
	return owners[0], nil
}

// expect marks uri as awaiting a publish. It must be called before the
// change is sent, since the server may answer before the send returns.
// The returned func drops the mark again if nothing was sent.
func (m *Manager) expect(e *serverEntry, uri string) (undo func()) {
	e.mu.Lock()
	_, already := e.dirty[uri]
	e.dirty[uri] = struct{}{}
	e.mu.Unlock()
	m.lastActivity.Store(time.Now().UnixNano())
	return func() {
		if already {
			return
		}
		e.mu.Lock()
		delete(e.dirty, uri)
		e.mu.Unlock()
	}
}

func (m *Manager) absPath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(m.rootPath, path)
}
