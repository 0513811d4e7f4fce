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
	"os/exec"
	"sort"
	"sync"
	"time"
)

// ClientName is reported to servers in the initialize request.
const ClientName = "lspbridge"

// =============================================================================
// SERVER STATE
// =============================================================================

// ServerState is where a server process is in its lifecycle.
type ServerState int

const (
	// ServerStateUninitialized means neither Start nor Attach has run.
	ServerStateUninitialized ServerState = iota

	// ServerStateStarting means the process is up and the handshake is running.
	ServerStateStarting

	// ServerStateReady means requests and document sync are accepted.
	ServerStateReady

	// ServerStateStopping means Shutdown has begun.
	ServerStateStopping

	// ServerStateStopped means the server has terminated on request.
	ServerStateStopped

	// ServerStateCrashed means the server's stream ended without a shutdown.
	ServerStateCrashed
)

// String returns the lowercase state name used in health output.
func (s ServerState) String() string {
	names := []string{"uninitialized", "starting", "ready", "stopping", "stopped", "crashed"}
	if int(s) < len(names) {
		return names[s]
	}
	return "unknown"
}

// MarshalText renders the state name in JSON output.
func (s ServerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ServerHooks receive traffic the server does not handle itself.
type ServerHooks struct {
	// Notify receives notifications in arrival order, on the read goroutine.
	Notify NotificationHandler

	// Request answers server-initiated requests.
	Request RequestHandler

	// Malformed receives decode failures; the stream continues.
	Malformed func(error)

	// Exit is called once when the read loop ends while the server was
	// not stopping. err describes why.
	Exit func(err error)
}

// =============================================================================
// SERVER
// =============================================================================

// Server is one connection to a language server.
//
// Description:
//
//	Owns the process (or an attached transport), the JSON-RPC protocol,
//	the negotiated capabilities, and the set of documents the bridge has
//	opened on the server. Document text is tracked so that every edit is
//	sent with a correct version number.
//
// Thread Safety:
//
//	Safe for concurrent use after Start or Attach returns successfully.
type Server struct {
	spec     ServerSpec
	rootPath string
	hooks    ServerHooks
	logger   *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	conn   io.Closer

	protocol     *Protocol
	capabilities ServerCapabilities
	info         *ServerInfo

	state   ServerState
	stateMu sync.RWMutex

	ctx      context.Context
	cancel   context.CancelFunc
	readDone chan struct{}

	lastUsed   time.Time
	lastUsedMu sync.Mutex

	// editMu serializes edit application; servers expect strictly
	// sequential document versions.
	editMu sync.Mutex

	docsMu sync.Mutex
	docs   map[string]*Document // by URI
}

// NewServer creates a server instance (not started).
//
// Inputs:
//
//	spec - How to launch the server
//	rootPath - Absolute path to the workspace root
//	hooks - Callbacks for notifications, server requests, and exit
//	logger - Logger; nil uses slog.Default()
func NewServer(spec ServerSpec, rootPath string, hooks ServerHooks, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		spec:     spec,
		rootPath: rootPath,
		hooks:    hooks,
		logger:   logger.With(slog.String("server", spec.ID)),
		state:    ServerStateUninitialized,
		readDone: make(chan struct{}),
		lastUsed: time.Now(),
		docs:     make(map[string]*Document),
	}
}

// Start spawns the server process and performs the initialize handshake.
//
// Errors:
//
//	ServerUnavailable - binary missing, spawn failure, handshake failure or timeout
//	ProtocolError - the initialize result could not be parsed
//	ErrServerAlreadyStarted - Start or Attach was already called
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("ctx must not be nil")
	}
	if err := s.claim(); err != nil {
		return err
	}

	path, err := exec.LookPath(s.spec.Command)
	if err != nil {
		s.setState(ServerStateStopped)
		s.logger.Warn("LSP server not installed", slog.String("command", s.spec.Command))
		recordServerSpawn(ctx, s.spec.ID, false)
		return unavailable(s.spec.ID, fmt.Errorf("locate %s: %w", s.spec.Command, err))
	}

	s.logger.Info("Starting LSP server",
		slog.String("command", path),
		slog.String("root_path", s.rootPath),
	)

	// The server outlives the caller's context.
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cmd = exec.CommandContext(s.ctx, path, s.spec.Args...)
	s.cmd.Dir = s.rootPath

	if s.stdin, err = s.cmd.StdinPipe(); err != nil {
		s.cleanup()
		return unavailable(s.spec.ID, fmt.Errorf("stdin pipe: %w", err))
	}
	if s.stdout, err = s.cmd.StdoutPipe(); err != nil {
		s.cleanup()
		return unavailable(s.spec.ID, fmt.Errorf("stdout pipe: %w", err))
	}
	if err := s.cmd.Start(); err != nil {
		s.cleanup()
		recordServerSpawn(ctx, s.spec.ID, false)
		return unavailable(s.spec.ID, fmt.Errorf("start process: %w", err))
	}

	return s.handshake(ctx, s.stdout, s.stdin)
}

// Attach uses an existing transport instead of spawning a process. The
// server takes ownership of conn and closes it on shutdown.
func (s *Server) Attach(ctx context.Context, conn io.ReadWriteCloser) error {
	if ctx == nil {
		return fmt.Errorf("ctx must not be nil")
	}
	if err := s.claim(); err != nil {
		return err
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.conn = conn
	return s.handshake(ctx, conn, conn)
}

func (s *Server) claim() error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state != ServerStateUninitialized {
		return ErrServerAlreadyStarted
	}
	s.state = ServerStateStarting
	return nil
}

// handshake wires the protocol, starts the read loop, and initializes.
func (s *Server) handshake(ctx context.Context, r io.Reader, w io.Writer) error {
	s.protocol = NewProtocol(r, w)
	s.protocol.OnNotification(s.hooks.Notify)
	s.protocol.OnRequest(s.hooks.Request)
	s.protocol.OnMalformed(func(err error) {
		s.logger.Warn("Dropping malformed LSP message", slog.String("error", err.Error()))
		if s.hooks.Malformed != nil {
			s.hooks.Malformed(err)
		}
	})

	go s.readLoop()

	if err := s.initialize(ctx); err != nil {
		_ = s.Shutdown(context.Background())
		recordServerSpawn(ctx, s.spec.ID, false)
		if errors.Is(err, ErrProtocol) {
			return protocolError(s.spec.ID, err)
		}
		return unavailable(s.spec.ID, fmt.Errorf("initialize: %w", err))
	}

	s.setState(ServerStateReady)
	s.touchLastUsed()
	recordServerSpawn(ctx, s.spec.ID, true)

	name := ""
	if s.info != nil {
		name = s.info.Name
	}
	s.logger.Info("LSP server ready",
		slog.String("server_name", name),
		slog.Bool("code_actions", s.capabilities.HasCodeActionProvider()),
		slog.Bool("pull_diagnostics", s.capabilities.HasDiagnosticProvider()),
		slog.Int("sync_kind", s.capabilities.SyncKind()),
	)
	return nil
}

func (s *Server) readLoop() {
	err := s.protocol.ReadLoop(s.ctx)
	close(s.readDone)

	s.stateMu.Lock()
	prev := s.state
	if prev == ServerStateReady || prev == ServerStateStarting {
		s.state = ServerStateCrashed
	}
	s.stateMu.Unlock()

	if prev == ServerStateReady || prev == ServerStateStarting {
		if err == nil {
			err = ErrServerCrashed
		}
		s.protocol.Close()
		s.logger.Warn("LSP server stream ended", slog.String("error", err.Error()))
		if s.hooks.Exit != nil && prev == ServerStateReady {
			s.hooks.Exit(err)
		}
	}
}

// initialize runs the initialize / initialized handshake and records the
// server capabilities.
func (s *Server) initialize(ctx context.Context) error {
	rootURI := PathToURI(s.rootPath)
	params := InitializeParams{
		ProcessID:  os.Getpid(),
		ClientInfo: &ClientInfo{Name: ClientName},
		RootURI:    rootURI,
		Capabilities: ClientCapabilities{
			TextDocument: TextDocumentClientCapabilities{
				Synchronization: &SynchronizationCapabilities{DidSave: true},
				PublishDiagnostics: &PublishDiagnosticsCapabilities{
					RelatedInformation: true,
					VersionSupport:     true,
					CodeDescription:    true,
					DataSupport:        true,
				},
				Diagnostic: &DiagnosticClientCapabilities{},
				CodeAction: &CodeActionClientCapabilities{
					CodeActionLiteralSupport: &CodeActionLiteralSupport{
						CodeActionKind: CodeActionKindSet{ValueSet: []string{"quickfix"}},
					},
					IsPreferredSupport: true,
				},
			},
			Workspace: WorkspaceClientCapabilities{
				ApplyEdit:     true,
				WorkspaceEdit: &WorkspaceEditClientCapabilities{DocumentChanges: true},
				Configuration: true,
			},
			General: &GeneralClientCapabilities{PositionEncodings: []string{"utf-16"}},
		},
		WorkspaceFolders: []WorkspaceFolder{{URI: rootURI, Name: "workspace"}},
	}
	if s.spec.InitializationOptions != nil {
		params.InitializationOptions = s.spec.InitializationOptions
	}

	resp, err := s.protocol.SendRequest(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize request: %w", err)
	}

	var result InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("%w: parse initialize result: %v", ErrProtocol, err)
	}
	s.capabilities = result.Capabilities
	s.info = result.ServerInfo

	if err := s.protocol.SendNotification("initialized", struct{}{}); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	return nil
}

// Shutdown stops the server.
//
// Description:
//
//	Sends shutdown and exit, then waits for the process to terminate,
//	killing it if it does not. Safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stateMu.Lock()
	if s.state == ServerStateStopped || s.state == ServerStateStopping {
		s.stateMu.Unlock()
		return nil
	}
	wasLive := s.state == ServerStateReady || s.state == ServerStateStarting
	s.state = ServerStateStopping
	s.stateMu.Unlock()

	s.logger.Info("Shutting down LSP server")
	defer s.cleanup()

	if s.protocol != nil {
		if wasLive {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_, _ = s.protocol.SendRequest(shutdownCtx, "shutdown", nil)
			cancel()
			_ = s.protocol.SendNotification("exit", nil)
		}
		s.protocol.Close()
	}

	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}

	if s.cmd != nil && s.cmd.Process != nil {
		done := make(chan error, 1)
		go func() { done <- s.cmd.Wait() }()
		select {
		case <-time.After(5 * time.Second):
			_ = s.cmd.Process.Kill()
			<-done
		case <-done:
		}
	}

	if s.cancel != nil {
		s.cancel()
	}
	if s.protocol != nil {
		select {
		case <-s.readDone:
		case <-time.After(time.Second):
		}
	}
	return nil
}

// cleanup closes the pipes and marks the server stopped.
func (s *Server) cleanup() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.stdout != nil {
		_ = s.stdout.Close()
	}
	s.setState(ServerStateStopped)
}

// =============================================================================
// ACCESSORS
// =============================================================================

// ID returns the server's configured ID.
func (s *Server) ID() string { return s.spec.ID }

// Spec returns the ServerSpec the server was built from.
func (s *Server) Spec() ServerSpec { return s.spec }

// State reports the lifecycle state.
func (s *Server) State() ServerState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Capabilities returns the capabilities negotiated during initialize.
func (s *Server) Capabilities() ServerCapabilities {
	return s.capabilities
}

// LastUsed returns when the server last handled a request or notification.
func (s *Server) LastUsed() time.Time {
	s.lastUsedMu.Lock()
	defer s.lastUsedMu.Unlock()
	return s.lastUsed
}

// =============================================================================
// REQUEST METHODS
// =============================================================================

// Request sends method to a ready server and waits for its response.
func (s *Server) Request(ctx context.Context, method string, params interface{}) (*Response, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	if s.State() != ServerStateReady {
		return nil, ErrServerNotRunning
	}
	s.touchLastUsed()

	start := time.Now()
	resp, err := s.protocol.SendRequest(ctx, method, params)
	recordRequest(ctx, s.spec.ID, method, time.Since(start), err)
	return resp, err
}

// Notify sends a notification to a ready server.
func (s *Server) Notify(method string, params interface{}) error {
	if s.State() != ServerStateReady {
		return ErrServerNotRunning
	}
	s.touchLastUsed()
	return s.protocol.SendNotification(method, params)
}

// =============================================================================
// DOCUMENTS
// =============================================================================

// OpenDocument opens path with text, or resyncs it if already open with
// different text.
func (s *Server) OpenDocument(path, text string) error {
	uri := PathToURI(path)

	s.docsMu.Lock()
	defer s.docsMu.Unlock()

	if doc, ok := s.docs[uri]; ok {
		if doc.Text == text {
			return nil
		}
		return s.sendFullChangeLocked(doc, text)
	}

	doc := &Document{URI: uri, Path: path, LanguageID: languageIDFor(path), Version: 1, Text: text}
	err := s.Notify("textDocument/didOpen", DidOpenTextDocumentParams{
		TextDocument: TextDocumentItem{URI: uri, LanguageID: doc.LanguageID, Version: doc.Version, Text: text},
	})
	if err != nil {
		return fmt.Errorf("didOpen %s: %w", path, err)
	}
	s.docs[uri] = doc
	return nil
}

// ChangeDocument replaces the full text of an open document and saves it.
// Unopened documents are opened instead.
func (s *Server) ChangeDocument(path, text string) error {
	uri := PathToURI(path)

	s.docsMu.Lock()
	doc, ok := s.docs[uri]
	if !ok {
		s.docsMu.Unlock()
		return s.OpenDocument(path, text)
	}
	defer s.docsMu.Unlock()

	if doc.Text != text {
		if err := s.sendFullChangeLocked(doc, text); err != nil {
			return err
		}
	}
	return s.Notify("textDocument/didSave", DidSaveTextDocumentParams{TextDocument: TextDocumentIdentifier{URI: uri}})
}

// CloseDocument closes an open document. Unknown documents are ignored.
func (s *Server) CloseDocument(path string) error {
	uri := PathToURI(path)
	s.docsMu.Lock()
	defer s.docsMu.Unlock()
	if _, ok := s.docs[uri]; !ok {
		return nil
	}
	delete(s.docs, uri)
	return s.Notify("textDocument/didClose", DidCloseTextDocumentParams{TextDocument: TextDocumentIdentifier{URI: uri}})
}

func (s *Server) sendFullChangeLocked(doc *Document, text string) error {
	if s.capabilities.SyncKind() == 0 {
		doc.Text = text
		return nil
	}
	next := doc.Version + 1
	err := s.Notify("textDocument/didChange", DidChangeTextDocumentParams{
		TextDocument:   VersionedTextDocumentIdentifier{URI: doc.URI, Version: next},
		ContentChanges: []TextDocumentContentChangeEvent{{Text: text}},
	})
	if err != nil {
		return fmt.Errorf("didChange %s: %w", doc.Path, err)
	}
	doc.Version = next
	doc.Text = text
	return nil
}

// applyDocumentEdits applies edits to an open document and sends one
// versioned didChange. Incremental-sync servers receive the edits as
// ranged changes ordered bottom-up; others receive the full new text.
func (s *Server) applyDocumentEdits(uri string, edits []TextEdit) error {
	s.docsMu.Lock()
	defer s.docsMu.Unlock()

	doc, ok := s.docs[uri]
	if !ok {
		return fmt.Errorf("%w: %s is not open", ErrStaleDocument, URIToPath(uri))
	}
	newText, err := applyTextEdits(doc.Text, edits)
	if err != nil {
		return err
	}

	changes := []TextDocumentContentChangeEvent{{Text: newText}}
	if s.capabilities.SyncKind() == 2 {
		sorted := append([]TextEdit(nil), edits...)
		sort.SliceStable(sorted, func(i, j int) bool {
			a, b := sorted[i].Range.Start, sorted[j].Range.Start
			if a.Line != b.Line {
				return a.Line > b.Line
			}
			return a.Character > b.Character
		})
		changes = changes[:0]
		for _, e := range sorted {
			r := e.Range
			changes = append(changes, TextDocumentContentChangeEvent{Range: &r, Text: e.NewText})
		}
	}

	next := doc.Version + 1
	if s.capabilities.SyncKind() != 0 {
		err = s.Notify("textDocument/didChange", DidChangeTextDocumentParams{
			TextDocument:   VersionedTextDocumentIdentifier{URI: uri, Version: next},
			ContentChanges: changes,
		})
		if err != nil {
			return fmt.Errorf("didChange %s: %w", doc.Path, err)
		}
	}
	doc.Version = next
	doc.Text = newText
	return nil
}

// Document returns a copy of an open document.
func (s *Server) Document(path string) (Document, bool) {
	s.docsMu.Lock()
	defer s.docsMu.Unlock()
	doc, ok := s.docs[PathToURI(path)]
	if !ok {
		return Document{}, false
	}
	return *doc, true
}

// OpenPaths returns the paths of every open document, sorted.
func (s *Server) OpenPaths() []string {
	s.docsMu.Lock()
	defer s.docsMu.Unlock()
	out := make([]string, 0, len(s.docs))
	for _, d := range s.docs {
		out = append(out, d.Path)
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

func (s *Server) setState(state ServerState) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
}

func (s *Server) touchLastUsed() {
	s.lastUsedMu.Lock()
	s.lastUsed = time.Now()
	s.lastUsedMu.Unlock()
}
