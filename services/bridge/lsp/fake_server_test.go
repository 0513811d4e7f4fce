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
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// pipeConn joins two pipe ends into one transport.
type pipeConn struct {
	io.Reader
	io.Writer
	closers []io.Closer
}

func (c *pipeConn) Close() error {
	for _, cl := range c.closers {
		_ = cl.Close()
	}
	return nil
}

// received is one message the fake server got from the client.
type received struct {
	Method string
	Params json.RawMessage
}

// fakeServer is an in-process language server driven by the tests. It
// speaks the real wire protocol over a pair of pipes.
type fakeServer struct {
	t     *testing.T
	proto *Protocol
	conn  *pipeConn // client side
	side  *pipeConn // server side

	capabilities map[string]any

	// onNotify runs for every client notification after it is recorded.
	onNotify func(f *fakeServer, method string, params json.RawMessage)

	// onRequest answers client requests other than initialize and shutdown.
	onRequest func(ctx context.Context, f *fakeServer, method string, params json.RawMessage) (interface{}, error)

	mu    sync.Mutex
	notes []received
	reqs  []received
	wake  chan struct{}
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	c2sR, c2sW := io.Pipe()
	s2cR, s2cW := io.Pipe()

	f := &fakeServer{
		t:            t,
		capabilities: map[string]any{"textDocumentSync": 1},
		wake:         make(chan struct{}, 64),
	}
	f.conn = &pipeConn{Reader: s2cR, Writer: c2sW, closers: []io.Closer{c2sW, s2cR}}
	f.side = &pipeConn{Reader: c2sR, Writer: s2cW, closers: []io.Closer{s2cW, c2sR}}
	f.proto = NewProtocol(c2sR, s2cW)
	f.proto.OnNotification(f.handleNotification)
	f.proto.OnRequest(f.handleRequest)

	go func() { _ = f.proto.ReadLoop(context.Background()) }()
	t.Cleanup(func() {
		f.proto.Close()
		_ = f.side.Close()
	})
	return f
}

func (f *fakeServer) handleNotification(method string, params json.RawMessage) {
	f.mu.Lock()
	f.notes = append(f.notes, received{Method: method, Params: params})
	hook := f.onNotify
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
	if hook != nil {
		hook(f, method, params)
	}
}

func (f *fakeServer) handleRequest(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, received{Method: method, Params: params})
	hook := f.onRequest
	caps := f.capabilities
	f.mu.Unlock()

	switch method {
	case "initialize":
		return map[string]any{
			"capabilities": caps,
			"serverInfo":   map[string]any{"name": "fake"},
		}, nil
	case "shutdown":
		return nil, nil
	}
	if hook != nil {
		return hook(ctx, f, method, params)
	}
	return nil, &LSPError{Code: -32601, Message: "not implemented: " + method}
}

// publish pushes a publishDiagnostics notification to the client.
func (f *fakeServer) publish(uri string, diags ...Diagnostic) {
	if diags == nil {
		diags = []Diagnostic{}
	}
	if err := f.proto.SendNotification("textDocument/publishDiagnostics", PublishDiagnosticsParams{URI: uri, Diagnostics: diags}); err != nil {
		f.t.Errorf("publish: %v", err)
	}
}

// crash closes the server side of the transport.
func (f *fakeServer) crash() {
	f.proto.Close()
	_ = f.side.Close()
}

// notifications returns every recorded notification named method.
func (f *fakeServer) notifications(method string) []received {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []received
	for _, n := range f.notes {
		if n.Method == method {
			out = append(out, n)
		}
	}
	return out
}

// requests returns every recorded request named method.
func (f *fakeServer) requests(method string) []received {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []received
	for _, r := range f.reqs {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// diag builds a raw diagnostic on one line.
func diag(line, start, end, severity int, source, message string) Diagnostic {
	return Diagnostic{
		Range: Range{
			Start: Position{Line: line, Character: start},
			End:   Position{Line: line, Character: end},
		},
		Severity: severity,
		Source:   source,
		Message:  message,
	}
}

// writeFile creates a file under dir and returns its absolute path.
func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// testSpec is a spec for a fake server owning .go and .txt files.
func testSpec(id string) ServerSpec {
	return ServerSpec{ID: id, Command: "fake-" + id, Extensions: []string{".go", ".txt"}}
}

// newTestManager returns a manager over an empty registry with short timeouts.
func newTestManager(t *testing.T, root string) *Manager {
	t.Helper()
	reg, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	cfg := DefaultManagerConfig()
	cfg.RequestTimeout = 200 * time.Millisecond
	cfg.StartupTimeout = 2 * time.Second
	m := NewManager(root, reg, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

// attach connects f to m under id.
func attach(t *testing.T, m *Manager, id string, f *fakeServer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Attach(ctx, testSpec(id), f.conn); err != nil {
		t.Fatalf("Attach(%s): %v", id, err)
	}
}
