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
	"errors"
	"fmt"
)

// Sentinel errors for LSP operations.
var (
	// ErrServerUnavailable indicates a server could not be started, attached,
	// or did not complete capability negotiation.
	ErrServerUnavailable = errors.New("language server unavailable")

	// ErrProtocol indicates a server sent a frame or payload that could not be parsed.
	ErrProtocol = errors.New("language server protocol error")

	// ErrServerNotRunning indicates the server is not in the ready state.
	ErrServerNotRunning = errors.New("lsp server not running")

	// ErrServerAlreadyStarted indicates Start was called on a started server.
	ErrServerAlreadyStarted = errors.New("server already started")

	// ErrRequestTimeout indicates a request exceeded its deadline.
	ErrRequestTimeout = errors.New("lsp request timeout")

	// ErrServerCrashed indicates the server's stream ended unexpectedly.
	ErrServerCrashed = errors.New("lsp server crashed")

	// ErrUnknownServer indicates no connected server has the given ID.
	ErrUnknownServer = errors.New("unknown language server")

	// ErrNoOwningServer indicates no connected server handles the file.
	ErrNoOwningServer = errors.New("no language server owns file")

	// ErrStaleDocument indicates an edit no longer fits the document text.
	ErrStaleDocument = errors.New("edit does not match current document")

	// ErrManagerClosed indicates the manager has been shut down.
	ErrManagerClosed = errors.New("lsp manager closed")
)

// ErrorKind classifies failures that involve a specific server.
type ErrorKind string

const (
	// KindServerUnavailable covers spawn, attach, and handshake failures.
	KindServerUnavailable ErrorKind = "ServerUnavailable"

	// KindProtocolError covers unparsable responses and notifications.
	KindProtocolError ErrorKind = "ProtocolError"
)

// ServerError is a structured failure attributed to one server.
//
// errors.Is(err, ErrServerUnavailable) and errors.Is(err, ErrProtocol)
// match on Kind, and the underlying cause stays reachable through Unwrap.
type ServerError struct {
	Kind     ErrorKind
	ServerID string
	Err      error
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Kind, e.ServerID, e.Err)
}

// Unwrap returns the cause.
func (e *ServerError) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *ServerError) Is(target error) bool {
	switch e.Kind {
	case KindServerUnavailable:
		return target == ErrServerUnavailable
	case KindProtocolError:
		return target == ErrProtocol
	}
	return false
}

func unavailable(serverID string, err error) error {
	return &ServerError{Kind: KindServerUnavailable, ServerID: serverID, Err: err}
}

func protocolError(serverID string, err error) error {
	return &ServerError{Kind: KindProtocolError, ServerID: serverID, Err: err}
}

// LSPError represents an error returned by the language server via JSON-RPC.
//
// Codes follow JSON-RPC plus the LSP additions:
//   - -32700: Parse error
//   - -32601: Method not found
//   - -32099 to -32000: Server error (reserved)
//   - -32802: Server not initialized
//   - -32800: Request cancelled
//   - -32801: Content modified
type LSPError struct {
	Code    int
	Message string
	Data    interface{}
}

// Error implements the error interface.
func (e *LSPError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("LSP error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("LSP error %d: %s", e.Code, e.Message)
}

// IsMethodNotFound returns true if the method is not supported by the server.
func (e *LSPError) IsMethodNotFound() bool {
	return e.Code == -32601
}

// IsContentModified returns true if the document changed while the request ran.
func (e *LSPError) IsContentModified() bool {
	return e.Code == -32801
}

// IsRequestCancelled returns true if the request was cancelled.
func (e *LSPError) IsRequestCancelled() bool {
	return e.Code == -32800
}
