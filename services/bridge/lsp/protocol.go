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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// JSONRPCVersion is the JSON-RPC version used by LSP.
const JSONRPCVersion = "2.0"

// maxContentLength bounds a single frame to keep a misbehaving server from
// forcing an unbounded allocation.
const maxContentLength = 64 << 20

// =============================================================================
// JSON-RPC MESSAGE TYPES
// =============================================================================

// Request is an outgoing JSON-RPC request.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Response is a JSON-RPC response to one of our requests.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// ResponseError is a JSON-RPC error object.
type ResponseError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Notification is a JSON-RPC notification (no ID, no response).
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// replyMessage answers a server-initiated request. The ID is echoed raw
// because servers may use string or numeric IDs.
type replyMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// envelope is the union of every incoming message shape.
type envelope struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ResponseError  `json:"error,omitempty"`
}

// NotificationHandler receives server notifications in arrival order.
type NotificationHandler func(method string, params json.RawMessage)

// RequestHandler answers a server-initiated request. A non-nil error is
// sent back as a JSON-RPC error; an *LSPError keeps its code.
type RequestHandler func(ctx context.Context, method string, params json.RawMessage) (interface{}, error)

// =============================================================================
// PROTOCOL HANDLER
// =============================================================================

// Protocol handles JSON-RPC communication over a byte stream.
//
// Description:
//
//	Implements the LSP base protocol using Content-Length headers.
//	Correlates our requests with responses, hands notifications to the
//	notification handler in arrival order, and answers requests the
//	server sends to the client through the request handler.
//
// Thread Safety:
//
//	Safe for concurrent use. Multiple goroutines can send requests
//	and notifications simultaneously. ReadLoop must run in exactly one
//	goroutine.
type Protocol struct {
	reader    *bufio.Reader
	writer    io.Writer
	writeMu   sync.Mutex
	nextID    int64
	pending   map[int64]chan Response
	pendingMu sync.Mutex
	closed    int32 // atomic: 1 if closed

	onNotify  NotificationHandler
	onRequest RequestHandler
	onError   func(error)
}

// NewProtocol creates a protocol handler.
//
// Inputs:
//
//	r - Reader for server output (e.g., stdout pipe)
//	w - Writer for client messages (e.g., stdin pipe)
//
// Outputs:
//
//	*Protocol - The protocol handler
func NewProtocol(r io.Reader, w io.Writer) *Protocol {
	var reader *bufio.Reader
	if r != nil {
		reader = bufio.NewReader(r)
	}
	return &Protocol{
		reader:  reader,
		writer:  w,
		pending: make(map[int64]chan Response),
	}
}

// OnNotification installs the notification handler. Call before ReadLoop.
func (p *Protocol) OnNotification(h NotificationHandler) { p.onNotify = h }

// OnRequest installs the server-request handler. Call before ReadLoop.
func (p *Protocol) OnRequest(h RequestHandler) { p.onRequest = h }

// OnMalformed installs a callback for messages that could not be decoded.
// The read loop keeps going after such a message.
func (p *Protocol) OnMalformed(h func(error)) { p.onError = h }

// SendRequest sends a request and waits for the response.
//
// Description:
//
//	Sends a JSON-RPC request and blocks until the response arrives or
//	ctx is done. Error responses are returned as *LSPError.
//
// Inputs:
//
//	ctx - Context for cancellation and timeout
//	method - The LSP method to invoke (e.g., "textDocument/codeAction")
//	params - Method parameters (will be JSON-marshaled)
//
// Outputs:
//
//	*Response - The server's response
//	error - Non-nil on write failure, timeout, closed protocol, or server error
func (p *Protocol) SendRequest(ctx context.Context, method string, params interface{}) (*Response, error) {
	if ctx == nil {
		return nil, fmt.Errorf("ctx must not be nil")
	}
	if atomic.LoadInt32(&p.closed) == 1 {
		return nil, ErrServerNotRunning
	}

	id := atomic.AddInt64(&p.nextID, 1)
	req := Request{JSONRPC: JSONRPCVersion, ID: id, Method: method, Params: params}

	respCh := make(chan Response, 1)
	p.pendingMu.Lock()
	p.pending[id] = respCh
	p.pendingMu.Unlock()

	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, id)
		p.pendingMu.Unlock()
	}()

	if err := p.writeMessage(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case <-ctx.Done():
		// Best effort: tell the server we stopped waiting.
		_ = p.SendNotification("$/cancelRequest", map[string]int64{"id": id})
		return nil, fmt.Errorf("%w: %s: %v", ErrRequestTimeout, method, ctx.Err())
	case resp, ok := <-respCh:
		if !ok {
			return nil, ErrServerNotRunning
		}
		if resp.Error != nil {
			return nil, &LSPError{Code: resp.Error.Code, Message: resp.Error.Message, Data: resp.Error.Data}
		}
		return &resp, nil
	}
}

// SendNotification sends a notification (no response expected).
func (p *Protocol) SendNotification(method string, params interface{}) error {
	if atomic.LoadInt32(&p.closed) == 1 {
		return ErrServerNotRunning
	}
	return p.writeMessage(Notification{JSONRPC: JSONRPCVersion, Method: method, Params: params})
}

// writeMessage marshals and writes a message with Content-Length header.
func (p *Protocol) writeMessage(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))
	if _, err := p.writer.Write([]byte(header)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := p.writer.Write(data); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// ReadLoop reads messages from the server and dispatches them.
//
// Description:
//
//	Responses are matched to pending requests. Notifications go to the
//	notification handler synchronously, so they are observed in the order
//	the server sent them. Server requests are answered on their own
//	goroutine so a slow handler cannot stall the stream. A body that is
//	not valid JSON is reported through OnMalformed and skipped; a broken
//	frame header ends the loop because the stream can no longer be trusted.
//
// Outputs:
//
//	error - ErrServerCrashed on EOF, wrapped ErrProtocol on framing errors,
//	        ctx.Err() on cancellation, nil after Close
func (p *Protocol) ReadLoop(ctx context.Context) error {
	if p.reader == nil {
		return fmt.Errorf("no reader configured")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := p.readMessage()
		if err != nil {
			if atomic.LoadInt32(&p.closed) == 1 {
				return nil
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) {
				return ErrServerCrashed
			}
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}

		p.handleMessage(ctx, msg)
	}
}

// readMessage reads a single framed message.
func (p *Protocol) readMessage() (json.RawMessage, error) {
	contentLength := -1

	for {
		line, err := p.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			if contentLength == -1 {
				// Tolerate stray blank lines between frames.
				continue
			}
			break
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header %q", line)
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			lenStr := strings.TrimSpace(value)
			n, err := strconv.Atoi(lenStr)
			if err != nil {
				return nil, fmt.Errorf("invalid Content-Length value %q: %w", lenStr, err)
			}
			if n <= 0 || n > maxContentLength {
				return nil, fmt.Errorf("Content-Length out of range: %d", n)
			}
			contentLength = n
		}
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(p.reader, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// handleMessage dispatches a received message.
func (p *Protocol) handleMessage(ctx context.Context, msg json.RawMessage) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		p.malformed(fmt.Errorf("%w: decode message: %v", ErrProtocol, err))
		return
	}

	hasID := len(env.ID) > 0 && string(env.ID) != "null"

	switch {
	case env.Method != "" && hasID:
		go p.answer(ctx, env)
	case env.Method != "":
		if p.onNotify != nil {
			p.onNotify(env.Method, env.Params)
		}
	case hasID:
		id, err := strconv.ParseInt(string(env.ID), 10, 64)
		if err != nil {
			p.malformed(fmt.Errorf("%w: response id %s", ErrProtocol, env.ID))
			return
		}
		p.pendingMu.Lock()
		ch, ok := p.pending[id]
		p.pendingMu.Unlock()
		if ok {
			select {
			case ch <- Response{JSONRPC: JSONRPCVersion, ID: id, Result: env.Result, Error: env.Error}:
			default:
			}
		}
	default:
		p.malformed(fmt.Errorf("%w: message has neither method nor id", ErrProtocol))
	}
}

// answer runs the request handler and writes the reply.
func (p *Protocol) answer(ctx context.Context, env envelope) {
	reply := replyMessage{JSONRPC: JSONRPCVersion, ID: env.ID}
	if p.onRequest == nil {
		reply.Error = &ResponseError{Code: -32601, Message: "method not found: " + env.Method}
	} else {
		result, err := p.onRequest(ctx, env.Method, env.Params)
		if err != nil {
			var lspErr *LSPError
			if errors.As(err, &lspErr) {
				reply.Error = &ResponseError{Code: lspErr.Code, Message: lspErr.Message, Data: lspErr.Data}
			} else {
				reply.Error = &ResponseError{Code: -32603, Message: err.Error()}
			}
		} else {
			reply.Result = result
		}
	}
	if atomic.LoadInt32(&p.closed) == 1 {
		return
	}
	if err := p.writeMessage(reply); err != nil {
		p.malformed(fmt.Errorf("reply to %s: %w", env.Method, err))
	}
}

func (p *Protocol) malformed(err error) {
	if p.onError != nil {
		p.onError(err)
	}
}

// Close marks the protocol as closed.
//
// Description:
//
//	Prevents further sends and fails every pending request with a
//	"server connection closed" error. Does not close the underlying
//	reader or writer.
func (p *Protocol) Close() {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return
	}

	p.pendingMu.Lock()
	for id, ch := range p.pending {
		select {
		case ch <- Response{
			JSONRPC: JSONRPCVersion,
			ID:      id,
			Error:   &ResponseError{Code: -32099, Message: "server connection closed"},
		}:
		default:
		}
		delete(p.pending, id)
	}
	p.pendingMu.Unlock()
}

// Closed reports whether Close has been called.
func (p *Protocol) Closed() bool {
	return atomic.LoadInt32(&p.closed) == 1
}
