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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

// blockingReader is a reader that blocks forever on Read.
type blockingReader struct{}

func (b *blockingReader) Read(p []byte) (int, error) {
	select {}
}

// frame wraps body in a Content-Length header.
func frame(body string) string {
	return fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body), body)
}

func TestProtocol_WriteMessage(t *testing.T) {
	t.Run("writes Content-Length header matching the body", func(t *testing.T) {
		var buf bytes.Buffer
		p := NewProtocol(nil, &buf)

		if err := p.writeMessage(Request{JSONRPC: "2.0", ID: 1, Method: "test"}); err != nil {
			t.Fatalf("writeMessage: %v", err)
		}

		header, body, ok := strings.Cut(buf.String(), "\r\n\r\n")
		if !ok {
			t.Fatalf("no header terminator in %q", buf.String())
		}
		if header != fmt.Sprintf("Content-Length: %d", len(body)) {
			t.Errorf("header = %q for body of %d bytes", header, len(body))
		}
		for _, want := range []string{`"jsonrpc":"2.0"`, `"id":1`, `"method":"test"`} {
			if !strings.Contains(body, want) {
				t.Errorf("missing %s in %s", want, body)
			}
		}
	})

	t.Run("notifications have no id", func(t *testing.T) {
		var buf bytes.Buffer
		p := NewProtocol(nil, &buf)
		if err := p.SendNotification("initialized", struct{}{}); err != nil {
			t.Fatalf("SendNotification: %v", err)
		}
		if strings.Contains(buf.String(), `"id":`) {
			t.Errorf("notification carries an id: %s", buf.String())
		}
	})
}

func TestProtocol_ReadMessage(t *testing.T) {
	msg := `{"jsonrpc":"2.0","id":1,"result":null}`

	t.Run("reads a valid frame", func(t *testing.T) {
		p := NewProtocol(strings.NewReader(frame(msg)), nil)
		body, err := p.readMessage()
		if err != nil {
			t.Fatalf("readMessage: %v", err)
		}
		if string(body) != msg {
			t.Errorf("got %s, want %s", body, msg)
		}
	})

	t.Run("tolerates extra headers and header casing", func(t *testing.T) {
		input := fmt.Sprintf("content-length: %d\r\nContent-Type: application/vscode-jsonrpc\r\n\r\n%s", len(msg), msg)
		p := NewProtocol(strings.NewReader(input), nil)
		body, err := p.readMessage()
		if err != nil {
			t.Fatalf("readMessage: %v", err)
		}
		if string(body) != msg {
			t.Errorf("got %s, want %s", body, msg)
		}
	})

	t.Run("reads back-to-back frames", func(t *testing.T) {
		p := NewProtocol(strings.NewReader(frame(msg)+"\r\n"+frame(msg)), nil)
		for i := 0; i < 2; i++ {
			if _, err := p.readMessage(); err != nil {
				t.Fatalf("frame %d: %v", i, err)
			}
		}
	})

	t.Run("rejects bad lengths", func(t *testing.T) {
		for _, input := range []string{
			"Content-Length: abc\r\n\r\n{}",
			"Content-Length: -4\r\n\r\n{}",
			fmt.Sprintf("Content-Length: %d\r\n\r\n{}", maxContentLength+1),
			"no colon here\r\n\r\n{}",
		} {
			p := NewProtocol(strings.NewReader(input), nil)
			if _, err := p.readMessage(); err == nil {
				t.Errorf("expected error for %q", input)
			}
		}
	})

	t.Run("returns EOF for empty input", func(t *testing.T) {
		p := NewProtocol(strings.NewReader(""), nil)
		if _, err := p.readMessage(); err != io.EOF {
			t.Errorf("expected EOF, got %v", err)
		}
	})
}

func TestProtocol_ReadLoop(t *testing.T) {
	t.Run("EOF ends the loop as a crash", func(t *testing.T) {
		p := NewProtocol(strings.NewReader(""), nil)
		if err := p.ReadLoop(context.Background()); !errors.Is(err, ErrServerCrashed) {
			t.Errorf("ReadLoop = %v, want ErrServerCrashed", err)
		}
	})

	t.Run("framing errors end the loop as protocol errors", func(t *testing.T) {
		p := NewProtocol(strings.NewReader("Content-Length: zz\r\n\r\n"), nil)
		if err := p.ReadLoop(context.Background()); !errors.Is(err, ErrProtocol) {
			t.Errorf("ReadLoop = %v, want ErrProtocol", err)
		}
	})

	t.Run("malformed bodies are skipped", func(t *testing.T) {
		input := frame(`{not json`) + frame(`{"jsonrpc":"2.0","method":"ping","params":{"n":1}}`)
		p := NewProtocol(strings.NewReader(input), nil)

		var bad []error
		var methods []string
		p.OnMalformed(func(err error) { bad = append(bad, err) })
		p.OnNotification(func(method string, params json.RawMessage) { methods = append(methods, method) })

		_ = p.ReadLoop(context.Background())
		if len(bad) != 1 || !errors.Is(bad[0], ErrProtocol) {
			t.Errorf("malformed = %v", bad)
		}
		if len(methods) != 1 || methods[0] != "ping" {
			t.Errorf("notifications = %v", methods)
		}
	})

	t.Run("notifications arrive in order", func(t *testing.T) {
		var input strings.Builder
		for i := 0; i < 20; i++ {
			input.WriteString(frame(fmt.Sprintf(`{"jsonrpc":"2.0","method":"n","params":%d}`, i)))
		}
		p := NewProtocol(strings.NewReader(input.String()), nil)
		var got []string
		p.OnNotification(func(_ string, params json.RawMessage) { got = append(got, string(params)) })
		_ = p.ReadLoop(context.Background())
		for i, v := range got {
			if v != fmt.Sprint(i) {
				t.Fatalf("notification %d = %s", i, v)
			}
		}
		if len(got) != 20 {
			t.Errorf("got %d notifications, want 20", len(got))
		}
	})
}

func TestProtocol_HandleMessage(t *testing.T) {
	t.Run("dispatches response to pending request", func(t *testing.T) {
		p := NewProtocol(nil, nil)
		respCh := make(chan Response, 1)
		p.pendingMu.Lock()
		p.pending[42] = respCh
		p.pendingMu.Unlock()

		p.handleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":42,"result":"test"}`))

		select {
		case resp := <-respCh:
			if resp.ID != 42 || string(resp.Result) != `"test"` {
				t.Errorf("resp = %+v", resp)
			}
		case <-time.After(100 * time.Millisecond):
			t.Error("timeout waiting for response")
		}
	})

	t.Run("ignores unknown request ID", func(t *testing.T) {
		p := NewProtocol(nil, nil)
		p.handleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":999,"result":"test"}`))
	})

	t.Run("answers server requests with the handler result", func(t *testing.T) {
		var buf syncBuffer
		p := NewProtocol(nil, &buf)
		p.OnRequest(func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
			if method == "workspace/configuration" {
				return []interface{}{nil}, nil
			}
			return nil, &LSPError{Code: -32601, Message: "nope"}
		})

		p.handleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":"abc","method":"workspace/configuration","params":{"items":[{}]}}`))
		p.handleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","id":7,"method":"unknown/thing"}`))

		waitFor(t, time.Second, func() bool {
			out := buf.String()
			return strings.Contains(out, `"id":"abc","result":[null]`) && strings.Contains(out, `"code":-32601`)
		})
	})
}

func TestProtocol_SendRequest(t *testing.T) {
	t.Run("returns error for nil context", func(t *testing.T) {
		var buf bytes.Buffer
		p := NewProtocol(nil, &buf)
		_, err := p.SendRequest(nil, "test", nil) //nolint:staticcheck
		if err == nil {
			t.Error("expected error for nil context")
		}
	})

	t.Run("returns error when closed", func(t *testing.T) {
		var buf bytes.Buffer
		p := NewProtocol(nil, &buf)
		p.Close()
		if _, err := p.SendRequest(context.Background(), "test", nil); err != ErrServerNotRunning {
			t.Errorf("expected ErrServerNotRunning, got %v", err)
		}
	})

	t.Run("times out and cancels the request", func(t *testing.T) {
		var buf syncBuffer
		p := NewProtocol(&blockingReader{}, &buf)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := p.SendRequest(ctx, "test", nil)
		if !errors.Is(err, ErrRequestTimeout) {
			t.Errorf("expected ErrRequestTimeout, got %v", err)
		}
		if !strings.Contains(buf.String(), `"method":"$/cancelRequest"`) {
			t.Errorf("no cancel notification in %s", buf.String())
		}
	})

	t.Run("error responses become LSPError", func(t *testing.T) {
		r, w := io.Pipe()
		var out syncBuffer
		p := NewProtocol(r, &out)
		go func() { _ = p.ReadLoop(context.Background()) }()
		defer func() {
			p.Close()
			_ = w.Close()
		}()

		go func() {
			waitFor(t, time.Second, func() bool { return strings.Contains(out.String(), `"method":"x"`) })
			_, _ = io.WriteString(w, frame(`{"jsonrpc":"2.0","id":1,"error":{"code":-32801,"message":"content modified"}}`))
		}()

		_, err := p.SendRequest(context.Background(), "x", nil)
		var lspErr *LSPError
		if !errors.As(err, &lspErr) || !lspErr.IsContentModified() {
			t.Errorf("SendRequest = %v, want content modified", err)
		}
	})
}

func TestProtocol_Close(t *testing.T) {
	t.Run("fails pending requests", func(t *testing.T) {
		p := NewProtocol(nil, nil)
		respCh := make(chan Response, 1)
		p.pendingMu.Lock()
		p.pending[1] = respCh
		p.pendingMu.Unlock()

		p.Close()

		select {
		case resp := <-respCh:
			if resp.Error == nil || resp.Error.Code != -32099 {
				t.Errorf("expected -32099 error, got %+v", resp.Error)
			}
		case <-time.After(100 * time.Millisecond):
			t.Error("timeout waiting for error response")
		}
		if !p.Closed() {
			t.Error("Closed() = false after Close")
		}
	})

	t.Run("is idempotent", func(t *testing.T) {
		p := NewProtocol(nil, nil)
		p.Close()
		p.Close()
	})
}

func TestProtocol_Concurrent(t *testing.T) {
	var buf syncBuffer
	p := NewProtocol(nil, &buf)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := p.SendNotification("test", map[string]int{"n": n}); err != nil {
				t.Errorf("SendNotification: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if count := strings.Count(buf.String(), `"method":"test"`); count != 10 {
		t.Errorf("expected 10 messages, found %d", count)
	}
}

// syncBuffer is a bytes.Buffer safe for concurrent use.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
