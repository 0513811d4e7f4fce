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
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/AleutianAI/lspbridge/services/bridge/model"
)

// NDJSONSink writes one JSON-encoded update per line and flushes after
// each one, so a consumer reading a pipe sees updates as they happen.
type NDJSONSink struct {
	mu  sync.Mutex
	w   *bufio.Writer
	enc *json.Encoder
}

// NewNDJSONSink creates a sink writing to w.
func NewNDJSONSink(w io.Writer) *NDJSONSink {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	return &NDJSONSink{w: bw, enc: enc}
}

// Emit writes u as a single line.
func (s *NDJSONSink) Emit(u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	files := make([]FileDelta, len(u.Files))
	for i, f := range u.Files {
		if f.Diagnostics == nil {
			f.Diagnostics = []model.Diagnostic{}
		}
		files[i] = f
	}
	u.Files = files
	if err := s.enc.Encode(u); err != nil {
		return fmt.Errorf("encode update %d: %w", u.Seq, err)
	}
	return s.w.Flush()
}
