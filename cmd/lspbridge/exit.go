// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/lspbridge/services/bridge/config"
	"github.com/AleutianAI/lspbridge/services/bridge/export"
	"github.com/AleutianAI/lspbridge/services/bridge/lsp"
	"github.com/AleutianAI/lspbridge/services/bridge/quickfix"
)

// Exit codes.
const (
	ExitSuccess        = 0 // Command completed
	ExitFailure        = 1 // Command failed, or some fixes failed to apply
	ExitUsage          = 2 // Bad flags, arguments or configuration
	ExitEmptySelection = 3 // The scope selected no files
	ExitUnavailable    = 4 // No language server could serve the request
)

// exitError carries an exit code through cobra's error return.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// usageError marks err as a usage problem.
func usageError(err error) error {
	return &exitError{code: ExitUsage, err: err}
}

// usageErrorf formats a usage problem.
func usageErrorf(format string, args ...any) error {
	return usageError(fmt.Errorf(format, args...))
}

// errFindings exits with ExitFailure without printing anything more. The
// command has already reported what failed.
var errFindings = &exitError{code: ExitFailure}

// exitCode maps an error returned by a command to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	switch {
	case errors.Is(err, export.ErrEmptySelection):
		return ExitEmptySelection
	case errors.Is(err, lsp.ErrServerUnavailable):
		return ExitUnavailable
	case errors.Is(err, config.ErrNotFound), errors.Is(err, quickfix.ErrInvalidThreshold):
		return ExitUsage
	}
	return ExitFailure
}
