// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"context"
	"errors"
	"os"

	"github.com/charmbracelet/huh"
)

// ErrNotInteractive is returned by Confirm when stdin is not a terminal.
var ErrNotInteractive = errors.New("confirmation requires an interactive terminal")

// ConfirmFunc asks a yes/no question. Commands accept one so that tests
// can answer without a terminal.
type ConfirmFunc func(ctx context.Context, title, description string) (bool, error)

// Confirm asks a yes/no question on the terminal. An aborted prompt
// (Ctrl+C or Esc) counts as "no".
func Confirm(ctx context.Context, title, description string) (bool, error) {
	if !IsTerminal(os.Stdin) {
		return false, ErrNotInteractive
	}

	var ok bool
	field := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative("Apply").
		Negative("Skip").
		Value(&ok)

	form := huh.NewForm(huh.NewGroup(field)).
		WithAccessible(os.Getenv("ACCESSIBLE") != "")
	if err := form.RunWithContext(ctx); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, err
	}
	return ok, nil
}
