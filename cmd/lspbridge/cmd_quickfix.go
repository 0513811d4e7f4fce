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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/lspbridge/pkg/ux"
	"github.com/AleutianAI/lspbridge/services/bridge/history"
	"github.com/AleutianAI/lspbridge/services/bridge/model"
	"github.com/AleutianAI/lspbridge/services/bridge/quickfix"
)

func newQuickFixCmd(a *app) *cobra.Command {
	var (
		sel         selectionFlags
		threshold   float64
		dryRun      bool
		interactive bool
		asJSON      bool
	)

	cmd := &cobra.Command{
		Use:     "quickfix",
		Aliases: []string{"fix"},
		Short:   "Apply high-confidence fixes offered by the language servers",
		Long: `Quickfix applies every suggested fix whose confidence reaches the
threshold. Fixes are applied per file in reverse document order, and of two
overlapping fixes only the more confident one is applied.

With --interactive, fixes between the suggest threshold and the apply
threshold are offered one at a time for confirmation. --dry-run applies
nothing and prints the diff each fix would produce.

Exits 1 when any fix failed to apply.`,
		Example: `  lspbridge quickfix --dry-run
  lspbridge quickfix --threshold 0.8 --interactive
  lspbridge quickfix --scope file --file src/lib.rs --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			scope, open, _, err := sel.resolve(a)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("threshold") {
				threshold = a.cfg.QuickFix.Threshold
			}
			if threshold < 0 || threshold > 1 {
				return usageError(quickfix.ErrInvalidThreshold)
			}

			s, err := a.connectSession(ctx)
			if err != nil {
				return err
			}
			defer a.closeSession(s)

			snap, err := s.Collect(ctx, scope, open)
			if err != nil {
				return err
			}

			opts := quickfix.Options{DryRun: dryRun}
			if interactive && !dryRun {
				opts.Confirm = a.confirmFix
			}
			report, err := s.QuickFix(opts).Apply(ctx, snap, threshold)
			if err != nil {
				return err
			}

			if counts := report.Counts(); counts.Applied > 0 {
				// Record the post-fix state once the servers have re-published.
				after, err := s.Collect(ctx, scope, open)
				if err == nil {
					_, err = s.History.Record(ctx, after, history.TriggerQuickFix)
				}
				if err != nil {
					a.slog().Warn("history record failed", "error", err)
				}
			}

			if asJSON {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				a.printFixReport(report)
			}
			if report.Counts().Failed > 0 {
				return errFindings
			}
			return nil
		},
	}

	sel.register(cmd, true)
	cmd.Flags().Float64VarP(&threshold, "threshold", "t", quickfix.DefaultThreshold, "minimum confidence to apply without asking, in [0, 1]")
	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "show diffs without applying anything")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "confirm fixes below the threshold")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

// confirmFix asks about one fix below the apply threshold.
func (a *app) confirmFix(ctx context.Context, d model.Diagnostic) (bool, error) {
	if d.SuggestedFix == nil {
		return false, nil
	}
	title := fmt.Sprintf("%s:%d  %s", a.relPath(d.FilePath), d.Range.Start.Line+1, d.SuggestedFix.Title)
	desc := fmt.Sprintf("%s (confidence %.2f)", d.Message, d.SuggestedFix.Confidence)
	ok, err := a.confirm(ctx, title, desc)
	if errors.Is(err, ux.ErrNotInteractive) {
		return false, nil
	}
	return ok, err
}

func (a *app) printFixReport(r quickfix.Report) {
	p := a.printer(a.stdout)
	if len(r.Entries) == 0 {
		p.Info("no fixes offered")
		return
	}

	rows := make([][]string, 0, len(r.Entries))
	for _, o := range r.Entries {
		rows = append(rows, []string{
			fmt.Sprintf("%s:%d", a.relPath(o.File), o.Range.Start.Line+1),
			o.Title,
			strconv.FormatFloat(o.Confidence, 'f', 2, 64),
			o.Label(),
		})
	}
	fmt.Fprint(a.stdout, p.Table([]string{"LOCATION", "FIX", "CONFIDENCE", "RESULT"}, rows))

	c := r.Counts()
	summary := fmt.Sprintf("%d applied, %d planned, %d skipped, %d failed", c.Applied, c.Planned, c.Skipped, c.Failed)
	if c.Failed > 0 {
		p.Warning(summary)
	} else {
		p.Success(summary)
	}

	if !r.DryRun {
		return
	}
	for _, o := range r.Entries {
		if o.Diff != "" {
			p.Diff(o.Diff)
		}
	}
}
