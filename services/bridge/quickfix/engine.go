// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package quickfix applies confidence-scored suggested fixes through the
// language servers that proposed them.
package quickfix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/lspbridge/services/bridge/lsp"
	"github.com/AleutianAI/lspbridge/services/bridge/model"
	"github.com/AleutianAI/lspbridge/services/bridge/telemetry"
)

// Status is the outcome of one fix.
type Status string

const (
	StatusApplied Status = "applied"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
	StatusPlanned Status = "planned"
)

// Reasons attached to skipped and failed outcomes.
const (
	ReasonLowConfidence = "low-confidence"
	ReasonDeclined      = "declined"
	ReasonStaleRange    = "stale-range"
	ReasonInvalidFix    = "invalid-fix"
)

const (
	// DefaultThreshold is the minimum confidence applied without asking.
	DefaultThreshold = 0.9

	// DefaultSuggestThreshold is the minimum confidence offered for
	// confirmation.
	DefaultSuggestThreshold = 0.5

	defaultParallelism = 8
)

// ErrInvalidThreshold is returned for thresholds outside [0, 1].
var ErrInvalidThreshold = errors.New("threshold must be within [0, 1]")

// Applier sends a fix to the server that owns file.
type Applier interface {
	ApplyEdit(ctx context.Context, serverID, file string, fix model.SuggestedFix) error
}

// outcomeRecorder learns from apply results.
type outcomeRecorder interface {
	RecordFixOutcome(code string, success bool)
}

// ConfirmFunc asks whether a fix below the threshold should be applied.
type ConfirmFunc func(ctx context.Context, d model.Diagnostic) (bool, error)

// Options configures an Engine.
type Options struct {
	// SuggestThreshold is the lowest confidence passed to Confirm.
	SuggestThreshold float64

	// Confirm, when set, is asked about fixes between SuggestThreshold and
	// the apply threshold. Calls are made one at a time, in report order.
	Confirm ConfirmFunc

	// DryRun plans fixes and renders diffs without contacting servers.
	DryRun bool

	// ReadFile supplies file text for dry-run diffs. Nil reads from disk.
	ReadFile func(path string) ([]byte, error)

	// Parallelism bounds how many files are processed at once.
	Parallelism int

	Logger *slog.Logger
}

// Outcome is the result for one diagnostic that carried a fix.
type Outcome struct {
	DiagnosticID string      `json:"diagnostic_id"`
	File         string      `json:"file"`
	Range        model.Range `json:"range"`
	Code         string      `json:"code,omitempty"`
	Status       Status      `json:"status"`
	Reason       string      `json:"reason,omitempty"`
	Confidence   float64     `json:"confidence"`
	Title        string      `json:"title"`
	Diff         string      `json:"diff,omitempty"`
}

// Label renders "applied", "skipped(low-confidence)" or "failed(reason)".
func (o Outcome) Label() string {
	if o.Reason == "" {
		return string(o.Status)
	}
	return fmt.Sprintf("%s(%s)", o.Status, o.Reason)
}

// Counts tallies a report.
type Counts struct {
	Applied int `json:"applied"`
	Planned int `json:"planned"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Report lists one outcome per diagnostic that carried a fix, ordered by
// file then range.
type Report struct {
	Threshold float64   `json:"threshold"`
	DryRun    bool      `json:"dry_run"`
	Entries   []Outcome `json:"entries"`
}

// Counts tallies the report's outcomes.
func (r Report) Counts() Counts {
	var c Counts
	for _, o := range r.Entries {
		switch o.Status {
		case StatusApplied:
			c.Applied++
		case StatusPlanned:
			c.Planned++
		case StatusSkipped:
			c.Skipped++
		case StatusFailed:
			c.Failed++
		}
	}
	return c
}

// Find returns the outcome for a diagnostic ID.
func (r Report) Find(id string) (Outcome, bool) {
	for _, o := range r.Entries {
		if o.DiagnosticID == id {
			return o, true
		}
	}
	return Outcome{}, false
}

// Engine decides which fixes to apply and applies them.
//
// Thread Safety: Safe for concurrent use. Concurrent batches touching the
// same file are not coordinated with each other.
type Engine struct {
	applier Applier
	opts    Options
	logger  *slog.Logger
}

// New creates an engine. applier may be nil for dry runs.
func New(applier Applier, opts Options) *Engine {
	if opts.SuggestThreshold == 0 {
		opts.SuggestThreshold = DefaultSuggestThreshold
	}
	if opts.ReadFile == nil {
		opts.ReadFile = os.ReadFile
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = defaultParallelism
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{applier: applier, opts: opts, logger: logger.With(slog.String("component", "quickfix"))}
}

// candidate is a diagnostic with its fix and the outcome being built.
type candidate struct {
	diag   model.Diagnostic
	fix    model.SuggestedFix
	target model.Range
	out    *Outcome
}

// Apply runs one quick-fix batch over snapshot.
//
// Description:
//
//	Every diagnostic with a suggested fix gets exactly one outcome.
//	Fixes below threshold are skipped unless Confirm accepts them. Within
//	a file, fixes are considered by descending confidence and a fix whose
//	target overlaps one already selected fails with stale-range. Selected
//	fixes are applied in reverse document order so earlier ranges stay
//	valid; files are processed concurrently. A failure never stops the
//	batch.
//
// Outputs:
//
//	Report - One outcome per fixable diagnostic.
//	error - ErrInvalidThreshold, a Confirm error, or a nil applier outside
//	  dry-run mode. Apply failures are outcomes, not errors.
func (e *Engine) Apply(ctx context.Context, snapshot model.Snapshot, threshold float64) (_ Report, err error) {
	ctx, span := telemetry.StartSpan(ctx, "bridge.quickfix", "Engine.Apply",
		trace.WithAttributes(
			attribute.Float64("threshold", threshold),
			attribute.Bool("dry_run", e.opts.DryRun),
		),
	)
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	if math.IsNaN(threshold) || threshold < 0 || threshold > 1 {
		return Report{}, fmt.Errorf("%w: %v", ErrInvalidThreshold, threshold)
	}
	if e.applier == nil && !e.opts.DryRun {
		return Report{}, errors.New("quickfix: no applier configured")
	}
	start := time.Now()

	byFile := make(map[string][]*candidate)
	var outcomes []*Outcome
	for _, d := range snapshot.Diagnostics {
		if d.SuggestedFix == nil {
			continue
		}
		fix := *d.SuggestedFix
		out := &Outcome{
			DiagnosticID: d.ID,
			File:         d.FilePath,
			Range:        d.Range,
			Code:         d.Code,
			Confidence:   fix.Confidence,
			Title:        fix.Title,
		}
		outcomes = append(outcomes, out)
		if err := fix.Validate(); err != nil || (len(fix.Edits) == 0 && fix.Command == nil) {
			out.Status, out.Reason = StatusFailed, ReasonInvalidFix
			continue
		}
		target := fix.Target()
		if len(fix.Edits) == 0 {
			target = d.Range
		}
		byFile[d.FilePath] = append(byFile[d.FilePath], &candidate{diag: d, fix: fix, target: target, out: out})
	}

	files := make([]string, 0, len(byFile))
	for f := range byFile {
		files = append(files, f)
	}
	sort.Strings(files)

	selected := make(map[string][]*candidate, len(files))
	for _, f := range files {
		picked, err := e.selectFixes(ctx, byFile[f], threshold)
		if err != nil {
			return Report{}, err
		}
		if len(picked) > 0 {
			selected[f] = picked
		}
	}

	var g errgroup.Group
	g.SetLimit(e.opts.Parallelism)
	for _, f := range files {
		picked := selected[f]
		if len(picked) == 0 {
			continue
		}
		f := f
		g.Go(func() error {
			e.applyFile(ctx, snapshot.Root, f, picked)
			return nil
		})
	}
	_ = g.Wait()

	report := Report{Threshold: threshold, DryRun: e.opts.DryRun, Entries: make([]Outcome, 0, len(outcomes))}
	for _, o := range outcomes {
		report.Entries = append(report.Entries, *o)
		fixOutcomes.WithLabelValues(string(o.Status)).Inc()
	}
	sort.SliceStable(report.Entries, func(i, j int) bool {
		a, b := report.Entries[i], report.Entries[j]
		if a.File != b.File {
			return a.File < b.File
		}
		if c := a.Range.Start.Compare(b.Range.Start); c != 0 {
			return c < 0
		}
		return a.DiagnosticID < b.DiagnosticID
	})
	batchDuration.Observe(time.Since(start).Seconds())

	c := report.Counts()
	span.SetAttributes(attribute.Int("applied", c.Applied), attribute.Int("failed", c.Failed))
	e.logger.Info("quick-fix batch done",
		slog.Float64("threshold", threshold),
		slog.Bool("dry_run", e.opts.DryRun),
		slog.Int("applied", c.Applied),
		slog.Int("planned", c.Planned),
		slog.Int("skipped", c.Skipped),
		slog.Int("failed", c.Failed))
	return report, nil
}

// selectFixes decides which of one file's candidates to apply.
func (e *Engine) selectFixes(ctx context.Context, cands []*candidate, threshold float64) ([]*candidate, error) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.fix.Confidence != b.fix.Confidence {
			return a.fix.Confidence > b.fix.Confidence
		}
		if c := a.target.Start.Compare(b.target.Start); c != 0 {
			return c < 0
		}
		return a.diag.ID < b.diag.ID
	})

	var picked []*candidate
	for _, c := range cands {
		if c.fix.Confidence < threshold {
			ok, err := e.confirm(ctx, c)
			if err != nil {
				return nil, err
			}
			if !ok {
				c.out.Status = StatusSkipped
				c.out.Reason = ReasonLowConfidence
				if e.opts.Confirm != nil && c.fix.Confidence >= e.opts.SuggestThreshold {
					c.out.Reason = ReasonDeclined
				}
				continue
			}
		}
		if overlapsAny(c.target, picked) {
			c.out.Status = StatusFailed
			c.out.Reason = ReasonStaleRange
			continue
		}
		picked = append(picked, c)
	}
	return picked, nil
}

func (e *Engine) confirm(ctx context.Context, c *candidate) (bool, error) {
	if e.opts.Confirm == nil || c.fix.Confidence < e.opts.SuggestThreshold {
		return false, nil
	}
	ok, err := e.opts.Confirm(ctx, c.diag)
	if err != nil {
		return false, fmt.Errorf("confirm fix for %s: %w", c.diag.Location(), err)
	}
	return ok, nil
}

func overlapsAny(r model.Range, picked []*candidate) bool {
	for _, p := range picked {
		if r.Overlaps(p.target) {
			return true
		}
	}
	return false
}

// applyFile applies one file's selected fixes, last in the document first.
// ctx cancellation marks the remaining fixes failed rather than aborting.
func (e *Engine) applyFile(ctx context.Context, root, file string, picked []*candidate) {
	sort.SliceStable(picked, func(i, j int) bool {
		return picked[j].target.Start.Compare(picked[i].target.Start) < 0
	})

	var original string
	var readErr error
	if e.opts.DryRun {
		var data []byte
		data, readErr = e.opts.ReadFile(file)
		original = string(data)
	}

	for _, c := range picked {
		if err := ctx.Err(); err != nil {
			c.out.Status, c.out.Reason = StatusFailed, err.Error()
			continue
		}
		if e.opts.DryRun {
			e.plan(c, root, original, readErr)
			continue
		}

		err := e.applier.ApplyEdit(ctx, c.diag.ServerID, file, c.fix)
		if r, ok := e.applier.(outcomeRecorder); ok && c.diag.Code != "" {
			r.RecordFixOutcome(c.diag.Code, err == nil)
		}
		if err != nil {
			c.out.Status, c.out.Reason = StatusFailed, failureReason(err)
			e.logger.Warn("fix failed",
				slog.String("file", file),
				slog.String("diagnostic", c.diag.ID),
				slog.String("error", err.Error()))
			continue
		}
		c.out.Status = StatusApplied
		e.logger.Debug("fix applied", slog.String("file", file), slog.String("title", c.fix.Title))
	}
}

// plan fills a dry-run outcome with a diff of the fix alone.
func (e *Engine) plan(c *candidate, root, original string, readErr error) {
	c.out.Status = StatusPlanned
	if len(c.fix.Edits) == 0 {
		c.out.Reason = "server-command"
		return
	}
	if readErr != nil {
		c.out.Reason = "no-preview"
		return
	}
	after, err := lsp.ApplyEdits(original, c.fix.Edits)
	if err != nil {
		c.out.Status, c.out.Reason = StatusFailed, ReasonStaleRange
		return
	}
	d, err := unifiedDiff(displayName(root, c.diag.FilePath), original, after)
	if err != nil {
		e.logger.Debug("render diff failed", slog.String("error", err.Error()))
		return
	}
	c.out.Diff = d
}

// failureReason turns an apply error into a short outcome reason.
func failureReason(err error) string {
	switch {
	case errors.Is(err, lsp.ErrStaleDocument):
		return ReasonStaleRange
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, lsp.ErrRequestTimeout):
		return "timeout"
	case errors.Is(err, lsp.ErrNoOwningServer):
		return "no-server"
	case errors.Is(err, lsp.ErrServerNotRunning):
		return "server-not-running"
	}
	return err.Error()
}

func displayName(root, path string) string {
	if root != "" {
		if rel, err := filepath.Rel(root, path); err == nil && !strings.HasPrefix(rel, "..") {
			return filepath.ToSlash(rel)
		}
	}
	return filepath.ToSlash(path)
}
