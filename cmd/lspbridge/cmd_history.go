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
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/lspbridge/services/bridge/history"
)

func newHistoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Analyze recorded diagnostic history",
		Long: `History reads the snapshots recorded by export --record, watch and
quickfix. Set history.path in the config file to keep history between runs;
without it, history lives only as long as one command.`,
	}
	cmd.AddCommand(
		newHistoryTrendCmd(a),
		newHistoryHotSpotsCmd(a),
		newHistorySummaryCmd(a),
	)
	return cmd
}

// withHistory opens the session's history store without starting servers.
func (a *app) withHistory(cmd *cobra.Command, fn func(*history.Store) error) error {
	if a.cfg.History.Path == "" {
		a.printer(a.stderr).Warning("history.path is not set; no history is retained between runs")
	}
	s, err := a.openSession(cmd.Context())
	if err != nil {
		return err
	}
	defer a.closeSession(s)
	return fn(s.History)
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newHistoryTrendCmd(a *app) *cobra.Command {
	var (
		file    string
		window  time.Duration
		buckets int
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "trend",
		Short: "Show diagnostic counts over time",
		Example: `  lspbridge history trend --window 168h
  lspbridge history trend --file src/main.rs --buckets 24 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if buckets < 0 {
				return usageErrorf("--buckets must be >= 0")
			}
			return a.withHistory(cmd, func(store *history.Store) error {
				points := store.Trend(a.absPath(file), window, buckets)
				direction := history.DirectionOf(points)
				if asJSON {
					return a.printJSON(struct {
						File      string               `json:"file,omitempty"`
						Direction history.Direction    `json:"direction"`
						Points    []history.TrendPoint `json:"points"`
					}{file, direction, points})
				}

				p := a.printer(a.stdout)
				if len(points) == 0 {
					p.Info("no history in this window")
					return nil
				}
				rows := make([][]string, 0, len(points))
				for _, pt := range points {
					rows = append(rows, []string{
						pt.End.Local().Format(time.DateTime),
						strconv.Itoa(pt.Counts.Errors),
						strconv.Itoa(pt.Counts.Warnings),
						strconv.Itoa(pt.Counts.Information + pt.Counts.Hints),
						strconv.Itoa(pt.Samples),
					})
				}
				fmt.Fprint(a.stdout, p.Table([]string{"UNTIL", "ERRORS", "WARNINGS", "OTHER", "SAMPLES"}, rows))
				p.Info(fmt.Sprintf("direction: %s", direction))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "limit to one file (default: the workspace)")
	cmd.Flags().DurationVarP(&window, "window", "w", 24*time.Hour, "time span ending now; 0 covers all history")
	cmd.Flags().IntVarP(&buckets, "buckets", "b", 12, "number of time buckets")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newHistoryHotSpotsCmd(a *app) *cobra.Command {
	var (
		top    int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:     "hotspots",
		Aliases: []string{"hot"},
		Short:   "Rank files by errors and churn",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if top <= 0 {
				return usageErrorf("--top must be positive")
			}
			return a.withHistory(cmd, func(store *history.Store) error {
				spots := store.HotSpots(top)
				if asJSON {
					if spots == nil {
						spots = []history.HotSpot{}
					}
					return a.printJSON(spots)
				}

				p := a.printer(a.stdout)
				if len(spots) == 0 {
					p.Info("no hot spots")
					return nil
				}
				rows := make([][]string, 0, len(spots))
				for _, h := range spots {
					rows = append(rows, []string{
						a.relPath(h.File),
						strconv.Itoa(h.Errors),
						strconv.Itoa(h.Warnings),
						strconv.Itoa(h.Churn),
						strconv.FormatFloat(h.Score, 'f', 1, 64),
					})
				}
				fmt.Fprint(a.stdout, p.Table([]string{"FILE", "ERRORS", "WARNINGS", "CHURN", "SCORE"}, rows))
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&top, "top", "n", 10, "number of files")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newHistorySummaryCmd(a *app) *cobra.Command {
	var (
		window time.Duration
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Summarize the current state and its direction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withHistory(cmd, func(store *history.Store) error {
				sum := store.Summarize(window)
				if asJSON {
					return a.printJSON(sum)
				}

				p := a.printer(a.stdout)
				p.Title("Diagnostic history")
				rows := [][]string{
					{"entries", strconv.Itoa(sum.Entries)},
					{"files", strconv.Itoa(sum.Files)},
					{"errors", strconv.Itoa(sum.Current.Errors)},
					{"warnings", strconv.Itoa(sum.Current.Warnings)},
					{"hot spots", strconv.Itoa(sum.HotSpots)},
					{"direction", string(sum.Direction)},
					{"health", fmt.Sprintf("%.0f%%", sum.Health*100)},
				}
				if !sum.Oldest.IsZero() {
					rows = append(rows,
						[]string{"oldest", sum.Oldest.Local().Format(time.DateTime)},
						[]string{"newest", sum.Newest.Local().Format(time.DateTime)})
				}
				fmt.Fprint(a.stdout, p.Table(nil, rows))
				return nil
			})
		},
	}
	cmd.Flags().DurationVarP(&window, "window", "w", 24*time.Hour, "span used for the direction")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

