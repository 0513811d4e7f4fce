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
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/lspbridge/services/bridge/watch"
)

func newWatchCmd(a *app) *cobra.Command {
	var (
		sel      selectionFlags
		debounce time.Duration
		sync     bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream diagnostic changes as newline-delimited JSON",
		Long: `Watch starts the workspace's language servers and writes one JSON
update per line to stdout whenever a file's diagnostics settle on a new
set. The first update announces the session; later updates carry only the
files that changed. Server crashes and recoveries are reported as
degraded and watching states.

With --sync, files saved outside an editor are forwarded to their servers
so the stream follows changes on disk.

Stop with Ctrl+C.`,
		Example: `  lspbridge watch
  lspbridge watch --scope errors --debounce 500ms --sync | jq .`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			scope, open, level, err := sel.resolve(a)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("debounce") {
				debounce = a.cfg.Watch.Debounce.D()
			}
			if debounce <= 0 {
				return usageErrorf("--debounce must be positive")
			}
			if !cmd.Flags().Changed("sync") {
				sync = a.cfg.Watch.SyncFiles
			}

			s, err := a.connectSession(ctx)
			if err != nil {
				return err
			}
			defer a.closeSession(s)

			// Opening the scope's files gets the servers publishing.
			if _, err := s.Collect(ctx, scope, open); err != nil {
				return err
			}

			engine := s.Watch(watch.NewNDJSONSink(a.stdout), level)
			if err := engine.Start(ctx, scope, debounce); err != nil {
				return usageError(err)
			}
			defer engine.Stop()

			g, gctx := errgroup.WithContext(ctx)
			if sync {
				fs, err := watch.NewFileSync(s.Root, s.Manager, watch.FileSyncOptions{Logger: a.slog()})
				if err != nil {
					return err
				}
				g.Go(func() error { return fs.Run(gctx) })
			}
			g.Go(func() error {
				<-gctx.Done()
				return nil
			})
			if err := g.Wait(); err != nil && !errors.Is(err, ctx.Err()) {
				return err
			}
			a.slog().Info("watch stopped", "session", engine.Session())
			return nil
		},
	}

	sel.register(cmd, true)
	cmd.Flags().DurationVarP(&debounce, "debounce", "d", 300*time.Millisecond, "quiet period before a file's update is emitted")
	cmd.Flags().BoolVar(&sync, "sync", false, "forward on-disk file changes to the servers")
	return cmd
}
