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
	"fmt"
	"net"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/lspbridge/services/bridge/api"
	"github.com/AleutianAI/lspbridge/services/bridge/watch"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		addr string
		sync bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve diagnostics, quick fixes and history over HTTP",
		Long: `Serve starts the workspace's language servers and exposes them over
HTTP until interrupted:

  GET  /v1/diagnostics         rendered report (format, scope, privacy, ...)
  POST /v1/quickfix            apply or preview fixes
  GET  /v1/watch               websocket stream of diagnostic updates
  GET  /v1/history/trend       counts over time
  GET  /v1/history/hotspots    files ranked by errors and churn
  GET  /v1/history/summary     current state and direction
  GET  /v1/health              server health
  GET  /metrics                Prometheus metrics

Exits 4 when no language server could be started.`,
		Example: `  lspbridge serve
  lspbridge serve --addr 127.0.0.1:9000 --sync`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if addr == "" {
				addr = a.cfg.API.Addr
			}
			if _, _, err := net.SplitHostPort(addr); err != nil {
				return usageErrorf("invalid --addr %q: %v", addr, err)
			}
			if !cmd.Flags().Changed("sync") {
				sync = a.cfg.Watch.SyncFiles
			}

			s, err := a.connectSession(ctx)
			if err != nil {
				return err
			}
			defer a.closeSession(s)

			router := api.NewRouter(api.FromSession(s, a.slog()))
			p := a.printer(a.stderr)

			g, gctx := errgroup.WithContext(ctx)
			if sync {
				fs, err := watch.NewFileSync(s.Root, s.Manager, watch.FileSyncOptions{Logger: a.slog()})
				if err != nil {
					return err
				}
				g.Go(func() error { return fs.Run(gctx) })
			}
			g.Go(func() error {
				return api.Serve(gctx, addr, router, func(bound net.Addr) {
					p.Success(fmt.Sprintf("listening on http://%s", bound))
				})
			})
			return g.Wait()
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "listen address (default: configured api.addr)")
	cmd.Flags().BoolVar(&sync, "sync", false, "forward on-disk file changes to the servers")
	return cmd
}
