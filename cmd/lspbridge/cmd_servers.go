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
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/lspbridge/services/bridge/lsp"
)

// serverInfo describes one configured server for the servers command.
type serverInfo struct {
	ID         string   `json:"id"`
	Command    string   `json:"command"`
	Path       string   `json:"path,omitempty"`
	Extensions []string `json:"extensions"`
	Installed  bool     `json:"installed"`
	Applies    bool     `json:"applies"`
}

// inspectServers reports whether each spec is installed and applies to root.
func inspectServers(specs []lsp.ServerSpec, root string, lookPath func(string) (string, error)) []serverInfo {
	out := make([]serverInfo, 0, len(specs))
	for _, spec := range specs {
		info := serverInfo{
			ID:         spec.ID,
			Command:    spec.Command,
			Extensions: spec.Extensions,
			Applies:    spec.AppliesTo(root),
		}
		if path, err := lookPath(spec.Command); err == nil {
			info.Path = path
			info.Installed = true
		}
		out = append(out, info)
	}
	return out
}

func newServersCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "List configured language servers and whether they can run here",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			infos := inspectServers(a.cfg.ServerSpecs(), a.root, exec.LookPath)
			if asJSON {
				return a.printJSON(infos)
			}

			p := a.printer(a.stdout)
			rows := make([][]string, 0, len(infos))
			for _, s := range infos {
				rows = append(rows, []string{
					s.ID,
					s.Command,
					strings.Join(s.Extensions, " "),
					yesNo(s.Installed),
					yesNo(s.Applies),
				})
			}
			fmt.Fprint(a.stdout, p.Table([]string{"ID", "COMMAND", "EXTENSIONS", "INSTALLED", "APPLIES"}, rows))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
