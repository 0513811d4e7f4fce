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
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/lspbridge/services/bridge/config"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or inspect the configuration",
	}
	cmd.AddCommand(newConfigInitCmd(a), newConfigShowCmd(a))
	return cmd
}

func newConfigInitCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Long: `Init writes the built-in configuration to path, or to .lspbridge.yaml in
the workspace root. A path ending in .toml is written as TOML.`,
		Args:        cobra.MaximumNArgs(1),
		Annotations: map[string]string{annotationNoConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(a.root, ".lspbridge.yaml")
			if len(args) == 1 {
				path = a.absPath(args[0])
			}
			if err := config.WriteDefault(path, force); err != nil {
				return usageError(err)
			}
			a.printer(a.stderr).Success(fmt.Sprintf("wrote %s", a.relPath(path)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func newConfigShowCmd(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				data []byte
				err  error
			)
			switch strings.ToLower(format) {
			case "yaml", "yml":
				data, err = config.Marshal(a.cfg, "yaml")
			case "toml":
				data, err = config.Marshal(a.cfg, "toml")
			case "json":
				data, err = json.MarshalIndent(a.cfg, "", "  ")
				data = append(data, '\n')
			default:
				return usageErrorf("unknown format %q (want yaml, toml or json)", format)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stderr, "# source: %s\n", sourceName(a.cfgSource))
			_, err = a.stdout.Write(data)
			return err
		},
	}
	cmd.Flags().StringVar(&format, "format", "yaml", "yaml, toml or json")
	return cmd
}
