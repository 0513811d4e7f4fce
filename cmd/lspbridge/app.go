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
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/lspbridge/pkg/logging"
	"github.com/AleutianAI/lspbridge/pkg/ux"
	"github.com/AleutianAI/lspbridge/services/bridge/config"
	"github.com/AleutianAI/lspbridge/services/bridge/session"
	"github.com/AleutianAI/lspbridge/services/bridge/telemetry"
)

// annotationNoConfig marks commands that run without loading configuration.
const annotationNoConfig = "lspbridge/no-config"

// shutdownTimeout bounds server shutdown and telemetry flushing.
const shutdownTimeout = 5 * time.Second

// app holds what the commands share: the writers, the global flags and
// the state set up by the root command's PersistentPreRunE.
type app struct {
	stdout io.Writer
	stderr io.Writer

	// Global flags.
	configPath string
	root       string
	logLevel   string
	plain      bool

	// Set up before a command runs.
	cfg       config.Config
	cfgSource string
	logger    *logging.Logger
	shutdown  func(context.Context) error

	// confirm answers interactive quick-fix prompts.
	confirm ux.ConfirmFunc

	// getenv reads the environment. Tests replace it.
	getenv func(string) string
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		stdout:  stdout,
		stderr:  stderr,
		confirm: ux.Confirm,
		getenv:  os.Getenv,
	}
}

// run executes the CLI and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newApp(stdout, stderr).execute(ctx, args)
}

func (a *app) execute(ctx context.Context, args []string) int {
	cmd := newRootCmd(a)
	cmd.SetArgs(args)
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)

	err := cmd.ExecuteContext(ctx)
	a.teardown()

	code := exitCode(err)
	if err != nil && err.Error() != "" && !errors.Is(err, errFindings) {
		a.printer(a.stderr).Error(err.Error())
	}
	return code
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "lspbridge",
		Short: "Bridge language-server diagnostics to files, streams and assistants",
		Long: `lspbridge starts the language servers configured for a workspace,
collects their diagnostics, and exports them as JSON, Markdown or a compact
format for AI assistants. It can also stream changes, apply quick fixes,
track diagnostic history and serve all of this over HTTP.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError(err)
	})

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "config file (default: search the workspace, then the user config dir)")
	pf.StringVarP(&a.root, "root", "r", "", "workspace root (default: the working directory)")
	pf.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error")
	pf.BoolVar(&a.plain, "plain", false, "disable colors and tables")

	root.AddCommand(
		newExportCmd(a),
		newWatchCmd(a),
		newQuickFixCmd(a),
		newHistoryCmd(a),
		newServeCmd(a),
		newServersCmd(a),
		newConfigCmd(a),
		newVersionCmd(a),
	)
	return root
}

// setup resolves the workspace root, loads configuration, and starts
// logging and telemetry.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	root, err := a.resolveRoot()
	if err != nil {
		return usageError(err)
	}
	a.root = root

	if cmd.Annotations[annotationNoConfig] == "true" {
		return nil
	}

	cfg, source, err := config.Load(config.LoadOptions{
		Path:   a.configPath,
		Root:   root,
		Getenv: a.getenv,
	})
	if err != nil {
		return usageError(err)
	}
	a.cfg = cfg
	a.cfgSource = source

	levelName := cfg.Logging.Level
	if a.logLevel != "" {
		levelName = a.logLevel
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return usageError(err)
	}
	logger, err := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "lspbridge",
		JSON:    cfg.Logging.JSON,
		Output:  a.stderr,
	})
	if err != nil {
		logger.Warn("file logging disabled", "error", err)
	}
	a.logger = logger
	slog.SetDefault(logger.Slog())

	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceVersion = version
	if cfg.Telemetry.Traces != "" && cfg.Telemetry.Traces != telemetry.ExporterNone {
		tcfg.TraceExporter = cfg.Telemetry.Traces
	}
	if cfg.Telemetry.Metrics != "" && cfg.Telemetry.Metrics != telemetry.ExporterNone {
		tcfg.MetricExporter = cfg.Telemetry.Metrics
	}
	if cfg.Telemetry.OTLPEndpoint != "" {
		tcfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	tcfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	tcfg.Writer = a.stderr
	shutdown, err := telemetry.Init(cmd.Context(), tcfg)
	if err != nil {
		return usageError(err)
	}
	a.shutdown = shutdown

	logger.Debug("configuration loaded",
		"source", sourceName(source),
		"root", root,
		"command", cmd.CommandPath())
	return nil
}

func (a *app) resolveRoot() (string, error) {
	root := a.root
	if root == "" {
		root = a.getenv("LSPBRIDGE_ROOT")
	}
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		root = wd
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", &os.PathError{Op: "root", Path: abs, Err: errors.New("not a directory")}
	}
	return abs, nil
}

func (a *app) teardown() {
	if a.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.shutdown(ctx); err != nil && a.logger != nil {
			a.logger.Warn("telemetry shutdown failed", "error", err)
		}
		cancel()
		a.shutdown = nil
	}
	if a.logger != nil {
		_ = a.logger.Close()
		a.logger = nil
	}
}

// slog returns the command logger.
func (a *app) slog() *slog.Logger {
	if a.logger == nil {
		return slog.Default()
	}
	return a.logger.Slog()
}

func (a *app) printer(w io.Writer) *ux.Printer {
	if a.plain {
		return ux.NewPlainPrinter(w)
	}
	return ux.NewPrinter(w)
}

// openSession opens the workspace session. Servers are not started.
func (a *app) openSession(ctx context.Context) (*session.Session, error) {
	return session.Open(ctx, session.Options{
		Root:   a.root,
		Config: a.cfg,
		Logger: a.slog(),
	})
}

// connectSession opens the session and starts its servers. The caller
// must close the returned session.
func (a *app) connectSession(ctx context.Context) (*session.Session, error) {
	s, err := a.openSession(ctx)
	if err != nil {
		return nil, err
	}
	results, err := s.Connect(ctx)
	if err != nil {
		a.closeSession(s)
		return nil, err
	}
	for _, r := range results {
		if r.Err != nil {
			a.slog().Warn("language server not started",
				"server", r.ServerID,
				"error", r.Err)
		}
	}
	return s, nil
}

func (a *app) closeSession(s *session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		a.slog().Warn("session close failed", "error", err)
	}
}

// relPath shows path relative to the workspace root when it lies inside.
func (a *app) relPath(path string) string {
	rel, err := filepath.Rel(a.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return filepath.ToSlash(rel)
}

// absPath resolves a user-supplied path against the workspace root.
func (a *app) absPath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(a.root, path)
}

func sourceName(path string) string {
	if path == "" {
		return "built-in defaults"
	}
	return path
}
