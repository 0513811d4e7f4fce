// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/lspbridge/services/bridge/export"
	"github.com/AleutianAI/lspbridge/services/bridge/history"
	"github.com/AleutianAI/lspbridge/services/bridge/lsp"
	"github.com/AleutianAI/lspbridge/services/bridge/model"
	"github.com/AleutianAI/lspbridge/services/bridge/privacy"
	"github.com/AleutianAI/lspbridge/services/bridge/quickfix"
)

// Handlers contains the HTTP handlers.
type Handlers struct {
	deps Deps
}

// NewHandlers creates handlers over deps.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps}
}

func (h *Handlers) log(c *gin.Context, handler string) *slog.Logger {
	return h.deps.logger().With(
		slog.String("request_id", c.GetString(requestIDKey)),
		slog.String("handler", handler))
}

func fail(c *gin.Context, status int, code string, err error) {
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
}

// HandleDiagnostics handles GET /v1/diagnostics.
//
// Query Parameters:
//
//	format        - json, markdown or claude (default: configured)
//	scope         - workspace, file, open or errors (default: configured)
//	file          - the file for the file scope
//	open          - comma-separated open files for the open scope
//	privacy       - permissive, default or strict (default: configured)
//	context       - include source context (default: configured)
//	context_lines - lines of context (default: configured)
//	record        - record the snapshot in history
//
// Response: the rendered report, with a content type matching the format.
func (h *Handlers) HandleDiagnostics(c *gin.Context) {
	logger := h.log(c, "HandleDiagnostics")
	cfg := h.deps.Config

	format, err := export.ParseFormat(c.DefaultQuery("format", cfg.Export.Format))
	if err != nil {
		fail(c, http.StatusBadRequest, CodeInvalidRequest, err)
		return
	}
	scope, err := model.ParseScope(c.DefaultQuery("scope", cfg.Export.Scope), h.resolve(c.Query("file")))
	if err != nil {
		fail(c, http.StatusBadRequest, CodeInvalidRequest, err)
		return
	}
	level, err := privacy.ParseLevel(c.DefaultQuery("privacy", cfg.Privacy.Level))
	if err != nil {
		fail(c, http.StatusBadRequest, CodeInvalidRequest, err)
		return
	}
	includeContext, err := boolQuery(c, "context", cfg.Export.IncludeContext)
	if err != nil {
		fail(c, http.StatusBadRequest, CodeInvalidRequest, err)
		return
	}
	contextLines, err := intQuery(c, "context_lines", cfg.Export.ContextLines)
	if err != nil {
		fail(c, http.StatusBadRequest, CodeInvalidRequest, err)
		return
	}
	record, err := boolQuery(c, "record", false)
	if err != nil {
		fail(c, http.StatusBadRequest, CodeInvalidRequest, err)
		return
	}
	open := h.openFiles(c)

	ctx := c.Request.Context()
	snap, err := h.deps.Collector.Collect(ctx, scope, open)
	if err != nil {
		h.collectFailed(c, logger, err)
		return
	}

	exporter := &export.Exporter{
		Filter:    h.deps.Filter,
		OpenFiles: open,
		LineWidth: cfg.Export.LineWidth,
		Logger:    logger,
	}
	out, err := exporter.Export(ctx, snap, export.Request{
		Format:         format,
		Scope:          scope,
		IncludeContext: includeContext,
		ContextLines:   contextLines,
		Privacy:        level,
	})
	if err != nil {
		if errors.Is(err, export.ErrEmptySelection) {
			fail(c, http.StatusUnprocessableEntity, CodeEmptySelection, err)
			return
		}
		fail(c, http.StatusBadRequest, CodeInvalidRequest, err)
		return
	}

	if record && h.deps.History != nil {
		if _, err := h.deps.History.Record(ctx, snap, history.TriggerExport); err != nil {
			logger.Warn("record export failed", slog.String("error", err.Error()))
		}
	}
	c.Data(http.StatusOK, contentType(format), []byte(out))
}

// HandleQuickFix handles POST /v1/quickfix.
//
// Request Body: QuickFixRequest. Fixes below the threshold are skipped;
// there is no interactive confirmation over HTTP.
//
// Response: quickfix.Report
func (h *Handlers) HandleQuickFix(c *gin.Context) {
	logger := h.log(c, "HandleQuickFix")

	var req QuickFixRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, CodeInvalidRequest, err)
		return
	}
	scope, err := model.ParseScope(req.Scope, h.resolve(req.File))
	if err != nil {
		fail(c, http.StatusBadRequest, CodeInvalidRequest, err)
		return
	}
	threshold := h.deps.Config.QuickFix.Threshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	if !req.DryRun && h.deps.Applier == nil {
		fail(c, http.StatusServiceUnavailable, CodeUnavailable, errors.New("no language servers to apply fixes"))
		return
	}

	ctx := c.Request.Context()
	snap, err := h.deps.Collector.Collect(ctx, scope, nil)
	if err != nil {
		h.collectFailed(c, logger, err)
		return
	}

	engine := quickfix.New(h.deps.Applier, quickfix.Options{
		SuggestThreshold: h.deps.Config.QuickFix.SuggestThreshold,
		DryRun:           req.DryRun,
		Logger:           logger,
	})
	report, err := engine.Apply(ctx, snap, threshold)
	if err != nil {
		if errors.Is(err, quickfix.ErrInvalidThreshold) {
			fail(c, http.StatusBadRequest, CodeInvalidRequest, err)
			return
		}
		fail(c, http.StatusInternalServerError, CodeInternal, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// HandleTrend handles GET /v1/history/trend.
//
// Query Parameters:
//
//	file    - restrict to one file (default: whole workspace)
//	window  - duration covered (default: 24h)
//	buckets - number of points (default: 12)
func (h *Handlers) HandleTrend(c *gin.Context) {
	if !h.requireHistory(c) {
		return
	}
	window, err := durationQuery(c, "window", 24*time.Hour)
	if err != nil {
		fail(c, http.StatusBadRequest, CodeInvalidRequest, err)
		return
	}
	buckets, err := intQuery(c, "buckets", 12)
	if err != nil || buckets <= 0 || window <= 0 {
		fail(c, http.StatusBadRequest, CodeInvalidRequest, errors.New("window and buckets must be positive"))
		return
	}
	file := h.resolve(c.Query("file"))
	points := h.deps.History.Trend(file, window, buckets)
	if points == nil {
		points = []history.TrendPoint{}
	}
	c.JSON(http.StatusOK, TrendResponse{
		File:      file,
		Direction: history.DirectionOf(points),
		Points:    points,
	})
}

// HandleHotSpots handles GET /v1/history/hotspots?top=N (default 10).
func (h *Handlers) HandleHotSpots(c *gin.Context) {
	if !h.requireHistory(c) {
		return
	}
	top, err := intQuery(c, "top", 10)
	if err != nil || top <= 0 {
		fail(c, http.StatusBadRequest, CodeInvalidRequest, errors.New("top must be a positive integer"))
		return
	}
	spots := h.deps.History.HotSpots(top)
	if spots == nil {
		spots = []history.HotSpot{}
	}
	c.JSON(http.StatusOK, HotSpotsResponse{HotSpots: spots})
}

// HandleSummary handles GET /v1/history/summary?window=D (default 24h).
func (h *Handlers) HandleSummary(c *gin.Context) {
	if !h.requireHistory(c) {
		return
	}
	window, err := durationQuery(c, "window", 24*time.Hour)
	if err != nil {
		fail(c, http.StatusBadRequest, CodeInvalidRequest, err)
		return
	}
	c.JSON(http.StatusOK, h.deps.History.Summarize(window))
}

// HandleHealth handles GET /v1/health. It answers 503 when no server is
// ready.
func (h *Handlers) HandleHealth(c *gin.Context) {
	servers := h.deps.serverHealth()
	if servers == nil {
		servers = []lsp.ServerStatus{}
	}
	resp := HealthResponse{Status: healthStatus(servers), Servers: servers}
	status := http.StatusOK
	if resp.Status == HealthUnavailable {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

func healthStatus(servers []lsp.ServerStatus) string {
	ready := 0
	for _, s := range servers {
		if s.State == lsp.ServerStateReady {
			ready++
		}
	}
	switch {
	case ready == 0:
		return HealthUnavailable
	case ready < len(servers):
		return HealthDegraded
	default:
		return HealthOK
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handlers) collectFailed(c *gin.Context, logger *slog.Logger, err error) {
	if errors.Is(err, lsp.ErrServerUnavailable) {
		fail(c, http.StatusServiceUnavailable, CodeUnavailable, err)
		return
	}
	logger.Error("collect diagnostics failed", slog.String("error", err.Error()))
	fail(c, http.StatusInternalServerError, CodeInternal, err)
}

func (h *Handlers) requireHistory(c *gin.Context) bool {
	if h.deps.History == nil {
		fail(c, http.StatusNotFound, CodeHistoryDisabled, errors.New("history is not enabled"))
		return false
	}
	return true
}

// resolve makes a request path absolute against the workspace root.
func (h *Handlers) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || h.deps.Root == "" {
		return path
	}
	return filepath.Join(h.deps.Root, path)
}

func (h *Handlers) openFiles(c *gin.Context) []string {
	var out []string
	for _, v := range c.QueryArray("open") {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, h.resolve(p))
			}
		}
	}
	return out
}

func contentType(f export.Format) string {
	switch f {
	case export.FormatJSON:
		return "application/json; charset=utf-8"
	case export.FormatMarkdown:
		return "text/markdown; charset=utf-8"
	default:
		return "text/plain; charset=utf-8"
	}
}

func boolQuery(c *gin.Context, key string, def bool) (bool, error) {
	v, ok := c.GetQuery(key)
	if !ok || v == "" {
		return def, nil
	}
	return strconv.ParseBool(v)
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	v, ok := c.GetQuery(key)
	if !ok || v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func durationQuery(c *gin.Context, key string, def time.Duration) (time.Duration, error) {
	v, ok := c.GetQuery(key)
	if !ok || v == "" {
		return def, nil
	}
	return time.ParseDuration(v)
}
