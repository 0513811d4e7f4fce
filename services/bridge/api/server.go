// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api serves the bridge over HTTP for editor-plugin daemons.
//
// Routes:
//
//	GET  /v1/diagnostics       - Export the current diagnostics
//	POST /v1/quickfix          - Apply or plan a quick-fix batch
//	GET  /v1/history/trend     - Diagnostic counts over time
//	GET  /v1/history/hotspots  - Files ranked by errors and churn
//	GET  /v1/history/summary   - Overall history state
//	GET  /v1/health            - Language server health
//	GET  /v1/watch             - Watch updates over a websocket
//	GET  /metrics              - Prometheus metrics
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/lspbridge/services/bridge/config"
	"github.com/AleutianAI/lspbridge/services/bridge/history"
	"github.com/AleutianAI/lspbridge/services/bridge/lsp"
	"github.com/AleutianAI/lspbridge/services/bridge/model"
	"github.com/AleutianAI/lspbridge/services/bridge/privacy"
	"github.com/AleutianAI/lspbridge/services/bridge/quickfix"
	"github.com/AleutianAI/lspbridge/services/bridge/session"
	"github.com/AleutianAI/lspbridge/services/bridge/watch"
)

// ServiceName names the API in traces.
const ServiceName = "lspbridge-api"

// Collector produces scoped diagnostic snapshots.
type Collector interface {
	Collect(ctx context.Context, scope model.Scope, openFiles []string) (model.Snapshot, error)
}

// Deps are the components the handlers run on.
type Deps struct {
	// Root resolves relative file and open-file parameters.
	Root string

	Collector Collector

	// Source feeds watch sessions and reports server health.
	Source watch.Source

	// Applier sends fixes to servers. Nil allows dry runs only.
	Applier quickfix.Applier

	History *history.Store
	Filter  *privacy.Filter
	Config  config.Config
	Logger  *slog.Logger
}

// FromSession wires the handlers to a connected session.
func FromSession(s *session.Session, logger *slog.Logger) Deps {
	return Deps{
		Root:      s.Root,
		Collector: s,
		Source:    s.Manager,
		Applier:   s.Manager,
		History:   s.History,
		Filter:    s.Filter,
		Config:    s.Config,
		Logger:    logger,
	}
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(deps Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(ServiceName))
	router.Use(requestLogger(deps.logger()))

	h := NewHandlers(deps)
	RegisterRoutes(router.Group("/v1"), h)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

// RegisterRoutes registers the /v1 routes on rg.
func RegisterRoutes(rg *gin.RouterGroup, h *Handlers) {
	rg.GET("/diagnostics", h.HandleDiagnostics)
	rg.POST("/quickfix", h.HandleQuickFix)
	rg.GET("/health", h.HandleHealth)
	rg.GET("/watch", h.HandleWatch)

	hist := rg.Group("/history")
	{
		hist.GET("/trend", h.HandleTrend)
		hist.GET("/hotspots", h.HandleHotSpots)
		hist.GET("/summary", h.HandleSummary)
	}
}

// Serve runs handler on addr until ctx is done, then shuts down within
// the grace period. ready, when non-nil, receives the bound address.
func Serve(ctx context.Context, addr string, handler http.Handler, ready func(net.Addr)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	if ready != nil {
		ready(ln.Addr())
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// requestLogger logs one line per request and tags it with a request ID.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)
		c.Set(requestIDKey, requestID)

		start := time.Now()
		c.Next()

		level := slog.LevelDebug
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		logger.Log(c.Request.Context(), level, "request",
			slog.String("request_id", requestID),
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)))
	}
}

const requestIDKey = "request_id"

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// serverHealth returns the health of every server, or nil without a source.
func (d Deps) serverHealth() []lsp.ServerStatus {
	if d.Source == nil {
		return nil
	}
	return d.Source.Health()
}
