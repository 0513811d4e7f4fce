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
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/lspbridge/services/bridge/model"
	"github.com/AleutianAI/lspbridge/services/bridge/privacy"
	"github.com/AleutianAI/lspbridge/services/bridge/watch"
)

// writeWait bounds one update write to a watch client.
const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	// The API listens on loopback for local editor plugins.
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
}

// HandleWatch handles GET /v1/watch.
//
// Description:
//
//	Upgrades to a websocket and streams watch.Update messages as JSON,
//	one per frame, until the client disconnects. The first frame is the
//	"watching" update and the last one, sent when the client closes, the
//	"idle" update. Messages from the client are ignored.
//
// Query Parameters:
//
//	scope    - workspace, file, open or errors (default: workspace)
//	file     - the file for the file scope
//	debounce - quiet period per file (default: configured)
//	privacy  - redaction level (default: configured)
func (h *Handlers) HandleWatch(c *gin.Context) {
	logger := h.log(c, "HandleWatch")
	if h.deps.Source == nil {
		fail(c, http.StatusServiceUnavailable, CodeUnavailable, errors.New("no language servers to watch"))
		return
	}

	scope, err := model.ParseScope(c.Query("scope"), h.resolve(c.Query("file")))
	if err != nil {
		fail(c, http.StatusBadRequest, CodeInvalidRequest, err)
		return
	}
	debounce, err := durationQuery(c, "debounce", h.deps.Config.Watch.Debounce.D())
	if err != nil || debounce <= 0 {
		fail(c, http.StatusBadRequest, CodeInvalidRequest, watch.ErrInvalidDebounce)
		return
	}
	level, err := privacy.ParseLevel(c.DefaultQuery("privacy", h.deps.Config.Privacy.Level))
	if err != nil {
		fail(c, http.StatusBadRequest, CodeInvalidRequest, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	sink := watch.SinkFunc(func(u watch.Update) error {
		if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return err
		}
		return conn.WriteJSON(u)
	})
	opts := watch.Options{
		HealthInterval: h.deps.Config.Watch.HealthInterval.D(),
		Filter:         h.deps.Filter,
		Privacy:        level,
		Logger:         logger,
	}
	if h.deps.History != nil {
		opts.Recorder = h.deps.History
	}
	engine := watch.NewEngine(h.deps.Source, sink, opts)

	if err := engine.Start(c.Request.Context(), scope, debounce); err != nil {
		logger.Warn("watch start failed", slog.String("error", err.Error()))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()),
			time.Now().Add(writeWait))
		return
	}
	session := engine.Session()
	logger.Info("watch client connected",
		slog.String("session", session),
		slog.String("scope", scope.String()))

	for {
		if _, _, err := conn.NextReader(); err != nil {
			break
		}
	}

	engine.Stop()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	logger.Info("watch client disconnected", slog.String("session", session))
}
