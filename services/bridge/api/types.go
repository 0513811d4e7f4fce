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
	"github.com/AleutianAI/lspbridge/services/bridge/history"
	"github.com/AleutianAI/lspbridge/services/bridge/lsp"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a stable machine-readable error code.
	Code string `json:"code"`
}

// Error codes.
const (
	CodeInvalidRequest  = "INVALID_REQUEST"
	CodeEmptySelection  = "EMPTY_SELECTION"
	CodeUnavailable     = "SERVERS_UNAVAILABLE"
	CodeInternal        = "INTERNAL"
	CodeHistoryDisabled = "HISTORY_DISABLED"
)

// QuickFixRequest is the body of POST /v1/quickfix.
type QuickFixRequest struct {
	Scope string `json:"scope"`
	File  string `json:"file"`

	// Threshold defaults to the configured threshold.
	Threshold *float64 `json:"threshold"`
	DryRun    bool     `json:"dry_run"`
}

// TrendResponse is the body of GET /v1/history/trend.
type TrendResponse struct {
	File      string               `json:"file,omitempty"`
	Direction history.Direction    `json:"direction"`
	Points    []history.TrendPoint `json:"points"`
}

// HotSpotsResponse is the body of GET /v1/history/hotspots.
type HotSpotsResponse struct {
	HotSpots []history.HotSpot `json:"hotspots"`
}

// Health statuses.
const (
	HealthOK          = "ok"
	HealthDegraded    = "degraded"
	HealthUnavailable = "unavailable"
)

// HealthResponse is the body of GET /v1/health.
type HealthResponse struct {
	Status  string             `json:"status"`
	Servers []lsp.ServerStatus `json:"servers"`
}
