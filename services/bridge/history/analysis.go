// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package history

import (
	"time"

	"github.com/AleutianAI/lspbridge/services/bridge/model"
)

// Direction summarizes where error counts are heading.
type Direction string

const (
	DirectionImproving Direction = "improving"
	DirectionStable    Direction = "stable"
	DirectionDegrading Direction = "degrading"
)

// slopeThreshold is the error count change per bucket that counts as a trend.
const slopeThreshold = 0.5

// DirectionOf fits a least-squares line through the error counts of points.
// Fewer than two points are stable.
func DirectionOf(points []TrendPoint) Direction {
	if len(points) < 2 {
		return DirectionStable
	}
	var sumX, sumY, sumXY, sumXX float64
	n := float64(len(points))
	for i, p := range points {
		x, y := float64(i), float64(p.Counts.Errors)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	den := n*sumXX - sumX*sumX
	if den == 0 {
		return DirectionStable
	}
	slope := (n*sumXY - sumX*sumY) / den
	switch {
	case slope < -slopeThreshold:
		return DirectionImproving
	case slope > slopeThreshold:
		return DirectionDegrading
	default:
		return DirectionStable
	}
}

// Summary is the overall state of the retained history.
type Summary struct {
	Entries   int          `json:"entries"`
	Files     int          `json:"files"`
	Current   model.Counts `json:"current"`
	HotSpots  int          `json:"hot_spots"`
	Direction Direction    `json:"direction"`
	Health    float64      `json:"health"`
	Oldest    time.Time    `json:"oldest,omitempty"`
	Newest    time.Time    `json:"newest,omitempty"`
}

// Summarize reports the current state, the error direction over window and
// a health score in [0,1] where 1 is clean. An empty store is healthy.
func (s *Store) Summarize(window time.Duration) Summary {
	entries := s.snapshot()
	sum := Summary{Entries: len(entries), Direction: DirectionStable, Health: 1}
	if len(entries) == 0 {
		return sum
	}
	r := newReplay()
	for _, e := range entries {
		r.apply(e)
	}
	sum.Files = len(r.state)
	sum.Current = r.counts("")
	sum.HotSpots = len(s.HotSpots(0))
	sum.Direction = DirectionOf(s.Trend("", window, 0))
	sum.Oldest = entries[0].Timestamp
	sum.Newest = entries[len(entries)-1].Timestamp

	errorFactor := 1 / (1 + float64(sum.Current.Errors)/10)
	warningFactor := 1 / (1 + float64(sum.Current.Warnings)/20)
	hotSpotFactor := 1 / (1 + float64(sum.HotSpots)/10)
	sum.Health = errorFactor*0.5 + warningFactor*0.3 + hotSpotFactor*0.2
	return sum
}
