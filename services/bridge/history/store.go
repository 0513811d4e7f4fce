// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history keeps a bounded, time-ordered log of diagnostic
// snapshots and answers trend and hot-spot queries over it.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/lspbridge/services/bridge/model"
)

// ErrClosed is returned when recording into a closed store.
var ErrClosed = errors.New("history store is closed")

const (
	// DefaultMaxEntries is the retention cap by count.
	DefaultMaxEntries = 1000

	// DefaultMaxAge is the retention cap by age.
	DefaultMaxAge = 30 * 24 * time.Hour

	// DefaultBuckets is the trend resolution when none is given.
	DefaultBuckets = 12
)

// Backend persists committed entries.
type Backend interface {
	// Load returns every persisted entry in sequence order.
	Load(ctx context.Context) ([]Entry, error)

	// Put persists one entry.
	Put(ctx context.Context, e Entry) error

	// Delete removes the entries with the given sequence numbers.
	Delete(ctx context.Context, seqs []uint64) error

	// Close releases the backend.
	Close() error
}

// Options configures a Store.
type Options struct {
	// MaxEntries caps the number of retained entries. Zero means
	// DefaultMaxEntries.
	MaxEntries int

	// MaxAge evicts entries older than this. Zero means DefaultMaxAge,
	// negative disables age eviction.
	MaxAge time.Duration

	// Backend persists entries across sessions. Nil keeps history in memory.
	Backend Backend

	// ErrorWeight and ChurnWeight weigh hot-spot scores. Zero means 1.0
	// and 0.5.
	ErrorWeight float64
	ChurnWeight float64

	// Now is the clock. Nil means time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// TrendPoint is the state observed in one time bucket.
type TrendPoint struct {
	Start   time.Time    `json:"start"`
	End     time.Time    `json:"end"`
	Counts  model.Counts `json:"counts"`
	Samples int          `json:"samples"`
}

// HotSpot is a file ranked by errors and churn.
type HotSpot struct {
	File     string  `json:"file"`
	Errors   int     `json:"errors"`
	Warnings int     `json:"warnings"`
	Churn    int     `json:"churn"`
	Score    float64 `json:"score"`
}

// Store is an append-only ring of history entries.
//
// Description:
//
//	Appends are serialized by one writer lock and are O(1) amortized:
//	the ring overwrites its oldest slot once full, and age eviction pops
//	from the head. Readers copy the committed entries under a read lock
//	and compute outside it, so they never observe a partial append.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Store struct {
	opts   Options
	logger *slog.Logger

	mu      sync.RWMutex
	ring    []Entry
	head    int
	size    int
	nextSeq uint64
	closed  bool
}

// New creates a store and replays the backend, if any.
//
// Inputs:
//
//	ctx - Bounds the backend load.
//	opts - Store options.
//
// Outputs:
//
//	*Store - The store, holding the retained entries of earlier sessions.
//	error - Non-nil if the backend could not be loaded.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.MaxAge == 0 {
		opts.MaxAge = DefaultMaxAge
	}
	if opts.ErrorWeight == 0 {
		opts.ErrorWeight = 1.0
	}
	if opts.ChurnWeight == 0 {
		opts.ChurnWeight = 0.5
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		opts:    opts,
		logger:  logger.With(slog.String("component", "history")),
		ring:    make([]Entry, opts.MaxEntries),
		nextSeq: 1,
	}
	if opts.Backend == nil {
		return s, nil
	}

	loaded, err := opts.Backend.Load(ctx)
	if err != nil {
		backendErrors.WithLabelValues("load").Inc()
		return nil, fmt.Errorf("load history: %w", err)
	}
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].Seq < loaded[j].Seq })

	s.mu.Lock()
	defer s.mu.Unlock()
	var evicted []uint64
	for _, e := range loaded {
		if seq := s.push(e); seq != 0 {
			evicted = append(evicted, seq)
		}
		s.nextSeq = e.Seq + 1
	}
	evicted = append(evicted, s.evictAged()...)
	s.deleteEvicted(ctx, evicted)
	entriesRetained.Set(float64(s.size))
	s.logger.Debug("history loaded", slog.Int("entries", s.size))
	return s, nil
}

// Record appends a full entry built from snapshot.
func (s *Store) Record(ctx context.Context, snapshot model.Snapshot, trigger Trigger) (Entry, error) {
	byFile := snapshot.ByFile()
	files := make(map[string]FileState, len(byFile))
	for f, diags := range byFile {
		files[f] = stateOf(diags)
	}
	return s.append(ctx, files, trigger, false)
}

// RecordDelta appends a partial entry updating only the given files.
func (s *Store) RecordDelta(ctx context.Context, delta map[string][]model.Diagnostic, trigger Trigger) (Entry, error) {
	files := make(map[string]FileState, len(delta))
	for f, diags := range delta {
		files[f] = stateOf(diags)
	}
	return s.append(ctx, files, trigger, true)
}

func (s *Store) append(ctx context.Context, files map[string]FileState, trigger Trigger, partial bool) (Entry, error) {
	if trigger == "" {
		trigger = TriggerManual
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Entry{}, ErrClosed
	}

	ts := s.opts.Now()
	if s.size > 0 {
		// Keep the log chronological when the clock steps backwards.
		if last := s.at(s.size - 1).Timestamp; ts.Before(last) {
			ts = last
		}
	}
	e := Entry{
		Seq:       s.nextSeq,
		ID:        uuid.NewString(),
		Timestamp: ts,
		Trigger:   trigger,
		Partial:   partial,
		Files:     files,
	}

	if s.opts.Backend != nil {
		if err := s.opts.Backend.Put(ctx, e); err != nil {
			backendErrors.WithLabelValues("put").Inc()
			return Entry{}, fmt.Errorf("persist history entry %d: %w", e.Seq, err)
		}
	}

	s.nextSeq++
	var evicted []uint64
	if seq := s.push(e); seq != 0 {
		evicted = append(evicted, seq)
		entriesEvicted.WithLabelValues("count").Inc()
	}
	evicted = append(evicted, s.evictAged()...)
	s.deleteEvicted(ctx, evicted)

	entriesRecorded.WithLabelValues(string(trigger)).Inc()
	entriesRetained.Set(float64(s.size))
	return e.clone(), nil
}

// push stores e at the tail. It returns the sequence number of the entry it
// overwrote, or zero.
func (s *Store) push(e Entry) uint64 {
	capacity := len(s.ring)
	if s.size < capacity {
		s.ring[(s.head+s.size)%capacity] = e
		s.size++
		return 0
	}
	old := s.ring[s.head].Seq
	s.ring[s.head] = e
	s.head = (s.head + 1) % capacity
	return old
}

// evictAged pops entries older than MaxAge from the head.
func (s *Store) evictAged() []uint64 {
	if s.opts.MaxAge < 0 {
		return nil
	}
	cutoff := s.opts.Now().Add(-s.opts.MaxAge)
	var out []uint64
	for s.size > 0 && s.ring[s.head].Timestamp.Before(cutoff) {
		out = append(out, s.ring[s.head].Seq)
		s.ring[s.head] = Entry{}
		s.head = (s.head + 1) % len(s.ring)
		s.size--
		entriesEvicted.WithLabelValues("age").Inc()
	}
	return out
}

func (s *Store) deleteEvicted(ctx context.Context, seqs []uint64) {
	if len(seqs) == 0 || s.opts.Backend == nil {
		return
	}
	if err := s.opts.Backend.Delete(ctx, seqs); err != nil {
		backendErrors.WithLabelValues("delete").Inc()
		s.logger.Warn("history eviction not persisted",
			slog.Int("entries", len(seqs)),
			slog.String("error", err.Error()))
	}
}

func (s *Store) at(i int) Entry {
	return s.ring[(s.head+i)%len(s.ring)]
}

// snapshot copies the committed entries, oldest first.
func (s *Store) snapshot() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, s.size)
	for i := 0; i < s.size; i++ {
		out[i] = s.at(i)
	}
	return out
}

// Entries returns copies of the retained entries, oldest first.
func (s *Store) Entries() []Entry {
	entries := s.snapshot()
	for i := range entries {
		entries[i] = entries[i].clone()
	}
	return entries
}

// Len returns the number of retained entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Trend returns diagnostic counts over time for file, or for the whole
// workspace when file is empty.
//
// Description:
//
//	The window ending now is split into buckets of equal width. Each
//	bucket reports the state at its last observation and how many entries
//	observed it; buckets without observations are omitted. A window of
//	zero or less spans all retained entries. No data is an empty series.
//
// Inputs:
//
//	file - File path, or empty for the workspace.
//	window - Time span ending now.
//	buckets - Number of buckets. Zero or less means DefaultBuckets.
//
// Outputs:
//
//	[]TrendPoint - Observed buckets in time order. Never nil.
func (s *Store) Trend(file string, window time.Duration, buckets int) []TrendPoint {
	entries := s.snapshot()
	points := []TrendPoint{}
	if len(entries) == 0 {
		return points
	}
	if buckets <= 0 {
		buckets = DefaultBuckets
	}

	end := s.opts.Now()
	if last := entries[len(entries)-1].Timestamp; last.After(end) {
		end = last
	}
	start := end.Add(-window)
	if window <= 0 {
		start = entries[0].Timestamp
	}
	span := end.Sub(start)
	width := span / time.Duration(buckets)
	if width <= 0 {
		width = 1
	}

	slots := make([]TrendPoint, buckets)
	for i := range slots {
		slots[i].Start = start.Add(time.Duration(i) * width)
		slots[i].End = slots[i].Start.Add(width)
	}
	slots[buckets-1].End = end

	r := newReplay()
	for _, e := range entries {
		r.apply(e)
		if e.Timestamp.Before(start) || e.Timestamp.After(end) {
			continue
		}
		if file != "" && e.Partial {
			if _, ok := e.Files[file]; !ok {
				continue
			}
		}
		idx := int(e.Timestamp.Sub(start) / width)
		if idx >= buckets {
			idx = buckets - 1
		}
		slots[idx].Counts = r.counts(file)
		slots[idx].Samples++
	}
	for _, p := range slots {
		if p.Samples > 0 {
			points = append(points, p)
		}
	}
	return points
}

// HotSpots ranks files by current errors and churn.
//
// Description:
//
//	Churn is the number of entries in which a file's diagnostic set
//	changed. The score is errors*ErrorWeight + churn*ChurnWeight; files
//	scoring zero are left out. Ties are broken by path.
//
// Inputs:
//
//	topN - Maximum number of results. Zero or less returns all.
func (s *Store) HotSpots(topN int) []HotSpot {
	entries := s.snapshot()
	r := newReplay()
	churn := make(map[string]int)
	for _, e := range entries {
		for _, f := range r.apply(e) {
			churn[f]++
		}
	}

	files := make(map[string]struct{}, len(r.state)+len(churn))
	for f := range r.state {
		files[f] = struct{}{}
	}
	for f := range churn {
		files[f] = struct{}{}
	}

	spots := make([]HotSpot, 0, len(files))
	for f := range files {
		c := r.state[f].Counts
		h := HotSpot{File: f, Errors: c.Errors, Warnings: c.Warnings, Churn: churn[f]}
		h.Score = float64(h.Errors)*s.opts.ErrorWeight + float64(h.Churn)*s.opts.ChurnWeight
		if h.Score > 0 {
			spots = append(spots, h)
		}
	}
	sort.Slice(spots, func(i, j int) bool {
		if spots[i].Score != spots[j].Score {
			return spots[i].Score > spots[j].Score
		}
		return spots[i].File < spots[j].File
	})
	if topN > 0 && len(spots) > topN {
		spots = spots[:topN]
	}
	return spots
}

// Close releases the backend. Later records fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.opts.Backend != nil {
		return s.opts.Backend.Close()
	}
	return nil
}
