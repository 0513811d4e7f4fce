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
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/lspbridge/services/bridge/model"
)

// fakeClock is a settable clock safe for concurrent reads.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newStore(t *testing.T, clock *fakeClock, opts Options) *Store {
	t.Helper()
	opts.Now = clock.Now
	s, err := New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func diag(file string, line int, sev model.Severity, msg string) model.Diagnostic {
	return model.Diagnostic{
		FilePath: file,
		Range:    model.Range{Start: model.Position{Line: line}, End: model.Position{Line: line, Character: 1}},
		Severity: sev,
		Source:   "test",
		Message:  msg,
	}
}

func errorsIn(file string, n int) []model.Diagnostic {
	out := make([]model.Diagnostic, n)
	for i := range out {
		out[i] = diag(file, i, model.SeverityError, fmt.Sprintf("error %d", i))
	}
	return out
}

func snap(clock *fakeClock, files []string, diags ...model.Diagnostic) model.Snapshot {
	return model.NewSnapshot("/w", clock.Now(), files, diags, nil)
}

func TestTrend_EmptyStore(t *testing.T) {
	s := newStore(t, newClock(), Options{})
	points := s.Trend("", time.Hour, 4)
	require.NotNil(t, points)
	assert.Empty(t, points)
	assert.Empty(t, s.Trend("/w/a.rs", 0, 0))
	assert.Empty(t, s.HotSpots(5))
}

func TestTrend_Buckets(t *testing.T) {
	clock := newClock()
	s := newStore(t, clock, Options{})
	ctx := context.Background()
	start := clock.Now()

	for i, n := range []int{3, 2, 1} {
		clock.Advance(30 * time.Minute)
		if i > 0 {
			clock.Advance(30 * time.Minute)
		}
		_, err := s.Record(ctx, snap(clock, nil, append(errorsIn("/w/a.rs", n), diag("/w/b.rs", 0, model.SeverityWarning, "w"))...), TriggerExport)
		require.NoError(t, err)
	}
	clock.Advance(30 * time.Minute)
	require.Equal(t, start.Add(3*time.Hour), clock.Now())

	points := s.Trend("/w/a.rs", 3*time.Hour, 3)
	require.Len(t, points, 3)
	for i, want := range []int{3, 2, 1} {
		assert.Equal(t, want, points[i].Counts.Errors, "bucket %d", i)
		assert.Equal(t, 1, points[i].Samples)
		assert.Equal(t, start.Add(time.Duration(i)*time.Hour), points[i].Start)
	}
	assert.Equal(t, DirectionImproving, DirectionOf(points))

	workspace := s.Trend("", 3*time.Hour, 3)
	require.Len(t, workspace, 3)
	assert.Equal(t, 1, workspace[2].Counts.Warnings)

	assert.Len(t, s.Trend("/w/a.rs", 20*time.Minute, 2), 0, "no entry in the last 20 minutes")
	assert.Len(t, s.Trend("/w/a.rs", 0, 1), 1, "zero window spans everything")
}

func TestRecordDelta(t *testing.T) {
	clock := newClock()
	s := newStore(t, clock, Options{})
	ctx := context.Background()

	_, err := s.Record(ctx, snap(clock, nil, append(errorsIn("/w/a.rs", 2), errorsIn("/w/b.rs", 1)...)...), TriggerExport)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	e, err := s.RecordDelta(ctx, map[string][]model.Diagnostic{"/w/b.rs": nil}, TriggerWatch)
	require.NoError(t, err)
	assert.True(t, e.Partial)
	assert.Equal(t, uint64(2), e.Seq)

	points := s.Trend("", 0, 1)
	require.Len(t, points, 1)
	assert.Equal(t, 2, points[0].Counts.Errors, "partial entry keeps a.rs and clears b.rs")

	// A delta that does not mention a.rs is not an observation of it.
	clock.Advance(time.Minute)
	_, err = s.RecordDelta(ctx, map[string][]model.Diagnostic{"/w/b.rs": errorsIn("/w/b.rs", 4)}, TriggerWatch)
	require.NoError(t, err)
	a := s.Trend("/w/a.rs", 0, 1)
	require.Len(t, a, 1)
	assert.Equal(t, 1, a[0].Samples)
}

func TestRetention(t *testing.T) {
	ctx := context.Background()

	t.Run("by count", func(t *testing.T) {
		clock := newClock()
		s := newStore(t, clock, Options{MaxEntries: 3})
		before := testutil.ToFloat64(entriesEvicted.WithLabelValues("count"))
		for i := 0; i < 5; i++ {
			clock.Advance(time.Second)
			_, err := s.Record(ctx, snap(clock, []string{"/w/a.rs"}), TriggerManual)
			require.NoError(t, err)
		}
		require.Equal(t, 3, s.Len())
		var seqs []uint64
		for _, e := range s.Entries() {
			seqs = append(seqs, e.Seq)
		}
		assert.Equal(t, []uint64{3, 4, 5}, seqs)
		assert.Equal(t, before+2, testutil.ToFloat64(entriesEvicted.WithLabelValues("count")))
	})

	t.Run("by age", func(t *testing.T) {
		clock := newClock()
		s := newStore(t, clock, Options{MaxAge: time.Hour})
		_, err := s.Record(ctx, snap(clock, []string{"/w/a.rs"}), TriggerManual)
		require.NoError(t, err)
		clock.Advance(2 * time.Hour)
		_, err = s.Record(ctx, snap(clock, []string{"/w/a.rs"}), TriggerManual)
		require.NoError(t, err)
		require.Equal(t, 1, s.Len())
		assert.Equal(t, uint64(2), s.Entries()[0].Seq)
	})

	t.Run("timestamps never go backwards", func(t *testing.T) {
		clock := newClock()
		s := newStore(t, clock, Options{})
		first, err := s.Record(ctx, snap(clock, nil), TriggerManual)
		require.NoError(t, err)
		clock.Advance(-time.Minute)
		second, err := s.Record(ctx, snap(clock, nil), TriggerManual)
		require.NoError(t, err)
		assert.False(t, second.Timestamp.Before(first.Timestamp))
	})
}

func TestHotSpots(t *testing.T) {
	clock := newClock()
	s := newStore(t, clock, Options{})
	ctx := context.Background()
	files := []string{"/w/a.rs", "/w/b.rs", "/w/c.rs"}
	warn := func(n int) []model.Diagnostic {
		var out []model.Diagnostic
		for i := 0; i < n; i++ {
			out = append(out, diag("/w/b.rs", i, model.SeverityWarning, "w"))
		}
		return out
	}

	record := func(diags ...model.Diagnostic) {
		clock.Advance(time.Minute)
		_, err := s.Record(ctx, snap(clock, files, diags...), TriggerWatch)
		require.NoError(t, err)
	}
	record(append(errorsIn("/w/a.rs", 2), warn(1)...)...)
	record(append(errorsIn("/w/a.rs", 2), warn(2)...)...)
	record(append(errorsIn("/w/a.rs", 1), warn(2)...)...)

	spots := s.HotSpots(0)
	require.Len(t, spots, 2, "c.rs never had diagnostics")
	assert.Equal(t, HotSpot{File: "/w/a.rs", Errors: 1, Churn: 2, Score: 2}, spots[0])
	assert.Equal(t, HotSpot{File: "/w/b.rs", Warnings: 2, Churn: 2, Score: 1}, spots[1])

	top := s.HotSpots(1)
	require.Len(t, top, 1)
	assert.Equal(t, "/w/a.rs", top[0].File)
}

func TestHotSpots_TiesByPath(t *testing.T) {
	clock := newClock()
	s := newStore(t, clock, Options{})
	_, err := s.Record(context.Background(), snap(clock, nil,
		append(errorsIn("/w/z.rs", 1), errorsIn("/w/m.rs", 1)...)...), TriggerExport)
	require.NoError(t, err)

	spots := s.HotSpots(0)
	require.Len(t, spots, 2)
	assert.Equal(t, "/w/m.rs", spots[0].File)
	assert.Equal(t, "/w/z.rs", spots[1].File)
	assert.Equal(t, spots[0].Score, spots[1].Score)
}

func TestStore_ConcurrentRecordAndRead(t *testing.T) {
	clock := newClock()
	s := newStore(t, clock, Options{MaxEntries: 50})
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(2)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := s.Record(ctx, snap(clock, nil, errorsIn(fmt.Sprintf("/w/%d.rs", w), i%3)...), TriggerWatch)
				assert.NoError(t, err)
			}
		}(w)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				for _, e := range s.Entries() {
					assert.NotEmpty(t, e.ID)
				}
				_ = s.HotSpots(3)
				_ = s.Trend("", time.Hour, 4)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, s.Len())
	entries := s.Entries()
	for i := 1; i < len(entries); i++ {
		assert.Equal(t, entries[i-1].Seq+1, entries[i].Seq)
	}
}

func TestStore_Close(t *testing.T) {
	clock := newClock()
	s := newStore(t, clock, Options{})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err := s.Record(context.Background(), snap(clock, nil), TriggerManual)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSummarize(t *testing.T) {
	clock := newClock()
	s := newStore(t, clock, Options{})

	empty := s.Summarize(time.Hour)
	assert.Equal(t, 1.0, empty.Health)
	assert.Equal(t, DirectionStable, empty.Direction)

	before := testutil.ToFloat64(entriesRecorded.WithLabelValues("export"))
	_, err := s.Record(context.Background(), snap(clock, nil, errorsIn("/w/a.rs", 10)...), TriggerExport)
	require.NoError(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(entriesRecorded.WithLabelValues("export")))

	sum := s.Summarize(time.Hour)
	assert.Equal(t, 1, sum.Entries)
	assert.Equal(t, 10, sum.Current.Errors)
	assert.Less(t, sum.Health, 1.0)
	assert.Greater(t, sum.Health, 0.0)
}

func TestDirectionOf(t *testing.T) {
	pts := func(errs ...int) []TrendPoint {
		out := make([]TrendPoint, len(errs))
		for i, e := range errs {
			out[i].Counts.Errors = e
		}
		return out
	}
	assert.Equal(t, DirectionStable, DirectionOf(nil))
	assert.Equal(t, DirectionStable, DirectionOf(pts(5)))
	assert.Equal(t, DirectionDegrading, DirectionOf(pts(1, 3, 5)))
	assert.Equal(t, DirectionImproving, DirectionOf(pts(9, 4, 1)))
	assert.Equal(t, DirectionStable, DirectionOf(pts(2, 2, 3, 2)))
}

func TestParseTrigger(t *testing.T) {
	tr, err := ParseTrigger("")
	require.NoError(t, err)
	assert.Equal(t, TriggerManual, tr)
	tr, err = ParseTrigger("Watch")
	require.NoError(t, err)
	assert.Equal(t, TriggerWatch, tr)
	_, err = ParseTrigger("cron")
	assert.Error(t, err)
}
