// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compare

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/noiseeval/services/interference/phase"
	"github.com/AleutianAI/noiseeval/services/interference/stats"
	"github.com/AleutianAI/noiseeval/services/interference/telemetry"
	"github.com/AleutianAI/noiseeval/services/interference/trace"
)

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// synthTrace returns one sample per second over [0, 700) with durations
// around base, inflated by factor during the noise window.
func synthTrace(seed uint64, base, factor float64) *trace.Trace {
	rng := stats.NewRand(seed)
	tr := &trace.Trace{}
	for i := 0; i < 700; i++ {
		t := float64(i)
		d := base * (1 + 0.1*rng.Float64())
		if t >= 200 && t <= 500 {
			d *= factor
		}
		tr.Samples = append(tr.Samples, trace.Sample{ElapsedTime: t, Duration: d})
	}
	return tr
}

func flatTrace(d float64) *trace.Trace {
	tr := &trace.Trace{}
	for i := 0; i < 700; i += 10 {
		tr.Samples = append(tr.Samples, trace.Sample{ElapsedTime: float64(i), Duration: d})
	}
	return tr
}

// memLoader serves traces by path and reports anything else as missing.
func memLoader(traces map[string]*trace.Trace) Loader {
	return LoaderFunc(func(_ context.Context, path string) (*trace.Trace, error) {
		tr, ok := traces[path]
		if !ok {
			return nil, fmt.Errorf("open trace: %w", &fs.PathError{Op: "open", Path: path, Err: fs.ErrNotExist})
		}
		return tr, nil
	})
}

func fastBootstrap() stats.BootstrapOptions {
	return stats.BootstrapOptions{Replicates: stats.MinReplicates}
}

func quietLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// recordingSink captures spans and counters.
type recordingSink struct {
	tracer oteltrace.Tracer

	mu    sync.Mutex
	units map[string]int
	boots int
}

func newRecordingSink(rec *tracetest.SpanRecorder) *recordingSink {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return &recordingSink{tracer: tp.Tracer("test"), units: map[string]int{}}
}

func (s *recordingSink) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return s.tracer.Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

func (s *recordingSink) RecordUnit(_ context.Context, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units[status]++
}

func (s *recordingSink) RecordBootstrap(context.Context, string, time.Duration, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boots++
}

func (s *recordingSink) RecordRows(context.Context, string, int) {}

var _ telemetry.Sink = (*recordingSink)(nil)

// -----------------------------------------------------------------------------
// Unit Tests
// -----------------------------------------------------------------------------

func TestParseThreads(t *testing.T) {
	tests := []struct {
		runID   string
		want    int
		wantErr bool
	}{
		{"f_run_3t", 3, false},
		{"f_run_0t", 0, false},
		{"f_run_60t", 60, false},
		{"40t", 40, false},
		{"f_run_xt", 0, true},
		{"f_run_3", 0, true},
		{"f_run_t", 0, true},
		{"f_run_-2t", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.runID, func(t *testing.T) {
			got, err := ParseThreads(tt.runID)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrParse))
				var perr *ParseError
				assert.True(t, errors.As(err, &perr))
				assert.Equal(t, tt.runID, perr.RunID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUnit_Label(t *testing.T) {
	assert.Equal(t, "core_isolation 3t", Unit{Group: "core_isolation", Threads: 3}.Label())
	assert.Equal(t, "0t", Unit{}.Label())
}

func TestLayout_Units(t *testing.T) {
	l := Layout{
		Root:          "/data",
		Group:         "core_isolation",
		BaselineGroup: "baseline",
		Runs:          []string{"f_run_0t", "f_run_3t"},
		Endpoints:     []string{"bookings", "seats"},
	}

	units, err := l.Units()
	require.NoError(t, err)
	require.Len(t, units, 4)

	u := units[1]
	assert.Equal(t, "f_run_0t", u.RunID)
	assert.Equal(t, "seats", u.Endpoint)
	assert.Equal(t, filepath.Join("/data", "core_isolation", "f_run_0t", "3000", "seats.csv"), u.Experiment.V1)
	assert.Equal(t, filepath.Join("/data", "core_isolation", "f_run_0t", "3001", "seats.csv"), u.Experiment.V2)
	require.NotNil(t, u.Baseline)
	assert.Equal(t, filepath.Join("/data", "baseline", "f_run_0t", "3000", "seats.csv"), u.Baseline.V1)
	assert.Equal(t, "f_run_3t", units[2].RunID)

	t.Run("no baseline", func(t *testing.T) {
		l := l
		l.BaselineGroup = ""
		units, err := l.Units()
		require.NoError(t, err)
		assert.Nil(t, units[0].Baseline)
	})

	t.Run("custom pattern", func(t *testing.T) {
		l := l
		l.Pattern = "{run}/{replica}/{endpoint}.csv"
		l.Replicas = []string{"a", "b"}
		units, err := l.Units()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join("/data", "f_run_0t", "b", "bookings.csv"), units[0].Experiment.V2)
	})

	t.Run("path traversal rejected", func(t *testing.T) {
		l := l
		l.Endpoints = []string{"../etc"}
		_, err := l.Units()
		assert.Error(t, err)
	})

	t.Run("wrong replica count", func(t *testing.T) {
		l := l
		l.Replicas = []string{"3000"}
		_, err := l.Units()
		assert.Error(t, err)
	})
}

// -----------------------------------------------------------------------------
// Estimate Tests
// -----------------------------------------------------------------------------

func TestEstimatePair_FlatRuns(t *testing.T) {
	v1 := []float64{100, 100, 100, 100, 100}
	v2 := []float64{200, 200, 200, 200, 200}

	e, err := EstimatePair(v1, v2, stats.BootstrapOptions{Rand: stats.NewRand(1)})
	require.NoError(t, err)

	assert.Equal(t, 100.0, e.MedianV1)
	assert.Equal(t, 200.0, e.MedianV2)
	assert.Equal(t, 2.0, e.Ratio)
	assert.Equal(t, 2.0, e.CI.Low)
	assert.Equal(t, 2.0, e.CI.High)
	assert.Equal(t, 0.0, e.RCIW)
	assert.True(t, e.Detectable())
	assert.Less(t, e.PValue, 0.05)
	assert.Equal(t, 5, e.N1)
}

func TestEstimatePair_EmptyV1(t *testing.T) {
	e, err := EstimatePair(nil, []float64{1, 2, 3}, fastBootstrap())
	require.Error(t, err)
	assert.True(t, errors.Is(err, stats.ErrInsufficientData))

	assert.True(t, math.IsNaN(e.MedianV1))
	assert.Equal(t, 2.0, e.MedianV2)
	assert.True(t, math.IsNaN(e.Ratio))
	assert.True(t, math.IsNaN(e.CI.Low))
	assert.True(t, math.IsNaN(e.CI.High))
	assert.True(t, math.IsNaN(e.PValue))
	assert.True(t, math.IsNaN(e.RCIW))
	assert.False(t, e.Detectable())
	assert.False(t, e.Significant())
}

// -----------------------------------------------------------------------------
// Run Tests
// -----------------------------------------------------------------------------

func TestRun_NoUnits(t *testing.T) {
	_, err := Run(context.Background(), Config{})
	assert.True(t, errors.Is(err, ErrNoUnits))
}

func TestRun_InvalidBootstrap(t *testing.T) {
	_, err := Run(context.Background(), Config{
		Units:     []Unit{{Endpoint: "x"}},
		Bootstrap: stats.BootstrapOptions{Level: 2},
	})
	assert.Error(t, err)
}

func TestRun_ThreePhaseWithBaseline(t *testing.T) {
	traces := map[string]*trace.Trace{
		"exp/1":  synthTrace(1, 10, 1),
		"exp/2":  synthTrace(2, 10, 2),
		"base/1": synthTrace(3, 10, 1),
		"base/2": synthTrace(4, 10, 1),
	}
	var logs bytes.Buffer

	res, err := Run(context.Background(), Config{
		Units: []Unit{{
			Group:      "core_isolation",
			RunID:      "f_run_3t",
			Endpoint:   "bookings",
			Experiment: Pair{V1: "exp/1", V2: "exp/2"},
			Baseline:   &Pair{V1: "base/1", V2: "base/2"},
		}},
		Bootstrap: fastBootstrap(),
		Seed:      7,
		Loader:    memLoader(traces),
		Logger:    quietLogger(&logs),
	})
	require.NoError(t, err)
	require.Empty(t, res.Failures)
	assert.NotEmpty(t, res.BatchID)
	assert.Equal(t, []string{phase.PreNoise, phase.Noise, phase.PostNoise}, res.Phases)
	require.Len(t, res.Rows, 3)

	for _, row := range res.Rows {
		assert.Equal(t, "core_isolation 3t", row.Label)
		assert.Equal(t, 3, row.Threads)
		require.NotNil(t, row.Baseline)
		assert.InDelta(t, 1.0, row.Baseline.Ratio, 0.05, "baseline %s", row.Phase)
		assert.True(t, row.Baseline.CI.Defined())
	}

	noise := res.RowsForPhase(phase.Noise)
	require.Len(t, noise, 1)
	assert.InDelta(t, 2.0, noise[0].Experiment.Ratio, 0.1)
	assert.True(t, noise[0].Experiment.Detectable())
	assert.True(t, noise[0].Experiment.Significant())

	pre := res.RowsForPhase(phase.PreNoise)[0]
	assert.InDelta(t, 1.0, pre.Experiment.Ratio, 0.05)
	assert.Contains(t, logs.String(), "batch finished")
}

func TestRun_EmptyV1ContinuesBatch(t *testing.T) {
	traces := map[string]*trace.Trace{
		"empty/1": {},
		"empty/2": synthTrace(5, 10, 1),
		"ok/1":    synthTrace(6, 10, 1),
		"ok/2":    synthTrace(7, 10, 1),
	}

	res, err := Run(context.Background(), Config{
		Units: []Unit{
			{Group: "g", RunID: "r_1t", Endpoint: "seats", Experiment: Pair{V1: "empty/1", V2: "empty/2"}},
			{Group: "g", RunID: "r_2t", Endpoint: "seats", Experiment: Pair{V1: "ok/1", V2: "ok/2"}},
		},
		Bootstrap: fastBootstrap(),
		Loader:    memLoader(traces),
		Logger:    quietLogger(&bytes.Buffer{}),
	})
	require.NoError(t, err)
	assert.Empty(t, res.Failures)
	assert.Equal(t, 2, res.Completed)
	require.Len(t, res.Rows, 6)

	for _, row := range res.Rows[:3] {
		assert.True(t, math.IsNaN(row.Experiment.MedianV1))
		assert.True(t, math.IsNaN(row.Experiment.Ratio))
		assert.True(t, math.IsNaN(row.Experiment.CI.Low))
		assert.True(t, math.IsNaN(row.Experiment.PValue))
		assert.Nil(t, row.Baseline)
	}
	for _, row := range res.Rows[3:] {
		assert.False(t, math.IsNaN(row.Experiment.Ratio))
		assert.Equal(t, "g 2t", row.Label)
	}
}

func TestRun_FailuresIsolated(t *testing.T) {
	traces := map[string]*trace.Trace{
		"a/1": synthTrace(1, 5, 1),
		"a/2": synthTrace(2, 5, 1),
	}
	units := []Unit{
		{Group: "g", RunID: "f_run_xt", Endpoint: "bookings", Experiment: Pair{V1: "a/1", V2: "a/2"}},
		{Group: "g", RunID: "f_run_1t", Endpoint: "bookings", Experiment: Pair{V1: "a/1", V2: "missing"}},
		{Group: "g", RunID: "f_run_2t", Endpoint: "bookings", Experiment: Pair{V1: "a/1", V2: "a/2"},
			Baseline: &Pair{V1: "missing", V2: "a/2"}},
		{Group: "g", RunID: "f_run_4t", Endpoint: "bookings", Experiment: Pair{V1: "a/1", V2: "a/2"}},
	}
	var logs bytes.Buffer

	res, err := Run(context.Background(), Config{
		Units:     units,
		Bootstrap: fastBootstrap(),
		Loader:    memLoader(traces),
		Logger:    quietLogger(&logs),
	})
	require.NoError(t, err)

	require.Len(t, res.Failures, 3)
	assert.True(t, errors.Is(res.Failures[0].Err, ErrParse))
	assert.Equal(t, StagePending, res.Failures[0].Stage)
	assert.True(t, errors.Is(res.Failures[1].Err, fs.ErrNotExist))
	assert.Equal(t, 1, res.Failures[1].Index)
	assert.Contains(t, res.Failures[2].Err.Error(), "baseline")

	assert.Equal(t, 1, res.Completed)
	require.Len(t, res.Rows, 3)
	assert.Equal(t, "g 4t", res.Rows[0].Label)
	assert.Contains(t, logs.String(), "unit failed")
}

func TestRun_RowsCarryUnitIndex(t *testing.T) {
	traces := map[string]*trace.Trace{
		"a/1": flatTrace(100),
		"a/2": flatTrace(200),
	}
	unit := Unit{Group: "g", Threads: 3, Endpoint: "seats", Experiment: Pair{V1: "a/1", V2: "a/2"}}

	res, err := Run(context.Background(), Config{
		Units:       []Unit{unit, unit},
		Bootstrap:   fastBootstrap(),
		Concurrency: 2,
		Loader:      memLoader(traces),
		Logger:      quietLogger(&bytes.Buffer{}),
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 6)
	for i, row := range res.Rows {
		assert.Equal(t, "g 3t", row.Label)
		assert.Equal(t, i/3, row.Unit)
	}
}

func TestRun_DeterministicAcrossConcurrency(t *testing.T) {
	traces := map[string]*trace.Trace{}
	var units []Unit
	for i := 0; i < 6; i++ {
		v1 := fmt.Sprintf("u%d/1", i)
		v2 := fmt.Sprintf("u%d/2", i)
		traces[v1] = synthTrace(uint64(10+2*i), 20, 1)
		traces[v2] = synthTrace(uint64(11+2*i), 20, 1.2)
		units = append(units, Unit{
			Group:      "g",
			RunID:      fmt.Sprintf("f_run_%dt", i),
			Endpoint:   "flights",
			Experiment: Pair{V1: v1, V2: v2},
		})
	}
	run := func(concurrency int) *Result {
		res, err := Run(context.Background(), Config{
			Units:       units,
			Bootstrap:   fastBootstrap(),
			Seed:        99,
			Concurrency: concurrency,
			Loader:      memLoader(traces),
			Logger:      quietLogger(&bytes.Buffer{}),
		})
		require.NoError(t, err)
		return res
	}

	seq := run(1)
	par := run(4)
	assert.Equal(t, seq.Rows, par.Rows)

	for i, row := range par.Rows {
		assert.Equal(t, i/3, row.Threads, "rows stay in unit order")
	}
}

func TestRun_TrimmedPolicy(t *testing.T) {
	traces := map[string]*trace.Trace{
		"1": synthTrace(1, 10, 1),
		"2": synthTrace(2, 10, 1.5),
	}

	res, err := Run(context.Background(), Config{
		Units:     []Unit{{Group: "microvm", RunID: "f_run_6t", Endpoint: "seats", Experiment: Pair{V1: "1", V2: "2"}}},
		Policy:    phase.TrimmedTwoPhase(phase.DefaultBounds(), 60, 150),
		Bootstrap: fastBootstrap(),
		Loader:    memLoader(traces),
		Logger:    quietLogger(&bytes.Buffer{}),
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 3)

	noise := res.RowsForPhase(phase.Noise)[0]
	nonNoise := res.RowsForPhase(phase.NonNoise)[0]
	overall := res.RowsForPhase(phase.Overall)[0]

	// Window [60, 549]: noise 200..500, non-noise 60..199 and 501..549.
	assert.Equal(t, 301, noise.Experiment.N1)
	assert.Equal(t, 140+49, nonNoise.Experiment.N1)
	assert.Equal(t, 490, overall.Experiment.N1)
	assert.InDelta(t, 1.5, noise.Experiment.Ratio, 0.1)
	assert.InDelta(t, 1.0, nonNoise.Experiment.Ratio, 0.05)
}

func TestRun_Renderer(t *testing.T) {
	traces := map[string]*trace.Trace{"1": flatTrace(100), "2": flatTrace(200)}
	units := []Unit{
		{Group: "g", RunID: "r_1t", Endpoint: "a", Experiment: Pair{V1: "1", V2: "2"}},
		{Group: "g", RunID: "r_2t", Endpoint: "b", Experiment: Pair{V1: "1", V2: "2"}},
		{Group: "g", RunID: "r_3t", Endpoint: "c", Experiment: Pair{V1: "1", V2: "2"}},
	}
	var seen []string

	res, err := Run(context.Background(), Config{
		Units:       units,
		Bootstrap:   fastBootstrap(),
		Concurrency: 3,
		Loader:      memLoader(traces),
		Logger:      quietLogger(&bytes.Buffer{}),
		Renderer: RendererFunc(func(_ context.Context, rows []Row) error {
			seen = append(seen, rows[0].Endpoint)
			if rows[0].Endpoint == "b" {
				return errors.New("disk full")
			}
			return nil
		}),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c"}, seen)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, StageEstimated, res.Failures[0].Stage)
	assert.Contains(t, res.Failures[0].Error(), "disk full")
	assert.Len(t, res.Rows, 6)

	for _, row := range res.Rows {
		assert.Equal(t, 2.0, row.Experiment.Ratio)
	}
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := Run(ctx, Config{
		Units:  []Unit{{Endpoint: "a"}, {Endpoint: "b"}},
		Loader: memLoader(nil),
		Logger: quietLogger(&bytes.Buffer{}),
	})
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Len(t, res.Failures, 2)
	assert.Zero(t, res.Completed)
}

func TestRun_Telemetry(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	sink := newRecordingSink(rec)
	traces := map[string]*trace.Trace{"1": flatTrace(1), "2": flatTrace(2)}

	_, err := Run(context.Background(), Config{
		Units: []Unit{
			{Group: "g", RunID: "r_1t", Endpoint: "a", Experiment: Pair{V1: "1", V2: "2"}, Baseline: &Pair{V1: "1", V2: "1"}},
			{Group: "g", RunID: "bad", Endpoint: "a", Experiment: Pair{V1: "1", V2: "2"}},
		},
		Bootstrap: fastBootstrap(),
		Loader:    memLoader(traces),
		Logger:    quietLogger(&bytes.Buffer{}),
		Sink:      sink,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, sink.units[telemetry.StatusOK])
	assert.Equal(t, 1, sink.units[telemetry.StatusFailed])
	assert.Equal(t, 6, sink.boots)

	var names []string
	for _, s := range rec.Ended() {
		names = append(names, s.Name())
	}
	assert.ElementsMatch(t, []string{"compare.unit", "compare.unit", "compare.batch"}, names)
}

func TestStage_String(t *testing.T) {
	assert.Equal(t, "pending", StagePending.String())
	assert.Equal(t, "rendered", StageRendered.String())
	assert.Equal(t, "unknown", Stage(42).String())
}
