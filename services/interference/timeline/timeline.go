// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package timeline computes the relative change between two runs over time.
//
// Both runs are trimmed independently, bucketed into fixed-width windows of
// elapsed time, reduced to one median per window and joined on the window
// start. Windows present in only one run are dropped.
package timeline

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/AleutianAI/noiseeval/services/interference/phase"
	"github.com/AleutianAI/noiseeval/services/interference/stats"
	"github.com/AleutianAI/noiseeval/services/interference/trace"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrWindowSize indicates a non-positive window size.
	ErrWindowSize = errors.New("window size must be positive")

	// ErrNotEnoughPoints indicates a series too short to plot.
	ErrNotEnoughPoints = errors.New("not enough windows to plot")
)

// DefaultWindowSize is the bucket width in seconds.
const DefaultWindowSize = 10

// Columns is the CSV header.
var Columns = []string{"time_window", "median_run1", "median_run2", "relative_change"}

// Config controls windowing.
type Config struct {
	Warmup     float64      `yaml:"warmup" validate:"gte=0"`
	Cooldown   float64      `yaml:"cooldown" validate:"gte=0"`
	WindowSize float64      `yaml:"window_size" validate:"gt=0"`
	Bounds     phase.Bounds `yaml:"-"`
}

// DefaultConfig trims 60 seconds from both ends and uses 10 second
// windows.
func DefaultConfig() Config {
	return Config{
		Warmup:     60,
		Cooldown:   60,
		WindowSize: DefaultWindowSize,
		Bounds:     phase.DefaultBounds(),
	}
}

// Point is one joined window.
type Point struct {
	// Window is the window start in seconds.
	Window float64

	Median1 float64
	Median2 float64

	// Change is the percentage change of Median2 over Median1, NaN when
	// Median1 is zero.
	Change float64
}

// Series is the joined per-window comparison of two runs.
type Series struct {
	Points []Point

	// Bounds is the noise window, shaded on charts.
	Bounds phase.Bounds
}

// Build windows both runs and joins them.
//
// Description:
//
//	Each run is trimmed to [min+Warmup, max-Cooldown] of its own elapsed
//	times. A sample at time t lands in window floor(t/WindowSize) *
//	WindowSize. An inverted trim leaves that run empty and the result has
//	no points.
func Build(run1, run2 *trace.Trace, cfg Config) (*Series, error) {
	if !(cfg.WindowSize > 0) {
		return nil, fmt.Errorf("%w: %v", ErrWindowSize, cfg.WindowSize)
	}
	if cfg.Warmup < 0 || cfg.Cooldown < 0 {
		return nil, fmt.Errorf("trim must be non-negative")
	}
	if cfg.Bounds == (phase.Bounds{}) {
		cfg.Bounds = phase.DefaultBounds()
	}

	policy := phase.TrimmedTwoPhase(cfg.Bounds, cfg.Warmup, cfg.Cooldown)
	w1 := windowMedians(policy, run1, cfg.WindowSize)
	w2 := windowMedians(policy, run2, cfg.WindowSize)

	s := &Series{Bounds: cfg.Bounds}
	for _, win := range slices.Sorted(maps.Keys(w1)) {
		m2, ok := w2[win]
		if !ok {
			continue
		}
		m1 := w1[win]
		s.Points = append(s.Points, Point{
			Window:  win,
			Median1: m1,
			Median2: m2,
			Change:  stats.Ratio(m2-m1, m1) * 100,
		})
	}
	return s, nil
}

func windowMedians(p phase.Policy, tr *trace.Trace, size float64) map[float64]float64 {
	out := make(map[float64]float64)
	lo, hi, ok := p.Window(tr)
	if !ok {
		return out
	}
	buckets := make(map[float64][]float64)
	for _, s := range tr.Samples {
		if s.ElapsedTime < lo || s.ElapsedTime > hi {
			continue
		}
		w := math.Floor(s.ElapsedTime/size) * size
		buckets[w] = append(buckets[w], s.Duration)
	}
	for w, d := range buckets {
		out[w] = stats.Median(d)
	}
	return out
}

// Windows returns the window starts.
func (s *Series) Windows() []float64 {
	out := make([]float64, len(s.Points))
	for i, p := range s.Points {
		out[i] = p.Window
	}
	return out
}

// Changes returns the percentage changes.
func (s *Series) Changes() []float64 {
	out := make([]float64, len(s.Points))
	for i, p := range s.Points {
		out[i] = p.Change
	}
	return out
}

func csvFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// WriteCSV writes the series with the Columns header. NaN is an empty
// cell.
func (s *Series) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return fmt.Errorf("write timeline header: %w", err)
	}
	for _, p := range s.Points {
		rec := []string{csvFloat(p.Window), csvFloat(p.Median1), csvFloat(p.Median2), csvFloat(p.Change)}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write timeline row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteCSVFile writes the series to path, replacing any existing file.
func (s *Series) WriteCSVFile(path string) error {
	return writeFile(path, s.WriteCSV)
}

func writeFile(path string, write func(io.Writer) error) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(path), err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", filepath.Base(path), cerr)
		}
	}()
	return write(f)
}
