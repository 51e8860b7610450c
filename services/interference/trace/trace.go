// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package trace loads per-request benchmark traces.
//
// A trace is a CSV file with one row per completed request. Two columns are
// read: the seconds elapsed since the run started and the request duration.
// Other columns are ignored. Cells that do not parse as numbers are treated
// as missing and their rows are dropped, which keeps partial logs usable.
//
// Thread Safety: Trace values are immutable after Load returns and may be
// shared between goroutines.
package trace

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// ErrFormat indicates a trace file does not have the expected columns.
var ErrFormat = errors.New("trace format error")

// FormatError describes a structurally invalid trace.
type FormatError struct {
	Path   string
	Column string
	Reason string
}

func (e *FormatError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("%s: column %q: %s", e.Path, e.Column, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Reason)
}

// Unwrap lets errors.Is match ErrFormat.
func (e *FormatError) Unwrap() error {
	return ErrFormat
}

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

const (
	// DefaultTimeColumn is the elapsed-time column written by the load
	// generator and by the aggregate step.
	DefaultTimeColumn = "elapsed_time"

	// DefaultDurationColumn is the request duration column.
	DefaultDurationColumn = "http_req_duration"
)

// Sample is one completed request.
type Sample struct {
	// ElapsedTime is seconds since the run started.
	ElapsedTime float64

	// Duration is the request's response time.
	Duration float64
}

// Trace is an ordered sequence of samples from one benchmark run.
type Trace struct {
	// Path is where the trace was read from. Empty for in-memory traces.
	Path string

	// Samples holds every row with both fields present, in file order.
	Samples []Sample

	// Dropped counts rows discarded because a field was missing.
	Dropped int
}

// Durations returns the duration column in sample order.
func (t *Trace) Durations() []float64 {
	return Durations(t.Samples)
}

// Len returns the number of retained samples.
func (t *Trace) Len() int {
	return len(t.Samples)
}

// Durations extracts the duration of every sample.
func Durations(samples []Sample) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = s.Duration
	}
	return out
}

// Options selects the columns to read.
type Options struct {
	// TimeColumn defaults to DefaultTimeColumn.
	TimeColumn string

	// DurationColumn defaults to DefaultDurationColumn. When the header has
	// exactly two columns and this name is absent, the column that is not
	// the time column is used.
	DurationColumn string
}

func (o Options) withDefaults() Options {
	if o.TimeColumn == "" {
		o.TimeColumn = DefaultTimeColumn
	}
	if o.DurationColumn == "" {
		o.DurationColumn = DefaultDurationColumn
	}
	return o
}

// -----------------------------------------------------------------------------
// Loading
// -----------------------------------------------------------------------------

// Load reads a trace from a CSV file.
//
// Description:
//
//	Opens path, parses the header, and reads every row. Numeric cells that
//	fail to parse become missing, and rows with a missing field are counted
//	in Trace.Dropped instead of being returned.
//
// Inputs:
//   - path: CSV file with a header row.
//   - opts: Column names. Zero value uses the defaults.
//
// Outputs:
//   - *Trace: The parsed trace.
//   - error: Wrapped *os.PathError if the file cannot be opened,
//     *FormatError if a required column is absent.
func Load(path string, opts Options) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace: %w", err)
	}
	defer f.Close()

	tr, err := read(f, path, opts)
	if err != nil {
		return nil, err
	}
	return tr, nil
}

// Read parses a trace from r. The returned Trace has an empty Path.
func Read(r io.Reader, opts Options) (*Trace, error) {
	return read(r, "", opts)
}

func read(r io.Reader, path string, opts Options) (*Trace, error) {
	opts = opts.withDefaults()
	name := path
	if name == "" {
		name = "<reader>"
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, &FormatError{Path: name, Reason: "empty file, no header row"}
	}
	if err != nil {
		return nil, &FormatError{Path: name, Reason: err.Error()}
	}

	timeIdx, durIdx, err := resolveColumns(header, opts, name)
	if err != nil {
		return nil, err
	}

	tr := &Trace{Path: path}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				tr.Dropped++
				continue
			}
			return nil, fmt.Errorf("read trace %s: %w", name, err)
		}

		t := cell(rec, timeIdx)
		d := cell(rec, durIdx)
		if math.IsNaN(t) || math.IsNaN(d) {
			tr.Dropped++
			continue
		}
		tr.Samples = append(tr.Samples, Sample{ElapsedTime: t, Duration: d})
	}
	return tr, nil
}

// resolveColumns finds the time and duration column indexes.
func resolveColumns(header []string, opts Options, name string) (int, int, error) {
	timeIdx, durIdx := -1, -1
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		switch h {
		case opts.TimeColumn:
			timeIdx = i
		case opts.DurationColumn:
			durIdx = i
		}
	}

	if timeIdx < 0 {
		return 0, 0, &FormatError{Path: name, Column: opts.TimeColumn, Reason: "required column missing"}
	}
	if durIdx < 0 && len(header) == 2 {
		durIdx = 1 - timeIdx
	}
	if durIdx < 0 {
		return 0, 0, &FormatError{Path: name, Column: opts.DurationColumn, Reason: "required column missing"}
	}
	return timeIdx, durIdx, nil
}

// cell parses rec[i] as a float, returning NaN when absent or malformed.
func cell(rec []string, i int) float64 {
	if i >= len(rec) {
		return math.NaN()
	}
	s := strings.TrimSpace(rec[i])
	if s == "" {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}
