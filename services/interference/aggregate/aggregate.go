// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package aggregate turns raw load-generator request logs into per-endpoint
// traces.
//
// A raw log has one row per emitted metric sample with at least the columns
// metric_name, metric_value, timestamp and name. Rows for the configured
// metric are grouped by request name and timestamp, the per-timestamp
// median is taken, and timestamps are rebased so the first one is zero.
// Each endpoint is written to <output>/<endpoint>.csv with the header
// elapsed_time,<metric>, which is the input format of package trace.
package aggregate

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/AleutianAI/noiseeval/pkg/validation"
	"github.com/AleutianAI/noiseeval/services/interference/stats"
	"github.com/AleutianAI/noiseeval/services/interference/trace"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// ErrNoRows is returned when no row matched the configured metric. The
// output directory is left untouched in that case.
var ErrNoRows = errors.New("no rows for metric")

// Required raw-log columns.
const (
	ColumnMetricName  = "metric_name"
	ColumnMetricValue = "metric_value"
	ColumnTimestamp   = "timestamp"
	ColumnName        = "name"
)

// nameCutset is stripped from both ends of a request name.
const nameCutset = "${}/"

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Alias folds every request name containing Contains into Name. Request
// URLs with query strings or path parameters use this to collapse into a
// single endpoint.
type Alias struct {
	Contains string `yaml:"contains" validate:"required"`
	Name     string `yaml:"name" validate:"required"`
}

// Config controls one aggregation.
type Config struct {
	// Metric selects rows by metric_name.
	Metric string `yaml:"metric" validate:"required"`

	// Aliases are checked in order; the last match wins.
	Aliases []Alias `yaml:"aliases" validate:"dive"`

	// Clean removes the output directory before writing.
	Clean bool `yaml:"clean"`
}

// DefaultConfig returns the request-duration metric with the seats and
// flight-search aliases.
func DefaultConfig() Config {
	return Config{
		Metric: trace.DefaultDurationColumn,
		Aliases: []Alias{
			{Contains: "seats", Name: "seats"},
			{Contains: "flights?from", Name: "flights"},
		},
	}
}

// NormalizeName strips the template characters from both ends of a raw
// request name and applies the aliases.
func NormalizeName(raw string, aliases []Alias) string {
	name := strings.Trim(raw, nameCutset)
	for _, a := range aliases {
		if strings.Contains(name, a.Contains) {
			name = a.Name
		}
	}
	return name
}

// -----------------------------------------------------------------------------
// Result
// -----------------------------------------------------------------------------

// Point is one aggregated row.
type Point struct {
	ElapsedTime float64
	Value       float64
}

// Endpoint is the aggregated series of one request name.
type Endpoint struct {
	Name   string
	Points []Point
}

// Result describes one aggregated input file.
type Result struct {
	Input     string
	OutputDir string

	// Endpoints is sorted by name.
	Endpoints []Endpoint

	// Files maps endpoint name to the written file.
	Files map[string]string

	// Matched counts rows for the metric that were used.
	Matched int

	// Skipped counts rows for the metric with an unusable value,
	// timestamp or name.
	Skipped int
}

// -----------------------------------------------------------------------------
// Aggregation
// -----------------------------------------------------------------------------

// Read aggregates a raw log from r.
//
// Description:
//
//	A missing required column returns a *trace.FormatError. Rows whose
//	metric_name differs are ignored. Rows for the metric whose value or
//	timestamp does not parse, or whose name normalizes to nothing usable
//	as a file name, are counted in Skipped. When nothing matched, the
//	returned error wraps ErrNoRows.
func Read(r io.Reader, cfg Config) (*Result, error) {
	if cfg.Metric == "" {
		return nil, fmt.Errorf("aggregate: metric name is required")
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &trace.FormatError{Reason: "empty raw log"}
		}
		return nil, fmt.Errorf("read raw log header: %w", err)
	}
	cols, err := columnIndex(header)
	if err != nil {
		return nil, err
	}

	grouped := make(map[string]map[float64][]float64)
	res := &Result{}

	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				res.Skipped++
				continue
			}
			return nil, fmt.Errorf("read raw log: %w", err)
		}
		if len(rec) <= cols.max {
			res.Skipped++
			continue
		}
		if rec[cols.metric] != cfg.Metric {
			continue
		}

		ts, terr := strconv.ParseFloat(strings.TrimSpace(rec[cols.timestamp]), 64)
		val, verr := strconv.ParseFloat(strings.TrimSpace(rec[cols.value]), 64)
		name, nerr := validation.SanitizeName(NormalizeName(rec[cols.name], cfg.Aliases))
		if terr != nil || verr != nil || nerr != nil || !finite(ts) || !finite(val) {
			res.Skipped++
			continue
		}

		byTime, ok := grouped[name]
		if !ok {
			byTime = make(map[float64][]float64)
			grouped[name] = byTime
		}
		byTime[ts] = append(byTime[ts], val)
		res.Matched++
	}

	if res.Matched == 0 {
		return res, fmt.Errorf("%w %q", ErrNoRows, cfg.Metric)
	}

	for _, name := range slices.Sorted(maps.Keys(grouped)) {
		byTime := grouped[name]
		times := slices.Sorted(maps.Keys(byTime))
		start := times[0]
		ep := Endpoint{Name: name, Points: make([]Point, len(times))}
		for i, ts := range times {
			ep.Points[i] = Point{ElapsedTime: ts - start, Value: stats.Median(byTime[ts])}
		}
		res.Endpoints = append(res.Endpoints, ep)
	}
	return res, nil
}

type columns struct {
	metric, value, timestamp, name int
	max                            int
}

func columnIndex(header []string) (columns, error) {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if _, dup := idx[h]; !dup {
			idx[h] = i
		}
	}

	var c columns
	for _, req := range []struct {
		name string
		dst  *int
	}{
		{ColumnMetricName, &c.metric},
		{ColumnMetricValue, &c.value},
		{ColumnTimestamp, &c.timestamp},
		{ColumnName, &c.name},
	} {
		i, ok := idx[req.name]
		if !ok {
			return columns{}, &trace.FormatError{Column: req.name, Reason: "required column missing"}
		}
		*req.dst = i
		c.max = max(c.max, i)
	}
	return c, nil
}

// File aggregates the raw log at input and writes one CSV per endpoint
// into outputDir.
//
// Description:
//
//	The output directory is created if needed and, when cfg.Clean is
//	set, emptied first. Existing endpoint files are overwritten. If no
//	row matched the metric the directory is not touched and the error
//	wraps ErrNoRows.
func File(input, outputDir string, cfg Config) (*Result, error) {
	f, err := os.Open(input)
	if err != nil {
		return nil, fmt.Errorf("open raw log: %w", err)
	}
	defer f.Close()

	res, err := Read(f, cfg)
	if err != nil {
		var ferr *trace.FormatError
		if errors.As(err, &ferr) && ferr.Path == "" {
			ferr.Path = input
		}
		return res, err
	}
	res.Input = input
	res.OutputDir = outputDir

	if cfg.Clean {
		if err := os.RemoveAll(outputDir); err != nil {
			return res, fmt.Errorf("clean output dir: %w", err)
		}
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return res, fmt.Errorf("create output dir: %w", err)
	}

	res.Files = make(map[string]string, len(res.Endpoints))
	for _, ep := range res.Endpoints {
		path := filepath.Join(outputDir, ep.Name+".csv")
		if err := writeEndpoint(path, cfg.Metric, ep); err != nil {
			return res, err
		}
		res.Files[ep.Name] = path
	}
	return res, nil
}

func writeEndpoint(path, metric string, ep Endpoint) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create endpoint file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close endpoint file: %w", cerr)
		}
	}()
	return WriteEndpoint(f, metric, ep)
}

// WriteEndpoint writes ep as elapsed_time,<metric> rows.
func WriteEndpoint(w io.Writer, metric string, ep Endpoint) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{trace.DefaultTimeColumn, metric}); err != nil {
		return fmt.Errorf("write endpoint header: %w", err)
	}
	for _, p := range ep.Points {
		rec := []string{
			strconv.FormatFloat(p.ElapsedTime, 'f', -1, 64),
			strconv.FormatFloat(p.Value, 'f', -1, 64),
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("write endpoint row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// -----------------------------------------------------------------------------
// Logging helper
// -----------------------------------------------------------------------------

func logResult(logger *slog.Logger, res *Result) {
	logger.Info("raw log aggregated",
		"input", res.Input,
		"output_dir", res.OutputDir,
		"endpoints", len(res.Endpoints),
		"matched", res.Matched,
		"skipped", res.Skipped,
	)
	for _, ep := range res.Endpoints {
		logger.Debug("endpoint written", "endpoint", ep.Name, "points", len(ep.Points), "path", res.Files[ep.Name])
	}
}
