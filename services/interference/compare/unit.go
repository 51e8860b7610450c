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
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/AleutianAI/noiseeval/pkg/validation"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// ErrParse indicates an identifier token could not be parsed.
var ErrParse = errors.New("identifier parse error")

// ParseError describes a run identifier whose thread token is malformed.
type ParseError struct {
	RunID  string
	Token  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("run %q: token %q: %s", e.RunID, e.Token, e.Reason)
}

// Unwrap lets errors.Is match ErrParse.
func (e *ParseError) Unwrap() error {
	return ErrParse
}

// -----------------------------------------------------------------------------
// Units
// -----------------------------------------------------------------------------

// Pair is the two concurrently-run traces of one side of a comparison.
type Pair struct {
	V1 string `yaml:"v1"`
	V2 string `yaml:"v2"`
}

// Unit is one comparison: an experiment pair and an optional baseline pair
// for the same run and endpoint.
type Unit struct {
	// Group names the experiment condition, such as "core_isolation".
	Group string

	// RunID is the run directory name. When set, Threads is parsed from
	// its last token during the batch.
	RunID string

	// Threads is the interfering thread count.
	Threads int

	// Endpoint is the benchmarked endpoint.
	Endpoint string

	// Experiment is the pair under evaluation.
	Experiment Pair

	// Baseline is the control pair. Nil produces rows without baseline
	// columns.
	Baseline *Pair
}

// Label returns the display name "<group> <threads>t".
func (u Unit) Label() string {
	return strings.TrimSpace(fmt.Sprintf("%s %dt", u.Group, u.Threads))
}

// ParseThreads extracts the interfering thread count from a run
// identifier whose last underscore-separated token is "<n>t".
//
// Example:
//
//	n, err := compare.ParseThreads("f_run_3t") // 3, nil
func ParseThreads(runID string) (int, error) {
	parts := strings.Split(runID, "_")
	token := parts[len(parts)-1]

	digits, ok := strings.CutSuffix(token, "t")
	if !ok {
		return 0, &ParseError{RunID: runID, Token: token, Reason: `missing "t" suffix`}
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, &ParseError{RunID: runID, Token: token, Reason: "not an integer"}
	}
	if n < 0 {
		return 0, &ParseError{RunID: runID, Token: token, Reason: "negative thread count"}
	}
	return n, nil
}

// -----------------------------------------------------------------------------
// Layout
// -----------------------------------------------------------------------------

// Default layout values.
const (
	DefaultPattern  = "{group}/{run}/{replica}/{endpoint}.csv"
	DefaultReplica1 = "3000"
	DefaultReplica2 = "3001"
)

// Layout expands a directory convention into comparison units.
//
// The pattern may use {group}, {run}, {replica} and {endpoint}; it is
// resolved relative to Root. Baseline paths use BaselineGroup in place of
// Group. One unit is produced per run and endpoint, runs outermost.
type Layout struct {
	Root          string   `yaml:"root,omitempty"`
	Pattern       string   `yaml:"pattern,omitempty"`
	Group         string   `yaml:"group" validate:"required"`
	BaselineGroup string   `yaml:"baseline_group,omitempty"`
	Runs          []string `yaml:"runs" validate:"required,min=1"`
	Endpoints     []string `yaml:"endpoints" validate:"required,min=1"`
	Replicas      []string `yaml:"replicas,omitempty" validate:"omitempty,len=2"`
}

// Units returns the expanded unit list.
//
// Group, run, and endpoint names become path segments, so they are checked
// with validation.ValidateName first.
func (l Layout) Units() ([]Unit, error) {
	pattern := l.Pattern
	if pattern == "" {
		pattern = DefaultPattern
	}
	replicas := l.Replicas
	if len(replicas) == 0 {
		replicas = []string{DefaultReplica1, DefaultReplica2}
	}
	if len(replicas) != 2 {
		return nil, fmt.Errorf("layout needs exactly two replicas, got %d", len(replicas))
	}

	names := []string{l.Group}
	if l.BaselineGroup != "" {
		names = append(names, l.BaselineGroup)
	}
	names = append(names, l.Runs...)
	names = append(names, l.Endpoints...)
	names = append(names, replicas...)
	if err := validation.ValidateNames(names); err != nil {
		return nil, fmt.Errorf("layout: %w", err)
	}

	units := make([]Unit, 0, len(l.Runs)*len(l.Endpoints))
	for _, run := range l.Runs {
		for _, ep := range l.Endpoints {
			u := Unit{
				Group:    l.Group,
				RunID:    run,
				Endpoint: ep,
				Experiment: Pair{
					V1: l.path(pattern, l.Group, run, replicas[0], ep),
					V2: l.path(pattern, l.Group, run, replicas[1], ep),
				},
			}
			if l.BaselineGroup != "" {
				u.Baseline = &Pair{
					V1: l.path(pattern, l.BaselineGroup, run, replicas[0], ep),
					V2: l.path(pattern, l.BaselineGroup, run, replicas[1], ep),
				}
			}
			units = append(units, u)
		}
	}
	return units, nil
}

func (l Layout) path(pattern, group, run, replica, endpoint string) string {
	p := strings.NewReplacer(
		"{group}", group,
		"{run}", run,
		"{replica}", replica,
		"{endpoint}", endpoint,
	).Replace(pattern)
	return filepath.Join(l.Root, filepath.FromSlash(p))
}
