// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package report renders comparison rows as CSV files, a LaTeX table, and
// terminal tables.
//
// Missing statistics are NaN in memory. CSV output writes them as empty
// cells; LaTeX and terminal output print "NaN".
package report

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/AleutianAI/noiseeval/services/interference/compare"
	"github.com/AleutianAI/noiseeval/services/interference/stats"
)

// PhaseColumns is the header of every per-phase CSV.
var PhaseColumns = []string{
	"Experiment Type",
	"Endpoint",
	"Median V1",
	"Median V2",
	"Relative Change Exp",
	"CI Exp Lower",
	"CI Exp Upper",
	"Baseline Median V1",
	"Baseline Median V2",
	"Relative Change Baseline",
	"CI Baseline Lower",
	"CI Baseline Upper",
}

// csvFloat formats v for CSV, with NaN as an empty cell.
func csvFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// fixed4 formats v with four decimals, or "NaN".
func fixed4(v float64) string {
	if math.IsNaN(v) {
		return "NaN"
	}
	return fmt.Sprintf("%.4f", v)
}

// ciString formats an interval as "low - high".
func ciString(ci stats.CI) string {
	return fixed4(ci.Low) + " - " + fixed4(ci.High)
}

// relativeChange formats "ratio (CI: low - high)".
func relativeChange(e compare.Estimate) string {
	return fmt.Sprintf("%s (CI: %s)", fixed4(e.Ratio), ciString(e.CI))
}

// PhaseTitle turns a phase name into a column label: "non_noise" becomes
// "Non-Noise".
func PhaseTitle(name string) string {
	parts := strings.Split(name, "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, "-")
}

// phaseRecord returns the 12 per-phase cells for row, using format for
// numbers. A nil baseline leaves its cells empty.
func phaseRecord(row compare.Row, format func(float64) string) []string {
	e := row.Experiment
	rec := []string{
		row.Label,
		row.Endpoint,
		format(e.MedianV1),
		format(e.MedianV2),
		format(e.Ratio),
		format(e.CI.Low),
		format(e.CI.High),
	}
	if b := row.Baseline; b != nil {
		rec = append(rec,
			format(b.MedianV1),
			format(b.MedianV2),
			format(b.Ratio),
			format(b.CI.Low),
			format(b.CI.High),
		)
	} else {
		rec = append(rec, "", "", "", "", "")
	}
	return rec
}

// groupByPhase splits rows by phase, keeping row order within each phase.
// Phases listed in order come first; any others follow in first-seen order.
func groupByPhase(rows []compare.Row, order []string) ([]string, map[string][]compare.Row) {
	byPhase := make(map[string][]compare.Row)
	phases := append([]string(nil), order...)
	known := make(map[string]bool, len(order))
	for _, p := range order {
		known[p] = true
	}
	for _, r := range rows {
		if !known[r.Phase] {
			known[r.Phase] = true
			phases = append(phases, r.Phase)
		}
		byPhase[r.Phase] = append(byPhase[r.Phase], r)
	}
	return phases, byPhase
}
