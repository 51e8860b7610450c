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
	"math"

	"github.com/AleutianAI/noiseeval/services/interference/stats"
)

// Estimate summarizes one phase slice pair.
//
// Every field is derived from the two duration slices alone. Missing
// statistics are NaN.
type Estimate struct {
	MedianV1 float64
	MedianV2 float64

	// Ratio is MedianV2 / MedianV1.
	Ratio float64

	// CI is the bootstrap interval for Ratio.
	CI stats.CI

	// PValue is the two-sided Mann-Whitney p-value, NaN when a group was
	// empty.
	PValue float64

	// RCIW is the interval width relative to the bootstrap mean ratio.
	RCIW float64

	N1, N2 int
}

// Detectable reports whether the interval excludes 1.0.
func (e Estimate) Detectable() bool {
	return e.CI.ExcludesOne()
}

// Significant reports whether PValue is below the report threshold.
func (e Estimate) Significant() bool {
	return stats.Significant(e.PValue)
}

// EstimatePair computes medians, ratio, interval, p-value and RCIW for one
// phase.
//
// The Estimate is always usable. The error is non-nil only when the rank
// test had no data, in which case PValue is NaN.
func EstimatePair(v1, v2 []float64, opts stats.BootstrapOptions) (Estimate, error) {
	e := Estimate{
		MedianV1: stats.Median(v1),
		MedianV2: stats.Median(v2),
		N1:       len(v1),
		N2:       len(v2),
	}
	e.Ratio = stats.Ratio(e.MedianV2, e.MedianV1)
	e.CI = stats.BootstrapRatioCI(v1, v2, opts)
	e.RCIW = stats.RCIW(e.CI.Low, e.CI.High, e.CI.Mean)

	p, err := stats.MannWhitney(v1, v2)
	if err != nil {
		e.PValue = math.NaN()
		return e, err
	}
	e.PValue = p
	return e, nil
}

// Row is one report line: a unit's experiment estimate for one phase and,
// when the unit has one, the matching baseline estimate.
type Row struct {
	// Unit is the index of the unit in the batch. Units may share a label.
	Unit     int
	Label    string
	Group    string
	Threads  int
	Endpoint string
	Phase    string

	Experiment Estimate
	Baseline   *Estimate
}
