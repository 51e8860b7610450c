// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stats

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

// ErrInsufficientData indicates a statistic was asked for on an empty group.
var ErrInsufficientData = errors.New("insufficient data for statistical test")

// InsufficientDataError reports which operation lacked data and the group
// sizes it saw.
type InsufficientDataError struct {
	Op     string
	N1, N2 int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("%s: %v (n1=%d, n2=%d)", e.Op, ErrInsufficientData, e.N1, e.N2)
}

// Unwrap lets errors.Is match ErrInsufficientData.
func (e *InsufficientDataError) Unwrap() error {
	return ErrInsufficientData
}

// -----------------------------------------------------------------------------
// Central Tendency
// -----------------------------------------------------------------------------

// Median returns the order-statistic median of xs.
//
// Description:
//
//	For odd n the middle value is returned, for even n the mean of the two
//	middle values. NaN entries are ignored. xs is not modified.
//
// Inputs:
//   - xs: Durations. May be empty.
//
// Outputs:
//   - float64: The median, or NaN when no finite-or-infinite value remains.
//
// Thread Safety: This function is stateless and safe for concurrent use.
func Median(xs []float64) float64 {
	clean := dropNaN(xs)
	if len(clean) == 0 {
		return math.NaN()
	}
	slices.Sort(clean)
	return sortedMedian(clean)
}

// sortedMedian returns the median of an already sorted, NaN-free slice.
func sortedMedian(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	mid := n / 2
	if n%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// Ratio divides num by den.
//
// A zero or NaN denominator yields NaN instead of ±Inf. Thin phases are
// expected to produce missing effect sizes, so this is not an error.
func Ratio(num, den float64) float64 {
	if den == 0 || math.IsNaN(den) || math.IsNaN(num) {
		return math.NaN()
	}
	return num / den
}

// RatioOfMedians returns Median(v2) / Median(v1), the relative change of
// run 2 against run 1.
func RatioOfMedians(v1, v2 []float64) float64 {
	return Ratio(Median(v2), Median(v1))
}

// RCIW returns the relative confidence interval width (high-low)/center.
//
// NaN when center is zero or any input is NaN.
func RCIW(low, high, center float64) float64 {
	if math.IsNaN(low) || math.IsNaN(high) {
		return math.NaN()
	}
	return Ratio(high-low, center)
}

// dropNaN returns a copy of xs without NaN entries.
func dropNaN(xs []float64) []float64 {
	out := make([]float64, 0, len(xs))
	for _, x := range xs {
		if !math.IsNaN(x) {
			out = append(out, x)
		}
	}
	return out
}
