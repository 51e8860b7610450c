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

	mstats "github.com/aclements/go-moremath/stats"
)

// SignificanceThreshold is the p-value below which a difference is flagged
// in reports. It only affects highlighting, never further computation.
const SignificanceThreshold = 0.01

// MannWhitney runs a two-sided Mann-Whitney U (Wilcoxon rank-sum) test of
// the hypothesis that v1 and v2 are stochastically equal.
//
// Description:
//
//	Small tie-free samples use the exact U distribution, larger or tied
//	samples the tie-corrected normal approximation. When every observation
//	in both groups is identical no rank difference is possible and the
//	p-value is 1.
//
// Inputs:
//   - v1, v2: Independent samples. NaN entries are ignored.
//
// Outputs:
//   - float64: Two-sided p-value in [0, 1].
//   - error: *InsufficientDataError when either group is empty.
//
// Thread Safety: This function is stateless and safe for concurrent use.
func MannWhitney(v1, v2 []float64) (float64, error) {
	x1 := dropNaN(v1)
	x2 := dropNaN(v2)
	if len(x1) == 0 || len(x2) == 0 {
		return 0, &InsufficientDataError{Op: "mann-whitney", N1: len(x1), N2: len(x2)}
	}

	res, err := mstats.MannWhitneyUTest(x1, x2, mstats.LocationDiffers)
	switch {
	case errors.Is(err, mstats.ErrSamplesEqual):
		return 1, nil
	case errors.Is(err, mstats.ErrSampleSize):
		return 0, &InsufficientDataError{Op: "mann-whitney", N1: len(x1), N2: len(x2)}
	case err != nil:
		return 0, fmt.Errorf("mann-whitney: %w", err)
	}
	return res.P, nil
}

// Significant reports whether p is below SignificanceThreshold.
// NaN is never significant.
func Significant(p float64) bool {
	return p < SignificanceThreshold
}
