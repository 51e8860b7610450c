// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stats provides the robust statistics used to compare two
// response-time distributions.
//
// # Components
//
//   - Median / Ratio / RatioOfMedians: central tendency and the relative
//     change effect size.
//   - BootstrapRatioCI: percentile bootstrap confidence interval for the
//     ratio of medians.
//   - MannWhitney: two-sided rank-sum test.
//
// # Missing Values
//
// Statistics over empty input are not errors. Median, Ratio and the CI
// bounds return NaN so that a report can still be rendered with gaps. The
// rank test is the exception: it returns an *InsufficientDataError because
// it has no meaningful output for an empty group.
//
// # Randomness
//
// The bootstrap never touches global random state. Callers pass a
// *rand.Rand (see NewRand and DeriveRand); the same seed always yields the
// same interval.
//
// # Thread Safety
//
// All functions are stateless. A *rand.Rand is not safe for concurrent use,
// so each goroutine needs its own source.
package stats
