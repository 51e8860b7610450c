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
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	mstats "github.com/aclements/go-moremath/stats"
	"gonum.org/v1/gonum/stat"
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

const (
	// DefaultConfidenceLevel is the two-sided level used by the reports.
	DefaultConfidenceLevel = 0.99

	// DefaultReplicates is the bootstrap replicate count used by the reports.
	DefaultReplicates = 10000

	// MinReplicates is the floor applied to BootstrapOptions.Replicates.
	MinReplicates = 2000

	// DefaultSeed seeds the random source when none is supplied.
	DefaultSeed uint64 = 0x5eed
)

// BootstrapOptions configures BootstrapRatioCI.
type BootstrapOptions struct {
	// Level is the two-sided confidence level in (0, 1). Zero means 0.99.
	Level float64

	// Replicates is the number of bootstrap resamples. Zero means 10000;
	// values below MinReplicates are raised to it.
	Replicates int

	// Rand is the random source. Nil means NewRand(DefaultSeed).
	Rand *rand.Rand
}

// withDefaults fills zero fields.
func (o BootstrapOptions) withDefaults() BootstrapOptions {
	if o.Level == 0 {
		o.Level = DefaultConfidenceLevel
	}
	if o.Replicates == 0 {
		o.Replicates = DefaultReplicates
	}
	if o.Replicates < MinReplicates {
		o.Replicates = MinReplicates
	}
	if o.Rand == nil {
		o.Rand = NewRand(DefaultSeed)
	}
	return o
}

// Validate checks the confidence level.
func (o BootstrapOptions) Validate() error {
	if o.Level != 0 && (o.Level <= 0 || o.Level >= 1 || math.IsNaN(o.Level)) {
		return fmt.Errorf("confidence level must be in (0, 1), got %v", o.Level)
	}
	if o.Replicates < 0 {
		return fmt.Errorf("replicates must be non-negative, got %d", o.Replicates)
	}
	return nil
}

// NewRand returns an isolated PCG random source for the given seed.
func NewRand(seed uint64) *rand.Rand {
	return DeriveRand(seed, 0)
}

// DeriveRand returns an independent random source for one stream of a
// seeded batch, so that parallel workers never share state and results do
// not depend on scheduling order.
func DeriveRand(seed, stream uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, stream^0x9e3779b97f4a7c15))
}

// -----------------------------------------------------------------------------
// Confidence Interval
// -----------------------------------------------------------------------------

// CI is a percentile bootstrap confidence interval for a ratio of medians.
type CI struct {
	// Low and High are the interval bounds. NaN when undefined.
	Low  float64
	High float64

	// Level is the confidence level used.
	Level float64

	// Mean is the mean of the surviving replicate ratios.
	Mean float64

	// Replicates is the number of replicates that produced a ratio.
	Replicates int

	// Excluded counts replicates dropped for a zero denominator median.
	Excluded int
}

// UndefinedCI returns an interval with NaN bounds at the given level.
func UndefinedCI(level float64) CI {
	return CI{Low: math.NaN(), High: math.NaN(), Level: level, Mean: math.NaN()}
}

// Defined reports whether both bounds are numbers.
func (ci CI) Defined() bool {
	return !math.IsNaN(ci.Low) && !math.IsNaN(ci.High)
}

// ExcludesOne reports whether the whole interval lies above or below 1.0,
// which marks a detectable relative change.
func (ci CI) ExcludesOne() bool {
	return ci.Defined() && (ci.Low > 1 || ci.High < 1)
}

// Contains returns true if v lies inside the interval.
func (ci CI) Contains(v float64) bool {
	return ci.Defined() && v >= ci.Low && v <= ci.High
}

// Width returns High - Low, or NaN.
func (ci CI) Width() float64 {
	return ci.High - ci.Low
}

// String formats the interval as "low - high" with four decimals.
func (ci CI) String() string {
	return fmt.Sprintf("%.4f - %.4f", ci.Low, ci.High)
}

// -----------------------------------------------------------------------------
// Bootstrap
// -----------------------------------------------------------------------------

// BootstrapRatioCI estimates a percentile confidence interval for
// Median(v2) / Median(v1).
//
// Description:
//
//	Each replicate resamples v1 and v2 independently, with replacement, to
//	their original sizes and records the ratio of the resampled medians.
//	Replicates whose v1 median is zero are excluded and counted. The bounds
//	are the (1-L)/2 and 1-(1-L)/2 quantiles of the remaining ratios.
//
// Inputs:
//   - v1: Durations of run 1 (denominator). NaN entries are ignored.
//   - v2: Durations of run 2 (numerator). NaN entries are ignored.
//   - opts: Level, replicate count and random source. See BootstrapOptions.
//
// Outputs:
//   - CI: The interval. Bounds are NaN when either sample is empty or every
//     replicate was excluded.
//
// Thread Safety: Safe for concurrent use only with distinct opts.Rand values.
//
// Example:
//
//	ci := stats.BootstrapRatioCI(v1, v2, stats.BootstrapOptions{
//	    Level: 0.99,
//	    Rand:  stats.NewRand(42),
//	})
func BootstrapRatioCI(v1, v2 []float64, opts BootstrapOptions) CI {
	opts = opts.withDefaults()

	x1 := dropNaN(v1)
	x2 := dropNaN(v2)
	if len(x1) == 0 || len(x2) == 0 {
		return UndefinedCI(opts.Level)
	}

	buf1 := make([]float64, len(x1))
	buf2 := make([]float64, len(x2))
	ratios := make([]float64, 0, opts.Replicates)
	excluded := 0

	for i := 0; i < opts.Replicates; i++ {
		m1 := resampleMedian(x1, buf1, opts.Rand)
		m2 := resampleMedian(x2, buf2, opts.Rand)
		r := Ratio(m2, m1)
		if math.IsNaN(r) {
			excluded++
			continue
		}
		ratios = append(ratios, r)
	}

	if len(ratios) == 0 {
		ci := UndefinedCI(opts.Level)
		ci.Excluded = excluded
		return ci
	}

	sample := mstats.Sample{Xs: ratios}
	sample.Sort()

	alpha := (1 - opts.Level) / 2
	return CI{
		Low:        linearQuantile(sample.Xs, alpha),
		High:       linearQuantile(sample.Xs, 1-alpha),
		Level:      opts.Level,
		Mean:       stat.Mean(ratios, nil),
		Replicates: len(ratios),
		Excluded:   excluded,
	}
}

// linearQuantile returns the q-quantile of sorted by linear interpolation
// between the order statistics at (n-1)q, the default of numpy.percentile.
// sorted must be non-empty.
func linearQuantile(sorted []float64, q float64) float64 {
	h := float64(len(sorted)-1) * q
	lo := int(math.Floor(h))
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	if lo < 0 {
		return sorted[0]
	}
	return sorted[lo] + (h-float64(lo))*(sorted[lo+1]-sorted[lo])
}

// resampleMedian draws len(src) values from src with replacement into buf
// and returns their median.
func resampleMedian(src, buf []float64, rng *rand.Rand) float64 {
	n := len(src)
	for i := range buf {
		buf[i] = src[rng.IntN(n)]
	}
	slices.Sort(buf)
	return sortedMedian(buf)
}
