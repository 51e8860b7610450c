// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package phase partitions a trace into named time phases.
//
// A Policy is a list of phase definitions, each a union of intervals on the
// elapsed-time axis, optionally restricted to an active window obtained by
// trimming warm-up and cool-down from the trace. Two policies are built in:
//
//   - ThreePhase: pre_noise (t < start), noise (start <= t <= end),
//     post_noise (t > end). Every sample lands in exactly one phase.
//   - TrimmedTwoPhase: the active window [min+warmup, max-cooldown] split
//     into noise and non_noise, plus an aggregate overall phase.
//
// Each trace is segmented on its own time axis; no alignment between runs
// is attempted.
package phase

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/AleutianAI/noiseeval/services/interference/trace"
)

// Phase names used by the built-in policies.
const (
	PreNoise  = "pre_noise"
	Noise     = "noise"
	PostNoise = "post_noise"
	NonNoise  = "non_noise"
	Overall   = "overall"
)

// Policy names accepted by ByName.
const (
	PolicyThreePhase      = "three_phase"
	PolicyTrimmedTwoPhase = "trimmed_two_phase"
)

// ErrUnknownPolicy is returned by ByName for unrecognised names.
var ErrUnknownPolicy = errors.New("unknown phase policy")

// -----------------------------------------------------------------------------
// Bounds
// -----------------------------------------------------------------------------

// Bounds is the interval, in seconds since run start, during which the
// interfering workload was active.
type Bounds struct {
	NoiseStart float64 `yaml:"noise_start" json:"noise_start"`
	NoiseEnd   float64 `yaml:"noise_end" json:"noise_end"`
}

// DefaultBounds returns the 200s-500s noise window of the standard
// experiment schedule.
func DefaultBounds() Bounds {
	return Bounds{NoiseStart: 200, NoiseEnd: 500}
}

// Validate checks that the window is well formed.
func (b Bounds) Validate() error {
	if math.IsNaN(b.NoiseStart) || math.IsNaN(b.NoiseEnd) {
		return fmt.Errorf("noise bounds must be numbers")
	}
	if b.NoiseStart >= b.NoiseEnd {
		return fmt.Errorf("noise start %v must be before noise end %v", b.NoiseStart, b.NoiseEnd)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Intervals
// -----------------------------------------------------------------------------

// Interval is a range on the elapsed-time axis. Infinite bounds are allowed.
type Interval struct {
	Lo, Hi         float64
	LoOpen, HiOpen bool
}

// Closed returns [lo, hi].
func Closed(lo, hi float64) Interval {
	return Interval{Lo: lo, Hi: hi}
}

// Below returns (-inf, hi).
func Below(hi float64) Interval {
	return Interval{Lo: math.Inf(-1), Hi: hi, HiOpen: true}
}

// Above returns (lo, +inf).
func Above(lo float64) Interval {
	return Interval{Lo: lo, Hi: math.Inf(1), LoOpen: true}
}

// All returns (-inf, +inf).
func All() Interval {
	return Interval{Lo: math.Inf(-1), Hi: math.Inf(1), LoOpen: true, HiOpen: true}
}

// Contains reports whether t lies in the interval.
func (iv Interval) Contains(t float64) bool {
	if iv.LoOpen {
		if !(t > iv.Lo) {
			return false
		}
	} else if !(t >= iv.Lo) {
		return false
	}
	if iv.HiOpen {
		return t < iv.Hi
	}
	return t <= iv.Hi
}

func (iv Interval) String() string {
	l, r := "[", "]"
	if iv.LoOpen {
		l = "("
	}
	if iv.HiOpen {
		r = ")"
	}
	return fmt.Sprintf("%s%g, %g%s", l, iv.Lo, iv.Hi, r)
}

// -----------------------------------------------------------------------------
// Policy
// -----------------------------------------------------------------------------

// Def defines one phase.
type Def struct {
	Name      string
	Intervals []Interval

	// Aggregate marks a phase that overlaps others, such as overall.
	// Aggregate phases are excluded from the partition property.
	Aggregate bool
}

// Contains reports whether t lies in any of the phase's intervals.
func (d Def) Contains(t float64) bool {
	for _, iv := range d.Intervals {
		if iv.Contains(t) {
			return true
		}
	}
	return false
}

// Trim removes the start and end of a trace before segmentation.
type Trim struct {
	Warmup   float64 `yaml:"warmup" json:"warmup"`
	Cooldown float64 `yaml:"cooldown" json:"cooldown"`
}

// Policy is an ordered set of phase definitions and an optional trim.
type Policy struct {
	Name   string
	Trim   *Trim
	Phases []Def
}

// Slice is the part of one trace that falls inside one phase.
type Slice struct {
	Phase   string
	Samples []trace.Sample
}

// Durations returns the slice's duration values.
func (s Slice) Durations() []float64 {
	return trace.Durations(s.Samples)
}

// ThreePhase builds the pre/noise/post policy.
func ThreePhase(b Bounds) Policy {
	return Policy{
		Name: PolicyThreePhase,
		Phases: []Def{
			{Name: PreNoise, Intervals: []Interval{Below(b.NoiseStart)}},
			{Name: Noise, Intervals: []Interval{Closed(b.NoiseStart, b.NoiseEnd)}},
			{Name: PostNoise, Intervals: []Interval{Above(b.NoiseEnd)}},
		},
	}
}

// TrimmedTwoPhase builds the noise/non_noise policy over the trimmed
// window, with an overall phase covering the whole window.
func TrimmedTwoPhase(b Bounds, warmup, cooldown float64) Policy {
	return Policy{
		Name: PolicyTrimmedTwoPhase,
		Trim: &Trim{Warmup: warmup, Cooldown: cooldown},
		Phases: []Def{
			{Name: Noise, Intervals: []Interval{Closed(b.NoiseStart, b.NoiseEnd)}},
			{Name: NonNoise, Intervals: []Interval{Below(b.NoiseStart), Above(b.NoiseEnd)}},
			{Name: Overall, Intervals: []Interval{All()}, Aggregate: true},
		},
	}
}

// ByName returns a built-in policy.
func ByName(name string, b Bounds, trim Trim) (Policy, error) {
	switch name {
	case PolicyThreePhase, "":
		return ThreePhase(b), nil
	case PolicyTrimmedTwoPhase:
		return TrimmedTwoPhase(b, trim.Warmup, trim.Cooldown), nil
	default:
		return Policy{}, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
}

// PhaseNames returns the phase names in policy order.
func (p Policy) PhaseNames() []string {
	names := make([]string, len(p.Phases))
	for i, d := range p.Phases {
		names[i] = d.Name
	}
	return names
}

// Validate checks that the policy has uniquely named phases.
func (p Policy) Validate() error {
	if len(p.Phases) == 0 {
		return fmt.Errorf("policy %q has no phases", p.Name)
	}
	seen := make(map[string]bool, len(p.Phases))
	for _, d := range p.Phases {
		if d.Name == "" {
			return fmt.Errorf("policy %q has an unnamed phase", p.Name)
		}
		if seen[d.Name] {
			return fmt.Errorf("policy %q: duplicate phase %q", p.Name, d.Name)
		}
		seen[d.Name] = true
	}
	if p.Trim != nil && (p.Trim.Warmup < 0 || p.Trim.Cooldown < 0) {
		return fmt.Errorf("policy %q: trim must be non-negative", p.Name)
	}
	return nil
}

// Window returns the active window of tr.
//
// Without a trim the window spans the trace's first to last elapsed time.
// With a trim it is [min+warmup, max-cooldown]. ok is false when the trace
// is empty or the trimmed window is inverted.
func (p Policy) Window(tr *trace.Trace) (lo, hi float64, ok bool) {
	if tr == nil || len(tr.Samples) == 0 {
		return 0, 0, false
	}
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, s := range tr.Samples {
		lo = math.Min(lo, s.ElapsedTime)
		hi = math.Max(hi, s.ElapsedTime)
	}
	if p.Trim != nil {
		lo += p.Trim.Warmup
		hi -= p.Trim.Cooldown
	}
	return lo, hi, lo <= hi
}

// Split segments tr into one Slice per phase, in policy order.
//
// Description:
//
//	When the policy has a trim, samples outside the active window are
//	discarded first; an inverted window yields empty slices for every
//	phase. Sample order within each slice follows the trace. Split never
//	fails; thin phases surface later as NaN estimates.
//
// Thread Safety: Split does not modify p or tr.
func (p Policy) Split(tr *trace.Trace) []Slice {
	out := make([]Slice, len(p.Phases))
	for i, d := range p.Phases {
		out[i] = Slice{Phase: d.Name}
	}
	if tr == nil || len(tr.Samples) == 0 {
		return out
	}

	var lo, hi float64
	if p.Trim != nil {
		var ok bool
		lo, hi, ok = p.Window(tr)
		if !ok {
			return out
		}
	}

	for _, s := range tr.Samples {
		if p.Trim != nil && (s.ElapsedTime < lo || s.ElapsedTime > hi) {
			continue
		}
		for i, d := range p.Phases {
			if d.Contains(s.ElapsedTime) {
				out[i].Samples = append(out[i].Samples, s)
			}
		}
	}
	return out
}

// Index returns the position of the named phase, or -1.
func (p Policy) Index(name string) int {
	return slices.IndexFunc(p.Phases, func(d Def) bool { return d.Name == name })
}
