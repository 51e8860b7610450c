// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package timeline

import (
	"bytes"
	"fmt"
	"io"
	"math"

	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
)

// Default chart size in pixels.
const (
	DefaultWidth  = 900
	DefaultHeight = 700
)

var (
	changeColor = drawing.Color{R: 0x2c, G: 0xa0, B: 0x2c, A: 0xff}
	run1Color   = drawing.Color{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff}
	run2Color   = drawing.Color{R: 0xff, G: 0x7f, B: 0x0e, A: 0xff}
	noiseFill   = drawing.Color{R: 0xd6, G: 0x27, B: 0x28, A: 0x1a}
)

// ChartOptions configures a PNG chart.
type ChartOptions struct {
	Title  string
	Width  int
	Height int
}

func (o ChartOptions) withDefaults(title string) ChartOptions {
	if o.Title == "" {
		o.Title = title
	}
	if o.Width <= 0 {
		o.Width = DefaultWidth
	}
	if o.Height <= 0 {
		o.Height = DefaultHeight
	}
	return o
}

// finite drops points whose y value is NaN or infinite.
func finite(xs, ys []float64) ([]float64, []float64) {
	var fx, fy []float64
	for i := range xs {
		if math.IsNaN(ys[i]) || math.IsInf(ys[i], 0) {
			continue
		}
		fx = append(fx, xs[i])
		fy = append(fy, ys[i])
	}
	return fx, fy
}

// paddedRange returns [min, max] of the given series widened by 10%, or by
// 1 when all values are equal.
func paddedRange(series ...[]float64) *chart.ContinuousRange {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, ys := range series {
		for _, y := range ys {
			lo = math.Min(lo, y)
			hi = math.Max(hi, y)
		}
	}
	pad := (hi - lo) * 0.1
	if pad == 0 {
		pad = 1
	}
	return &chart.ContinuousRange{Min: lo - pad, Max: hi + pad}
}

// noiseBand is a filled series spanning the noise window across the full
// y range. Points outside the plotted x range are clamped.
func (s *Series) noiseBand(x *chart.ContinuousRange, y *chart.ContinuousRange) (chart.ContinuousSeries, bool) {
	start := math.Max(s.Bounds.NoiseStart, x.Min)
	end := math.Min(s.Bounds.NoiseEnd, x.Max)
	if !(start < end) {
		return chart.ContinuousSeries{}, false
	}
	return chart.ContinuousSeries{
		Name:    "Noise Influence Period",
		XValues: []float64{start, end},
		YValues: []float64{y.Max, y.Max},
		Style: chart.Style{
			StrokeColor: noiseFill,
			StrokeWidth: 0,
			FillColor:   noiseFill,
		},
	}, true
}

func (s *Series) render(w io.Writer, opts ChartOptions, yName string, lines []chart.ContinuousSeries) error {
	var xs, ys [][]float64
	for _, l := range lines {
		if len(l.XValues) < 2 {
			return fmt.Errorf("%w: series %q has %d", ErrNotEnoughPoints, l.Name, len(l.XValues))
		}
		xs = append(xs, l.XValues)
		ys = append(ys, l.YValues)
	}

	xr := &chart.ContinuousRange{Min: math.Inf(1), Max: math.Inf(-1)}
	for _, x := range xs {
		xr.Min = math.Min(xr.Min, x[0])
		xr.Max = math.Max(xr.Max, x[len(x)-1])
	}
	if !(xr.Min < xr.Max) {
		return fmt.Errorf("%w: single window", ErrNotEnoughPoints)
	}
	yr := paddedRange(ys...)

	var series []chart.Series
	if band, ok := s.noiseBand(xr, yr); ok {
		series = append(series, band)
	}
	for _, l := range lines {
		series = append(series, l)
	}

	ch := chart.Chart{
		Title:      opts.Title,
		Width:      opts.Width,
		Height:     opts.Height,
		Background: chart.Style{Padding: chart.Box{Top: 40, Left: 16, Right: 16, Bottom: 16}},
		XAxis:      chart.XAxis{Name: "Elapsed Time (seconds)", Range: xr},
		YAxis:      chart.YAxis{Name: yName, Range: yr},
		Series:     series,
	}
	ch.Elements = []chart.Renderable{chart.Legend(&ch)}

	if err := ch.Render(chart.PNG, w); err != nil {
		return fmt.Errorf("render chart: %w", err)
	}
	return nil
}

// RenderChange draws the relative change series as a PNG with the noise
// window shaded. Windows with an undefined change are skipped. Returns
// ErrNotEnoughPoints when fewer than two windows remain.
func (s *Series) RenderChange(w io.Writer, opts ChartOptions) error {
	opts = opts.withDefaults("Relative Change Between Runs")
	xs, ys := finite(s.Windows(), s.Changes())
	return s.render(w, opts, "Relative Change (%)", []chart.ContinuousSeries{{
		Name:    "Relative Change (%)",
		XValues: xs,
		YValues: ys,
		Style:   chart.Style{StrokeColor: changeColor, StrokeWidth: 1.5},
	}})
}

// RenderMedians draws both runs' per-window medians as a PNG.
func (s *Series) RenderMedians(w io.Writer, opts ChartOptions) error {
	opts = opts.withDefaults("Windowed Median Response Time")
	m1 := make([]float64, len(s.Points))
	m2 := make([]float64, len(s.Points))
	for i, p := range s.Points {
		m1[i], m2[i] = p.Median1, p.Median2
	}
	x1, y1 := finite(s.Windows(), m1)
	x2, y2 := finite(s.Windows(), m2)
	return s.render(w, opts, "Median Response Time", []chart.ContinuousSeries{
		{Name: "Run 1", XValues: x1, YValues: y1, Style: chart.Style{StrokeColor: run1Color, StrokeWidth: 1.5}},
		{Name: "Run 2", XValues: x2, YValues: y2, Style: chart.Style{StrokeColor: run2Color, StrokeWidth: 1.5}},
	})
}

// RenderChangeFile writes RenderChange output to path. Nothing is written
// when rendering fails.
func (s *Series) RenderChangeFile(path string, opts ChartOptions) error {
	var buf bytes.Buffer
	if err := s.RenderChange(&buf, opts); err != nil {
		return err
	}
	return writeFile(path, func(w io.Writer) error {
		_, err := buf.WriteTo(w)
		return err
	})
}

// RenderMediansFile writes RenderMedians output to path. Nothing is written
// when rendering fails.
func (s *Series) RenderMediansFile(path string, opts ChartOptions) error {
	var buf bytes.Buffer
	if err := s.RenderMedians(&buf, opts); err != nil {
		return err
	}
	return writeFile(path, func(w io.Writer) error {
		_, err := buf.WriteTo(w)
		return err
	})
}
