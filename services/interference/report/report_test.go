// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/noiseeval/pkg/ux"
	"github.com/AleutianAI/noiseeval/services/interference/compare"
	"github.com/AleutianAI/noiseeval/services/interference/stats"
)

// -----------------------------------------------------------------------------
// Fixtures
// -----------------------------------------------------------------------------

func est(m1, m2, lo, hi, p float64) compare.Estimate {
	ratio := stats.Ratio(m2, m1)
	ci := stats.CI{Low: lo, High: hi, Level: 0.99, Mean: ratio}
	return compare.Estimate{
		MedianV1: m1,
		MedianV2: m2,
		Ratio:    ratio,
		CI:       ci,
		PValue:   p,
		RCIW:     stats.RCIW(lo, hi, ratio),
		N1:       100,
		N2:       100,
	}
}

func nanEst() compare.Estimate {
	nan := math.NaN()
	return compare.Estimate{
		MedianV1: nan, MedianV2: 10, Ratio: nan,
		CI:     stats.UndefinedCI(0.99),
		PValue: nan, RCIW: nan,
	}
}

func threePhaseRows() []compare.Row {
	base := est(10, 10, 0.98, 1.02, 0.5)
	return []compare.Row{
		{Label: "core_isolation 3t", Group: "core_isolation", Threads: 3, Endpoint: "bookings", Phase: "pre_noise",
			Experiment: est(10, 10.1, 0.99, 1.03, 0.4), Baseline: &base},
		{Label: "core_isolation 3t", Group: "core_isolation", Threads: 3, Endpoint: "bookings", Phase: "noise",
			Experiment: est(10, 20, 1.9, 2.1, 0.0001), Baseline: &base},
		{Label: "core_isolation 3t", Group: "core_isolation", Threads: 3, Endpoint: "bookings", Phase: "post_noise",
			Experiment: nanEst(), Baseline: nil},
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	recs, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return recs
}

// -----------------------------------------------------------------------------
// PhaseTables Tests
// -----------------------------------------------------------------------------

func TestPhaseTables_WritesHeaderOnce(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "core_isolation")
	pt := &PhaseTables{Dir: dir, Phases: []string{"pre_noise", "noise", "post_noise"}}
	rows := threePhaseRows()

	require.NoError(t, pt.Render(context.Background(), rows))
	require.NoError(t, pt.Render(context.Background(), rows))

	for _, ph := range []string{"pre_noise", "noise", "post_noise"} {
		recs := readCSV(t, filepath.Join(dir, ph+".csv"))
		require.Len(t, recs, 3, ph)
		assert.Equal(t, PhaseColumns, recs[0])
		assert.Equal(t, recs[1], recs[2], "second batch appends identical row")
		assert.Equal(t, "core_isolation 3t", recs[1][0])
		assert.Equal(t, "bookings", recs[1][1])
	}

	noise := readCSV(t, filepath.Join(dir, "noise.csv"))
	assert.Equal(t, "2", noise[1][4])
	assert.Equal(t, "1.9", noise[1][5])
	assert.Equal(t, "10", noise[1][7])

	post := readCSV(t, filepath.Join(dir, "post_noise.csv"))
	assert.Equal(t, "", post[1][2], "NaN median is an empty cell")
	assert.Equal(t, "10", post[1][3])
	assert.Equal(t, []string{"", "", "", "", ""}, post[1][7:])
}

func TestPhaseTables_AppendsToExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "noise.csv")
	require.NoError(t, os.WriteFile(path, []byte("existing header\nold,row\n"), 0o644))

	pt := &PhaseTables{Dir: dir}
	require.NoError(t, pt.Render(context.Background(), threePhaseRows()[1:2]))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "existing header", lines[0])
	assert.True(t, strings.HasPrefix(lines[2], "core_isolation 3t,bookings,"))
}

func TestPhaseTables_InvalidPhaseName(t *testing.T) {
	pt := &PhaseTables{Dir: t.TempDir()}
	err := pt.Render(context.Background(), []compare.Row{{Phase: "../escape", Experiment: nanEst()}})
	assert.Error(t, err)
}

func TestPhaseTables_AsRenderer(t *testing.T) {
	var _ compare.Renderer = &PhaseTables{}
}

// -----------------------------------------------------------------------------
// Summary Tests
// -----------------------------------------------------------------------------

func TestNewSummary_Pivot(t *testing.T) {
	rows := threePhaseRows()
	other := rows[1]
	other.Endpoint = "seats"
	rows = append(rows, other)

	s := NewSummary(rows, []string{"noise", "pre_noise", "post_noise"})
	assert.Equal(t, []string{"noise", "pre_noise", "post_noise"}, s.Phases)
	require.Len(t, s.Records, 2)
	assert.Equal(t, "bookings", s.Records[0].Endpoint)
	assert.Len(t, s.Records[0].Estimates, 3)
	assert.Equal(t, "seats", s.Records[1].Endpoint)
	assert.Len(t, s.Records[1].Estimates, 1)
}

func TestNewSummary_SameLabelUnitsStaySeparate(t *testing.T) {
	first := compare.Row{Unit: 0, Label: "g 3t", Group: "g", Threads: 3, Endpoint: "seats", Phase: "noise",
		Experiment: est(10, 11, 1.0, 1.2, 0.5)}
	second := first
	second.Unit = 1
	second.Experiment = est(10, 22, 2.1, 2.3, 0.001)

	s := NewSummary([]compare.Row{first, second}, []string{"noise"})
	require.Len(t, s.Records, 2)
	assert.Equal(t, 0, s.Records[0].Unit)
	assert.InDelta(t, 1.1, s.Records[0].Estimates["noise"].Ratio, 1e-9)
	assert.Equal(t, 1, s.Records[1].Unit)
	assert.InDelta(t, 2.2, s.Records[1].Estimates["noise"].Ratio, 1e-9)

	var buf bytes.Buffer
	require.NoError(t, s.WriteCSV(&buf))
	assert.Len(t, strings.Split(strings.TrimSpace(buf.String()), "\n"), 3)
}

func TestSummary_WriteCSV(t *testing.T) {
	rows := threePhaseRows()
	s := NewSummary(rows[:2], []string{"noise", "pre_noise"})

	path := filepath.Join(t.TempDir(), "out", "rel_table.csv")
	require.NoError(t, s.WriteCSVFile(path))
	require.NoError(t, s.WriteCSVFile(path), "rewrites rather than appends")

	recs := readCSV(t, path)
	require.Len(t, recs, 2)
	assert.Equal(t, []string{"Experiment Type", "Endpoint", "Threads",
		"Run1 Median Noise", "Run2 Median Noise", "Relative Change Noise", "CI Noise Lower", "CI Noise Upper", "RCIW Noise", "P-Value Noise",
		"Run1 Median Pre-Noise", "Run2 Median Pre-Noise", "Relative Change Pre-Noise", "CI Pre-Noise Lower", "CI Pre-Noise Upper", "RCIW Pre-Noise", "P-Value Pre-Noise",
	}, recs[0])
	assert.Equal(t, "3", recs[1][2])
	assert.Equal(t, "2", recs[1][5])
	assert.Equal(t, "0.0001", recs[1][9])
}

// -----------------------------------------------------------------------------
// LaTeX Tests
// -----------------------------------------------------------------------------

func TestEscapeLaTeX(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"core_isolation", `core\_isolation`},
		{"50% & $5 #1 {x}", `50\% \& \$5 \#1 \{x\}`},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, EscapeLaTeX(tt.in))
		})
	}
}

func TestSummary_WriteLaTeX(t *testing.T) {
	s := NewSummary(threePhaseRows(), []string{"pre_noise", "noise", "post_noise"})
	var buf bytes.Buffer
	require.NoError(t, s.WriteLaTeX(&buf, LaTeXOptions{}))
	out := buf.String()

	assert.True(t, strings.HasPrefix(out, "\\begin{table}[h]\n\\centering\n\\caption{Response Time Comparison}\n\\label{tab:response_times}\n\\resizebox{1\\linewidth}{!}{%\n"))
	assert.True(t, strings.HasSuffix(out, "\\end{tabular}\n}\n\\end{table}\n"))
	assert.Contains(t, out, "\\begin{tabular}{lll"+strings.Repeat("r", 15)+"}")
	assert.Contains(t, out, `core\_isolation 3t & bookings & 3`)
	assert.Contains(t, out, `P-Value Pre-Noise`)

	// Noise: CI (1.9, 2.1) excludes 1 and p < 0.01.
	assert.Contains(t, out, `\textbf{2.0000 (CI: 1.9000 - 2.1000)}`)
	assert.Contains(t, out, `\textbf{0.0001}`)

	// Pre-noise: CI straddles 1 and p is large.
	assert.Contains(t, out, `1.0100 (CI: 0.9900 - 1.0300)`)
	assert.NotContains(t, out, `\textbf{1.0100`)
	assert.NotContains(t, out, `\textbf{0.4000}`)

	// Post-noise: missing values.
	assert.Contains(t, out, `NaN & 10.0000 & NaN (CI: NaN - NaN) & NaN & NaN`)
}

func TestSummary_WriteLaTeXCustomCaption(t *testing.T) {
	s := NewSummary(threePhaseRows()[:1], nil)
	var buf bytes.Buffer
	require.NoError(t, s.WriteLaTeX(&buf, LaTeXOptions{Caption: "Noise 100% CPU", Label: "tab:cpu"}))
	assert.Contains(t, buf.String(), `\caption{Noise 100\% CPU}`)
	assert.Contains(t, buf.String(), `\label{tab:cpu}`)
}

func TestSummary_WriteLaTeXFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tex", "rel_table.tex")
	s := NewSummary(threePhaseRows(), nil)
	require.NoError(t, s.WriteLaTeXFile(path, LaTeXOptions{}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "\\begin{table}[h]"))
}

// -----------------------------------------------------------------------------
// Console Tests
// -----------------------------------------------------------------------------

func TestConsole(t *testing.T) {
	var buf bytes.Buffer
	p := ux.NewPrinter(&buf, ux.PersonalityMinimal)

	Console(p, threePhaseRows(), []string{"pre_noise", "noise", "post_noise"})
	out := buf.String()

	assert.Contains(t, out, "PRE_NOISE PHASE")
	assert.Contains(t, out, "NOISE PHASE")
	assert.Contains(t, out, "POST_NOISE PHASE")
	assert.Contains(t, out, "Relative Change Baseline")
	assert.Contains(t, out, "2.0000")
	assert.Less(t, strings.Index(out, "PRE_NOISE"), strings.Index(out, "POST_NOISE"))
}

func TestConsoleSummary_Machine(t *testing.T) {
	var buf bytes.Buffer
	p := ux.NewPrinter(&buf, ux.PersonalityMachine)

	ConsoleSummary(p, NewSummary(threePhaseRows(), []string{"noise"}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")

	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "Experiment Type\tEndpoint\tThreads\tRelative Change Noise"))
	assert.Contains(t, lines[1], "2.0000 (CI: 1.9000 - 2.1000)")
}

func TestPhaseTitle(t *testing.T) {
	assert.Equal(t, "Non-Noise", PhaseTitle("non_noise"))
	assert.Equal(t, "Overall", PhaseTitle("overall"))
	assert.Equal(t, "Pre-Noise", PhaseTitle("pre_noise"))
}
