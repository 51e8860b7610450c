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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/AleutianAI/noiseeval/services/interference/compare"
)

// Default LaTeX caption and label.
const (
	DefaultCaption = "Response Time Comparison"
	DefaultLabel   = "tab:response_times"
)

// LaTeXOptions configures LaTeX output.
type LaTeXOptions struct {
	Caption string
	Label   string
}

var latexEscaper = strings.NewReplacer(
	`$`, `\$`,
	`_`, `\_`,
	`&`, `\&`,
	`#`, `\#`,
	`%`, `\%`,
	`{`, `\{`,
	`}`, `\}`,
)

// EscapeLaTeX escapes the characters $ _ & # % { } for use in LaTeX text.
func EscapeLaTeX(s string) string {
	return latexEscaper.Replace(s)
}

func bold(s string) string {
	return `\textbf{` + s + `}`
}

// latexHeader returns the column labels of the LaTeX table.
func (s *Summary) latexHeader() []string {
	h := []string{"Experiment Type", "Endpoint", "Threads"}
	for _, p := range s.Phases {
		t := PhaseTitle(p)
		h = append(h,
			"Run1 Median "+t,
			"Run2 Median "+t,
			"Relative Change "+t,
			"RCIW "+t,
			"P-Value "+t,
		)
	}
	return h
}

func latexCells(e compare.Estimate, ok bool) []string {
	if !ok {
		return []string{"NaN", "NaN", "NaN", "NaN", "NaN"}
	}
	rc := EscapeLaTeX(relativeChange(e))
	if e.Detectable() {
		rc = bold(rc)
	}
	p := fixed4(e.PValue)
	if e.Significant() {
		p = bold(p)
	}
	return []string{fixed4(e.MedianV1), fixed4(e.MedianV2), rc, fixed4(e.RCIW), p}
}

// WriteLaTeX renders the summary as a booktabs tabular wrapped in a table
// environment and scaled to the line width.
//
// Description:
//
//	Text cells are escaped. A relative-change cell is bold when its
//	interval lies entirely above or below 1.0, and a p-value is bold when
//	below 0.01. Missing numbers print as NaN.
func (s *Summary) WriteLaTeX(w io.Writer, opts LaTeXOptions) error {
	if opts.Caption == "" {
		opts.Caption = DefaultCaption
	}
	if opts.Label == "" {
		opts.Label = DefaultLabel
	}

	header := s.latexHeader()
	for i, h := range header {
		header[i] = EscapeLaTeX(h)
	}

	var b strings.Builder
	b.WriteString("\\begin{table}[h]\n")
	b.WriteString("\\centering\n")
	fmt.Fprintf(&b, "\\caption{%s}\n", EscapeLaTeX(opts.Caption))
	fmt.Fprintf(&b, "\\label{%s}\n", opts.Label)
	b.WriteString("\\resizebox{1\\linewidth}{!}{%\n")
	fmt.Fprintf(&b, "\\begin{tabular}{lll%s}\n", strings.Repeat("r", len(header)-3))
	b.WriteString("\\toprule\n")
	b.WriteString(strings.Join(header, " & ") + " \\\\\n")
	b.WriteString("\\midrule\n")

	for _, r := range s.Records {
		cells := []string{EscapeLaTeX(r.Label), EscapeLaTeX(r.Endpoint), strconv.Itoa(r.Threads)}
		for _, p := range s.Phases {
			e, ok := r.Estimates[p]
			cells = append(cells, latexCells(e, ok)...)
		}
		b.WriteString(strings.Join(cells, " & ") + " \\\\\n")
	}

	b.WriteString("\\bottomrule\n")
	b.WriteString("\\end{tabular}\n")
	b.WriteString("}\n")
	b.WriteString("\\end{table}\n")

	_, err := io.WriteString(w, b.String())
	if err != nil {
		return fmt.Errorf("write latex: %w", err)
	}
	return nil
}

// WriteLaTeXFile writes the LaTeX table to path, replacing any existing
// file.
func (s *Summary) WriteLaTeXFile(path string, opts LaTeXOptions) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create latex dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create latex: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close latex: %w", cerr)
		}
	}()
	return s.WriteLaTeX(f, opts)
}
