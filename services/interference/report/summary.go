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
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/AleutianAI/noiseeval/services/interference/compare"
)

// SummaryRecord is one unit's estimates across all phases.
type SummaryRecord struct {
	Unit     int
	Label    string
	Group    string
	Threads  int
	Endpoint string

	// Estimates is keyed by phase name. A phase may be absent.
	Estimates map[string]compare.Estimate
}

// Summary is the consolidated single-table view: one record per unit, one
// column group per phase.
type Summary struct {
	Phases  []string
	Records []SummaryRecord
}

// NewSummary pivots rows into a Summary. Records are keyed by unit index,
// label and endpoint and keep the order of first appearance, so units with
// the same label stay separate. Baseline estimates are not part of the
// consolidated view.
func NewSummary(rows []compare.Row, phases []string) *Summary {
	phases, _ = groupByPhase(rows, phases)
	s := &Summary{Phases: phases}

	type key struct {
		unit            int
		label, endpoint string
	}
	index := make(map[key]int)
	for _, r := range rows {
		k := key{r.Unit, r.Label, r.Endpoint}
		i, ok := index[k]
		if !ok {
			i = len(s.Records)
			index[k] = i
			s.Records = append(s.Records, SummaryRecord{
				Unit:      r.Unit,
				Label:     r.Label,
				Group:     r.Group,
				Threads:   r.Threads,
				Endpoint:  r.Endpoint,
				Estimates: make(map[string]compare.Estimate),
			})
		}
		s.Records[i].Estimates[r.Phase] = r.Experiment
	}
	return s
}

// Header returns the CSV header.
func (s *Summary) Header() []string {
	h := []string{"Experiment Type", "Endpoint", "Threads"}
	for _, p := range s.Phases {
		t := PhaseTitle(p)
		h = append(h,
			"Run1 Median "+t,
			"Run2 Median "+t,
			"Relative Change "+t,
			"CI "+t+" Lower",
			"CI "+t+" Upper",
			"RCIW "+t,
			"P-Value "+t,
		)
	}
	return h
}

func (s *Summary) csvRecord(r SummaryRecord) []string {
	rec := []string{r.Label, r.Endpoint, strconv.Itoa(r.Threads)}
	for _, p := range s.Phases {
		e, ok := r.Estimates[p]
		if !ok {
			rec = append(rec, "", "", "", "", "", "", "")
			continue
		}
		rec = append(rec,
			csvFloat(e.MedianV1),
			csvFloat(e.MedianV2),
			csvFloat(e.Ratio),
			csvFloat(e.CI.Low),
			csvFloat(e.CI.High),
			csvFloat(e.RCIW),
			csvFloat(e.PValue),
		)
	}
	return rec
}

// WriteCSV writes the summary to w.
func (s *Summary) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(s.Header()); err != nil {
		return fmt.Errorf("write summary header: %w", err)
	}
	for _, r := range s.Records {
		if err := cw.Write(s.csvRecord(r)); err != nil {
			return fmt.Errorf("write summary row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteCSVFile writes the summary to path, replacing any existing file.
func (s *Summary) WriteCSVFile(path string) (err error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create summary dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create summary: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close summary: %w", cerr)
		}
	}()
	return s.WriteCSV(f)
}
