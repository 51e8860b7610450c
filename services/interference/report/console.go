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
	"strconv"
	"strings"

	"github.com/AleutianAI/noiseeval/pkg/ux"
	"github.com/AleutianAI/noiseeval/services/interference/compare"
)

// Console prints one table per phase, titled "<PHASE> PHASE". Relative
// change cells whose interval excludes 1.0 are emphasized.
func Console(p *ux.Printer, rows []compare.Row, phases []string) {
	ordered, byPhase := groupByPhase(rows, phases)
	for _, ph := range ordered {
		group := byPhase[ph]
		if len(group) == 0 {
			continue
		}

		cells := make([][]string, len(group))
		for i, r := range group {
			cells[i] = phaseRecord(r, fixed4)
		}

		p.Title("\n" + strings.ToUpper(ph) + " PHASE")
		p.Table(PhaseColumns, cells, func(row, col int) bool {
			if row < 0 || row >= len(group) {
				return false
			}
			switch col {
			case 4:
				return group[row].Experiment.Detectable()
			case 9:
				return group[row].Baseline != nil && group[row].Baseline.Detectable()
			}
			return false
		})
	}
}

// ConsoleSummary prints the consolidated table with relative change, RCIW
// and p-value per phase.
func ConsoleSummary(p *ux.Printer, s *Summary) {
	headers := []string{"Experiment Type", "Endpoint", "Threads"}
	for _, ph := range s.Phases {
		t := PhaseTitle(ph)
		headers = append(headers, "Relative Change "+t, "RCIW "+t, "P-Value "+t)
	}

	cells := make([][]string, len(s.Records))
	for i, r := range s.Records {
		row := []string{r.Label, r.Endpoint, strconv.Itoa(r.Threads)}
		for _, ph := range s.Phases {
			e, ok := r.Estimates[ph]
			if !ok {
				row = append(row, "NaN", "NaN", "NaN")
				continue
			}
			row = append(row, relativeChange(e), fixed4(e.RCIW), fixed4(e.PValue))
		}
		cells[i] = row
	}

	p.Table(headers, cells, func(row, col int) bool {
		if row < 0 || row >= len(s.Records) || col < 3 {
			return false
		}
		e, ok := s.Records[row].Estimates[s.Phases[(col-3)/3]]
		if !ok {
			return false
		}
		switch (col - 3) % 3 {
		case 0:
			return e.Detectable()
		case 2:
			return e.Significant()
		}
		return false
	})
}
