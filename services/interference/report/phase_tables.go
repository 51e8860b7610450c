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
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/AleutianAI/noiseeval/pkg/validation"
	"github.com/AleutianAI/noiseeval/services/interference/compare"
	"github.com/AleutianAI/noiseeval/services/interference/telemetry"
)

// PhaseTables appends rows to one CSV file per phase in Dir.
//
// Description:
//
//	The file for phase p is Dir/p.csv. A new or empty file gets the
//	PhaseColumns header; an existing file is appended to without
//	rewriting its header and without deduplication, so repeated batches
//	accumulate.
//
// Thread Safety: Not safe for concurrent use. compare.Run calls Render
// from one goroutine.
type PhaseTables struct {
	// Dir is created if missing.
	Dir string

	// Phases fixes the order files are written in. Optional.
	Phases []string

	Logger *slog.Logger
	Sink   telemetry.Sink
}

// Render implements compare.Renderer.
func (p *PhaseTables) Render(ctx context.Context, rows []compare.Row) error {
	if len(rows) == 0 {
		return nil
	}
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}

	phases, byPhase := groupByPhase(rows, p.Phases)
	for _, ph := range phases {
		group := byPhase[ph]
		if len(group) == 0 {
			continue
		}
		path, err := p.Path(ph)
		if err != nil {
			return err
		}
		if err := appendPhaseRows(path, group); err != nil {
			return err
		}
		if p.Sink != nil {
			p.Sink.RecordRows(ctx, ph, len(group))
		}
		if p.Logger != nil {
			p.Logger.Debug("phase rows appended", "phase", ph, "rows", len(group), "path", path)
		}
	}
	return nil
}

// Path returns the CSV path for a phase.
func (p *PhaseTables) Path(phase string) (string, error) {
	if err := validation.ValidateName(phase); err != nil {
		return "", fmt.Errorf("phase file name: %w", err)
	}
	return filepath.Join(p.Dir, phase+".csv"), nil
}

func appendPhaseRows(path string, rows []compare.Row) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open phase table: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close phase table: %w", cerr)
		}
	}()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat phase table: %w", err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(PhaseColumns); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	for _, r := range rows {
		if err := w.Write(phaseRecord(r, csvFloat)); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush phase table: %w", err)
	}
	return nil
}
