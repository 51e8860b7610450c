// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/noiseeval/pkg/ux"
	"github.com/AleutianAI/noiseeval/pkg/validation"
	"github.com/AleutianAI/noiseeval/services/interference/timeline"
	"github.com/AleutianAI/noiseeval/services/interference/trace"
)

type timelineFlags struct {
	outputDir string
	name      string
	title     string
	window    float64
	warmup    float64
	cooldown  float64
	noPNG     bool
	width     int
	height    int
}

func newTimelineCmd(a *app) *cobra.Command {
	var flags timelineFlags
	cmd := &cobra.Command{
		Use:   "timeline <run1.csv> <run2.csv>",
		Short: "Plot the windowed relative change between two runs",
		Long: `timeline trims both traces, takes the median per fixed-width window of
elapsed time, joins the windows present in both runs and computes the
percentage change of run 2 over run 1. It writes <name>.csv and, unless
--no-png is given, <name>_change.png with the noise window shaded and
<name>_medians.png with both runs' medians.

Exit codes: 0 written, 1 too few windows to plot, 2 error.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validation.ValidateName(flags.name); err != nil {
				return fmt.Errorf("--name: %w", err)
			}

			tc := a.cfg.TimelineConfig()
			fs := cmd.Flags()
			if fs.Changed("window") {
				tc.WindowSize = flags.window
			}
			if fs.Changed("warmup") {
				tc.Warmup = flags.warmup
			}
			if fs.Changed("cooldown") {
				tc.Cooldown = flags.cooldown
			}
			dir := a.cfg.Output.Dir
			if fs.Changed("output-dir") {
				dir = flags.outputDir
			}

			opts := a.cfg.TraceOptions()
			run1, err := trace.Load(args[0], opts)
			if err != nil {
				return err
			}
			run2, err := trace.Load(args[1], opts)
			if err != nil {
				return err
			}

			series, err := timeline.Build(run1, run2, tc)
			if err != nil {
				return err
			}
			a.logger.Info("timeline built",
				"run1", args[0], "run2", args[1],
				"windows", len(series.Points),
				"window_size", tc.WindowSize,
			)

			csvPath := filepath.Join(dir, flags.name+".csv")
			if err := series.WriteCSVFile(csvPath); err != nil {
				return err
			}
			a.printer.FileStatus(csvPath, ux.IconSuccess, fmt.Sprintf("%d windows", len(series.Points)))

			if flags.noPNG {
				return nil
			}
			chart := timeline.ChartOptions{Title: flags.title, Width: flags.width, Height: flags.height}
			changePath := filepath.Join(dir, flags.name+"_change.png")
			mediansPath := filepath.Join(dir, flags.name+"_medians.png")
			for _, out := range []struct {
				path   string
				render func(string, timeline.ChartOptions) error
			}{
				{changePath, series.RenderChangeFile},
				{mediansPath, series.RenderMediansFile},
			} {
				if err := out.render(out.path, chart); err != nil {
					if errors.Is(err, timeline.ErrNotEnoughPoints) {
						a.printer.FileStatus(out.path, ux.IconWarning, err.Error())
						return findings("%s not written: %v", filepath.Base(out.path), err)
					}
					return err
				}
				a.printer.FileStatus(out.path, ux.IconSuccess, "png")
			}
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringVarP(&flags.outputDir, "output-dir", "o", "", "output directory (default from batch file)")
	fs.StringVar(&flags.name, "name", "timeline", "base name of the output files")
	fs.StringVar(&flags.title, "title", "", "chart title")
	fs.Float64Var(&flags.window, "window", timeline.DefaultWindowSize, "window width in seconds")
	fs.Float64Var(&flags.warmup, "warmup", 0, "seconds trimmed from the start of each run (default from batch file)")
	fs.Float64Var(&flags.cooldown, "cooldown", 0, "seconds trimmed from the end of each run (default from batch file)")
	fs.BoolVar(&flags.noPNG, "no-png", false, "write only the CSV")
	fs.IntVar(&flags.width, "width", timeline.DefaultWidth, "chart width in pixels")
	fs.IntVar(&flags.height, "height", timeline.DefaultHeight, "chart height in pixels")
	return cmd
}
