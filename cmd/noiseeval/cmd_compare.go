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
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/AleutianAI/noiseeval/pkg/ux"
	"github.com/AleutianAI/noiseeval/services/interference/compare"
	"github.com/AleutianAI/noiseeval/services/interference/phase"
	"github.com/AleutianAI/noiseeval/services/interference/report"
	"github.com/AleutianAI/noiseeval/services/interference/telemetry"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

// batchFlags override batch file settings when set.
type batchFlags struct {
	policy      string
	outputDir   string
	concurrency int
	seed        uint64
	replicates  int
	level       float64
	quiet       bool
}

func (f *batchFlags) register(fs *pflag.FlagSet, defaultPolicy string) {
	fs.StringVar(&f.policy, "policy", defaultPolicy, "phase policy: three_phase or trimmed_two_phase")
	fs.StringVarP(&f.outputDir, "output-dir", "o", "", "output directory (overrides the batch file)")
	fs.IntVarP(&f.concurrency, "concurrency", "j", 1, "units compared in parallel")
	fs.Uint64Var(&f.seed, "seed", 0, "bootstrap seed")
	fs.IntVar(&f.replicates, "replicates", 0, "bootstrap replicates (minimum 2000)")
	fs.Float64Var(&f.level, "level", 0, "confidence level in (0, 1)")
	fs.BoolVarP(&f.quiet, "quiet", "q", false, "do not print result tables")
}

// apply copies changed flags into the batch configuration. The policy flag
// also applies when its default differs from the file, which is how the
// table command selects the trimmed policy.
func (f *batchFlags) apply(a *app, fs *pflag.FlagSet) error {
	cfg := a.cfg
	if fs.Changed("policy") || f.policy != phase.PolicyThreePhase {
		cfg.Policy = f.policy
	}
	if fs.Changed("output-dir") {
		cfg.Output.Dir = f.outputDir
	}
	if fs.Changed("concurrency") {
		cfg.Concurrency = f.concurrency
	}
	if fs.Changed("seed") {
		cfg.Bootstrap.Seed = f.seed
	}
	if fs.Changed("replicates") {
		cfg.Bootstrap.Replicates = f.replicates
	}
	if fs.Changed("level") {
		cfg.Bootstrap.Level = f.level
	}
	return cfg.Validate()
}

// =============================================================================
// COMPARE COMMAND
// =============================================================================

func newCompareCmd(a *app) *cobra.Command {
	var flags batchFlags
	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Compare units phase by phase and append one CSV table per phase",
		Long: `compare splits every trace into the phases of the configured policy
(pre_noise, noise and post_noise by default), estimates the ratio of medians
with a bootstrap confidence interval for the experiment and baseline pairs,
and appends the rows to <output-dir>/<phase>.csv.

Exit codes: 0 all units compared, 1 some units failed, 2 error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.apply(a, cmd.Flags()); err != nil {
				return err
			}
			res, err := a.runBatch(cmd.Context(), true)
			if res == nil {
				return err
			}
			if !flags.quiet {
				report.Console(a.printer, res.Rows, res.Phases)
			}
			for _, ph := range res.Phases {
				if len(res.RowsForPhase(ph)) == 0 {
					continue
				}
				tables := report.PhaseTables{Dir: a.cfg.Output.Dir}
				if path, perr := tables.Path(ph); perr == nil {
					a.printer.FileStatus(path, ux.IconSuccess, "appended")
				}
			}
			return a.finishBatch(res, err)
		},
	}
	flags.register(cmd.Flags(), phase.PolicyThreePhase)
	return cmd
}

// =============================================================================
// TABLE COMMAND
// =============================================================================

func newTableCmd(a *app) *cobra.Command {
	var flags batchFlags
	cmd := &cobra.Command{
		Use:   "table",
		Short: "Build the consolidated relative-change table as CSV and LaTeX",
		Long: `table trims the warm-up and cool-down from every trace, splits the rest into
noise, non_noise and overall phases, and writes one row per unit with the
relative change, its confidence interval, RCIW and Mann-Whitney p-value for
each phase. Output goes to the summary CSV and LaTeX files named in the
batch file.

Exit codes: 0 all units compared, 1 some units failed, 2 error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.apply(a, cmd.Flags()); err != nil {
				return err
			}
			res, err := a.runBatch(cmd.Context(), false)
			if res == nil {
				return err
			}

			summary := report.NewSummary(res.Rows, res.Phases)
			if !flags.quiet {
				report.ConsoleSummary(a.printer, summary)
			}
			if werr := a.writeSummary(summary); werr != nil {
				return werr
			}
			return a.finishBatch(res, err)
		},
	}
	flags.register(cmd.Flags(), phase.PolicyTrimmedTwoPhase)
	return cmd
}

// =============================================================================
// SHARED
// =============================================================================

// runBatch runs compare.Run with the loaded configuration. With perPhase
// set, rows are appended to per-phase tables as each unit finishes.
func (a *app) runBatch(ctx context.Context, perPhase bool) (res *compare.Result, err error) {
	cfg := a.cfg
	units, err := cfg.Units()
	if err != nil {
		return nil, err
	}
	policy, err := cfg.PhasePolicy()
	if err != nil {
		return nil, err
	}

	telCfg := cfg.Telemetry
	if telCfg.Output == nil {
		telCfg.Output = a.stderr
	}
	prov, err := telemetry.New(ctx, telCfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if path := cfg.ResolveOutput(cfg.Output.MetricsTextfile); path != "" {
			if werr := prov.WriteTextfile(path); werr != nil {
				a.logger.Warn("metrics textfile not written", "path", path, "error", werr)
			}
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := prov.Shutdown(shutdownCtx); serr != nil {
			a.logger.Warn("telemetry shutdown", "error", serr)
		}
	}()

	logger := a.logger.Slog()
	bc := compare.Config{
		Units:       units,
		Policy:      policy,
		Bootstrap:   cfg.BootstrapOptions(),
		Seed:        cfg.Bootstrap.Seed,
		Concurrency: cfg.Concurrency,
		Loader:      compare.FileLoader{Options: cfg.TraceOptions()},
		Logger:      logger,
		Sink:        prov,
	}
	if perPhase {
		bc.Renderer = &report.PhaseTables{
			Dir:    cfg.Output.Dir,
			Phases: policy.PhaseNames(),
			Logger: logger,
			Sink:   prov,
		}
	}
	return compare.Run(ctx, bc)
}

func (a *app) writeSummary(s *report.Summary) error {
	cfg := a.cfg
	if path := cfg.ResolveOutput(cfg.Output.Summary); path != "" {
		if err := s.WriteCSVFile(path); err != nil {
			return err
		}
		a.printer.FileStatus(path, ux.IconSuccess, fmt.Sprintf("%d rows", len(s.Records)))
	}
	if path := cfg.ResolveOutput(cfg.Output.LaTeX); path != "" {
		opts := report.LaTeXOptions{Caption: cfg.Output.Caption, Label: cfg.Output.Label}
		if err := s.WriteLaTeXFile(path, opts); err != nil {
			return err
		}
		a.printer.FileStatus(path, ux.IconSuccess, "latex")
	}
	return nil
}

// finishBatch reports failures and maps the outcome to an exit code.
func (a *app) finishBatch(res *compare.Result, runErr error) error {
	for _, f := range res.Failures {
		a.printer.Warning(f.Error())
	}
	a.printer.Summary(res.Completed, len(res.Failures), res.Units)

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			return fmt.Errorf("batch %s interrupted: %w", res.BatchID, runErr)
		}
		return runErr
	}
	if len(res.Failures) > 0 {
		return findings("%d of %d units failed", len(res.Failures), res.Units)
	}
	return nil
}
