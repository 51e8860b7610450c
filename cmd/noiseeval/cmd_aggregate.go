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

	"github.com/spf13/cobra"

	"github.com/AleutianAI/noiseeval/pkg/ux"
	"github.com/AleutianAI/noiseeval/services/interference/aggregate"
	"github.com/AleutianAI/noiseeval/services/interference/compare"
)

type aggregateFlags struct {
	root        string
	groups      []string
	runs        []string
	replicas    []string
	pattern     string
	metric      string
	clean       bool
	concurrency int
}

func newAggregateCmd(a *app) *cobra.Command {
	var flags aggregateFlags
	cmd := &cobra.Command{
		Use:   "aggregate [raw-log output-dir]",
		Short: "Turn raw request logs into one trace per endpoint",
		Long: `aggregate reads raw load-generator logs (metric_name, metric_value,
timestamp, name), keeps the rows for one metric, takes the median per endpoint
and timestamp, and writes <output-dir>/<endpoint>.csv with the columns
elapsed_time,<metric>.

With two arguments a single log is aggregated. Otherwise one job is planned
per group, run and replica: <root>/<group>/<run>/client_results_<replica>.csv
goes to <root>/<group>/<run>/<replica>/. Groups, runs and replicas default to
the batch file's input layout.

Exit codes: 0 all logs aggregated, 1 some logs failed, 2 error.`,
		Args: cobra.MatchAll(cobra.MaximumNArgs(2), func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return errors.New("need both a raw log and an output directory")
			}
			return nil
		}),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg.Aggregate
			if cmd.Flags().Changed("metric") {
				cfg.Metric = flags.metric
			}
			if cmd.Flags().Changed("clean") {
				cfg.Clean = flags.clean
			}

			jobs, err := flags.plan(a, cmd, args)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				return errors.New("nothing to aggregate: pass a raw log and output directory, or --group and --runs")
			}

			runner := &aggregate.Runner{Config: cfg, Concurrency: flags.concurrency, Logger: a.logger.Slog()}
			rep, runErr := runner.Run(cmd.Context(), jobs)

			completed := 0
			for _, res := range rep.Results {
				if res == nil {
					continue
				}
				completed++
				for _, ep := range res.Endpoints {
					a.printer.FileStatus(res.Files[ep.Name], ux.IconSuccess, fmt.Sprintf("%d points", len(ep.Points)))
				}
			}
			for _, f := range rep.Failures {
				a.printer.Warning(f.Error())
			}
			a.printer.Summary(completed, len(rep.Failures), len(jobs))

			if runErr != nil {
				return runErr
			}
			if len(rep.Failures) > 0 {
				return findings("%d of %d logs failed", len(rep.Failures), len(jobs))
			}
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&flags.root, "root", "", "experiment root directory")
	fs.StringSliceVar(&flags.groups, "group", nil, "experiment groups, for example baseline,core_isolation")
	fs.StringSliceVar(&flags.runs, "runs", nil, "run directories, for example f_run_0t,f_run_3t")
	fs.StringSliceVar(&flags.replicas, "replicas", []string{compare.DefaultReplica1, compare.DefaultReplica2}, "replica names")
	fs.StringVar(&flags.pattern, "pattern", aggregate.DefaultInputPattern, "raw log file name; {replica} is substituted")
	fs.StringVar(&flags.metric, "metric", "", "metric_name to keep (default from batch file)")
	fs.BoolVar(&flags.clean, "clean", false, "remove each output directory before writing")
	fs.IntVarP(&flags.concurrency, "concurrency", "j", 1, "logs aggregated in parallel")
	return cmd
}

// plan builds the job list from arguments, flags, or the batch file layout.
func (f *aggregateFlags) plan(a *app, cmd *cobra.Command, args []string) ([]aggregate.Job, error) {
	if len(args) == 2 {
		return []aggregate.Job{{Input: args[0], OutputDir: args[1]}}, nil
	}

	root, groups, runs, replicas := f.root, f.groups, f.runs, f.replicas
	if l := a.cfg.Input.Layout; l != nil {
		if root == "" {
			root = l.Root
		}
		if len(groups) == 0 {
			groups = []string{l.Group}
			if l.BaselineGroup != "" {
				groups = append(groups, l.BaselineGroup)
			}
		}
		if len(runs) == 0 {
			runs = l.Runs
		}
		if len(l.Replicas) > 0 && !cmd.Flags().Changed("replicas") {
			replicas = l.Replicas
		}
	}
	if len(groups) == 0 || len(runs) == 0 {
		return nil, nil
	}

	var jobs []aggregate.Job
	for _, g := range groups {
		gj, err := aggregate.Plan(root, g, runs, replicas, f.pattern)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, gj...)
	}
	return jobs, nil
}
