// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/noiseeval/pkg/validation"
)

// DefaultInputPattern is the raw log file name inside a run directory.
// {replica} is replaced by the replica name.
const DefaultInputPattern = "client_results_{replica}.csv"

// Job aggregates one raw log into one output directory.
type Job struct {
	Input     string
	OutputDir string
}

// JobFailure records a job that did not produce output.
type JobFailure struct {
	Job Job
	Err error
}

func (f JobFailure) Error() string {
	return fmt.Sprintf("%s: %v", f.Job.Input, f.Err)
}

func (f JobFailure) Unwrap() error {
	return f.Err
}

// Plan builds one job per run and replica.
//
// Description:
//
//	For run r and replica p the input is root/group/r/<pattern with
//	{replica}=p> and the output is root/group/r/p, which is where the
//	default compare.Layout looks for endpoint traces.
//
// Inputs:
//
//	root - Experiment root directory.
//	group - Experiment group, for example "baseline".
//	runs - Run identifiers such as "f_run_3t".
//	replicas - Replica names such as "3000" and "3001".
//	pattern - Raw log file name; DefaultInputPattern when empty.
//
// Outputs:
//
//	[]Job - Runs outer, replicas inner.
//	error - Non-nil if a name is not a valid path component.
func Plan(root, group string, runs, replicas []string, pattern string) ([]Job, error) {
	if pattern == "" {
		pattern = DefaultInputPattern
	}
	if err := validation.ValidateName(group); err != nil {
		return nil, fmt.Errorf("group: %w", err)
	}
	if err := validation.ValidateNames(runs); err != nil {
		return nil, fmt.Errorf("runs: %w", err)
	}
	if err := validation.ValidateNames(replicas); err != nil {
		return nil, fmt.Errorf("replicas: %w", err)
	}

	jobs := make([]Job, 0, len(runs)*len(replicas))
	for _, run := range runs {
		dir := filepath.Join(root, group, run)
		for _, rep := range replicas {
			jobs = append(jobs, Job{
				Input:     filepath.Join(dir, strings.ReplaceAll(pattern, "{replica}", rep)),
				OutputDir: filepath.Join(dir, rep),
			})
		}
	}
	return jobs, nil
}

// Runner executes aggregation jobs.
type Runner struct {
	Config Config

	// Concurrency bounds parallel jobs. Values below 1 mean sequential.
	Concurrency int

	Logger *slog.Logger
}

// Report is the outcome of Runner.Run.
type Report struct {
	// Results is in job order; failed jobs have a nil entry.
	Results  []*Result
	Failures []JobFailure
}

// Run executes jobs. A failing job is recorded in Report.Failures and does
// not stop the others. The returned error is non-nil only when ctx is
// cancelled; jobs not started by then are recorded as failures.
func (r *Runner) Run(ctx context.Context, jobs []Job) (*Report, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := r.Concurrency
	if limit < 1 {
		limit = 1
	}

	results := make([]*Result, len(jobs))
	errs := make([]error, len(jobs))

	g := new(errgroup.Group)
	g.SetLimit(limit)
	for i, job := range jobs {
		if err := ctx.Err(); err != nil {
			errs[i] = err
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			res, err := File(job.Input, job.OutputDir, r.Config)
			if err != nil {
				errs[i] = err
				logger.Warn("aggregation failed", "input", job.Input, "error", err)
				return nil
			}
			results[i] = res
			logResult(logger, res)
			return nil
		})
	}
	_ = g.Wait()

	rep := &Report{Results: results}
	for i, err := range errs {
		if err != nil {
			rep.Failures = append(rep.Failures, JobFailure{Job: jobs[i], Err: err})
		}
	}
	return rep, ctx.Err()
}
