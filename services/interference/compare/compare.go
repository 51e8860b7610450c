// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package compare runs batches of interference comparisons.
//
// Each Unit moves through four stages: its traces are loaded, segmented
// into phases, estimated phase by phase, and handed to a Renderer. A unit
// that fails at any stage is recorded in Result.Failures and the batch
// moves on.
//
// Each unit draws from its own random source derived from the batch seed
// and the unit's index, so a batch gives the same numbers whether it runs
// sequentially or in parallel.
package compare

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/noiseeval/services/interference/phase"
	"github.com/AleutianAI/noiseeval/services/interference/stats"
	"github.com/AleutianAI/noiseeval/services/interference/telemetry"
	"github.com/AleutianAI/noiseeval/services/interference/trace"
)

// ErrNoUnits is returned when a batch has nothing to compare.
var ErrNoUnits = errors.New("no comparison units")

// -----------------------------------------------------------------------------
// Stages
// -----------------------------------------------------------------------------

// Stage is how far a unit got through the pipeline.
type Stage int

const (
	StagePending Stage = iota
	StageLoaded
	StageSegmented
	StageEstimated
	StageRendered
)

func (s Stage) String() string {
	switch s {
	case StagePending:
		return "pending"
	case StageLoaded:
		return "loaded"
	case StageSegmented:
		return "segmented"
	case StageEstimated:
		return "estimated"
	case StageRendered:
		return "rendered"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Collaborators
// -----------------------------------------------------------------------------

// Loader reads a trace by path.
type Loader interface {
	Load(ctx context.Context, path string) (*trace.Trace, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, path string) (*trace.Trace, error)

// Load implements Loader.
func (f LoaderFunc) Load(ctx context.Context, path string) (*trace.Trace, error) {
	return f(ctx, path)
}

// FileLoader loads CSV traces from disk.
type FileLoader struct {
	Options trace.Options
}

// Load implements Loader.
func (l FileLoader) Load(_ context.Context, path string) (*trace.Trace, error) {
	return trace.Load(path, l.Options)
}

// Renderer receives each unit's rows, in unit order.
type Renderer interface {
	Render(ctx context.Context, rows []Row) error
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, rows []Row) error

// Render implements Renderer.
func (f RendererFunc) Render(ctx context.Context, rows []Row) error {
	return f(ctx, rows)
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config is everything one batch needs.
type Config struct {
	// Units are compared in order.
	Units []Unit

	// Policy segments every trace. Zero value means the three-phase policy
	// with default bounds.
	Policy phase.Policy

	// Bootstrap sets the level and replicate count. Its Rand is ignored;
	// each unit gets a source derived from Seed.
	Bootstrap stats.BootstrapOptions

	// Seed drives all resampling in the batch.
	Seed uint64

	// Concurrency bounds how many units run at once. Values below 2 run
	// the batch sequentially.
	Concurrency int

	// Loader defaults to FileLoader with default columns.
	Loader Loader

	// Renderer is optional.
	Renderer Renderer

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Sink defaults to telemetry.Nop().
	Sink telemetry.Sink
}

func (c Config) withDefaults() Config {
	if len(c.Policy.Phases) == 0 {
		c.Policy = phase.ThreePhase(phase.DefaultBounds())
	}
	if c.Loader == nil {
		c.Loader = FileLoader{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Sink == nil {
		c.Sink = telemetry.Nop()
	}
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	return c
}

// -----------------------------------------------------------------------------
// Results
// -----------------------------------------------------------------------------

// Failure records a unit that did not complete.
type Failure struct {
	Index int
	Unit  Unit

	// Stage is the last stage the unit completed.
	Stage Stage
	Err   error
}

func (f Failure) Error() string {
	return fmt.Sprintf("unit %d (%s %s): %s: %v", f.Index, f.Unit.Label(), f.Unit.Endpoint, f.Stage, f.Err)
}

// Result is the outcome of a batch.
type Result struct {
	// BatchID identifies the run in logs and spans.
	BatchID string

	// Rows are ordered by unit, then by policy phase.
	Rows []Row

	Failures []Failure

	// Phases lists the policy's phase names in order.
	Phases []string

	Units     int
	Completed int
}

// RowsForPhase returns the rows of one phase in unit order.
func (r *Result) RowsForPhase(name string) []Row {
	var out []Row
	for _, row := range r.Rows {
		if row.Phase == name {
			out = append(out, row)
		}
	}
	return out
}

type unitOutcome struct {
	rows  []Row
	stage Stage
	err   error
}

// -----------------------------------------------------------------------------
// Run
// -----------------------------------------------------------------------------

// Run executes a batch.
//
// Description:
//
//	Units are processed up to cfg.Concurrency at a time. Rows are
//	assembled by unit index and passed to the Renderer one unit at a
//	time in unit order. A unit failure never stops the batch.
//	Cancelling ctx stops new units from starting; units not started are
//	recorded as failures with ctx's error.
//
// Inputs:
//   - ctx: Cancellation for the batch.
//   - cfg: Units, policy, bootstrap settings and collaborators.
//
// Outputs:
//   - *Result: Rows and failures. Non-nil whenever error is nil or a
//     context error.
//   - error: ErrNoUnits, an invalid policy or bootstrap setting, or
//     ctx.Err() if the batch was cancelled.
//
// Thread Safety: Run may be called concurrently with distinct configs.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	cfg = cfg.withDefaults()
	if len(cfg.Units) == 0 {
		return nil, ErrNoUnits
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("phase policy: %w", err)
	}
	if err := cfg.Bootstrap.Validate(); err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	res := &Result{
		BatchID: uuid.NewString(),
		Phases:  cfg.Policy.PhaseNames(),
		Units:   len(cfg.Units),
	}
	logger := cfg.Logger.With("batch_id", res.BatchID)

	ctx, span := cfg.Sink.StartSpan(ctx, "compare.batch",
		attribute.String("batch_id", res.BatchID),
		attribute.String("policy", cfg.Policy.Name),
		attribute.Int("units", len(cfg.Units)),
	)
	defer span.End()

	logger.Info("batch started",
		"units", len(cfg.Units),
		"policy", cfg.Policy.Name,
		"concurrency", cfg.Concurrency,
		"seed", cfg.Seed,
	)
	start := time.Now()

	outcomes := make([]unitOutcome, len(cfg.Units))
	var g errgroup.Group
	g.SetLimit(cfg.Concurrency)

	for i := range cfg.Units {
		if ctx.Err() != nil {
			outcomes[i] = unitOutcome{stage: StagePending, err: ctx.Err()}
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				outcomes[i] = unitOutcome{stage: StagePending, err: err}
				return nil
			}
			outcomes[i] = processUnit(ctx, cfg, logger, i)
			return nil
		})
	}
	_ = g.Wait()

	for i, out := range outcomes {
		u := cfg.Units[i]
		if out.err == nil {
			if err := render(ctx, cfg, out.rows); err != nil {
				out.err = fmt.Errorf("render: %w", err)
			} else {
				out.stage = StageRendered
			}
		}

		if out.err != nil {
			f := Failure{Index: i, Unit: u, Stage: out.stage, Err: out.err}
			res.Failures = append(res.Failures, f)
			cfg.Sink.RecordUnit(ctx, telemetry.StatusFailed)
			logger.Warn("unit failed",
				"unit", u.Label(),
				"endpoint", u.Endpoint,
				"stage", out.stage.String(),
				"error", out.err,
			)
			continue
		}

		res.Rows = append(res.Rows, out.rows...)
		res.Completed++
		cfg.Sink.RecordUnit(ctx, telemetry.StatusOK)
	}

	if len(res.Failures) > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d units failed", len(res.Failures)))
	}
	logger.Info("batch finished",
		"completed", res.Completed,
		"failed", len(res.Failures),
		"rows", len(res.Rows),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

func render(ctx context.Context, cfg Config, rows []Row) error {
	if cfg.Renderer == nil {
		return nil
	}
	return cfg.Renderer.Render(ctx, rows)
}

// processUnit takes one unit from pending to estimated.
func processUnit(ctx context.Context, cfg Config, logger *slog.Logger, idx int) unitOutcome {
	u := cfg.Units[idx]
	ctx, span := cfg.Sink.StartSpan(ctx, "compare.unit",
		attribute.Int("index", idx),
		attribute.String("group", u.Group),
		attribute.String("run", u.RunID),
		attribute.String("endpoint", u.Endpoint),
	)
	defer span.End()

	fail := func(stage Stage, err error) unitOutcome {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return unitOutcome{stage: stage, err: err}
	}

	if u.RunID != "" {
		n, err := ParseThreads(u.RunID)
		if err != nil {
			return fail(StagePending, err)
		}
		u.Threads = n
	}

	exp, err := loadPair(ctx, cfg.Loader, u.Experiment)
	if err != nil {
		return fail(StagePending, fmt.Errorf("experiment: %w", err))
	}
	var base [2]*trace.Trace
	if u.Baseline != nil {
		base, err = loadPair(ctx, cfg.Loader, *u.Baseline)
		if err != nil {
			return fail(StagePending, fmt.Errorf("baseline: %w", err))
		}
	}
	for _, tr := range append(exp[:], base[:]...) {
		if tr != nil && tr.Dropped > 0 {
			logger.Debug("rows with missing values dropped", "path", tr.Path, "dropped", tr.Dropped)
		}
	}

	expV1, expV2 := cfg.Policy.Split(exp[0]), cfg.Policy.Split(exp[1])
	var baseV1, baseV2 []phase.Slice
	if u.Baseline != nil {
		baseV1, baseV2 = cfg.Policy.Split(base[0]), cfg.Policy.Split(base[1])
	}

	opts := cfg.Bootstrap
	opts.Rand = stats.DeriveRand(cfg.Seed, uint64(idx))

	rows := make([]Row, 0, len(cfg.Policy.Phases))
	for p, def := range cfg.Policy.Phases {
		row := Row{
			Unit:     idx,
			Label:    u.Label(),
			Group:    u.Group,
			Threads:  u.Threads,
			Endpoint: u.Endpoint,
			Phase:    def.Name,
		}
		row.Experiment = estimate(ctx, cfg, logger, u, def.Name, "experiment", expV1[p], expV2[p], opts)
		if u.Baseline != nil {
			b := estimate(ctx, cfg, logger, u, def.Name, "baseline", baseV1[p], baseV2[p], opts)
			row.Baseline = &b
		}
		rows = append(rows, row)
	}

	return unitOutcome{rows: rows, stage: StageEstimated}
}

func estimate(ctx context.Context, cfg Config, logger *slog.Logger, u Unit, phaseName, side string, s1, s2 phase.Slice, opts stats.BootstrapOptions) Estimate {
	start := time.Now()
	e, err := EstimatePair(s1.Durations(), s2.Durations(), opts)
	cfg.Sink.RecordBootstrap(ctx, phaseName, time.Since(start), e.CI.Excluded)

	if err != nil {
		logger.Debug("rank test skipped",
			"unit", u.Label(),
			"endpoint", u.Endpoint,
			"phase", phaseName,
			"side", side,
			"error", err,
		)
	}
	if e.CI.Excluded > 0 {
		logger.Debug("bootstrap replicates excluded",
			"unit", u.Label(),
			"phase", phaseName,
			"side", side,
			"excluded", e.CI.Excluded,
		)
	}
	return e
}

func loadPair(ctx context.Context, l Loader, p Pair) ([2]*trace.Trace, error) {
	var out [2]*trace.Trace
	for i, path := range []string{p.V1, p.V2} {
		tr, err := l.Load(ctx, path)
		if err != nil {
			return out, err
		}
		out[i] = tr
	}
	return out, nil
}
