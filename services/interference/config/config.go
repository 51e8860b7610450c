// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads batch configuration files.
//
// A batch file is YAML. Fields left out keep the values from Default, so a
// minimal file only names its inputs:
//
//	input:
//	  layout:
//	    root: ./data
//	    group: core_isolation
//	    baseline_group: baseline
//	    runs: [f_run_0t, f_run_3t]
//	    endpoints: [bookings, seats]
//	output:
//	  dir: ./results/core_isolation
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/noiseeval/services/interference/aggregate"
	"github.com/AleutianAI/noiseeval/services/interference/compare"
	"github.com/AleutianAI/noiseeval/services/interference/phase"
	"github.com/AleutianAI/noiseeval/services/interference/report"
	"github.com/AleutianAI/noiseeval/services/interference/stats"
	"github.com/AleutianAI/noiseeval/services/interference/telemetry"
	"github.com/AleutianAI/noiseeval/services/interference/timeline"
	"github.com/AleutianAI/noiseeval/services/interference/trace"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// DefaultFileName is the batch file looked up when --config is not given.
const DefaultFileName = "noiseeval.yaml"

var validate = validator.New()

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Config is one batch file.
type Config struct {
	// Policy is "three_phase" or "trimmed_two_phase".
	Policy string `yaml:"policy" validate:"omitempty,oneof=three_phase trimmed_two_phase"`

	Bounds phase.Bounds `yaml:"bounds"`

	// Trim applies to the trimmed_two_phase policy.
	Trim phase.Trim `yaml:"trim"`

	Bootstrap BootstrapConfig `yaml:"bootstrap"`

	// Concurrency bounds parallel units. 0 and 1 run sequentially.
	Concurrency int `yaml:"concurrency" validate:"gte=0,lte=256"`

	Input     InputConfig      `yaml:"input"`
	Output    OutputConfig     `yaml:"output"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Aggregate aggregate.Config `yaml:"aggregate"`
	Timeline  timeline.Config  `yaml:"timeline"`
}

// BootstrapConfig holds resampling settings.
type BootstrapConfig struct {
	Level      float64 `yaml:"level" validate:"gt=0,lt=1"`
	Replicates int     `yaml:"replicates" validate:"gte=2000"`
	Seed       uint64  `yaml:"seed"`
}

// InputConfig says where traces come from. Layout and Units may be
// combined; layout units come first.
type InputConfig struct {
	Layout *compare.Layout `yaml:"layout,omitempty"`
	Units  []UnitConfig    `yaml:"units,omitempty" validate:"dive"`

	TimeColumn     string `yaml:"time_column"`
	DurationColumn string `yaml:"duration_column"`
}

// UnitConfig is an explicitly listed comparison unit.
type UnitConfig struct {
	Group string `yaml:"group" validate:"required"`

	// Run is parsed for the thread count when Threads is zero.
	Run     string `yaml:"run"`
	Threads int    `yaml:"threads" validate:"gte=0"`

	Endpoint   string        `yaml:"endpoint" validate:"required"`
	Experiment compare.Pair  `yaml:"experiment"`
	Baseline   *compare.Pair `yaml:"baseline,omitempty"`
}

// OutputConfig names the report artifacts.
type OutputConfig struct {
	// Dir receives per-phase tables and, by default, everything else.
	Dir string `yaml:"dir" validate:"required"`

	// Summary and LaTeX are file names relative to Dir unless absolute.
	// Empty disables the artifact.
	Summary string `yaml:"summary"`
	LaTeX   string `yaml:"latex"`

	Caption string `yaml:"caption"`
	Label   string `yaml:"label"`

	// MetricsTextfile, when set, receives the batch metrics in Prometheus
	// text format.
	MetricsTextfile string `yaml:"metrics_textfile"`
}

// -----------------------------------------------------------------------------
// Defaults
// -----------------------------------------------------------------------------

// Default returns the standard experiment settings: three phases split at
// 200s and 500s, a 99% interval from 10000 replicates, and sequential
// execution.
func Default() Config {
	return Config{
		Policy: phase.PolicyThreePhase,
		Bounds: phase.DefaultBounds(),
		Trim:   phase.Trim{Warmup: 60, Cooldown: 150},
		Bootstrap: BootstrapConfig{
			Level:      stats.DefaultConfidenceLevel,
			Replicates: stats.DefaultReplicates,
			Seed:       stats.DefaultSeed,
		},
		Concurrency: 1,
		Input: InputConfig{
			TimeColumn:     trace.DefaultTimeColumn,
			DurationColumn: trace.DefaultDurationColumn,
		},
		Output: OutputConfig{
			Dir:     "results",
			Summary: "rel_table.csv",
			LaTeX:   "rel_table.tex",
			Caption: report.DefaultCaption,
			Label:   report.DefaultLabel,
		},
		Telemetry: telemetry.DefaultConfig(),
		Aggregate: aggregate.DefaultConfig(),
		Timeline:  timeline.DefaultConfig(),
	}
}

// -----------------------------------------------------------------------------
// Loading
// -----------------------------------------------------------------------------

// Load reads a YAML batch file over Default and validates the result.
//
// Description:
//
//	Keys present in the file replace the defaults; lists replace rather
//	than extend. Unknown keys are rejected so typos surface early.
//
// Outputs:
//
//	*Config - The merged configuration.
//	error - Wraps os.ErrNotExist for a missing file and ErrInvalid for a
//	        configuration that fails validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := decodeStrict(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeStrict(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// Save writes cfg as YAML, creating parent directories.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// WriteDefault writes Default to path unless a file already exists there.
// It reports whether a file was created.
func WriteDefault(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("stat config: %w", err)
	}
	if err := Save(path, Default()); err != nil {
		return false, err
	}
	return true, nil
}

// -----------------------------------------------------------------------------
// Validation
// -----------------------------------------------------------------------------

// Validate runs struct tag validation and the cross-field checks the tags
// cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := c.Bounds.Validate(); err != nil {
		return fmt.Errorf("%w: bounds: %w", ErrInvalid, err)
	}
	if math.IsNaN(c.Bootstrap.Level) {
		return fmt.Errorf("%w: bootstrap level is NaN", ErrInvalid)
	}
	if c.Trim.Warmup < 0 || c.Trim.Cooldown < 0 {
		return fmt.Errorf("%w: trim must be non-negative", ErrInvalid)
	}
	for i, u := range c.Input.Units {
		if u.Experiment.V1 == "" || u.Experiment.V2 == "" {
			return fmt.Errorf("%w: units[%d]: experiment needs v1 and v2", ErrInvalid, i)
		}
		if u.Baseline != nil && (u.Baseline.V1 == "" || u.Baseline.V2 == "") {
			return fmt.Errorf("%w: units[%d]: baseline needs v1 and v2", ErrInvalid, i)
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Accessors
// -----------------------------------------------------------------------------

// PhasePolicy builds the configured segmentation policy.
func (c *Config) PhasePolicy() (phase.Policy, error) {
	return phase.ByName(c.Policy, c.Bounds, c.Trim)
}

// BootstrapOptions returns the resampling options without a random source;
// compare.Run derives one per unit from Bootstrap.Seed.
func (c *Config) BootstrapOptions() stats.BootstrapOptions {
	return stats.BootstrapOptions{Level: c.Bootstrap.Level, Replicates: c.Bootstrap.Replicates}
}

// TraceOptions returns the column names used to read traces.
func (c *Config) TraceOptions() trace.Options {
	return trace.Options{TimeColumn: c.Input.TimeColumn, DurationColumn: c.Input.DurationColumn}
}

// TimelineConfig returns the timeline settings with the batch's noise
// bounds.
func (c *Config) TimelineConfig() timeline.Config {
	t := c.Timeline
	t.Bounds = c.Bounds
	return t
}

// Units expands the layout and appends the explicit units.
func (c *Config) Units() ([]compare.Unit, error) {
	var units []compare.Unit
	if c.Input.Layout != nil {
		lu, err := c.Input.Layout.Units()
		if err != nil {
			return nil, err
		}
		units = append(units, lu...)
	}
	for _, u := range c.Input.Units {
		unit := compare.Unit{
			Group:      u.Group,
			Threads:    u.Threads,
			Endpoint:   u.Endpoint,
			Experiment: u.Experiment,
			Baseline:   u.Baseline,
		}
		if u.Threads == 0 {
			unit.RunID = u.Run
		}
		units = append(units, unit)
	}
	return units, nil
}

// ResolveOutput returns name inside the output directory, or name itself
// when absolute. Empty stays empty.
func (c *Config) ResolveOutput(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Output.Dir, name)
}
