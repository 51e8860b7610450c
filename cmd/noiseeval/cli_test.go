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
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// HARNESS
// =============================================================================

type cliResult struct {
	code   int
	stdout string
	stderr string
}

func runCLI(t *testing.T, args ...string) cliResult {
	t.Helper()
	var out, errOut bytes.Buffer
	args = append([]string{"--personality", "machine", "--log-level", "warn"}, args...)
	code := run(context.Background(), args, &out, &errOut)
	return cliResult{code: code, stdout: out.String(), stderr: errOut.String()}
}

// writeTrace writes 700 one-second samples. Inside [200, 500] the
// durations are multiplied by factor.
func writeTrace(t *testing.T, path string, factor float64) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	var b strings.Builder
	b.WriteString("elapsed_time,http_req_duration\n")
	for i := 0; i < 700; i++ {
		d := 10 + float64(i%7)
		if i >= 200 && i <= 500 {
			d *= factor
		}
		fmt.Fprintf(&b, "%d,%g\n", i, d)
	}
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
}

// writeBatch lays out one complete unit and one unit with a missing trace
// and returns the batch file path.
func writeBatch(t *testing.T, dir string, withBroken bool) string {
	t.Helper()
	exp1 := filepath.Join(dir, "core_isolation", "f_run_3t", "3000", "bookings.csv")
	exp2 := filepath.Join(dir, "core_isolation", "f_run_3t", "3001", "bookings.csv")
	base1 := filepath.Join(dir, "baseline", "f_run_3t", "3000", "bookings.csv")
	base2 := filepath.Join(dir, "baseline", "f_run_3t", "3001", "bookings.csv")
	writeTrace(t, exp1, 1)
	writeTrace(t, exp2, 2)
	writeTrace(t, base1, 1)
	writeTrace(t, base2, 1)

	var b strings.Builder
	fmt.Fprintf(&b, "bootstrap:\n  replicates: 2000\n  seed: 11\n")
	fmt.Fprintf(&b, "output:\n  dir: %q\n  metrics_textfile: metrics.prom\n", filepath.Join(dir, "out"))
	fmt.Fprintf(&b, "input:\n  units:\n")
	fmt.Fprintf(&b, "    - group: core_isolation\n      run: f_run_3t\n      endpoint: bookings\n")
	fmt.Fprintf(&b, "      experiment: {v1: %q, v2: %q}\n", exp1, exp2)
	fmt.Fprintf(&b, "      baseline: {v1: %q, v2: %q}\n", base1, base2)
	if withBroken {
		fmt.Fprintf(&b, "    - group: core_isolation\n      run: f_run_6t\n      endpoint: seats\n")
		fmt.Fprintf(&b, "      experiment: {v1: %q, v2: %q}\n", filepath.Join(dir, "missing1.csv"), filepath.Join(dir, "missing2.csv"))
	}

	path := filepath.Join(dir, "batch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

// =============================================================================
// EXIT CODES
// =============================================================================

func TestExitCodes(t *testing.T) {
	assert.Equal(t, 0, CLIExitSuccess)
	assert.Equal(t, 1, CLIExitFindings)
	assert.Equal(t, 2, CLIExitError)

	assert.Equal(t, CLIExitSuccess, exitCode(nil))
	assert.Equal(t, CLIExitError, exitCode(errors.New("boom")))
	assert.Equal(t, CLIExitFindings, exitCode(findings("%d failed", 1)))
	assert.Equal(t, CLIExitFindings, exitCode(fmt.Errorf("wrapped: %w", findings("x"))))
}

func TestRun_UnknownCommand(t *testing.T) {
	res := runCLI(t, "frobnicate")
	assert.Equal(t, CLIExitError, res.code)
	assert.Contains(t, res.stderr, "Error:")
}

func TestRun_BadLogLevel(t *testing.T) {
	var out, errOut bytes.Buffer
	code := run(context.Background(), []string{"--log-level", "loud", "init", filepath.Join(t.TempDir(), "x.yaml")}, &out, &errOut)
	assert.Equal(t, CLIExitError, code)
}

// =============================================================================
// INIT
// =============================================================================

func TestInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "noiseeval.yaml")

	res := runCLI(t, "init", path)
	require.Equal(t, CLIExitSuccess, res.code, res.stderr)
	assert.FileExists(t, path)
	assert.Contains(t, res.stdout, path)

	res = runCLI(t, "init", path)
	assert.Equal(t, CLIExitSuccess, res.code)
	assert.Contains(t, res.stdout, "exists")

	res = runCLI(t, "--config", path, "compare")
	assert.Equal(t, CLIExitError, res.code, "default batch file has no units")
	assert.Contains(t, res.stderr, "no comparison units")
}

func TestConfig_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bootstrap: {level: 2}\n"), 0o644))

	res := runCLI(t, "--config", path, "compare")
	assert.Equal(t, CLIExitError, res.code)
	assert.Contains(t, res.stderr, "invalid configuration")
}

// =============================================================================
// COMPARE / TABLE
// =============================================================================

func TestCompare_WritesPhaseTables(t *testing.T) {
	dir := t.TempDir()
	cfg := writeBatch(t, dir, false)

	res := runCLI(t, "--config", cfg, "compare")
	require.Equal(t, CLIExitSuccess, res.code, res.stderr)

	out := filepath.Join(dir, "out")
	for _, ph := range []string{"pre_noise", "noise", "post_noise"} {
		data, err := os.ReadFile(filepath.Join(out, ph+".csv"))
		require.NoError(t, err, ph)
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		require.Len(t, lines, 2, ph)
		assert.True(t, strings.HasPrefix(lines[1], "core_isolation 3t,bookings,"), lines[1])
	}

	noise, err := os.ReadFile(filepath.Join(out, "noise.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(noise), ",2,", "experiment ratio of 2 in the noise phase")

	assert.Contains(t, res.stdout, "SUMMARY: completed=1 failed=0 total=1")

	metrics, err := os.ReadFile(filepath.Join(out, "metrics.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "noiseeval_units")
}

func TestCompare_AppendsAcrossRuns(t *testing.T) {
	dir := t.TempDir()
	cfg := writeBatch(t, dir, false)

	require.Equal(t, CLIExitSuccess, runCLI(t, "--config", cfg, "compare", "-q").code)
	require.Equal(t, CLIExitSuccess, runCLI(t, "--config", cfg, "compare", "-q").code)

	data, err := os.ReadFile(filepath.Join(dir, "out", "noise.csv"))
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 3)
}

func TestCompare_PartialFailure(t *testing.T) {
	dir := t.TempDir()
	cfg := writeBatch(t, dir, true)

	res := runCLI(t, "--config", cfg, "compare", "--concurrency", "2")
	assert.Equal(t, CLIExitFindings, res.code)
	assert.Contains(t, res.stdout, "SUMMARY: completed=1 failed=1 total=2")
	assert.Contains(t, res.stdout, "WARN:")
	assert.Contains(t, res.stderr, "1 of 2 units failed")
}

func TestCompare_OutputDirFlag(t *testing.T) {
	dir := t.TempDir()
	cfg := writeBatch(t, dir, false)
	other := filepath.Join(dir, "elsewhere")

	res := runCLI(t, "--config", cfg, "compare", "-q", "-o", other)
	require.Equal(t, CLIExitSuccess, res.code, res.stderr)
	assert.FileExists(t, filepath.Join(other, "noise.csv"))
	assert.NoFileExists(t, filepath.Join(dir, "out", "noise.csv"))
}

func TestTable_WritesSummaryAndLaTeX(t *testing.T) {
	dir := t.TempDir()
	cfg := writeBatch(t, dir, false)

	res := runCLI(t, "--config", cfg, "table")
	require.Equal(t, CLIExitSuccess, res.code, res.stderr)

	csvData, err := os.ReadFile(filepath.Join(dir, "out", "rel_table.csv"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(csvData)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "Relative Change Noise")
	assert.Contains(t, lines[0], "P-Value Non-Noise")
	assert.Contains(t, lines[0], "RCIW Overall")

	tex, err := os.ReadFile(filepath.Join(dir, "out", "rel_table.tex"))
	require.NoError(t, err)
	assert.Contains(t, string(tex), `core\_isolation 3t`)

	assert.NoFileExists(t, filepath.Join(dir, "out", "noise.csv"), "table does not append per-phase files")
	assert.Contains(t, res.stdout, "Relative Change Noise")
}

func TestTable_InvalidOverride(t *testing.T) {
	dir := t.TempDir()
	cfg := writeBatch(t, dir, false)

	res := runCLI(t, "--config", cfg, "table", "--replicates", "10")
	assert.Equal(t, CLIExitError, res.code)
	assert.Contains(t, res.stderr, "invalid configuration")
}

// =============================================================================
// AGGREGATE
// =============================================================================

const rawLog = `metric_name,metric_value,timestamp,name
http_req_duration,12,100,${BASE}/seats/1
http_req_duration,14,100,${BASE}/seats/2
http_req_duration,16,101,${BASE}/seats/3
http_reqs,1,101,${BASE}/seats/3
`

func TestAggregate_SingleLog(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "client_results_3000.csv")
	require.NoError(t, os.WriteFile(in, []byte(rawLog), 0o644))
	out := filepath.Join(dir, "3000")

	res := runCLI(t, "aggregate", in, out)
	require.Equal(t, CLIExitSuccess, res.code, res.stderr)

	data, err := os.ReadFile(filepath.Join(out, "seats.csv"))
	require.NoError(t, err)
	assert.Equal(t, "elapsed_time,http_req_duration\n0,13\n1,16\n", string(data))
	assert.Contains(t, res.stdout, "SUMMARY: completed=1 failed=0 total=1")
}

func TestAggregate_PlannedJobs(t *testing.T) {
	root := t.TempDir()
	runDir := filepath.Join(root, "baseline", "f_run_0t")
	require.NoError(t, os.MkdirAll(runDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "client_results_3000.csv"), []byte(rawLog), 0o644))

	res := runCLI(t, "aggregate", "--root", root, "--group", "baseline", "--runs", "f_run_0t")
	assert.Equal(t, CLIExitFindings, res.code, "replica 3001 has no log")
	assert.FileExists(t, filepath.Join(runDir, "3000", "seats.csv"))
	assert.Contains(t, res.stdout, "SUMMARY: completed=1 failed=1 total=2")
}

func TestAggregate_NothingToDo(t *testing.T) {
	res := runCLI(t, "aggregate")
	assert.Equal(t, CLIExitError, res.code)
	assert.Contains(t, res.stderr, "nothing to aggregate")

	res = runCLI(t, "aggregate", "only-one-arg")
	assert.Equal(t, CLIExitError, res.code)
}

// =============================================================================
// TIMELINE
// =============================================================================

func TestTimeline(t *testing.T) {
	dir := t.TempDir()
	r1 := filepath.Join(dir, "3000", "seats.csv")
	r2 := filepath.Join(dir, "3001", "seats.csv")
	writeTrace(t, r1, 1)
	writeTrace(t, r2, 2)
	out := filepath.Join(dir, "plots")

	res := runCLI(t, "timeline", r1, r2, "-o", out, "--name", "seats", "--width", "400", "--height", "300")
	require.Equal(t, CLIExitSuccess, res.code, res.stderr)

	data, err := os.ReadFile(filepath.Join(out, "seats.csv"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "time_window,median_run1,median_run2,relative_change\n"))

	for _, name := range []string{"seats_change.png", "seats_medians.png"} {
		png, err := os.ReadFile(filepath.Join(out, name))
		require.NoError(t, err, name)
		assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")), name)
	}
}

func TestTimeline_TooFewWindows(t *testing.T) {
	dir := t.TempDir()
	r1 := filepath.Join(dir, "a.csv")
	writeTrace(t, r1, 1)
	out := filepath.Join(dir, "plots")

	res := runCLI(t, "timeline", r1, r1, "-o", out, "--window", "1000", "--warmup", "0", "--cooldown", "0")
	assert.Equal(t, CLIExitFindings, res.code)
	assert.FileExists(t, filepath.Join(out, "timeline.csv"))
	assert.NoFileExists(t, filepath.Join(out, "timeline_change.png"))
}

func TestTimeline_BadArgs(t *testing.T) {
	res := runCLI(t, "timeline", "one.csv")
	assert.Equal(t, CLIExitError, res.code)

	res = runCLI(t, "timeline", "a.csv", "b.csv", "--name", "../escape")
	assert.Equal(t, CLIExitError, res.code)

	res = runCLI(t, "timeline", filepath.Join(t.TempDir(), "a.csv"), "b.csv", "--no-png")
	assert.Equal(t, CLIExitError, res.code)
	assert.Contains(t, res.stderr, "open trace")
}
