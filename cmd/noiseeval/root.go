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
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/noiseeval/pkg/logging"
	"github.com/AleutianAI/noiseeval/pkg/ux"
	"github.com/AleutianAI/noiseeval/services/interference/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// skipConfig marks commands that run without a batch file.
const skipConfig = "skip-config"

// =============================================================================
// APPLICATION STATE
// =============================================================================

// globalFlags are the persistent root flags.
type globalFlags struct {
	configPath  string
	logLevel    string
	logDir      string
	logJSON     bool
	personality string
}

// app is shared by all subcommands of one invocation.
type app struct {
	stdout io.Writer
	stderr io.Writer
	flags  globalFlags

	cfg     *config.Config
	logger  *logging.Logger
	printer *ux.Printer
}

// setup loads the batch file and builds the logger and printer.
func (a *app) setup(cmd *cobra.Command) error {
	level, err := logging.ParseLevel(a.flags.logLevel)
	if err != nil {
		return err
	}
	a.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  a.flags.logDir,
		Service: "noiseeval",
		JSON:    a.flags.logJSON,
		Output:  a.stderr,
	})

	a.printer = ux.NewPrinter(a.stdout, a.personality())

	if cmd.Annotations[skipConfig] == "true" {
		return nil
	}
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

func (a *app) personality() ux.PersonalityLevel {
	if a.flags.personality != "" {
		return ux.ParsePersonalityLevel(a.flags.personality)
	}
	if f, ok := a.stdout.(*os.File); ok {
		return ux.DetectPersonality(f)
	}
	return ux.PersonalityMinimal
}

// loadConfig reads --config, or noiseeval.yaml in the working directory
// when present, or falls back to the defaults.
func (a *app) loadConfig() (*config.Config, error) {
	path := a.flags.configPath
	if path == "" {
		if _, err := os.Stat(config.DefaultFileName); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				cfg := config.Default()
				return &cfg, nil
			}
			return nil, fmt.Errorf("stat %s: %w", config.DefaultFileName, err)
		}
		path = config.DefaultFileName
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("config loaded", "path", path)
	return cfg, nil
}

func (a *app) close() {
	if a.logger != nil {
		_ = a.logger.Close()
	}
}

// =============================================================================
// ROOT COMMAND
// =============================================================================

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:     "noiseeval",
		Short:   "Evaluate the effect of background interference on benchmark response times",
		Version: version,
		Long: `noiseeval compares pairs of concurrently run benchmark traces across the
phases of an interference experiment. It reports the ratio of medians with a
bootstrap confidence interval and a Mann-Whitney p-value per phase.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.flags.configPath, "config", "c", "", "batch file (default ./"+config.DefaultFileName+" if present)")
	pf.StringVar(&a.flags.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pf.StringVar(&a.flags.logDir, "log-dir", "", "also write JSON logs to this directory")
	pf.BoolVar(&a.flags.logJSON, "log-json", false, "write console logs as JSON")
	pf.StringVar(&a.flags.personality, "personality", "", "output style: full, minimal, machine (default: detect)")

	root.AddCommand(
		newInitCmd(a),
		newAggregateCmd(a),
		newCompareCmd(a),
		newTableCmd(a),
		newTimelineCmd(a),
	)
	return root
}

// run executes the CLI and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr}
	defer a.close()

	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return exitCode(err)
}
