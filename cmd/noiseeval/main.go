// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command noiseeval compares benchmark runs recorded with and without
// background interference.
//
// Subcommands:
//
//	init       write a default batch file
//	aggregate  turn raw request logs into per-endpoint traces
//	compare    three-phase comparison, one CSV table per phase
//	table      trimmed two-phase comparison as one CSV and LaTeX table
//	timeline   windowed relative change between two runs, CSV and PNG
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
