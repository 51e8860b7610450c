// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// PersonalityLevel defines the richness of CLI output.
type PersonalityLevel string

const (
	// PersonalityFull enables colors, icons, and rounded table borders.
	PersonalityFull PersonalityLevel = "full"

	// PersonalityMinimal uses icons and plain tables without color.
	PersonalityMinimal PersonalityLevel = "minimal"

	// PersonalityMachine outputs tab-separated text for scripting.
	PersonalityMachine PersonalityLevel = "machine"
)

// PersonalityEnv overrides the detected level.
const PersonalityEnv = "NOISEEVAL_PERSONALITY"

// ParsePersonalityLevel converts a string to PersonalityLevel.
// Unknown values map to PersonalityMinimal.
func ParsePersonalityLevel(s string) PersonalityLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "full", "f", "standard", "std":
		return PersonalityFull
	case "minimal", "min", "m", "plain":
		return PersonalityMinimal
	case "machine", "quiet", "q":
		return PersonalityMachine
	default:
		return PersonalityMinimal
	}
}

// DetectPersonality picks a level for output written to f.
//
// The PersonalityEnv variable wins. Otherwise a terminal gets
// PersonalityFull and anything else (a pipe, a file) PersonalityMinimal.
func DetectPersonality(f *os.File) PersonalityLevel {
	if env := os.Getenv(PersonalityEnv); env != "" {
		return ParsePersonalityLevel(env)
	}
	if f != nil && IsTerminal(f.Fd()) {
		return PersonalityFull
	}
	return PersonalityMinimal
}

// IsTerminal reports whether fd is an interactive terminal.
func IsTerminal(fd uintptr) bool {
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
