// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation for names that end up in
// file paths.
//
// Endpoint names, phase names and run identifiers are joined into output
// and input paths. Validating them up front prevents path traversal and
// keeps generated file names portable.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// namePattern matches a portable file-name token.
// Allows: letters, digits, dot, underscore, hyphen. Max length: 64.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]{0,63}$`)

// ValidateName validates a token that is used as a file or directory name.
//
// Valid names:
//   - 1-64 characters
//   - Start with a letter or digit
//   - Contain only letters, digits, '.', '_' and '-'
//   - Are not "." or ".." components
//
// Example:
//
//	if err := validation.ValidateName(endpoint); err != nil {
//	    return fmt.Errorf("invalid endpoint: %w", err)
//	}
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if !namePattern.MatchString(name) || strings.Contains(name, "..") {
		return fmt.Errorf("invalid name %q (must be 1-64 letters, digits, dots, underscores or hyphens)", name)
	}
	return nil
}

// ValidateNames validates multiple names.
// Returns an error listing all invalid names if any fail validation.
func ValidateNames(names []string) error {
	var invalid []string
	for _, n := range names {
		if err := ValidateName(n); err != nil {
			invalid = append(invalid, n)
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid names: %q", invalid)
	}
	return nil
}

// SanitizeName turns a free-form label (for example a raw request name such
// as "${BASE}/bookings/") into a valid name.
//
// Characters outside the allowed set become '_', leading and trailing
// separators are removed. Returns an error when nothing usable remains.
func SanitizeName(raw string) (string, error) {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	name := strings.Trim(b.String(), "._-")
	for strings.Contains(name, "..") {
		name = strings.ReplaceAll(name, "..", ".")
	}
	if len(name) > 64 {
		name = name[:64]
	}
	if err := ValidateName(name); err != nil {
		return "", fmt.Errorf("sanitize %q: %w", raw, err)
	}
	return name, nil
}
