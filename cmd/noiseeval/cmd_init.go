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
	"github.com/spf13/cobra"

	"github.com/AleutianAI/noiseeval/pkg/ux"
	"github.com/AleutianAI/noiseeval/services/interference/config"
)

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:         "init [path]",
		Short:       "Write a batch file with default settings",
		Args:        cobra.MaximumNArgs(1),
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.DefaultFileName
			if len(args) == 1 {
				path = args[0]
			}
			created, err := config.WriteDefault(path)
			if err != nil {
				return err
			}
			if created {
				a.printer.FileStatus(path, ux.IconSuccess, "created")
			} else {
				a.printer.FileStatus(path, ux.IconWarning, "exists, left unchanged")
			}
			return nil
		},
	}
}
