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
	"fmt"

	"github.com/spf13/cobra"
)

func (a *app) cleanCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove cached dependency images",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := a.logger()
			defer logger.Close()

			rt := a.newRuntime(a.runtimeBinary, logger.Slog())
			images, err := rt.ListImages(cmd.Context())
			if err != nil {
				return abort(err)
			}

			p := a.printer(a.stdout)
			if len(images) == 0 {
				p.Info("No cached dependency images")
				return nil
			}

			removed := 0
			for _, image := range images {
				if dryRun {
					p.Info("Would remove " + image)
					continue
				}
				if rt.Cleanup(cmd.Context(), image) {
					removed++
					p.Success("Removed " + image)
				} else {
					p.Warning("Could not remove " + image)
				}
			}
			if !dryRun {
				p.Info(fmt.Sprintf("Removed %d of %d image(s)", removed, len(images)))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List images without removing them")
	return cmd
}
