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
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/codegate/pkg/contract"
)

func (a *app) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <contract>",
		Short: "Parse and validate a contract without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := contract.Parse(args[0])
			if err != nil {
				return abort(err)
			}

			p := a.printer(a.stdout)
			for _, name := range c.UnknownRules() {
				p.Warning(fmt.Sprintf("Unknown rule '%s' will fail at run time", name))
			}
			enabled := make([]string, 0, c.Rules.Len())
			for _, e := range c.Rules.Enabled() {
				enabled = append(enabled, e.Name)
			}
			p.Success(fmt.Sprintf("Contract is valid: %d rule(s), %d enabled", c.Rules.Len(), len(enabled)))
			if len(enabled) > 0 {
				p.Info("Enabled: " + strings.Join(enabled, ", "))
			}
			return nil
		},
	}
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the codegate version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.stdout, "CodeGate version %s\n", Version)
		},
	}
}
