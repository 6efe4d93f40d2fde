// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/codegate/pkg/container"
	"github.com/AleutianAI/codegate/pkg/contract"
)

const (
	defaultDepsTimeout = 180 * time.Second
	vulnDescriptionMax = 200
	depsRawOutputMax   = 1000
)

// VulnerablePackage is one advisory against an installed distribution.
type VulnerablePackage struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	ID          string `json:"id"`
	Description string `json:"description"`
}

// depScanner is one vulnerability scanner invocation and its parser.
type depScanner struct {
	name    string
	command []string
	parse   func(stdout string) ([]VulnerablePackage, error)
}

var depScanners = []depScanner{
	{
		name:    "pip-audit",
		command: []string{"python", "-m", "pip_audit", "--format", "json"},
		parse:   parsePipAudit,
	},
	{
		name:    "safety",
		command: []string{"python", "-m", "safety", "check", "--json"},
		parse:   parseSafety,
	},
}

// SecurityDeps audits installed dependencies with pip-audit, falling back
// to safety. Scanners need network access for their advisory databases.
type SecurityDeps struct {
	timeout time.Duration
}

// NewSecurityDeps creates the security_deps rule.
func NewSecurityDeps(entry contract.RuleEntry) (Rule, error) {
	var cfg timeoutConfig
	if err := entry.Decode(&cfg); err != nil {
		return nil, invalidConfig(entry.Name, err)
	}
	return &SecurityDeps{timeout: seconds(cfg.Timeout, defaultDepsTimeout)}, nil
}

// Name implements Rule.
func (r *SecurityDeps) Name() string { return contract.RuleSecurityDeps }

// Execute implements Rule.
func (r *SecurityDeps) Execute(ctx context.Context, info *ArtifactInfo) Outcome {
	details := map[string]any{
		"scanner":               nil,
		"dependencies_checked":  len(info.PythonDependencies),
		"vulnerabilities_found": 0,
		"vulnerable_packages":   []VulnerablePackage{},
	}
	if out, ok := checkProject(info, details); !ok {
		return out
	}

	for _, sc := range depScanners {
		res, err := info.Runner.RunCommand(ctx, container.RunRequest{
			Image:         info.ImageRef,
			Command:       sc.command,
			ProjectPath:   info.ProjectPath,
			NetworkAccess: true,
			Timeout:       r.timeout,
		})
		if err != nil {
			return fail(details, "Dependency scan failed: %v", err)
		}
		if res.TimedOut {
			return timedOut(details, "Dependency scan", r.timeout)
		}
		if strings.Contains(res.Stderr, missingModule) {
			continue
		}

		details["scanner"] = sc.name
		vulns, err := sc.parse(res.Stdout)
		if err != nil {
			// A scanner that ran without producing a report failed.
			output := res.Stderr
			if strings.TrimSpace(output) == "" {
				output = res.Stdout
			}
			details["exit_code"] = res.ExitCode
			details["raw_output"] = tail(strings.TrimSpace(output), depsRawOutputMax)
			return fail(details, "Dependency scan failed: %s exited with code %d and no readable report", sc.name, res.ExitCode)
		}
		details["vulnerabilities_found"] = len(vulns)
		details["vulnerable_packages"] = vulns
		if len(vulns) > 0 {
			return fail(details, "Found %d vulnerable dependencies", len(vulns))
		}
		return pass(details, "No vulnerable dependencies found")
	}

	details["warning"] = "No dependency scanner (pip-audit, safety) available"
	return pass(details, "Dependency scanning skipped (no scanner available)")
}

// parsePipAudit reads `pip-audit --format json`.
func parsePipAudit(stdout string) ([]VulnerablePackage, error) {
	var report struct {
		Dependencies []struct {
			Name    string `json:"name"`
			Version string `json:"version"`
			Vulns   []struct {
				ID          string `json:"id"`
				Description string `json:"description"`
			} `json:"vulns"`
		} `json:"dependencies"`
	}
	if err := json.Unmarshal([]byte(stdout), &report); err != nil {
		return nil, fmt.Errorf("parse pip-audit report: %w", err)
	}
	out := []VulnerablePackage{}
	for _, dep := range report.Dependencies {
		for _, v := range dep.Vulns {
			out = append(out, VulnerablePackage{
				Name:        orUnknown(dep.Name),
				Version:     orUnknown(dep.Version),
				ID:          v.ID,
				Description: head(v.Description, vulnDescriptionMax),
			})
		}
	}
	return out, nil
}

// parseSafety reads the legacy `safety check --json` list of
// [name, spec, version, advisory, id] tuples.
func parseSafety(stdout string) ([]VulnerablePackage, error) {
	var rows [][]any
	if err := json.Unmarshal([]byte(stdout), &rows); err != nil {
		return nil, fmt.Errorf("parse safety report: %w", err)
	}
	field := func(row []any, i int) string {
		if i >= len(row) || row[i] == nil {
			return ""
		}
		if s, ok := row[i].(string); ok {
			return s
		}
		return fmt.Sprint(row[i])
	}
	out := make([]VulnerablePackage, 0, len(rows))
	for _, row := range rows {
		out = append(out, VulnerablePackage{
			Name:        orUnknown(field(row, 0)),
			Version:     orUnknown(field(row, 2)),
			ID:          field(row, 4),
			Description: head(field(row, 3), vulnDescriptionMax),
		})
	}
	return out, nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
