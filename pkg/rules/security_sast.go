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
	"strings"
	"time"

	"github.com/AleutianAI/codegate/pkg/container"
	"github.com/AleutianAI/codegate/pkg/contract"
)

const (
	defaultSASTTimeout = 120 * time.Second

	// missingModule appears in stderr when a scanner is not installed.
	missingModule = "No module named"
)

type timeoutConfig struct {
	Timeout int `json:"timeout"`
}

// banditReport is the subset of `bandit -f json` output the rule reads.
type banditReport struct {
	Results []struct {
		Severity   string `json:"issue_severity"`
		Confidence string `json:"issue_confidence"`
		Text       string `json:"issue_text"`
		Filename   string `json:"filename"`
		Line       int    `json:"line_number"`
		TestID     string `json:"test_id"`
	} `json:"results"`
}

// SASTIssue is one bandit finding as reported in rule details.
type SASTIssue struct {
	Severity   string `json:"severity"`
	Confidence string `json:"confidence"`
	Text       string `json:"text"`
	File       string `json:"file"`
	Line       int    `json:"line"`
	TestID     string `json:"test_id,omitempty"`
}

// SecuritySAST runs bandit and fails on any HIGH severity finding.
type SecuritySAST struct {
	timeout time.Duration
}

// NewSecuritySAST creates the security_sast rule.
func NewSecuritySAST(entry contract.RuleEntry) (Rule, error) {
	var cfg timeoutConfig
	if err := entry.Decode(&cfg); err != nil {
		return nil, invalidConfig(entry.Name, err)
	}
	return &SecuritySAST{timeout: seconds(cfg.Timeout, defaultSASTTimeout)}, nil
}

// Name implements Rule.
func (r *SecuritySAST) Name() string { return contract.RuleSecuritySAST }

// Execute implements Rule.
func (r *SecuritySAST) Execute(ctx context.Context, info *ArtifactInfo) Outcome {
	details := map[string]any{
		"scanner":         "bandit",
		"issues_found":    0,
		"high_severity":   0,
		"medium_severity": 0,
		"low_severity":    0,
		"issues":          []SASTIssue{},
	}
	if out, ok := checkProject(info, details); !ok {
		return out
	}

	res, err := info.Runner.RunCommand(ctx, container.RunRequest{
		Image:         info.ImageRef,
		Command:       []string{"python", "-m", "bandit", "-r", container.WorkspacePath, "-f", "json", "-ll"},
		ProjectPath:   info.ProjectPath,
		NetworkAccess: info.NetworkAccess,
		Timeout:       r.timeout,
	})
	if err != nil {
		return fail(details, "Security scan failed: %v", err)
	}
	if res.TimedOut {
		return timedOut(details, "Security scan", r.timeout)
	}

	var report banditReport
	if err := json.Unmarshal([]byte(res.Stdout), &report); err != nil {
		if strings.Contains(res.Stderr, missingModule) {
			details["warning"] = "bandit not installed in dependency image"
			return pass(details, "SAST scanner (bandit) not available, skipped")
		}
		output := res.Output()
		if strings.Contains(output, "No issues identified") {
			return pass(details, "No security issues found")
		}
		details["raw_output"] = tail(output, 500)
		return fail(details, "Security scan failed to parse output")
	}

	var high, medium, low int
	issues := make([]SASTIssue, 0, len(report.Results))
	for _, finding := range report.Results {
		severity := strings.ToUpper(finding.Severity)
		if severity == "" {
			severity = "UNKNOWN"
		}
		switch severity {
		case "HIGH":
			high++
		case "MEDIUM":
			medium++
		case "LOW":
			low++
		}
		issues = append(issues, SASTIssue{
			Severity:   severity,
			Confidence: finding.Confidence,
			Text:       finding.Text,
			File:       strings.TrimPrefix(finding.Filename, container.WorkspacePath+"/"),
			Line:       finding.Line,
			TestID:     finding.TestID,
		})
	}
	details["issues_found"] = len(issues)
	details["high_severity"] = high
	details["medium_severity"] = medium
	details["low_severity"] = low
	details["issues"] = issues

	switch {
	case high > 0:
		return fail(details, "Found %d high severity security issue(s)", high)
	case len(issues) > 0:
		return pass(details, "Passed with %d medium and %d low severity warnings", medium, low)
	default:
		return pass(details, "No security issues found")
	}
}
