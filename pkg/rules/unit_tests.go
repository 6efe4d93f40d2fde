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
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/codegate/pkg/container"
	"github.com/AleutianAI/codegate/pkg/contract"
)

const (
	defaultTestDirectory     = "tests/"
	defaultCoverageThreshold = 85.0
	defaultTestTimeout       = 300 * time.Second
	testOutputTail           = 2000
)

var (
	passedRe   = regexp.MustCompile(`(\d+) passed`)
	failedRe   = regexp.MustCompile(`(\d+) failed`)
	coverageRe = regexp.MustCompile(`(?m)^TOTAL(?:\s+\d+)+\s+(\d+(?:\.\d+)?)%`)
)

// testExcludeDirs are not searched for test files.
var testExcludeDirs = map[string]struct{}{
	"__pycache__":   {},
	".pytest_cache": {},
	".tox":          {},
	".nox":          {},
	".venv":         {},
	"venv":          {},
}

type unitTestsConfig struct {
	TestDirectory     *string  `json:"test_directory"`
	CoverageThreshold *float64 `json:"coverage_threshold"`
	Timeout           int      `json:"timeout"`
}

// UnitTests runs pytest with coverage and enforces a coverage threshold.
type UnitTests struct {
	testDirectory string
	threshold     float64
	timeout       time.Duration
}

// NewUnitTests creates the unit_tests rule.
func NewUnitTests(entry contract.RuleEntry) (Rule, error) {
	var cfg unitTestsConfig
	if err := entry.Decode(&cfg); err != nil {
		return nil, invalidConfig(entry.Name, err)
	}
	r := &UnitTests{
		testDirectory: defaultTestDirectory,
		threshold:     defaultCoverageThreshold,
		timeout:       seconds(cfg.Timeout, defaultTestTimeout),
	}
	if cfg.TestDirectory != nil {
		r.testDirectory = *cfg.TestDirectory
	}
	if cfg.CoverageThreshold != nil {
		r.threshold = *cfg.CoverageThreshold
	}
	return r, nil
}

// Name implements Rule.
func (r *UnitTests) Name() string { return contract.RuleUnitTests }

// Execute implements Rule.
func (r *UnitTests) Execute(ctx context.Context, info *ArtifactInfo) Outcome {
	details := map[string]any{
		"test_directory":      r.testDirectory,
		"coverage_threshold":  r.threshold,
		"tests_found":         0,
		"tests_passed":        0,
		"tests_failed":        0,
		"coverage_percentage": 0.0,
	}
	if out, ok := checkProject(info, details); !ok {
		return out
	}

	rel, ok := TestDirectory(r.testDirectory)
	if !ok {
		return fail(details, "Test directory not found: %s", r.testDirectory)
	}
	hostDir := filepath.Join(info.ProjectPath, filepath.FromSlash(rel))
	if st, err := os.Stat(hostDir); err != nil || !st.IsDir() {
		return fail(details, "Test directory not found: %s", r.testDirectory)
	}

	found := countTestFiles(hostDir)
	details["tests_found"] = found
	if found == 0 {
		return fail(details, "No test files found")
	}

	res, err := info.Runner.RunCommand(ctx, container.RunRequest{
		Image: info.ImageRef,
		Command: []string{
			"python", "-m", "pytest", path.Join(container.WorkspacePath, rel),
			"-v", "--tb=short",
			"--cov=" + container.WorkspacePath, "--cov-report=term",
		},
		ProjectPath:   info.ProjectPath,
		NetworkAccess: info.NetworkAccess,
		Writable:      true,
		Timeout:       r.timeout,
	})
	if err != nil {
		return fail(details, "Test execution failed: %v", err)
	}
	if res.TimedOut {
		return timedOut(details, "Tests", r.timeout)
	}

	output := res.Stdout + res.Stderr
	details["test_output"] = tail(output, testOutputTail)
	summary := ParsePytestOutput(output)
	details["tests_passed"] = summary.Passed
	details["tests_failed"] = summary.Failed
	details["coverage_percentage"] = summary.Coverage

	if res.ExitCode != 0 {
		if summary.Failed > 0 {
			return fail(details, "%d test(s) failed", summary.Failed)
		}
		return fail(details, "Tests failed")
	}
	if summary.Coverage < r.threshold {
		return fail(details, "Coverage %.1f%% below threshold %s%%",
			summary.Coverage, strconv.FormatFloat(r.threshold, 'f', -1, 64))
	}
	return pass(details, "All %d tests passed with %.1f%% coverage", summary.Passed, summary.Coverage)
}

// PytestSummary holds the counts parsed from pytest output.
type PytestSummary struct {
	Passed   int
	Failed   int
	Coverage float64
}

// ParsePytestOutput extracts passed/failed counts and the TOTAL coverage
// line of a pytest-cov terminal report.
func ParsePytestOutput(output string) PytestSummary {
	var s PytestSummary
	if m := passedRe.FindStringSubmatch(output); m != nil {
		s.Passed, _ = strconv.Atoi(m[1])
	}
	if m := failedRe.FindStringSubmatch(output); m != nil {
		s.Failed, _ = strconv.Atoi(m[1])
	}
	if m := coverageRe.FindStringSubmatch(output); m != nil {
		s.Coverage, _ = strconv.ParseFloat(m[1], 64)
	}
	return s
}

// TestDirectory normalizes the configured test directory to a clean,
// slash-separated path relative to the project root. Blank, "." and
// absolute paths mean the project root. Paths escaping the root are
// rejected.
func TestDirectory(dir string) (string, bool) {
	d := strings.TrimSpace(strings.ReplaceAll(dir, `\`, "/"))
	if d == "" || strings.HasPrefix(d, "/") {
		return ".", true
	}
	d = path.Clean(d)
	if d == ".." || strings.HasPrefix(d, "../") {
		return "", false
	}
	return d, true
}

// countTestFiles counts test_*.py and *_test.py files under dir.
func countTestFiles(dir string) int {
	n := 0
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if _, skip := testExcludeDirs[d.Name()]; skip && p != dir {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		if strings.HasSuffix(name, ".py") && (strings.HasPrefix(name, "test_") || strings.HasSuffix(name, "_test.py")) {
			n++
		}
		return nil
	})
	return n
}
