// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"
)

// ArtifactType is the artifact descriptor type of every evaluation.
const ArtifactType = "docker-container"

// RuleResult is the recorded outcome of one dispatched rule.
type RuleResult struct {
	Rule     string
	Passed   bool
	Message  string
	Details  map[string]any
	Duration time.Duration
}

type ruleResultJSON struct {
	Rule     string         `json:"rule"`
	Passed   bool           `json:"passed"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details"`
	Duration float64        `json:"duration"`
}

// MarshalJSON renders the duration in seconds rounded to milliseconds.
func (r RuleResult) MarshalJSON() ([]byte, error) {
	details := r.Details
	if details == nil {
		details = map[string]any{}
	}
	return json.Marshal(ruleResultJSON{
		Rule:     r.Rule,
		Passed:   r.Passed,
		Message:  r.Message,
		Details:  details,
		Duration: seconds(r.Duration),
	})
}

// Artifact describes what was evaluated.
type Artifact struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

// Summary is derived from the rule results of a run.
type Summary struct {
	Total       int
	Passed      int
	Failed      int
	SuccessRate float64
	Duration    time.Duration
}

type summaryJSON struct {
	Total       int     `json:"total"`
	Passed      int     `json:"passed"`
	Failed      int     `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
	Duration    float64 `json:"duration"`
}

// MarshalJSON renders the duration in seconds rounded to milliseconds.
func (s Summary) MarshalJSON() ([]byte, error) {
	return json.Marshal(summaryJSON{
		Total:       s.Total,
		Passed:      s.Passed,
		Failed:      s.Failed,
		SuccessRate: s.SuccessRate,
		Duration:    seconds(s.Duration),
	})
}

// EvaluationResult is the result document of one run.
type EvaluationResult struct {
	RunID     string       `json:"run_id"`
	Project   string       `json:"project"`
	Artifact  Artifact     `json:"artifact"`
	Summary   Summary      `json:"summary"`
	Results   []RuleResult `json:"results"`
	StartedAt time.Time    `json:"started_at"`
	Warnings  []string     `json:"warnings,omitempty"`
}

// Passed reports whether no enabled rule failed. A run with no enabled
// rules passes.
func (e *EvaluationResult) Passed() bool {
	return e.Summary.Failed == 0
}

// Aggregate derives an EvaluationResult from ordered rule results.
//
// # Description
//
// Pure. Result order is preserved. The success rate is passed/total*100
// rounded to one decimal place, and 0.0 when there are no results.
//
// # Inputs
//
//   - project: Project identifier, usually the entry point.
//   - artifact: Artifact descriptor.
//   - results: Rule results in dispatch order. Not modified.
//   - duration: Wall-clock duration of the run.
//
// # Outputs
//
//   - *EvaluationResult: With Summary populated. RunID, StartedAt and
//     Warnings are left for the caller.
func Aggregate(project string, artifact Artifact, results []RuleResult, duration time.Duration) *EvaluationResult {
	ordered := make([]RuleResult, len(results))
	copy(ordered, results)

	passed := 0
	for _, r := range ordered {
		if r.Passed {
			passed++
		}
	}

	rate := 0.0
	if len(ordered) > 0 {
		rate = math.Round(float64(passed)/float64(len(ordered))*1000) / 10
	}

	return &EvaluationResult{
		Project:  project,
		Artifact: artifact,
		Results:  ordered,
		Summary: Summary{
			Total:       len(ordered),
			Passed:      passed,
			Failed:      len(ordered) - passed,
			SuccessRate: rate,
			Duration:    duration,
		},
	}
}

// WriteFile writes the result document as indented JSON, creating parent
// directories as needed.
func (e *EvaluationResult) WriteFile(path string) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create results directory: %w", err)
		}
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	return nil
}

// seconds converts d to seconds rounded to milliseconds.
func seconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*1000) / 1000
}
