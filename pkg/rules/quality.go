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
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/AleutianAI/codegate/pkg/container"
	"github.com/AleutianAI/codegate/pkg/contract"
)

const (
	defaultQualityTimeout = 120 * time.Second
	qualityOutputMax      = 500
)

// argv accepts a command as an argument list or a whitespace-separated
// string.
type argv []string

// UnmarshalJSON implements json.Unmarshaler.
func (a *argv) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*a = strings.Fields(s)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return errors.New("command: want a string or a list of strings")
	}
	*a = list
	return nil
}

type qualityConfig struct {
	Command             argv  `json:"command"`
	AcceptableExitCodes []int `json:"acceptable_exit_codes"`
	NetworkAccess       *bool `json:"network_access"`
	Writable            bool  `json:"writable"`
	Timeout             int   `json:"timeout"`
}

// Quality runs a user-supplied command, typically a linter, in the
// dependency image.
type Quality struct {
	command    []string
	acceptable []int
	network    *bool
	writable   bool
	timeout    time.Duration
}

// NewQuality creates the quality rule. The command is required.
func NewQuality(entry contract.RuleEntry) (Rule, error) {
	var cfg qualityConfig
	if err := entry.Decode(&cfg); err != nil {
		return nil, invalidConfig(entry.Name, err)
	}
	if len(cfg.Command) == 0 {
		return nil, invalidConfig(entry.Name, errors.New("no command specified"))
	}
	acceptable := cfg.AcceptableExitCodes
	if len(acceptable) == 0 {
		acceptable = []int{0}
	}
	return &Quality{
		command:    cfg.Command,
		acceptable: acceptable,
		network:    cfg.NetworkAccess,
		writable:   cfg.Writable,
		timeout:    seconds(cfg.Timeout, defaultQualityTimeout),
	}, nil
}

// Name implements Rule.
func (r *Quality) Name() string { return contract.RuleQuality }

// Execute implements Rule.
func (r *Quality) Execute(ctx context.Context, info *ArtifactInfo) Outcome {
	details := map[string]any{
		"command":               strings.Join(r.command, " "),
		"acceptable_exit_codes": r.acceptable,
	}
	if out, ok := checkProject(info, details); !ok {
		return out
	}

	network := info.NetworkAccess
	if r.network != nil {
		network = *r.network
	}
	res, err := info.Runner.RunCommand(ctx, container.RunRequest{
		Image:         info.ImageRef,
		Command:       r.command,
		ProjectPath:   info.ProjectPath,
		NetworkAccess: network,
		Writable:      r.writable,
		Timeout:       r.timeout,
	})
	if err != nil {
		return fail(details, "Quality check error: %v", err)
	}
	if res.TimedOut {
		return timedOut(details, "Quality check", r.timeout)
	}

	details["exit_code"] = res.ExitCode
	if slices.Contains(r.acceptable, res.ExitCode) {
		return pass(details, "Quality checks passed")
	}
	output := res.Stdout
	if strings.TrimSpace(output) == "" {
		output = res.Stderr
	}
	details["output"] = head(output, qualityOutputMax)
	return fail(details, "Quality checks failed (exit code %d)", res.ExitCode)
}
