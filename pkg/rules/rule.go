// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rules implements the checks a contract can enable.
//
// Every rule is constructed from its contract entry by a Factory held in
// a Registry and executed against a shared, read-only ArtifactInfo.
// Rules report failure as an Outcome value; they do not return errors.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/AleutianAI/codegate/pkg/container"
	"github.com/AleutianAI/codegate/pkg/policy"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrUnknownRule indicates no factory is registered for a rule name.
	ErrUnknownRule = errors.New("rule not found in registry")

	// ErrInvalidConfig indicates a rule entry could not be decoded or is
	// semantically unusable.
	ErrInvalidConfig = errors.New("invalid rule configuration")
)

// ConfigError describes a rule entry whose configuration is unusable.
// It matches ErrInvalidConfig.
type ConfigError struct {
	Rule   string
	Reason error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid rule configuration for %s: %v", e.Rule, e.Reason)
}

// Is matches ErrInvalidConfig.
func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Unwrap returns the decode or validation failure.
func (e *ConfigError) Unwrap() error {
	return e.Reason
}

func invalidConfig(name string, err error) error {
	return &ConfigError{Rule: name, Reason: err}
}

// =============================================================================
// TYPES
// =============================================================================

// MsgContainerUnavailable is the failure message of container rules run
// without a dependency image.
const MsgContainerUnavailable = "Container runtime not available or dependency image not built"

// Outcome is the verdict of one rule execution.
type Outcome struct {
	Passed  bool
	Message string
	Details map[string]any
}

// Rule is a single named check.
type Rule interface {
	// Name returns the contract key the rule was created for.
	Name() string

	// Execute runs the check. Failures, timeouts and missing tools are
	// reported through the Outcome.
	Execute(ctx context.Context, info *ArtifactInfo) Outcome
}

// CommandRunner executes a command inside a container. *container.Runtime
// implements it.
type CommandRunner interface {
	RunCommand(ctx context.Context, req container.RunRequest) (*container.CommandResult, error)
}

// ArtifactInfo describes the project under evaluation. It is built once
// per run and must not be modified by rules.
type ArtifactInfo struct {
	// ProjectPath is absolute.
	ProjectPath string
	EntryPoint  string

	RuntimeImage       string
	NetworkAccess      bool
	SystemDependencies []string
	PythonDependencies []string

	// ImageRef is the dependency image tag; empty when no image is available.
	ImageRef string

	// Runner executes commands in ImageRef. Nil when no runtime is available.
	Runner CommandRunner

	// Resolver maps imports to distributions installed in the environment.
	// It is created once per run and may be nil.
	Resolver policy.Resolver

	Logger *slog.Logger
}

// HasImage reports whether container rules can run.
func (a *ArtifactInfo) HasImage() bool {
	return a != nil && a.Runner != nil && a.ImageRef != ""
}

func (a *ArtifactInfo) logger() *slog.Logger {
	if a == nil || a.Logger == nil {
		return slog.Default()
	}
	return a.Logger
}

// =============================================================================
// HELPERS
// =============================================================================

// seconds converts a positive config value to a duration, falling back to
// def when unset.
func seconds(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Second
}

// fail builds a failed Outcome.
func fail(details map[string]any, format string, args ...any) Outcome {
	return Outcome{Passed: false, Message: fmt.Sprintf(format, args...), Details: details}
}

// pass builds a passed Outcome.
func pass(details map[string]any, format string, args ...any) Outcome {
	return Outcome{Passed: true, Message: fmt.Sprintf(format, args...), Details: details}
}

// timedOut builds the failure for a command that exceeded its timeout.
func timedOut(details map[string]any, what string, timeout time.Duration) Outcome {
	details["timed_out"] = true
	return fail(details, "%s %s", what, container.TimeoutMessage(timeout))
}

// checkProject verifies the container preconditions shared by every
// container rule.
func checkProject(info *ArtifactInfo, details map[string]any) (Outcome, bool) {
	if !info.HasImage() {
		return fail(details, MsgContainerUnavailable), false
	}
	if _, err := os.Stat(info.ProjectPath); err != nil {
		return fail(details, "Project path not found: %s", info.ProjectPath), false
	}
	return Outcome{}, true
}

// tail returns at most the last n bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// head returns at most the first n bytes of s.
func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
