// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package container

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrRuntimeUnavailable indicates the container runtime binary is missing
	// or its daemon is not reachable.
	ErrRuntimeUnavailable = errors.New("container runtime is not available or not running")

	// ErrBuildFailed indicates a dependency image build exited non-zero.
	ErrBuildFailed = errors.New("dependency image build failed")

	// ErrTimeout indicates a build or command exceeded its deadline.
	ErrTimeout = errors.New("timed out")

	// ErrEmptyCommand indicates RunCommand was called without a command.
	ErrEmptyCommand = errors.New("command must not be empty")

	// ErrEmptyImage indicates an image reference was required but empty.
	ErrEmptyImage = errors.New("image reference must not be empty")
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// BuildError describes a failed dependency image build.
//
// Matches ErrBuildFailed always and ErrTimeout when TimedOut is set.
type BuildError struct {
	// Tag is the image tag that was being built.
	Tag string

	// Message is the parsed, truncated diagnostic from the build log.
	Message string

	// TimedOut is true when the build exceeded its deadline.
	TimedOut bool
}

// Error implements the error interface.
func (e *BuildError) Error() string {
	return fmt.Sprintf("build %s failed: %s", e.Tag, e.Message)
}

// Is matches ErrBuildFailed, and ErrTimeout for timed-out builds.
func (e *BuildError) Is(target error) bool {
	if target == ErrBuildFailed {
		return true
	}
	return e.TimedOut && target == ErrTimeout
}

// CommandError wraps a runtime CLI failure with stderr context.
//
// # Example
//
//	var cmdErr *CommandError
//	if errors.As(err, &cmdErr) {
//	    fmt.Println(cmdErr.Stderr)
//	}
type CommandError struct {
	// Command is the command line that was executed.
	Command string

	// ExitCode is the process exit code (-1 if unknown).
	ExitCode int

	// Stderr contains the standard error output.
	Stderr string

	// Wrapped is the underlying error.
	Wrapped error
}

// Error returns "<command> (exit N): <stderr>".
func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s (exit %d): %s", e.Command, e.ExitCode, e.Stderr)
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s (exit %d): %v", e.Command, e.ExitCode, e.Wrapped)
	}
	return fmt.Sprintf("%s (exit %d)", e.Command, e.ExitCode)
}

// Unwrap returns the underlying error.
func (e *CommandError) Unwrap() error {
	return e.Wrapped
}

// NewCommandError creates a CommandError. Stderr is trimmed.
func NewCommandError(cmd string, exitCode int, stderr string, wrapped error) *CommandError {
	return &CommandError{
		Command:  cmd,
		ExitCode: exitCode,
		Stderr:   strings.TrimSpace(stderr),
		Wrapped:  wrapped,
	}
}

// ExtractStderr returns the stderr of the first CommandError in err's chain.
func ExtractStderr(err error) string {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Stderr
	}
	return ""
}

// FormatTimeout renders a timeout the way user-facing messages expect:
// whole seconds as "600s", anything finer via time.Duration.String.
func FormatTimeout(d time.Duration) string {
	if d > 0 && d%time.Second == 0 {
		return fmt.Sprintf("%ds", int64(d/time.Second))
	}
	return d.String()
}

// TimeoutMessage returns "timed out after <d>".
func TimeoutMessage(d time.Duration) string {
	return "timed out after " + FormatTimeout(d)
}
