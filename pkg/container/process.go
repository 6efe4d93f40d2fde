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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// DefaultMaxOutput caps captured stdout and stderr per stream.
const DefaultMaxOutput = 4 * 1024 * 1024

const waitDelay = 2 * time.Second

// -----------------------------------------------------------------------------
// Interface Definition
// -----------------------------------------------------------------------------

// ProcessManager runs the container runtime CLI.
//
// Every exec call the Runtime makes goes through this interface so that
// tests can substitute MockProcessManager.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type ProcessManager interface {
	// Run executes a short command and returns its stdout.
	//
	// A non-zero exit returns a *CommandError carrying stderr.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)

	// Execute runs a command with a deadline and captures both streams.
	//
	// Non-zero exits are reported in ProcessResult.ExitCode with a nil
	// error. A deadline overrun sets TimedOut, ExitCode -1, and returns
	// ErrTimeout alongside the partial result. Any other error means the
	// process could not be started.
	Execute(ctx context.Context, timeout time.Duration, name string, args ...string) (*ProcessResult, error)
}

// ProcessResult is the captured outcome of Execute.
type ProcessResult struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	TimedOut  bool
	Truncated bool
	Duration  time.Duration
}

// -----------------------------------------------------------------------------
// Implementation
// -----------------------------------------------------------------------------

// DefaultProcessManager implements ProcessManager using os/exec.
type DefaultProcessManager struct {
	maxOutput int
}

// NewDefaultProcessManager creates a ProcessManager that executes real
// processes, capping each captured stream at DefaultMaxOutput bytes.
func NewDefaultProcessManager() *DefaultProcessManager {
	return &DefaultProcessManager{maxOutput: DefaultMaxOutput}
}

// Run executes a command synchronously and returns its stdout.
func (pm *DefaultProcessManager) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return nil, NewCommandError(commandLine(name, args), exitCode, stderr.String(), err)
	}

	return stdout.Bytes(), nil
}

// Execute runs a command under timeout with size-limited capture.
func (pm *DefaultProcessManager) Execute(ctx context.Context, timeout time.Duration, name string, args ...string) (*ProcessResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	// Grandchildren can hold the output pipes open after a kill.
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	stdoutLimited := &limitedWriter{w: &stdout, limit: pm.maxOutput}
	stderrLimited := &limitedWriter{w: &stderr, limit: pm.maxOutput}
	cmd.Stdout = stdoutLimited
	cmd.Stderr = stderrLimited

	start := time.Now()
	err := cmd.Run()

	result := &ProcessResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdoutLimited.truncated || stderrLimited.truncated,
		Duration:  time.Since(start),
	}

	if ctx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.ExitCode = -1
		return result, ErrTimeout
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		result.ExitCode = -1
		return result, fmt.Errorf("command execution failed: %w", err)
	}

	return result, nil
}

// commandLine renders name and args for error messages.
func commandLine(name string, args []string) string {
	if len(args) == 0 {
		return name
	}
	return name + " " + strings.Join(args, " ")
}

// -----------------------------------------------------------------------------
// Limited Writer
// -----------------------------------------------------------------------------

// limitedWriter wraps a writer with a size limit.
type limitedWriter struct {
	w         io.Writer
	limit     int
	written   int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (n int, err error) {
	if lw.written >= lw.limit {
		lw.truncated = true
		return len(p), nil
	}

	original := len(p)
	remaining := lw.limit - lw.written
	if len(p) > remaining {
		p = p[:remaining]
		lw.truncated = true
	}

	n, err = lw.w.Write(p)
	lw.written += n
	return original, err
}

// -----------------------------------------------------------------------------
// Mock Implementation for Testing
// -----------------------------------------------------------------------------

// MockProcessManager is a test double for ProcessManager.
//
// Configure it by setting function fields. A nil field makes the
// corresponding method panic, which surfaces unexpected calls in tests.
//
// # Examples
//
//	mock := &MockProcessManager{
//	    RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
//	        if args[0] == "info" {
//	            return []byte("ok"), nil
//	        }
//	        return nil, fmt.Errorf("unexpected command: %v", args)
//	    },
//	}
type MockProcessManager struct {
	// RunFunc is called when Run is invoked.
	RunFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

	// ExecuteFunc is called when Execute is invoked.
	ExecuteFunc func(ctx context.Context, timeout time.Duration, name string, args ...string) (*ProcessResult, error)

	// Calls records all invocations in order.
	Calls []ProcessCall

	mu sync.Mutex
}

// ProcessCall records a single invocation.
type ProcessCall struct {
	Method  string
	Name    string
	Args    []string
	Timeout time.Duration
}

// Run records the call and delegates to RunFunc.
func (m *MockProcessManager) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	m.record(ProcessCall{Method: "Run", Name: name, Args: args})
	if m.RunFunc == nil {
		panic("MockProcessManager.RunFunc not set")
	}
	return m.RunFunc(ctx, name, args...)
}

// Execute records the call and delegates to ExecuteFunc.
func (m *MockProcessManager) Execute(ctx context.Context, timeout time.Duration, name string, args ...string) (*ProcessResult, error) {
	m.record(ProcessCall{Method: "Execute", Name: name, Args: args, Timeout: timeout})
	if m.ExecuteFunc == nil {
		panic("MockProcessManager.ExecuteFunc not set")
	}
	return m.ExecuteFunc(ctx, timeout, name, args...)
}

// CountSubcommand returns how many recorded calls had args[0] == sub.
func (m *MockProcessManager) CountSubcommand(sub string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Calls {
		if len(c.Args) > 0 && c.Args[0] == sub {
			n++
		}
	}
	return n
}

// LastCall returns the most recent call whose args[0] == sub.
func (m *MockProcessManager) LastCall(sub string) (ProcessCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.Calls) - 1; i >= 0; i-- {
		c := m.Calls[i]
		if len(c.Args) > 0 && c.Args[0] == sub {
			return c, true
		}
	}
	return ProcessCall{}, false
}

func (m *MockProcessManager) record(c ProcessCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, c)
}

// Compile-time interface checks.
var (
	_ ProcessManager = (*DefaultProcessManager)(nil)
	_ ProcessManager = (*MockProcessManager)(nil)
)
