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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/codegate/pkg/container"
	"github.com/AleutianAI/codegate/pkg/logging"
	"github.com/AleutianAI/codegate/pkg/ux"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "0.1.0"

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	ExitSuccess     = 0
	ExitRuleFailure = 1
	ExitError       = 2
)

// exitError carries a process exit code through cobra. A nil err exits
// silently.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// abort reports a configuration or environment error.
func abort(err error) error {
	return &exitError{code: ExitError, err: err}
}

// =============================================================================
// APPLICATION
// =============================================================================

// app holds process-wide flags and the seams tests replace.
type app struct {
	stdout io.Writer
	stderr io.Writer

	// newRuntime builds the container runtime for a binary name.
	newRuntime func(binary string, logger *slog.Logger) *container.Runtime

	// printLevel overrides terminal detection when set.
	printLevel ux.Level

	verbose       bool
	jsonLogs      bool
	logDir        string
	logLevel      string
	runtimeBinary string
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		stdout: stdout,
		stderr: stderr,
		newRuntime: func(binary string, logger *slog.Logger) *container.Runtime {
			return container.NewRuntime(binary, nil, logger)
		},
	}
}

// rootCmd builds the command tree. A fresh tree per execution keeps flag
// state out of package globals.
func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "codegate",
		Short:         "Contract-driven evaluator for AI-generated code",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if _, err := logging.ParseLevel(a.logLevel); err != nil {
			return fmt.Errorf("--log-level: %w", err)
		}
		return nil
	}

	pf := root.PersistentFlags()
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "Verbose output (debug logs and rule details)")
	pf.BoolVar(&a.jsonLogs, "json-logs", false, "Write logs to stderr as JSON")
	pf.StringVar(&a.logDir, "log-dir", "", "Also write JSON logs to this directory")
	pf.StringVar(&a.logLevel, "log-level", getEnvOr("CODEGATE_LOG_LEVEL", ""),
		"Log level: debug, info, warn, error (env CODEGATE_LOG_LEVEL)")
	pf.StringVar(&a.runtimeBinary, "runtime", getEnvOr("CODEGATE_RUNTIME", container.DefaultBinary),
		"Container runtime binary: docker or podman (env CODEGATE_RUNTIME)")

	root.AddCommand(
		a.runCmd(),
		a.validateCmd(),
		a.watchCmd(),
		a.cleanCmd(),
		a.versionCmd(),
	)
	return root
}

// execute runs the CLI and maps the outcome to an exit code.
func (a *app) execute(ctx context.Context, args []string) int {
	root := a.rootCmd()
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			a.printer(a.stderr).Error(ee.err.Error())
		}
		return ee.code
	}
	// Flag and argument errors from cobra.
	a.printer(a.stderr).Error(err.Error())
	return ExitError
}

// logger builds the process logger. Verbose implies debug; otherwise
// warnings and errors only, unless --log-level says otherwise.
func (a *app) logger() *logging.Logger {
	level := logging.LevelWarn
	if a.verbose {
		level = logging.LevelDebug
	}
	if a.logLevel != "" {
		// Checked by the root command before any subcommand runs.
		level, _ = logging.ParseLevel(a.logLevel)
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  a.logDir,
		Service: "codegate",
		JSON:    a.jsonLogs,
		Writer:  a.stderr,
	})
}

// printer returns a Printer for w, detecting terminals on *os.File.
func (a *app) printer(w io.Writer) *ux.Printer {
	level := a.printLevel
	if level == "" {
		level = ux.LevelPlain
		if f, ok := w.(*os.File); ok {
			level = ux.DetectLevel(f)
		}
	}
	return ux.NewPrinter(w, level)
}

// getEnvOr returns the environment variable value or the fallback.
func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
