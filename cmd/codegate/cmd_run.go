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
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/codegate/pkg/contract"
	"github.com/AleutianAI/codegate/pkg/engine"
	"github.com/AleutianAI/codegate/pkg/telemetry"
)

// DefaultOutput is the result document written by run.
const DefaultOutput = "codegate_results.json"

// runOptions are the flags of run and watch.
type runOptions struct {
	output       string
	forceRebuild bool
	metricsFile  string
	trace        string
}

func (o *runOptions) bind(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&o.output, "output", "o", DefaultOutput, "Path of the JSON result document")
	f.BoolVar(&o.forceRebuild, "force-rebuild", false, "Rebuild the dependency image even when cached")
	f.StringVar(&o.metricsFile, "metrics-file", "", "Write Prometheus metrics to this file at exit")
	f.StringVar(&o.trace, "trace", getEnvOr("OTEL_TRACES_EXPORTER", telemetry.ExporterNone),
		"Trace exporter: stdout, otlp or none (env OTEL_TRACES_EXPORTER)")
}

func (a *app) runCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run <contract>",
		Short: "Evaluate a project against a contract",
		Long: `Evaluate a project against a contract.

Builds (or reuses) the dependency image, runs every enabled rule in the
order the contract declares them, prints a summary and writes the result
document.

Exit Codes:
  0 = every enabled rule passed
  1 = at least one enabled rule failed
  2 = configuration or environment error`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := a.logger()
			defer logger.Close()

			shutdown, err := telemetry.Init(cmd.Context(), telemetry.Config{
				ServiceName:    "codegate",
				ServiceVersion: Version,
				TraceExporter:  opts.trace,
				OTLPEndpoint:   getEnvOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
				OTLPInsecure:   true,
				MetricsFile:    opts.metricsFile,
			})
			if err != nil {
				return abort(err)
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Warn("Telemetry shutdown failed", slog.String("error", err.Error()))
				}
			}()

			code, err := a.evaluate(cmd.Context(), args[0], opts, logger.Slog())
			if err != nil {
				return abort(err)
			}
			if code != ExitSuccess {
				return &exitError{code: code}
			}
			return nil
		},
	}
	opts.bind(cmd)
	return cmd
}

// evaluate parses, runs and reports one contract.
//
// # Outputs
//
//   - int: ExitSuccess or ExitRuleFailure.
//   - error: Configuration, project path or result-writing failure.
func (a *app) evaluate(ctx context.Context, path string, opts runOptions, logger *slog.Logger) (int, error) {
	c, err := contract.Parse(path)
	if err != nil {
		return ExitError, err
	}
	for _, name := range c.UnknownRules() {
		logger.Warn("Contract declares an unknown rule", slog.String("rule", name))
	}

	runner := engine.NewRunner(
		engine.WithLogger(logger),
		engine.WithRuntime(a.newRuntime(a.runtimeBinary, logger)),
		engine.WithForceRebuild(opts.forceRebuild),
	)
	spin := a.printer(a.stdout).Spinner("Evaluating " + c.Project.EntryPoint)
	spin.Start()
	res, err := runner.Run(ctx, c)
	spin.Stop()
	if err != nil {
		return ExitError, err
	}

	a.report(res)

	if opts.output != "" {
		if err := res.WriteFile(opts.output); err != nil {
			return ExitError, err
		}
	}
	if !res.Passed() {
		return ExitRuleFailure, nil
	}
	return ExitSuccess, nil
}

// report prints the human summary of res to stdout.
func (a *app) report(res *engine.EvaluationResult) {
	p := a.printer(a.stdout)

	p.Title("CODEGATE EVALUATION RESULTS")
	for _, w := range res.Warnings {
		p.Warning(w)
	}
	for _, r := range res.Results {
		p.RuleLine(r.Rule, r.Passed, r.Message, r.Duration)
		if a.verbose && !r.Passed && len(r.Details) > 0 {
			if data, err := json.MarshalIndent(r.Details, "    ", "  "); err == nil {
				fmt.Fprintf(a.stdout, "    %s\n", strings.TrimSpace(string(data)))
			}
		}
	}
	s := res.Summary
	p.Summary(s.Total, s.Passed, s.Failed, s.SuccessRate, s.Duration)
}
