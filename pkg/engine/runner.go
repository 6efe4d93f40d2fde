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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/codegate/pkg/container"
	"github.com/AleutianAI/codegate/pkg/contract"
	"github.com/AleutianAI/codegate/pkg/rules"
	"github.com/AleutianAI/codegate/pkg/telemetry"
)

// Runner evaluates contracts.
type Runner struct {
	registry        *rules.Registry
	runtime         ContainerRuntime
	logger          *slog.Logger
	forceRebuild    bool
	resolverFactory ResolverFactory
	now             func() time.Time
}

// NewRunner creates a Runner. Unset options take their documented
// defaults.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.registry == nil {
		r.registry = rules.DefaultRegistry()
	}
	if r.runtime == nil {
		r.runtime = container.NewRuntime(container.DefaultBinary, nil, r.logger)
	}
	if r.resolverFactory == nil {
		r.resolverFactory = ContainerResolverFactory
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Run evaluates c.
//
// # Description
//
// Prepares the environment, dispatches every enabled rule in declaration
// order on the calling goroutine, and aggregates the results. Rule
// failures of any kind are data in the result.
//
// # Inputs
//
//   - ctx: Canceling it stops the run before the next rule.
//   - c: Parsed contract. Must not be nil.
//
// # Outputs
//
//   - *EvaluationResult: Ordered results and summary.
//   - error: ErrNilContract, ErrProjectPathNotFound, or the context error
//     when the run was canceled.
func (r *Runner) Run(ctx context.Context, c *contract.Contract) (*EvaluationResult, error) {
	if c == nil {
		return nil, ErrNilContract
	}

	start := r.now()
	runID := uuid.NewString()
	project := projectName(c.Project)

	ctx, span := startRunSpan(ctx, runID, project)
	defer span.End()

	logger := telemetry.LoggerWithTrace(ctx, r.logger.With(slog.String("run_id", runID)))
	logger.Info("Starting contract evaluation",
		slog.String("project", project),
		slog.Int("rules", c.Rules.Len()),
	)

	info, warnings, err := r.prepare(ctx, c.Environment, c.Project, logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	entries := c.Rules.Entries()
	results := make([]RuleResult, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, "canceled")
			return nil, fmt.Errorf("evaluation canceled: %w", err)
		}
		res, ok := r.DispatchRule(ctx, entry, info)
		if !ok {
			continue
		}
		results = append(results, res)
	}

	result := Aggregate(project, Artifact{Type: ArtifactType, Path: c.Project.Path}, results, r.now().Sub(start))
	result.RunID = runID
	result.StartedAt = start.UTC()
	result.Warnings = warnings

	setRunSpanResult(span, result.Summary)
	recordEvaluation(ctx, result.Passed())

	logger.Info("Evaluation complete",
		slog.Int("total", result.Summary.Total),
		slog.Int("passed", result.Summary.Passed),
		slog.Int("failed", result.Summary.Failed),
		slog.Duration("duration", result.Summary.Duration),
	)
	return result, nil
}

// PrepareEnvironment resolves the project path and builds the dependency
// image.
//
// # Outputs
//
//   - *rules.ArtifactInfo: Shared by every rule of the run. ImageRef is
//     empty when the image could not be prepared.
//   - []string: Warnings recorded instead of failing the run.
//   - error: ErrProjectPathNotFound.
func (r *Runner) PrepareEnvironment(ctx context.Context, env contract.Environment, proj contract.Project) (*rules.ArtifactInfo, []string, error) {
	return r.prepare(ctx, env, proj, r.logger)
}

func (r *Runner) prepare(ctx context.Context, env contract.Environment, proj contract.Project, logger *slog.Logger) (*rules.ArtifactInfo, []string, error) {
	path, err := filepath.Abs(proj.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrProjectPathNotFound, proj.Path, err)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrProjectPathNotFound, path)
	}

	logger.Debug("Configuration from contract",
		slog.String("project_path", path),
		slog.String("runtime_image", env.RuntimeImage),
		slog.Bool("network_access", env.NetworkAccess),
		slog.Any("system_dependencies", env.SystemDependencies),
		slog.Any("python_dependencies", proj.PythonDependencies),
		slog.String("entry_point", proj.EntryPoint),
	)

	info := &rules.ArtifactInfo{
		ProjectPath:        path,
		EntryPoint:         proj.EntryPoint,
		RuntimeImage:       env.RuntimeImage,
		NetworkAccess:      env.NetworkAccess,
		SystemDependencies: env.SystemDependencies,
		PythonDependencies: proj.PythonDependencies,
		Runner:             r.runtime,
		Logger:             logger,
	}

	var warnings []string
	tag, err := r.runtime.BuildDependencyImage(ctx, container.ImageSpec{
		BaseImage:        env.RuntimeImage,
		SystemPackages:   env.SystemDependencies,
		LanguagePackages: proj.PythonDependencies,
		ProjectPath:      path,
		ForceRebuild:     r.forceRebuild,
	})
	switch {
	case errors.Is(err, container.ErrRuntimeUnavailable):
		recordImageBuild(ctx, "unavailable")
		warnings = append(warnings, fmt.Sprintf("Container runtime unavailable: %v", err))
		logger.Warn("Container runtime unavailable, container rules will fail", slog.String("error", err.Error()))
	case err != nil:
		recordImageBuild(ctx, "failed")
		warnings = append(warnings, fmt.Sprintf("Failed to build dependency image: %v", err))
		logger.Warn("Failed to build dependency image", slog.String("error", err.Error()))
	default:
		recordImageBuild(ctx, "ready")
		info.ImageRef = tag
		logger.Info("Dependency image ready", slog.String("image", tag))
	}

	info.Resolver = r.resolverFactory(info)
	return info, warnings, nil
}

// DispatchRule constructs and executes one rule.
//
// # Description
//
// Disabled entries are skipped and reported with ok=false. Unknown
// names, invalid configs and panics raised by the rule become failed
// results. The duration is always recorded.
//
// # Outputs
//
//   - RuleResult: The rule's result.
//   - bool: False when the entry is disabled and has no result.
func (r *Runner) DispatchRule(ctx context.Context, entry contract.RuleEntry, info *rules.ArtifactInfo) (result RuleResult, ok bool) {
	logger := r.logger
	if info.Logger != nil {
		logger = info.Logger
	}
	logger = logger.With(slog.String("rule", entry.Name))

	if !entry.Enabled {
		logger.Debug("Skipping disabled rule")
		return RuleResult{}, false
	}

	ctx, span := startRuleSpan(ctx, entry.Name)
	defer span.End()
	logger = telemetry.LoggerWithTrace(ctx, logger)

	start := r.now()
	defer func() {
		if p := recover(); p != nil {
			msg := fmt.Sprint(p)
			logger.Error("Rule panicked",
				slog.String("panic", msg),
				slog.String("stack", string(debug.Stack())),
			)
			result = failedResult(entry.Name, "Rule execution failed: "+msg, msg)
			ok = true
		}
		result.Duration = r.now().Sub(start)

		span.SetAttributes(attribute.Bool("codegate.passed", result.Passed))
		if !result.Passed {
			span.SetStatus(codes.Error, result.Message)
		}
		recordRule(ctx, entry.Name, result.Passed, result.Duration)

		logger.Info("Rule finished",
			slog.Bool("passed", result.Passed),
			slog.String("message", result.Message),
			slog.Duration("duration", result.Duration),
		)
	}()

	rule, err := r.registry.New(entry)
	if err != nil {
		var cfgErr *rules.ConfigError
		switch {
		case errors.Is(err, rules.ErrUnknownRule):
			return failedResult(entry.Name, fmt.Sprintf("Rule '%s' not found in registry", entry.Name), err.Error()), true
		case errors.As(err, &cfgErr):
			return failedResult(entry.Name, fmt.Sprintf("Invalid configuration for rule '%s': %v", entry.Name, cfgErr.Reason), err.Error()), true
		default:
			return failedResult(entry.Name, "Rule execution failed: "+err.Error(), err.Error()), true
		}
	}

	out := rule.Execute(ctx, info)
	return RuleResult{
		Rule:    entry.Name,
		Passed:  out.Passed,
		Message: out.Message,
		Details: out.Details,
	}, true
}

func failedResult(rule, message, cause string) RuleResult {
	return RuleResult{
		Rule:    rule,
		Passed:  false,
		Message: message,
		Details: map[string]any{"error": cause},
	}
}

// projectName identifies the project by its entry point.
func projectName(p contract.Project) string {
	if p.EntryPoint != "" {
		return p.EntryPoint
	}
	return "project"
}
