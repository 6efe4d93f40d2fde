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
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for evaluation runs.
var (
	tracer = otel.Tracer("codegate.engine")
	meter  = otel.Meter("codegate.engine")
)

// Metrics for evaluation runs.
var (
	ruleDuration metric.Float64Histogram
	ruleResults  metric.Int64Counter
	evaluations  metric.Int64Counter
	imageBuilds  metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		ruleDuration, err = meter.Float64Histogram(
			"codegate_rule_duration_seconds",
			metric.WithDescription("Duration of rule executions"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		ruleResults, err = meter.Int64Counter(
			"codegate_rule_results_total",
			metric.WithDescription("Total number of rule results by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		evaluations, err = meter.Int64Counter(
			"codegate_evaluations_total",
			metric.WithDescription("Total number of contract evaluations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		imageBuilds, err = meter.Int64Counter(
			"codegate_image_builds_total",
			metric.WithDescription("Total number of dependency image preparations by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startRunSpan creates the root span of an evaluation.
func startRunSpan(ctx context.Context, runID, project string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Runner.Run",
		trace.WithAttributes(
			attribute.String("codegate.run_id", runID),
			attribute.String("codegate.project", project),
		),
	)
}

// startRuleSpan creates a span for one rule dispatch.
func startRuleSpan(ctx context.Context, rule string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Runner.DispatchRule",
		trace.WithAttributes(attribute.String("codegate.rule", rule)),
	)
}

// setRunSpanResult sets the summary attributes on a run span.
func setRunSpanResult(span trace.Span, s Summary) {
	span.SetAttributes(
		attribute.Int("codegate.total", s.Total),
		attribute.Int("codegate.passed", s.Passed),
		attribute.Int("codegate.failed", s.Failed),
	)
}

// recordRule records metrics for one rule result.
func recordRule(ctx context.Context, rule string, passed bool, duration time.Duration) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("rule", rule),
		attribute.Bool("passed", passed),
	)
	ruleDuration.Record(ctx, duration.Seconds(), attrs)
	ruleResults.Add(ctx, 1, attrs)
}

// recordEvaluation records the completion of a run.
func recordEvaluation(ctx context.Context, passed bool) {
	if err := initMetrics(); err != nil {
		return
	}
	evaluations.Add(ctx, 1, metric.WithAttributes(attribute.Bool("passed", passed)))
}

// recordImageBuild records a dependency image preparation. outcome is
// "ready", "failed" or "unavailable".
func recordImageBuild(ctx context.Context, outcome string) {
	if err := initMetrics(); err != nil {
		return
	}
	imageBuilds.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
