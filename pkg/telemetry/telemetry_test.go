// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	cfg := DefaultConfig()
	assert.Equal(t, "codegate", cfg.ServiceName)
	assert.Equal(t, ExporterNone, cfg.TraceExporter)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.Empty(t, cfg.MetricsFile)
}

func TestDefaultConfig_EnvOverride(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "stdout")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")

	cfg := DefaultConfig()
	assert.Equal(t, ExporterStdout, cfg.TraceExporter)
	assert.Equal(t, "collector:4317", cfg.OTLPEndpoint)
}

func TestInit_NilContext(t *testing.T) {
	_, err := Init(nil, Config{TraceExporter: ExporterNone})
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestInit_Noop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{TraceExporter: ExporterNone})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{TraceExporter: "zipkin"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownExporter)
}

func TestInit_StdoutTraces(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Init(context.Background(), Config{
		ServiceName:   "codegate",
		TraceExporter: ExporterStdout,
		TraceWriter:   &buf,
	})
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "Runner.Run")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	assert.Contains(t, buf.String(), "Runner.Run")
}

func TestInit_MetricsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codegate.prom")
	shutdown, err := Init(context.Background(), Config{
		ServiceName:   "codegate",
		TraceExporter: ExporterNone,
		MetricsFile:   path,
	})
	require.NoError(t, err)

	counter, err := otel.Meter("test").Int64Counter("codegate_test_runs_total")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)
	require.NoError(t, shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "codegate_test_runs")
	assert.Contains(t, string(data), "# TYPE")
}

func TestLoggerWithTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	LoggerWithTrace(context.Background(), logger).Info("no span")
	assert.NotContains(t, buf.String(), "trace_id")

	traceID := trace.TraceID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10}
	spanID := trace.SpanID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	buf.Reset()
	LoggerWithTrace(ctx, logger).Info("with span")
	assert.Contains(t, buf.String(), traceID.String())
	assert.Contains(t, buf.String(), spanID.String())

	assert.NotNil(t, LoggerWithTrace(ctx, nil))
}
