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
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/codegate/pkg/container"
	"github.com/AleutianAI/codegate/pkg/contract"
	"github.com/AleutianAI/codegate/pkg/policy"
	"github.com/AleutianAI/codegate/pkg/rules"
)

// =============================================================================
// TEST DOUBLES
// =============================================================================

// fakeRuntime records builds and answers commands from a script.
type fakeRuntime struct {
	tag      string
	buildErr error
	run      func(req container.RunRequest) (*container.CommandResult, error)

	mu     sync.Mutex
	builds []container.ImageSpec
	runs   []container.RunRequest
}

func (f *fakeRuntime) BuildDependencyImage(_ context.Context, spec container.ImageSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds = append(f.builds, spec)
	if f.buildErr != nil {
		return "", f.buildErr
	}
	return f.tag, nil
}

func (f *fakeRuntime) RunCommand(_ context.Context, req container.RunRequest) (*container.CommandResult, error) {
	f.mu.Lock()
	f.runs = append(f.runs, req)
	f.mu.Unlock()
	if f.run == nil {
		return &container.CommandResult{}, nil
	}
	return f.run(req)
}

// panicRule panics on Execute.
type panicRule struct{}

func (panicRule) Name() string { return "explode" }

func (panicRule) Execute(context.Context, *rules.ArtifactInfo) rules.Outcome {
	panic("boom")
}

// unavailableRuntime is a real Runtime whose probe fails.
func unavailableRuntime() *container.Runtime {
	return container.NewRuntime("docker", &container.MockProcessManager{
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return nil, errors.New("Cannot connect to the Docker daemon")
		},
	}, nil)
}

// sampleProject writes an importable module and its test.
func sampleProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"calculator.py":      "def add(a, b):\n    return a + b\n",
		"test_calculator.py": "from calculator import add\n\n\ndef test_add():\n    assert add(2, 3) == 5\n",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func newContract(path string, entries ...contract.RuleEntry) *contract.Contract {
	return &contract.Contract{
		Environment: contract.Environment{RuntimeImage: "base:slim"},
		Project:     contract.Project{Path: path, EntryPoint: "calculator.py"},
		Rules:       contract.NewRuleSet(entries...),
	}
}

func enabled(name string, cfg map[string]any) contract.RuleEntry {
	if cfg == nil {
		cfg = map[string]any{}
	}
	cfg["enabled"] = true
	return contract.NewRuleEntry(name, cfg)
}

// =============================================================================
// END TO END
// =============================================================================

func TestRunner_EndToEndPolicy(t *testing.T) {
	dir := sampleProject(t)
	doc := fmt.Sprintf(`Environment:
  runtime_image: base:slim
project:
  path: %s
  entry_point: calculator.py
rules:
  policy:
    enabled: true
    forbidden_apis: ["eval"]
`, dir)
	c, err := contract.ParseBytes([]byte(doc), "")
	require.NoError(t, err)

	res, err := NewRunner(WithRuntime(unavailableRuntime())).Run(context.Background(), c)
	require.NoError(t, err)

	assert.True(t, res.Passed())
	assert.Equal(t, 0, res.Summary.Failed)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "policy", res.Results[0].Rule)
	assert.True(t, res.Results[0].Passed, res.Results[0].Message)
	assert.Equal(t, 100.0, res.Summary.SuccessRate)
	assert.Equal(t, "calculator.py", res.Project)
	assert.Equal(t, Artifact{Type: ArtifactType, Path: dir}, res.Artifact)
	assert.NotEmpty(t, res.RunID)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "Container runtime unavailable")
}

func TestRunner_TimeoutScenario(t *testing.T) {
	dir := sampleProject(t)
	pm := &container.MockProcessManager{
		RunFunc: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return []byte("ok"), nil
		},
		ExecuteFunc: func(ctx context.Context, timeout time.Duration, name string, args ...string) (*container.ProcessResult, error) {
			return &container.ProcessResult{TimedOut: true, ExitCode: -1}, container.ErrTimeout
		},
	}
	rt := container.NewRuntime("docker", pm, nil)
	c := newContract(dir, enabled(contract.RuleQuality, map[string]any{
		"command": []any{"sleep", "600"},
		"timeout": 1,
	}))

	res, err := NewRunner(WithRuntime(rt)).Run(context.Background(), c)
	require.NoError(t, err)

	assert.False(t, res.Passed())
	require.Len(t, res.Results, 1)
	assert.False(t, res.Results[0].Passed)
	assert.Contains(t, res.Results[0].Message, "timed out")
	assert.Equal(t, true, res.Results[0].Details["timed_out"])
	assert.Empty(t, res.Warnings)
	assert.Equal(t, 0, pm.CountSubcommand("build"), "cached image is reused")
}

// =============================================================================
// DISPATCH
// =============================================================================

func TestRunner_ZeroEnabledRules(t *testing.T) {
	c := newContract(sampleProject(t),
		contract.NewRuleEntry(contract.RulePolicy, map[string]any{"enabled": false}),
		contract.NewRuleEntry(contract.RuleUnitTests, map[string]any{"enabled": false}),
	)

	res, err := NewRunner(WithRuntime(&fakeRuntime{tag: "codegate-deps:abc"})).Run(context.Background(), c)
	require.NoError(t, err)

	assert.Equal(t, Summary{Total: 0, Passed: 0, Failed: 0, SuccessRate: 0.0, Duration: res.Summary.Duration}, res.Summary)
	assert.Empty(t, res.Results)
	assert.True(t, res.Passed())
}

func TestRunner_UnknownRuleContinues(t *testing.T) {
	c := newContract(sampleProject(t),
		enabled("mystery", nil),
		enabled(contract.RulePolicy, nil),
	)

	res, err := NewRunner(WithRuntime(&fakeRuntime{tag: "codegate-deps:abc"})).Run(context.Background(), c)
	require.NoError(t, err)

	require.Len(t, res.Results, 2)
	assert.False(t, res.Results[0].Passed)
	assert.Equal(t, "Rule 'mystery' not found in registry", res.Results[0].Message)
	assert.True(t, res.Results[1].Passed)
	assert.Equal(t, 50.0, res.Summary.SuccessRate)
}

func TestRunner_DisabledRulesOmitted(t *testing.T) {
	c := newContract(sampleProject(t),
		contract.NewRuleEntry(contract.RuleSecuritySAST, map[string]any{"enabled": false}),
		enabled(contract.RulePolicy, nil),
		contract.NewRuleEntry("mystery", map[string]any{"enabled": false}),
	)

	res, err := NewRunner(WithRuntime(&fakeRuntime{tag: "codegate-deps:abc"})).Run(context.Background(), c)
	require.NoError(t, err)

	require.Len(t, res.Results, 1)
	assert.Equal(t, contract.RulePolicy, res.Results[0].Rule)
	assert.Equal(t, 1, res.Summary.Total)
}

func TestRunner_DeclarationOrder(t *testing.T) {
	rt := &fakeRuntime{tag: "codegate-deps:abc", run: func(req container.RunRequest) (*container.CommandResult, error) {
		return &container.CommandResult{ExitCode: 1, Stdout: "lint error"}, nil
	}}
	c := newContract(sampleProject(t),
		enabled(contract.RuleQuality, map[string]any{"command": "ruff check ."}),
		enabled(contract.RulePolicy, nil),
		enabled("zzz_unknown", nil),
	)

	res, err := NewRunner(WithRuntime(rt)).Run(context.Background(), c)
	require.NoError(t, err)

	var names []string
	for _, r := range res.Results {
		names = append(names, r.Rule)
	}
	assert.Equal(t, []string{contract.RuleQuality, contract.RulePolicy, "zzz_unknown"}, names)
	assert.Equal(t, "Quality checks failed (exit code 1)", res.Results[0].Message)
	assert.Equal(t, 1, res.Summary.Passed)
	assert.Equal(t, 2, res.Summary.Failed)
}

func TestRunner_InvalidConfig(t *testing.T) {
	c := newContract(sampleProject(t), enabled(contract.RuleQuality, nil))

	res, err := NewRunner(WithRuntime(&fakeRuntime{tag: "codegate-deps:abc"})).Run(context.Background(), c)
	require.NoError(t, err)

	require.Len(t, res.Results, 1)
	assert.False(t, res.Results[0].Passed)
	assert.Equal(t, "Invalid configuration for rule 'quality': no command specified", res.Results[0].Message)
}

func TestRunner_PanicRecovered(t *testing.T) {
	reg := rules.DefaultRegistry()
	reg.Register("explode", func(contract.RuleEntry) (rules.Rule, error) { return panicRule{}, nil })
	c := newContract(sampleProject(t), enabled("explode", nil), enabled(contract.RulePolicy, nil))

	res, err := NewRunner(WithRegistry(reg), WithRuntime(&fakeRuntime{tag: "codegate-deps:abc"})).Run(context.Background(), c)
	require.NoError(t, err)

	require.Len(t, res.Results, 2)
	assert.False(t, res.Results[0].Passed)
	assert.Equal(t, "Rule execution failed: boom", res.Results[0].Message)
	assert.Equal(t, "boom", res.Results[0].Details["error"])
	assert.True(t, res.Results[1].Passed)
}

func TestRunner_DispatchRuleSkipsDisabled(t *testing.T) {
	r := NewRunner(WithRuntime(&fakeRuntime{}))
	_, ok := r.DispatchRule(context.Background(), contract.NewRuleEntry("mystery", map[string]any{"enabled": false}), &rules.ArtifactInfo{})
	assert.False(t, ok)
}

// =============================================================================
// ENVIRONMENT
// =============================================================================

func TestRunner_NilContract(t *testing.T) {
	_, err := NewRunner(WithRuntime(&fakeRuntime{})).Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNilContract)
}

func TestRunner_ProjectPathNotFound(t *testing.T) {
	rt := &fakeRuntime{}
	c := newContract(filepath.Join(t.TempDir(), "missing"), enabled(contract.RulePolicy, nil))

	_, err := NewRunner(WithRuntime(rt)).Run(context.Background(), c)
	assert.ErrorIs(t, err, ErrProjectPathNotFound)
	assert.Empty(t, rt.builds, "no image is built for a missing project")
}

func TestRunner_BuildFailureIsWarning(t *testing.T) {
	rt := &fakeRuntime{buildErr: &container.BuildError{Tag: "codegate-deps:abc", Message: "E: Unable to locate package nope"}}
	c := newContract(sampleProject(t), enabled(contract.RuleSecuritySAST, nil), enabled(contract.RulePolicy, nil))

	res, err := NewRunner(WithRuntime(rt)).Run(context.Background(), c)
	require.NoError(t, err)

	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "Failed to build dependency image")
	assert.Equal(t, rules.MsgContainerUnavailable, res.Results[0].Message)
	assert.True(t, res.Results[1].Passed)
	assert.Empty(t, rt.runs)
}

func TestRunner_ImageSpecFromContract(t *testing.T) {
	dir := sampleProject(t)
	rt := &fakeRuntime{tag: "codegate-deps:abc"}
	c := newContract(dir)
	c.Environment.SystemDependencies = []string{"gcc"}
	c.Project.PythonDependencies = []string{"requests==2.31"}

	_, err := NewRunner(WithRuntime(rt), WithForceRebuild(true)).Run(context.Background(), c)
	require.NoError(t, err)

	require.Len(t, rt.builds, 1)
	assert.Equal(t, container.ImageSpec{
		BaseImage:        "base:slim",
		SystemPackages:   []string{"gcc"},
		LanguagePackages: []string{"requests==2.31"},
		ProjectPath:      dir,
		ForceRebuild:     true,
	}, rt.builds[0])
}

func TestRunner_ResolverFactory(t *testing.T) {
	dir := sampleProject(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "svc.py"), []byte("import internal_sdk\n"), 0o644))

	var seen *rules.ArtifactInfo
	factory := func(info *rules.ArtifactInfo) policy.Resolver {
		seen = info
		return policy.StaticResolver{"internal_sdk": {"acme-sdk"}}
	}
	c := newContract(dir, enabled(contract.RulePolicy, map[string]any{"forbidden_packages": []any{"acme-sdk"}}))

	res, err := NewRunner(WithRuntime(&fakeRuntime{tag: "codegate-deps:abc"}), WithResolverFactory(factory)).Run(context.Background(), c)
	require.NoError(t, err)

	require.NotNil(t, seen)
	assert.Equal(t, "codegate-deps:abc", seen.ImageRef)
	require.Len(t, res.Results, 1)
	assert.False(t, res.Results[0].Passed)
	assert.Equal(t, "Found 1 policy violation(s)", res.Results[0].Message)
}

func TestRunner_Clock(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.FixedZone("X", 3600))
	var mu sync.Mutex
	ticks := 0
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		ticks++
		return base.Add(time.Duration(ticks-1) * time.Second)
	}
	c := newContract(sampleProject(t), enabled(contract.RulePolicy, nil))

	res, err := NewRunner(WithRuntime(&fakeRuntime{tag: "codegate-deps:abc"}), WithClock(clock)).Run(context.Background(), c)
	require.NoError(t, err)

	assert.Equal(t, base.UTC(), res.StartedAt)
	assert.Equal(t, time.Second, res.Results[0].Duration)
	assert.Equal(t, 3*time.Second, res.Summary.Duration)
}

func TestRunner_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := newContract(sampleProject(t), enabled(contract.RulePolicy, nil))

	_, err := NewRunner(WithRuntime(&fakeRuntime{tag: "codegate-deps:abc"})).Run(ctx, c)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestContainerResolverFactory(t *testing.T) {
	assert.Nil(t, ContainerResolverFactory(&rules.ArtifactInfo{}))

	rt := &fakeRuntime{run: func(req container.RunRequest) (*container.CommandResult, error) {
		return &container.CommandResult{Stdout: `{"yaml": ["PyYAML"], "cv2": ["opencv-python"]}`}, nil
	}}
	res := ContainerResolverFactory(&rules.ArtifactInfo{ImageRef: "codegate-deps:abc", Runner: rt})
	require.NotNil(t, res)

	ctx := context.Background()
	assert.Equal(t, []string{"PyYAML"}, res.Resolve(ctx, "yaml"))
	assert.Equal(t, []string{"opencv-python"}, res.Resolve(ctx, "cv2"))
	assert.Nil(t, res.Resolve(ctx, "missing"))
	assert.Len(t, rt.runs, 1, "the image is queried once")
	assert.Equal(t, "codegate-deps:abc", rt.runs[0].Image)
}
