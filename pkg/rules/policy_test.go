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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/codegate/pkg/contract"
	"github.com/AleutianAI/codegate/pkg/policy"
)

func TestPolicy_NoViolationsWithoutContainer(t *testing.T) {
	root := projectDir(t, map[string]string{
		"calculator.py":      "def add(a, b):\n    return a + b\n",
		"test_calculator.py": "from calculator import add\n\ndef test_add():\n    assert add(1, 2) == 3\n",
	})
	info := &ArtifactInfo{ProjectPath: root}

	out := mustRule(t, contract.RulePolicy, map[string]any{"forbidden_apis": []any{"eval"}}).Execute(context.Background(), info)
	require.True(t, out.Passed, out.Message)
	assert.Equal(t, "No policy violations found", out.Message)
	assert.Equal(t, 2, out.Details["files_checked"])
	assert.Equal(t, []string{"eval"}, out.Details["forbidden_apis"])
	assert.Empty(t, out.Details["violations"])
}

func TestPolicy_Violations(t *testing.T) {
	root := projectDir(t, map[string]string{
		"app.py": "import os\nimport yaml\nimport requests\n\nos.system('rm -rf /')\n",
	})
	info := &ArtifactInfo{ProjectPath: root, PythonDependencies: []string{"requests==2.31"}}

	out := mustRule(t, contract.RulePolicy, map[string]any{
		"forbidden_modules":       []any{"os"},
		"forbidden_packages":      []any{"PyYAML"},
		"forbidden_distributions": []any{"requests", "PyYAML"},
		"forbidden_apis":          []any{"os.system"},
	}).Execute(context.Background(), info)

	assert.False(t, out.Passed)
	assert.Equal(t, "Found 4 policy violation(s)", out.Message)
	assert.Equal(t, []string{"PyYAML", "requests"}, out.Details["forbidden_packages"])

	counts := out.Details["violation_counts"].(map[string]int)
	assert.Equal(t, 1, counts[string(policy.KindForbiddenModule)])
	assert.Equal(t, 1, counts[string(policy.KindForbiddenDistribution)], "yaml via alias table")
	assert.Equal(t, 1, counts[string(policy.KindForbiddenAPI)])
	assert.Equal(t, 1, counts[string(policy.KindForbiddenPackage)], "requests declared")

	// "requests" resolves to nothing without a package_map: unknown modules
	// never produce distribution violations.
	violations := out.Details["violations"].([]policy.Violation)
	for _, v := range violations {
		if v.Kind == policy.KindForbiddenDistribution {
			assert.Equal(t, "PyYAML", v.Identifier)
		}
	}
}

func TestPolicy_UnresolvedImportsWarning(t *testing.T) {
	root := projectDir(t, map[string]string{
		"app.py":     "import os\nimport yaml\nimport requests\nimport helpers\n",
		"helpers.py": "",
	})

	// No dependency image: unresolved names are listed and flagged.
	out := mustRule(t, contract.RulePolicy, nil).Execute(context.Background(), &ArtifactInfo{ProjectPath: root})
	require.True(t, out.Passed, out.Message)
	assert.Equal(t, []string{"requests"}, out.Details["unresolved_imports"])
	assert.Contains(t, out.Details["warning"], "No dependency image")

	// An environment resolver clears both.
	env := policy.StaticResolver{"requests": {"requests"}}
	out = mustRule(t, contract.RulePolicy, nil).Execute(context.Background(), &ArtifactInfo{ProjectPath: root, Resolver: env})
	assert.Equal(t, []string{}, out.Details["unresolved_imports"])
	assert.NotContains(t, out.Details, "warning")

	// Opting out of environment resolution is not warned about.
	out = mustRule(t, contract.RulePolicy, map[string]any{"resolve_in_container": false}).
		Execute(context.Background(), &ArtifactInfo{ProjectPath: root})
	assert.Equal(t, []string{"requests"}, out.Details["unresolved_imports"])
	assert.NotContains(t, out.Details, "warning")
}

func TestPolicy_ResolverChainOrder(t *testing.T) {
	root := projectDir(t, map[string]string{"app.py": "import yaml\nimport internal_sdk\n"})
	env := policy.StaticResolver{
		"yaml":         {"env-yaml"},
		"internal_sdk": {"acme-sdk"},
	}

	// package_map wins over the environment; the environment wins over
	// the alias table.
	info := &ArtifactInfo{ProjectPath: root, Resolver: env}
	out := mustRule(t, contract.RulePolicy, map[string]any{
		"forbidden_packages": []any{"ruamel.yaml", "acme-sdk"},
		"package_map":        map[string]any{"yaml": "ruamel.yaml"},
	}).Execute(context.Background(), info)
	assert.False(t, out.Passed)
	assert.Equal(t, []string{"acme-sdk", "ruamel.yaml"}, out.Details["used_distributions"])
	assert.Len(t, out.Details["violations"], 2)

	// Disabling the environment resolver falls through to the alias table.
	out = mustRule(t, contract.RulePolicy, map[string]any{
		"forbidden_packages":   []any{"acme-sdk"},
		"resolve_in_container": false,
	}).Execute(context.Background(), info)
	assert.True(t, out.Passed, out.Message)
	assert.Equal(t, []string{"PyYAML"}, out.Details["used_distributions"])
}

func TestPolicy_PackageMapList(t *testing.T) {
	root := projectDir(t, map[string]string{"app.py": "import google.protobuf\n"})
	out := mustRule(t, contract.RulePolicy, map[string]any{
		"forbidden_distributions": []any{"Protobuf"},
		"package_map":             map[string]any{"google": []any{"protobuf", "google-api-core"}},
	}).Execute(context.Background(), &ArtifactInfo{ProjectPath: root})

	assert.False(t, out.Passed)
	assert.Equal(t, []string{"google-api-core", "protobuf"}, out.Details["used_distributions"])
	assert.Equal(t, []string{"protobuf"}, out.Details["forbidden_normalized"])
}

func TestPolicy_SitePackages(t *testing.T) {
	site := projectDir(t, map[string]string{
		"Acme_Tools-1.0.dist-info/METADATA":      "Name: acme-tools\n",
		"Acme_Tools-1.0.dist-info/top_level.txt": "acmetools\n",
	})
	root := projectDir(t, map[string]string{"app.py": "from acmetools import run\n"})

	out := mustRule(t, contract.RulePolicy, map[string]any{
		"forbidden_packages": []any{"ACME_tools"},
		"site_packages":      []any{site},
	}).Execute(context.Background(), &ArtifactInfo{ProjectPath: root})
	assert.False(t, out.Passed)
	assert.Equal(t, []string{"acme-tools"}, out.Details["used_distributions"])
}

func TestPolicy_Constraints(t *testing.T) {
	root := projectDir(t, map[string]string{"a.py": "", "b.py": "", "c.py": ""})
	out := mustRule(t, contract.RulePolicy, map[string]any{
		"constraints": []any{
			map[string]any{"name": "tiny", "expr": "files_checked <= 2", "message": "project too large"},
		},
	}).Execute(context.Background(), &ArtifactInfo{ProjectPath: root})

	assert.False(t, out.Passed)
	violations := out.Details["violations"].([]policy.Violation)
	require.Len(t, violations, 1)
	assert.Equal(t, policy.KindConstraint, violations[0].Kind)
	assert.Equal(t, "project too large", violations[0].Message)
}

func TestPolicy_ProjectMissing(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope")
	out := mustRule(t, contract.RulePolicy, nil).Execute(context.Background(), &ArtifactInfo{ProjectPath: missing})
	assert.False(t, out.Passed)
	assert.Equal(t, "Project path not found: "+missing, out.Message)
}
