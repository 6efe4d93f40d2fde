// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package contract

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validContract = `
Environment:
  runtime_image: python:3.11-slim
  network_access: true
  system_dependencies: [gcc]
project:
  path: ./app
  entry_point: src/app.py
  python_dependencies:
    - requests==2.31.0
rules:
  unit_tests:
    enabled: true
    coverage_threshold: 80
  policy:
    enabled: true
    forbidden_apis: [eval, os.system]
  security_sast:
    enabled: false
  build_imports:
    enabled: true
    import_timeout: 30
`

func writeContract(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "contract.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestParse_Valid(t *testing.T) {
	path := writeContract(t, validContract)

	c, err := Parse(path)
	require.NoError(t, err)

	assert.Equal(t, "python:3.11-slim", c.Environment.RuntimeImage)
	assert.True(t, c.Environment.NetworkAccess)
	assert.Equal(t, []string{"gcc"}, c.Environment.SystemDependencies)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "app"), c.Project.Path)
	assert.Equal(t, "src/app.py", c.Project.EntryPoint)
	assert.Equal(t, []string{"requests==2.31.0"}, c.Project.PythonDependencies)
	assert.Equal(t, path, c.SourcePath)

	var names []string
	for _, e := range c.Rules.Entries() {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"unit_tests", "policy", "security_sast", "build_imports"}, names, "declaration order preserved")

	var enabled []string
	for _, e := range c.Rules.Enabled() {
		enabled = append(enabled, e.Name)
	}
	assert.Equal(t, []string{"unit_tests", "policy", "build_imports"}, enabled)

	policy, ok := c.Rules.Get("policy")
	require.True(t, ok)
	assert.Equal(t, []any{"eval", "os.system"}, policy.Config["forbidden_apis"])
}

func TestParse_AbsoluteProjectPathKept(t *testing.T) {
	abs := t.TempDir()
	path := writeContract(t, `
Environment: {runtime_image: base:slim}
project: {path: `+abs+`, entry_point: main.py}
rules: {}
`)
	c, err := Parse(path)
	require.NoError(t, err)
	assert.Equal(t, abs, c.Project.Path)
	assert.Equal(t, 0, c.Rules.Len())
}

func TestParse_NotFound(t *testing.T) {
	_, err := Parse(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrContractNotFound)
	assert.Contains(t, err.Error(), "not found")
}

func TestParse_Empty(t *testing.T) {
	for _, content := range []string{"", "# only a comment\n", "~\n"} {
		_, err := Parse(writeContract(t, content))
		assert.ErrorIs(t, err, ErrEmptyContract, "content %q", content)
	}
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse(writeContract(t, "Environment: [unclosed\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidContract)
	assert.Contains(t, err.Error(), "invalid YAML syntax")
}

func TestParseBytes_Errors(t *testing.T) {
	tests := []struct {
		name  string
		yaml  string
		field string
	}{
		{
			name:  "missing Environment",
			yaml:  "project: {path: ., entry_point: m.py}\nrules: {}\n",
			field: "Environment",
		},
		{
			name:  "missing rules",
			yaml:  "Environment: {runtime_image: b}\nproject: {path: ., entry_point: m.py}\n",
			field: "rules",
		},
		{
			name:  "null rules",
			yaml:  "Environment: {runtime_image: b}\nproject: {path: ., entry_point: m.py}\nrules:\n",
			field: "rules",
		},
		{
			name:  "missing runtime_image",
			yaml:  "Environment: {network_access: false}\nproject: {path: ., entry_point: m.py}\nrules: {}\n",
			field: "Environment.runtime_image",
		},
		{
			name:  "missing entry_point",
			yaml:  "Environment: {runtime_image: b}\nproject: {path: .}\nrules: {}\n",
			field: "project.entry_point",
		},
		{
			name:  "wrong network_access type",
			yaml:  "Environment: {runtime_image: b, network_access: sometimes}\nproject: {path: ., entry_point: m.py}\nrules: {}\n",
			field: "Environment",
		},
		{
			name:  "Environment not a mapping",
			yaml:  "Environment: python\nproject: {path: ., entry_point: m.py}\nrules: {}\n",
			field: "Environment",
		},
		{
			name:  "rule not a mapping",
			yaml:  "Environment: {runtime_image: b}\nproject: {path: ., entry_point: m.py}\nrules: {policy: true}\n",
			field: "rules.policy",
		},
		{
			name:  "rule missing enabled",
			yaml:  "Environment: {runtime_image: b}\nproject: {path: ., entry_point: m.py}\nrules: {policy: {forbidden_apis: []}}\n",
			field: "rules.policy.enabled",
		},
		{
			name:  "enabled not boolean",
			yaml:  "Environment: {runtime_image: b}\nproject: {path: ., entry_point: m.py}\nrules: {policy: {enabled: 'yes'}}\n",
			field: "rules.policy.enabled",
		},
		{
			name:  "schema violation",
			yaml:  "Environment: {runtime_image: b}\nproject: {path: ., entry_point: m.py}\nrules: {unit_tests: {enabled: true, coverage_threshold: high}}\n",
			field: "rules.unit_tests.coverage_threshold",
		},
		{
			name:  "entry_point injects code",
			yaml:  "Environment: {runtime_image: b}\nproject: {path: ., entry_point: \"app'); import os; print('\"}\nrules: {}\n",
			field: "project.entry_point",
		},
		{
			name:  "entry_point escapes project",
			yaml:  "Environment: {runtime_image: b}\nproject: {path: ., entry_point: ../outside.py}\nrules: {}\n",
			field: "project.entry_point",
		},
		{
			name:  "blank system dependency",
			yaml:  "Environment: {runtime_image: b, system_dependencies: ['']}\nproject: {path: ., entry_point: m.py}\nrules: {}\n",
			field: "Environment.system_dependencies[0]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBytes([]byte(tt.yaml), "")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidContract)

			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr), "got %T: %v", err, err)
			assert.Equal(t, tt.field, cfgErr.Field, "message: %s", cfgErr.Message)
		})
	}
}

func TestParseBytes_UnknownRuleAllowed(t *testing.T) {
	c, err := ParseBytes([]byte(`
Environment: {runtime_image: b}
project: {path: ., entry_point: m.py}
rules:
  lint_everything: {enabled: true, anything: [1, 2]}
  policy: {enabled: true}
`), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"lint_everything"}, c.UnknownRules())
}

func TestParseBytes_DuplicateRule(t *testing.T) {
	_, err := ParseBytes([]byte(`
Environment: {runtime_image: b}
project: {path: ., entry_point: m.py}
rules:
  policy: {enabled: true}
  policy: {enabled: false}
`), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidContract)
}

func TestParseBytes_RelativePathWithoutBaseDir(t *testing.T) {
	c, err := ParseBytes([]byte(`
Environment: {runtime_image: b}
project: {path: ./proj, entry_point: m.py}
rules: {}
`), "")
	require.NoError(t, err)
	assert.Equal(t, "./proj", c.Project.Path)
}
