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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompiledSchemas_CoverKnownRules(t *testing.T) {
	all, err := compiledSchemas()
	require.NoError(t, err)
	for _, name := range KnownRules() {
		assert.Contains(t, all, name)
	}
	assert.Len(t, all, len(KnownRules()))
}

func TestValidateRuleConfig(t *testing.T) {
	tests := []struct {
		name    string
		rule    string
		config  map[string]any
		wantErr bool
	}{
		{"policy full", RulePolicy, map[string]any{
			"enabled":            true,
			"forbidden_packages": []any{"PyYAML"},
			"forbidden_apis":     []any{"eval"},
			"package_map":        map[string]any{"yaml": "PyYAML", "google": []any{"protobuf", "google-api-core"}},
			"constraints":        []any{map[string]any{"name": "small", "expr": "files_checked < 100"}},
		}, false},
		{"policy forbidden_apis not list", RulePolicy, map[string]any{"enabled": true, "forbidden_apis": "eval"}, true},
		{"policy constraint missing expr", RulePolicy, map[string]any{
			"enabled":     true,
			"constraints": []any{map[string]any{"name": "x"}},
		}, true},
		{"build_imports float timeout", RuleBuildImports, map[string]any{"enabled": true, "import_timeout": 1.5}, true},
		{"build_imports int timeout", RuleBuildImports, map[string]any{"enabled": true, "import_timeout": 60}, false},
		{"build_imports int64 timeout", RuleBuildImports, map[string]any{"enabled": true, "import_timeout": int64(600)}, false},
		{"build_imports string timeout", RuleBuildImports, map[string]any{"enabled": true, "import_timeout": "60"}, true},
		{"unit_tests threshold over 100", RuleUnitTests, map[string]any{"enabled": true, "coverage_threshold": 101}, true},
		{"unit_tests float threshold", RuleUnitTests, map[string]any{"enabled": true, "coverage_threshold": 72.5}, false},
		{"quality enabled without command", RuleQuality, map[string]any{"enabled": true}, true},
		{"quality disabled without command", RuleQuality, map[string]any{"enabled": false}, false},
		{"quality argv command", RuleQuality, map[string]any{
			"enabled":               true,
			"command":               []any{"ruff", "check", "."},
			"acceptable_exit_codes": []any{0, 1},
		}, false},
		{"unknown rule always passes", "made_up", map[string]any{"enabled": "nope"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRuleConfig(tt.rule, tt.config)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidContract)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRuleEntry_Decode(t *testing.T) {
	entry := NewRuleEntry("unit_tests", map[string]any{
		"enabled":            true,
		"test_directory":     "spec/",
		"coverage_threshold": 90,
	})

	var cfg struct {
		Enabled           bool    `json:"enabled"`
		TestDirectory     string  `json:"test_directory"`
		CoverageThreshold float64 `json:"coverage_threshold"`
	}
	require.NoError(t, entry.Decode(&cfg))
	assert.True(t, entry.Enabled)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, "spec/", cfg.TestDirectory)
	assert.Equal(t, 90.0, cfg.CoverageThreshold)
}

func TestNewRuleSet(t *testing.T) {
	rs := NewRuleSet(
		NewRuleEntry("policy", map[string]any{"enabled": true}),
		NewRuleEntry("quality", map[string]any{"enabled": false}),
	)
	assert.Equal(t, 2, rs.Len())
	assert.Len(t, rs.Enabled(), 1)

	_, ok := rs.Get("missing")
	assert.False(t, ok)

	c := &Contract{
		Environment: Environment{RuntimeImage: "base:slim"},
		Project:     Project{Path: "/p", EntryPoint: "m.py"},
		Rules:       rs,
	}
	assert.NoError(t, Validate(c))
}

func TestValidate_Nil(t *testing.T) {
	assert.ErrorIs(t, Validate(nil), ErrInvalidContract)
}

func TestIsKnownRule(t *testing.T) {
	assert.True(t, IsKnownRule("policy"))
	assert.True(t, IsKnownRule("quality"))
	assert.False(t, IsKnownRule("lint"))
}
