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
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Built-in rule names.
const (
	RuleBuildImports = "build_imports"
	RuleUnitTests    = "unit_tests"
	RuleSecuritySAST = "security_sast"
	RuleSecurityDeps = "security_deps"
	RulePolicy       = "policy"
	RuleQuality      = "quality"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaURLPrefix = "https://codegate.schemas.local/rules/"

var (
	schemasOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	schemasErr  error
)

// KnownRules returns the built-in rule names, sorted.
func KnownRules() []string {
	return []string{
		RuleBuildImports,
		RulePolicy,
		RuleQuality,
		RuleSecurityDeps,
		RuleSecuritySAST,
		RuleUnitTests,
	}
}

// IsKnownRule reports whether name is a built-in rule.
func IsKnownRule(name string) bool {
	for _, n := range KnownRules() {
		if n == name {
			return true
		}
	}
	return false
}

// compiledSchemas compiles every embedded rule schema once.
func compiledSchemas() (map[string]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		entries, err := schemaFS.ReadDir("schemas")
		if err != nil {
			schemasErr = fmt.Errorf("read embedded schemas: %w", err)
			return
		}

		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020

		compiled := make(map[string]*jsonschema.Schema, len(entries))
		for _, entry := range entries {
			rule := strings.TrimSuffix(entry.Name(), ".json")
			data, err := schemaFS.ReadFile("schemas/" + entry.Name())
			if err != nil {
				schemasErr = fmt.Errorf("read schema %s: %w", entry.Name(), err)
				return
			}
			url := schemaURLPrefix + rule + ".schema.json"
			if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
				schemasErr = fmt.Errorf("load schema %s: %w", rule, err)
				return
			}
			s, err := c.Compile(url)
			if err != nil {
				schemasErr = fmt.Errorf("compile schema %s: %w", rule, err)
				return
			}
			compiled[rule] = s
		}
		schemas = compiled
	})
	return schemas, schemasErr
}

// ValidateRuleConfig checks a known rule's config against its schema.
// Unknown rule names pass; the runner reports them at dispatch.
func ValidateRuleConfig(name string, config map[string]any) error {
	all, err := compiledSchemas()
	if err != nil {
		return err
	}
	schema, ok := all[name]
	if !ok {
		return nil
	}

	// Round-trip through JSON so YAML-decoded values become the
	// json.Number / map[string]any shapes the validator expects.
	data, err := json.Marshal(config)
	if err != nil {
		return configErrorf("rules."+name, "config is not representable as JSON: %v", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return configErrorf("rules."+name, "%v", err)
	}

	if err := schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return schemaError(name, ve)
		}
		return configErrorf("rules."+name, "%v", err)
	}
	return nil
}

// schemaError flattens a validation tree into one ConfigError naming
// the first failing leaf.
func schemaError(rule string, ve *jsonschema.ValidationError) *ConfigError {
	leaves := leafErrors(ve)
	sort.SliceStable(leaves, func(i, j int) bool {
		return leaves[i].InstanceLocation < leaves[j].InstanceLocation
	})

	leaf := ve
	if len(leaves) > 0 {
		leaf = leaves[0]
	}

	field := "rules." + rule
	if loc := strings.Trim(leaf.InstanceLocation, "/"); loc != "" {
		field += "." + strings.ReplaceAll(loc, "/", ".")
	}
	return &ConfigError{Field: field, Message: leaf.Message}
}

func leafErrors(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		out = append(out, leafErrors(c)...)
	}
	return out
}
