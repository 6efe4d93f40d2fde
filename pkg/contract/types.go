// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package contract parses and validates codegate contracts.

A contract is a YAML document with three sections:

	Environment:
	  runtime_image: python:3.11-slim
	  network_access: false
	  system_dependencies: [gcc]
	project:
	  path: ./app
	  entry_point: src/app.py
	  python_dependencies: [requests]
	rules:
	  policy:
	    enabled: true
	    forbidden_apis: [eval]

Rule order in the document is preserved and is the order rules run in.
*/
package contract

import (
	"encoding/json"
	"fmt"
	"maps"

	"gopkg.in/yaml.v3"
)

// Contract is a parsed contract document.
type Contract struct {
	Environment Environment
	Project     Project
	Rules       RuleSet

	// SourcePath is the file the contract was read from. Empty for
	// contracts parsed from bytes or built in code.
	SourcePath string
}

// Environment describes the container the rules execute in.
type Environment struct {
	RuntimeImage       string   `yaml:"runtime_image" validate:"nonblank"`
	NetworkAccess      bool     `yaml:"network_access"`
	SystemDependencies []string `yaml:"system_dependencies" validate:"dive,nonblank"`
}

// Project locates the artifact under evaluation.
type Project struct {
	Path               string   `yaml:"path" validate:"nonblank"`
	EntryPoint         string   `yaml:"entry_point" validate:"nonblank,entrypoint"`
	PythonDependencies []string `yaml:"python_dependencies" validate:"dive,nonblank"`
}

// RuleEntry is one named rule with its raw configuration.
type RuleEntry struct {
	// Name is the rule key from the contract.
	Name string

	// Enabled mirrors the rule's "enabled" field.
	Enabled bool

	// Config is the full rule mapping, including "enabled".
	Config map[string]any

	// isMapping is false when the rule value was not a YAML mapping.
	isMapping bool

	// enabledOK is true when "enabled" is present and boolean.
	enabledOK bool
}

// NewRuleEntry builds an entry from a config mapping, deriving Enabled.
func NewRuleEntry(name string, config map[string]any) RuleEntry {
	e := RuleEntry{Name: name, Config: config, isMapping: true}
	if config == nil {
		e.Config = map[string]any{}
	}
	if v, ok := e.Config["enabled"].(bool); ok {
		e.Enabled = v
		e.enabledOK = true
	}
	return e
}

// Decode copies the rule config into v, which should be a pointer to a
// struct with json tags. Unknown keys are ignored.
func (e RuleEntry) Decode(v any) error {
	data, err := json.Marshal(e.Config)
	if err != nil {
		return fmt.Errorf("encode %s config: %w", e.Name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s config: %w", e.Name, err)
	}
	return nil
}

// RuleSet is the ordered rules section.
type RuleSet struct {
	entries []RuleEntry
	present bool
	dupes   []string
}

// NewRuleSet builds a RuleSet in the given order.
func NewRuleSet(entries ...RuleEntry) RuleSet {
	rs := RuleSet{present: true}
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if seen[e.Name] {
			rs.dupes = append(rs.dupes, e.Name)
			continue
		}
		seen[e.Name] = true
		rs.entries = append(rs.entries, e)
	}
	return rs
}

// Entries returns the rules in declaration order.
func (rs RuleSet) Entries() []RuleEntry {
	out := make([]RuleEntry, len(rs.entries))
	for i, e := range rs.entries {
		e.Config = maps.Clone(e.Config)
		out[i] = e
	}
	return out
}

// Len returns the number of declared rules.
func (rs RuleSet) Len() int {
	return len(rs.entries)
}

// Get returns the entry named name.
func (rs RuleSet) Get(name string) (RuleEntry, bool) {
	for _, e := range rs.entries {
		if e.Name == name {
			return e, true
		}
	}
	return RuleEntry{}, false
}

// Enabled returns the entries whose enabled flag is true, in order.
func (rs RuleSet) Enabled() []RuleEntry {
	var out []RuleEntry
	for _, e := range rs.Entries() {
		if e.Enabled {
			out = append(out, e)
		}
	}
	return out
}

// UnmarshalYAML decodes the rules mapping while keeping key order.
func (rs *RuleSet) UnmarshalYAML(node *yaml.Node) error {
	rs.present = true
	if node.Kind != yaml.MappingNode {
		return configErrorf("rules", "must be a mapping")
	}

	seen := make(map[string]bool, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]

		var name string
		if err := key.Decode(&name); err != nil || key.Kind != yaml.ScalarNode {
			return configErrorf("rules", "rule name must be a string (line %d)", key.Line)
		}
		if seen[name] {
			rs.dupes = append(rs.dupes, name)
			continue
		}
		seen[name] = true

		entry := RuleEntry{Name: name}
		if val.Kind == yaml.MappingNode {
			var cfg map[string]any
			if err := val.Decode(&cfg); err != nil {
				return configErrorf("rules."+name, "%v", err)
			}
			entry = NewRuleEntry(name, cfg)
		}
		rs.entries = append(rs.entries, entry)
	}
	return nil
}
