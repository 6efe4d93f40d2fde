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
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Parse reads, validates, and path-resolves the contract at path.
//
// # Outputs
//
//   - *Contract: Validated contract with project.path made absolute
//     relative to the contract file's directory.
//   - error: ErrContractNotFound, ErrEmptyContract, or a *ConfigError.
func Parse(path string) (*Contract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrContractNotFound, path)
		}
		return nil, fmt.Errorf("read contract: %w", err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve contract path: %w", err)
	}

	c, err := ParseBytes(data, filepath.Dir(abs))
	if err != nil {
		return nil, err
	}
	c.SourcePath = abs
	return c, nil
}

// ParseBytes parses and validates an in-memory contract. A relative
// project.path is resolved against baseDir when baseDir is non-empty.
func ParseBytes(data []byte, baseDir string) (*Contract, error) {
	var doc yaml.Node
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyContract
		}
		return nil, &ConfigError{Message: fmt.Sprintf("invalid YAML syntax: %v", err)}
	}

	root := &doc
	if root.Kind == yaml.DocumentNode {
		if len(root.Content) == 0 {
			return nil, ErrEmptyContract
		}
		root = root.Content[0]
	}
	if root.Kind == yaml.ScalarNode && root.Tag == "!!null" {
		return nil, ErrEmptyContract
	}
	if root.Kind != yaml.MappingNode {
		return nil, &ConfigError{Message: "contract must be a mapping"}
	}

	c := &Contract{}
	found := map[string]bool{}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i].Value, root.Content[i+1]

		var target any
		switch key {
		case "Environment":
			target = &c.Environment
		case "project":
			target = &c.Project
		case "rules":
			target = &c.Rules
		default:
			continue
		}
		found[key] = true

		if val.Kind != yaml.MappingNode {
			return nil, configErrorf(key, "must be a mapping")
		}
		if err := val.Decode(target); err != nil {
			var cfgErr *ConfigError
			if errors.As(err, &cfgErr) {
				return nil, cfgErr
			}
			return nil, configErrorf(key, "%v", err)
		}
	}

	for _, section := range []string{"Environment", "project", "rules"} {
		if !found[section] {
			return nil, configErrorf(section, "missing required field")
		}
	}

	if err := Validate(c); err != nil {
		return nil, err
	}

	if baseDir != "" && !filepath.IsAbs(c.Project.Path) {
		c.Project.Path = filepath.Clean(filepath.Join(baseDir, c.Project.Path))
	}
	return c, nil
}
