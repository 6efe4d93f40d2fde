// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks contract values before they reach a
// generated Dockerfile, a container runtime argument list or a Python
// command line.
//
// The dependency image and the rule commands are built from text the
// contract author controls. A runtime_image carrying a newline or an
// entry point carrying a quote would inject arbitrary instructions, so
// every value is matched against a strict pattern first.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// imageRefPattern matches "[registry[:port]/]path[:tag][@digest]".
var imageRefPattern = regexp.MustCompile(
	`^[a-z0-9]+(?:[._-][a-z0-9]+)*(?::[0-9]+)?(?:/[a-z0-9]+(?:(?:[._]|__|-+)[a-z0-9]+)*)*` +
		`(?::[A-Za-z0-9_][A-Za-z0-9_.-]{0,127})?(?:@sha256:[a-f0-9]{64})?$`)

// systemPackagePattern matches Debian package names with an optional
// "=version" pin.
var systemPackagePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9+.-]+(?:=[A-Za-z0-9.+:~-]+)?$`)

// entryPointPattern matches a relative path or dotted module of Python
// identifiers, optionally ending in ".py".
var entryPointPattern = regexp.MustCompile(`^(?:\./)?(?:[A-Za-z_][A-Za-z0-9_]*[/\\.])*[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateEntryPoint validates a project entry point such as
// "src/app.py", "main.py" or "pkg.cli". Every path segment must be a
// Python identifier, so the derived module name is importable and safe
// to pass to the interpreter.
func ValidateEntryPoint(entryPoint string) error {
	if entryPoint == "" {
		return fmt.Errorf("entry point cannot be empty")
	}
	if len(entryPoint) > 255 || !entryPointPattern.MatchString(entryPoint) {
		return fmt.Errorf("invalid entry point: %q (path segments must be Python identifiers)", entryPoint)
	}
	return nil
}

// ValidateImageRef validates a container image reference.
//
// Valid references:
//   - python:3.11-slim
//   - ghcr.io/acme/runner:1.2
//   - registry.local:5000/base@sha256:<64 hex>
//
// Example:
//
//	if err := validation.ValidateImageRef(spec.BaseImage); err != nil {
//	    return fmt.Errorf("invalid runtime image: %w", err)
//	}
func ValidateImageRef(ref string) error {
	if ref == "" {
		return fmt.Errorf("image reference cannot be empty")
	}
	if len(ref) > 255 || !imageRefPattern.MatchString(ref) {
		return fmt.Errorf("invalid image reference: %q", ref)
	}
	return nil
}

// ValidateSystemPackages validates apt package names. Returns an error
// listing every invalid name.
func ValidateSystemPackages(names []string) error {
	var invalid []string
	for _, n := range names {
		if !systemPackagePattern.MatchString(n) {
			invalid = append(invalid, n)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid system packages: %q", invalid)
	}
	return nil
}

// ValidateRequirements validates pip requirement specifiers. Each must be
// a single line and must not start with '-', which pip reads as an
// option (--index-url, -r, -e).
func ValidateRequirements(specs []string) error {
	var invalid []string
	for _, s := range specs {
		t := strings.TrimSpace(s)
		if t == "" || strings.HasPrefix(t, "-") || strings.ContainsAny(s, "\r\n\x00") {
			invalid = append(invalid, s)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid python dependencies: %q", invalid)
	}
	return nil
}
