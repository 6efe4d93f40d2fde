// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package policy

import (
	"fmt"
	"os"
	"regexp"
	"strings"
)

// DeclaredDependenciesFile labels violations for dependencies declared in
// the contract rather than in a file.
const DeclaredDependenciesFile = "python_dependencies"

// requirementName matches the distribution name at the start of a PEP 508
// requirement ("PyYAML[extra]>=6 ; python_version>'3'" -> "PyYAML").
var requirementName = regexp.MustCompile(`^\s*([A-Za-z0-9](?:[A-Za-z0-9._-]*[A-Za-z0-9])?)`)

// RequirementName extracts the distribution name from a requirement
// specifier. Option lines, comments, URLs and editable installs return "".
func RequirementName(spec string) string {
	spec, _, _ = strings.Cut(spec, "#")
	spec = strings.TrimSpace(spec)
	if spec == "" || strings.HasPrefix(spec, "-") || strings.Contains(spec, "://") {
		return ""
	}
	m := requirementName.FindStringSubmatch(spec)
	if m == nil {
		return ""
	}
	return m[1]
}

// declaredEntry is one dependency with its provenance.
type declaredEntry struct {
	name string
	file string
	line int
}

// readRequirements lists the dependencies of a requirements file. A
// missing file yields nothing.
func readRequirements(path, label string) []declaredEntry {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var out []declaredEntry
	for i, line := range strings.Split(string(data), "\n") {
		if name := RequirementName(line); name != "" {
			out = append(out, declaredEntry{name: name, file: label, line: i + 1})
		}
	}
	return out
}

// checkDeclared flags forbidden distributions that the project declares
// as dependencies, whether or not any file imports them.
func checkDeclared(entries []declaredEntry, forbidden map[string]struct{}, acc *Accumulator) {
	for _, e := range entries {
		if _, bad := forbidden[CanonicalName(e.name)]; !bad {
			continue
		}
		acc.Add(Violation{
			Kind:       KindForbiddenPackage,
			File:       e.file,
			Line:       e.line,
			Identifier: e.name,
			Message:    fmt.Sprintf("Forbidden package '%s' declared as a dependency", e.name),
		})
	}
}
