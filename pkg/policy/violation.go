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
	"errors"
	"sort"
)

// ErrPathNotFound indicates the project path does not exist.
var ErrPathNotFound = errors.New("project path not found")

// Kind classifies a Violation.
type Kind string

const (
	// KindForbiddenModule is an import whose module path or top-level
	// segment is in forbidden_modules.
	KindForbiddenModule Kind = "forbidden_module"

	// KindForbiddenPackage is a forbidden distribution declared as a
	// project dependency (python_dependencies or requirements.txt).
	KindForbiddenPackage Kind = "forbidden_package"

	// KindForbiddenDistribution is an import that resolves to a
	// forbidden distribution.
	KindForbiddenDistribution Kind = "forbidden_distribution"

	// KindForbiddenAPI is a call to a name in forbidden_apis.
	KindForbiddenAPI Kind = "forbidden_api"

	// KindConstraint is a failed or broken custom constraint expression.
	KindConstraint Kind = "constraint"
)

// Violation is one policy infraction with file and line provenance.
type Violation struct {
	Kind Kind `json:"type"`

	// File is relative to the project root, slash-separated.
	File string `json:"file"`
	Line int    `json:"line"`

	// Identifier is the offending name: module path, distribution, API,
	// or constraint name depending on Kind.
	Identifier string `json:"identifier"`

	// Import is the module path that resolved to a forbidden distribution.
	Import string `json:"import,omitempty"`

	Message string `json:"message"`
}

// toMap renders v for CEL evaluation and rule details.
func (v Violation) toMap() map[string]any {
	m := map[string]any{
		"type":       string(v.Kind),
		"file":       v.File,
		"line":       int64(v.Line),
		"identifier": v.Identifier,
		"message":    v.Message,
	}
	if v.Import != "" {
		m["import"] = v.Import
	}
	return m
}

// sortViolations orders by file, line, kind, identifier.
func sortViolations(vs []Violation) {
	sort.SliceStable(vs, func(i, j int) bool {
		a, b := vs[i], vs[j]
		if a.File != b.File {
			return a.File < b.File
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Identifier < b.Identifier
	})
}

// Report is the outcome of one analysis.
type Report struct {
	Violations []Violation

	// UsedDistributions holds every resolved candidate, sorted.
	UsedDistributions []string

	// Imports and Calls hold the distinct module paths and call names seen.
	Imports []string
	Calls   []string

	// UnresolvedImports holds third-party top-level modules that no
	// resolver mapped to a distribution, sorted. Distribution checks
	// cannot see them.
	UnresolvedImports []string

	// FilesChecked counts discovered source files; FilesSkipped counts
	// those that could not be read or parsed.
	FilesChecked int
	FilesSkipped int

	// ForbiddenNormalized is the canonical forbidden distribution set, sorted.
	ForbiddenNormalized []string
}

// Passed reports whether no violations were found.
func (r *Report) Passed() bool {
	return len(r.Violations) == 0
}

// CountByKind returns violation counts per kind.
func (r *Report) CountByKind() map[Kind]int {
	out := make(map[Kind]int)
	for _, v := range r.Violations {
		out[v.Kind]++
	}
	return out
}
