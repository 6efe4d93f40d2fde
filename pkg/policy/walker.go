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
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// Accumulator collects findings across every file of one analysis.
// It is threaded through the walk explicitly; nothing is package state.
type Accumulator struct {
	used       map[string]struct{}
	unresolved map[string]struct{}
	imports    map[string]struct{}
	calls      map[string]struct{}
	violations []Violation
}

// NewAccumulator returns an empty Accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		used:       make(map[string]struct{}),
		unresolved: make(map[string]struct{}),
		imports:    make(map[string]struct{}),
		calls:      make(map[string]struct{}),
	}
}

// Add records a violation.
func (a *Accumulator) Add(v Violation) {
	a.violations = append(a.violations, v)
}

// UsedDistributions returns the recorded candidates, sorted.
func (a *Accumulator) UsedDistributions() []string {
	return setToSorted(a.used)
}

// Violations returns the recorded violations in discovery order.
func (a *Accumulator) Violations() []Violation {
	return append([]Violation(nil), a.violations...)
}

// rules is the compiled form of Config used during a walk.
type rules struct {
	modules       map[string]struct{}
	distributions map[string]struct{}
	apis          map[string]struct{}
	resolver      Resolver
}

func toSet(names []string, canon func(string) string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		if canon != nil {
			n = canon(n)
		}
		if n = strings.TrimSpace(n); n != "" {
			set[n] = struct{}{}
		}
	}
	return set
}

// fileWalker walks one parsed file.
type fileWalker struct {
	ctx    context.Context
	file   string
	source []byte
	rules  *rules
	acc    *Accumulator
}

// walk visits every node depth-first.
func (w *fileWalker) walk(node *sitter.Node) {
	if node == nil {
		return
	}

	switch node.Type() {
	case "import_statement":
		w.importStatement(node)
	case "import_from_statement":
		w.importFromStatement(node)
	case "call":
		w.call(node)
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		w.walk(node.Child(i))
	}
}

// importStatement handles "import a.b" and "import a.b as c".
func (w *fileWalker) importStatement(node *sitter.Node) {
	line := int(node.StartPoint().Row) + 1
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		switch child.Type() {
		case "dotted_name":
			w.checkImport(child.Content(w.source), line)
		case "aliased_import":
			if name := child.ChildByFieldName("name"); name != nil {
				w.checkImport(name.Content(w.source), line)
			}
		}
	}
}

// importFromStatement handles "from a.b import c". Relative imports are
// project-local and never resolved.
func (w *fileWalker) importFromStatement(node *sitter.Node) {
	module := node.ChildByFieldName("module_name")
	if module == nil || module.Type() != "dotted_name" {
		return
	}
	w.checkImport(module.Content(w.source), int(node.StartPoint().Row)+1)
}

// checkImport applies the module-name and distribution checks to one
// imported module path. The two checks use different identifier spaces.
func (w *fileWalker) checkImport(module string, line int) {
	module = normalizeDotted(module)
	if module == "" {
		return
	}
	w.acc.imports[module] = struct{}{}
	top, _, _ := strings.Cut(module, ".")

	if matched, ok := w.forbiddenModule(module, top); ok {
		w.acc.Add(Violation{
			Kind:       KindForbiddenModule,
			File:       w.file,
			Line:       line,
			Identifier: matched,
			Import:     module,
			Message:    fmt.Sprintf("Forbidden module '%s' imported", matched),
		})
	}

	dists := w.rules.resolver.Resolve(w.ctx, top)
	if len(dists) == 0 {
		w.acc.unresolved[top] = struct{}{}
	}
	for _, dist := range dists {
		w.acc.used[dist] = struct{}{}
		if _, bad := w.rules.distributions[CanonicalName(dist)]; bad {
			w.acc.Add(Violation{
				Kind:       KindForbiddenDistribution,
				File:       w.file,
				Line:       line,
				Identifier: dist,
				Import:     module,
				Message:    fmt.Sprintf("Forbidden distribution '%s' used via import '%s'", dist, module),
			})
		}
	}
}

// forbiddenModule reports the first of module, top that is forbidden.
func (w *fileWalker) forbiddenModule(module, top string) (string, bool) {
	if _, ok := w.rules.modules[module]; ok {
		return module, true
	}
	if _, ok := w.rules.modules[top]; ok {
		return top, true
	}
	return "", false
}

// call records the callee name and flags forbidden APIs.
func (w *fileWalker) call(node *sitter.Node) {
	name := calleeName(node.ChildByFieldName("function"), w.source)
	if name == "" {
		return
	}
	w.acc.calls[name] = struct{}{}

	if _, bad := w.rules.apis[name]; bad {
		w.acc.Add(Violation{
			Kind:       KindForbiddenAPI,
			File:       w.file,
			Line:       int(node.StartPoint().Row) + 1,
			Identifier: name,
			Message:    fmt.Sprintf("Forbidden API '%s' called", name),
		})
	}
}

// calleeName rebuilds "a.b.c" from identifier/attribute chains. Calls on
// anything else (subscripts, call results, literals) have no name.
func calleeName(node *sitter.Node, source []byte) string {
	if node == nil {
		return ""
	}
	switch node.Type() {
	case "identifier":
		return node.Content(source)
	case "attribute":
		base := calleeName(node.ChildByFieldName("object"), source)
		attr := node.ChildByFieldName("attribute")
		if base == "" || attr == nil {
			return ""
		}
		return base + "." + attr.Content(source)
	case "parenthesized_expression":
		if node.NamedChildCount() == 1 {
			return calleeName(node.NamedChild(0), source)
		}
	}
	return ""
}

// normalizeDotted strips whitespace and comments tree-sitter keeps
// inside dotted names ("a . b" -> "a.b").
func normalizeDotted(s string) string {
	parts := strings.Split(s, ".")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
		if parts[i] == "" {
			return ""
		}
	}
	return strings.Join(parts, ".")
}
