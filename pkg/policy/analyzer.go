// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy statically checks Python sources against forbidden
// modules, distributions and APIs.
//
// Sources are parsed with tree-sitter. Imports are mapped from their
// top-level module to the distributions that provide it through a
// Resolver, so "import yaml" is caught by a ban on "PyYAML".
package policy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// skipDirs are never descended into.
var skipDirs = map[string]struct{}{
	"__pycache__":   {},
	".git":          {},
	".hg":           {},
	".svn":          {},
	".venv":         {},
	"venv":          {},
	".tox":          {},
	".nox":          {},
	".mypy_cache":   {},
	".pytest_cache": {},
	".ruff_cache":   {},
	"node_modules":  {},
}

// Config selects what the analysis forbids.
type Config struct {
	// ForbiddenModules are import paths or top-level module names.
	ForbiddenModules []string

	// ForbiddenDistributions are installable distribution names; matching
	// is on the PEP 503 canonical form.
	ForbiddenDistributions []string

	// ForbiddenAPIs are dotted call names such as "os.system" or "eval".
	ForbiddenAPIs []string

	// DeclaredDependencies are requirement specifiers declared outside
	// the project tree. They are checked against ForbiddenDistributions.
	DeclaredDependencies []string

	// Constraints are evaluated after the walk.
	Constraints []Constraint

	// Resolver maps top-level modules to distributions. Nil uses the
	// built-in alias table.
	Resolver Resolver
}

// Analyzer walks a project and reports policy violations.
//
// Thread Safety: safe for concurrent use; each Analyze call owns its
// parser and accumulator.
type Analyzer struct {
	logger      *slog.Logger
	constraints *ConstraintEvaluator
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(logger *slog.Logger) (*Analyzer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ev, err := NewConstraintEvaluator()
	if err != nil {
		return nil, err
	}
	return &Analyzer{logger: logger, constraints: ev}, nil
}

// Analyze checks every Python file under root.
//
// Files that cannot be read, are not UTF-8 or do not parse cleanly are
// skipped and counted. A missing root returns ErrPathNotFound.
func (a *Analyzer) Analyze(ctx context.Context, root string, cfg Config) (*Report, error) {
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, root)
		}
		return nil, fmt.Errorf("stat project path: %w", err)
	}

	files, err := discoverSources(root, info)
	if err != nil {
		return nil, err
	}

	resolver := cfg.Resolver
	if resolver == nil {
		resolver = NewMemoResolver(KnownAliasResolver())
	}
	r := &rules{
		modules:       toSet(cfg.ForbiddenModules, nil),
		distributions: toSet(cfg.ForbiddenDistributions, CanonicalName),
		apis:          toSet(cfg.ForbiddenAPIs, nil),
		resolver:      resolver,
	}

	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())

	acc := NewAccumulator()
	skipped := 0
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("policy analysis canceled: %w", err)
		}
		if !a.analyzeFile(ctx, parser, f, r, acc) {
			skipped++
		}
	}

	base := root
	if !info.IsDir() {
		base = filepath.Dir(root)
	}
	declared := readRequirements(filepath.Join(base, "requirements.txt"), "requirements.txt")
	for i, spec := range cfg.DeclaredDependencies {
		if name := RequirementName(spec); name != "" {
			declared = append(declared, declaredEntry{name: name, file: DeclaredDependenciesFile, line: i + 1})
		}
	}
	checkDeclared(declared, r.distributions, acc)

	if len(cfg.Constraints) > 0 {
		facts := constraintFacts(len(files), acc)
		for _, v := range a.constraints.Check(cfg.Constraints, facts) {
			acc.Add(v)
		}
	}

	violations := acc.Violations()
	sortViolations(violations)

	report := &Report{
		Violations:          violations,
		UsedDistributions:   orEmpty(acc.UsedDistributions()),
		Imports:             orEmpty(setToSorted(acc.imports)),
		UnresolvedImports:   unresolvedImports(acc, files),
		Calls:               orEmpty(setToSorted(acc.calls)),
		FilesChecked:        len(files),
		FilesSkipped:        skipped,
		ForbiddenNormalized: orEmpty(setToSorted(r.distributions)),
	}
	if report.Violations == nil {
		report.Violations = []Violation{}
	}

	a.logger.Debug("Policy analysis complete",
		slog.String("root", root),
		slog.Int("files_checked", report.FilesChecked),
		slog.Int("files_skipped", report.FilesSkipped),
		slog.Int("violations", len(report.Violations)),
	)
	return report, nil
}

// unresolvedImports returns the imported top-level modules no resolver
// mapped, excluding the standard library and the project's own modules.
// Every path segment of a project file counts as local so src layouts
// are covered.
func unresolvedImports(acc *Accumulator, files []sourceFile) []string {
	local := make(map[string]struct{})
	for _, f := range files {
		for _, seg := range strings.Split(f.rel, "/") {
			local[strings.TrimSuffix(seg, ".py")] = struct{}{}
		}
	}
	out := []string{}
	for _, top := range setToSorted(acc.unresolved) {
		if _, ok := local[top]; ok || IsStdlibModule(top) {
			continue
		}
		out = append(out, top)
	}
	return out
}

// sourceFile is a discovered file with its report path.
type sourceFile struct {
	abs string
	rel string
}

// analyzeFile walks one file. It returns false when the file was skipped.
func (a *Analyzer) analyzeFile(ctx context.Context, parser *sitter.Parser, f sourceFile, r *rules, acc *Accumulator) bool {
	content, err := os.ReadFile(f.abs)
	if err != nil {
		a.logger.Debug("Skipping unreadable file", slog.String("file", f.rel), slog.String("error", err.Error()))
		return false
	}
	if !utf8.Valid(content) {
		a.logger.Debug("Skipping non-UTF-8 file", slog.String("file", f.rel))
		return false
	}

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		a.logger.Debug("Skipping file that failed to parse", slog.String("file", f.rel), slog.String("error", err.Error()))
		return false
	}
	defer tree.Close()

	rootNode := tree.RootNode()
	if rootNode == nil || rootNode.HasError() {
		a.logger.Debug("Skipping file with syntax errors", slog.String("file", f.rel))
		return false
	}

	w := &fileWalker{ctx: ctx, file: f.rel, source: content, rules: r, acc: acc}
	w.walk(rootNode)
	return true
}

// discoverSources lists *.py files under root in lexical order. A root
// that is itself a file is analyzed alone.
func discoverSources(root string, info fs.FileInfo) ([]sourceFile, error) {
	if !info.IsDir() {
		if !strings.HasSuffix(root, ".py") {
			return nil, nil
		}
		return []sourceFile{{abs: root, rel: filepath.Base(root)}}, nil
	}

	var files []sourceFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable directories are skipped like unreadable files.
			if d != nil && d.IsDir() && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path == root {
				return nil
			}
			if _, skip := skipDirs[d.Name()]; skip || isVirtualenv(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !strings.HasSuffix(d.Name(), ".py") {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}
		files = append(files, sourceFile{abs: path, rel: filepath.ToSlash(rel)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk project: %w", err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].rel < files[j].rel })
	return files, nil
}

// isVirtualenv reports whether dir is a virtual environment root.
func isVirtualenv(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, "pyvenv.cfg"))
	return err == nil
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
