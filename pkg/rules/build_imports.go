// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rules

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/codegate/pkg/container"
	"github.com/AleutianAI/codegate/pkg/contract"
)

const (
	defaultImportTimeout = 120 * time.Second

	// compileExclude keeps compileall out of cache directories.
	compileExclude = `(__pycache__|\.pytest_cache)`

	importMarker = "IMPORT_OK"

	// importScript takes the module name from argv so it is never parsed
	// as Python source.
	importScript = "import importlib, sys; importlib.import_module(sys.argv[1]); print('" + importMarker + "')"
)

type buildImportsConfig struct {
	ImportTimeout int `json:"import_timeout"`
}

// BuildImports checks that every source file compiles and that the entry
// point module imports cleanly inside the dependency image.
type BuildImports struct {
	timeout time.Duration
}

// NewBuildImports creates the build_imports rule.
func NewBuildImports(entry contract.RuleEntry) (Rule, error) {
	var cfg buildImportsConfig
	if err := entry.Decode(&cfg); err != nil {
		return nil, invalidConfig(entry.Name, err)
	}
	return &BuildImports{timeout: seconds(cfg.ImportTimeout, defaultImportTimeout)}, nil
}

// Name implements Rule.
func (r *BuildImports) Name() string { return contract.RuleBuildImports }

// Execute runs compilation, then the entry point import.
func (r *BuildImports) Execute(ctx context.Context, info *ArtifactInfo) Outcome {
	phases := map[string]any{}
	details := map[string]any{
		"phases":         phases,
		"entry_point":    info.EntryPoint,
		"import_timeout": int(r.timeout / time.Second),
	}
	if out, ok := checkProject(info, details); !ok {
		return out
	}

	compile, err := info.Runner.RunCommand(ctx, container.RunRequest{
		Image:         info.ImageRef,
		Command:       []string{"python", "-m", "compileall", "-q", "-x", compileExclude, container.WorkspacePath},
		ProjectPath:   info.ProjectPath,
		NetworkAccess: info.NetworkAccess,
		Writable:      true,
		Timeout:       r.timeout,
	})
	if err != nil {
		return fail(details, "Check failed: %v", err)
	}
	phase := map[string]any{"success": false}
	phases["compilation"] = phase
	if compile.TimedOut {
		phase["error"] = "timed out"
		return timedOut(details, "Compilation", r.timeout)
	}
	if compile.ExitCode != 0 {
		msg := compile.Stderr
		if strings.TrimSpace(msg) == "" {
			msg = compile.Stdout
		}
		msg = tail(strings.TrimSpace(msg), 300)
		phase["error"] = msg
		phase["exit_code"] = compile.ExitCode
		return fail(details, "Compilation failed: %s", msg)
	}
	phase["success"] = true
	phase["files_compiled"] = countSources(info.ProjectPath)

	module := EntryPointModule(info.EntryPoint)
	imp, err := info.Runner.RunCommand(ctx, container.RunRequest{
		Image:         info.ImageRef,
		Command:       []string{"python", "-c", importScript, module},
		ProjectPath:   info.ProjectPath,
		NetworkAccess: info.NetworkAccess,
		Timeout:       r.timeout,
	})
	if err != nil {
		return fail(details, "Check failed: %v", err)
	}
	phase = map[string]any{"success": false, "module": module}
	phases["entrypoint_import"] = phase
	if imp.TimedOut {
		phase["error"] = "timed out"
		return timedOut(details, "Import", r.timeout)
	}
	if imp.ExitCode != 0 || !strings.Contains(imp.Stdout, importMarker) {
		phase["error"] = fmt.Sprintf("Failed to import '%s'", module)
		phase["stderr"] = tail(imp.Stderr, 1000)
		info.logger().Debug("Entry point import failed",
			slog.String("module", module),
			slog.Int("exit_code", imp.ExitCode),
		)
		return fail(details, "Import failed: Failed to import '%s'", module)
	}
	phase["success"] = true

	return pass(details, "Build and import checks passed")
}

// EntryPointModule converts an entry point path to a module name:
// "src/app.py" -> "src.app".
func EntryPointModule(entryPoint string) string {
	m := strings.TrimSpace(entryPoint)
	m = strings.TrimPrefix(strings.ReplaceAll(m, `\`, "/"), "./")
	m = strings.TrimSuffix(m, ".py")
	m = strings.TrimSuffix(m, "/__init__")
	return strings.ReplaceAll(m, "/", ".")
}

// countSources counts *.py files outside cache directories.
func countSources(root string) int {
	n := 0
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if name := d.Name(); name == "__pycache__" || name == ".pytest_cache" {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), ".py") {
			n++
		}
		return nil
	})
	return n
}
