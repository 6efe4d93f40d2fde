// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/codegate/pkg/contract"
)

const defaultWatchDebounce = 500 * time.Millisecond

// watchSkipDirs are never watched.
var watchSkipDirs = map[string]bool{
	"__pycache__":   true,
	".git":          true,
	".venv":         true,
	"venv":          true,
	".tox":          true,
	".nox":          true,
	".mypy_cache":   true,
	".pytest_cache": true,
	".ruff_cache":   true,
	"node_modules":  true,
}

func (a *app) watchCmd() *cobra.Command {
	var opts runOptions
	var debounce time.Duration
	cmd := &cobra.Command{
		Use:   "watch <contract>",
		Short: "Re-run a contract whenever it or the project's Python files change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := a.logger()
			defer logger.Close()

			path, err := filepath.Abs(args[0])
			if err != nil {
				return abort(err)
			}
			if _, err := os.Stat(path); err != nil {
				return abort(fmt.Errorf("%w: %s", contract.ErrContractNotFound, args[0]))
			}

			w, err := fsnotify.NewWatcher()
			if err != nil {
				return abort(fmt.Errorf("creating file watcher: %w", err))
			}
			defer w.Close()

			ctx := cmd.Context()
			run := func() {
				p := a.printer(a.stdout)
				if _, err := a.evaluate(ctx, path, opts, logger.Slog()); err != nil {
					p.Error(err.Error())
				}
				if err := addWatches(w, path); err != nil {
					logger.Warn("Failed to refresh watches", slog.String("error", err.Error()))
				}
				p.Info("Watching for changes (Ctrl+C to stop)")
			}

			if err := addWatches(w, path); err != nil {
				return abort(err)
			}
			run()
			return watchLoop(ctx, w, path, debounce, run, logger.Slog())
		},
	}
	opts.bind(cmd)
	cmd.Flags().DurationVar(&debounce, "debounce", defaultWatchDebounce, "Quiet period before re-running")
	return cmd
}

// addWatches watches the contract's directory and every directory of the
// project it points at. A contract that does not parse only gets its own
// directory watched, so fixing it triggers a run.
func addWatches(w *fsnotify.Watcher, contractPath string) error {
	if err := w.Add(filepath.Dir(contractPath)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(contractPath), err)
	}

	c, err := contract.Parse(contractPath)
	if err != nil {
		return nil
	}
	return filepath.WalkDir(c.Project.Path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if p != c.Project.Path && watchSkipDirs[d.Name()] {
			return filepath.SkipDir
		}
		return w.Add(p)
	})
}

// relevantChange reports whether ev should trigger a re-run.
func relevantChange(ev fsnotify.Event, contractPath string) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Clean(ev.Name)
	return name == contractPath ||
		strings.HasSuffix(name, ".py") ||
		filepath.Base(name) == "requirements.txt"
}

// watchLoop calls trigger once per burst of relevant events, after
// debounce of quiet. It returns when ctx is done or the watcher closes.
func watchLoop(ctx context.Context, w *fsnotify.Watcher, contractPath string, debounce time.Duration, trigger func(), logger *slog.Logger) error {
	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() && !watchSkipDirs[info.Name()] {
					if err := w.Add(ev.Name); err != nil {
						logger.Debug("Failed to watch new directory", slog.String("path", ev.Name))
					}
				}
			}
			if !relevantChange(ev, contractPath) {
				continue
			}
			logger.Debug("Change detected", slog.String("path", ev.Name), slog.String("op", ev.Op.String()))
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(debounce)
			fire = timer.C

		case <-fire:
			fire = nil
			trigger()

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("File watcher error", slog.String("error", err.Error()))
		}
	}
}
