// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"os"

	"github.com/mattn/go-isatty"
)

// IsTerminal reports whether f is an interactive terminal, including
// Cygwin and MSYS ptys.
func IsTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// DetectLevel picks LevelRich for terminals and LevelPlain otherwise.
// NO_COLOR and TERM=dumb force LevelPlain.
func DetectLevel(f *os.File) Level {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("TERM") == "dumb" {
		return LevelPlain
	}
	if IsTerminal(f) {
		return LevelRich
	}
	return LevelPlain
}
