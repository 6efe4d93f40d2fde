// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package container

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/AleutianAI/codegate/pkg/validation"
)

const (
	// WorkspacePath is where the project is mounted inside containers.
	WorkspacePath = "/workspace"

	// DepsImagePrefix is the repository name of cached dependency images.
	DepsImagePrefix = "codegate-deps"

	// buildErrorTail is how much of the build log to keep when no error
	// marker line is found.
	buildErrorTail = 500
)

// ImageSpec describes a dependency image.
type ImageSpec struct {
	// BaseImage is the runtime image to build FROM.
	BaseImage string

	// SystemPackages are apt packages installed into the image.
	SystemPackages []string

	// LanguagePackages are pip requirement specifiers.
	LanguagePackages []string

	// ProjectPath, when set, is checked for an existing requirements.txt.
	ProjectPath string

	// ForceRebuild skips the cache check.
	ForceRebuild bool
}

// Validate rejects values that could smuggle instructions into the
// generated Dockerfile or requirements file.
func (s ImageSpec) Validate() error {
	if err := validation.ValidateImageRef(s.BaseImage); err != nil {
		return err
	}
	if err := validation.ValidateSystemPackages(s.SystemPackages); err != nil {
		return err
	}
	return validation.ValidateRequirements(s.LanguagePackages)
}

// ConfigHash returns the hex sha256 over base image and sorted package
// lists. Input order of the package lists does not affect the hash.
func (s ImageSpec) ConfigHash() string {
	sys := slices.Clone(s.SystemPackages)
	lang := slices.Clone(s.LanguagePackages)
	slices.Sort(sys)
	slices.Sort(lang)

	content := s.BaseImage + "|" + strings.Join(sys, ",") + "|" + strings.Join(lang, ",")
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Tag returns "codegate-deps:<first 12 hex chars of ConfigHash>".
func (s ImageSpec) Tag() string {
	return DepsImagePrefix + ":" + s.ConfigHash()[:12]
}

// requirements merges the project's requirements.txt (if any) with the
// explicit language packages, one specifier per line.
func (s ImageSpec) requirements() (string, error) {
	var content string
	if s.ProjectPath != "" {
		data, err := os.ReadFile(filepath.Join(s.ProjectPath, "requirements.txt"))
		switch {
		case err == nil:
			content = string(data)
		case !os.IsNotExist(err):
			return "", err
		}
	}

	if len(s.LanguagePackages) > 0 {
		if content != "" {
			content += "\n"
		}
		content += strings.Join(s.LanguagePackages, "\n")
	}
	return content, nil
}

// GenerateDockerfile synthesizes the build script for a dependency image.
func GenerateDockerfile(baseImage string, systemPackages []string, hasRequirements bool) string {
	var b strings.Builder
	b.WriteString("FROM " + baseImage + "\n\n")

	if len(systemPackages) > 0 {
		b.WriteString("RUN apt-get update && apt-get install -y --no-install-recommends \\\n")
		b.WriteString("    " + strings.Join(systemPackages, " \\\n    ") + " \\\n")
		b.WriteString("    && rm -rf /var/lib/apt/lists/*\n\n")
	}

	b.WriteString("RUN python -m pip install --upgrade pip setuptools wheel\n\n")

	if hasRequirements {
		b.WriteString("COPY requirements.txt /tmp/requirements.txt\n")
		b.WriteString("RUN python -m pip install --no-input --disable-pip-version-check -r /tmp/requirements.txt\n\n")
	}

	b.WriteString("WORKDIR " + WorkspacePath + "\n")
	return b.String()
}

// ParseBuildError extracts the most useful line from a failed build log:
// the first line carrying an error marker, else the last 500 characters.
func ParseBuildError(stderr string) string {
	for _, line := range strings.Split(strings.TrimSpace(stderr), "\n") {
		if strings.Contains(line, "ERROR:") || strings.Contains(strings.ToLower(line), "error:") {
			return strings.TrimSpace(line)
		}
		if strings.Contains(line, "Could not find") || strings.Contains(line, "No matching distribution") {
			return strings.TrimSpace(line)
		}
	}
	if len(stderr) > buildErrorTail {
		return stderr[len(stderr)-buildErrorTail:]
	}
	return stderr
}
