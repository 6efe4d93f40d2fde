// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package container wraps the docker (or podman) CLI for codegate.

It provides a content-addressed cache of dependency images and a
one-shot command primitive that runs inside ephemeral, auto-removed
containers with the project mounted at /workspace.

# Failure Semantics

Runtime unavailability and build failures are typed errors
(ErrRuntimeUnavailable, *BuildError). Non-zero exits and timeouts of
RunCommand are data in *CommandResult so callers decide pass or fail.
Nothing is retried.

# Thread Safety

Runtime is safe for concurrent use. Concurrent builds of the same tag
within one process are collapsed into a single build.
*/
package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultBinary is the runtime CLI used when none is configured.
	DefaultBinary = "docker"

	// DefaultBuildTimeout bounds a dependency image build.
	DefaultBuildTimeout = 600 * time.Second

	// DefaultCommandTimeout applies when RunRequest.Timeout is zero.
	DefaultCommandTimeout = 120 * time.Second

	availabilityTimeout = 10 * time.Second
	inspectTimeout      = 10 * time.Second
	removeTimeout       = 30 * time.Second

	// containerPrefix names one-shot rule containers.
	containerPrefix = "codegate-"
)

// RunRequest describes one command execution inside a container.
type RunRequest struct {
	// Image is the image to run. Required.
	Image string

	// Name is the container name. RunCommand assigns "codegate-<uuid>"
	// when empty so a timed-out container can be removed by name.
	Name string

	// Command is the argv executed inside the container. Required.
	Command []string

	// ProjectPath is mounted at /workspace when non-empty.
	ProjectPath string

	// NetworkAccess enables container networking. Off by default.
	NetworkAccess bool

	// Writable mounts the workspace read-write instead of read-only.
	Writable bool

	// Env holds extra environment variables, passed in sorted key order.
	Env map[string]string

	// Timeout bounds the run. Zero means DefaultCommandTimeout.
	Timeout time.Duration

	// MemoryLimit is passed as --memory when set (e.g. "512m").
	MemoryLimit string

	// CPULimit is passed as --cpus when set (e.g. "1.5").
	CPULimit string
}

// CommandResult is the outcome of RunCommand.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Duration time.Duration
}

// Output returns stdout followed by stderr.
func (r *CommandResult) Output() string {
	return r.Stdout + r.Stderr
}

// Runtime is the container runtime adapter.
type Runtime struct {
	binary       string
	pm           ProcessManager
	logger       *slog.Logger
	buildTimeout time.Duration

	availOnce sync.Once
	available bool

	flight singleflight.Group

	mu    sync.Mutex
	known map[string]struct{}
}

// NewRuntime creates a Runtime.
//
// # Inputs
//
//   - binary: Runtime CLI name ("docker", "podman"). Empty means docker.
//   - pm: Process seam. Nil means NewDefaultProcessManager().
//   - logger: Nil means slog.Default().
//
// # Examples
//
//	rt := container.NewRuntime("podman", nil, logger.Slog())
//	tag, err := rt.BuildDependencyImage(ctx, spec)
func NewRuntime(binary string, pm ProcessManager, logger *slog.Logger) *Runtime {
	if binary == "" {
		binary = DefaultBinary
	}
	if pm == nil {
		pm = NewDefaultProcessManager()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		binary:       binary,
		pm:           pm,
		logger:       logger.With(slog.String("runtime", binary)),
		buildTimeout: DefaultBuildTimeout,
		known:        make(map[string]struct{}),
	}
}

// Binary returns the runtime CLI name.
func (r *Runtime) Binary() string {
	return r.binary
}

// IsAvailable probes "<binary> info" once and memoizes the answer.
func (r *Runtime) IsAvailable(ctx context.Context) bool {
	r.availOnce.Do(func() {
		probeCtx, cancel := context.WithTimeout(ctx, availabilityTimeout)
		defer cancel()

		_, err := r.pm.Run(probeCtx, r.binary, "info")
		r.available = err == nil
		if err != nil {
			r.logger.Debug("Container runtime probe failed", slog.String("error", err.Error()))
		}
	})
	return r.available
}

// CheckAvailable returns ErrRuntimeUnavailable if the runtime is unreachable.
func (r *Runtime) CheckAvailable(ctx context.Context) error {
	if !r.IsAvailable(ctx) {
		return fmt.Errorf("%w: install or start %s to run container-based rules", ErrRuntimeUnavailable, r.binary)
	}
	return nil
}

// ImageExists reports whether tag is present in the local image store.
func (r *Runtime) ImageExists(ctx context.Context, tag string) bool {
	ctx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()

	_, err := r.pm.Run(ctx, r.binary, "image", "inspect", tag)
	return err == nil
}

// BuildDependencyImage returns the tag of a dependency image for spec,
// building it only when no image with that tag exists or ForceRebuild is set.
//
// # Outputs
//
//   - string: Image tag ("codegate-deps:<hash12>").
//   - error: ErrRuntimeUnavailable, or a *BuildError matching ErrBuildFailed
//     (and ErrTimeout when the 600s build deadline passed). A spec that
//     fails ImageSpec.Validate is a BuildError without running the build.
func (r *Runtime) BuildDependencyImage(ctx context.Context, spec ImageSpec) (string, error) {
	if err := r.CheckAvailable(ctx); err != nil {
		return "", err
	}

	tag := spec.Tag()
	if err := spec.Validate(); err != nil {
		return "", &BuildError{Tag: tag, Message: err.Error()}
	}

	if !spec.ForceRebuild && (r.isKnown(tag) || r.ImageExists(ctx, tag)) {
		r.logger.Info("Using cached dependency image", slog.String("tag", tag))
		r.markKnown(tag)
		return tag, nil
	}

	_, err, shared := r.flight.Do(tag, func() (interface{}, error) {
		// A caller that lost the race waits here and sees the finished build.
		if !spec.ForceRebuild && r.isKnown(tag) {
			return nil, nil
		}
		return nil, r.build(ctx, spec, tag)
	})
	if err != nil {
		return "", err
	}
	if shared {
		r.logger.Debug("Joined in-flight image build", slog.String("tag", tag))
	}
	return tag, nil
}

// build materializes a temporary build context and runs "<binary> build".
func (r *Runtime) build(ctx context.Context, spec ImageSpec, tag string) error {
	requirements, err := spec.requirements()
	if err != nil {
		return &BuildError{Tag: tag, Message: fmt.Sprintf("read requirements.txt: %v", err)}
	}

	dir, err := os.MkdirTemp("", "codegate-build-")
	if err != nil {
		return &BuildError{Tag: tag, Message: fmt.Sprintf("create build context: %v", err)}
	}
	defer os.RemoveAll(dir)

	dockerfile := GenerateDockerfile(spec.BaseImage, spec.SystemPackages, strings.TrimSpace(requirements) != "")
	dockerfilePath := filepath.Join(dir, "Dockerfile")

	if err := os.WriteFile(filepath.Join(dir, "requirements.txt"), []byte(requirements), 0644); err != nil {
		return &BuildError{Tag: tag, Message: fmt.Sprintf("write requirements.txt: %v", err)}
	}
	if err := os.WriteFile(dockerfilePath, []byte(dockerfile), 0644); err != nil {
		return &BuildError{Tag: tag, Message: fmt.Sprintf("write Dockerfile: %v", err)}
	}

	r.logger.Info("Building dependency image",
		slog.String("tag", tag),
		slog.String("base_image", spec.BaseImage),
		slog.Int("system_packages", len(spec.SystemPackages)),
		slog.Int("language_packages", len(spec.LanguagePackages)),
	)
	r.logger.Debug("Generated Dockerfile", slog.String("dockerfile", dockerfile))

	result, err := r.pm.Execute(ctx, r.buildTimeout, r.binary, "build", "-t", tag, "-f", dockerfilePath, dir)
	if errors.Is(err, ErrTimeout) {
		r.logger.Warn("Dependency image build timed out",
			slog.String("tag", tag),
			slog.Duration("timeout", r.buildTimeout),
		)
		return &BuildError{Tag: tag, Message: TimeoutMessage(r.buildTimeout), TimedOut: true}
	}
	if err != nil {
		return &BuildError{Tag: tag, Message: err.Error()}
	}
	if result.ExitCode != 0 {
		return &BuildError{Tag: tag, Message: ParseBuildError(result.Stderr)}
	}

	r.markKnown(tag)
	r.logger.Info("Dependency image built",
		slog.String("tag", tag),
		slog.Duration("duration", result.Duration),
	)
	return nil
}

// RunArgs returns the argv (after the binary) for req.
func (r *Runtime) RunArgs(req RunRequest) ([]string, error) {
	if req.Image == "" {
		return nil, ErrEmptyImage
	}
	if len(req.Command) == 0 {
		return nil, ErrEmptyCommand
	}

	args := []string{"run", "--rm"}
	if req.Name != "" {
		args = append(args, "--name", req.Name)
	}

	if !req.NetworkAccess {
		args = append(args, "--network=none")
	}
	if req.MemoryLimit != "" {
		args = append(args, "--memory="+req.MemoryLimit)
	}
	if req.CPULimit != "" {
		args = append(args, "--cpus="+req.CPULimit)
	}

	if req.ProjectPath != "" {
		abs, err := filepath.Abs(req.ProjectPath)
		if err != nil {
			return nil, fmt.Errorf("resolve project path: %w", err)
		}
		mode := "ro"
		if req.Writable {
			mode = "rw"
		}
		args = append(args, "-v", fmt.Sprintf("%s:%s:%s", abs, WorkspacePath, mode))
	}

	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+req.Env[k])
	}

	args = append(args, req.Image)
	args = append(args, req.Command...)
	return args, nil
}

// RunCommand runs req in a one-shot container.
//
// A returned error means the command could not execute at all. Non-zero
// exits and timeouts are reported in the result. On timeout only the
// client process is killed, so the container is force-removed by name.
func (r *Runtime) RunCommand(ctx context.Context, req RunRequest) (*CommandResult, error) {
	if err := r.CheckAvailable(ctx); err != nil {
		return nil, err
	}
	if req.Name == "" {
		req.Name = containerPrefix + uuid.NewString()
	}

	args, err := r.RunArgs(req)
	if err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}

	r.logger.Debug("Running container command",
		slog.String("image", req.Image),
		slog.Any("command", req.Command),
		slog.Bool("network", req.NetworkAccess),
		slog.Bool("writable", req.Writable),
		slog.Duration("timeout", timeout),
	)

	res, err := r.pm.Execute(ctx, timeout, r.binary, args...)
	if err != nil && !errors.Is(err, ErrTimeout) {
		return nil, fmt.Errorf("run container: %w", err)
	}
	if res == nil {
		res = &ProcessResult{}
	}

	out := &CommandResult{
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		TimedOut: res.TimedOut || errors.Is(err, ErrTimeout),
		Duration: res.Duration,
	}
	if out.TimedOut {
		out.ExitCode = -1
		r.logger.Warn("Container command timed out",
			slog.String("image", req.Image),
			slog.String("container", req.Name),
			slog.Duration("timeout", timeout),
		)
		r.removeContainer(ctx, req.Name)
	}
	return out, nil
}

// removeContainer force-removes a container, best effort. It runs on a
// context detached from ctx, which is usually already past its deadline.
func (r *Runtime) removeContainer(ctx context.Context, name string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), removeTimeout)
	defer cancel()

	if _, err := r.pm.Run(ctx, r.binary, "rm", "-f", name); err != nil {
		r.logger.Warn("Failed to remove timed-out container",
			slog.String("container", name),
			slog.String("error", err.Error()),
		)
	}
}

// Cleanup removes image. Failures are logged and reported as false.
func (r *Runtime) Cleanup(ctx context.Context, image string) bool {
	if image == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, removeTimeout)
	defer cancel()

	if _, err := r.pm.Run(ctx, r.binary, "rmi", image); err != nil {
		r.logger.Debug("Image removal failed",
			slog.String("image", image),
			slog.String("error", err.Error()),
		)
		return false
	}

	r.mu.Lock()
	delete(r.known, image)
	r.mu.Unlock()
	return true
}

// ListImages returns the "repo:tag" of every cached dependency image.
func (r *Runtime) ListImages(ctx context.Context) ([]string, error) {
	if err := r.CheckAvailable(ctx); err != nil {
		return nil, err
	}

	out, err := r.pm.Run(ctx, r.binary, "images",
		"--filter", "reference="+DepsImagePrefix,
		"--format", "{{.Repository}}:{{.Tag}}",
	)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}

	var images []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasSuffix(line, ":<none>") {
			continue
		}
		images = append(images, line)
	}
	return images, nil
}

func (r *Runtime) isKnown(tag string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.known[tag]
	return ok
}

func (r *Runtime) markKnown(tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.known[tag] = struct{}{}
}
