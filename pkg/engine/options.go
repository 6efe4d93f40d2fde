// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/AleutianAI/codegate/pkg/container"
	"github.com/AleutianAI/codegate/pkg/policy"
	"github.com/AleutianAI/codegate/pkg/rules"
)

// ContainerRuntime is the part of the container adapter a run needs.
// *container.Runtime implements it.
type ContainerRuntime interface {
	rules.CommandRunner
	BuildDependencyImage(ctx context.Context, spec container.ImageSpec) (string, error)
}

// ResolverFactory builds the run's environment import resolver once the
// artifact is prepared. Returning nil disables environment resolution.
type ResolverFactory func(info *rules.ArtifactInfo) policy.Resolver

// Option configures a Runner.
type Option func(*Runner)

// WithRegistry sets the rule registry. Default: rules.DefaultRegistry().
func WithRegistry(reg *rules.Registry) Option {
	return func(r *Runner) { r.registry = reg }
}

// WithRuntime sets the container runtime. Default: a docker Runtime.
func WithRuntime(rt ContainerRuntime) Option {
	return func(r *Runner) { r.runtime = rt }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithForceRebuild rebuilds the dependency image even when cached.
func WithForceRebuild(force bool) Option {
	return func(r *Runner) { r.forceRebuild = force }
}

// WithResolverFactory sets how the environment import resolver is built.
// Default: ContainerResolverFactory.
func WithResolverFactory(f ResolverFactory) Option {
	return func(r *Runner) { r.resolverFactory = f }
}

// WithClock sets the time source used for timestamps and durations.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// ContainerResolverFactory asks the dependency image for its installed
// distributions, memoized per run. It returns nil without an image.
func ContainerResolverFactory(info *rules.ArtifactInfo) policy.Resolver {
	if !info.HasImage() || info.Runner == nil {
		return nil
	}
	return policy.NewMemoResolver(policy.NewContainerResolver(info.Runner, info.ImageRef, info.Logger))
}
