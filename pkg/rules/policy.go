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
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/codegate/pkg/contract"
	"github.com/AleutianAI/codegate/pkg/policy"
)

// packageMap accepts either a single distribution or a list per module.
type packageMap map[string][]string

// UnmarshalJSON implements json.Unmarshaler.
func (p *packageMap) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(packageMap, len(raw))
	for k, v := range raw {
		var one string
		if err := json.Unmarshal(v, &one); err == nil {
			out[k] = []string{one}
			continue
		}
		var many []string
		if err := json.Unmarshal(v, &many); err != nil {
			return fmt.Errorf("package_map.%s: want a name or a list of names", k)
		}
		out[k] = many
	}
	*p = out
	return nil
}

type policyConfig struct {
	ForbiddenModules       []string            `json:"forbidden_modules"`
	ForbiddenPackages      []string            `json:"forbidden_packages"`
	ForbiddenDistributions []string            `json:"forbidden_distributions"`
	ForbiddenAPIs          []string            `json:"forbidden_apis"`
	PackageMap             packageMap          `json:"package_map"`
	SitePackages           []string            `json:"site_packages"`
	ResolveInContainer     *bool               `json:"resolve_in_container"`
	Constraints            []policy.Constraint `json:"constraints"`
}

// Policy enforces forbidden modules, distributions and APIs by static
// analysis on the host. It needs no container.
type Policy struct {
	cfg           policyConfig
	distributions []string
}

// NewPolicy creates the policy rule. forbidden_packages and
// forbidden_distributions both name distributions and are merged.
func NewPolicy(entry contract.RuleEntry) (Rule, error) {
	var cfg policyConfig
	if err := entry.Decode(&cfg); err != nil {
		return nil, invalidConfig(entry.Name, err)
	}
	for _, c := range cfg.Constraints {
		if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.Expr) == "" {
			return nil, invalidConfig(entry.Name, errors.New("constraints need a name and an expr"))
		}
	}

	seen := make(map[string]struct{})
	var dists []string
	for _, d := range append(append([]string{}, cfg.ForbiddenPackages...), cfg.ForbiddenDistributions...) {
		if _, dup := seen[d]; dup || strings.TrimSpace(d) == "" {
			continue
		}
		seen[d] = struct{}{}
		dists = append(dists, d)
	}
	return &Policy{cfg: cfg, distributions: dists}, nil
}

// Name implements Rule.
func (r *Policy) Name() string { return contract.RulePolicy }

// resolver chains, in order: the contract's package_map, the run's
// environment resolver, configured site-packages directories and the
// built-in alias table. It is memoized for this execution only.
func (r *Policy) resolver(info *ArtifactInfo) policy.Resolver {
	var chain policy.ChainResolver
	if len(r.cfg.PackageMap) > 0 {
		chain = append(chain, policy.StaticResolver(r.cfg.PackageMap))
	}
	if r.envResolution() && info.Resolver != nil {
		chain = append(chain, info.Resolver)
	}
	if len(r.cfg.SitePackages) > 0 {
		chain = append(chain, policy.NewSitePackagesResolver(info.logger(), r.cfg.SitePackages...))
	}
	chain = append(chain, policy.KnownAliasResolver())
	return policy.NewMemoResolver(chain)
}

// envResolution reports whether the environment resolver should be used.
func (r *Policy) envResolution() bool {
	return r.cfg.ResolveInContainer == nil || *r.cfg.ResolveInContainer
}

// Execute implements Rule.
func (r *Policy) Execute(ctx context.Context, info *ArtifactInfo) Outcome {
	details := map[string]any{
		"forbidden_modules":  nonNil(r.cfg.ForbiddenModules),
		"forbidden_packages": nonNil(r.distributions),
		"forbidden_apis":     nonNil(r.cfg.ForbiddenAPIs),
		"violations":         []policy.Violation{},
		"files_checked":      0,
		"unresolved_imports": []string{},
	}

	analyzer, err := policy.NewAnalyzer(info.logger())
	if err != nil {
		return fail(details, "Policy check failed: %v", err)
	}
	report, err := analyzer.Analyze(ctx, info.ProjectPath, policy.Config{
		ForbiddenModules:       r.cfg.ForbiddenModules,
		ForbiddenDistributions: r.distributions,
		ForbiddenAPIs:          r.cfg.ForbiddenAPIs,
		DeclaredDependencies:   info.PythonDependencies,
		Constraints:            r.cfg.Constraints,
		Resolver:               r.resolver(info),
	})
	if errors.Is(err, policy.ErrPathNotFound) {
		return fail(details, "Project path not found: %s", info.ProjectPath)
	}
	if err != nil {
		return fail(details, "Policy check failed: %v", err)
	}

	counts := make(map[string]int)
	for k, n := range report.CountByKind() {
		counts[string(k)] = n
	}
	details["violations"] = report.Violations
	details["violation_counts"] = counts
	details["files_checked"] = report.FilesChecked
	details["files_skipped"] = report.FilesSkipped
	details["used_distributions"] = report.UsedDistributions
	details["forbidden_normalized"] = report.ForbiddenNormalized
	details["unresolved_imports"] = report.UnresolvedImports
	if r.envResolution() && info.Resolver == nil {
		details["warning"] = "No dependency image: imports were resolved only from package_map, " +
			"site_packages and the built-in alias table; see unresolved_imports"
	}

	if !report.Passed() {
		return fail(details, "Found %d policy violation(s)", len(report.Violations))
	}
	return pass(details, "No policy violations found")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
