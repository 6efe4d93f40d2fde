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
	"fmt"
	"sort"
	"sync"

	"github.com/AleutianAI/codegate/pkg/contract"
)

// Factory creates a rule from its contract entry. A decode or validation
// failure is returned as an error wrapping ErrInvalidConfig.
type Factory func(entry contract.RuleEntry) (Rule, error)

// Registry maps rule names to factories.
//
// Thread Safety: safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry holding every built-in rule.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(contract.RuleBuildImports, NewBuildImports)
	r.Register(contract.RuleUnitTests, NewUnitTests)
	r.Register(contract.RuleSecuritySAST, NewSecuritySAST)
	r.Register(contract.RuleSecurityDeps, NewSecurityDeps)
	r.Register(contract.RulePolicy, NewPolicy)
	r.Register(contract.RuleQuality, NewQuality)
	return r
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// New constructs the rule for entry.
//
// Outputs:
//
//	Rule - The constructed rule
//	error - ErrUnknownRule when no factory matches, or the factory's error
func (r *Registry) New(entry contract.RuleEntry) (Rule, error) {
	r.mu.RLock()
	f, ok := r.factories[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRule, entry.Name)
	}
	return f(entry)
}
