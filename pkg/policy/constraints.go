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
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

const (
	celCostLimit      = 10000
	celInterruptCheck = 100
)

// Constraint is a named CEL expression that must evaluate to true
// against the analysis facts.
//
// Available variables:
//
//	files_checked       int
//	used_distributions  list(string)
//	imports             list(string)
//	calls               list(string)
//	violations          list(map(string, dyn))
type Constraint struct {
	Name    string `json:"name"`
	Expr    string `json:"expr"`
	Message string `json:"message,omitempty"`
}

// ConstraintEvaluator compiles and caches CEL programs.
//
// Thread Safety: safe for concurrent use.
type ConstraintEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewConstraintEvaluator declares the analysis variables.
func NewConstraintEvaluator() (*ConstraintEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("files_checked", cel.IntType),
		cel.Variable("used_distributions", cel.ListType(cel.StringType)),
		cel.Variable("imports", cel.ListType(cel.StringType)),
		cel.Variable("calls", cel.ListType(cel.StringType)),
		cel.Variable("violations", cel.ListType(cel.MapType(cel.StringType, cel.DynType))),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &ConstraintEvaluator{
		env:      env,
		prgCache: make(map[string]cel.Program),
	}, nil
}

// program returns the cached program for expr, compiling on first use.
func (e *ConstraintEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType && ast.OutputType() != cel.DynType {
		return nil, fmt.Errorf("compile: expression must return bool, got %s", ast.OutputType())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(celInterruptCheck),
		cel.CostLimit(celCostLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.prgCache[expr] = prg
	return prg, nil
}

// Eval evaluates one expression against facts.
func (e *ConstraintEvaluator) Eval(expr string, facts map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(facts)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("eval: result is %T, not bool", out.Value())
	}
	return val, nil
}

// Check evaluates every constraint and returns one violation per
// constraint that is false or cannot be evaluated.
func (e *ConstraintEvaluator) Check(constraints []Constraint, facts map[string]any) []Violation {
	var out []Violation
	for _, c := range constraints {
		ok, err := e.Eval(c.Expr, facts)
		switch {
		case err != nil:
			out = append(out, Violation{
				Kind:       KindConstraint,
				Identifier: c.Name,
				Message:    fmt.Sprintf("Constraint '%s' could not be evaluated: %v", c.Name, err),
			})
		case !ok:
			msg := c.Message
			if msg == "" {
				msg = fmt.Sprintf("Constraint '%s' failed: %s", c.Name, c.Expr)
			}
			out = append(out, Violation{
				Kind:       KindConstraint,
				Identifier: c.Name,
				Message:    msg,
			})
		}
	}
	return out
}

// constraintFacts builds the CEL activation from a finished walk.
func constraintFacts(filesChecked int, acc *Accumulator) map[string]any {
	vs := make([]map[string]any, 0, len(acc.violations))
	for _, v := range acc.violations {
		vs = append(vs, v.toMap())
	}
	return map[string]any{
		"files_checked":      int64(filesChecked),
		"used_distributions": setToSorted(acc.used),
		"imports":            setToSorted(acc.imports),
		"calls":              setToSorted(acc.calls),
		"violations":         vs,
	}
}
