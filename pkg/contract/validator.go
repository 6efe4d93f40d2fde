// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package contract

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/codegate/pkg/validation"
)

// contractValidate checks struct tags on Environment and Project.
// Initialized in init() with custom validators.
var contractValidate *validator.Validate

func init() {
	contractValidate = validator.New()

	// Report fields by their YAML names.
	contractValidate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = contractValidate.RegisterValidation("nonblank", validateNonBlank)
	_ = contractValidate.RegisterValidation("entrypoint", validateEntryPoint)
}

// validateNonBlank rejects empty and whitespace-only strings.
func validateNonBlank(fl validator.FieldLevel) bool {
	return strings.TrimSpace(fl.Field().String()) != ""
}

// validateEntryPoint rejects entry points that are not importable paths.
func validateEntryPoint(fl validator.FieldLevel) bool {
	return validation.ValidateEntryPoint(strings.TrimSpace(fl.Field().String())) == nil
}

// Validate checks required fields, rule shapes, and known rule configs.
//
// Returns the first problem as a *ConfigError (errors.Is ErrInvalidContract).
func Validate(c *Contract) error {
	if c == nil {
		return &ConfigError{Message: "contract must not be nil"}
	}

	if err := validateSection("Environment", c.Environment); err != nil {
		return err
	}
	if err := validateSection("project", c.Project); err != nil {
		return err
	}

	if !c.Rules.present {
		return configErrorf("rules", "missing required field")
	}
	if len(c.Rules.dupes) > 0 {
		return configErrorf("rules."+c.Rules.dupes[0], "duplicate rule name")
	}

	for _, e := range c.Rules.entries {
		field := "rules." + e.Name
		if !e.isMapping {
			return configErrorf(field, "rule config must be a mapping")
		}
		if _, ok := e.Config["enabled"]; !ok {
			return configErrorf(field+".enabled", "missing required field")
		}
		if !e.enabledOK {
			return configErrorf(field+".enabled", "must be a boolean")
		}
		if err := ValidateRuleConfig(e.Name, e.Config); err != nil {
			return err
		}
	}
	return nil
}

// UnknownRules returns declared rule names that are not built in.
func (c *Contract) UnknownRules() []string {
	var out []string
	for _, e := range c.Rules.entries {
		if !IsKnownRule(e.Name) {
			out = append(out, e.Name)
		}
	}
	return out
}

func validateSection(section string, v any) error {
	err := contractValidate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return configErrorf(section, "%v", err)
	}

	fe := verrs[0]
	// Namespace is "Environment.runtime_image" or "Project.python_dependencies[0]".
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = section + field[i:]
	}
	if fe.Tag() == "nonblank" && !strings.Contains(field, "[") {
		return configErrorf(field, "missing required field")
	}
	if fe.Tag() == "entrypoint" {
		return configErrorf(field, "path segments must be Python identifiers, got %q", fe.Value())
	}
	return configErrorf(field, "must not be empty")
}
