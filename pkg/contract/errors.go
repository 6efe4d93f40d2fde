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
	"fmt"
)

var (
	// ErrContractNotFound indicates the contract file does not exist.
	ErrContractNotFound = errors.New("contract file not found")

	// ErrEmptyContract indicates the contract file has no YAML content.
	ErrEmptyContract = errors.New("contract file is empty")

	// ErrInvalidContract is matched by every *ConfigError.
	ErrInvalidContract = errors.New("invalid contract")
)

// ConfigError describes a contract that failed parsing or validation.
type ConfigError struct {
	// Field is the dotted path of the offending field ("rules.policy.enabled").
	// Empty for document-level problems.
	Field string

	// Message describes the problem.
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Is matches ErrInvalidContract.
func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidContract
}

func configErrorf(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Message: fmt.Sprintf(format, args...)}
}
