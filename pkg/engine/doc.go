// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine runs a contract's rules and aggregates their results.
//
// A run moves through fixed stages:
//
//  1. PrepareEnvironment - resolve the project path, build the dependency image
//  2. DispatchRule - construct and execute each enabled rule, in declaration order
//  3. Aggregate - derive the summary from the ordered rule results
//
// # Failure Handling
//
// Only a nil contract and a missing project path abort a run. An image
// build failure or an unavailable container runtime is recorded as a
// warning and leaves ArtifactInfo.ImageRef empty; container rules then
// fail on their own. Unknown rules, invalid rule configs and rule panics
// each become a failed RuleResult and the run continues.
//
// # Thread Safety
//
// A Runner may be reused for sequential runs. Rules within one run are
// dispatched on the calling goroutine.
//
// # Example Usage
//
//	c, err := contract.Parse("codegate.yaml")
//	if err != nil {
//	    return err
//	}
//	runner := engine.NewRunner(engine.WithLogger(logger.Slog()))
//	result, err := runner.Run(ctx, c)
//	if err != nil {
//	    return err
//	}
//	if !result.Passed() {
//	    os.Exit(1)
//	}
package engine
