// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command codegate evaluates a project against a YAML contract.
//
// Usage:
//
//	codegate run codegate.yaml -o results.json
//	codegate validate codegate.yaml
//	codegate watch codegate.yaml
//	codegate clean
//	codegate version
//
// Exit Codes:
//
//	0 = every enabled rule passed
//	1 = at least one enabled rule failed
//	2 = configuration or environment error
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := newApp(os.Stdout, os.Stderr).execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}
