// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// This is the entry point for the delta binary.
package main

import "github.com/cockroachdb/delta/pkg/cli"

func main() {
	cli.Main()
}
