// Copyright 2025 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

// Package cli implements the delta command-line interface.
package cli

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var deltaCmd = &cobra.Command{
	Use:   "delta [command] (flags)",
	Short: "delta streaming materialized-view engine",
	Long: `delta maintains transactionally consistent materialized collections
from streams of upstream transactions, and serves point-in-time reads,
tailing subscriptions, and change-data sinks over them.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "output version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		tw := tabwriter.NewWriter(os.Stdout, 2, 1, 2, ' ', 0)
		fmt.Fprintf(tw, "Version:\t%s\n", buildVersion())
		fmt.Fprintf(tw, "Platform:\t%s/%s\n", runtime.GOOS, runtime.GOARCH)
		fmt.Fprintf(tw, "Go Version:\t%s\n", runtime.Version())
		return tw.Flush()
	},
}

// buildVersion reports the module version stamped into the binary, or
// "(dev)" for unstamped builds.
func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return "(dev)"
	}
	return info.Main.Version
}

func init() {
	cobra.EnableCommandSorting = false

	deltaCmd.AddCommand(
		demoCmd,
		versionCmd,
	)
}

// Run executes the command line given by args.
func Run(args []string) error {
	deltaCmd.SetArgs(args)
	return deltaCmd.Execute()
}

// Main is the entry point for the delta binary. It never returns.
func Main() {
	if err := Run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}
