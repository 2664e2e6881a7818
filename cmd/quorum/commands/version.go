// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/quorum/cmd/quorum/cli"
	"github.com/bureau-foundation/quorum/lib/version"
)

func versionCommand() *cli.Command {
	var output cli.JSONOutput
	return &cli.Command{
		Name:    "version",
		Summary: "Print the version and wire protocol range",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("version", pflag.ContinueOnError)
			output.AddFlag(flagSet)
			return flagSet
		},
		Run: func(_ context.Context, args []string) error {
			if err := requireArgs(args); err != nil {
				return err
			}
			build := version.Current()
			if done, err := output.EmitJSON(build); done {
				return err
			}
			fmt.Println(build)
			if build.BuildTime != "" {
				fmt.Printf("  built: %s\n", build.BuildTime)
			}
			fmt.Printf("  go:    %s %s\n", build.Go, build.Platform)
			return nil
		},
	}
}
