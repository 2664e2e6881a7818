// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/quorum/cmd/quorum/cli"
	"github.com/bureau-foundation/quorum/lib/config"
	"github.com/bureau-foundation/quorum/lib/fault"
)

type initResult struct {
	Device    string `json:"device"`
	Authority string `json:"authority,omitempty"`
	DataDir   string `json:"data_dir"`
}

func initCommand() *cli.Command {
	var (
		flags    nodeFlags
		output   cli.JSONOutput
		joinOnly bool
	)
	return &cli.Command{
		Name:    "init",
		Summary: "Create the device key and a single-device authority",
		Description: `Create the data directory, write a default config.yaml if none
exists, generate and seal the device key, and run the genesis ceremony
of a new authority whose only member is this device.

With --join, stop after the key: the device will enter an existing
authority through 'quorum device code' instead.`,
		Usage: "quorum init [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("init", pflag.ContinueOnError)
			flags.add(flagSet)
			output.AddFlag(flagSet)
			flagSet.BoolVar(&joinOnly, "join", false, "create the key only, to join an existing authority")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if err := requireArgs(args); err != nil {
				return err
			}
			cfg, err := config.Load(flags.DataDir)
			if err != nil {
				return err
			}
			if err := writeDefaultConfig(cfg); err != nil {
				return err
			}
			l, err := flags.openWith(ctx, cfg, openOptions{Generate: true})
			if err != nil {
				return err
			}
			defer l.Close()

			result := initResult{Device: l.node.Device().String(), DataDir: cfg.DataDir}
			if !joinOnly {
				authority, err := l.node.InitAuthority(ctx)
				if err != nil {
					return err
				}
				result.Authority = authority.String()
			}
			if done, err := output.EmitJSON(result); done {
				return err
			}
			fmt.Printf("device:    %s\n", result.Device)
			if result.Authority != "" {
				fmt.Printf("authority: %s\n", result.Authority)
			}
			fmt.Printf("data:      %s\n", result.DataDir)
			return nil
		},
	}
}

// writeDefaultConfig saves cfg unless the directory already holds a
// configuration file.
func writeDefaultConfig(cfg *config.Config) error {
	for _, name := range []string{"config.yaml", "config.jsonc"} {
		_, err := os.Stat(filepath.Join(cfg.DataDir, name))
		if err == nil {
			return nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return fault.Storage("checking %s: %v", name, err)
		}
	}
	return cfg.Save()
}
