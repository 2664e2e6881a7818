// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/quorum/cmd/quorum/cli"
	"github.com/bureau-foundation/quorum/lib/codec"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/node"
)

func exportCommand() *cli.Command {
	var (
		flags       nodeFlags
		outputPath  string
		diagnostic  bool
		compression string
	)
	return &cli.Command{
		Name:    "export",
		Summary: "Dump every journal this device holds",
		Description: `Write a CBOR document holding every namespace's facts in canonical
order, plus the reduced authority and context summaries. The binary
form is packed with a compression tag; --diagnostic renders CBOR
diagnostic notation for reading.`,
		Usage: "quorum export [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("export", pflag.ContinueOnError)
			flags.add(flagSet)
			flagSet.StringVarP(&outputPath, "output", "o", "", "file to write (default stdout)")
			flagSet.BoolVar(&diagnostic, "diagnostic", false, "render CBOR diagnostic notation")
			flagSet.StringVar(&compression, "compression", "zstd", "compression of the binary form: none, lz4 or zstd")
			return flagSet
		},
		Examples: []cli.Example{
			{Description: "Read the journals", Command: "quorum export --diagnostic"},
			{Description: "Save a compressed dump", Command: "quorum export -o device.qexp"},
		},
		Run: func(ctx context.Context, args []string) error {
			if err := requireArgs(args); err != nil {
				return err
			}
			tag, err := codec.ParseCompressionTag(compression)
			if err != nil {
				return fault.Invalid("%v", err)
			}
			l, err := flags.open(ctx, openOptions{})
			if err != nil {
				return err
			}
			defer l.Close()
			data, err := l.node.Export(ctx, node.ExportOptions{Compression: tag, Diagnostic: diagnostic})
			if err != nil {
				return err
			}
			if diagnostic {
				data = append(data, '\n')
			}
			if outputPath == "" {
				_, err := os.Stdout.Write(data)
				return err
			}
			if err := os.WriteFile(outputPath, data, 0o600); err != nil {
				return fault.Storage("writing %s: %v", outputPath, err)
			}
			fmt.Fprintf(os.Stderr, "wrote %d bytes to %s\n", len(data), outputPath)
			return nil
		},
	}
}
