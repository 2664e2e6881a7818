// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/quorum/cmd/quorum/cli"
)

func serveCommand() *cli.Command {
	var (
		flags  nodeFlags
		listen string
	)
	return &cli.Command{
		Name:    "serve",
		Summary: "Run the node until interrupted",
		Description: `Accept peers, dial the peers named in network.peers, and serve
ceremonies, invitations and anti-entropy sync until SIGINT or SIGTERM.`,
		Usage: "quorum serve [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("serve", pflag.ContinueOnError)
			flags.add(flagSet)
			flagSet.StringVar(&listen, "listen", "", "address to accept peers on (default network.listen)")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if err := requireArgs(args); err != nil {
				return err
			}
			l, err := flags.openListening(ctx, listen)
			if err != nil {
				return err
			}
			defer l.Close()
			logger := l.logger.With("device", l.node.Device().Short(), "address", l.network.Address())
			if authority, ok := l.node.Authority(); ok {
				logger = logger.With("authority", authority.Short())
			} else {
				logger.Warn("device has no authority yet; serving for enrollment only")
			}
			l.connectPeers(ctx)
			logger.Info("serving", "environment", string(l.cfg.Environment))
			err = l.node.Serve(ctx)
			logger.Info("stopped")
			return err
		},
	}
}
