// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import "github.com/bureau-foundation/quorum/cmd/quorum/cli"

// Root returns the top-level quorum command.
func Root() *cli.Command {
	return &cli.Command{
		Name:    "quorum",
		Summary: "Threshold-governed device authorities",
		Description: `Quorum manages a device's membership in an authority: a group of
devices whose shared key changes only through threshold ceremonies.

State lives in the data directory ($DATA_DIR, or the XDG data home):
config.yaml, the sealed device key under keys/, and the journal
database quorum.db.`,
		Subcommands: []*cli.Command{
			initCommand(),
			deviceCommand(),
			invitationCommand(),
			exportCommand(),
			serveCommand(),
			versionCommand(),
		},
		Examples: []cli.Example{
			{Description: "Create a device key and a single-device authority", Command: "quorum init"},
			{Description: "Run the node", Command: "quorum serve"},
		},
	}
}
