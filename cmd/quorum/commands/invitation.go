// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/quorum/cmd/quorum/cli"
	"github.com/bureau-foundation/quorum/lib/capability"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/relational"
)

func invitationCommand() *cli.Command {
	return &cli.Command{
		Name:    "invitation",
		Summary: "Invite authorities into a context and answer invitations",
		Subcommands: []*cli.Command{
			invitationCreateCommand(),
			invitationImportCommand(),
			invitationAcceptCommand(),
		},
	}
}

// invitationSummary is the printed form of an invitation.
type invitationSummary struct {
	ID         string `json:"id"`
	Inviter    string `json:"inviter"`
	Device     string `json:"inviter_device"`
	Context    string `json:"context"`
	Capability string `json:"capability"`
	Address    string `json:"address,omitempty"`
	ExpiresAt  string `json:"expires_at,omitempty"`
	Code       string `json:"code,omitempty"`
}

func summarize(invitation relational.Invitation) invitationSummary {
	summary := invitationSummary{
		ID:         invitation.ID.String(),
		Inviter:    invitation.Inviter.String(),
		Device:     invitation.InviterDevice.String(),
		Context:    invitation.Context.String(),
		Capability: invitation.Capability.String(),
		Address:    invitation.Address,
	}
	if invitation.ExpiresAt != 0 {
		summary.ExpiresAt = time.UnixMilli(invitation.ExpiresAt).UTC().Format(time.RFC3339)
	}
	return summary
}

func printInvitation(summary invitationSummary) {
	fmt.Printf("invitation: %s\n", summary.ID)
	fmt.Printf("inviter:    %s (device %s)\n", summary.Inviter, summary.Device)
	fmt.Printf("context:    %s\n", summary.Context)
	fmt.Printf("capability: %s\n", summary.Capability)
	if summary.Address != "" {
		fmt.Printf("address:    %s\n", summary.Address)
	}
	if summary.ExpiresAt != "" {
		fmt.Printf("expires:    %s\n", summary.ExpiresAt)
	}
}

func invitationCreateCommand() *cli.Command {
	var (
		flags       nodeFlags
		output      cli.JSONOutput
		contextText string
		grant       []string
		address     string
		ttl         time.Duration
	)
	return &cli.Command{
		Name:    "create",
		Summary: "Offer a capability in a context",
		Description: `Create a signed invitation and record it in the context journal.
The printed code goes to the invitee out of band; 'quorum serve' on
this device answers when they accept.`,
		Usage: "quorum invitation create [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("create", pflag.ContinueOnError)
			flags.add(flagSet)
			output.AddFlag(flagSet)
			flagSet.StringVar(&contextText, "context", "", "context to invite into (default the authority's own context)")
			flagSet.StringSliceVar(&grant, "grant", nil, "permissions offered, comma separated (e.g. chat:send,chat:read)")
			flagSet.StringVar(&address, "address", "", "address the invitee dials (default network.listen)")
			flagSet.DurationVar(&ttl, "ttl", 7*24*time.Hour, "validity of the invitation; 0 never expires")
			return flagSet
		},
		Examples: []cli.Example{
			{Description: "Invite into the authority context with chat rights", Command: "quorum invitation create --grant chat:send,chat:read"},
		},
		Run: func(ctx context.Context, args []string) error {
			if err := requireArgs(args); err != nil {
				return err
			}
			l, err := flags.open(ctx, openOptions{})
			if err != nil {
				return err
			}
			defer l.Close()
			authority, ok := l.node.Authority()
			if !ok {
				return fault.Invalid("device has no authority: run 'quorum init' first")
			}
			contextID := ident.AuthorityContext(authority)
			if contextText != "" {
				if contextID, err = ident.Parse[ident.Context](contextText); err != nil {
					return fault.Invalid("%v", err)
				}
			}
			if address == "" {
				address = l.cfg.Network.Listen
			}
			invitation, err := l.node.CreateInvitation(ctx, contextID, capability.Of(grant...), address, ttl)
			if err != nil {
				return err
			}
			code, err := invitation.Code()
			if err != nil {
				return err
			}
			summary := summarize(invitation)
			summary.Code = code
			if done, err := output.EmitJSON(summary); done {
				return err
			}
			fmt.Println(code)
			return nil
		},
	}
}

func invitationImportCommand() *cli.Command {
	var (
		flags  nodeFlags
		output cli.JSONOutput
	)
	return &cli.Command{
		Name:    "import",
		Summary: "Verify an invitation code and show what it offers",
		Usage:   "quorum invitation import [flags] <code>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("import", pflag.ContinueOnError)
			flags.add(flagSet)
			output.AddFlag(flagSet)
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if err := requireArgs(args, "code"); err != nil {
				return err
			}
			l, err := flags.open(ctx, openOptions{})
			if err != nil {
				return err
			}
			defer l.Close()
			invitation, err := l.node.ImportInvitation(args[0])
			if err != nil {
				return err
			}
			summary := summarize(invitation)
			if done, err := output.EmitJSON(summary); done {
				return err
			}
			printInvitation(summary)
			return nil
		},
	}
}

func invitationAcceptCommand() *cli.Command {
	var (
		flags   nodeFlags
		output  cli.JSONOutput
		timeout time.Duration
	)
	return &cli.Command{
		Name:    "accept",
		Summary: "Accept an invitation",
		Description: `Import the invitation, dial the inviting device and accept. On a
welcome the context journal is merged and this device holds the
offered capability, narrowed by anything it already held there.`,
		Usage: "quorum invitation accept [flags] <code>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("accept", pflag.ContinueOnError)
			flags.add(flagSet)
			output.AddFlag(flagSet)
			flagSet.DurationVar(&timeout, "timeout", time.Minute, "how long to wait for the inviter")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if err := requireArgs(args, "code"); err != nil {
				return err
			}
			l, err := flags.open(ctx, openOptions{})
			if err != nil {
				return err
			}
			defer l.Close()
			invitation, err := l.node.ImportInvitation(args[0])
			if err != nil {
				return err
			}
			stop := l.serveInBackground(ctx)
			defer stop()
			acceptance, err := l.node.AcceptInvitation(ctx, invitation.ID)
			if err != nil {
				return err
			}
			waitCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			if err := acceptance.Wait(waitCtx); err != nil {
				return err
			}
			summary := summarize(invitation)
			if done, err := output.EmitJSON(summary); done {
				return err
			}
			fmt.Printf("joined %s with %s\n", summary.Context, summary.Capability)
			return nil
		},
	}
}
