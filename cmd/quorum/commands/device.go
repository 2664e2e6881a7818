// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/quorum/ceremony"
	"github.com/bureau-foundation/quorum/cmd/quorum/cli"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
)

func deviceCommand() *cli.Command {
	return &cli.Command{
		Name:    "device",
		Summary: "Enroll, remove and list the devices of the authority",
		Subcommands: []*cli.Command{
			deviceCodeCommand(),
			deviceAddCommand(),
			deviceRemoveCommand(),
			deviceListCommand(),
		},
		Examples: []cli.Example{
			{Description: "On the new device", Command: "quorum device code"},
			{Description: "On a member, with the printed code", Command: "quorum device add <code>"},
		},
	}
}

// ceremonyResult is the printed outcome of a membership change.
type ceremonyResult struct {
	Ceremony  string   `json:"ceremony"`
	Mode      string   `json:"mode"`
	Epoch     uint64   `json:"epoch"`
	Threshold int      `json:"threshold"`
	Devices   []string `json:"devices"`
}

// runCeremony waits for c while the node serves, then reports the
// authority as it stands.
func runCeremony(ctx context.Context, l *local, c *ceremony.Ceremony, timeout time.Duration, output *cli.JSONOutput) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	result, err := c.Wait(waitCtx)
	if err != nil {
		return err
	}
	state, err := l.node.AuthorityState(ctx)
	if err != nil {
		return err
	}
	report := ceremonyResult{
		Ceremony:  result.Ceremony.String(),
		Mode:      result.Mode.String(),
		Epoch:     state.Epoch,
		Threshold: state.Threshold,
	}
	for _, device := range state.Devices {
		report.Devices = append(report.Devices, device.String())
	}
	if done, err := output.EmitJSON(report); done {
		return err
	}
	fmt.Printf("%s: epoch %d, %d of %d devices must sign\n", result.Mode, state.Epoch, state.Threshold, len(state.Devices))
	return nil
}

func deviceCodeCommand() *cli.Command {
	var (
		flags   nodeFlags
		output  cli.JSONOutput
		listen  string
		address string
		timeout time.Duration
	)
	return &cli.Command{
		Name:    "code",
		Summary: "Print an enrollment code and wait to be enrolled",
		Description: `Print the enrollment code of this device and serve until a member of
an authority enrolls it with 'quorum device add'. The code carries the
device key, a one-time nonce and the address the member should dial.`,
		Usage: "quorum device code [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("code", pflag.ContinueOnError)
			flags.add(flagSet)
			output.AddFlag(flagSet)
			flagSet.StringVar(&listen, "listen", "", "address to accept the member on (default network.listen)")
			flagSet.StringVar(&address, "address", "", "address to advertise in the code (default the listening address)")
			flagSet.DurationVar(&timeout, "timeout", 10*time.Minute, "how long to wait for the enrollment")
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
			if authority, ok := l.node.Authority(); ok {
				return fault.Invalid("device already belongs to %s", authority)
			}
			if address == "" {
				address = l.network.Address()
			}
			code, err := l.node.CreateEnrollmentCode(address)
			if err != nil {
				return err
			}
			if !output.OutputJSON {
				fmt.Println(code.String())
				fmt.Fprintln(os.Stderr, "waiting for a member to run 'quorum device add' with this code")
			}

			stop := l.serveInBackground(ctx)
			defer stop()
			waitCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			authority, err := waitForAuthority(waitCtx, l)
			if err != nil {
				return err
			}
			if done, err := output.EmitJSON(map[string]string{
				"code":      code.String(),
				"device":    l.node.Device().String(),
				"authority": authority.String(),
			}); done {
				return err
			}
			fmt.Printf("enrolled into %s\n", authority)
			return nil
		},
	}
}

// waitForAuthority polls until the node has adopted an authority.
func waitForAuthority(ctx context.Context, l *local) (ident.AuthorityID, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if authority, ok := l.node.Authority(); ok {
			return authority, nil
		}
		select {
		case <-ctx.Done():
			return ident.AuthorityID{}, fault.Coordination("not enrolled: %v", ctx.Err())
		case <-ticker.C:
		}
	}
}

func deviceAddCommand() *cli.Command {
	var (
		flags   nodeFlags
		output  cli.JSONOutput
		policy  policyFlags
		timeout time.Duration
	)
	return &cli.Command{
		Name:    "add",
		Summary: "Enroll the device behind an enrollment code",
		Description: `Coordinate the ceremony that adds a device to this authority. The
new device must be running 'quorum device code'. The current members
named in network.peers are asked to sign; the command waits until the
change is final or reverted.`,
		Usage: "quorum device add [flags] <code>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("add", pflag.ContinueOnError)
			flags.add(flagSet)
			output.AddFlag(flagSet)
			policy.add(flagSet)
			flagSet.DurationVar(&timeout, "timeout", 2*time.Minute, "how long to wait for the ceremony")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if err := requireArgs(args, "code"); err != nil {
				return err
			}
			code, err := ceremony.ParseEnrollmentCode(args[0])
			if err != nil {
				return err
			}
			l, err := flags.open(ctx, openOptions{})
			if err != nil {
				return err
			}
			defer l.Close()
			state, err := l.node.AuthorityState(ctx)
			if err != nil {
				return err
			}
			resolved, err := policy.resolve(len(state.Devices) + 1)
			if err != nil {
				return err
			}

			l.connectPeers(ctx)
			stop := l.serveInBackground(ctx)
			defer stop()
			c, err := l.node.Enroll(ctx, code, resolved)
			if err != nil {
				return err
			}
			return runCeremony(ctx, l, c, timeout, &output)
		},
	}
}

func deviceRemoveCommand() *cli.Command {
	var (
		flags   nodeFlags
		output  cli.JSONOutput
		policy  policyFlags
		reason  string
		timeout time.Duration
	)
	return &cli.Command{
		Name:    "remove",
		Summary: "Remove a device from the authority",
		Usage:   "quorum device remove [flags] <device>",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("remove", pflag.ContinueOnError)
			flags.add(flagSet)
			output.AddFlag(flagSet)
			policy.add(flagSet)
			flagSet.StringVar(&reason, "reason", "retired", "why the device leaves: retired, lost or compromised")
			flagSet.DurationVar(&timeout, "timeout", 2*time.Minute, "how long to wait for the ceremony")
			return flagSet
		},
		Run: func(ctx context.Context, args []string) error {
			if err := requireArgs(args, "device"); err != nil {
				return err
			}
			device, err := ident.Parse[ident.Device](args[0])
			if err != nil {
				return fault.Invalid("%v", err)
			}
			removeReason, err := parseRemoveReason(reason)
			if err != nil {
				return err
			}
			l, err := flags.open(ctx, openOptions{})
			if err != nil {
				return err
			}
			defer l.Close()
			state, err := l.node.AuthorityState(ctx)
			if err != nil {
				return err
			}
			resolved, err := policy.resolve(max(len(state.Devices)-1, 1))
			if err != nil {
				return err
			}

			l.connectPeers(ctx)
			stop := l.serveInBackground(ctx)
			defer stop()
			c, err := l.node.RemoveDevice(ctx, device, removeReason, resolved)
			if err != nil {
				return err
			}
			return runCeremony(ctx, l, c, timeout, &output)
		},
	}
}

func deviceListCommand() *cli.Command {
	var (
		flags  nodeFlags
		output cli.JSONOutput
	)
	return &cli.Command{
		Name:    "list",
		Summary: "List the devices of the authority",
		Usage:   "quorum device list [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("list", pflag.ContinueOnError)
			flags.add(flagSet)
			output.AddFlag(flagSet)
			return flagSet
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
			state, err := l.node.AuthorityState(ctx)
			if err != nil {
				return err
			}
			devices := make([]string, 0, len(state.Devices))
			for _, device := range state.Devices {
				devices = append(devices, device.String())
			}
			if done, err := output.EmitJSON(map[string]any{
				"authority": state.Authority.String(),
				"epoch":     state.Epoch,
				"threshold": state.Threshold,
				"devices":   devices,
			}); done {
				return err
			}
			fmt.Printf("authority %s, epoch %d, threshold %d\n", state.Authority, state.Epoch, state.Threshold)
			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			for _, device := range state.Devices {
				marker := ""
				if device == l.node.Device() {
					marker = "(this device)"
				}
				fmt.Fprintf(tw, "  %s\t%s\n", device, marker)
			}
			return tw.Flush()
		},
	}
}
