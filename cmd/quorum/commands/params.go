// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"strings"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/tree"
)

// policyFlags select the signing policy a membership change installs.
type policyFlags struct {
	Policy    string
	Threshold uint32
}

func (p *policyFlags) add(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&p.Policy, "policy", "threshold", "signing policy after the change: any, all or threshold")
	flagSet.Uint32Var(&p.Threshold, "threshold", 0, "signers required by the threshold policy (default a majority of the new device count)")
}

// resolve builds the policy for an authority that will hold devices
// leaves after the change.
func (p *policyFlags) resolve(devices int) (tree.Policy, error) {
	var policy tree.Policy
	switch strings.ToLower(p.Policy) {
	case "any":
		policy = tree.Any()
	case "all":
		policy = tree.All()
	case "threshold":
		m := p.Threshold
		if m == 0 {
			m = uint32(devices/2 + 1)
		}
		policy = tree.Threshold(m)
	default:
		return tree.Policy{}, fault.Invalid("unknown policy %q (want any, all or threshold)", p.Policy)
	}
	if p.Threshold != 0 && policy.Kind != tree.PolicyThreshold {
		return tree.Policy{}, fault.Invalid("--threshold only applies to the threshold policy")
	}
	if err := policy.Validate(); err != nil {
		return tree.Policy{}, err
	}
	return policy, nil
}

func parseRemoveReason(text string) (tree.RemoveReason, error) {
	for _, reason := range []tree.RemoveReason{tree.ReasonRetired, tree.ReasonLost, tree.ReasonCompromised} {
		if strings.EqualFold(text, reason.String()) {
			return reason, nil
		}
	}
	return 0, fault.Invalid("unknown removal reason %q (want retired, lost or compromised)", text)
}

// requireArgs checks the positional argument count.
func requireArgs(args []string, names ...string) error {
	if len(args) != len(names) {
		return fault.Invalid("expected %d argument(s) <%s>, got %d", len(names), strings.Join(names, "> <"), len(args))
	}
	return nil
}
