// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package reduce

import (
	"crypto/ed25519"
	"slices"

	"github.com/bureau-foundation/quorum/fact"
	"github.com/bureau-foundation/quorum/lib/digest"
	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/lib/timestamp"
	"github.com/bureau-foundation/quorum/tree"
)

// AuthorityState is the reduced view of one authority.
type AuthorityState struct {
	Authority   ident.AuthorityID
	Epoch       uint64
	Commitment  digest.Hash
	Policy      tree.Policy
	Threshold   int
	GroupKey    ed25519.PublicKey
	GroupKeys   []tree.EpochKey
	Devices     []ident.DeviceID
	DeviceCount int

	// Tree is the full materialized commitment tree.
	Tree tree.State

	// Applied lists the ops on the reduced trajectory, in order.
	Applied []digest.Hash

	// Finalized lists applied ops named by a convergence certificate.
	Finalized []digest.Hash

	// Losers lists ops that lost a race, went stale, or were reverted.
	Losers []tree.Loser

	// Pending lists ops whose parent has not arrived.
	Pending []digest.Hash

	// Snapshot is the proposal id of the snapshot the reduction
	// started from, if any.
	Snapshot *digest.Hash

	// Bindings holds relational facts recorded in the authority's own
	// namespace, reduced through the registry.
	Bindings *ContextState
}

// Options adjusts an authority reduction.
type Options struct {
	// Until, when non-zero, reduces to the state in which epoch Until
	// began.
	Until uint64

	// Cache skips repeated signature checks across reductions.
	Cache *tree.VerifyCache

	// Registry, when set, reduces relational facts found in the
	// authority namespace.
	Registry *fact.Registry
}

// IsFinalized reports whether op was applied under a certificate.
func (s AuthorityState) IsFinalized(op digest.Hash) bool {
	_, found := slices.BinarySearchFunc(s.Finalized, op, digest.Hash.Compare)
	return found
}

// IsApplied reports whether op is on the reduced trajectory.
func (s AuthorityState) IsApplied(op digest.Hash) bool {
	return slices.Contains(s.Applied, op)
}

// Authority reduces an authority namespace.
func Authority(authority ident.AuthorityID, facts []fact.Fact, options Options) (AuthorityState, []Warning) {
	facts, warnings := canonical(facts)

	var (
		ops       []tree.AttestedOp
		opFacts   = make(map[digest.Hash]timestamp.OrderTime)
		snapshots []tree.Snapshot
		certified = make(map[digest.Hash]bool)
		reverted  = make(map[digest.Hash]bool)
		related   []fact.Fact
	)
	for _, f := range facts {
		content := f.Content
		switch content.Kind {
		case fact.KindAttestedOp:
			ops = append(ops, *content.AttestedOp)
			hash := content.AttestedOp.Hash()
			if _, ok := opFacts[hash]; !ok {
				opFacts[hash] = f.ID
			}
		case fact.KindSnapshot:
			if content.Snapshot.Authority != authority {
				warnings = append(warnings, Warning{Fact: f.ID, Message: "snapshot for another authority"})
				continue
			}
			if options.Until != 0 && content.Snapshot.AsOfEpoch > options.Until {
				continue
			}
			snapshots = append(snapshots, *content.Snapshot)
		case fact.KindConvergenceCert:
			certified[content.Cert.OpID] = true
		case fact.KindReversion:
			reverted[content.Reversion.OpID] = true
		case fact.KindRelational, fact.KindFlowBudget:
			related = append(related, f)
		}
	}

	base := tree.Select(snapshots)
	result := tree.Reduce(ops, tree.Options{
		Base:      base,
		Certified: certified,
		Reverted:  reverted,
		Until:     options.Until,
		Cache:     options.Cache,
	})
	for _, warning := range result.Warnings {
		warnings = append(warnings, Warning{Fact: opFacts[warning.Op], Message: "op " + warning.Op.Short() + ": " + warning.Message})
	}

	state := result.State
	reduced := AuthorityState{
		Authority:   authority,
		Epoch:       state.Epoch,
		Commitment:  state.Commitment,
		Policy:      state.Policy,
		Threshold:   state.Threshold(),
		GroupKey:    state.GroupKey,
		GroupKeys:   state.GroupKeys,
		Devices:     state.Devices(),
		DeviceCount: len(state.Leaves),
		Tree:        state,
		Applied:     result.Applied,
		Losers:      result.Losers,
		Pending:     result.Pending,
	}
	for _, hash := range result.Applied {
		if certified[hash] {
			reduced.Finalized = append(reduced.Finalized, hash)
		}
	}
	slices.SortFunc(reduced.Finalized, digest.Hash.Compare)
	if base != nil {
		id := base.ProposalID
		reduced.Snapshot = &id
	}
	if options.Registry != nil && len(related) > 0 {
		bindings, bindingWarnings := Context(ident.AuthorityContext(authority), related, options.Registry)
		reduced.Bindings = &bindings
		warnings = append(warnings, bindingWarnings...)
	}
	sortWarnings(warnings)
	return reduced, warnings
}

// AuthorityAt reduces an authority namespace to the state in which
// epoch began. Snapshots cut after epoch are not used.
func AuthorityAt(authority ident.AuthorityID, facts []fact.Fact, epoch uint64, cache *tree.VerifyCache) (AuthorityState, []Warning) {
	if epoch == 0 {
		// Epoch 0 began at genesis.
		return Authority(authority, nil, Options{})
	}
	return Authority(authority, facts, Options{Until: epoch, Cache: cache})
}

// Ops extracts the attested ops of a fact set.
func Ops(facts []fact.Fact) []tree.AttestedOp {
	var ops []tree.AttestedOp
	for _, f := range facts {
		if f.Content.Kind == fact.KindAttestedOp && f.Content.AttestedOp != nil {
			ops = append(ops, *f.Content.AttestedOp)
		}
	}
	return ops
}
