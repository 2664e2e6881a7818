// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"context"
	"log/slog"

	"github.com/bureau-foundation/quorum/effect"
	"github.com/bureau-foundation/quorum/fact"
	"github.com/bureau-foundation/quorum/lib/codec"
	"github.com/bureau-foundation/quorum/lib/digest"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/lib/threshold"
	"github.com/bureau-foundation/quorum/lib/timestamp"
	"github.com/bureau-foundation/quorum/reduce"
	"github.com/bureau-foundation/quorum/tree"
)

// TreeStore implements effect.Tree on top of a Store. Attested ops,
// proposals, approvals and snapshots are all facts in the authority's
// namespace, so they travel with anti-entropy like any other fact.
type TreeStore struct {
	store  *Store
	time   effect.Time
	signer effect.Signer
	cache  *tree.VerifyCache
	logger *slog.Logger
}

var _ effect.Tree = (*TreeStore)(nil)

// NewTreeStore returns a TreeStore. signer approves snapshots on this
// device's behalf; time stamps the facts it writes.
func NewTreeStore(store *Store, time effect.Time, signer effect.Signer, logger *slog.Logger) *TreeStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &TreeStore{store: store, time: time, signer: signer, cache: tree.NewVerifyCache(), logger: logger}
}

// Mode returns the mode of the underlying store.
func (t *TreeStore) Mode() effect.Mode { return t.store.Mode() }

// Cache returns the signature cache shared by every reduction this
// store performs.
func (t *TreeStore) Cache() *tree.VerifyCache { return t.cache }

// ApplyAttestedOp records op as a fact of authority. The fact is
// stamped with the op's parent epoch, so every replica that records
// the same attestation produces the same fact.
func (t *TreeStore) ApplyAttestedOp(ctx context.Context, authority ident.AuthorityID, op tree.AttestedOp) (bool, error) {
	if err := op.Op.Validate(); err != nil {
		return false, err
	}
	f, err := fact.New(timestamp.AtLamport(op.Op.ParentEpoch), fact.AttestedOp(op))
	if err != nil {
		return false, err
	}
	added, err := t.store.MergeFacts(ctx, fact.AuthorityNamespace(authority), []fact.Fact{f})
	if err != nil {
		return false, err
	}
	return len(added) > 0, nil
}

// Ops returns the op log of authority in index order.
func (t *TreeStore) Ops(ctx context.Context, authority ident.AuthorityID) ([]tree.AttestedOp, error) {
	hashes, err := t.store.OpIndex(ctx, authority)
	if err != nil {
		return nil, err
	}
	ops := make([]tree.AttestedOp, 0, len(hashes))
	for _, hash := range hashes {
		data, ok, err := t.store.storage.Get(ctx, treeOpKey(authority, hash))
		if err != nil {
			return nil, fault.Wrapf(fault.KindStorage, err, "reading op %s", hash.Short())
		}
		if !ok {
			return nil, fault.Storage("op index names %s but the op is missing", hash.Short())
		}
		var op tree.AttestedOp
		if err := codec.Unmarshal(data, &op); err != nil {
			return nil, fault.Serialization("decoding op %s: %v", hash.Short(), err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func (t *TreeStore) reduce(ctx context.Context, authority ident.AuthorityID, until uint64) (reduce.AuthorityState, []fact.Fact, error) {
	facts, err := t.store.LoadFacts(ctx, fact.AuthorityNamespace(authority))
	if err != nil {
		return reduce.AuthorityState{}, nil, err
	}
	var state reduce.AuthorityState
	var warnings []reduce.Warning
	if until == 0 {
		state, warnings = reduce.Authority(authority, facts, reduce.Options{Cache: t.cache})
	} else {
		state, warnings = reduce.AuthorityAt(authority, facts, until, t.cache)
	}
	for _, warning := range warnings {
		t.logger.Warn("reduction warning", "authority", authority.String(), "warning", warning.String())
	}
	return state, facts, nil
}

// State materializes the current tree of authority.
func (t *TreeStore) State(ctx context.Context, authority ident.AuthorityID) (tree.State, error) {
	state, _, err := t.reduce(ctx, authority, 0)
	if err != nil {
		return tree.State{}, err
	}
	return state.Tree, nil
}

// cutState returns the state in which epoch cut began, failing if the
// local log has not reached it.
func (t *TreeStore) cutState(ctx context.Context, authority ident.AuthorityID, cut uint64) (tree.State, []fact.Fact, error) {
	if cut == 0 {
		return tree.State{}, nil, fault.Invalid("cannot snapshot at epoch 0")
	}
	state, facts, err := t.reduce(ctx, authority, cut)
	if err != nil {
		return tree.State{}, nil, err
	}
	if state.Epoch != cut {
		return tree.State{}, nil, fault.Invalid("authority %s has not reached epoch %d", authority.Short(), cut)
	}
	return state.Tree, facts, nil
}

func (t *TreeStore) record(ctx context.Context, authority ident.AuthorityID, content fact.Content) error {
	f, err := fact.New(t.time.Logical(), content)
	if err != nil {
		return err
	}
	_, err = t.store.MergeFacts(ctx, fact.AuthorityNamespace(authority), []fact.Fact{f})
	return err
}

// ProposeSnapshot proposes compacting authority's log at cut and
// approves the proposal with the local key.
func (t *TreeStore) ProposeSnapshot(ctx context.Context, authority ident.AuthorityID, cut uint64) (tree.Proposal, error) {
	state, _, err := t.cutState(ctx, authority, cut)
	if err != nil {
		return tree.Proposal{}, err
	}
	proposal := tree.NewProposal(authority, t.signer.Device(), state)
	if err := t.record(ctx, authority, fact.Propose(proposal)); err != nil {
		return tree.Proposal{}, err
	}
	t.logger.Info("proposed snapshot", "authority", authority.String(), "cut", cut, "proposal", proposal.ID.Short())
	if _, err := t.ApproveSnapshot(ctx, authority, proposal); err != nil {
		return tree.Proposal{}, err
	}
	return proposal, nil
}

// ApproveSnapshot signs proposal after checking it against the local
// state at its cut. Only leaves of that state may approve.
func (t *TreeStore) ApproveSnapshot(ctx context.Context, authority ident.AuthorityID, proposal tree.Proposal) (tree.Approval, error) {
	if proposal.Authority != authority {
		return tree.Approval{}, fault.Invalid("proposal %s is for another authority", proposal.ID.Short())
	}
	state, _, err := t.cutState(ctx, authority, proposal.Cut)
	if err != nil {
		return tree.Approval{}, err
	}
	if tree.NewProposal(authority, proposal.Proposer, state).ID != proposal.ID {
		return tree.Approval{}, fault.Invalid("proposal %s does not match the local state at epoch %d", proposal.ID.Short(), proposal.Cut)
	}
	device := t.signer.Device()
	if _, ok := state.Leaf(device); !ok {
		return tree.Approval{}, fault.Authorization("device %s is not a leaf at epoch %d", device.Short(), proposal.Cut)
	}
	approval := tree.Approval{
		ProposalID: proposal.ID,
		Share:      threshold.Share{Signer: device, Signature: t.signer.Sign(proposal.Message())},
	}
	if err := t.record(ctx, authority, fact.Approve(approval)); err != nil {
		return tree.Approval{}, err
	}
	return approval, nil
}

// FinalizeSnapshot aggregates the approvals recorded for proposalID
// into a snapshot fact. It fails with an invalid fault while fewer
// than a threshold of the cut state's leaves have approved.
func (t *TreeStore) FinalizeSnapshot(ctx context.Context, authority ident.AuthorityID, proposalID digest.Hash) (tree.Snapshot, error) {
	facts, err := t.store.LoadFacts(ctx, fact.AuthorityNamespace(authority))
	if err != nil {
		return tree.Snapshot{}, err
	}
	var proposal *tree.Proposal
	var approvals []tree.Approval
	for _, f := range facts {
		switch f.Content.Kind {
		case fact.KindSnapshotProposal:
			if f.Content.Proposal.ID == proposalID {
				proposal = f.Content.Proposal
			}
		case fact.KindSnapshotApproval:
			if f.Content.Approval.ProposalID == proposalID {
				approvals = append(approvals, *f.Content.Approval)
			}
		}
	}
	if proposal == nil {
		return tree.Snapshot{}, fault.Invalid("unknown snapshot proposal %s", proposalID.Short())
	}
	state, _, err := t.cutState(ctx, authority, proposal.Cut)
	if err != nil {
		return tree.Snapshot{}, err
	}
	approvals = distinctApprovals(approvals)
	if len(approvals) < state.Threshold() {
		return tree.Snapshot{}, fault.Invalid("proposal %s has %d of %d approvals", proposalID.Short(), len(approvals), state.Threshold())
	}
	snapshot, err := tree.Finalize(*proposal, state, approvals)
	if err != nil {
		return tree.Snapshot{}, err
	}
	if err := t.record(ctx, authority, fact.SnapshotOf(snapshot)); err != nil {
		return tree.Snapshot{}, err
	}
	t.logger.Info("finalized snapshot", "authority", authority.String(), "cut", snapshot.AsOfEpoch, "approvals", len(approvals))
	return snapshot, nil
}

// distinctApprovals keeps one approval per signer.
func distinctApprovals(approvals []tree.Approval) []tree.Approval {
	seen := make(map[ident.DeviceID]bool, len(approvals))
	distinct := approvals[:0]
	for _, approval := range approvals {
		if seen[approval.Share.Signer] {
			continue
		}
		seen[approval.Share.Signer] = true
		distinct = append(distinct, approval)
	}
	return distinct
}

// ApplySnapshot compacts authority's log: ops below the snapshot's cut
// are deleted and later merges of such ops are ignored. A snapshot
// that loses to another finalized snapshot at the same cut is refused.
// When the local log covers the cut, the snapshot's state must equal
// the locally reduced one.
func (t *TreeStore) ApplySnapshot(ctx context.Context, authority ident.AuthorityID, snapshot tree.Snapshot) error {
	if snapshot.Authority != authority {
		return fault.Invalid("snapshot %s is for another authority", snapshot.ProposalID.Short())
	}
	if err := snapshot.Verify(); err != nil {
		return err
	}
	applied, err := t.store.AppliedSnapshot(ctx, authority)
	if err != nil {
		return err
	}
	if applied != nil && applied.AsOfEpoch >= snapshot.AsOfEpoch {
		if applied.AsOfEpoch == snapshot.AsOfEpoch && applied.ProposalID == snapshot.ProposalID {
			return nil
		}
		return fault.Invalid("authority %s already compacted at epoch %d", authority.Short(), applied.AsOfEpoch)
	}

	local, facts, err := t.reduce(ctx, authority, snapshot.AsOfEpoch)
	if err != nil {
		return err
	}
	if local.Epoch == snapshot.AsOfEpoch && local.Commitment != snapshot.State.Commitment {
		return fault.Crypto("snapshot %s disagrees with the local state at epoch %d", snapshot.ProposalID.Short(), snapshot.AsOfEpoch)
	}
	var rivals []tree.Snapshot
	known := false
	for _, f := range facts {
		if f.Content.Kind == fact.KindSnapshot && f.Content.Snapshot.AsOfEpoch == snapshot.AsOfEpoch {
			rivals = append(rivals, *f.Content.Snapshot)
			known = known || f.Content.Snapshot.ProposalID == snapshot.ProposalID
		}
	}
	rivals = append(rivals, snapshot)
	if winner := tree.Select(rivals); winner == nil || winner.ProposalID != snapshot.ProposalID {
		return fault.Invalid("snapshot %s lost to a smaller proposal at epoch %d", snapshot.ProposalID.Short(), snapshot.AsOfEpoch)
	}

	if !known {
		if err := t.record(ctx, authority, fact.SnapshotOf(snapshot)); err != nil {
			return err
		}
	}
	pruned, err := t.store.pruneBelow(ctx, snapshot)
	if err != nil {
		return err
	}
	t.logger.Info("applied snapshot", "authority", authority.String(), "cut", snapshot.AsOfEpoch, "pruned_ops", pruned)
	return nil
}
