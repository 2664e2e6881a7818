// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tree

import (
	"slices"

	"github.com/bureau-foundation/quorum/lib/digest"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/lib/threshold"
)

// Proposal asks the authority to compact its op log at Cut. The state
// it proposes to keep is the one in which epoch Cut began.
type Proposal struct {
	ID              digest.Hash       `cbor:"1,keyasint"`
	Authority       ident.AuthorityID `cbor:"2,keyasint"`
	Cut             uint64            `cbor:"3,keyasint"`
	StateCommitment digest.Hash       `cbor:"4,keyasint"`
	Proposer        ident.DeviceID    `cbor:"5,keyasint"`
}

// NewProposal builds a proposal for the given cut state.
func NewProposal(authority ident.AuthorityID, proposer ident.DeviceID, cut State) Proposal {
	proposal := Proposal{
		Authority:       authority,
		Cut:             cut.Epoch,
		StateCommitment: cut.Commitment,
		Proposer:        proposer,
	}
	proposal.ID = digest.Sum(digest.DomainSnapshot, []byte("proposal"),
		authority.Bytes(), digest.Uint64(cut.Epoch), cut.Commitment[:], proposer.Bytes())
	return proposal
}

// Message is what approvers sign.
func (p Proposal) Message() []byte {
	message := digest.Sum(digest.DomainSnapshot, []byte("approve"), p.ID[:])
	return message[:]
}

// Approval is one leaf's signature over a proposal.
type Approval struct {
	ProposalID digest.Hash     `cbor:"1,keyasint"`
	Share      threshold.Share `cbor:"2,keyasint"`
}

// Snapshot replaces every op below AsOfEpoch with the state they
// produced. It is signed by a threshold of that state's leaves.
type Snapshot struct {
	Authority  ident.AuthorityID   `cbor:"1,keyasint"`
	ProposalID digest.Hash         `cbor:"2,keyasint"`
	AsOfEpoch  uint64              `cbor:"3,keyasint"`
	State      State               `cbor:"4,keyasint"`
	Signature  threshold.Signature `cbor:"5,keyasint"`
	Proposer   ident.DeviceID      `cbor:"6,keyasint"`
}

// Finalize turns a proposal and its approvals into a Snapshot. state
// must be the proposed cut state.
func Finalize(proposal Proposal, state State, approvals []Approval) (Snapshot, error) {
	if state.Epoch != proposal.Cut || state.Commitment != proposal.StateCommitment {
		return Snapshot{}, fault.Invalid("state at epoch %d does not match proposal %s", state.Epoch, proposal.ID.Short())
	}
	shares := make([]threshold.Share, 0, len(approvals))
	for _, approval := range approvals {
		if approval.ProposalID != proposal.ID {
			continue
		}
		shares = append(shares, approval.Share)
	}
	signature, err := threshold.Aggregate(shares)
	if err != nil {
		return Snapshot{}, err
	}
	snapshot := Snapshot{
		Authority:  proposal.Authority,
		ProposalID: proposal.ID,
		AsOfEpoch:  proposal.Cut,
		State:      state.Clone(),
		Signature:  signature,
		Proposer:   proposal.Proposer,
	}
	if err := snapshot.Verify(); err != nil {
		return Snapshot{}, err
	}
	return snapshot, nil
}

// Verify checks the snapshot on its own: the state's commitment, its
// epoch, the proposal id, and the approvers' signatures.
func (s Snapshot) Verify() error {
	if s.State.Epoch != s.AsOfEpoch {
		return fault.Invalid("snapshot state is at epoch %d, claims %d", s.State.Epoch, s.AsOfEpoch)
	}
	if s.State.computeCommitment() != s.State.Commitment {
		return fault.Crypto("snapshot state does not match its commitment")
	}
	if NewProposal(s.Authority, s.Proposer, s.State).ID != s.ProposalID {
		return fault.Invalid("snapshot proposal id does not match its state")
	}
	message := Proposal{ID: s.ProposalID}.Message()
	return threshold.Verify(message, s.Signature, s.State.Keys(), s.State.Threshold())
}

// Select picks the snapshot to reduce from: the highest cut, and at
// equal cuts the smallest proposal id. Snapshots that fail Verify are
// ignored. It returns nil when none is usable.
func Select(snapshots []Snapshot) *Snapshot {
	var best *Snapshot
	for i := range snapshots {
		candidate := &snapshots[i]
		if candidate.Verify() != nil {
			continue
		}
		if best == nil ||
			candidate.AsOfEpoch > best.AsOfEpoch ||
			(candidate.AsOfEpoch == best.AsOfEpoch && candidate.ProposalID.Compare(best.ProposalID) < 0) {
			best = candidate
		}
	}
	return best
}

// Prune returns the ops a snapshot at cut does not replace.
func Prune(ops []AttestedOp, cut uint64) []AttestedOp {
	return slices.DeleteFunc(slices.Clone(ops), func(op AttestedOp) bool {
		return op.Op.ParentEpoch < cut
	})
}
