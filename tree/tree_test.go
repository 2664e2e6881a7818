// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tree_test

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/bureau-foundation/quorum/lib/codec"
	"github.com/bureau-foundation/quorum/lib/digest"
	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/lib/threshold"
	"github.com/bureau-foundation/quorum/tree"
	"github.com/bureau-foundation/quorum/tree/treetest"
)

func TestGenesisIsStable(t *testing.T) {
	a, b := tree.Genesis(), tree.Genesis()
	if a.Commitment != b.Commitment || a.Commitment.IsZero() {
		t.Fatalf("genesis commitments differ or are zero: %s %s", a.Commitment, b.Commitment)
	}
	if a.Epoch != 0 || a.Policy != tree.Any() || len(a.Leaves) != 0 {
		t.Fatalf("unexpected genesis state %+v", a)
	}
}

func TestInitChain(t *testing.T) {
	founder := treetest.NewDevice(1)
	chain := treetest.Init(t, founder)

	result := tree.Reduce(chain.Ops, tree.Options{})
	if len(result.Warnings) != 0 {
		t.Fatalf("warnings: %+v", result.Warnings)
	}
	state := result.State
	if state.Epoch != 1 || len(state.Leaves) != 1 || state.Threshold() != 1 {
		t.Fatalf("state after init: epoch %d, leaves %d, threshold %d", state.Epoch, len(state.Leaves), state.Threshold())
	}
	if !state.GroupKey.Equal(founder.Public) {
		t.Fatal("group key is not the founder's key")
	}
	if !state.Equal(chain.State) {
		t.Fatal("reduced state differs from the chain's running state")
	}
}

func TestPolicyRequired(t *testing.T) {
	tests := []struct {
		policy tree.Policy
		leaves int
		want   int
	}{
		{tree.Any(), 3, 1},
		{tree.All(), 3, 3},
		{tree.Threshold(2), 3, 2},
		{tree.Threshold(5), 3, 3},
		{tree.All(), 0, 1},
	}
	for _, test := range tests {
		if got := test.policy.Required(test.leaves); got != test.want {
			t.Errorf("%s.Required(%d) = %d, want %d", test.policy, test.leaves, got, test.want)
		}
	}
	if err := tree.Threshold(0).Validate(); err == nil {
		t.Error("Validate accepted a zero threshold")
	}
}

func TestReduceIgnoresOrderAndDuplicates(t *testing.T) {
	founder, second, third := treetest.NewDevice(1), treetest.NewDevice(2), treetest.NewDevice(3)
	chain := treetest.Init(t, founder)
	chain.AddDevice(second)
	chain.Apply(tree.ChangePolicy(chain.State, tree.Threshold(2)))
	chain.Rotate(second.Public)
	chain.AddDevice(third)
	chain.RemoveDevice(second, tree.ReasonRetired)

	want := tree.Reduce(chain.Ops, tree.Options{}).State
	random := rand.New(rand.NewPCG(1, 2))
	for range 20 {
		shuffled := append([]tree.AttestedOp(nil), chain.Ops...)
		shuffled = append(shuffled, chain.Ops[random.IntN(len(chain.Ops))])
		random.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		got := tree.Reduce(shuffled, tree.Options{}).State
		if !got.Equal(want) {
			t.Fatal("reduction depends on op order")
		}
	}
}

func TestConcurrentOpsSingleWinner(t *testing.T) {
	founder := treetest.NewDevice(1)
	chain := treetest.Init(t, founder)
	parent := chain.State

	addA, _, err := treetest.Attest(parent, tree.AddLeaf(parent, treetest.NewDevice(2).Leaf()), 0, founder)
	if err != nil {
		t.Fatalf("Attest: %v", err)
	}
	addB, _, err := treetest.Attest(parent, tree.AddLeaf(parent, treetest.NewDevice(3).Leaf()), 0, founder)
	if err != nil {
		t.Fatalf("Attest: %v", err)
	}
	ops := append(append([]tree.AttestedOp(nil), chain.Ops...), addA, addB)
	result := tree.Reduce(ops, tree.Options{})

	winner, loser := addA, addB
	if addB.Hash().Compare(addA.Hash()) < 0 {
		winner, loser = addB, addA
	}
	if got := result.Applied[len(result.Applied)-1]; got != winner.Hash() {
		t.Fatalf("applied %s, want the smaller hash %s", got.Short(), winner.Hash().Short())
	}
	if len(result.Losers) != 1 || result.Losers[0].Op != loser.Hash() || result.Losers[0].Winner != winner.Hash() {
		t.Fatalf("losers = %+v", result.Losers)
	}

	// A certificate for the loser overrides the hash order.
	certified := tree.Reduce(ops, tree.Options{Certified: map[digest.Hash]bool{loser.Hash(): true}})
	if got := certified.Applied[len(certified.Applied)-1]; got != loser.Hash() {
		t.Fatal("certified op did not win")
	}

	// A reversion removes the natural winner.
	reverted := tree.Reduce(ops, tree.Options{Reverted: map[digest.Hash]bool{winner.Hash(): true}})
	if got := reverted.Applied[len(reverted.Applied)-1]; got != loser.Hash() {
		t.Fatal("reverted op still won")
	}
}

func TestRemoveOutranksAdd(t *testing.T) {
	founder, second := treetest.NewDevice(1), treetest.NewDevice(2)
	chain := treetest.Init(t, founder)
	chain.AddDevice(second)
	parent := chain.State

	remove, _, err := treetest.Attest(parent, tree.RemoveLeaf(parent, second.ID, tree.ReasonCompromised), 0, founder)
	if err != nil {
		t.Fatalf("Attest remove: %v", err)
	}
	add, _, err := treetest.Attest(parent, tree.AddLeaf(parent, treetest.NewDevice(3).Leaf()), 0, founder)
	if err != nil {
		t.Fatalf("Attest add: %v", err)
	}
	if !tree.WinsOver(remove.Op, add.Op) {
		t.Fatal("RemoveLeaf does not outrank AddLeaf")
	}
	ops := append(append([]tree.AttestedOp(nil), chain.Ops...), add, remove)
	state := tree.Reduce(ops, tree.Options{}).State
	if _, ok := state.Leaf(second.ID); ok {
		t.Fatal("compromised device is still a leaf")
	}
	if !state.IsCompromised(second.ID) {
		t.Fatal("device not recorded as compromised")
	}

	// A compromised device can never be added back.
	if _, err := state.Apply(tree.AddLeaf(state, second.Leaf())); err == nil {
		t.Fatal("re-adding a compromised device succeeded")
	}
}

// TestMembershipRoundTripWithinEpoch covers logs that return to an
// earlier membership and policy before the epoch closes.
func TestMembershipRoundTripWithinEpoch(t *testing.T) {
	founder, visitor := treetest.NewDevice(1), treetest.NewDevice(2)
	chain := treetest.Init(t, founder)
	before := chain.State

	chain.AddDevice(visitor)
	chain.RemoveDevice(visitor, tree.ReasonRetired)
	if chain.State.Commitment == before.Commitment {
		t.Fatal("adding and removing a device repeated the prestate commitment")
	}
	chain.Apply(tree.ChangePolicy(chain.State, tree.All()))
	chain.Apply(tree.ChangePolicy(chain.State, tree.Threshold(1)))
	chain.Rotate(founder.Public)

	result := tree.Reduce(chain.Ops, tree.Options{})
	if len(result.Warnings) != 0 || len(result.Losers) != 0 || len(result.Pending) != 0 {
		t.Fatalf("Reduce: warnings=%v losers=%v pending=%v", result.Warnings, result.Losers, result.Pending)
	}
	if len(result.Applied) != len(chain.Ops) {
		t.Fatalf("applied %d of %d ops", len(result.Applied), len(chain.Ops))
	}
	if !result.State.Equal(chain.State) || result.State.Epoch != 2 {
		t.Fatalf("reduced to epoch %d, chain is at epoch %d", result.State.Epoch, chain.State.Epoch)
	}
}

func TestMissingParentWaits(t *testing.T) {
	founder := treetest.NewDevice(1)
	chain := treetest.Init(t, founder)
	chain.AddDevice(treetest.NewDevice(2))
	last := chain.AddDevice(treetest.NewDevice(3))

	withoutMiddle := append(append([]tree.AttestedOp(nil), chain.Ops[:3]...), last)
	result := tree.Reduce(withoutMiddle, tree.Options{})
	if len(result.Pending) != 1 || result.Pending[0] != last.Hash() {
		t.Fatalf("pending = %v, want the orphaned op", result.Pending)
	}
	if len(result.Losers) != 0 {
		t.Fatalf("orphan reported as loser: %+v", result.Losers)
	}
	complete := tree.Reduce(chain.Ops, tree.Options{})
	if len(complete.Pending) != 0 || !complete.State.Equal(chain.State) {
		t.Fatal("op did not apply once its parent arrived")
	}
}

func TestInvalidSignatureSkipped(t *testing.T) {
	founder, outsider := treetest.NewDevice(1), treetest.NewDevice(9)
	chain := treetest.Init(t, founder)
	parent := chain.State
	forged, _, err := treetest.Attest(parent, tree.AddLeaf(parent, outsider.Leaf()), 0, outsider)
	if err != nil {
		t.Fatalf("Attest: %v", err)
	}
	result := tree.Reduce(append(chain.Ops, forged), tree.Options{})
	if len(result.Warnings) != 1 || result.Warnings[0].Op != forged.Hash() {
		t.Fatalf("warnings = %+v", result.Warnings)
	}
	if !result.State.Equal(parent) {
		t.Fatal("forged op changed the state")
	}
}

func TestWitnessThresholdRaisesRequirement(t *testing.T) {
	founder, second := treetest.NewDevice(1), treetest.NewDevice(2)
	chain := treetest.Init(t, founder)
	chain.AddDevice(second)
	parent := chain.State
	op, _, err := treetest.Attest(parent, tree.RotateEpoch(parent, second.Public), 2, founder)
	if err != nil {
		t.Fatalf("Attest: %v", err)
	}
	if _, err := parent.Verify(op, nil); !errors.Is(err, threshold.ErrInsufficientShares) {
		t.Fatalf("Verify = %v, want ErrInsufficientShares", err)
	}
}

func TestReduceAtEpoch(t *testing.T) {
	founder, second := treetest.NewDevice(1), treetest.NewDevice(2)
	chain := treetest.Init(t, founder)
	atOne := chain.State
	chain.AddDevice(second)
	chain.Apply(tree.ChangePolicy(chain.State, tree.Threshold(2)))
	chain.Rotate(second.Public)

	state := tree.Reduce(chain.Ops, tree.Options{Until: 1}).State
	if !state.Equal(atOne) {
		t.Fatalf("state at epoch 1 start = epoch %d with %d leaves, want the epoch 1 state", state.Epoch, len(state.Leaves))
	}
	if got := tree.Reduce(chain.Ops, tree.Options{Until: 2}).State; got.Epoch != 2 || len(got.Leaves) != 2 {
		t.Fatalf("state at epoch 2 start has epoch %d and %d leaves", got.Epoch, len(got.Leaves))
	}
	full := tree.Reduce(chain.Ops, tree.Options{}).State
	key, ok := full.KeyAt(1)
	if !ok || !key.Equal(founder.Public) {
		t.Fatal("epoch 1 group key not retained")
	}
}

func TestVerifyCache(t *testing.T) {
	chain := treetest.Init(t, treetest.NewDevice(1))
	cache := tree.NewVerifyCache()
	tree.Reduce(chain.Ops, tree.Options{Cache: cache})
	if cache.Len() != len(chain.Ops) {
		t.Fatalf("cache holds %d entries, want %d", cache.Len(), len(chain.Ops))
	}
	var nilCache *tree.VerifyCache
	if nilCache.Verified(chain.Ops[0]) {
		t.Fatal("nil cache reported a hit")
	}
}

func TestAttestedOpRoundTrip(t *testing.T) {
	chain := treetest.Init(t, treetest.NewDevice(1))
	for _, op := range chain.Ops {
		data, err := codec.Marshal(op)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		var decoded tree.AttestedOp
		if err := codec.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if decoded.Hash() != op.Hash() || decoded.AttestationHash() != op.AttestationHash() {
			t.Fatal("op hash changed across a round trip")
		}
	}
}

func TestOpValidate(t *testing.T) {
	state := tree.Genesis()
	device := ident.DeviceID{1}
	bad := tree.Op{ParentCommitment: state.Commitment, Kind: tree.OpAddLeaf, Target: &device}
	if _, err := state.Apply(bad); err == nil {
		t.Fatal("Apply accepted an add_leaf without a leaf")
	}
	stale := tree.AddLeaf(state, treetest.NewDevice(1).Leaf())
	stale.ParentEpoch = 3
	if _, err := state.Apply(stale); !errors.Is(err, tree.ErrStalePrestate) {
		t.Fatalf("Apply = %v, want ErrStalePrestate", err)
	}
}

// buildLongLog produces about ten thousand ops over a hundred epochs.
// Each epoch changes policy repeatedly, adds and removes a device, then
// rotates.
func buildLongLog(t *testing.T) (*treetest.Chain, treetest.Device) {
	t.Helper()
	founder := treetest.NewDevice(1)
	chain := treetest.Init(t, founder)
	for epoch := 1; epoch <= 100; epoch++ {
		for m := uint32(2); m <= 98; m++ {
			chain.Apply(tree.ChangePolicy(chain.State, tree.Threshold(m)))
		}
		visitor := treetest.NewDevice(1000 + epoch)
		chain.AddDevice(visitor)
		chain.RemoveDevice(visitor, tree.ReasonRetired)
		chain.Rotate(founder.Public)
	}
	return chain, founder
}

func TestSnapshotCompaction(t *testing.T) {
	if testing.Short() {
		t.Skip("signs ten thousand ops")
	}
	chain, founder := buildLongLog(t)
	if len(chain.Ops) < 10000 || chain.State.Epoch != 101 {
		t.Fatalf("built %d ops to epoch %d", len(chain.Ops), chain.State.Epoch)
	}
	cache := tree.NewVerifyCache()
	authority := ident.DeviceAuthority(founder.ID)

	const cut = 90
	cutState := tree.Reduce(chain.Ops, tree.Options{Until: cut, Cache: cache}).State
	proposal := tree.NewProposal(authority, founder.ID, cutState)
	approval := tree.Approval{ProposalID: proposal.ID, Share: threshold.Sign(founder.Private, founder.ID, proposal.Message())}
	snapshot, err := tree.Finalize(proposal, cutState, []tree.Approval{approval})
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	pruned := tree.Prune(chain.Ops, cut)
	if len(pruned) >= len(chain.Ops)/5 {
		t.Fatalf("pruned log still has %d of %d ops", len(pruned), len(chain.Ops))
	}
	for _, op := range pruned {
		if op.Op.ParentEpoch < cut {
			t.Fatalf("pruned log kept an op at epoch %d", op.Op.ParentEpoch)
		}
	}

	for epoch := uint64(cut); epoch <= chain.State.Epoch+1; epoch++ {
		before := tree.Reduce(chain.Ops, tree.Options{Until: epoch, Cache: cache}).State
		after := tree.Reduce(pruned, tree.Options{Until: epoch, Base: &snapshot, Cache: cache}).State
		if !before.Equal(after) {
			t.Fatalf("states differ at epoch %d", epoch)
		}
	}
	full := tree.Reduce(pruned, tree.Options{Base: &snapshot, Cache: cache}).State
	if !full.Equal(chain.State) {
		t.Fatal("compacted log does not reduce to the final state")
	}
}

func TestSnapshotSelection(t *testing.T) {
	founder, second := treetest.NewDevice(1), treetest.NewDevice(2)
	chain := treetest.Init(t, founder)
	chain.AddDevice(second)
	chain.Rotate(second.Public)
	authority := ident.DeviceAuthority(founder.ID)

	state := chain.State
	snapshots := make([]tree.Snapshot, 0, 2)
	for _, proposer := range []treetest.Device{founder, second} {
		proposal := tree.NewProposal(authority, proposer.ID, state)
		approval := tree.Approval{ProposalID: proposal.ID, Share: threshold.Sign(proposer.Private, proposer.ID, proposal.Message())}
		snapshot, err := tree.Finalize(proposal, state, []tree.Approval{approval})
		if err != nil {
			t.Fatalf("Finalize: %v", err)
		}
		snapshots = append(snapshots, snapshot)
	}
	want := snapshots[0].ProposalID
	if snapshots[1].ProposalID.Compare(want) < 0 {
		want = snapshots[1].ProposalID
	}
	for _, order := range [][]tree.Snapshot{{snapshots[0], snapshots[1]}, {snapshots[1], snapshots[0]}} {
		if got := tree.Select(order); got == nil || got.ProposalID != want {
			t.Fatal("Select did not pick the smallest proposal id")
		}
	}

	tampered := snapshots[0]
	tampered.State.Policy = tree.All()
	if tampered.Verify() == nil {
		t.Fatal("tampered snapshot verified")
	}
	if got := tree.Select([]tree.Snapshot{tampered}); got != nil {
		t.Fatal("Select returned an invalid snapshot")
	}
}
