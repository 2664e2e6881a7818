// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ceremony

import (
	"crypto/ed25519"
	"slices"

	"github.com/bureau-foundation/quorum/lib/digest"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/tree"
)

// Chain is a sequence of ops replayed from a parent state. States[i]
// is the parent of Ops[i]; the last state is the result of the chain.
type Chain struct {
	Ops    []tree.Op
	States []tree.State
}

// Replay applies ops in order starting at parent.
func Replay(parent tree.State, ops []tree.Op) (Chain, error) {
	if len(ops) == 0 {
		return Chain{}, fault.Invalid("empty op chain")
	}
	chain := Chain{Ops: ops, States: make([]tree.State, 0, len(ops)+1)}
	chain.States = append(chain.States, parent)
	state := parent
	for i, op := range ops {
		next, err := state.Apply(op)
		if err != nil {
			return Chain{}, fault.Wrapf(fault.KindInvalid, err, "op %d (%s) of chain", i, op.Kind)
		}
		chain.States = append(chain.States, next)
		state = next
	}
	return chain, nil
}

// Parent is the state the chain starts from.
func (c Chain) Parent() tree.State { return c.States[0] }

// Result is the state after the last op.
func (c Chain) Result() tree.State { return c.States[len(c.States)-1] }

// Commitments returns the commitment each op produces.
func (c Chain) Commitments() []digest.Hash {
	commitments := make([]digest.Hash, len(c.Ops))
	for i := range c.Ops {
		commitments[i] = c.States[i+1].Commitment
	}
	return commitments
}

// Signers returns the keys allowed to sign op i: the leaves of its
// parent, or the added key for the first op of a new authority.
func (c Chain) Signers(i int) map[ident.DeviceID]ed25519.PublicKey {
	parent := c.States[i]
	if len(parent.Leaves) == 0 && c.Ops[i].Kind == tree.OpAddLeaf {
		leaf := c.Ops[i].Leaf
		return map[ident.DeviceID]ed25519.PublicKey{leaf.Device: leaf.PublicKey}
	}
	return parent.Keys()
}

// Required returns how many distinct signers op i needs.
func (c Chain) Required(i int, witness uint32) int {
	if len(c.States[i].Leaves) == 0 {
		return 1
	}
	return max(int(witness), c.States[i].Threshold())
}

// Quorum is the largest per-op requirement of the chain, the number of
// acknowledgements that make a ceremony CoordinatorSoftSafe.
func (c Chain) Quorum(witness uint32) int {
	quorum := 0
	for i := range c.Ops {
		quorum = max(quorum, c.Required(i, witness))
	}
	return quorum
}

// Members returns every device that can sign at least one op, sorted.
func (c Chain) Members() []ident.DeviceID {
	seen := make(map[ident.DeviceID]bool)
	for i := range c.Ops {
		for device := range c.Signers(i) {
			seen[device] = true
		}
	}
	members := make([]ident.DeviceID, 0, len(seen))
	for device := range seen {
		members = append(members, device)
	}
	slices.SortFunc(members, ident.Compare[ident.Device])
	return members
}

// GroupKey derives the group public key for an epoch. A single-device
// authority's group key is that device's own key; otherwise the key is
// derived from the epoch and the member keys, so every replica computes
// the same value.
func GroupKey(leaves []tree.LeafNode, epoch uint64) ed25519.PublicKey {
	if len(leaves) == 1 {
		return slices.Clone(leaves[0].PublicKey)
	}
	parts := [][]byte{[]byte("group key"), digest.Uint64(epoch)}
	for _, leaf := range leaves {
		parts = append(parts, leaf.PublicKey)
	}
	key := digest.Sum(digest.DomainCeremony, parts...)
	return ed25519.PublicKey(key[:])
}

type builder struct {
	state tree.State
	ops   []tree.Op
	err   error
}

func (b *builder) add(op func(tree.State) tree.Op) {
	if b.err != nil {
		return
	}
	next := op(b.state)
	state, err := b.state.Apply(next)
	if err != nil {
		b.err = err
		return
	}
	b.ops = append(b.ops, next)
	b.state = state
}

func (b *builder) rotate() {
	b.add(func(s tree.State) tree.Op { return tree.RotateEpoch(s, GroupKey(s.Leaves, s.Epoch+1)) })
}

func (b *builder) policy(policy tree.Policy) {
	if b.state.Policy == policy {
		return
	}
	b.add(func(s tree.State) tree.Op { return tree.ChangePolicy(s, policy) })
}

// InitOps is the chain that creates a single-device authority:
// founder's leaf, a 1-of-1 policy, and epoch 1 under founder's key.
func InitOps(founder tree.LeafNode) ([]tree.Op, error) {
	b := builder{state: tree.Genesis()}
	b.add(func(s tree.State) tree.Op { return tree.AddLeaf(s, founder) })
	b.policy(tree.Threshold(1))
	b.rotate()
	return b.ops, b.err
}

// EnrollOps adds leaf to state, installs policy, and rotates the epoch.
func EnrollOps(state tree.State, leaf tree.LeafNode, policy tree.Policy) ([]tree.Op, error) {
	b := builder{state: state}
	b.add(func(s tree.State) tree.Op { return tree.AddLeaf(s, leaf) })
	b.policy(policy)
	b.rotate()
	return b.ops, b.err
}

// RemoveOps removes device, installs policy, and rotates the epoch.
func RemoveOps(state tree.State, device ident.DeviceID, reason tree.RemoveReason, policy tree.Policy) ([]tree.Op, error) {
	b := builder{state: state}
	b.add(func(s tree.State) tree.Op { return tree.RemoveLeaf(s, device, reason) })
	b.policy(policy)
	b.rotate()
	return b.ops, b.err
}

// RotateOps rotates the epoch of state.
func RotateOps(state tree.State) ([]tree.Op, error) {
	b := builder{state: state}
	b.rotate()
	return b.ops, b.err
}

// PolicyOps installs policy without rotating.
func PolicyOps(state tree.State, policy tree.Policy) ([]tree.Op, error) {
	if state.Policy == policy {
		return nil, fault.Invalid("policy is already %s", policy)
	}
	b := builder{state: state}
	b.policy(policy)
	return b.ops, b.err
}

// Window returns the devices whose acknowledgements finalize a chain
// at parent: a majority of parent's leaves, taking signers first and
// filling the rest in device order.
func Window(parent tree.State, signers []ident.DeviceID) []ident.DeviceID {
	devices := parent.Devices()
	if len(devices) == 0 {
		return nil
	}
	size := len(devices)/2 + 1
	window := make([]ident.DeviceID, 0, size)
	for _, device := range signers {
		if len(window) == size {
			break
		}
		if _, ok := parent.Leaf(device); ok && !slices.Contains(window, device) {
			window = append(window, device)
		}
	}
	for _, device := range devices {
		if len(window) == size {
			break
		}
		if !slices.Contains(window, device) {
			window = append(window, device)
		}
	}
	slices.SortFunc(window, ident.Compare[ident.Device])
	return window
}
