// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tree

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"slices"

	"github.com/bureau-foundation/quorum/lib/codec"
	"github.com/bureau-foundation/quorum/lib/digest"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
)

// PolicyKind selects how many leaves must sign.
type PolicyKind uint8

const (
	PolicyAny       PolicyKind = 1
	PolicyAll       PolicyKind = 2
	PolicyThreshold PolicyKind = 3
)

// Policy is the signing policy of the root node.
type Policy struct {
	Kind PolicyKind `cbor:"1,keyasint"`
	M    uint32     `cbor:"2,keyasint,omitempty"`
}

// Any requires one signer.
func Any() Policy { return Policy{Kind: PolicyAny} }

// All requires every leaf.
func All() Policy { return Policy{Kind: PolicyAll} }

// Threshold requires m signers.
func Threshold(m uint32) Policy { return Policy{Kind: PolicyThreshold, M: m} }

// Validate rejects unknown kinds and a zero threshold.
func (p Policy) Validate() error {
	switch p.Kind {
	case PolicyAny, PolicyAll:
		if p.M != 0 {
			return fault.Invalid("policy %s takes no threshold", p)
		}
	case PolicyThreshold:
		if p.M == 0 {
			return fault.Invalid("threshold policy needs m >= 1")
		}
	default:
		return fault.Invalid("unknown policy kind %d", p.Kind)
	}
	return nil
}

// Required returns how many signers the policy demands from n leaves.
// A threshold larger than n is capped at n, and the result is never
// below one.
func (p Policy) Required(n int) int {
	var required int
	switch p.Kind {
	case PolicyAll:
		required = n
	case PolicyThreshold:
		required = min(int(p.M), n)
	default:
		required = 1
	}
	return max(required, 1)
}

func (p Policy) String() string {
	switch p.Kind {
	case PolicyAny:
		return "any"
	case PolicyAll:
		return "all"
	case PolicyThreshold:
		return fmt.Sprintf("%d-of-n", p.M)
	default:
		return fmt.Sprintf("policy(%d)", p.Kind)
	}
}

// EpochKey records the group key installed when an epoch began.
type EpochKey struct {
	Epoch uint64            `cbor:"1,keyasint"`
	Key   ed25519.PublicKey `cbor:"2,keyasint"`
}

// State is the materialized tree. Leaves are sorted by device id and
// Compromised is sorted, so equal states encode identically. Version
// counts the ops applied since genesis; it is part of the commitment so
// a log that returns to an earlier membership never repeats a prestate.
type State struct {
	Epoch       uint64            `cbor:"1,keyasint"`
	Commitment  digest.Hash       `cbor:"2,keyasint"`
	Policy      Policy            `cbor:"3,keyasint"`
	Leaves      []LeafNode        `cbor:"4,keyasint"`
	GroupKey    ed25519.PublicKey `cbor:"5,keyasint,omitempty"`
	GroupKeys   []EpochKey        `cbor:"6,keyasint,omitempty"`
	Compromised []ident.DeviceID  `cbor:"7,keyasint,omitempty"`
	Version     uint64            `cbor:"8,keyasint"`
}

// Genesis is the empty tree every authority starts from: epoch 0, no
// leaves, policy Any.
func Genesis() State {
	state := State{Policy: Any()}
	state.Commitment = state.computeCommitment()
	return state
}

func (s State) computeCommitment() digest.Hash {
	leafHashes := make([]digest.Hash, len(s.Leaves))
	for i, leaf := range s.Leaves {
		leafHashes[i] = leaf.Hash()
	}
	compromised := make([]digest.Hash, len(s.Compromised))
	for i, device := range s.Compromised {
		compromised[i] = digest.Sum(digest.DomainLeaf, []byte("compromised"), device.Bytes())
	}
	leafRoot := digest.Merkle(leafHashes)
	compromisedRoot := digest.Merkle(compromised)
	return digest.Sum(digest.DomainCommitment,
		digest.Uint64(s.Epoch),
		digest.Uint64(s.Version),
		codec.MustMarshal(s.Policy),
		leafRoot[:],
		compromisedRoot[:],
		s.GroupKey,
	)
}

// Clone returns a deep copy.
func (s State) Clone() State {
	clone := s
	clone.Leaves = slices.Clone(s.Leaves)
	clone.GroupKey = slices.Clone(s.GroupKey)
	clone.GroupKeys = slices.Clone(s.GroupKeys)
	clone.Compromised = slices.Clone(s.Compromised)
	return clone
}

// Equal compares two states by content.
func (s State) Equal(other State) bool {
	return bytes.Equal(codec.MustMarshal(s), codec.MustMarshal(other))
}

// Leaf returns the leaf for device.
func (s State) Leaf(device ident.DeviceID) (LeafNode, bool) {
	index, found := slices.BinarySearchFunc(s.Leaves, device, func(leaf LeafNode, target ident.DeviceID) int {
		return leaf.Device.Compare(target)
	})
	if !found {
		return LeafNode{}, false
	}
	return s.Leaves[index], true
}

// Devices returns the device ids of all leaves, sorted.
func (s State) Devices() []ident.DeviceID {
	devices := make([]ident.DeviceID, len(s.Leaves))
	for i, leaf := range s.Leaves {
		devices[i] = leaf.Device
	}
	return devices
}

// Keys maps each leaf to its public key.
func (s State) Keys() map[ident.DeviceID]ed25519.PublicKey {
	keys := make(map[ident.DeviceID]ed25519.PublicKey, len(s.Leaves))
	for _, leaf := range s.Leaves {
		keys[leaf.Device] = leaf.PublicKey
	}
	return keys
}

// Threshold is the number of signers the active policy requires.
func (s State) Threshold() int {
	return s.Policy.Required(len(s.Leaves))
}

// IsCompromised reports whether device was removed as compromised.
func (s State) IsCompromised(device ident.DeviceID) bool {
	_, found := slices.BinarySearchFunc(s.Compromised, device, ident.Compare[ident.Device])
	return found
}

// KeyAt returns the group key in force at epoch.
func (s State) KeyAt(epoch uint64) (ed25519.PublicKey, bool) {
	var key ed25519.PublicKey
	found := false
	for _, entry := range s.GroupKeys {
		if entry.Epoch > epoch {
			break
		}
		key, found = entry.Key, true
	}
	return key, found
}

// Prestate returns the prestate hash of the state.
func (s State) Prestate() digest.Hash {
	return Prestate(s.Commitment, s.Epoch)
}

// ErrStalePrestate is returned when an op was signed against a state
// other than the one it is applied to.
var ErrStalePrestate = fault.Coordination("op parent does not match the current state")

// Apply returns the state after op. It checks the prestate and the op's
// own consistency but not signatures; see Verify.
func (s State) Apply(op Op) (State, error) {
	if op.ParentEpoch != s.Epoch || op.ParentCommitment != s.Commitment {
		return State{}, ErrStalePrestate
	}
	if err := op.Validate(); err != nil {
		return State{}, err
	}
	next := s.Clone()
	switch op.Kind {
	case OpAddLeaf:
		leaf := *op.Leaf
		if next.IsCompromised(leaf.Device) {
			return State{}, fault.Invalid("device %s was removed as compromised", leaf.Device.Short())
		}
		index, found := slices.BinarySearchFunc(next.Leaves, leaf.Device, func(l LeafNode, target ident.DeviceID) int {
			return l.Device.Compare(target)
		})
		if found {
			return State{}, fault.Invalid("device %s is already a leaf", leaf.Device.Short())
		}
		leaf.PublicKey = slices.Clone(leaf.PublicKey)
		next.Leaves = slices.Insert(next.Leaves, index, leaf)
	case OpRemoveLeaf:
		index, found := slices.BinarySearchFunc(next.Leaves, *op.Target, func(l LeafNode, target ident.DeviceID) int {
			return l.Device.Compare(target)
		})
		if !found {
			return State{}, fault.Invalid("device %s is not a leaf", op.Target.Short())
		}
		if len(next.Leaves) == 1 {
			return State{}, fault.Invalid("cannot remove the last leaf")
		}
		next.Leaves = slices.Delete(next.Leaves, index, index+1)
		if op.Reason == ReasonCompromised {
			position, _ := slices.BinarySearchFunc(next.Compromised, *op.Target, ident.Compare[ident.Device])
			next.Compromised = slices.Insert(next.Compromised, position, *op.Target)
		}
	case OpChangePolicy:
		next.Policy = *op.Policy
	case OpRotateEpoch:
		next.Epoch++
		next.GroupKey = slices.Clone(op.GroupKey)
		next.GroupKeys = append(next.GroupKeys, EpochKey{Epoch: next.Epoch, Key: next.GroupKey})
	}
	next.Version++
	next.Commitment = next.computeCommitment()
	return next, nil
}

// Verify checks attested against s, the state it claims as parent: the
// prestate, the claimed new commitment, and the aggregate signature.
// It returns the resulting state.
//
// Signers must be distinct current leaves and number at least
// max(WitnessThreshold, policy requirement). The one exception is the
// first AddLeaf of a new authority, which has no leaves to sign it and
// is instead signed by the key being added.
func (s State) Verify(attested AttestedOp, cache *VerifyCache) (State, error) {
	next, err := s.Apply(attested.Op)
	if err != nil {
		return State{}, err
	}
	if next.Commitment != attested.NewCommitment {
		return State{}, fault.Crypto("op %s claims commitment %s, applying it gives %s",
			attested.Hash().Short(), attested.NewCommitment.Short(), next.Commitment.Short())
	}
	if cache.Verified(attested) {
		return next, nil
	}

	keys := s.Keys()
	required := max(int(attested.WitnessThreshold), s.Threshold())
	if len(s.Leaves) == 0 {
		if attested.Op.Kind != OpAddLeaf {
			return State{}, fault.Invalid("the first op of an authority must add a leaf")
		}
		keys = map[ident.DeviceID]ed25519.PublicKey{attested.Op.Leaf.Device: attested.Op.Leaf.PublicKey}
		required = 1
	}
	if err := verifySignature(attested, keys, required); err != nil {
		return State{}, err
	}
	cache.Record(attested)
	return next, nil
}

// Node is one entry in the tree arena. The root is a branch at index 0
// carrying the policy; leaves are its children in device order.
type Node struct {
	Index    int         `json:"index"`
	Branch   bool        `json:"branch"`
	Policy   *Policy     `json:"policy,omitempty"`
	Children []int       `json:"children,omitempty"`
	Leaf     *LeafNode   `json:"leaf,omitempty"`
	Hash     digest.Hash `json:"hash"`
}

// Arena lays the state out as a node arena, for export and inspection.
func (s State) Arena() []Node {
	nodes := make([]Node, 0, len(s.Leaves)+1)
	policy := s.Policy
	root := Node{Index: 0, Branch: true, Policy: &policy, Hash: s.Commitment}
	nodes = append(nodes, root)
	for i := range s.Leaves {
		leaf := s.Leaves[i]
		nodes = append(nodes, Node{Index: i + 1, Leaf: &leaf, Hash: leaf.Hash()})
		nodes[0].Children = append(nodes[0].Children, i+1)
	}
	return nodes
}
