// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tree

import (
	"crypto/ed25519"
	"fmt"

	"github.com/bureau-foundation/quorum/lib/codec"
	"github.com/bureau-foundation/quorum/lib/digest"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/lib/threshold"
)

// OpKind is the kind of a tree operation. The numeric value is also the
// priority used to break ties between concurrent ops at one parent:
// lower applies first.
type OpKind uint8

const (
	OpRemoveLeaf   OpKind = 1
	OpAddLeaf      OpKind = 2
	OpChangePolicy OpKind = 3
	OpRotateEpoch  OpKind = 4
)

// Priority returns the tie-break rank of the kind.
func (k OpKind) Priority() int { return int(k) }

func (k OpKind) String() string {
	switch k {
	case OpRemoveLeaf:
		return "remove_leaf"
	case OpAddLeaf:
		return "add_leaf"
	case OpChangePolicy:
		return "change_policy"
	case OpRotateEpoch:
		return "rotate_epoch"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

// RemoveReason explains a RemoveLeaf.
type RemoveReason uint8

const (
	ReasonRetired     RemoveReason = 1
	ReasonLost        RemoveReason = 2
	ReasonCompromised RemoveReason = 3
)

func (r RemoveReason) String() string {
	switch r {
	case ReasonRetired:
		return "retired"
	case ReasonLost:
		return "lost"
	case ReasonCompromised:
		return "compromised"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// Role distinguishes the devices of the authority from guardians that
// were granted a leaf for recovery.
type Role uint8

const (
	RoleDevice   Role = 1
	RoleGuardian Role = 2
)

// LeafNode is one member of the authority.
type LeafNode struct {
	Device    ident.DeviceID    `cbor:"1,keyasint"`
	PublicKey ed25519.PublicKey `cbor:"2,keyasint"`
	Role      Role              `cbor:"3,keyasint"`
}

// Hash is the leaf's contribution to the commitment.
func (l LeafNode) Hash() digest.Hash {
	return digest.Sum(digest.DomainLeaf, l.Device.Bytes(), l.PublicKey, []byte{byte(l.Role)})
}

// Op is an unsigned tree operation. Exactly the payload matching Kind
// is set.
type Op struct {
	ParentEpoch      uint64      `cbor:"1,keyasint"`
	ParentCommitment digest.Hash `cbor:"2,keyasint"`
	Kind             OpKind      `cbor:"3,keyasint"`

	// AddLeaf.
	Leaf *LeafNode `cbor:"4,keyasint,omitempty"`

	// RemoveLeaf.
	Target *ident.DeviceID `cbor:"5,keyasint,omitempty"`
	Reason RemoveReason    `cbor:"6,keyasint,omitempty"`

	// ChangePolicy.
	Policy *Policy `cbor:"7,keyasint,omitempty"`

	// RotateEpoch.
	GroupKey ed25519.PublicKey `cbor:"8,keyasint,omitempty"`
}

// AddLeaf returns an AddLeaf op at parent.
func AddLeaf(parent State, leaf LeafNode) Op {
	return Op{ParentEpoch: parent.Epoch, ParentCommitment: parent.Commitment, Kind: OpAddLeaf, Leaf: &leaf}
}

// RemoveLeaf returns a RemoveLeaf op at parent.
func RemoveLeaf(parent State, device ident.DeviceID, reason RemoveReason) Op {
	return Op{ParentEpoch: parent.Epoch, ParentCommitment: parent.Commitment, Kind: OpRemoveLeaf, Target: &device, Reason: reason}
}

// ChangePolicy returns a ChangePolicy op at parent.
func ChangePolicy(parent State, policy Policy) Op {
	return Op{ParentEpoch: parent.Epoch, ParentCommitment: parent.Commitment, Kind: OpChangePolicy, Policy: &policy}
}

// RotateEpoch returns a RotateEpoch op at parent that installs groupKey.
func RotateEpoch(parent State, groupKey ed25519.PublicKey) Op {
	return Op{ParentEpoch: parent.Epoch, ParentCommitment: parent.Commitment, Kind: OpRotateEpoch, GroupKey: groupKey}
}

// Validate checks that the payload matches the kind.
func (op Op) Validate() error {
	switch op.Kind {
	case OpAddLeaf:
		if op.Leaf == nil || op.Target != nil || op.Policy != nil || op.GroupKey != nil {
			return fault.Invalid("add_leaf op must carry only a leaf")
		}
		if len(op.Leaf.PublicKey) != ed25519.PublicKeySize {
			return fault.Invalid("add_leaf public key is %d bytes", len(op.Leaf.PublicKey))
		}
		if op.Leaf.Role != RoleDevice && op.Leaf.Role != RoleGuardian {
			return fault.Invalid("add_leaf has unknown role %d", op.Leaf.Role)
		}
	case OpRemoveLeaf:
		if op.Target == nil || op.Leaf != nil || op.Policy != nil || op.GroupKey != nil {
			return fault.Invalid("remove_leaf op must carry only a target")
		}
		if op.Reason < ReasonRetired || op.Reason > ReasonCompromised {
			return fault.Invalid("remove_leaf has unknown reason %d", op.Reason)
		}
	case OpChangePolicy:
		if op.Policy == nil || op.Leaf != nil || op.Target != nil || op.GroupKey != nil {
			return fault.Invalid("change_policy op must carry only a policy")
		}
		return op.Policy.Validate()
	case OpRotateEpoch:
		if op.Leaf != nil || op.Target != nil || op.Policy != nil {
			return fault.Invalid("rotate_epoch op must carry only a group key")
		}
		if len(op.GroupKey) != ed25519.PublicKeySize {
			return fault.Invalid("rotate_epoch group key is %d bytes", len(op.GroupKey))
		}
	default:
		return fault.Invalid("unknown op kind %d", op.Kind)
	}
	return nil
}

// Hash is the op's content id. It covers the op only, not its
// signature, so it is known before signing and names the op throughout
// a ceremony.
func (op Op) Hash() digest.Hash {
	return digest.Sum(digest.DomainTreeOp, codec.MustMarshal(op))
}

// SigningMessage is what every signer of op signs. It binds the op to
// the commitment it produces and to the witness threshold.
func SigningMessage(opHash, newCommitment digest.Hash, witnessThreshold uint32) []byte {
	message := digest.Sum(digest.DomainSigning, opHash[:], newCommitment[:], digest.Uint64(uint64(witnessThreshold)))
	return message[:]
}

// AttestedOp is a threshold-signed op.
type AttestedOp struct {
	Op               Op                  `cbor:"1,keyasint"`
	NewCommitment    digest.Hash         `cbor:"2,keyasint"`
	WitnessThreshold uint32              `cbor:"3,keyasint"`
	Signature        threshold.Signature `cbor:"4,keyasint"`
}

// Hash is the op hash; see Op.Hash.
func (a AttestedOp) Hash() digest.Hash { return a.Op.Hash() }

// AttestationHash covers the signature too. Two attestations of one op
// with different signer sets differ here but share Hash.
func (a AttestedOp) AttestationHash() digest.Hash {
	return digest.Sum(digest.DomainTreeOp, []byte("attested"), codec.MustMarshal(a))
}

// Message returns the signing message for this attestation.
func (a AttestedOp) Message() []byte {
	return SigningMessage(a.Hash(), a.NewCommitment, a.WitnessThreshold)
}

// Prestate hashes the (commitment, epoch) pair an op was signed
// against. Ceremonies use it to lock acks.
func Prestate(commitment digest.Hash, epoch uint64) digest.Hash {
	return digest.Sum(digest.DomainPrestate, commitment[:], digest.Uint64(epoch))
}

// Prestate returns the prestate hash of the op's parent.
func (op Op) Prestate() digest.Hash {
	return Prestate(op.ParentCommitment, op.ParentEpoch)
}
