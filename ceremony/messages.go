// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ceremony

import (
	"fmt"

	"github.com/bureau-foundation/quorum/fact"
	"github.com/bureau-foundation/quorum/lib/codec"
	"github.com/bureau-foundation/quorum/lib/digest"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/lib/threshold"
	"github.com/bureau-foundation/quorum/tree"
)

// Proposal is the execute message: the chain to sign and the
// commitments the coordinator computed for it.
type Proposal struct {
	Ceremony    ident.CeremonyID  `cbor:"1,keyasint"`
	Authority   ident.AuthorityID `cbor:"2,keyasint"`
	Coordinator ident.DeviceID    `cbor:"3,keyasint"`
	Ops         []tree.Op         `cbor:"4,keyasint"`
	Commitments []digest.Hash     `cbor:"5,keyasint"`
	Witness     uint32            `cbor:"6,keyasint,omitempty"`

	// Enrollment is the nonce from the recipient's enrollment code
	// when the chain adds the recipient itself.
	Enrollment []byte `cbor:"7,keyasint,omitempty"`

	// Parent is the state the chain starts from, sent only to a
	// device being enrolled, which has no copy of its own.
	Parent *tree.State `cbor:"8,keyasint,omitempty"`
}

// OpID is the hash of the first op, which binds the prestate.
func (p Proposal) OpID() digest.Hash { return p.Ops[0].Hash() }

// Prestate is the prestate hash of the first op.
func (p Proposal) Prestate() digest.Hash { return p.Ops[0].Prestate() }

// Messages returns the signing message of every op in the chain.
func (p Proposal) Messages() [][]byte {
	messages := make([][]byte, len(p.Ops))
	for i, op := range p.Ops {
		messages[i] = tree.SigningMessage(op.Hash(), p.Commitments[i], p.Witness)
	}
	return messages
}

// Validate checks the proposal's shape.
func (p Proposal) Validate() error {
	if len(p.Ops) == 0 {
		return fault.Invalid("ceremony %s proposes no ops", p.Ceremony.Short())
	}
	if len(p.Commitments) != len(p.Ops) {
		return fault.Invalid("ceremony %s has %d commitments for %d ops", p.Ceremony.Short(), len(p.Commitments), len(p.Ops))
	}
	for _, op := range p.Ops {
		if err := op.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Accept answers an execute with the participant's nonce commitment.
type Accept struct {
	Commitment threshold.Commitment `cbor:"1,keyasint"`
}

// Refusal explains why a participant will not sign. Epoch and
// Commitment describe the participant's own state when the refusal is
// about the prestate.
type Refusal struct {
	Reason     fact.ReversionReason `cbor:"1,keyasint"`
	Detail     string               `cbor:"2,keyasint,omitempty"`
	Epoch      uint64               `cbor:"3,keyasint,omitempty"`
	Commitment digest.Hash          `cbor:"4,keyasint,omitempty"`
}

func (r Refusal) String() string {
	if r.Detail == "" {
		return string(r.Reason)
	}
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

// SignRequest asks an accepted participant for its shares.
type SignRequest struct {
	Ceremony ident.CeremonyID `cbor:"1,keyasint"`
}

// ShareReply carries one share per op of the chain, in chain order,
// and reveals the nonce committed to in Accept. A participant whose
// state moved on since accepting sends a Refusal instead.
type ShareReply struct {
	Nonce   threshold.Nonce   `cbor:"1,keyasint"`
	Shares  []threshold.Share `cbor:"2,keyasint,omitempty"`
	Refusal *Refusal          `cbor:"3,keyasint,omitempty"`
}

// Commit carries the outcome to a participant that shared: the
// attested chain and the certificate fact.
type Commit struct {
	Ops  []tree.AttestedOp `cbor:"1,keyasint"`
	Cert *fact.Fact        `cbor:"2,keyasint,omitempty"`
}

// Abort tells a participant the ceremony is over without a commit.
type Abort struct {
	Reason fact.ReversionReason `cbor:"1,keyasint"`
	Winner *digest.Hash         `cbor:"2,keyasint,omitempty"`
}

// AckRequest asks a window member to acknowledge a signed chain.
type AckRequest struct {
	Ceremony  ident.CeremonyID  `cbor:"1,keyasint"`
	Authority ident.AuthorityID `cbor:"2,keyasint"`
	Ops       []tree.AttestedOp `cbor:"3,keyasint"`
}

// AckReply is the body of a nack; an ack carries none.
type AckReply struct {
	Winner *digest.Hash `cbor:"1,keyasint,omitempty"`
	Reason string       `cbor:"2,keyasint,omitempty"`
}

func encode(label string, value any) ([]byte, error) {
	data, err := codec.Marshal(value)
	if err != nil {
		return nil, fault.Serialization("encoding %s: %v", label, err)
	}
	return data, nil
}

func decode[T any](label string, data []byte) (T, error) {
	var value T
	if err := codec.Unmarshal(data, &value); err != nil {
		return value, fault.Serialization("decoding %s: %v", label, err)
	}
	return value, nil
}
