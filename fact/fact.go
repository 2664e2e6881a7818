// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fact

import (
	"fmt"

	"github.com/bureau-foundation/quorum/lib/codec"
	"github.com/bureau-foundation/quorum/lib/digest"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/lib/timestamp"
	"github.com/bureau-foundation/quorum/tree"
)

// Kind tags the variant of a Content.
type Kind uint8

const (
	KindAttestedOp       Kind = 1
	KindRelational       Kind = 2
	KindFlowBudget       Kind = 3
	KindSnapshot         Kind = 4
	KindConvergenceCert  Kind = 5
	KindReversion        Kind = 6
	KindSnapshotProposal Kind = 7
	KindSnapshotApproval Kind = 8
)

func (k Kind) String() string {
	switch k {
	case KindAttestedOp:
		return "attested_op"
	case KindRelational:
		return "relational"
	case KindFlowBudget:
		return "flow_budget"
	case KindSnapshot:
		return "snapshot"
	case KindConvergenceCert:
		return "convergence_cert"
	case KindReversion:
		return "reversion"
	case KindSnapshotProposal:
		return "snapshot_proposal"
	case KindSnapshotApproval:
		return "snapshot_approval"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Relational is a feature payload addressed to a context.
type Relational struct {
	Context     ident.ContextID `cbor:"1,keyasint"`
	BindingType string          `cbor:"2,keyasint"`
	Data        []byte          `cbor:"3,keyasint"`
}

// FlowBudgetFact publishes a peer's budget in a context.
type FlowBudgetFact struct {
	Context ident.ContextID `cbor:"1,keyasint"`
	Peer    ident.DeviceID  `cbor:"2,keyasint"`
	Budget  FlowBudget      `cbor:"3,keyasint"`
}

// ConvergenceCert marks a ceremony's op as consensus-finalized: the
// coordinator collected acks from every member of Window.
type ConvergenceCert struct {
	Context      ident.ContextID  `cbor:"1,keyasint"`
	OpID         digest.Hash      `cbor:"2,keyasint"`
	PrestateHash digest.Hash      `cbor:"3,keyasint"`
	CoordEpoch   uint64           `cbor:"4,keyasint"`
	AckSet       []ident.DeviceID `cbor:"5,keyasint"`
	Window       []ident.DeviceID `cbor:"6,keyasint"`
	Ceremony     ident.CeremonyID `cbor:"7,keyasint"`
}

// ReversionReason says why a ceremony ended without its op.
type ReversionReason string

const (
	ReasonConflict                 ReversionReason = "conflict"
	ReasonTimeout                  ReversionReason = "timeout"
	ReasonInsufficientParticipants ReversionReason = "insufficient_participants"
	ReasonByzantine                ReversionReason = "byzantine"
	ReasonInvalid                  ReversionReason = "invalid"
	ReasonCancelled                ReversionReason = "cancelled"
	ReasonStalePrestate            ReversionReason = "stale_prestate"
)

// Reversion withdraws a ceremony's op. When Winner is set, the op lost
// to Winner and the reversion is definitive.
type Reversion struct {
	Context    ident.ContextID  `cbor:"1,keyasint"`
	OpID       digest.Hash      `cbor:"2,keyasint"`
	Winner     *digest.Hash     `cbor:"3,keyasint,omitempty"`
	CoordEpoch uint64           `cbor:"4,keyasint"`
	Reason     ReversionReason  `cbor:"5,keyasint"`
	Blamed     []ident.DeviceID `cbor:"6,keyasint,omitempty"`
	Ceremony   ident.CeremonyID `cbor:"7,keyasint"`
}

// Content is exactly one of the fact payloads, selected by Kind.
type Content struct {
	Kind       Kind             `cbor:"1,keyasint"`
	AttestedOp *tree.AttestedOp `cbor:"2,keyasint,omitempty"`
	Relational *Relational      `cbor:"3,keyasint,omitempty"`
	FlowBudget *FlowBudgetFact  `cbor:"4,keyasint,omitempty"`
	Snapshot   *tree.Snapshot   `cbor:"5,keyasint,omitempty"`
	Cert       *ConvergenceCert `cbor:"6,keyasint,omitempty"`
	Reversion  *Reversion       `cbor:"7,keyasint,omitempty"`
	Proposal   *tree.Proposal   `cbor:"8,keyasint,omitempty"`
	Approval   *tree.Approval   `cbor:"9,keyasint,omitempty"`
}

// Validate checks that exactly the variant named by Kind is set.
func (c Content) Validate() error {
	set := 0
	for _, present := range []bool{
		c.AttestedOp != nil, c.Relational != nil, c.FlowBudget != nil, c.Snapshot != nil,
		c.Cert != nil, c.Reversion != nil, c.Proposal != nil, c.Approval != nil,
	} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fault.Invalid("fact content has %d variants set", set)
	}
	var ok bool
	switch c.Kind {
	case KindAttestedOp:
		ok = c.AttestedOp != nil
	case KindRelational:
		ok = c.Relational != nil && c.Relational.BindingType != ""
	case KindFlowBudget:
		ok = c.FlowBudget != nil
	case KindSnapshot:
		ok = c.Snapshot != nil
	case KindConvergenceCert:
		ok = c.Cert != nil
	case KindReversion:
		ok = c.Reversion != nil && c.Reversion.Reason != ""
	case KindSnapshotProposal:
		ok = c.Proposal != nil
	case KindSnapshotApproval:
		ok = c.Approval != nil
	}
	if !ok {
		return fault.Invalid("fact kind %s does not match its content", c.Kind)
	}
	return nil
}

// Constructors for each variant.

func AttestedOp(op tree.AttestedOp) Content {
	return Content{Kind: KindAttestedOp, AttestedOp: &op}
}

func Relate(context ident.ContextID, bindingType string, data []byte) Content {
	return Content{Kind: KindRelational, Relational: &Relational{Context: context, BindingType: bindingType, Data: data}}
}

func Budget(context ident.ContextID, peer ident.DeviceID, budget FlowBudget) Content {
	return Content{Kind: KindFlowBudget, FlowBudget: &FlowBudgetFact{Context: context, Peer: peer, Budget: budget}}
}

func SnapshotOf(snapshot tree.Snapshot) Content {
	return Content{Kind: KindSnapshot, Snapshot: &snapshot}
}

func Certify(cert ConvergenceCert) Content {
	return Content{Kind: KindConvergenceCert, Cert: &cert}
}

func Revert(reversion Reversion) Content {
	return Content{Kind: KindReversion, Reversion: &reversion}
}

func Propose(proposal tree.Proposal) Content {
	return Content{Kind: KindSnapshotProposal, Proposal: &proposal}
}

func Approve(approval tree.Approval) Content {
	return Content{Kind: KindSnapshotApproval, Approval: &approval}
}

// Fact is one journaled, immutable item.
type Fact struct {
	ID      timestamp.OrderTime `cbor:"1,keyasint"`
	Time    timestamp.TimeStamp `cbor:"2,keyasint"`
	Content Content             `cbor:"3,keyasint"`
}

// ComputeID returns the content id for a fact with this time and
// content.
func ComputeID(time timestamp.TimeStamp, content Content) (timestamp.OrderTime, error) {
	timeBytes, err := codec.Marshal(time)
	if err != nil {
		return timestamp.OrderTime{}, fault.Serialization("encoding fact time: %v", err)
	}
	contentBytes, err := codec.Marshal(content)
	if err != nil {
		return timestamp.OrderTime{}, fault.Serialization("encoding fact content: %v", err)
	}
	return timestamp.OrderTime(digest.Sum(digest.DomainFact, timeBytes, contentBytes)), nil
}

// New builds a fact and assigns its id.
func New(time timestamp.TimeStamp, content Content) (Fact, error) {
	if err := time.Validate(); err != nil {
		return Fact{}, fault.Invalid("fact time: %v", err)
	}
	if err := content.Validate(); err != nil {
		return Fact{}, err
	}
	id, err := ComputeID(time, content)
	if err != nil {
		return Fact{}, err
	}
	return Fact{ID: id, Time: time, Content: content}, nil
}

// ErrIDMismatch is returned by Verify when a fact's id is not the hash
// of its content.
var ErrIDMismatch = fault.Invalid("fact id does not match its content")

// Verify checks the fact's shape and id.
func (f Fact) Verify() error {
	if err := f.Time.Validate(); err != nil {
		return fault.Invalid("fact time: %v", err)
	}
	if err := f.Content.Validate(); err != nil {
		return err
	}
	id, err := ComputeID(f.Time, f.Content)
	if err != nil {
		return err
	}
	if id != f.ID {
		return ErrIDMismatch
	}
	return nil
}

// Encode serializes the fact.
func (f Fact) Encode() ([]byte, error) {
	data, err := codec.Marshal(f)
	if err != nil {
		return nil, fault.Serialization("encoding fact: %v", err)
	}
	return data, nil
}

// Decode parses and verifies a fact.
func Decode(data []byte) (Fact, error) {
	var f Fact
	if err := codec.Unmarshal(data, &f); err != nil {
		return Fact{}, fault.Serialization("decoding fact: %v", err)
	}
	if err := f.Verify(); err != nil {
		return Fact{}, err
	}
	return f, nil
}

// Compare orders facts for reduction: by timestamp when both share a
// kind of clock, then by id. The id is the final tie-breaker, so the
// order is total.
func Compare(a, b Fact) int {
	if c, ok := a.Time.Compare(b.Time); ok && c != 0 {
		return c
	}
	return a.ID.Compare(b.ID)
}
