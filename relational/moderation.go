// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relational

import (
	"github.com/bureau-foundation/quorum/fact"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
)

// ModerationType is the binding type of moderation flags.
const ModerationType = "moderation/v1"

// PermModerate is the permission a session must hold to send a
// moderation flag.
const PermModerate = "moderation:flag"

// ModerationAction is what a flag does to its target.
type ModerationAction string

const (
	ActionMute  ModerationAction = "mute"
	ActionBan   ModerationAction = "ban"
	ActionClear ModerationAction = "clear"
)

// ModerationEvent flags a member of a context.
type ModerationEvent struct {
	Target    ident.AuthorityID `cbor:"1,keyasint"`
	Action    ModerationAction  `cbor:"2,keyasint"`
	Moderator ident.DeviceID    `cbor:"3,keyasint"`
	Lamport   uint64            `cbor:"4,keyasint"`
	Reason    string            `cbor:"5,keyasint,omitempty"`
}

// Moderation is the delta of the moderation binding type.
type Moderation struct {
	Flags registers[ident.AuthorityID, ModerationEvent]
}

// Join keeps the latest flag per target.
func (m Moderation) Join(other Moderation) Moderation {
	return Moderation{Flags: m.Flags.join(other.Flags)}
}

// Equal reports whether both deltas hold the same writes.
func (m Moderation) Equal(other Moderation) bool {
	return m.Flags.equal(other.Flags)
}

// Status returns the action in force for target; ActionClear when none.
func (m Moderation) Status(target ident.AuthorityID) ModerationAction {
	register, ok := m.Flags[target]
	if !ok || !register.Set {
		return ActionClear
	}
	return register.Value.Action
}

func reduceModeration(_ ident.ContextID, data []byte) (Moderation, error) {
	event, err := fact.DecodePayload[ModerationEvent](data)
	if err != nil {
		return Moderation{}, err
	}
	switch event.Action {
	case ActionMute, ActionBan, ActionClear:
	default:
		return Moderation{}, fault.Invalid("unknown moderation action %q", event.Action)
	}
	return Moderation{Flags: registers[ident.AuthorityID, ModerationEvent]{event.Target: Write(event.Lamport, event)}}, nil
}

// ModerationDescriptor registers the moderation binding type.
func ModerationDescriptor() fact.Descriptor {
	return fact.Describe(ModerationType, func() Moderation { return Moderation{} }, reduceModeration)
}
