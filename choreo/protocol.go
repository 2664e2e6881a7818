// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package choreo

import (
	"fmt"
	"slices"

	"github.com/bureau-foundation/quorum/lib/capability"
	"github.com/bureau-foundation/quorum/relational"
)

// Guard is what a send of one label requires.
type Guard struct {
	// Capability must meet the context's capability in something
	// other than bottom.
	Capability capability.Cap

	// Cost is charged against the flow budget toward the peer. A send
	// may override it.
	Cost uint64

	// Action, when set, must be granted by a capability token held
	// for the context.
	Action string
}

// DefaultGuard applies to labels a protocol lists no guard for.
var DefaultGuard = Guard{Capability: capability.Top(), Cost: 1}

// Protocol is a named two-party global type with its projections.
type Protocol struct {
	Name      string
	Initiator Role
	Responder Role
	Global    Global

	guards map[string]Guard
	locals [2]Local
}

// NewProtocol checks that g involves exactly the two roles and that it
// projects onto both.
func NewProtocol(name string, initiator, responder Role, g Global, guards map[string]Guard) (*Protocol, error) {
	roles := Roles(g)
	if !slices.Equal(roles, slices.Sorted(slices.Values([]Role{initiator, responder}))) {
		return nil, fmt.Errorf("protocol %s: roles are %v, want %s and %s", name, roles, initiator, responder)
	}
	labels := Labels(g)
	for label := range guards {
		if !slices.Contains(labels, label) {
			return nil, fmt.Errorf("protocol %s: guard for unknown label %q", name, label)
		}
	}
	protocol := &Protocol{Name: name, Initiator: initiator, Responder: responder, Global: g, guards: guards}
	for i, role := range []Role{initiator, responder} {
		local, err := Project(g, role)
		if err != nil {
			return nil, fmt.Errorf("protocol %s: projecting %s: %w", name, role, err)
		}
		protocol.locals[i] = local
	}
	return protocol, nil
}

// MustProtocol is NewProtocol for package-level definitions.
func MustProtocol(name string, initiator, responder Role, g Global, guards map[string]Guard) *Protocol {
	protocol, err := NewProtocol(name, initiator, responder, g, guards)
	if err != nil {
		panic(err)
	}
	return protocol
}

// Tag is the compact wire form of role: 0 for the initiator, 1 for the
// responder.
func (p *Protocol) Tag(role Role) (uint8, bool) {
	switch role {
	case p.Initiator:
		return 0, true
	case p.Responder:
		return 1, true
	}
	return 0, false
}

// RoleOf reverses Tag.
func (p *Protocol) RoleOf(tag uint8) (Role, bool) {
	switch tag {
	case 0:
		return p.Initiator, true
	case 1:
		return p.Responder, true
	}
	return "", false
}

// Peer returns the other role.
func (p *Protocol) Peer(role Role) Role {
	if role == p.Initiator {
		return p.Responder
	}
	return p.Initiator
}

// Local returns the projection for role.
func (p *Protocol) Local(role Role) (Local, bool) {
	tag, ok := p.Tag(role)
	if !ok {
		return nil, false
	}
	return p.locals[tag], true
}

// Guard returns the guard for label.
func (p *Protocol) Guard(label string) Guard {
	if guard, ok := p.guards[label]; ok {
		return guard
	}
	return DefaultGuard
}

// Roles of the built-in protocols.
const (
	RoleCoordinator Role = "coordinator"
	RoleParticipant Role = "participant"
	RoleWitness     Role = "witness"
	RoleInitiator   Role = "initiator"
	RoleResponder   Role = "responder"
	RoleInvitee     Role = "invitee"
	RoleInviter     Role = "inviter"
	RoleModerator   Role = "moderator"
	RoleMember      Role = "member"
)

// Permissions checked by the built-in protocols' guards.
const (
	PermCeremony   = "ceremony:participate"
	PermSync       = "sync:gossip"
	PermInvitation = "invitation:respond"
)

// Ceremony drives one participant through signing an op chain:
// the coordinator proposes, the participant accepts with a nonce
// commitment or rejects, the coordinator asks for a share once enough
// participants accepted, and finally commits or aborts. A participant
// whose share was never needed is committed straight after accepting.
var Ceremony = MustProtocol("ceremony/v1", RoleCoordinator, RoleParticipant,
	Message{From: RoleCoordinator, To: RoleParticipant, Label: "execute", Next: Choice{
		From: RoleParticipant, To: RoleCoordinator, Branches: map[string]Global{
			"accept": Choice{From: RoleCoordinator, To: RoleParticipant, Branches: map[string]Global{
				"sign": Message{From: RoleParticipant, To: RoleCoordinator, Label: "share", Next: Choice{
					From: RoleCoordinator, To: RoleParticipant, Branches: map[string]Global{
						"commit": End{},
						"abort":  End{},
					},
				}},
				"commit": End{},
				"abort":  End{},
			}},
			"reject": End{},
		},
	}},
	map[string]Guard{
		"execute": {Capability: capability.Of(PermCeremony), Cost: 4},
		"accept":  {Capability: capability.Of(PermCeremony), Cost: 1},
		"reject":  {Capability: capability.Of(PermCeremony), Cost: 1},
		"sign":    {Capability: capability.Of(PermCeremony), Cost: 1},
		"share":   {Capability: capability.Of(PermCeremony), Cost: 1},
		"commit":  {Capability: capability.Of(PermCeremony), Cost: 4},
		"abort":   {Capability: capability.Of(PermCeremony), Cost: 1},
	})

// Converge asks one window member to acknowledge a signed op.
var Converge = MustProtocol("converge/v1", RoleCoordinator, RoleWitness,
	Message{From: RoleCoordinator, To: RoleWitness, Label: "ack_request", Next: Choice{
		From: RoleWitness, To: RoleCoordinator, Branches: map[string]Global{
			"ack":  End{},
			"nack": End{},
		},
	}},
	map[string]Guard{
		"ack_request": {Capability: capability.Of(PermCeremony), Cost: 4},
		"ack":         {Capability: capability.Of(PermCeremony), Cost: 1},
		"nack":        {Capability: capability.Of(PermCeremony), Cost: 1},
	})

// Sync is one anti-entropy round: the initiator offers a digest, the
// responder replies with what the initiator lacks and what it wants,
// and the initiator pushes the wanted facts.
var Sync = MustProtocol("sync/v1", RoleInitiator, RoleResponder,
	Message{From: RoleInitiator, To: RoleResponder, Label: "digest", Next: Message{
		From: RoleResponder, To: RoleInitiator, Label: "reply", Next: Message{
			From: RoleInitiator, To: RoleResponder, Label: "facts", Next: End{},
		},
	}},
	map[string]Guard{
		"digest": {Capability: capability.Of(PermSync), Cost: 1},
		"reply":  {Capability: capability.Of(PermSync), Cost: 1},
		"facts":  {Capability: capability.Of(PermSync), Cost: 1},
	})

// Invitation carries an invitee's acceptance to the inviter, who
// welcomes or declines.
var Invitation = MustProtocol("invitation/v1", RoleInvitee, RoleInviter,
	Message{From: RoleInvitee, To: RoleInviter, Label: "accept", Next: Choice{
		From: RoleInviter, To: RoleInvitee, Branches: map[string]Global{
			"welcome": End{},
			"decline": End{},
		},
	}},
	map[string]Guard{
		"accept":  {Capability: capability.Of(PermInvitation), Cost: 2},
		"welcome": {Capability: capability.Of(PermInvitation), Cost: 2},
		"decline": {Capability: capability.Of(PermInvitation), Cost: 1},
	})

// Moderation delivers one moderation flag. Sending it needs both the
// moderation permission in the context and a token granting it.
var Moderation = MustProtocol("moderation/v1", RoleModerator, RoleMember,
	Message{From: RoleModerator, To: RoleMember, Label: "flag", Next: End{}},
	map[string]Guard{
		"flag": {Capability: capability.Of(relational.PermModerate), Cost: 1, Action: relational.PermModerate},
	})

// Protocols lists the built-in protocols.
func Protocols() []*Protocol {
	return []*Protocol{Ceremony, Converge, Sync, Invitation, Moderation}
}
