// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relational

import (
	"maps"
	"slices"

	"github.com/bureau-foundation/quorum/fact"
	"github.com/bureau-foundation/quorum/lib/capability"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
)

// GuardianType is the binding type of guardian grants.
const GuardianType = "guardian/v1"

// GuardianEvent grants or revokes a guardian's standing for an account
// authority. The latest event per guardian wins.
type GuardianEvent struct {
	Account    ident.AuthorityID `cbor:"1,keyasint"`
	Guardian   ident.AuthorityID `cbor:"2,keyasint"`
	Lamport    uint64            `cbor:"3,keyasint"`
	Revoked    bool              `cbor:"4,keyasint,omitempty"`
	Capability capability.Cap    `cbor:"5,keyasint"`
}

// GuardianGrant is the current standing of one guardian.
type GuardianGrant struct {
	Account    ident.AuthorityID `cbor:"1,keyasint"`
	Guardian   ident.AuthorityID `cbor:"2,keyasint"`
	Active     bool              `cbor:"3,keyasint"`
	Capability capability.Cap    `cbor:"4,keyasint"`
}

// Guardians is the delta of the guardian binding type.
type Guardians struct {
	Grants registers[ident.AuthorityID, GuardianGrant]
}

// Join keeps the latest grant per guardian.
func (g Guardians) Join(other Guardians) Guardians {
	return Guardians{Grants: g.Grants.join(other.Grants)}
}

// Equal reports whether both deltas hold the same writes.
func (g Guardians) Equal(other Guardians) bool {
	return g.Grants.equal(other.Grants)
}

// Active returns the guardians currently in standing, in id order.
func (g Guardians) Active() []GuardianGrant {
	var active []GuardianGrant
	for _, guardian := range slices.SortedFunc(maps.Keys(g.Grants), ident.Compare[ident.Authority]) {
		grant := g.Grants[guardian].Value
		if grant.Active {
			active = append(active, grant)
		}
	}
	return active
}

// Grant returns one guardian's standing.
func (g Guardians) Grant(guardian ident.AuthorityID) (GuardianGrant, bool) {
	register, ok := g.Grants[guardian]
	return register.Value, ok && register.Value.Active
}

func reduceGuardian(_ ident.ContextID, data []byte) (Guardians, error) {
	event, err := fact.DecodePayload[GuardianEvent](data)
	if err != nil {
		return Guardians{}, err
	}
	if event.Guardian.IsZero() || event.Account.IsZero() {
		return Guardians{}, fault.Invalid("guardian event without account or guardian")
	}
	grant := GuardianGrant{Account: event.Account, Guardian: event.Guardian, Active: !event.Revoked, Capability: event.Capability}
	return Guardians{Grants: registers[ident.AuthorityID, GuardianGrant]{event.Guardian: Write(event.Lamport, grant)}}, nil
}

// GuardianDescriptor registers the guardian binding type.
func GuardianDescriptor() fact.Descriptor {
	return fact.Describe(GuardianType, func() Guardians { return Guardians{} }, reduceGuardian)
}
