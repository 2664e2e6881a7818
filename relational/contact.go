// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relational

import (
	"maps"
	"slices"

	"github.com/bureau-foundation/quorum/fact"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
)

// ContactType is the binding type of contact entries.
const ContactType = "contact/v1"

// ContactEvent sets or removes a contact.
type ContactEvent struct {
	Contact  ident.AuthorityID `cbor:"1,keyasint"`
	Nickname string            `cbor:"2,keyasint,omitempty"`
	Removed  bool              `cbor:"3,keyasint,omitempty"`
	Lamport  uint64            `cbor:"4,keyasint"`
}

// Contact is one reduced contact entry.
type Contact struct {
	Authority ident.AuthorityID `cbor:"1,keyasint"`
	Nickname  string            `cbor:"2,keyasint,omitempty"`
	Removed   bool              `cbor:"3,keyasint,omitempty"`
}

// Contacts is the delta of the contact binding type.
type Contacts struct {
	Entries registers[ident.AuthorityID, Contact]
}

// Join keeps the latest write per contact.
func (c Contacts) Join(other Contacts) Contacts {
	return Contacts{Entries: c.Entries.join(other.Entries)}
}

// Equal reports whether both deltas hold the same writes.
func (c Contacts) Equal(other Contacts) bool {
	return c.Entries.equal(other.Entries)
}

// List returns the contacts not removed, in id order.
func (c Contacts) List() []Contact {
	var contacts []Contact
	for _, id := range slices.SortedFunc(maps.Keys(c.Entries), ident.Compare[ident.Authority]) {
		if entry := c.Entries[id].Value; !entry.Removed {
			contacts = append(contacts, entry)
		}
	}
	return contacts
}

func reduceContact(_ ident.ContextID, data []byte) (Contacts, error) {
	event, err := fact.DecodePayload[ContactEvent](data)
	if err != nil {
		return Contacts{}, err
	}
	if event.Contact.IsZero() {
		return Contacts{}, fault.Invalid("contact event without contact")
	}
	entry := Contact{Authority: event.Contact, Nickname: event.Nickname, Removed: event.Removed}
	return Contacts{Entries: registers[ident.AuthorityID, Contact]{event.Contact: Write(event.Lamport, entry)}}, nil
}

// ContactDescriptor registers the contact binding type.
func ContactDescriptor() fact.Descriptor {
	return fact.Describe(ContactType, func() Contacts { return Contacts{} }, reduceContact)
}
