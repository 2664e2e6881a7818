// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relational

import (
	"github.com/bureau-foundation/quorum/fact"
	"github.com/bureau-foundation/quorum/lib/ident"
)

// Descriptors returns the descriptor of every binding type in this
// package.
func Descriptors() []fact.Descriptor {
	return []fact.Descriptor{
		ChannelEpochDescriptor(),
		ContactDescriptor(),
		GuardianDescriptor(),
		InvitationDescriptor(),
		ModerationDescriptor(),
	}
}

// NewRegistry returns a registry holding every binding type in this
// package.
func NewRegistry() *fact.Registry {
	registry, err := fact.NewRegistry(Descriptors()...)
	if err != nil {
		// Descriptor names are constants in this package.
		panic("relational: " + err.Error())
	}
	return registry
}

// Event encodes a binding payload into relational fact content.
func Event(contextID ident.ContextID, bindingType string, payload any) (fact.Content, error) {
	data, err := fact.Payload(payload)
	if err != nil {
		return fact.Content{}, err
	}
	return fact.Relate(contextID, bindingType, data), nil
}
