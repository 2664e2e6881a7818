// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package fact

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
)

// NamespaceKind says whether a namespace belongs to an authority or a
// context.
type NamespaceKind uint8

const (
	NamespaceAuthority NamespaceKind = 1
	NamespaceContext   NamespaceKind = 2
)

// Namespace scopes a journal.
type Namespace struct {
	Kind NamespaceKind    `cbor:"1,keyasint"`
	ID   [ident.Size]byte `cbor:"2,keyasint"`
}

// AuthorityNamespace returns the namespace of an authority's journal.
func AuthorityNamespace(authority ident.AuthorityID) Namespace {
	return Namespace{Kind: NamespaceAuthority, ID: [ident.Size]byte(authority)}
}

// ContextNamespace returns the namespace of a context's journal.
func ContextNamespace(context ident.ContextID) Namespace {
	return Namespace{Kind: NamespaceContext, ID: [ident.Size]byte(context)}
}

// Authority returns the authority id; ok is false for a context.
func (n Namespace) Authority() (ident.AuthorityID, bool) {
	return ident.AuthorityID(n.ID), n.Kind == NamespaceAuthority
}

// Context returns the context id; ok is false for an authority.
func (n Namespace) Context() (ident.ContextID, bool) {
	return ident.ContextID(n.ID), n.Kind == NamespaceContext
}

// String returns "authority:<hex>" or "context:<hex>". The form is used
// in storage keys, so it must not contain '/'.
func (n Namespace) String() string {
	switch n.Kind {
	case NamespaceAuthority:
		return ident.AuthorityID(n.ID).String()
	case NamespaceContext:
		return ident.ContextID(n.ID).String()
	default:
		return fmt.Sprintf("namespace(%d):%s", n.Kind, hex.EncodeToString(n.ID[:]))
	}
}

// ParseNamespace parses the String form.
func ParseNamespace(text string) (Namespace, error) {
	kind, _, ok := strings.Cut(text, ":")
	if !ok {
		return Namespace{}, fault.Invalid("namespace %q has no kind prefix", text)
	}
	switch kind {
	case ident.Authority{}.Prefix():
		id, err := ident.Parse[ident.Authority](text)
		if err != nil {
			return Namespace{}, fault.Invalid("namespace %q: %v", text, err)
		}
		return AuthorityNamespace(id), nil
	case ident.Context{}.Prefix():
		id, err := ident.Parse[ident.Context](text)
		if err != nil {
			return Namespace{}, fault.Invalid("namespace %q: %v", text, err)
		}
		return ContextNamespace(id), nil
	default:
		return Namespace{}, fault.Invalid("namespace %q has unknown kind %q", text, kind)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (n Namespace) MarshalText() ([]byte, error) { return []byte(n.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *Namespace) UnmarshalText(text []byte) error {
	parsed, err := ParseNamespace(string(text))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}
