// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ident

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/bureau-foundation/quorum/lib/digest"
)

// Size is the length of every identifier in bytes.
const Size = 16

// Kind marks what an ID names. Kinds are zero-size types; the type
// parameter keeps a DeviceID from being passed where an AuthorityID is
// expected without any runtime cost.
type Kind interface {
	// Prefix is the label used in the text form, e.g. "device".
	Prefix() string
}

// Identifier kinds.
type (
	Device     struct{}
	Authority  struct{}
	Account    struct{}
	Context    struct{}
	Channel    struct{}
	Session    struct{}
	Invitation struct{}
	Ceremony   struct{}
)

func (Device) Prefix() string     { return "device" }
func (Authority) Prefix() string  { return "authority" }
func (Account) Prefix() string    { return "account" }
func (Context) Prefix() string    { return "context" }
func (Channel) Prefix() string    { return "channel" }
func (Session) Prefix() string    { return "session" }
func (Invitation) Prefix() string { return "invitation" }
func (Ceremony) Prefix() string   { return "ceremony" }

// ID is an opaque 16-byte identifier of kind K. Equality and ordering
// are bytewise. IDs carry no privileges.
type ID[K Kind] [Size]byte

// Concrete identifier types.
type (
	DeviceID     = ID[Device]
	AuthorityID  = ID[Authority]
	AccountID    = ID[Account]
	ContextID    = ID[Context]
	ChannelID    = ID[Channel]
	SessionID    = ID[Session]
	InvitationID = ID[Invitation]
	CeremonyID   = ID[Ceremony]
)

// Random reads a fresh ID from r. Production passes crypto/rand;
// simulation passes its seeded source so ids replay exactly.
func Random[K Kind](r io.Reader) (ID[K], error) {
	var id ID[K]
	if _, err := io.ReadFull(r, id[:]); err != nil {
		var kind K
		return id, fmt.Errorf("generating %s id: %w", kind.Prefix(), err)
	}
	return id, nil
}

// Derive computes a deterministic ID of kind K from a label and parts.
// Two callers deriving from the same inputs get the same ID.
func Derive[K Kind](label string, parts ...[]byte) ID[K] {
	var kind K
	all := make([][]byte, 0, len(parts)+2)
	all = append(all, []byte(kind.Prefix()), []byte(label))
	all = append(all, parts...)
	hash := digest.Sum(digest.DomainIdentifier, all...)
	var id ID[K]
	copy(id[:], hash[:Size])
	return id
}

// FromBytes converts a 16-byte slice into an ID.
func FromBytes[K Kind](b []byte) (ID[K], error) {
	var id ID[K]
	if len(b) != Size {
		var kind K
		return id, fmt.Errorf("%s id is %d bytes, want %d", kind.Prefix(), len(b), Size)
	}
	copy(id[:], b)
	return id, nil
}

// Parse parses the text form "kind:hex". A bare hex string is accepted
// as well, since operators paste ids from logs.
func Parse[K Kind](text string) (ID[K], error) {
	var id ID[K]
	var kind K
	hexPart := text
	if prefix, rest, found := strings.Cut(text, ":"); found {
		if prefix != kind.Prefix() {
			return id, fmt.Errorf("parsing %s id %q: wrong kind %q", kind.Prefix(), text, prefix)
		}
		hexPart = rest
	}
	decoded, err := hex.DecodeString(hexPart)
	if err != nil {
		return id, fmt.Errorf("parsing %s id %q: %w", kind.Prefix(), text, err)
	}
	return FromBytes[K](decoded)
}

// String returns the text form "kind:hex".
func (id ID[K]) String() string {
	var kind K
	return kind.Prefix() + ":" + hex.EncodeToString(id[:])
}

// Short returns the kind and the first 8 hex characters, for logs.
func (id ID[K]) Short() string {
	var kind K
	return kind.Prefix() + ":" + hex.EncodeToString(id[:4])
}

// Hex returns the bare hex form, used in storage keys.
func (id ID[K]) Hex() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns a copy of the identifier bytes.
func (id ID[K]) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, id[:])
	return out
}

// IsZero reports whether id is unset.
func (id ID[K]) IsZero() bool {
	return id == ID[K]{}
}

// Compare orders ids bytewise.
func (id ID[K]) Compare(other ID[K]) int {
	return bytes.Compare(id[:], other[:])
}

// MarshalText implements encoding.TextMarshaler.
func (id ID[K]) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID[K]) UnmarshalText(text []byte) error {
	parsed, err := Parse[K](string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// DeviceAuthority returns the authority of a single-device authority,
// which shares its device's bytes.
func DeviceAuthority(device DeviceID) AuthorityID {
	return AuthorityID(device)
}

// AuthorityContext returns the context in which an authority's own
// ceremonies, certificates and reversions are recorded.
func AuthorityContext(authority AuthorityID) ContextID {
	return Derive[Context]("authority", authority[:])
}

// Compare is a free-function form of ID.Compare for slices.SortFunc.
func Compare[K Kind](a, b ID[K]) int {
	return a.Compare(b)
}
