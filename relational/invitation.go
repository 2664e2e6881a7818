// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relational

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/bureau-foundation/quorum/fact"
	"github.com/bureau-foundation/quorum/lib/capability"
	"github.com/bureau-foundation/quorum/lib/codec"
	"github.com/bureau-foundation/quorum/lib/digest"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
)

// InvitationType is the binding type of invitation events.
const InvitationType = "invitation/v1"

// InvitationCodePrefix starts every invitation code.
const InvitationCodePrefix = "qinv1-"

// Invitation offers a capability in a context to whoever presents it.
// The inviter's device signs it.
type Invitation struct {
	ID            ident.InvitationID `cbor:"1,keyasint"`
	Inviter       ident.AuthorityID  `cbor:"2,keyasint"`
	InviterDevice ident.DeviceID     `cbor:"3,keyasint"`
	Context       ident.ContextID    `cbor:"4,keyasint"`
	Capability    capability.Cap     `cbor:"5,keyasint"`
	Address       string             `cbor:"6,keyasint,omitempty"`
	ExpiresAt     int64              `cbor:"7,keyasint,omitempty"`
	Key           ed25519.PublicKey  `cbor:"8,keyasint"`
	Signature     []byte             `cbor:"9,keyasint,omitempty"`
}

func (i Invitation) message() []byte {
	unsigned := i
	unsigned.Signature = nil
	hash := digest.Sum(digest.DomainContent, []byte("invitation"), codec.MustMarshal(unsigned))
	return hash[:]
}

// Signer signs as one device.
type Signer interface {
	Device() ident.DeviceID
	Public() ed25519.PublicKey
	Sign(message []byte) []byte
}

// NewInvitation creates an invitation from inviter, signed by one of
// its devices.
func NewInvitation(random io.Reader, signer Signer, inviter ident.AuthorityID, contextID ident.ContextID, grant capability.Cap, address string, expiresAt time.Time) (Invitation, error) {
	id, err := ident.Random[ident.Invitation](random)
	if err != nil {
		return Invitation{}, fault.Internal("%v", err)
	}
	invitation := Invitation{
		ID:            id,
		Inviter:       inviter,
		InviterDevice: signer.Device(),
		Context:       contextID,
		Capability:    grant,
		Address:       address,
		Key:           signer.Public(),
	}
	if !expiresAt.IsZero() {
		invitation.ExpiresAt = expiresAt.UnixMilli()
	}
	invitation.Signature = signer.Sign(invitation.message())
	return invitation, nil
}

var (
	// ErrInvitationExpired is returned by Verify after the deadline.
	ErrInvitationExpired = fault.Authorization("invitation expired")

	// ErrInvitationSignature is returned for a bad signature.
	ErrInvitationSignature = fault.Crypto("invitation signature invalid")
)

// Verify checks the signature and expiry.
func (i Invitation) Verify(now time.Time) error {
	if len(i.Key) != ed25519.PublicKeySize || !ed25519.Verify(i.Key, i.message(), i.Signature) {
		return ErrInvitationSignature
	}
	if i.ExpiresAt != 0 && now.UnixMilli() >= i.ExpiresAt {
		return ErrInvitationExpired
	}
	return nil
}

// Code renders the invitation as a pasteable string.
func (i Invitation) Code() (string, error) {
	data, err := codec.Marshal(i)
	if err != nil {
		return "", fault.Serialization("encoding invitation: %v", err)
	}
	return InvitationCodePrefix + base64.RawURLEncoding.EncodeToString(data), nil
}

// ParseInvitationCode decodes a code produced by Code. The signature is
// not checked; call Verify.
func ParseInvitationCode(code string) (Invitation, error) {
	encoded, ok := strings.CutPrefix(strings.TrimSpace(code), InvitationCodePrefix)
	if !ok {
		return Invitation{}, fault.Invalid("not an invitation code")
	}
	data, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Invitation{}, fault.Invalid("invitation code: %v", err)
	}
	var invitation Invitation
	if err := codec.Unmarshal(data, &invitation); err != nil {
		return Invitation{}, fault.Serialization("decoding invitation: %v", err)
	}
	return invitation, nil
}

// InvitationEventKind selects the variant of an InvitationEvent.
type InvitationEventKind uint8

const (
	InvitationCreated  InvitationEventKind = 1
	InvitationAccepted InvitationEventKind = 2
	InvitationRevoked  InvitationEventKind = 3
)

// InvitationEvent records an invitation's lifecycle in its context.
type InvitationEvent struct {
	Kind       InvitationEventKind `cbor:"1,keyasint"`
	ID         ident.InvitationID  `cbor:"2,keyasint"`
	Invitation *Invitation         `cbor:"3,keyasint,omitempty"`
	Invitee    ident.AuthorityID   `cbor:"4,keyasint,omitempty"`
}

// InvitationStatus is the reduced lifecycle stage.
type InvitationStatus string

const (
	StatusUnknown  InvitationStatus = "unknown"
	StatusPending  InvitationStatus = "pending"
	StatusAccepted InvitationStatus = "accepted"
	StatusRevoked  InvitationStatus = "revoked"
)

type invitationRecord struct {
	Invitation *Invitation
	Invitees   map[ident.AuthorityID]bool
	Revoked    bool
}

func (r invitationRecord) join(other invitationRecord) invitationRecord {
	result := invitationRecord{Invitation: r.Invitation, Revoked: r.Revoked || other.Revoked}
	if other.Invitation != nil && (result.Invitation == nil || compareInvitations(*other.Invitation, *result.Invitation) < 0) {
		result.Invitation = other.Invitation
	}
	if len(r.Invitees)+len(other.Invitees) > 0 {
		result.Invitees = make(map[ident.AuthorityID]bool, len(r.Invitees)+len(other.Invitees))
		maps.Copy(result.Invitees, r.Invitees)
		maps.Copy(result.Invitees, other.Invitees)
	}
	return result
}

func (r invitationRecord) equal(other invitationRecord) bool {
	if r.Revoked != other.Revoked || (r.Invitation == nil) != (other.Invitation == nil) {
		return false
	}
	if r.Invitation != nil && compareInvitations(*r.Invitation, *other.Invitation) != 0 {
		return false
	}
	return maps.Equal(r.Invitees, other.Invitees)
}

// compareInvitations orders two creations of the same id by their
// encoding, so conflicting copies resolve the same way everywhere.
func compareInvitations(a, b Invitation) int {
	return bytes.Compare(codec.MustMarshal(a), codec.MustMarshal(b))
}

// Invitations is the delta of the invitation binding type.
type Invitations struct {
	Records map[ident.InvitationID]invitationRecord
}

// Join merges records per invitation. Revocation is sticky.
func (v Invitations) Join(other Invitations) Invitations {
	result := Invitations{Records: make(map[ident.InvitationID]invitationRecord, max(len(v.Records), len(other.Records)))}
	maps.Copy(result.Records, v.Records)
	for id, record := range other.Records {
		result.Records[id] = result.Records[id].join(record)
	}
	return result
}

// Equal reports whether both deltas hold the same records.
func (v Invitations) Equal(other Invitations) bool {
	return maps.EqualFunc(v.Records, other.Records, invitationRecord.equal)
}

// Status returns the lifecycle stage of id.
func (v Invitations) Status(id ident.InvitationID) InvitationStatus {
	record, ok := v.Records[id]
	switch {
	case !ok:
		return StatusUnknown
	case record.Revoked:
		return StatusRevoked
	case len(record.Invitees) > 0:
		return StatusAccepted
	case record.Invitation != nil:
		return StatusPending
	}
	return StatusUnknown
}

// Invitees returns who accepted id, in id order.
func (v Invitations) Invitees(id ident.InvitationID) []ident.AuthorityID {
	return slices.SortedFunc(maps.Keys(v.Records[id].Invitees), ident.Compare[ident.Authority])
}

// Invitation returns the invitation record for id when its creation
// has been seen.
func (v Invitations) Invitation(id ident.InvitationID) (Invitation, bool) {
	record, ok := v.Records[id]
	if !ok || record.Invitation == nil {
		return Invitation{}, false
	}
	return *record.Invitation, true
}

func reduceInvitation(contextID ident.ContextID, data []byte) (Invitations, error) {
	event, err := fact.DecodePayload[InvitationEvent](data)
	if err != nil {
		return Invitations{}, err
	}
	var record invitationRecord
	switch event.Kind {
	case InvitationCreated:
		if event.Invitation == nil || event.Invitation.ID != event.ID {
			return Invitations{}, fault.Invalid("invitation created event does not carry its invitation")
		}
		if event.Invitation.Context != contextID {
			return Invitations{}, fault.Invalid("invitation for another context")
		}
		record.Invitation = event.Invitation
	case InvitationAccepted:
		if event.Invitee.IsZero() {
			return Invitations{}, fault.Invalid("acceptance without invitee")
		}
		record.Invitees = map[ident.AuthorityID]bool{event.Invitee: true}
	case InvitationRevoked:
		record.Revoked = true
	default:
		return Invitations{}, fault.Invalid("unknown invitation event kind %d", event.Kind)
	}
	return Invitations{Records: map[ident.InvitationID]invitationRecord{event.ID: record}}, nil
}

// InvitationDescriptor registers the invitation binding type.
func InvitationDescriptor() fact.Descriptor {
	return fact.Describe(InvitationType, func() Invitations { return Invitations{} }, reduceInvitation)
}
