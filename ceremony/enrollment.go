// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ceremony

import (
	"crypto/ed25519"
	"encoding/base64"
	"strings"

	"github.com/bureau-foundation/quorum/lib/codec"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/lib/keystore"
	"github.com/bureau-foundation/quorum/tree"
)

// EnrollmentNonceSize is the length of the one-time nonce in an
// enrollment code.
const EnrollmentNonceSize = 16

// EnrollmentCode is what a new device shows an existing member, out of
// band, to be added to the member's authority.
type EnrollmentCode struct {
	Device    ident.DeviceID    `cbor:"1,keyasint"`
	PublicKey ed25519.PublicKey `cbor:"2,keyasint"`
	Address   string            `cbor:"3,keyasint,omitempty"`
	Nonce     []byte            `cbor:"4,keyasint"`
}

// NewEnrollmentCode builds a code for the device holding public.
func NewEnrollmentCode(public ed25519.PublicKey, address string, nonce []byte) (EnrollmentCode, error) {
	if len(nonce) != EnrollmentNonceSize {
		return EnrollmentCode{}, fault.Invalid("enrollment nonce is %d bytes, want %d", len(nonce), EnrollmentNonceSize)
	}
	return EnrollmentCode{
		Device:    keystore.DeviceIDFor(public),
		PublicKey: public,
		Address:   address,
		Nonce:     nonce,
	}, nil
}

// Leaf returns the tree leaf the code asks for.
func (c EnrollmentCode) Leaf() tree.LeafNode {
	return tree.LeafNode{Device: c.Device, PublicKey: c.PublicKey, Role: tree.RoleDevice}
}

// Validate checks that the device id belongs to the key.
func (c EnrollmentCode) Validate() error {
	if len(c.PublicKey) != ed25519.PublicKeySize {
		return fault.Invalid("enrollment key is %d bytes", len(c.PublicKey))
	}
	if keystore.DeviceIDFor(c.PublicKey) != c.Device {
		return fault.Invalid("enrollment code names %s but carries the key of another device", c.Device.Short())
	}
	if len(c.Nonce) != EnrollmentNonceSize {
		return fault.Invalid("enrollment nonce is %d bytes, want %d", len(c.Nonce), EnrollmentNonceSize)
	}
	return nil
}

// String returns the code in its shareable text form: unpadded
// base64url of the CBOR encoding.
func (c EnrollmentCode) String() string {
	return base64.RawURLEncoding.EncodeToString(codec.MustMarshal(c))
}

// ParseEnrollmentCode parses and validates the text form.
func ParseEnrollmentCode(text string) (EnrollmentCode, error) {
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(text))
	if err != nil {
		return EnrollmentCode{}, fault.Invalid("enrollment code is not base64url: %v", err)
	}
	var code EnrollmentCode
	if err := codec.Unmarshal(data, &code); err != nil {
		return EnrollmentCode{}, fault.Serialization("decoding enrollment code: %v", err)
	}
	if err := code.Validate(); err != nil {
		return EnrollmentCode{}, err
	}
	return code, nil
}
