// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"crypto/ed25519"

	"github.com/bureau-foundation/quorum/effect"
	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/lib/keystore"
)

// KeySigner is an effect.Signer over a plain private key, for tests
// and simulation.
type KeySigner struct {
	device  ident.DeviceID
	public  ed25519.PublicKey
	private ed25519.PrivateKey
}

var _ effect.Signer = (*KeySigner)(nil)

// NewKeySigner returns a signer whose device id is derived from the
// key's public half.
func NewKeySigner(private ed25519.PrivateKey) *KeySigner {
	public := private.Public().(ed25519.PublicKey)
	return &KeySigner{device: keystore.DeviceIDFor(public), public: public, private: private}
}

func (s *KeySigner) Device() ident.DeviceID         { return s.device }
func (s *KeySigner) Public() ed25519.PublicKey      { return s.public }
func (s *KeySigner) Sign(message []byte) []byte     { return ed25519.Sign(s.private, message) }
func (s *KeySigner) PrivateKey() ed25519.PrivateKey { return s.private }

// deviceKeySigner signs with a key held in locked memory.
type deviceKeySigner struct {
	key *keystore.DeviceKey
}

// DeviceKeySigner adapts a loaded device key.
func DeviceKeySigner(key *keystore.DeviceKey) effect.Signer {
	return deviceKeySigner{key: key}
}

func (s deviceKeySigner) Device() ident.DeviceID     { return s.key.Device }
func (s deviceKeySigner) Public() ed25519.PublicKey  { return s.key.Public }
func (s deviceKeySigner) Sign(message []byte) []byte { return s.key.Key.Sign(message) }
