// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/quorum/effect"
	"github.com/bureau-foundation/quorum/lib/digest"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
	"github.com/bureau-foundation/quorum/lib/threshold"
)

// Crypto implements effect.Crypto in software: BLAKE3 domain hashing,
// Ed25519, the threshold share scheme, HKDF-SHA256 and
// XChaCha20-Poly1305.
type Crypto struct {
	mode   effect.Mode
	random io.Reader
}

var _ effect.Crypto = (*Crypto)(nil)

// NewCrypto returns a crypto handler drawing keys and nonces from random.
func NewCrypto(mode effect.Mode, random io.Reader) *Crypto {
	return &Crypto{mode: mode, random: random}
}

func (c *Crypto) Mode() effect.Mode { return c.mode }

func (c *Crypto) Hash(domain digest.Domain, parts ...[]byte) digest.Hash {
	return digest.Sum(domain, parts...)
}

func (c *Crypto) GenerateSigningKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	public, private, err := ed25519.GenerateKey(c.random)
	if err != nil {
		return nil, nil, fault.Internal("generating signing key: %v", err)
	}
	return public, private, nil
}

func (c *Crypto) Sign(key ed25519.PrivateKey, message []byte) []byte {
	return ed25519.Sign(key, message)
}

func (c *Crypto) Verify(key ed25519.PublicKey, message, signature []byte) bool {
	return len(key) == ed25519.PublicKeySize && ed25519.Verify(key, message, signature)
}

func (c *Crypto) ThresholdCommit(signer ident.DeviceID) (threshold.Nonce, threshold.Commitment, error) {
	return threshold.Commit(c.random, signer)
}

func (c *Crypto) ThresholdSign(key ed25519.PrivateKey, signer ident.DeviceID, message []byte) threshold.Share {
	return threshold.Sign(key, signer, message)
}

func (c *Crypto) ThresholdAggregate(shares []threshold.Share) (threshold.Signature, error) {
	return threshold.Aggregate(shares)
}

func (c *Crypto) ThresholdVerify(message []byte, signature threshold.Signature, keys map[ident.DeviceID]ed25519.PublicKey, required int) error {
	return threshold.Verify(message, signature, keys, required)
}

// DeriveKey runs HKDF-SHA256.
func (c *Crypto) DeriveKey(ctx context.Context, secret, salt, info []byte, length int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if length <= 0 || length > 255*sha256.Size {
		return nil, fault.Invalid("cannot derive a %d byte key", length)
	}
	key := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), key); err != nil {
		return nil, fault.Crypto("deriving key: %v", err)
	}
	return key, nil
}

// Seal encrypts with XChaCha20-Poly1305. The nonce must be 24 bytes.
func (c *Crypto) Seal(ctx context.Context, key, nonce, plaintext, additionalData []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fault.Crypto("aead key: %v", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fault.Crypto("aead nonce is %d bytes, want %d", len(nonce), aead.NonceSize())
	}
	return aead.Seal(nil, nonce, plaintext, additionalData), nil
}

// Open decrypts and authenticates a Seal result.
func (c *Crypto) Open(ctx context.Context, key, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fault.Crypto("aead key: %v", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fault.Crypto("aead nonce is %d bytes, want %d", len(nonce), aead.NonceSize())
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fault.Crypto("aead open: authentication failed")
	}
	return plaintext, nil
}
