// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package threshold

import (
	"crypto/ed25519"
	"io"
	"slices"

	"github.com/bureau-foundation/quorum/lib/digest"
	"github.com/bureau-foundation/quorum/lib/fault"
	"github.com/bureau-foundation/quorum/lib/ident"
)

// Nonce is a signer's secret for one signing round. It is revealed in
// the share phase and checked against the commitment made earlier.
type Nonce [32]byte

// Commitment binds a signer to its nonce before any share is released.
type Commitment struct {
	Signer ident.DeviceID `cbor:"1,keyasint"`
	Hash   digest.Hash    `cbor:"2,keyasint"`
}

// Share is one signer's Ed25519 signature over the signing message.
type Share struct {
	Signer    ident.DeviceID `cbor:"1,keyasint"`
	Signature []byte         `cbor:"2,keyasint"`
}

// Signature is an aggregate: shares from distinct signers, sorted by
// signer so that the encoding is canonical.
type Signature struct {
	Shares []Share `cbor:"1,keyasint"`
}

// Signers returns the signer ids in order.
func (s Signature) Signers() []ident.DeviceID {
	signers := make([]ident.DeviceID, len(s.Shares))
	for i, share := range s.Shares {
		signers[i] = share.Signer
	}
	return signers
}

var (
	// ErrDuplicateSigner is returned when one signer contributes twice.
	ErrDuplicateSigner = fault.Crypto("duplicate signer in aggregate signature")

	// ErrInsufficientShares is returned when fewer valid shares than
	// the threshold are present.
	ErrInsufficientShares = fault.Crypto("aggregate signature below threshold")
)

// Commit draws a fresh nonce from r and returns it with the commitment
// to publish.
func Commit(r io.Reader, signer ident.DeviceID) (Nonce, Commitment, error) {
	var nonce Nonce
	if _, err := io.ReadFull(r, nonce[:]); err != nil {
		return nonce, Commitment{}, fault.Internal("drawing signing nonce: %v", err)
	}
	return nonce, Commitment{Signer: signer, Hash: nonceHash(signer, nonce)}, nil
}

// Opens reports whether nonce is the one c committed to.
func (c Commitment) Opens(nonce Nonce) bool {
	return c.Hash == nonceHash(c.Signer, nonce)
}

func nonceHash(signer ident.DeviceID, nonce Nonce) digest.Hash {
	return digest.Sum(digest.DomainCeremony, []byte("nonce"), signer[:], nonce[:])
}

// Sign produces signer's share over message.
func Sign(key ed25519.PrivateKey, signer ident.DeviceID, message []byte) Share {
	return Share{Signer: signer, Signature: ed25519.Sign(key, message)}
}

// VerifyShare checks one share against the signer's public key.
func VerifyShare(key ed25519.PublicKey, message []byte, share Share) error {
	if len(key) != ed25519.PublicKeySize {
		return fault.Crypto("public key for %s is %d bytes", share.Signer.Short(), len(key))
	}
	if len(share.Signature) != ed25519.SignatureSize || !ed25519.Verify(key, message, share.Signature) {
		return fault.Crypto("share from %s does not verify", share.Signer.Short())
	}
	return nil
}

// Aggregate combines shares into a canonical Signature. Shares are
// sorted by signer; a signer appearing twice is an error.
func Aggregate(shares []Share) (Signature, error) {
	sorted := slices.Clone(shares)
	slices.SortFunc(sorted, func(a, b Share) int { return a.Signer.Compare(b.Signer) })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Signer == sorted[i-1].Signer {
			return Signature{}, ErrDuplicateSigner
		}
	}
	return Signature{Shares: sorted}, nil
}

// Verify checks an aggregate against the key set valid for message.
// Every share must come from a distinct signer present in keys and
// must verify; at least threshold shares are required.
func Verify(message []byte, signature Signature, keys map[ident.DeviceID]ed25519.PublicKey, threshold int) error {
	seen := make(map[ident.DeviceID]bool, len(signature.Shares))
	for _, share := range signature.Shares {
		if seen[share.Signer] {
			return ErrDuplicateSigner
		}
		seen[share.Signer] = true
		key, ok := keys[share.Signer]
		if !ok {
			return fault.Crypto("share from %s, which is not a member", share.Signer.Short())
		}
		if err := VerifyShare(key, message, share); err != nil {
			return err
		}
	}
	if len(seen) < threshold {
		return ErrInsufficientShares
	}
	return nil
}
